/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package overseer

import (
	"net"

	"github.com/cocaine-node/runtime/transport"
)

// acceptLoop accepts worker control connections on the app's Unix
// socket until the listener is closed by Stop.
func (o *Overseer) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go o.handleConn(conn)
	}
}

// handleConn reads exactly one handshake frame off a freshly accepted
// connection and routes it to the slave it names. Everything after
// the handshake (heartbeats, invoke, chunk/error/choke) flows through
// the same codec but is read by the dispatch layer, not here.
func (o *Overseer) handleConn(conn net.Conn) {
	codec := transport.New(conn)

	msg, err := codec.Recv()
	if err != nil {
		_ = codec.Close()
		return
	}
	if msg.Slot != transport.SlotHandshake || len(msg.Args) == 0 {
		_ = codec.Close()
		return
	}

	uuid, ok := msg.Args[0].(string)
	if !ok {
		_ = codec.Close()
		return
	}

	o.resolveHandshake(uuid, codec)
}
