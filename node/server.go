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

package node

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/cocaine-node/runtime/channel"
	"github.com/cocaine-node/runtime/dispatch"
	liberr "github.com/cocaine-node/runtime/errors"
	"github.com/cocaine-node/runtime/transport"
	liblog "github.com/nabbar/golib/logger"
)

// Server is the node's single service endpoint (spec section 4.8):
// one listener multiplexing start_app/pause_app/list and, per app,
// enqueue/info. The real protocol reaches enqueue/info through a
// separate per-app tag behind a locator; this module collapses both
// onto one connection-per-request endpoint instead (see
// transport.SlotServiceEnqueue/SlotServiceInfo), since it does not
// implement a standalone locator service.
type Server struct {
	n   *Node
	log liblog.FuncLog
}

// NewServer wires a Server to n. log may be nil.
func NewServer(n *Node, log liblog.FuncLog) *Server {
	return &Server{n: n, log: log}
}

func (srv *Server) logger() liblog.Logger {
	if srv.log == nil {
		return nil
	}
	return srv.log()
}

// Serve accepts connections on l until it is closed, handling each on
// its own goroutine. One connection serves exactly one request.
func (srv *Server) Serve(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go srv.handle(conn)
	}
}

func (srv *Server) handle(conn net.Conn) {
	codec := transport.New(conn)

	msg, err := codec.Recv()
	if err != nil {
		_ = codec.Close()
		return
	}

	switch msg.Slot {
	case transport.SlotStartApp:
		defer codec.Close()
		srv.handleStartApp(codec, msg)
	case transport.SlotPauseApp:
		defer codec.Close()
		srv.handlePauseApp(codec, msg)
	case transport.SlotList:
		defer codec.Close()
		srv.handleList(codec, msg)
	case transport.SlotServiceInfo:
		defer codec.Close()
		srv.handleInfo(codec, msg)
	case transport.SlotServiceEnqueue:
		// handleEnqueue owns the connection for the life of the
		// stream; it closes codec itself once both bridges settle.
		srv.handleEnqueue(codec, msg)
	default:
		_ = codec.Send(transport.ErrorFrame(msg.ChannelID, transport.ErrRequest, "unknown slot"))
		_ = codec.Close()
	}
}

func (srv *Server) handleStartApp(codec *transport.Codec, msg transport.Message) {
	name, ok := argString(msg.Args, 0)
	if !ok || name == "" {
		_ = codec.Send(transport.ErrorFrame(msg.ChannelID, transport.ErrRequest, "start_app requires a name"))
		return
	}

	if err := srv.n.StartApp(context.Background(), name, nil); err != nil {
		_ = codec.Send(transport.ErrorFrame(msg.ChannelID, mapLiberr(err), err.Error()))
		return
	}
	_ = codec.Send(transport.Choke(msg.ChannelID))
}

func (srv *Server) handlePauseApp(codec *transport.Codec, msg transport.Message) {
	name, ok := argString(msg.Args, 0)
	if !ok || name == "" {
		_ = codec.Send(transport.ErrorFrame(msg.ChannelID, transport.ErrRequest, "pause_app requires a name"))
		return
	}

	if err := srv.n.PauseApp(name); err != nil {
		_ = codec.Send(transport.ErrorFrame(msg.ChannelID, mapLiberr(err), err.Error()))
		return
	}
	_ = codec.Send(transport.Choke(msg.ChannelID))
}

func (srv *Server) handleList(codec *transport.Codec, msg transport.Message) {
	names := srv.n.List()
	sort.Strings(names)

	args := make([]interface{}, len(names))
	for i, name := range names {
		args[i] = name
	}
	_ = codec.Send(transport.Message{ChannelID: msg.ChannelID, Slot: transport.SlotChunk, Args: args})
	_ = codec.Send(transport.Choke(msg.ChannelID))
}

func (srv *Server) handleInfo(codec *transport.Codec, msg transport.Message) {
	name, ok := argString(msg.Args, 0)
	if !ok || name == "" {
		_ = codec.Send(transport.ErrorFrame(msg.ChannelID, transport.ErrRequest, "info requires an app name"))
		return
	}

	info, err := srv.n.Info(name)
	if err != nil {
		_ = codec.Send(transport.ErrorFrame(msg.ChannelID, mapLiberr(err), err.Error()))
		return
	}
	_ = codec.Send(transport.Message{
		ChannelID: msg.ChannelID,
		Slot:      transport.SlotChunk,
		Args:      []interface{}{info.PoolSize, info.QueueDepth, len(info.Crashlog)},
	})
	_ = codec.Send(transport.Choke(msg.ChannelID))
}

// handleEnqueue implements spec section 4.2's bridge pair on top of
// one connection: ClientToWorker reads this connection's chunk/
// error/choke frames and forwards them to the chosen slave; a
// WorkerToClient, installed once a slave is actually picked, reads
// that slave's replies and writes them back here.
func (srv *Server) handleEnqueue(codec *transport.Codec, msg transport.Message) {
	chID := msg.ChannelID

	name, _ := argString(msg.Args, 0)
	event, _ := argString(msg.Args, 1)
	deadlineMS, _ := argInt64(msg.Args, 2)
	urgent, _ := argBool(msg.Args, 3)

	if name == "" || event == "" {
		_ = codec.Send(transport.ErrorFrame(chID, transport.ErrRequest, "enqueue requires an app name and event"))
		_ = codec.Close()
		return
	}

	var deadline time.Time
	if deadlineMS > 0 {
		deadline = time.UnixMilli(deadlineMS)
	}

	cw := &errorWriter{codec: codec, chID: chID}
	bridge := dispatch.NewClientToWorker()

	closeConn := func() { _ = codec.Close() }

	onReady := func(ch *channel.Channel, err liberr.Error) {
		if err != nil {
			_ = codec.Send(transport.ErrorFrame(chID, mapLiberr(err), err.Error()))
			closeConn()
			return
		}

		port, perr := srv.n.Port(name)
		if perr != nil {
			_ = codec.Send(transport.ErrorFrame(chID, mapLiberr(perr), perr.Error()))
			closeConn()
			return
		}

		w2c := dispatch.NewWorkerToClient(
			func(m transport.Message) error {
				m.ChannelID = chID
				return codec.Send(m)
			},
			func() {
				ch.CloseSend()
				port.ForgetChannel(ch)
				closeConn()
			},
		)
		port.SetWorkerHandler(ch, w2c.OnWorkerFrame)

		bridge.Attach(
			func(m transport.Message) error { return port.SendToWorker(ch, m) },
			func() {
				ch.CloseRecv()
				port.ForgetChannel(ch)
			},
		)

		if ierr := port.InvokeOn(ch, event); ierr != nil {
			if lg := srv.logger(); lg != nil {
				lg.Error("enqueue invoke failed", nil, ierr)
			}
			bridge.Discard(1)
		}
	}

	if admitErr := srv.n.Enqueue(name, event, deadline, urgent, cw, onReady); admitErr != nil {
		_ = codec.Send(transport.ErrorFrame(chID, mapLiberr(admitErr), admitErr.Error()))
		closeConn()
		return
	}

	// Read every further client-origin frame on this connection and
	// hand it to the bridge; a read error is the client-transport
	// failure spec section 4.2 calls discard(ec).
	for {
		m, err := codec.Recv()
		if err != nil {
			bridge.Discard(1)
			closeConn()
			return
		}
		bridge.OnClientFrame(m)
	}
}

// errorWriter adapts a connection's codec to queue.ClientWriter, so a
// load that expires or overflows while still queued can fail directly
// back to the client without any bridge having been attached yet.
type errorWriter struct {
	codec *transport.Codec
	chID  uint64
}

func (w *errorWriter) SendError(code transport.ErrorCode, reason string) {
	_ = w.codec.Send(transport.ErrorFrame(w.chID, code, reason))
}

func mapLiberr(err liberr.Error) transport.ErrorCode {
	switch {
	case liberr.IsCode(err, liberr.ErrorQueueOverflow), liberr.IsCode(err, liberr.ErrorInvalidState):
		return transport.ErrResource
	case liberr.IsCode(err, liberr.ErrorNoManifest), liberr.IsCode(err, liberr.ErrorInvalidManifest),
		liberr.IsCode(err, liberr.ErrorInvalidProfile), liberr.IsCode(err, liberr.ErrorUnknownComponent),
		liberr.IsCode(err, liberr.ErrorAlreadyRunning), liberr.IsCode(err, liberr.ErrorNotRunning):
		return transport.ErrRequest
	default:
		return transport.ErrServer
	}
}

func argString(args []interface{}, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func argInt64(args []interface{}, i int) (int64, bool) {
	if i >= len(args) {
		return 0, false
	}
	switch v := args[i].(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

func argBool(args []interface{}, i int) (bool, bool) {
	if i >= len(args) {
		return false, false
	}
	b, ok := args[i].(bool)
	return b, ok
}
