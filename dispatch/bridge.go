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

// Package dispatch holds the two stream bridges that move bytes
// between a client's enqueue stream and a worker's invoke stream.
// channel.Channel tracks only half-close bookkeeping; these bridges
// are the thing that actually reads frames on one side and writes
// them on the other.
package dispatch

import (
	"sync"

	"github.com/cocaine-node/runtime/transport"
)

func isTerminal(m transport.Message) bool {
	return m.Slot == transport.SlotError || m.Slot == transport.SlotChoke
}

// ClientToWorker forwards one channel's client-origin frames (chunk,
// error, choke) to the worker's invoke stream. It exists the moment a
// request is admitted, before any slave has necessarily been chosen:
// Enqueue can be queued for a while, so the bridge buffers frames
// until Attach hands it a live forwarder (the "attach protocol" of
// spec section 4.2). Fires its close callback exactly once, whether
// that happens before or after Attach.
type ClientToWorker struct {
	mu       sync.Mutex
	forward  func(transport.Message) error
	buffered []transport.Message
	closed   bool
	notified bool
	onClose  func()
}

// NewClientToWorker returns an unattached bridge, ready to buffer.
func NewClientToWorker() *ClientToWorker {
	return &ClientToWorker{}
}

// OnClientFrame is the handler installed on the client's enqueue
// upstream. Safe to call before Attach.
func (b *ClientToWorker) OnClientFrame(m transport.Message) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	term := isTerminal(m)
	fwd := b.forward
	if fwd == nil {
		b.buffered = append(b.buffered, m)
		if term {
			b.closed = true
		}
		b.mu.Unlock()
		if term {
			b.fireClose()
		}
		return
	}
	if term {
		b.closed = true
	}
	b.mu.Unlock()

	// A write failure here is the fail-safe case: it collapses the
	// bridge the same as an explicit choke would, it does not
	// propagate to the caller.
	if err := fwd(m); err != nil {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
	}
	b.fireClose()
}

// Discard handles a client-transport error arriving out of band from
// any frame (a dropped connection, a decode failure). A non-zero ec
// always collapses the bridge; ec == 0 is a no-op reserved for a
// clean, already-terminal shutdown.
func (b *ClientToWorker) Discard(ec int) {
	if ec == 0 {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	fwd := b.forward
	b.mu.Unlock()

	if fwd != nil {
		_ = fwd(transport.Choke(0))
	}
	b.fireClose()
}

// Attach wires the bridge to a live worker-invoke forwarder and the
// owning channel's close_recv callback, once the Overseer has
// actually picked a slave for this load. Any frames buffered while
// unattached flush in order; if the bridge already reached terminal
// state before a slave was ever chosen, onClose fires right away
// instead of waiting on a frame that will never arrive.
func (b *ClientToWorker) Attach(forward func(transport.Message) error, onClose func()) {
	b.mu.Lock()
	b.forward = forward
	buffered := b.buffered
	b.buffered = nil
	b.onClose = onClose
	b.mu.Unlock()

	for _, m := range buffered {
		if err := forward(m); err != nil {
			b.mu.Lock()
			b.closed = true
			b.mu.Unlock()
			break
		}
	}
	b.fireClose()
}

func (b *ClientToWorker) fireClose() {
	b.mu.Lock()
	if !b.closed || b.notified || b.onClose == nil {
		b.mu.Unlock()
		return
	}
	b.notified = true
	fn := b.onClose
	b.mu.Unlock()
	fn()
}

// WorkerToClient forwards one channel's worker-origin frames back to
// the client. Unlike ClientToWorker it is never buffered: by the time
// a worker stream exists, the client side is already known, so it is
// constructed already-attached.
type WorkerToClient struct {
	mu       sync.Mutex
	send     func(transport.Message) error
	closed   bool
	notified bool
	onClose  func()
}

// NewWorkerToClient builds an attached bridge. send writes one frame
// to the client; onClose fires exactly once, when the stream reaches
// a terminal state in either direction.
func NewWorkerToClient(send func(transport.Message) error, onClose func()) *WorkerToClient {
	return &WorkerToClient{send: send, onClose: onClose}
}

// OnWorkerFrame is the handler registered with slave.SetWorkerHandler
// for this channel's id.
func (b *WorkerToClient) OnWorkerFrame(m transport.Message) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	term := isTerminal(m)
	// Fail-safe: if the client write itself fails, treat it exactly
	// like the worker having sent choke, rather than letting a
	// transport error surface out of this callback.
	if err := b.send(m); err != nil {
		term = true
	}
	if term {
		b.close()
	}
}

func (b *WorkerToClient) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	already := b.notified
	b.notified = true
	fn := b.onClose
	b.mu.Unlock()

	if !already && fn != nil {
		fn()
	}
}
