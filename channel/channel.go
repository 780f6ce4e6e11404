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

// Package channel tracks the two independent half-closes of one
// request/response stream and fires a single close callback once both
// sides are closed and the owning slave has expressed interest. It
// performs no I/O of its own: the bridges in the dispatch package call
// into it as frames arrive.
package channel

import (
	"sync"
	"time"
)

// Channel is owned by exactly one Slave. It has no knowledge of the
// client or worker transport; it only tracks half-close state.
type Channel struct {
	mu sync.Mutex

	id         uint64
	birthstamp time.Time

	txClosed bool
	rxClosed bool
	watched  bool
	fired    bool

	onClose func()
}

// New creates a channel with the given per-slave id. id must already
// be unique within the owning slave (the slave assigns it).
func New(id uint64) *Channel {
	return &Channel{id: id, birthstamp: time.Now()}
}

// ID returns the per-slave channel id.
func (c *Channel) ID() uint64 { return c.id }

// Birthstamp returns when the channel was created.
func (c *Channel) Birthstamp() time.Time { return c.birthstamp }

// CloseSend marks the transmit side (worker -> client) closed.
// Monotone: closing an already-closed side is a no-op.
func (c *Channel) CloseSend() {
	c.mu.Lock()
	c.txClosed = true
	fn := c.maybeFireLocked()
	c.mu.Unlock()
	fireIfSet(fn)
}

// CloseRecv marks the receive side (client -> worker) closed.
func (c *Channel) CloseRecv() {
	c.mu.Lock()
	c.rxClosed = true
	fn := c.maybeFireLocked()
	c.mu.Unlock()
	fireIfSet(fn)
}

// CloseBoth forces both sides closed at once, used on slave eviction.
// It takes no error code: this package performs no I/O, so callers
// that need to report connection_aborted do so through the bridges
// before calling CloseBoth.
func (c *Channel) CloseBoth() {
	c.mu.Lock()
	c.txClosed = true
	c.rxClosed = true
	fn := c.maybeFireLocked()
	c.mu.Unlock()
	fireIfSet(fn)
}

// Watch registers the Overseer's interest in this channel's closure.
// If the channel is already fully closed, on_close fires immediately
// (still exactly once, even if Watch is called after the fact).
func (c *Channel) Watch(onClose func()) {
	c.mu.Lock()
	c.watched = true
	c.onClose = onClose
	fn := c.maybeFireLocked()
	c.mu.Unlock()
	fireIfSet(fn)
}

// Closed reports whether both sides have closed, regardless of watch
// state.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txClosed && c.rxClosed
}

// maybeFireLocked returns the close callback to invoke outside the
// lock if this call is the one that satisfies "both sides closed and
// watched", and never returns the same callback twice.
func (c *Channel) maybeFireLocked() func() {
	if c.fired {
		return nil
	}
	if c.txClosed && c.rxClosed && c.watched && c.onClose != nil {
		c.fired = true
		return c.onClose
	}
	return nil
}

func fireIfSet(fn func()) {
	if fn != nil {
		fn()
	}
}
