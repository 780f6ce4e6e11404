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

// Package executor gives every Overseer its own serializing strand
// (a single-threaded task queue), plus Helpers, a bounded pool of
// helper goroutines for blocking calls. The Overseer and Slave do not
// use Helpers: isolate spawn/kill calls run on the strand itself. It
// is the Go-native replacement for the
// source's api/executor.hpp and asio/cancelable_task.hpp: no mutexes
// guard the pool/queue/balancer state, only this strand does.
package executor

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Strand runs posted functions one at a time, in submission order,
// on a single background goroutine. Nothing that touches an
// Overseer's pool, queue or balancer state may run anywhere else.
type Strand struct {
	tasks  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStrand starts the strand's worker goroutine. Cancel the returned
// Strand's context (via Stop) to drain and terminate it.
func NewStrand() *Strand {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Strand{
		tasks:  make(chan func(), 256),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Strand) loop() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.ctx.Done():
			// drain whatever was already queued before exiting.
			for {
				select {
				case fn := <-s.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues fn to run on the strand and returns immediately. If
// the strand has already stopped, fn is dropped silently (mirrors a
// post to a destroyed asio::io_service: a no-op, never a panic).
func (s *Strand) Post(fn func()) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	select {
	case s.tasks <- fn:
	case <-s.ctx.Done():
	}
}

// Sync runs fn on the strand and blocks the caller until it has run.
// Used by synchronous façade calls (info(), enqueue()'s admission
// decision) that must observe a consistent pool/queue snapshot.
func (s *Strand) Sync(fn func()) {
	wait := make(chan struct{})
	s.Post(func() {
		defer close(wait)
		fn()
	})
	select {
	case <-wait:
	case <-s.ctx.Done():
	}
}

// Stop cancels the strand. Already-queued tasks still run; no new
// ones are accepted after this returns.
func (s *Strand) Stop() {
	s.cancel()
	<-s.done
}

// Helpers is a fixed-size goroutine pool for blocking calls that are
// kept off a Strand. Nothing in this module uses it. Grounded
// on golib's semaphore-backed worker pattern, reimplemented here with
// golang.org/x/sync/errgroup since the bounded concurrency is the only
// thing needed (no progress-bar reporting).
type Helpers struct {
	mu sync.Mutex
	g  *errgroup.Group
	n  int
}

// NewHelpers creates a helper pool bounded to n concurrent blocking
// calls (0 means unbounded).
func NewHelpers(n int) *Helpers {
	g := &errgroup.Group{}
	if n > 0 {
		g.SetLimit(n)
	}
	return &Helpers{g: g, n: n}
}

// Go runs fn on a helper goroutine, never on the caller's strand.
func (h *Helpers) Go(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.g.Go(func() error {
		fn()
		return nil
	})
}

// Wait blocks until every helper goroutine launched so far returns.
func (h *Helpers) Wait() {
	_ = h.g.Wait()
}
