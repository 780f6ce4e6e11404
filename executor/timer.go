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

package executor

import (
	"sync"
	"time"
)

// Timer is a cancelable deferred call, the rewrite of the source's
// asio/timeout.hpp and asio/cancelable_task.hpp: one outstanding fire,
// reset by rearming, always safe to cancel more than once.
type Timer struct {
	mu   sync.Mutex
	t    *time.Timer
	live bool
}

// NewTimer arms a timer that posts fn to strand after d. A nil Strand
// runs fn directly on the timer goroutine (used in tests).
func NewTimer(d time.Duration, strand *Strand, fn func()) *Timer {
	tm := &Timer{}
	tm.arm(d, strand, fn)
	return tm
}

func (tm *Timer) arm(d time.Duration, strand *Strand, fn func()) {
	tm.live = true
	tm.t = time.AfterFunc(d, func() {
		tm.mu.Lock()
		live := tm.live
		tm.mu.Unlock()
		if !live {
			return
		}
		if strand != nil {
			strand.Post(fn)
		} else {
			fn()
		}
	})
}

// Rearm cancels any pending fire and schedules a new one after d.
func (tm *Timer) Rearm(d time.Duration, strand *Strand, fn func()) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.t != nil {
		tm.t.Stop()
	}
	tm.arm(d, strand, fn)
}

// Cancel stops the timer. Idempotent: canceling twice, or canceling
// after it already fired, is always safe.
func (tm *Timer) Cancel() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if !tm.live {
		return
	}
	tm.live = false
	if tm.t != nil {
		tm.t.Stop()
	}
}
