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

// Package queue is the Overseer's bounded FIFO of unserved requests.
// It is always mutated from the Overseer's strand, so it needs no
// locking of its own; it exists as its own package purely to keep the
// growth/drain arithmetic testable in isolation.
package queue

import (
	"time"

	"github.com/cocaine-node/runtime/channel"
	liberr "github.com/cocaine-node/runtime/errors"
	"github.com/cocaine-node/runtime/transport"
)

// Load is one queued request, owned exclusively by the Queue until it
// is handed off to a Slave.
type Load struct {
	Event        string
	Deadline     time.Time // zero means no deadline
	Urgent       bool
	ClientWriter ClientWriter
	EnqueueTime  time.Time

	// Resolve is called exactly once, by whoever eventually hands this
	// load to a slave (success) or gives up on it (err set). Nil is a
	// valid value for loads pushed directly in tests.
	Resolve func(ch *channel.Channel, err liberr.Error)
}

// ClientWriter is the minimal surface the queue needs to fail a load
// back to its caller (deadline expiry, queue overflow) without
// depending on the dispatch/bridge package.
type ClientWriter interface {
	SendError(code transport.ErrorCode, reason string)
}

// Queue is a bounded FIFO. All methods assume single-threaded access
// (the Overseer strand); see package doc.
type Queue struct {
	limit int
	items []Load
}

// New creates a queue bounded to limit entries.
func New(limit int) *Queue {
	return &Queue{limit: limit}
}

// Len returns the number of currently queued loads.
func (q *Queue) Len() int { return len(q.items) }

// Push appends load, failing with queue_overflow if the queue is at
// profile.queue_limit.
func (q *Queue) Push(l Load) bool {
	if len(q.items) >= q.limit {
		return false
	}
	q.items = append(q.items, l)
	return true
}

// Pop removes and returns the oldest load, if any.
func (q *Queue) Pop() (Load, bool) {
	if len(q.items) == 0 {
		return Load{}, false
	}
	l := q.items[0]
	q.items = q.items[1:]
	return l, true
}

// DrainWhile pops loads as long as pred holds for the head of the
// queue, calling fn for each. Stops at the first load pred rejects or
// when the queue empties.
func (q *Queue) DrainWhile(pred func(Load) bool, fn func(Load)) {
	for len(q.items) > 0 {
		head := q.items[0]
		if !pred(head) {
			return
		}
		q.items = q.items[1:]
		fn(head)
	}
}

// ExpireDeadlines scans the queue for loads whose deadline has already
// passed and removes them, reporting each through onExpire (spec S5:
// "no slave is consulted; queue length remains [accurate]").
func (q *Queue) ExpireDeadlines(now time.Time, onExpire func(Load)) {
	kept := q.items[:0]
	for _, l := range q.items {
		if !l.Deadline.IsZero() && now.After(l.Deadline) {
			onExpire(l)
			continue
		}
		kept = append(kept, l)
	}
	q.items = kept
}
