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
	"time"

	liberr "github.com/cocaine-node/runtime/errors"
)

// CrashEntry is one slave's cause of death, kept for app.info()'s
// crashlog field and for operator diagnosis.
type CrashEntry struct {
	UUID   string
	Reason liberr.Error
	At     time.Time
}

// crashRing is a fixed-capacity ring buffer of the most recent crash
// entries; once full, the oldest entry is evicted to make room.
type crashRing struct {
	limit int
	buf   []CrashEntry
}

func newCrashRing(limit int) *crashRing {
	if limit <= 0 {
		limit = 1
	}
	return &crashRing{limit: limit}
}

func (r *crashRing) push(e CrashEntry) {
	r.buf = append(r.buf, e)
	if len(r.buf) > r.limit {
		r.buf = r.buf[len(r.buf)-r.limit:]
	}
}

func (r *crashRing) snapshot() []CrashEntry {
	out := make([]CrashEntry, len(r.buf))
	copy(out, r.buf)
	return out
}
