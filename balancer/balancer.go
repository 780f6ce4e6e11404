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

// Package balancer picks which active slave (if any) should receive
// the next enqueued request, and decides when the pool needs to grow.
// It never mutates the pool itself; the Overseer calls Spawn/Despawn
// in response to what the balancer reports, always from its strand.
package balancer

import (
	"time"
)

// Slave is the subset of slave.Slave the balancer needs to rank
// candidates, kept narrow so this package doesn't import slave (which
// would be a needless dependency for the null balancer).
type Slave interface {
	UUID() string
	ActiveChannels() int
	Birthstamp() time.Time
}

// Balancer reacts to pool and queue events and decides slave
// selection and growth. Implementations never block.
type Balancer interface {
	// OnSlaveSpawn is called once a slave reaches StateActive.
	OnSlaveSpawn(s Slave)

	// OnSlaveDeath is called once a slave leaves the pool (broken or
	// terminated), active or not.
	OnSlaveDeath(s Slave)

	// OnChannelStarted is called when a channel is injected onto a
	// slave, win or lose, so load-aware balancers can track it without
	// re-deriving it from ActiveChannels() mid-decision.
	OnChannelStarted(s Slave)

	// OnChannelFinished mirrors OnChannelStarted for channel closure.
	OnChannelFinished(s Slave)

	// Candidate returns the slave that should receive the next
	// request, or nil if none is fit to take it.
	Candidate(pool []Slave) Slave

	// ShouldGrow reports whether the pool should spawn another slave,
	// given the current pool size and pending queue depth.
	ShouldGrow(poolSize, activeCount, queueDepth int) bool
}

// Null never picks a slave and never asks the pool to grow: every
// enqueue blocks in the queue until the Overseer itself spawns slaves
// out of band. Grounded on the spec's "balancer: null variant" which
// exists mainly as the default for single-slave or externally-managed
// pools.
type Null struct{}

func (Null) OnSlaveSpawn(Slave)                         {}
func (Null) OnSlaveDeath(Slave)                          {}
func (Null) OnChannelStarted(Slave)                      {}
func (Null) OnChannelFinished(Slave)                     {}
func (Null) Candidate(pool []Slave) Slave                { return nil }
func (Null) ShouldGrow(poolSize, active, queue int) bool { return false }

// Load picks the least-loaded active slave in the given pool,
// tie-breaking on birthstamp (oldest first, so a cohort of equally
// idle slaves drains predictably rather than round-robining forever).
// It requests growth once queue depth reaches grow_threshold times the
// number of currently active slaves, per spec section 3's pool
// growth rule, and never above pool_limit (enforced by the Overseer,
// which is the only thing that knows pool_limit).
type Load struct {
	GrowThreshold int
}

func (l *Load) OnSlaveSpawn(Slave)     {}
func (l *Load) OnSlaveDeath(Slave)     {}
func (l *Load) OnChannelStarted(Slave) {}
func (l *Load) OnChannelFinished(Slave) {}

func (l *Load) Candidate(pool []Slave) Slave {
	var best Slave
	for _, s := range pool {
		if best == nil {
			best = s
			continue
		}
		if s.ActiveChannels() < best.ActiveChannels() {
			best = s
			continue
		}
		if s.ActiveChannels() == best.ActiveChannels() && s.Birthstamp().Before(best.Birthstamp()) {
			best = s
		}
	}
	return best
}

func (l *Load) ShouldGrow(poolSize, activeCount, queueDepth int) bool {
	threshold := l.GrowThreshold
	if threshold <= 0 {
		threshold = 1
	}
	if activeCount == 0 {
		return queueDepth > 0
	}
	return queueDepth >= threshold*activeCount
}
