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

// Package overseer is the per-app supervisor: it owns the slave pool,
// the pending-request queue, the balancer's growth/selection
// decisions, and the Unix-socket handshake rendezvous new workers
// complete before joining the pool. Everything that touches pool,
// queue or balancer state runs on a single executor.Strand.
package overseer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cocaine-node/runtime/balancer"
	"github.com/cocaine-node/runtime/channel"
	liberr "github.com/cocaine-node/runtime/errors"
	"github.com/cocaine-node/runtime/executor"
	"github.com/cocaine-node/runtime/isolate"
	"github.com/cocaine-node/runtime/manifest"
	"github.com/cocaine-node/runtime/profile"
	"github.com/cocaine-node/runtime/queue"
	"github.com/cocaine-node/runtime/slave"
	"github.com/cocaine-node/runtime/transport"
	liblog "github.com/nabbar/golib/logger"
)

// Overseer supervises exactly one app: one manifest, one (restartable)
// profile, one pool of slaves.
type Overseer struct {
	mu sync.Mutex

	man manifest.Manifest
	prf profile.Profile
	iso isolate.Isolate
	log liblog.FuncLog

	strand *executor.Strand
	bal    balancer.Balancer
	queue  *queue.Queue
	crash  *crashRing
	met    *Metrics

	pool    map[string]*slave.Slave // active member of the pool
	pending map[string]*slave.Slave // spawned, awaiting handshake

	listener net.Listener
	running  bool

	chanMu  sync.Mutex
	chanOwner map[*channel.Channel]*slave.Slave // channel -> owning slave, for the dispatch layer
}

// New builds an Overseer for man/prf. bal may be nil, defaulting to
// balancer.Null. met may be nil to disable metrics.
func New(man manifest.Manifest, prf profile.Profile, iso isolate.Isolate, bal balancer.Balancer, met *Metrics, log liblog.FuncLog) *Overseer {
	if bal == nil {
		bal = balancer.Null{}
	}
	return &Overseer{
		man:     man,
		prf:     prf,
		iso:     iso,
		log:     log,
		strand:  executor.NewStrand(),
		bal:     bal,
		queue:   queue.New(prf.QueueLimit),
		crash:   newCrashRing(prf.CrashlogLimit),
		met:     met,
		pool:      make(map[string]*slave.Slave),
		pending:   make(map[string]*slave.Slave),
		chanOwner: make(map[*channel.Channel]*slave.Slave),
	}
}

func (o *Overseer) logger() liblog.Logger {
	if o.log == nil {
		return nil
	}
	return o.log()
}

// Start opens the Unix-domain control socket at man.Endpoint() and
// begins accepting worker handshakes.
func (o *Overseer) Start(ctx context.Context) liberr.Error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return liberr.ErrorAlreadyRunning.Error(fmt.Errorf("app %q already running", o.man.Name))
	}
	o.running = true
	o.mu.Unlock()

	l, err := net.Listen("unix", o.man.Endpoint())
	if err != nil {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		return liberr.ErrorNotRunning.Error(fmt.Errorf("listen on %s: %w", o.man.Endpoint(), err))
	}

	o.mu.Lock()
	o.listener = l
	o.mu.Unlock()

	go o.acceptLoop(l)
	return nil
}

// Stop closes the control socket, then seals every active slave (each
// terminates once its open channels close) and kills every slave still
// in its handshake. It does not block for slaves to fully exit.
func (o *Overseer) Stop() {
	o.mu.Lock()
	l := o.listener
	o.running = false
	o.mu.Unlock()

	if l != nil {
		_ = l.Close()
	}

	o.strand.Sync(func() {
		for _, s := range o.pool {
			if s.State() == slave.StateActive {
				_ = s.Seal()
			}
		}
		for _, s := range o.pending {
			s.Kill()
		}
	})
}

// Running reports whether Start has succeeded and Stop has not yet
// been called.
func (o *Overseer) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Info is the app.info() snapshot.
type Info struct {
	PoolSize   int
	QueueDepth int
	Crashlog   []CrashEntry
}

func (o *Overseer) Info() Info {
	var info Info
	o.strand.Sync(func() {
		info.PoolSize = len(o.pool) + len(o.pending)
		info.QueueDepth = o.queue.Len()
	})
	info.Crashlog = o.crash.snapshot()
	return info
}

// PendingUUIDs returns the uuids of slaves that have been spawned but
// have not yet completed their handshake. Mostly useful to tests and
// diagnostics driving the rendezvous directly.
func (o *Overseer) PendingUUIDs() []string {
	var out []string
	o.strand.Sync(func() {
		for uuid := range o.pending {
			out = append(out, uuid)
		}
	})
	return out
}

// Enqueue admits one request: it either hands it straight to an
// active slave or, if none is fit, queues it (growing the pool if the
// balancer asks) or rejects it if the queue is already full. onReady
// is called exactly once for every admitted request: synchronously
// if a slave was free, later (from the strand, as slaves free up or
// complete their handshake) if it had to wait. It is never called for
// a request Enqueue itself rejects (the returned error covers that
// case instead).
func (o *Overseer) Enqueue(event string, deadline time.Time, urgent bool, cw queue.ClientWriter, onReady func(ch *channel.Channel, err liberr.Error)) liberr.Error {
	var admitErr liberr.Error

	o.strand.Sync(func() {
		o.queue.ExpireDeadlines(time.Now(), func(l queue.Load) {
			if l.ClientWriter != nil {
				l.ClientWriter.SendError(transport.ErrDeadline, "deadline expired while queued")
			}
			if l.Resolve != nil {
				l.Resolve(nil, liberr.ErrorQueueOverflow.Error(fmt.Errorf("deadline expired")))
			}
		})

		if s := o.pickCandidateLocked(); s != nil {
			ch, err := s.Inject()
			o.bal.OnChannelStarted(s)
			if err == nil {
				o.ownChannel(ch, s)
			}
			if onReady != nil {
				onReady(ch, err)
			}
			return
		}

		load := queue.Load{
			Event:        event,
			Deadline:     deadline,
			Urgent:       urgent,
			ClientWriter: cw,
			EnqueueTime:  time.Now(),
			Resolve:      onReady,
		}
		if !o.queue.Push(load) {
			admitErr = liberr.ErrorQueueOverflow.Error(fmt.Errorf("queue at limit (%d) for app %q", o.prf.QueueLimit, o.man.Name))
			return
		}

		if o.bal.ShouldGrow(len(o.pool)+len(o.pending), len(o.pool), o.queue.Len()) && len(o.pool)+len(o.pending) < o.prf.PoolLimit {
			_ = o.spawnLocked(context.Background())
		}
	})

	o.updateQueueGauge()
	return admitErr
}

// pickCandidateLocked must run on the strand. Slaves already at their
// profile's concurrency limit are excluded from the candidate set
// entirely, rather than left for the balancer to pick and Inject to
// reject: a saturated pool must enqueue the request, not bounce it.
func (o *Overseer) pickCandidateLocked() *slave.Slave {
	concurrency := o.prf.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	active := make([]balancer.Slave, 0, len(o.pool))
	byUUID := make(map[string]*slave.Slave, len(o.pool))
	for uuid, s := range o.pool {
		if s.State() != slave.StateActive {
			continue
		}
		if s.ActiveChannels() >= concurrency {
			continue
		}
		active = append(active, s)
		byUUID[uuid] = s
	}
	picked := o.bal.Candidate(active)
	if picked == nil {
		return nil
	}
	return byUUID[picked.UUID()]
}

// spawnLocked must run on the strand. It starts one more slave and
// tracks it as pending until its handshake completes.
func (o *Overseer) spawnLocked(ctx context.Context) liberr.Error {
	s, err := slave.New(o.strand, o.iso, o.man, o.prf, o.log)
	if err != nil {
		return liberr.ErrorSpawnTimeout.Error(err)
	}

	s.SetOnBroken(o.onSlaveBroken)
	o.pending[s.UUID()] = s

	if serr := s.Spawn(ctx); serr != nil {
		delete(o.pending, s.UUID())
		return serr
	}

	if o.met != nil {
		o.met.SpawnedTotal.Inc()
	}
	return nil
}

// Spawn grows the pool by one slave outside of the balancer's own
// auto-grow decision. It fails when the pool (active plus pending
// slaves) is already at the profile's PoolLimit.
func (o *Overseer) Spawn(ctx context.Context) liberr.Error {
	var rerr liberr.Error
	o.strand.Sync(func() {
		if len(o.pool)+len(o.pending) >= o.prf.PoolLimit {
			rerr = liberr.ErrorInvalidProfile.Error(fmt.Errorf("pool already at limit %d", o.prf.PoolLimit))
			return
		}
		rerr = o.spawnLocked(ctx)
	})
	o.updatePoolGauge()
	return rerr
}

// onSlaveBroken runs on the strand (slave.fail/onProcessExit are
// always strand-bound), so it may mutate pool/pending directly.
func (o *Overseer) onSlaveBroken(s *slave.Slave, reason liberr.Error) {
	uuid := s.UUID()
	delete(o.pool, uuid)
	delete(o.pending, uuid)

	o.bal.OnSlaveDeath(s)

	for _, ch := range s.AbortChannels(reason) {
		o.chanMu.Lock()
		delete(o.chanOwner, ch)
		o.chanMu.Unlock()
	}

	if reason != nil {
		o.crash.push(CrashEntry{UUID: uuid, Reason: reason, At: time.Now()})
		if o.met != nil {
			o.met.CrashedTotal.Inc()
		}
		if lg := o.logger(); lg != nil {
			lg.Error("slave crashed", nil, fmt.Errorf("%s: %s", uuid, reason.Error()))
		}
	}
}

// resolveHandshake binds an accepted control connection to the slave
// it claims to be, once the acceptor has read its handshake frame.
// The startup timer armed by spawnLocked is the timeout bound on this
// rendezvous: an unmatched or late uuid just lets that timer fire.
func (o *Overseer) resolveHandshake(uuid string, codec *transport.Codec) {
	o.strand.Sync(func() {
		s, ok := o.pending[uuid]
		if !ok {
			_ = codec.Close()
			return
		}
		delete(o.pending, uuid)

		if err := s.OnConnect(codec); err != nil {
			_ = codec.Close()
			return
		}
		if err := s.OnHandshake(uuid); err != nil {
			_ = codec.Close()
			return
		}

		o.pool[uuid] = s
		o.bal.OnSlaveSpawn(s)
		o.drainQueueLocked()
	})
	o.updatePoolGauge()
}

// drainQueueLocked hands queued loads to newly-active slaves as long
// as the balancer keeps picking one. Must run on the strand.
func (o *Overseer) drainQueueLocked() {
	for o.queue.Len() > 0 {
		s := o.pickCandidateLocked()
		if s == nil {
			return
		}
		l, ok := o.queue.Pop()
		if !ok {
			return
		}
		ch, err := s.Inject()
		o.bal.OnChannelStarted(s)
		if err == nil {
			o.ownChannel(ch, s)
		}
		if l.Resolve != nil {
			l.Resolve(ch, err)
		}
	}
}

func (o *Overseer) ownChannel(ch *channel.Channel, s *slave.Slave) {
	o.chanMu.Lock()
	o.chanOwner[ch] = s
	o.chanMu.Unlock()
}

// InvokeOn sends the invoke(event) frame that opens ch's worker-side
// stream on whichever slave Enqueue assigned it to.
func (o *Overseer) InvokeOn(ch *channel.Channel, event string) liberr.Error {
	s, ok := o.ownerOf(ch)
	if !ok {
		return liberr.ErrorInvalidState.Error(fmt.Errorf("channel %d has no owning slave", ch.ID()))
	}
	return s.Invoke(ch, event)
}

// SetWorkerHandler registers fn to receive ch's worker-origin frames,
// the counterpart of dispatch.WorkerToClient.OnWorkerFrame.
func (o *Overseer) SetWorkerHandler(ch *channel.Channel, fn func(transport.Message)) {
	if s, ok := o.ownerOf(ch); ok {
		s.SetWorkerHandler(ch.ID(), fn)
	}
}

// SendToWorker writes one client-origin frame to ch's worker, the
// counterpart of dispatch.ClientToWorker's forward function.
func (o *Overseer) SendToWorker(ch *channel.Channel, m transport.Message) liberr.Error {
	s, ok := o.ownerOf(ch)
	if !ok {
		return liberr.ErrorInvalidState.Error(fmt.Errorf("channel %d has no owning slave", ch.ID()))
	}
	m.ChannelID = ch.ID()
	return s.SendToWorker(m)
}

// ForgetChannel drops ch's owner entry and handler registration once
// both bridges have closed it. Safe to call more than once.
func (o *Overseer) ForgetChannel(ch *channel.Channel) {
	s, ok := o.ownerOf(ch)
	o.chanMu.Lock()
	delete(o.chanOwner, ch)
	o.chanMu.Unlock()

	if ok {
		s.ClearWorkerHandler(ch.ID())
	}
}

func (o *Overseer) ownerOf(ch *channel.Channel) (*slave.Slave, bool) {
	o.chanMu.Lock()
	defer o.chanMu.Unlock()
	s, ok := o.chanOwner[ch]
	return s, ok
}

func (o *Overseer) updatePoolGauge() {
	if o.met == nil {
		return
	}
	o.strand.Sync(func() {
		o.met.PoolSize.Set(float64(len(o.pool) + len(o.pending)))
	})
}

func (o *Overseer) updateQueueGauge() {
	if o.met == nil {
		return
	}
	o.strand.Sync(func() {
		o.met.QueueDepth.Set(float64(o.queue.Len()))
	})
}
