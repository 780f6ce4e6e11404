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

// Package slave is the per-worker state machine: one Slave tracks one
// spawned process from isolate.Spawn through exit, multiplexing
// channels over a single control connection and arming the timers
// that turn silence (no handshake, no heartbeat, no exit) into a
// crash-logged eviction. All mutation happens through these methods,
// called only from the owning Overseer's executor.Strand.
package slave

import (
	"context"
	"fmt"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"golang.org/x/sync/semaphore"

	"github.com/cocaine-node/runtime/channel"
	liberr "github.com/cocaine-node/runtime/errors"
	"github.com/cocaine-node/runtime/executor"
	"github.com/cocaine-node/runtime/isolate"
	"github.com/cocaine-node/runtime/manifest"
	"github.com/cocaine-node/runtime/profile"
	"github.com/cocaine-node/runtime/transport"
	liblog "github.com/nabbar/golib/logger"
)

// OnBroken is called exactly once, when a Slave reaches StateBroken,
// so its owner can evict it from the pool and append a crash-log
// entry. reason is nil when the exit was the expected result of a
// Terminate() this slave itself requested.
type OnBroken func(s *Slave, reason liberr.Error)

// Slave is safe for concurrent use, but every state-mutating method is
// expected to run on the owning Overseer's strand; the mutex here
// only guards reads (UUID, State, ActiveChannels) made from outside
// that strand (metrics, info()).
type Slave struct {
	mu sync.Mutex

	uuid       string
	state      State
	birthstamp time.Time

	man manifest.Manifest
	prf profile.Profile
	log liblog.FuncLog

	strand *executor.Strand
	iso    isolate.Isolate
	handle isolate.Handle
	codec  *transport.Codec

	channels      map[uint64]*channel.Channel
	nextChannelID uint64
	sem           *semaphore.Weighted

	// workerHandlers routes chunk/error/choke frames read off the
	// control connection back to whichever bridge opened that channel
	// (dispatch.WorkerToClient). Indexed by the slave-local channel id.
	workerHandlers map[uint64]func(transport.Message)

	startupTimer     *executor.Timer
	heartbeatTimer   *executor.Timer
	idleTimer        *executor.Timer
	terminationTimer *executor.Timer

	onBroken OnBroken
}

// New allocates a Slave with a fresh uuid. It does not spawn the
// process; call Spawn for that.
func New(strand *executor.Strand, iso isolate.Isolate, man manifest.Manifest, prf profile.Profile, log liblog.FuncLog) (*Slave, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("slave: generate uuid: %w", err)
	}

	concurrency := prf.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Slave{
		uuid:       id,
		state:      StateSpawning,
		birthstamp: time.Now(),
		man:        man,
		prf:        prf,
		log:        log,
		strand:     strand,
		iso:        iso,
		channels:   make(map[uint64]*channel.Channel),
		sem:        semaphore.NewWeighted(int64(concurrency)),
	}, nil
}

// UUID returns the slave's identity, used as the node tag's
// rendezvous key during handshake.
func (s *Slave) UUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uuid
}

// State returns the current lifecycle stage.
func (s *Slave) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Birthstamp returns when this Slave was allocated, used by the load
// balancer's tie-break rule (oldest first).
func (s *Slave) Birthstamp() time.Time {
	return s.birthstamp
}

// ActiveChannels returns the number of channels currently open on
// this slave.
func (s *Slave) ActiveChannels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// AbortChannels delivers a terminal error frame (wire code 500) to
// every channel still open on this slave and force-closes each one,
// so the client and worker bridges watching it terminate exactly
// once instead of hanging. reason becomes the wire error's text; it
// is the same liberr.Error that is about to reach OnBroken, so a
// heartbeat timeout reads as a heartbeat timeout on the wire and not
// a generic abort. Returns the channels it just closed so the caller
// can drop its own bookkeeping for them.
func (s *Slave) AbortChannels(reason liberr.Error) []*channel.Channel {
	s.mu.Lock()
	chans := make([]*channel.Channel, 0, len(s.channels))
	handlers := make(map[uint64]func(transport.Message), len(s.workerHandlers))
	for id, ch := range s.channels {
		chans = append(chans, ch)
		if fn, ok := s.workerHandlers[id]; ok {
			handlers[id] = fn
		}
	}
	s.channels = make(map[uint64]*channel.Channel)
	s.workerHandlers = make(map[uint64]func(transport.Message))
	s.mu.Unlock()

	text := "connection aborted"
	if reason != nil {
		text = reason.Error()
	}

	for _, ch := range chans {
		if fn, ok := handlers[ch.ID()]; ok {
			fn(transport.ErrorFrame(ch.ID(), transport.ErrServer, text))
		}
		ch.CloseBoth()
	}

	return chans
}

// SetOnBroken registers the eviction callback. Must be called before
// Spawn.
func (s *Slave) SetOnBroken(fn OnBroken) {
	s.onBroken = fn
}

func (s *Slave) logger() liblog.Logger {
	if s.log == nil {
		return nil
	}
	return s.log()
}

// Spawn starts the worker process via the isolate backend and arms
// the startup timer. The worker is expected to connect back to
// man.Endpoint() and present a handshake naming this slave's uuid
// before prf.Startup elapses.
func (s *Slave) Spawn(ctx context.Context) liberr.Error {
	spec := isolate.Spec{
		Executable: s.man.Executable,
		Env: append([]string{
			"COCAINE_APP_NAME=" + s.man.Name,
			"COCAINE_APP_UUID=" + s.uuid,
			"COCAINE_APP_ENDPOINT=" + s.man.Endpoint(),
		}, envSlice(s.man.Environment)...),
	}

	h, err := s.iso.Spawn(ctx, spec)
	if err != nil {
		return liberr.ErrorSpawnTimeout.Error(err)
	}

	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()

	s.startupTimer = executor.NewTimer(s.prf.Startup.Time(), s.strand, s.onStartupTimeout)

	go func() {
		code, clean, _ := h.Wait(context.Background())
		s.strand.Post(func() { s.onProcessExit(code, clean) })
	}()

	if lg := s.logger(); lg != nil {
		lg.Info("slave spawned", nil, s.uuid, s.man.Name)
	}

	return nil
}

func envSlice(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}

// OnConnect attaches the worker's control connection once it has
// dialed the endpoint. Valid only from StateSpawning.
func (s *Slave) OnConnect(codec *transport.Codec) liberr.Error {
	if s.State() != StateSpawning {
		return liberr.ErrorInvalidState.Error(fmt.Errorf("OnConnect in state %s", s.State()))
	}
	s.mu.Lock()
	s.codec = codec
	s.state = StateUnauthenticated
	s.mu.Unlock()

	go s.readLoop(codec)
	return nil
}

// readLoop demultiplexes everything the acceptor's handshake read
// didn't consume: heartbeats go straight to OnHeartbeat (posted to the
// strand, like every other state mutation), stream frames are routed
// by channel id to whichever WorkerToClient bridge registered
// interest in that channel. Runs until the connection errors, which
// this treats as the worker dying uncleanly.
func (s *Slave) readLoop(codec *transport.Codec) {
	for {
		m, err := codec.Recv()
		if err != nil {
			s.strand.Post(func() { s.onReadError(err) })
			return
		}

		if m.Slot == transport.SlotHeartbeat {
			s.strand.Post(func() { _ = s.OnHeartbeat() })
			continue
		}
		s.routeFrame(m)
	}
}

func (s *Slave) onReadError(err error) {
	st := s.State()
	if st == StateBroken || st == StateTerminating {
		return
	}
	s.fail(liberr.ErrorControlIPCError.Error(fmt.Errorf("control connection: %w", err)))
}

func (s *Slave) routeFrame(m transport.Message) {
	s.mu.Lock()
	fn := s.workerHandlers[m.ChannelID]
	s.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

// SetWorkerHandler registers fn to receive every chunk/error/choke
// frame the worker sends on chID, until ClearWorkerHandler is called.
func (s *Slave) SetWorkerHandler(chID uint64, fn func(transport.Message)) {
	s.mu.Lock()
	if s.workerHandlers == nil {
		s.workerHandlers = make(map[uint64]func(transport.Message))
	}
	s.workerHandlers[chID] = fn
	s.mu.Unlock()
}

// ClearWorkerHandler removes chID's registration, called once its
// bridge reaches a terminal state.
func (s *Slave) ClearWorkerHandler(chID uint64) {
	s.mu.Lock()
	delete(s.workerHandlers, chID)
	s.mu.Unlock()
}

// SendToWorker writes one frame on the control connection. Safe to
// call concurrently with other channels' writes; Codec.Send
// serializes them.
func (s *Slave) SendToWorker(m transport.Message) liberr.Error {
	s.mu.Lock()
	codec := s.codec
	s.mu.Unlock()

	if codec == nil {
		return liberr.ErrorControlIPCError.Error(fmt.Errorf("slave %s has no control connection", s.uuid))
	}
	if err := codec.Send(m); err != nil {
		return liberr.ErrorControlIPCError.Error(err)
	}
	return nil
}

// Invoke sends the `invoke(event)` frame that opens ch's worker-side
// stream, the counterpart of the client's enqueue on this channel.
func (s *Slave) Invoke(ch *channel.Channel, event string) liberr.Error {
	return s.SendToWorker(transport.Message{ChannelID: ch.ID(), Slot: transport.SlotInvoke, Args: []interface{}{event}})
}

// OnHandshake validates the handshake frame's uuid against this
// slave's own and, on success, activates it: the startup timer is
// disarmed and the heartbeat/idle timers are armed.
func (s *Slave) OnHandshake(wireUUID string) liberr.Error {
	if s.State() != StateUnauthenticated {
		return liberr.ErrorInvalidState.Error(fmt.Errorf("OnHandshake in state %s", s.State()))
	}

	s.mu.Lock()
	s.state = StateHandshaking
	s.mu.Unlock()

	if wireUUID != s.UUID() {
		s.fail(liberr.ErrorUnknownActivateError.Error(fmt.Errorf("handshake uuid %q does not match %q", wireUUID, s.UUID())))
		return liberr.ErrorUnknownActivateError.Error(fmt.Errorf("uuid mismatch"))
	}

	s.startupTimer.Cancel()

	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()

	s.heartbeatTimer = executor.NewTimer(s.prf.Heartbeat.Time(), s.strand, s.onHeartbeatTimeout)
	s.idleTimer = executor.NewTimer(s.prf.Idle.Time(), s.strand, s.onIdleTimeout)

	if lg := s.logger(); lg != nil {
		lg.Info("slave activated", nil, s.uuid)
	}

	return nil
}

// OnHeartbeat rearms the heartbeat timer. Valid from StateActive or
// StateSealing (a draining slave still must prove it's alive).
func (s *Slave) OnHeartbeat() liberr.Error {
	st := s.State()
	if st != StateActive && st != StateSealing {
		return liberr.ErrorInvalidState.Error(fmt.Errorf("OnHeartbeat in state %s", st))
	}
	s.heartbeatTimer.Rearm(s.prf.Heartbeat.Time(), s.strand, s.onHeartbeatTimeout)
	return nil
}

// Inject opens a new channel for one enqueued request. Valid only
// from StateActive: a sealing or otherwise non-active slave never
// receives new work (spec's balancer skips it during candidate
// selection, this is the backstop). Also enforces profile.Concurrency
// as a per-slave admission gate: the balancer picks slaves by open
// channel count, but that count can race the profile's own bound
// between a candidate pick and the strand actually running Inject, so
// this is the backstop for that too.
func (s *Slave) Inject() (*channel.Channel, liberr.Error) {
	if s.State() != StateActive {
		return nil, liberr.ErrorInvalidState.Error(fmt.Errorf("Inject in state %s", s.State()))
	}

	if !s.sem.TryAcquire(1) {
		return nil, liberr.ErrorInvalidState.Error(fmt.Errorf("slave %s at concurrency limit (%d)", s.uuid, s.prf.Concurrency))
	}

	s.mu.Lock()
	s.nextChannelID++
	id := s.nextChannelID
	ch := channel.New(id)
	s.channels[id] = ch
	s.mu.Unlock()

	s.idleTimer.Cancel()

	ch.Watch(func() { s.strand.Post(func() { s.onChannelClosed(id) }) })

	return ch, nil
}

func (s *Slave) onChannelClosed(id uint64) {
	s.mu.Lock()
	delete(s.channels, id)
	delete(s.workerHandlers, id)
	remaining := len(s.channels)
	st := s.state
	s.mu.Unlock()

	s.sem.Release(1)

	if remaining > 0 {
		return
	}

	switch st {
	case StateActive:
		s.idleTimer = executor.NewTimer(s.prf.Idle.Time(), s.strand, s.onIdleTimeout)
	case StateSealing:
		s.terminate()
	}
}

// Seal stops new channel admission and terminates as soon as every
// currently-open channel closes. Valid only from StateActive.
func (s *Slave) Seal() liberr.Error {
	if s.State() != StateActive {
		return liberr.ErrorInvalidState.Error(fmt.Errorf("Seal in state %s", s.State()))
	}

	s.mu.Lock()
	s.state = StateSealing
	empty := len(s.channels) == 0
	s.mu.Unlock()

	if empty {
		s.terminate()
	}
	return nil
}

// Terminate requests an orderly shutdown regardless of open channels.
// Valid from StateActive or StateSealing.
func (s *Slave) Terminate() liberr.Error {
	st := s.State()
	if st != StateActive && st != StateSealing {
		return liberr.ErrorInvalidState.Error(fmt.Errorf("Terminate in state %s", st))
	}
	s.terminate()
	return nil
}

func (s *Slave) terminate() {
	s.mu.Lock()
	s.state = StateTerminating
	codec := s.codec
	s.mu.Unlock()

	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Cancel()
	}
	if s.idleTimer != nil {
		s.idleTimer.Cancel()
	}

	if codec != nil {
		_ = codec.Send(transport.Message{Slot: transport.SlotTerminate})
	}

	s.terminationTimer = executor.NewTimer(s.prf.Termination.Time(), s.strand, s.onTerminationTimeout)
}

// Kill forcibly ends the process, bypassing any drain.
func (s *Slave) Kill() {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h != nil {
		_ = h.Kill()
	}
}

func (s *Slave) onProcessExit(code int, clean bool) {
	s.mu.Lock()
	st := s.state
	s.state = StateBroken
	s.mu.Unlock()

	if st == StateBroken {
		// fail() already killed the process and notified the owner;
		// this is that kill's exit reaching us, not new information.
		return
	}

	if st == StateTerminating {
		if s.terminationTimer != nil {
			s.terminationTimer.Cancel()
		}
		if clean {
			s.notifyBroken(nil)
		} else {
			s.notifyBroken(liberr.ErrorControlIPCError.Error(fmt.Errorf("worker exited non-zero (%d) during termination", code)))
		}
		return
	}

	if clean {
		s.notifyBroken(liberr.ErrorCommittedSuicide.Error(fmt.Errorf("worker exited cleanly while in state %s", st)))
	} else {
		s.notifyBroken(liberr.ErrorControlIPCError.Error(fmt.Errorf("worker exited unexpectedly (code %d) in state %s", code, st)))
	}
}

func (s *Slave) onStartupTimeout() {
	if s.State() == StateActive || s.State() == StateBroken {
		return
	}
	s.fail(liberr.ErrorSpawnTimeout.Error(fmt.Errorf("no handshake within %s", s.prf.Startup.String())))
}

func (s *Slave) onHeartbeatTimeout() {
	st := s.State()
	if st != StateActive && st != StateSealing {
		return
	}
	s.fail(liberr.ErrorHeartbeatTimeout.Error(fmt.Errorf("missed heartbeat deadline of %s", s.prf.Heartbeat.String())))
}

func (s *Slave) onTerminationTimeout() {
	if s.State() != StateTerminating {
		return
	}
	s.fail(liberr.ErrorTerminateTimeout.Error(fmt.Errorf("did not exit within %s of terminate", s.prf.Termination.String())))
}

func (s *Slave) onIdleTimeout() {
	if s.State() != StateActive {
		return
	}
	if s.ActiveChannels() > 0 {
		return
	}
	_ = s.Seal()
}

// fail forces the slave straight to StateBroken, killing the process
// and notifying the owner with reason.
func (s *Slave) fail(reason liberr.Error) {
	s.mu.Lock()
	s.state = StateBroken
	s.mu.Unlock()

	s.Kill()

	if lg := s.logger(); lg != nil {
		lg.Error("slave broken", nil, fmt.Errorf("%s: %s", s.uuid, reason.Error()))
	}

	s.notifyBroken(reason)
}

func (s *Slave) notifyBroken(reason liberr.Error) {
	if s.onBroken != nil {
		s.onBroken(s, reason)
	}
}
