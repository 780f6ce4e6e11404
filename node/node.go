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

// Package node is the service façade multiplexed over the node tag's
// start_app/pause_app/list slots and the app tag's enqueue/info slots
// (spec section 4.8, 6). It owns the name -> Overseer registry; each
// Overseer owns everything below it (pool, queue, balancer, acceptor).
package node

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cocaine-node/runtime/balancer"
	"github.com/cocaine-node/runtime/channel"
	liberr "github.com/cocaine-node/runtime/errors"
	"github.com/cocaine-node/runtime/manifest"
	"github.com/cocaine-node/runtime/nodecfg"
	"github.com/cocaine-node/runtime/overseer"
	"github.com/cocaine-node/runtime/profile"
	"github.com/cocaine-node/runtime/queue"
	"github.com/cocaine-node/runtime/transport"
	liblog "github.com/nabbar/golib/logger"
)

type app struct {
	ov  *overseer.Overseer
	man manifest.Manifest
	prf profile.Profile
}

// Node holds one Overseer per running app, keyed by app name.
type Node struct {
	mu sync.Mutex

	runtimePath    string
	store          ManifestStore
	registry       *nodecfg.Registry
	defaultProfile profile.Profile
	log            liblog.FuncLog
	reg            prometheus.Registerer

	apps map[string]*app
}

// New builds a Node. reg may be nil, in which case apps run without
// Prometheus metrics (used by tests).
func New(runtimePath string, store ManifestStore, registry *nodecfg.Registry, defaultProfile profile.Profile, reg prometheus.Registerer, log liblog.FuncLog) *Node {
	return &Node{
		runtimePath:    runtimePath,
		store:          store,
		registry:       registry,
		defaultProfile: defaultProfile,
		reg:            reg,
		log:            log,
		apps:           make(map[string]*app),
	}
}

// ApplyDefaultProfile swaps in a freshly hot-reloaded default profile
// for apps started without an override from here on; it never touches
// an already-running app's Profile (spec: profile change requires a
// restart of that app, manifest fields never hot-reload at all).
func (n *Node) ApplyDefaultProfile(p profile.Profile) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.defaultProfile = p
}

// StartApp reads name's manifest from storage, builds an Overseer
// around it, and starts its acceptor. Fails with already_running if
// name is already registered (spec section 4.8).
func (n *Node) StartApp(ctx context.Context, name string, profileOverride *profile.Profile) liberr.Error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.apps[name]; ok {
		return liberr.ErrorAlreadyRunning.Error(fmt.Errorf("app %q is already running", name))
	}

	sm, err := n.store.Load(name)
	if err != nil {
		return liberr.ErrorNoManifest.Error(err)
	}

	man := manifest.New(n.runtimePath, name, sm.Executable, sm.Environment)
	if verr := man.Validate(); verr != nil {
		return verr
	}

	prf := n.defaultProfile
	if profileOverride != nil {
		prf = *profileOverride
	}
	if verr := prf.Validate(); verr != nil {
		return verr
	}

	backend, berr := n.registry.Build(prf.Isolate)
	if berr != nil {
		return berr
	}

	var met *overseer.Metrics
	if n.reg != nil {
		met = overseer.NewMetrics(name)
		_ = met.Register(n.reg)
	}

	bal := &balancer.Load{GrowThreshold: prf.GrowThreshold}
	ov := overseer.New(man, prf, backend, bal, met, n.log)

	if serr := ov.Start(ctx); serr != nil {
		return serr
	}

	n.apps[name] = &app{ov: ov, man: man, prf: prf}
	return nil
}

// PauseApp stops name's Overseer (draining every slave) and
// unregisters it. Calling PauseApp on an app that isn't running fails
// with not_running rather than silently succeeding, so a caller can
// tell "already stopped" from "never existed".
func (n *Node) PauseApp(name string) liberr.Error {
	n.mu.Lock()
	a, ok := n.apps[name]
	if ok {
		delete(n.apps, name)
	}
	n.mu.Unlock()

	if !ok {
		return liberr.ErrorNotRunning.Error(fmt.Errorf("app %q is not running", name))
	}

	a.ov.Stop()
	return nil
}

// List returns the names of every currently running app, sorted for
// a stable wire response.
func (n *Node) List() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]string, 0, len(n.apps))
	for name := range n.apps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Info returns name's Overseer snapshot (spec section 6's app tag
// info() response).
func (n *Node) Info(name string) (overseer.Info, liberr.Error) {
	n.mu.Lock()
	a, ok := n.apps[name]
	n.mu.Unlock()

	if !ok {
		return overseer.Info{}, liberr.ErrorNotRunning.Error(fmt.Errorf("app %q is not running", name))
	}
	return a.ov.Info(), nil
}

// Enqueue routes a client's enqueue(event) onto name's Overseer.
// onReady is invoked exactly once, the same contract as
// overseer.Overseer.Enqueue.
func (n *Node) Enqueue(name, event string, deadline time.Time, urgent bool, cw queue.ClientWriter, onReady func(ch *channel.Channel, err liberr.Error)) liberr.Error {
	n.mu.Lock()
	a, ok := n.apps[name]
	n.mu.Unlock()

	if !ok {
		return liberr.ErrorNotRunning.Error(fmt.Errorf("app %q is not running", name))
	}
	return a.ov.Enqueue(event, deadline, urgent, cw, onReady)
}

// WorkerPort is the slice of an Overseer the dispatch bridges need
// once onReady has handed them a live channel: sending the worker its
// invoke frame, registering the handler for its replies, forwarding
// further client frames, and releasing the bookkeeping once both
// sides have closed.
type WorkerPort interface {
	InvokeOn(ch *channel.Channel, event string) liberr.Error
	SetWorkerHandler(ch *channel.Channel, fn func(transport.Message))
	SendToWorker(ch *channel.Channel, m transport.Message) liberr.Error
	ForgetChannel(ch *channel.Channel)
}

// Port returns name's Overseer as a WorkerPort, used by the service
// listener to wire a ClientToWorker/WorkerToClient pair once Enqueue
// admits a request.
func (n *Node) Port(name string) (WorkerPort, liberr.Error) {
	n.mu.Lock()
	a, ok := n.apps[name]
	n.mu.Unlock()

	if !ok {
		return nil, liberr.ErrorNotRunning.Error(fmt.Errorf("app %q is not running", name))
	}
	return a.ov, nil
}

// StopAll drains every running app, in no particular order. Called by
// cmd/cocained on SIGTERM.
func (n *Node) StopAll() {
	n.mu.Lock()
	apps := make([]*app, 0, len(n.apps))
	for k, a := range n.apps {
		apps = append(apps, a)
		delete(n.apps, k)
	}
	n.mu.Unlock()

	for _, a := range apps {
		a.ov.Stop()
	}
}
