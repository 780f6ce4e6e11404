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

// Package nodecfg is the node's configuration surface: loading the
// node-level settings (runtime dir, default profile, manifest
// storage) through viper, hot-reloading the profile half of that on
// file change, and resolving a profile's isolate.type string to a
// concrete isolate.Isolate backend.
//
// The backend registry is grounded on config.Component's Type()-keyed
// registration (config/component.go, config/components.go): a
// component type name maps to a constructor, looked up once at
// start_app time. We drop the rest of Component's lifecycle
// (RegisterFuncStart/Reload, IsRunning, Dependencies) because isolate
// backends here have no independent start/stop lifecycle of their
// own; they are stateless factories invoked per spawn.
package nodecfg

import (
	"fmt"
	"sync"

	liberr "github.com/cocaine-node/runtime/errors"
	"github.com/cocaine-node/runtime/isolate"
	"github.com/cocaine-node/runtime/profile"
)

// Factory builds an isolate.Isolate backend from a profile's isolate
// block (type already matched; args carry backend-specific settings,
// e.g. a cgroup root or container image).
type Factory func(iso profile.Isolate) (isolate.Isolate, error)

// Registry maps profile.Isolate.Type strings to Factory constructors,
// the way config.Components (config/components.go) maps component
// keys to Component instances.
type Registry struct {
	mu   sync.RWMutex
	fcts map[string]Factory
}

// NewRegistry returns a Registry pre-seeded with the "process" backend
// (isolate.NewProcess), the only one that ships without an external
// container runtime.
func NewRegistry() *Registry {
	r := &Registry{fcts: make(map[string]Factory)}
	r.Register("process", func(_ profile.Isolate) (isolate.Isolate, error) {
		return isolate.NewProcess(), nil
	})
	return r
}

// Register binds typ to fct, overwriting any existing binding, so
// backends beyond "process" (e.g. a cgroup or container isolate) can be
// added to a Registry. cmd/cocained uses NewRegistry as is.
func (r *Registry) Register(typ string, fct Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fcts[typ] = fct
}

// Build resolves iso.Type to its Factory and invokes it, failing with
// ErrorUnknownComponent if the type was never registered.
func (r *Registry) Build(iso profile.Isolate) (isolate.Isolate, liberr.Error) {
	r.mu.RLock()
	fct, ok := r.fcts[iso.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, liberr.ErrorUnknownComponent.Error(fmt.Errorf("isolate type %q is not registered", iso.Type))
	}

	backend, err := fct(iso)
	if err != nil {
		return nil, liberr.ErrorUnknownComponent.Error(err)
	}
	return backend, nil
}

// Types returns the currently registered backend type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.fcts))
	for k := range r.fcts {
		out = append(out, k)
	}
	return out
}
