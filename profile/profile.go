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

// Package profile is the per-app policy: pool bounds, timeouts, and
// the isolate component descriptor. Unlike Manifest, a Profile can be
// replaced wholesale by a restart (spec section 3).
package profile

import (
	"fmt"

	libdur "github.com/cocaine-node/runtime/duration"
	liberr "github.com/cocaine-node/runtime/errors"
)

// Isolate is the "component type + args" descriptor profile.isolate
// names in the spec; the component registry in nodecfg resolves Type
// to a concrete isolate.Isolate.
type Isolate struct {
	Type string                 `json:"type" yaml:"type" mapstructure:"type"`
	Args map[string]interface{} `json:"args" yaml:"args" mapstructure:"args"`
}

// Profile is mutable only by restart.
type Profile struct {
	PoolLimit     int `json:"pool_limit" yaml:"pool_limit" mapstructure:"pool_limit"`
	Concurrency   int `json:"concurrency" yaml:"concurrency" mapstructure:"concurrency"`
	GrowThreshold int `json:"grow_threshold" yaml:"grow_threshold" mapstructure:"grow_threshold"`
	QueueLimit    int `json:"queue_limit" yaml:"queue_limit" mapstructure:"queue_limit"`
	CrashlogLimit int `json:"crashlog_limit" yaml:"crashlog_limit" mapstructure:"crashlog_limit"`

	Heartbeat   libdur.Duration `json:"heartbeat" yaml:"heartbeat" mapstructure:"heartbeat"`
	Idle        libdur.Duration `json:"idle" yaml:"idle" mapstructure:"idle"`
	Startup     libdur.Duration `json:"startup" yaml:"startup" mapstructure:"startup"`
	Termination libdur.Duration `json:"termination" yaml:"termination" mapstructure:"termination"`

	Isolate Isolate `json:"isolate" yaml:"isolate" mapstructure:"isolate"`

	// Quiet is restored from original_source's detail/profile.hpp (see
	// SPEC_FULL.md section 12.4). It is decoded and carried on the
	// Profile; nothing in this module reads it, and no per-channel
	// access log exists for it to suppress.
	Quiet bool `json:"quiet" yaml:"quiet" mapstructure:"quiet"`
}

// Default returns a conservative profile suitable for tests and for
// apps started without an override.
func Default() Profile {
	return Profile{
		PoolLimit:     4,
		Concurrency:   10,
		GrowThreshold: 2,
		QueueLimit:    100,
		CrashlogLimit: 20,
		Heartbeat:     libdur.Seconds(20),
		Idle:          libdur.Seconds(60),
		Startup:       libdur.Seconds(10),
		Termination:   libdur.Seconds(5),
		Isolate:       Isolate{Type: "process"},
	}
}

// Validate reports range errors (spec section 7, "profile out of range").
func (p Profile) Validate() liberr.Error {
	if p.PoolLimit <= 0 {
		return liberr.ErrorInvalidProfile.Error(fmt.Errorf("pool_limit must be > 0, got %d", p.PoolLimit))
	}
	if p.Concurrency <= 0 {
		return liberr.ErrorInvalidProfile.Error(fmt.Errorf("concurrency must be > 0, got %d", p.Concurrency))
	}
	if p.QueueLimit <= 0 {
		return liberr.ErrorInvalidProfile.Error(fmt.Errorf("queue_limit must be > 0, got %d", p.QueueLimit))
	}
	if p.GrowThreshold <= 0 {
		return liberr.ErrorInvalidProfile.Error(fmt.Errorf("grow_threshold must be > 0, got %d", p.GrowThreshold))
	}
	if p.Isolate.Type == "" {
		return liberr.ErrorInvalidProfile.Error(fmt.Errorf("isolate.type must not be empty"))
	}
	return nil
}
