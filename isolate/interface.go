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

// Package isolate is the sandbox backend boundary: spawn, deploy
// ("spool"), and kill a worker OS process. The spec treats this as an
// external collaborator ("the isolate backend (process spawner)
// exposed only as spawn/spool/kill"); this package is the thin
// interface the Overseer programs against, plus one concrete
// implementation (bare OS processes) so the module is runnable without
// a container runtime.
package isolate

import (
	"context"
)

// Handle identifies one spawned worker process.
type Handle interface {
	// Wait blocks until the process exits, returning its exit code
	// and whether it exited cleanly (status zero).
	Wait(ctx context.Context) (code int, clean bool, err error)

	// Kill forcibly terminates the process. Idempotent.
	Kill() error

	// Pid returns the OS process id, for crash-log / diagnostics only.
	Pid() int
}

// Spec describes what to spawn: the executable, its arguments, and
// the environment the worker needs (COCAINE_APP_NAME, _UUID,
// _ENDPOINT are added by the caller, not by the isolate).
type Spec struct {
	Executable string
	Args       []string
	Env        []string
	WorkDir    string
}

// Isolate is the per-profile sandbox backend, selected by
// profile.isolate's component type ("process", "cgroup", ...). Only
// the "process" backend ships in this module; other component types
// are registered the same way config.Component registers HTTP/DB
// backends in the teacher's config package.
type Isolate interface {
	// Type returns the component type string (e.g. "process").
	Type() string

	// Spawn starts one worker process matching spec and returns its
	// handle. It may block briefly; Slave.Spawn calls it directly on
	// the Overseer's strand, so the strand waits until it returns.
	Spawn(ctx context.Context, spec Spec) (Handle, error)

	// Spool deploys the app's code/artifact ahead of spawning, when
	// the isolate type needs a separate deploy step (e.g. unpacking an
	// archive into a sandbox root). The process backend treats this as
	// a no-op: the executable is assumed already on disk.
	Spool(ctx context.Context, appName string, spec Spec) error
}
