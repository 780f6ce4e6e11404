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

package isolate

import (
	"context"
	"os/exec"
	"sync"
)

// processIsolate spawns workers as plain child OS processes.
type processIsolate struct{}

// NewProcess returns the "process" isolate backend.
func NewProcess() Isolate {
	return &processIsolate{}
}

func (p *processIsolate) Type() string { return "process" }

func (p *processIsolate) Spool(ctx context.Context, appName string, spec Spec) error {
	return nil
}

func (p *processIsolate) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.WorkDir

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &processHandle{cmd: cmd, exited: make(chan struct{})}
	go h.reap()
	return h, nil
}

type processHandle struct {
	cmd    *exec.Cmd
	mu     sync.Mutex
	exited chan struct{}
	code   int
	clean  bool
	waitEr error
}

func (h *processHandle) reap() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.waitEr = err
	if err == nil {
		h.code = 0
		h.clean = true
	} else if ee, ok := err.(*exec.ExitError); ok {
		h.code = ee.ExitCode()
		h.clean = h.code == 0
	} else {
		h.code = -1
		h.clean = false
	}
	h.mu.Unlock()

	close(h.exited)
}

func (h *processHandle) Wait(ctx context.Context) (int, bool, error) {
	select {
	case <-h.exited:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.code, h.clean, h.waitEr
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
}

func (h *processHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *processHandle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}
