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

// Package manifest holds the immutable per-app configuration created
// at start_app and destroyed with the app: name, executable, worker
// endpoint path, and environment.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	liberr "github.com/cocaine-node/runtime/errors"
)

// Manifest is immutable after Endpoint has been derived.
type Manifest struct {
	Name        string            `json:"name" yaml:"name"`
	Executable  string            `json:"executable" yaml:"executable"`
	Environment map[string]string `json:"environment" yaml:"environment"`

	endpoint string
}

// New builds a Manifest and derives its Unix socket endpoint from the
// runtime directory, app name, and this runtime's pid:
// {runtime_path}/{app_name}.{pid} (spec section 6).
func New(runtimePath, name, executable string, env map[string]string) Manifest {
	m := Manifest{
		Name:        name,
		Executable:  executable,
		Environment: env,
	}
	m.endpoint = filepath.Join(runtimePath, fmt.Sprintf("%s.%d", name, os.Getpid()))
	return m
}

// Endpoint returns the Unix-domain socket path workers connect back
// to for this app.
func (m Manifest) Endpoint() string { return m.endpoint }

// Validate reports whether the manifest has the minimum fields needed
// to spawn a worker.
func (m Manifest) Validate() liberr.Error {
	if m.Name == "" {
		return liberr.ErrorInvalidManifest.Error(fmt.Errorf("empty app name"))
	}
	if m.Executable == "" {
		return liberr.ErrorInvalidManifest.Error(fmt.Errorf("empty executable for app %q", m.Name))
	}
	return nil
}
