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

package node

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// StoredManifest is what start_app actually reads from storage: the
// part of a Manifest that predates any given runtime instance (name,
// executable, environment). The socket endpoint itself is derived
// fresh per process by manifest.New, never stored.
type StoredManifest struct {
	Executable  string            `yaml:"executable"`
	Environment map[string]string `yaml:"environment"`
}

// ManifestStore is "external storage" from spec section 4.8, kept as
// an interface so a real service (etcd, an HTTP manifest API) can
// replace DirStore without touching Node.
type ManifestStore interface {
	Load(name string) (StoredManifest, error)
}

// DirStore is the storage stub this module ships: one YAML file per
// app, named {dir}/{name}.yaml, the same shape config.Component's
// DefaultConfig(indent) would hand back for a new app.
type DirStore struct {
	Dir string
}

// NewDirStore returns a DirStore rooted at dir.
func NewDirStore(dir string) *DirStore {
	return &DirStore{Dir: dir}
}

// Load reads and parses {dir}/{name}.yaml.
func (s *DirStore) Load(name string) (StoredManifest, error) {
	path := filepath.Join(s.Dir, name+".yaml")

	b, err := os.ReadFile(path)
	if err != nil {
		return StoredManifest{}, fmt.Errorf("node: read manifest %s: %w", path, err)
	}

	var sm StoredManifest
	if err := yaml.Unmarshal(b, &sm); err != nil {
		return StoredManifest{}, fmt.Errorf("node: parse manifest %s: %w", path, err)
	}
	return sm, nil
}

// Save writes sm to {dir}/{name}.yaml, creating Dir if needed. Used by
// the CLI's "apps start" command to register a new app's manifest
// before calling StartApp.
func (s *DirStore) Save(name string, sm StoredManifest) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("node: create manifest dir %s: %w", s.Dir, err)
	}

	b, err := yaml.Marshal(sm)
	if err != nil {
		return fmt.Errorf("node: marshal manifest %s: %w", name, err)
	}

	path := filepath.Join(s.Dir, name+".yaml")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("node: write manifest %s: %w", path, err)
	}
	return nil
}
