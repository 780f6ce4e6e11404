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

package nodecfg

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	libdur "github.com/cocaine-node/runtime/duration"
	"github.com/cocaine-node/runtime/profile"
)

// Node is the node-level settings read from the config file: where
// workers connect back (RuntimePath), where manifests are read from
// (StoragePath), and the Profile new apps get when start_app supplies
// none of its own.
type Node struct {
	RuntimePath    string          `mapstructure:"runtime_path"`
	StoragePath    string          `mapstructure:"storage_path"`
	DefaultProfile profile.Profile `mapstructure:"default_profile"`
}

// OnProfileChange is called with the freshly reloaded default profile
// whenever the config file changes on disk. Manifest-shaped fields
// (runtime_path, storage_path) are deliberately not re-delivered here:
// per spec, an app's Manifest is immutable for its lifetime, so
// picking up a new runtime/storage path requires restarting the node,
// not a hot reload.
type OnProfileChange func(profile.Profile)

// Config owns one viper instance for the node's config file and
// drives hot reload the way config.Config does for its Component
// tree, but scoped to the single Node value this binary needs instead
// of a full component registry.
type Config struct {
	mu  sync.RWMutex
	v   *viper.Viper
	cur Node

	onChange OnProfileChange
}

// Load reads path into a Config, applying duration.ViperDecoderHook so
// profile fields like "20s" decode into duration.Duration instead of
// failing mapstructure's default decoder.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("runtime_path", "/var/run/cocained")
	v.SetDefault("storage_path", "/var/lib/cocained/manifests")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("nodecfg: read %s: %w", path, err)
	}

	c := &Config{v: v}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) decode() (Node, error) {
	var n Node
	n.DefaultProfile = profile.Default()

	err := c.v.Unmarshal(&n, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		libdur.ViperDecoderHook(),
	)))
	if err != nil {
		return Node{}, fmt.Errorf("nodecfg: decode: %w", err)
	}
	return n, nil
}

func (c *Config) reload() error {
	n, err := c.decode()
	if err != nil {
		return err
	}
	if verr := n.DefaultProfile.Validate(); verr != nil {
		return fmt.Errorf("nodecfg: default_profile: %w", verr)
	}

	c.mu.Lock()
	c.cur = n
	c.mu.Unlock()
	return nil
}

// Current returns the most recently loaded Node settings.
func (c *Config) Current() Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur
}

// OnChange registers the hook Watch fires with the new default
// profile after each successful reload.
func (c *Config) OnChange(fn OnProfileChange) {
	c.onChange = fn
}

// Watch arms fsnotify-driven hot reload via viper's own WatchConfig
// (which wraps fsnotify.Watcher internally), matching how the teacher
// leans on spf13/viper rather than driving fsnotify by hand. Only the
// new DefaultProfile is delivered to onChange; runtime_path and
// storage_path changes are picked up on the next process restart.
func (c *Config) Watch() {
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if err := c.reload(); err != nil {
			// Bad edit mid-write (or an invalid profile): keep serving
			// the last good config rather than crash the node.
			return
		}
		if c.onChange != nil {
			c.onChange(c.Current().DefaultProfile)
		}
	})
	c.v.WatchConfig()
}
