// Copyright 2025 OLAV Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, expands environment references, overlays
// recognized environment variables, applies defaults and validates.
// An empty path yields a default configuration (env still applies).
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := ExpandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Loader loads a config file and optionally watches it for changes.
type Loader struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config) error

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// NewLoader creates a loader for the given config file path.
func NewLoader(path string) *Loader {
	return &Loader{path: path, done: make(chan struct{})}
}

// Load reads the current configuration.
func (l *Loader) Load() (*Config, error) {
	return Load(l.path)
}

// SetOnChange registers the reload callback invoked with the freshly loaded
// configuration after a file change.
func (l *Loader) SetOnChange(callback func(*Config) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = callback
}

// Watch starts watching the config file. Editors often replace the file
// rather than write in place, so the parent directory is watched and events
// are debounced.
func (l *Loader) Watch() error {
	if l.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	l.watcher = watcher

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	base := filepath.Base(l.path)
	var debounce *time.Timer

	for {
		select {
		case <-l.done:
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Config watcher error", "error", err)
		}
	}
}

func (l *Loader) reload() {
	cfg, err := l.Load()
	if err != nil {
		slog.Error("Config reload failed, keeping previous configuration", "error", err)
		return
	}

	l.mu.Lock()
	callback := l.onChange
	l.mu.Unlock()

	if callback != nil {
		if err := callback(cfg); err != nil {
			slog.Error("Config reload callback failed", "error", err)
		}
	}
}

// Stop stops watching. Safe to call multiple times.
func (l *Loader) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	close(l.done)
	if l.watcher != nil {
		_ = l.watcher.Close()
	}
}
