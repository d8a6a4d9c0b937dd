// Package config loads and live-reloads the project-level .sykli/config.json
// (spec SPEC_FULL.md §A.4: parallelism cap, default target, cache TTL).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Config is the project-level settings file, .sykli/config.json.
type Config struct {
	Parallelism   int    `json:"parallelism"`
	DefaultTarget string `json:"default_target"`
	CacheTTLHours int    `json:"cache_ttl_hours"`
}

func defaults() Config {
	return Config{Parallelism: 4, DefaultTarget: "local", CacheTTLHours: 24 * 7}
}

// Load reads path over the defaults (fields the file omits keep their
// default; a field the file sets, even to zero, replaces it) and then applies
// environment overrides (SYKLI_PARALLELISM, SYKLI_DEFAULT_TARGET,
// SYKLI_CACHE_TTL_HOURS). A missing file yields the defaults, not an error —
// the config file is optional.
func Load(path string) (Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SYKLI_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Parallelism = n
		}
	}
	if v := os.Getenv("SYKLI_DEFAULT_TARGET"); v != "" {
		cfg.DefaultTarget = v
	}
	if v := os.Getenv("SYKLI_CACHE_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheTTLHours = n
		}
	}
}

// Watcher live-reloads Config from disk, debouncing rapid successive writes
// the way editors/atomic-rename saves produce them.
type Watcher struct {
	path string

	mu  sync.RWMutex
	cur Config
}

// NewWatcher loads path once and returns a Watcher ready to Start.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{path: path, cur: cfg}, nil
}

// Current returns the most recently loaded Config.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cur
}

// Start watches the config file's directory and reloads on change,
// invoking cb(nil) after every successful reload and cb(err) on any
// watch or reload error. It blocks until stop is closed.
func (w *Watcher) Start(stop <-chan struct{}, cb func(error)) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cb(err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		cb(err)
		return
	}

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-stop:
			return
		case ev := <-watcher.Events:
			if filepath.Clean(ev.Name) == filepath.Clean(w.path) {
				debounce.Reset(200 * time.Millisecond)
			}
		case err := <-watcher.Errors:
			cb(err)
		case <-debounce.C:
			cfg, err := Load(w.path)
			if err != nil {
				cb(err)
				continue
			}
			w.mu.Lock()
			w.cur = cfg
			w.mu.Unlock()
			cb(nil)
		}
	}
}
