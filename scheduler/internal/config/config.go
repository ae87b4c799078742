// Package config loads the scheduler's JSON configuration file (§6) and
// watches it for changes with fsnotify, grounded on the watcher
// pattern in pkbatx-alert_framework/internal/watch — there it watches a
// directory for new audio files; here it watches one file for edits and
// hot-reloads, notifying subscribers on a channel instead of enqueuing
// jobs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kpipeline/kpipeline/shared/wire"
)

// Config is the scheduler's JSON config file shape (§6).
type Config struct {
	DeploymentName string                     `json:"deploymentName"`
	AllowedOrigins []string                   `json:"allowedOrigins"`
	Storage        wire.StorageConfig         `json:"storage"`
	WorkerConfigs  map[string]json.RawMessage `json:"workerConfigs"`
	DBPath         string                     `json:"dbPath"`
	Listen         string                     `json:"listen"`
	ListenPort     int                        `json:"listenPort"`
	BrokerURL      string                     `json:"brokerUrl"`
}

// SystemConfig projects the fields exposed over get_system_config.
func (c Config) SystemConfig() wire.SystemConfig {
	return wire.SystemConfig{
		DeploymentName: c.DeploymentName,
		Storage:        c.Storage,
		WorkerConfigs:  c.WorkerConfigs,
	}
}

// Load reads and parses the config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher holds the live config and reloads it on file-change events,
// publishing each successful reload to Changes(). A failed reload (bad
// JSON mid-write) is logged and the previous config is kept live.
type Watcher struct {
	path string
	log  *zap.Logger

	mu      sync.RWMutex
	current Config

	changes chan Config
}

// NewWatcher loads path once, then starts watching it for changes. Call
// the returned close function to release the fsnotify watch.
func NewWatcher(path string, log *zap.Logger) (*Watcher, func() error, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("config: create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{path: path, log: log.Named("config"), current: cfg, changes: make(chan Config, 1)}

	go w.run(fsw)

	return w, fsw.Close, nil
}

func (w *Watcher) run(fsw *fsnotify.Watcher) {
	for {
		select {
		case evt, ok := <-fsw.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn("config reload failed, keeping previous config", zap.Error(err))
				continue
			}
			w.mu.Lock()
			w.current = cfg
			w.mu.Unlock()
			w.log.Info("config reloaded", zap.String("path", w.path))
			select {
			case w.changes <- cfg:
			default:
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Current returns the most recently loaded config.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Changes publishes each successfully reloaded config. Non-blocking
// sends — a subscriber that falls behind only sees the latest version.
func (w *Watcher) Changes() <-chan Config {
	return w.changes
}
