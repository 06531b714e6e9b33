// Package flows holds the synchronization flow and pool configuration and
// resolves which flows are eligible to push an entity.
package flows

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// reloadDebounce collapses the burst of events editors emit for one save.
const reloadDebounce = 100 * time.Millisecond

// Registry serves immutable snapshots of the flow configuration file and
// swaps them atomically when the file changes.
type Registry struct {
	path    string
	logger  *zap.Logger
	current atomic.Pointer[Snapshot]

	mu      sync.Mutex
	lastErr error

	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewRegistry loads the configuration file. The first load must succeed.
func NewRegistry(path string, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		path:   path,
		logger: logger,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticRegistry serves a fixed snapshot and never reloads.
func NewStaticRegistry(s *Snapshot) *Registry {
	r := &Registry{logger: zap.NewNop()}
	r.current.Store(s)
	return r
}

// Load parses a flow configuration file into a snapshot.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow configuration: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse flow configuration %s: %w", path, err)
	}

	s, err := NewSnapshot(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid flow configuration %s: %w", path, err)
	}
	return s, nil
}

// Snapshot returns the current configuration snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Reload re-reads the configuration file. On failure the previous snapshot
// stays in place.
func (r *Registry) Reload() error {
	s, err := Load(r.path)

	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()

	if err != nil {
		return err
	}

	r.current.Store(s)

	if unknown := s.unknownFlows(); len(unknown) > 0 {
		r.logger.Warn("Pool selection references unregistered flows",
			zap.Strings("flows", unknown),
		)
	}
	r.logger.Info("Loaded flow configuration",
		zap.String("path", r.path),
		zap.Int("flows", len(s.flowOrder)),
		zap.Int("pools", len(s.pools)),
	)

	return nil
}

// Loaded reports whether a snapshot is available.
func (r *Registry) Loaded() bool {
	return r.current.Load() != nil
}

// LastLoadError returns the error of the most recent load attempt.
func (r *Registry) LastLoadError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Watch reloads the configuration whenever the file changes. The parent
// directory is watched and the resolved path of the file is compared on
// every event, so editors that replace the file and config maps that swap a
// symlinked data directory are both picked up.
func (r *Registry) Watch() error {
	if r.path == "" {
		return fmt.Errorf("static registry cannot be watched")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	r.watcher = watcher
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.watchLoop()
	return nil
}

// Close stops watching the configuration file. It is safe to call more
// than once.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		close(r.stopCh)
		r.closeErr = r.watcher.Close()
		<-r.doneCh
	})
	return r.closeErr
}

func (r *Registry) watchLoop() {
	defer close(r.doneCh)

	target := filepath.Clean(r.path)
	realPath, _ := filepath.EvalSymlinks(r.path)

	debounce := time.NewTimer(0)
	<-debounce.C

	for {
		select {
		case <-r.stopCh:
			debounce.Stop()
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			current, _ := filepath.EvalSymlinks(r.path)
			touched := filepath.Clean(event.Name) == target &&
				event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
			swapped := current != "" && current != realPath
			if !touched && !swapped {
				continue
			}
			realPath = current
			debounce.Reset(reloadDebounce)

		case <-debounce.C:
			if err := r.Reload(); err != nil {
				r.logger.Error("Failed to reload flow configuration, keeping previous snapshot",
					zap.String("path", r.path),
					zap.Error(err),
				)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("Flow configuration watcher error", zap.Error(err))
		}
	}
}
