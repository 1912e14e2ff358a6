package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// HostGroups is the static host-group mapping file from spec.md §6:
// when DeduplicationGroup is "hostname", ResolveGroup returns the
// hostname verbatim; otherwise a group whose members list contains
// the hostname wins, falling back to the hostname itself. Groups is a
// map, so when a hostname is listed in several groups, which of them
// is returned is not defined (file order is not kept).
type HostGroups struct {
	DeduplicationGroup string              `json:"deduplicationGroup"`
	Groups             map[string][]string `json:"groups"`
}

// ResolveGroup is the pure Group Resolver function from spec.md §4
// component B: no I/O, just the documented lookup rules.
func ResolveGroup(hg *HostGroups, hostname string) string {
	if hg == nil || hg.DeduplicationGroup == "" || hg.DeduplicationGroup == "hostname" {
		return hostname
	}
	for group, members := range hg.Groups {
		for _, h := range members {
			if h == hostname {
				return group
			}
		}
	}
	return hostname
}

// HostGroupWatcher keeps an atomically-swapped *HostGroups loaded from
// a JSON file on disk, reloading on write via fsnotify so a config
// push doesn't require a process restart.
type HostGroupWatcher struct {
	path    string
	current atomic.Pointer[HostGroups]
	logger  *slog.Logger

	watcher *fsnotify.Watcher

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewHostGroupWatcher loads path once synchronously, then starts a
// background fsnotify watch for subsequent changes.
func NewHostGroupWatcher(path string, logger *slog.Logger) (*HostGroupWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &HostGroupWatcher{
		path:   path,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if err := w.reload(); err != nil {
		return nil, fmt.Errorf("config: initial host-group load: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: fsnotify watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("config: watch host-group file: %w", err)
	}
	w.watcher = fw

	go w.run()
	return w, nil
}

func (w *HostGroupWatcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	var hg HostGroups
	if err := json.Unmarshal(data, &hg); err != nil {
		return fmt.Errorf("parse host-group file: %w", err)
	}
	w.current.Store(&hg)
	return nil
}

func (w *HostGroupWatcher) run() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				w.logger.Warn("config: host-group reload failed, keeping last good snapshot", "error", err)
			} else {
				w.logger.Info("config: host-group mapping reloaded")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config: host-group watcher error", "error", err)
		}
	}
}

// Current returns the last successfully loaded host-group mapping.
func (w *HostGroupWatcher) Current() *HostGroups {
	return w.current.Load()
}

// Resolve resolves hostname against the current mapping.
func (w *HostGroupWatcher) Resolve(hostname string) string {
	return ResolveGroup(w.current.Load(), hostname)
}

// Close stops the watcher goroutine and releases the fsnotify handle.
func (w *HostGroupWatcher) Close() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
	return w.watcher.Close()
}
