package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/noory-code/evonest/internal/logging"
)

// stopWatcher watches the decisions directory so a stop decision dropped
// mid-run takes effect at the next phase boundary instead of the next
// cycle. Watching is best-effort: when fsnotify is unavailable the
// between-cycle decision scan still catches the file.
type stopWatcher struct {
	watcher *fsnotify.Watcher
	stop    atomic.Bool
	done    chan struct{}
	logger  *logging.Logger
}

func newStopWatcher(decisionsDir string, logger *logging.Logger) *stopWatcher {
	w := &stopWatcher{
		done:   make(chan struct{}),
		logger: logger,
	}

	if err := os.MkdirAll(decisionsDir, 0o750); err != nil {
		logger.Warn("stop watcher: cannot ensure decisions dir", "error", err.Error())
		return w
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("stop watcher unavailable", "error", err.Error())
		return w
	}
	if err := watcher.Add(decisionsDir); err != nil {
		logger.Warn("stop watcher: cannot watch decisions dir", "error", err.Error())
		_ = watcher.Close()
		return w
	}
	w.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if w.isStopFile(event.Name) {
					logger.Info("stop decision detected", "file", filepath.Base(event.Name))
					w.stop.Store(true)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-w.done:
				return
			}
		}
	}()
	return w
}

// isStopFile reads a just-arrived decision and checks for the stop
// directive.
func (w *stopWatcher) isStopFile(path string) bool {
	if !strings.HasSuffix(path, ".md") {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return isStopDirective(string(data))
}

// StopRequested reports whether a stop decision arrived.
func (w *stopWatcher) StopRequested() bool {
	return w.stop.Load()
}

// RequestStop sets the flag directly (used when the between-cycle scan
// consumes a stop decision).
func (w *stopWatcher) RequestStop() {
	w.stop.Store(true)
}

// Close shuts the watcher down.
func (w *stopWatcher) Close() {
	close(w.done)
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}
