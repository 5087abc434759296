package crew

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Signal file names watched inside the run's signal directory. An
// external collaborator creates "stop" to wind the run down, or "pause"
// to suspend dispatch until the file is removed.
const (
	stopFileName  = "stop"
	pauseFileName = "pause"
)

// SignalWatcher watches a directory for run-control signal files.
type SignalWatcher struct {
	watcher *fsnotify.Watcher
	dir     string
	logger  *DebugLogger

	stopped atomic.Bool
	paused  atomic.Bool
	done    chan struct{}
}

// NewSignalWatcher watches dir for stop/pause files, creating the
// directory if needed. Pre-existing signal files take effect immediately.
func NewSignalWatcher(dir string, logger *DebugLogger) (*SignalWatcher, error) {
	if logger == nil {
		logger = NopLogger()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signal directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	sw := &SignalWatcher{
		watcher: w,
		dir:     dir,
		logger:  logger,
		done:    make(chan struct{}),
	}

	if _, err := os.Stat(filepath.Join(dir, stopFileName)); err == nil {
		sw.stopped.Store(true)
	}
	if _, err := os.Stat(filepath.Join(dir, pauseFileName)); err == nil {
		sw.paused.Store(true)
	}

	go sw.loop()
	return sw, nil
}

func (s *SignalWatcher) loop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.apply(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Log("signal watcher error: %v", err)
		case <-s.done:
			return
		}
	}
}

func (s *SignalWatcher) apply(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	switch name {
	case stopFileName:
		if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) {
			s.logger.Log("stop signal received")
			s.stopped.Store(true)
		}
	case pauseFileName:
		switch {
		case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
			s.logger.Log("pause signal received")
			s.paused.Store(true)
		case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
			s.logger.Log("pause signal cleared")
			s.paused.Store(false)
		}
	}
}

// Stopped reports whether the stop signal has fired. It latches.
func (s *SignalWatcher) Stopped() bool {
	return s.stopped.Load()
}

// Paused reports whether dispatch is currently suspended.
func (s *SignalWatcher) Paused() bool {
	return s.paused.Load()
}

// Close stops watching. Safe to call once.
func (s *SignalWatcher) Close() error {
	close(s.done)
	return s.watcher.Close()
}
