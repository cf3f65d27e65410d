package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ShayCichocki/colony/internal/log"
)

// Signal file names inside the signals directory.
const (
	StopFile  = "stop"
	PauseFile = "pause"
)

// Signals lets operators steer a running loop through files: a stop file
// ends the loop at the next iteration boundary, a pause file skips batches
// for as long as it exists.
type Signals struct {
	dir    string
	logger log.Logger

	mu     sync.RWMutex
	stop   bool
	paused bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewSignals watches dir, creating it if needed. When the watcher can't be
// started the files are still checked on every call.
func NewSignals(dir string, logger log.Logger) (*Signals, error) {
	if logger == nil {
		logger = log.Noop
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create signals directory: %w", err)
	}

	s := &Signals{
		dir:    dir,
		logger: logger.WithValues(log.Kv{"svc": "runtime.Signals"}),
		done:   make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warningf("signal watcher unavailable, polling files: %v", err)
		return s, nil
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		s.logger.Warningf("could not watch %s, polling files: %v", dir, err)
		return s, nil
	}
	s.watcher = watcher

	go s.watch()
	return s, nil
}

func (s *Signals) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			created := event.Has(fsnotify.Create) || event.Has(fsnotify.Write)
			removed := event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)

			s.mu.Lock()
			switch filepath.Base(event.Name) {
			case StopFile:
				if created {
					s.stop = true
					s.logger.Infof("stop signal received")
				}
			case PauseFile:
				if created {
					s.paused = true
					s.logger.Infof("pause signal received")
				} else if removed {
					s.paused = false
					s.logger.Infof("pause signal cleared")
				}
			}
			s.mu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warningf("signal watcher error: %v", err)
		}
	}
}

func (s *Signals) exists(name string) bool {
	_, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil
}

// ShouldStop reports whether a stop signal was ever seen. It latches.
func (s *Signals) ShouldStop() bool {
	if s.exists(StopFile) {
		s.mu.Lock()
		s.stop = true
		s.mu.Unlock()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stop
}

// Paused reports whether the pause file is present.
func (s *Signals) Paused() bool {
	present := s.exists(PauseFile)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = present
	return s.paused
}

// SendStop creates the stop file.
func (s *Signals) SendStop() error {
	return s.write(StopFile)
}

// SendPause creates the pause file.
func (s *Signals) SendPause() error {
	return s.write(PauseFile)
}

// Resume removes the pause file.
func (s *Signals) Resume() error {
	err := os.Remove(filepath.Join(s.dir, PauseFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	return nil
}

func (s *Signals) write(name string) error {
	return os.WriteFile(filepath.Join(s.dir, name), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// Clear removes all signal files and resets the signal state.
func (s *Signals) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stop = false
	s.paused = false
	os.Remove(filepath.Join(s.dir, StopFile))
	os.Remove(filepath.Join(s.dir, PauseFile))
}

// Close stops the watcher.
func (s *Signals) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
