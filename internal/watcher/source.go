package watcher

import (
	"errors"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	errs "github.com/ratifact-dev/ratifact/pkg/shared/errors"
)

// Mode names the active change source.
type Mode string

const (
	ModeNotify Mode = "notify"
	ModePoll   Mode = "poll"
	ModeOff    Mode = "off"
)

// ChangeSource delivers paths that may have changed. Event-driven and polling
// implementations are interchangeable.
type ChangeSource interface {
	Add(path string) error
	Remove(path string) error
	// Events yields changed paths. The channel is closed by Close.
	Events() <-chan string
	Errors() <-chan error
	Mode() Mode
	Close() error
}

// isExhaustion reports whether err means the OS refused more watch resources.
func isExhaustion(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}

func exhausted(err error) error {
	if err == nil || !isExhaustion(err) {
		return err
	}
	return &errs.ResourceExhaustedError{Err: err}
}

// notifySource uses fsnotify with one non-recursive watch per path.
type notifySource struct {
	w      *fsnotify.Watcher
	events chan string
	errors chan error
	done   chan struct{}
	once   sync.Once
}

// NewNotifySource creates an fsnotify-backed source.
func NewNotifySource() (ChangeSource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, exhausted(err)
	}
	s := &notifySource{
		w:      w,
		events: make(chan string, 256),
		errors: make(chan error, 16),
		done:   make(chan struct{}),
	}
	go s.forward()
	return s, nil
}

func (s *notifySource) forward() {
	defer close(s.events)
	defer close(s.errors)
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.w.Events:
			if !ok {
				return
			}
			if ev.Op == fsnotify.Chmod {
				continue
			}
			select {
			case s.events <- ev.Name:
			case <-s.done:
				return
			}
		case err, ok := <-s.w.Errors:
			if !ok {
				return
			}
			select {
			case s.errors <- exhausted(err):
			case <-s.done:
				return
			}
		}
	}
}

func (s *notifySource) Add(path string) error {
	return exhausted(s.w.Add(path))
}

func (s *notifySource) Remove(path string) error {
	return s.w.Remove(path)
}

func (s *notifySource) Events() <-chan string { return s.events }
func (s *notifySource) Errors() <-chan error  { return s.errors }
func (s *notifySource) Mode() Mode            { return ModeNotify }

func (s *notifySource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.w.Close()
	})
	return err
}

// pollSource reports every registered path once per interval.
type pollSource struct {
	interval time.Duration

	mu    sync.Mutex
	paths map[string]struct{}

	events chan string
	errors chan error
	done   chan struct{}
	once   sync.Once
}

// NewPollSource creates a source that emits each added path every interval.
func NewPollSource(interval time.Duration) ChangeSource {
	s := &pollSource{
		interval: interval,
		paths:    make(map[string]struct{}),
		events:   make(chan string, 256),
		errors:   make(chan error),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *pollSource) run() {
	defer close(s.events)
	defer close(s.errors)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			paths := make([]string, 0, len(s.paths))
			for p := range s.paths {
				paths = append(paths, p)
			}
			s.mu.Unlock()
			for _, p := range paths {
				select {
				case s.events <- p:
				case <-s.done:
					return
				}
			}
		}
	}
}

func (s *pollSource) Add(path string) error {
	s.mu.Lock()
	s.paths[path] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *pollSource) Remove(path string) error {
	s.mu.Lock()
	delete(s.paths, path)
	s.mu.Unlock()
	return nil
}

func (s *pollSource) Events() <-chan string { return s.events }
func (s *pollSource) Errors() <-chan error  { return s.errors }
func (s *pollSource) Mode() Mode            { return ModePoll }

func (s *pollSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
