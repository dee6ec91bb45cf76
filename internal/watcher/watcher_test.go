package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/ratifact-dev/ratifact/pkg/shared/errors"
)

type fakeSource struct {
	mu      sync.Mutex
	paths   map[string]struct{}
	addErr  error
	events  chan string
	errors  chan error
	closed  bool
	closeMu sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		paths:  make(map[string]struct{}),
		events: make(chan string, 1024),
		errors: make(chan error, 4),
	}
}

func (f *fakeSource) Add(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.paths[path] = struct{}{}
	return nil
}

func (f *fakeSource) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.paths, path)
	return nil
}

func (f *fakeSource) Events() <-chan string { return f.events }
func (f *fakeSource) Errors() <-chan error  { return f.errors }
func (f *fakeSource) Mode() Mode            { return ModeNotify }

func (f *fakeSource) Close() error {
	f.closeMu.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
		close(f.errors)
	})
	return nil
}

func (f *fakeSource) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) rescan(_ context.Context, root string) {
	r.mu.Lock()
	r.calls = append(r.calls, root)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func startWatcher(t *testing.T, src ChangeSource, srcErr error, opts Options) (*Watcher, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts.NewSource = func() (ChangeSource, error) { return src, srcErr }
	w := New(opts, rec.rescan, hclog.NewNullLogger())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() {
		cancel()
		w.Stop()
	})
	return w, rec
}

func TestBurstCoalescesIntoSingleRescan(t *testing.T) {
	src := newFakeSource()
	w, rec := startWatcher(t, src, nil, Options{Debounce: 50 * time.Millisecond, MaxWait: 5 * time.Second})
	root := "/work/app"
	w.Sync([]string{root}, []string{filepath.Join(root, "target")})

	for i := 0; i < 500; i++ {
		src.events <- fmt.Sprintf("%s/target/file-%d.o", root, i)
	}

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{root}, rec.snapshot())
}

func TestSeparateRootsRescanIndependently(t *testing.T) {
	src := newFakeSource()
	w, rec := startWatcher(t, src, nil, Options{Debounce: 30 * time.Millisecond})
	w.Sync([]string{"/work/a", "/work/b", "/work/a/nested"}, nil)

	src.events <- "/work/a/x"
	src.events <- "/work/b/y"
	src.events <- "/work/a/nested/z"
	src.events <- "/elsewhere/ignored"

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"/work/a", "/work/b", "/work/a/nested"}, rec.snapshot())
}

func TestMaxWaitBoundsContinuousActivity(t *testing.T) {
	src := newFakeSource()
	w, rec := startWatcher(t, src, nil, Options{Debounce: 80 * time.Millisecond, MaxWait: 200 * time.Millisecond})
	w.Sync([]string{"/work/app"}, nil)

	stop := time.After(600 * time.Millisecond)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			src.events <- "/work/app/file"
		}
	}
	assert.GreaterOrEqual(t, len(rec.snapshot()), 2)
}

func TestStartFallsBackToPollingOnExhaustion(t *testing.T) {
	w, _ := startWatcher(t, nil, &errs.ResourceExhaustedError{Err: syscall.EMFILE}, Options{FallbackInterval: time.Hour})
	assert.Equal(t, ModePoll, w.Mode())
	assert.True(t, w.IsPolling())
}

func TestStartPropagatesOtherErrors(t *testing.T) {
	w := New(Options{NewSource: func() (ChangeSource, error) { return nil, fmt.Errorf("boom") }}, func(context.Context, string) {}, nil)
	assert.Error(t, w.Start(context.Background()))
}

func TestAddExhaustionDegradesToPolling(t *testing.T) {
	src := newFakeSource()
	src.addErr = &errs.ResourceExhaustedError{Err: syscall.ENOSPC}
	w, _ := startWatcher(t, src, nil, Options{FallbackInterval: time.Hour})

	w.Sync([]string{"/work/a", "/work/b"}, []string{"/work/a/target"})
	assert.Equal(t, ModePoll, w.Mode())
	assert.Equal(t, 2, w.WatchedCount())
	assert.Eventually(t, src.isClosed, time.Second, 10*time.Millisecond)
}

func TestRuntimeExhaustionDegradesToPolling(t *testing.T) {
	src := newFakeSource()
	w, _ := startWatcher(t, src, nil, Options{FallbackInterval: time.Hour})
	w.Sync([]string{"/work/a"}, nil)
	require.Equal(t, ModeNotify, w.Mode())

	src.errors <- &errs.ResourceExhaustedError{Err: syscall.ENOSPC}
	assert.Eventually(t, w.IsPolling, time.Second, 10*time.Millisecond)
}

func TestOverflowRescansEveryRoot(t *testing.T) {
	src := newFakeSource()
	w, rec := startWatcher(t, src, nil, Options{Debounce: 20 * time.Millisecond})
	w.Sync([]string{"/work/a", "/work/b"}, nil)

	src.errors <- fmt.Errorf("queue overflow")
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestSyncRemovesStalePaths(t *testing.T) {
	src := newFakeSource()
	w, _ := startWatcher(t, src, nil, Options{})
	w.Sync([]string{"/work/a"}, []string{"/work/a/target", "/work/a/dist"})
	assert.Equal(t, 3, w.WatchedCount())

	w.Sync([]string{"/work/a"}, []string{"/work/a/dist"})
	assert.Equal(t, 2, w.WatchedCount())
	src.mu.Lock()
	_, stillWatched := src.paths["/work/a/target"]
	src.mu.Unlock()
	assert.False(t, stillWatched)
}

func TestStopReportsOff(t *testing.T) {
	src := newFakeSource()
	w, _ := startWatcher(t, src, nil, Options{})
	w.Stop()
	assert.Equal(t, ModeOff, w.Mode())
	assert.True(t, src.isClosed())
}

func TestPollSourceEmitsRegisteredPaths(t *testing.T) {
	src := NewPollSource(20 * time.Millisecond)
	defer src.Close()
	require.NoError(t, src.Add("/work/a"))

	select {
	case p := <-src.Events():
		assert.Equal(t, "/work/a", p)
	case <-time.After(time.Second):
		t.Fatal("poll source did not emit")
	}
	assert.Equal(t, ModePoll, src.Mode())
}

func TestIsExhaustion(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"enospc", syscall.ENOSPC, true},
		{"emfile", fmt.Errorf("add: %w", syscall.EMFILE), true},
		{"enfile", syscall.ENFILE, true},
		{"other", syscall.EACCES, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isExhaustion(tt.err))
			if tt.want {
				assert.True(t, errs.IsResourceExhausted(exhausted(tt.err)))
			}
		})
	}
}
