package watcher

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	errs "github.com/ratifact-dev/ratifact/pkg/shared/errors"
	"github.com/ratifact-dev/ratifact/pkg/shared/files"
)

// Rescanner runs an incremental scan of one root.
type Rescanner func(ctx context.Context, root string)

// Options configure debouncing and the polling fallback.
type Options struct {
	// Debounce is the quiet period after the last event before a rescan fires.
	Debounce time.Duration
	// MaxWait caps how long a continuous stream of events can delay a rescan.
	MaxWait time.Duration
	// FallbackInterval is the poll period used once notification resources run out.
	FallbackInterval time.Duration
	// NewSource creates the event-driven source. Defaults to NewNotifySource.
	NewSource func() (ChangeSource, error)
}

type pending struct {
	first time.Time
	timer *time.Timer
}

// Watcher turns change notifications under tracked roots into coalesced rescans.
type Watcher struct {
	opts   Options
	rescan Rescanner
	logger hclog.Logger

	mu      sync.Mutex
	ctx     context.Context
	source  ChangeSource
	roots   map[string]struct{}
	watched map[string]struct{}
	pending map[string]*pending
	stopped bool

	wg sync.WaitGroup
}

// New creates a Watcher. Start must be called before events are delivered.
func New(opts Options, rescan Rescanner, logger hclog.Logger) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	if opts.MaxWait < opts.Debounce {
		opts.MaxWait = 10 * opts.Debounce
	}
	if opts.FallbackInterval <= 0 {
		opts.FallbackInterval = 5 * time.Minute
	}
	if opts.NewSource == nil {
		opts.NewSource = NewNotifySource
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Watcher{
		opts:    opts,
		rescan:  rescan,
		logger:  logger.Named("watcher"),
		roots:   make(map[string]struct{}),
		watched: make(map[string]struct{}),
		pending: make(map[string]*pending),
	}
}

// Start installs the event-driven source, or the poll source when the OS
// refuses to create one. It never fails because of resource exhaustion.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ctx = ctx

	src, err := w.opts.NewSource()
	if err != nil {
		if !errs.IsResourceExhausted(err) {
			return err
		}
		w.logger.Warn("file notifications unavailable, falling back to periodic scans",
			"interval", w.opts.FallbackInterval, "error", err)
		src = NewPollSource(w.opts.FallbackInterval)
	}
	w.installLocked(src)

	go func() {
		<-ctx.Done()
		w.Stop()
	}()
	return nil
}

// installLocked makes src current and starts consuming it. Caller holds mu.
func (w *Watcher) installLocked(src ChangeSource) {
	w.source = src
	w.wg.Add(1)
	go w.consume(src)
	w.logger.Info("watcher source active", "mode", src.Mode())
}

func (w *Watcher) consume(src ChangeSource) {
	defer w.wg.Done()
	events, errors := src.Events(), src.Errors()
	for events != nil || errors != nil {
		select {
		case path, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.notify(path)
		case err, ok := <-errors:
			if !ok {
				errors = nil
				continue
			}
			w.handleSourceError(src, err)
		}
	}
}

func (w *Watcher) handleSourceError(src ChangeSource, err error) {
	if errs.IsResourceExhausted(err) {
		w.mu.Lock()
		if w.source == src {
			w.fallbackLocked(err)
		}
		w.mu.Unlock()
		return
	}
	// queue overflow and similar losses: rescan every root
	w.logger.Warn("watch error, rescanning all roots", "error", err)
	w.mu.Lock()
	roots := w.sortedRootsLocked()
	w.mu.Unlock()
	for _, r := range roots {
		w.notify(r)
	}
}

// fallbackLocked swaps the current source for polling. Caller holds mu.
func (w *Watcher) fallbackLocked(cause error) {
	if w.stopped || w.source == nil || w.source.Mode() == ModePoll {
		return
	}
	w.logger.Warn("watch descriptors exhausted, degrading to periodic scans",
		"interval", w.opts.FallbackInterval, "error", cause)
	old := w.source
	poll := NewPollSource(w.opts.FallbackInterval)
	for r := range w.roots {
		_ = poll.Add(r)
	}
	w.installLocked(poll)
	go func() { _ = old.Close() }()
}

// Sync replaces the watched set. roots are the rescan units; paths are
// additional directories (artifact directories) whose changes map to the
// enclosing root.
func (w *Watcher) Sync(roots []string, paths []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.source == nil {
		return
	}

	nextRoots := make(map[string]struct{}, len(roots))
	for _, r := range roots {
		nextRoots[filepath.Clean(r)] = struct{}{}
	}
	want := make(map[string]struct{}, len(roots)+len(paths))
	for r := range nextRoots {
		want[r] = struct{}{}
	}
	if w.source.Mode() != ModePoll {
		for _, p := range paths {
			want[filepath.Clean(p)] = struct{}{}
		}
	}

	for p := range w.watched {
		if _, keep := want[p]; !keep {
			_ = w.source.Remove(p)
			delete(w.watched, p)
		}
	}
	w.roots = nextRoots

	added := make([]string, 0, len(want))
	for p := range want {
		if _, ok := w.watched[p]; !ok {
			added = append(added, p)
		}
	}
	sort.Strings(added)
	for _, p := range added {
		if err := w.source.Add(p); err != nil {
			if errs.IsResourceExhausted(err) {
				w.fallbackLocked(err)
				w.watched = make(map[string]struct{}, len(w.roots))
				for r := range w.roots {
					w.watched[r] = struct{}{}
				}
				return
			}
			w.logger.Debug("cannot watch path", "path", p, "error", err)
			continue
		}
		w.watched[p] = struct{}{}
	}
}

// Mode reports the active source.
func (w *Watcher) Mode() Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.source == nil || w.stopped {
		return ModeOff
	}
	return w.source.Mode()
}

// IsPolling reports whether the watcher degraded to periodic scans.
func (w *Watcher) IsPolling() bool {
	return w.Mode() == ModePoll
}

// WatchedCount reports how many paths are registered with the source.
func (w *Watcher) WatchedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

// Stop closes the source and waits for in-flight rescans.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	for root, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, root)
	}
	src := w.source
	w.mu.Unlock()

	if src != nil {
		_ = src.Close()
	}
	w.wg.Wait()
}

// rootFor maps a changed path to the deepest tracked root containing it.
func (w *Watcher) rootForLocked(path string) (string, bool) {
	path = filepath.Clean(path)
	best := ""
	for r := range w.roots {
		if files.IsWithin(r, path) && len(r) > len(best) {
			best = r
		}
	}
	return best, best != ""
}

func (w *Watcher) sortedRootsLocked() []string {
	out := make([]string, 0, len(w.roots))
	for r := range w.roots {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// notify records an event and (re)arms the trailing debounce for its root.
func (w *Watcher) notify(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	root, ok := w.rootForLocked(path)
	if !ok {
		return
	}
	now := time.Now()
	p, ok := w.pending[root]
	if !ok {
		p = &pending{first: now}
		p.timer = time.AfterFunc(w.opts.Debounce, func() { w.fire(root, p) })
		w.pending[root] = p
		return
	}
	wait := w.opts.Debounce
	if deadline := p.first.Add(w.opts.MaxWait); now.Add(wait).After(deadline) {
		wait = deadline.Sub(now)
		if wait < 0 {
			wait = 0
		}
	}
	p.timer.Reset(wait)
}

func (w *Watcher) fire(root string, p *pending) {
	w.mu.Lock()
	if w.stopped || w.pending[root] != p {
		w.mu.Unlock()
		return
	}
	delete(w.pending, root)
	ctx := w.ctx
	w.wg.Add(1)
	w.mu.Unlock()

	defer w.wg.Done()
	if ctx == nil {
		ctx = context.Background()
	}
	w.logger.Debug("coalesced rescan", "root", root, "waited", time.Since(p.first))
	w.rescan(ctx, root)
}
