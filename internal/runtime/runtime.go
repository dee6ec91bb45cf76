package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	"github.com/ratifact-dev/ratifact/internal/classifier"
	"github.com/ratifact-dev/ratifact/internal/config"
	"github.com/ratifact-dev/ratifact/internal/jobs"
	"github.com/ratifact-dev/ratifact/internal/safety"
	"github.com/ratifact-dev/ratifact/internal/scanner"
	"github.com/ratifact-dev/ratifact/internal/session"
	"github.com/ratifact-dev/ratifact/internal/store"
	"github.com/ratifact-dev/ratifact/internal/watcher"
)

// Runtime holds the components a command needs, built once from the configuration.
type Runtime struct {
	Config     *config.Config
	ConfigPath string
	Logger     hclog.Logger

	Store      store.Store
	Clock      *artifacts.Clock
	Classifier *classifier.Classifier
	Scanner    *scanner.Scanner
	Executor   *jobs.Executor
	Engine     *safety.Engine

	mu       sync.Mutex
	watcher  *watcher.Watcher
	onRescan []func()
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// Options adjust component construction, mainly for tests.
type Options struct {
	// Runner replaces the subprocess runner used by jobs.
	Runner jobs.CommandRunner
	// Metadata replaces the VCS metadata collector.
	Metadata scanner.MetadataFunc
	// NewSource replaces the watcher's change source factory.
	NewSource func() (watcher.ChangeSource, error)
}

// New opens the store and builds every component over it. Delete records
// left pending by an interrupted run are settled before New returns.
func New(ctx context.Context, cfg *config.Config, configPath string, logger hclog.Logger, opts Options) (*Runtime, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	last, err := st.MaxLogicalTime(ctx)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to read logical time: %w", err)
	}
	clock := artifacts.NewClock(last)
	cls := classifier.New(PatternsFromConfig(cfg.Scan.Patterns)...)

	sc := scanner.New(st, cls, clock, cfg.Scan.MaxDepth, logger)
	if opts.Metadata != nil {
		sc.WithMetadata(opts.Metadata)
	}
	ex := jobs.NewExecutor(st, clock, opts.Runner, jobs.OptionsFromConfig(cfg.Jobs), logger)

	r := &Runtime{
		Config:     cfg,
		ConfigPath: configPath,
		Logger:     logger,
		Store:      st,
		Clock:      clock,
		Classifier: cls,
		Scanner:    sc,
		Executor:   ex,
		Engine:     safety.NewEngine(st, cls, ex, logger),
	}
	r.watcher = watcher.New(watcher.Options{
		Debounce:         cfg.Watcher.Debounce,
		MaxWait:          cfg.Watcher.MaxWait,
		FallbackInterval: cfg.Watcher.FallbackInterval,
		NewSource:        opts.NewSource,
	}, r.rescan, logger)

	if err := r.seedPolicy(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	if n, err := ex.RecoverPending(ctx); err != nil {
		logger.Warn("failed to settle pending deletes", "error", err)
	} else if n > 0 {
		logger.Info("settled pending deletes from a previous run", "count", n)
	}
	return r, nil
}

// PatternsFromConfig converts configured build-output rules to classifier patterns.
func PatternsFromConfig(in []config.Pattern) []classifier.Pattern {
	out := make([]classifier.Pattern, 0, len(in))
	for _, p := range in {
		out = append(out, classifier.Pattern{
			Language:    p.Language,
			BuildSystem: p.BuildSystem,
			Dirs:        p.Dirs,
			Markers:     p.Markers,
		})
	}
	return out
}

// seedPolicy stores the configured retention policy when the store has none yet.
func (r *Runtime) seedPolicy(ctx context.Context) error {
	p, err := r.Store.LoadRetentionPolicy(ctx)
	if err != nil {
		return fmt.Errorf("failed to load retention policy: %w", err)
	}
	if !p.UpdatedAt.IsZero() {
		return nil
	}
	seeded := artifacts.RetentionPolicy{
		RetentionDays:      r.Config.Retention.Days,
		AutoRemovalEnabled: r.Config.Retention.AutomaticRemoval,
	}
	if err := seeded.Validate(); err != nil {
		return err
	}
	seeded.UpdatedAt = time.Now().UTC()
	if err := r.Store.SaveRetentionPolicy(ctx, seeded); err != nil {
		return fmt.Errorf("failed to store retention policy: %w", err)
	}
	return nil
}

// Roots returns the configured scan roots.
func (r *Runtime) Roots() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Config.Scan.Paths...)
}

// Exclusions returns the current exclusion snapshot.
func (r *Runtime) Exclusions(ctx context.Context) (artifacts.ExclusionSet, error) {
	list, err := r.Store.ListExclusions(ctx)
	if err != nil {
		return artifacts.ExclusionSet{}, err
	}
	return artifacts.NewExclusionSet(list), nil
}

// ScanAll scans roots under the current exclusions and refreshes the watch set.
func (r *Runtime) ScanAll(ctx context.Context, roots []string, excl artifacts.ExclusionSet) ([]artifacts.ScanSession, error) {
	sessions, err := r.Scanner.ScanAll(ctx, roots, excl)
	r.syncWatcher(ctx)
	return sessions, err
}

// Scan is ScanAll over roots with the stored exclusions.
func (r *Runtime) Scan(ctx context.Context, roots []string) ([]artifacts.ScanSession, error) {
	excl, err := r.Exclusions(ctx)
	if err != nil {
		return nil, err
	}
	return r.ScanAll(ctx, roots, excl)
}

// OnRescan registers fn to run after every watcher-triggered rescan.
func (r *Runtime) OnRescan(fn func()) {
	r.mu.Lock()
	r.onRescan = append(r.onRescan, fn)
	r.mu.Unlock()
}

// Watcher returns the change watcher, whether or not it is running.
func (r *Runtime) Watcher() *watcher.Watcher {
	return r.watcher
}

// StartWatcher starts change notification when it is enabled in the configuration.
func (r *Runtime) StartWatcher(ctx context.Context) error {
	if !config.WatcherEnabled(r.Config) {
		r.Logger.Info("change watcher disabled")
		return nil
	}
	if err := r.watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	r.syncWatcher(ctx)
	r.Logger.Info("change watcher started", "mode", r.watcher.Mode(), "watched", r.watcher.WatchedCount())
	return nil
}

// rescan is the watcher callback: one incremental scan of root.
func (r *Runtime) rescan(ctx context.Context, root string) {
	excl, err := r.Exclusions(ctx)
	if err != nil {
		r.Logger.Error("cannot load exclusions for rescan", "root", root, "error", err)
		return
	}
	if _, err := r.Scanner.Scan(ctx, root, excl); err != nil && !errors.Is(err, context.Canceled) {
		r.Logger.Error("rescan failed", "root", root, "error", err)
	}
	r.syncWatcher(ctx)

	r.mu.Lock()
	hooks := append([]func(){}, r.onRescan...)
	r.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// syncWatcher watches the scan roots, every known project root and every
// active artifact.
func (r *Runtime) syncWatcher(ctx context.Context) {
	if r.watcher.Mode() == watcher.ModeOff {
		return
	}
	roots := r.Roots()
	projects, err := r.Store.ListProjects(ctx)
	if err != nil {
		r.Logger.Warn("cannot list projects for watching", "error", err)
		return
	}
	for _, p := range projects {
		roots = append(roots, p.Root)
	}
	active, err := r.Store.ListActive(ctx)
	if err != nil {
		r.Logger.Warn("cannot list artifacts for watching", "error", err)
		return
	}
	paths := make([]string, 0, len(active))
	for _, a := range active {
		paths = append(paths, a.Path)
	}
	r.watcher.Sync(roots, paths)
}

// StartAutoRemoval runs retention cycles in the background until Close.
func (r *Runtime) StartAutoRemoval(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopLoop != nil {
		return
	}
	lctx, cancel := context.WithCancel(ctx)
	r.stopLoop = cancel
	r.loopDone = make(chan struct{})
	go func() {
		defer close(r.loopDone)
		r.Engine.Start(lctx, r.Config.Retention.CycleInterval)
	}()
}

// NewSession builds an interactive controller over the runtime. Settings
// changes made in the session are written back to the configuration file.
func (r *Runtime) NewSession(ctx context.Context) (*session.Controller, error) {
	c, err := session.New(ctx, session.Options{
		Store:   r.Store,
		Scanner: r,
		Jobs:    r.Executor,
		Engine:  r.Engine,
		Watcher: r.watcher,
		Roots:   r.Roots(),
		Persist: r.Persist,
		Logger:  r.Logger,
	})
	if err != nil {
		return nil, err
	}
	r.OnRescan(c.Invalidate)
	return c, nil
}

// Persist writes the retention policy and scan roots into the configuration file.
func (r *Runtime) Persist(policy artifacts.RetentionPolicy, roots []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Config.Retention.Days = policy.RetentionDays
	r.Config.Retention.AutomaticRemoval = policy.AutoRemovalEnabled
	if len(roots) > 0 {
		r.Config.Scan.Paths = append([]string(nil), roots...)
	}
	if r.ConfigPath == "" {
		return nil
	}
	return config.SaveConfig(r.Config, r.ConfigPath)
}

// Close stops background work in dependency order and closes the store.
func (r *Runtime) Close(ctx context.Context) error {
	r.watcher.Stop()

	r.mu.Lock()
	stop, done := r.stopLoop, r.loopDone
	r.stopLoop = nil
	r.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}

	var errList []error
	if err := r.Executor.Shutdown(ctx); err != nil {
		errList = append(errList, err)
	}
	if err := r.Store.Close(); err != nil {
		errList = append(errList, err)
	}
	return errors.Join(errList...)
}
