package session

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	"github.com/ratifact-dev/ratifact/internal/jobs"
	"github.com/ratifact-dev/ratifact/internal/safety"
	"github.com/ratifact-dev/ratifact/internal/store"
	"github.com/ratifact-dev/ratifact/internal/watcher"
)

// Mode is the scan state of the session.
type Mode string

const (
	ModeIdle           Mode = "idle"
	ModeScanInProgress Mode = "scanning"
)

// Modal is the dialog currently open. Only one can be open at a time.
type Modal string

const (
	ModalNone                     Modal = "none"
	ModalConfirmDelete            Modal = "confirm_delete"
	ModalConfirmBulkDelete        Modal = "confirm_bulk_delete"
	ModalConfirmAutoRemovalEnable Modal = "confirm_auto_removal"
	ModalConfirmExclude           Modal = "confirm_exclude"
	ModalSettingsEdit             Modal = "settings"
	ModalCredentialPrompt         Modal = "credential_prompt"
)

// historyDepth is how many recent history events a snapshot carries.
const historyDepth = 20

// ScanRunner scans roots against an exclusion snapshot.
type ScanRunner interface {
	ScanAll(ctx context.Context, roots []string, excl artifacts.ExclusionSet) ([]artifacts.ScanSession, error)
}

// JobRunner is the part of the executor the session drives.
type JobRunner interface {
	Submit(job jobs.Job) (*jobs.Handle, error)
	Jobs() []jobs.Record
	OnComplete(fn func(jobs.Record))
	CancelWhere(fn func(jobs.Job) bool) int
}

// Retention answers dry-run queries before automatic removal is enabled and
// applies exclusion changes.
type Retention interface {
	DryRunWith(ctx context.Context, proposed artifacts.RetentionPolicy) ([]safety.Decision, error)
	SetExclusion(ctx context.Context, raw string, excluded bool) (artifacts.ExclusionEntry, error)
}

// WatchStatus reports the watcher's active source.
type WatchStatus interface {
	Mode() watcher.Mode
}

// Options wire a controller.
type Options struct {
	Store   store.Store
	Scanner ScanRunner
	Jobs    JobRunner
	Engine  Retention
	// Watcher is optional.
	Watcher WatchStatus
	Roots   []string
	// Persist writes settings changes back to the configuration file. Optional.
	Persist func(policy artifacts.RetentionPolicy, roots []string) error
	Logger  hclog.Logger
}

// Snapshot is the read-only view a presentation layer renders.
type Snapshot struct {
	Mode        Mode                       `json:"mode"`
	Modal       Modal                      `json:"modal"`
	Pending     []string                   `json:"pending,omitempty"`
	Roots       []string                   `json:"roots"`
	Artifacts   []artifacts.Artifact       `json:"artifacts"`
	Jobs        []jobs.Record              `json:"jobs"`
	Policy      artifacts.RetentionPolicy  `json:"policy"`
	Exclusions  []artifacts.ExclusionEntry `json:"exclusions"`
	DryRun      []safety.Decision          `json:"dry_run,omitempty"`
	LastScan    []artifacts.ScanSession    `json:"last_scan,omitempty"`
	WatcherMode watcher.Mode               `json:"watcher_mode"`
	History     []artifacts.HistoryEvent   `json:"history"`
	Totals      artifacts.Totals           `json:"totals"`
	Fatal       error                      `json:"-"`
}

// Controller owns the interactive state. Commands return immediately; scans
// and jobs run in the background and publish results through Snapshot.
type Controller struct {
	store   store.Store
	scanner ScanRunner
	jobs    JobRunner
	engine  Retention
	watcher WatchStatus
	persist func(artifacts.RetentionPolicy, []string) error
	logger  hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	mode          Mode
	modal         Modal
	pending       []string
	proposed      artifacts.RetentionPolicy
	dryRun        []safety.Decision
	credTargets   []string
	queuedScan    []string
	roots         []string
	policy        artifacts.RetentionPolicy
	exclusions    []artifacts.ExclusionEntry
	artifactList  []artifacts.Artifact
	history       []artifacts.HistoryEvent
	lastScan      []artifacts.ScanSession
	fatal         error
	refreshQueued bool
	refreshing    bool
}

// New creates a controller and loads the initial state from the store.
func New(ctx context.Context, opts Options) (*Controller, error) {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &Controller{
		store:   opts.Store,
		scanner: opts.Scanner,
		jobs:    opts.Jobs,
		engine:  opts.Engine,
		watcher: opts.Watcher,
		persist: opts.Persist,
		logger:  logger.Named("session"),
		ctx:     cctx,
		cancel:  cancel,
		mode:    ModeIdle,
		modal:   ModalNone,
		roots:   append([]string(nil), opts.Roots...),
	}
	if err := c.Refresh(ctx); err != nil {
		cancel()
		return nil, err
	}
	if c.jobs != nil {
		c.jobs.OnComplete(c.onJobComplete)
	}
	return c, nil
}

// Snapshot returns the latest completed view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		Mode:       c.mode,
		Modal:      c.modal,
		Pending:    append([]string(nil), c.pending...),
		Roots:      append([]string(nil), c.roots...),
		Artifacts:  append([]artifacts.Artifact(nil), c.artifactList...),
		Policy:     c.policy,
		Exclusions: append([]artifacts.ExclusionEntry(nil), c.exclusions...),
		DryRun:     append([]safety.Decision(nil), c.dryRun...),
		LastScan:   append([]artifacts.ScanSession(nil), c.lastScan...),
		History:    append([]artifacts.HistoryEvent(nil), c.history...),
		Fatal:      c.fatal,
	}
	c.mu.Unlock()

	s.Totals = artifacts.Summarize(s.Artifacts)
	if c.jobs != nil {
		s.Jobs = c.jobs.Jobs()
	}
	s.WatcherMode = watcher.ModeOff
	if c.watcher != nil {
		s.WatcherMode = c.watcher.Mode()
	}
	return s
}

// Refresh reloads artifacts, exclusions, policy and recent history from the store.
func (c *Controller) Refresh(ctx context.Context) error {
	list, err := c.store.ListArtifacts(ctx)
	if err != nil {
		return c.storeFailure(err)
	}
	excl, err := c.store.ListExclusions(ctx)
	if err != nil {
		return c.storeFailure(err)
	}
	policy, err := c.store.LoadRetentionPolicy(ctx)
	if err != nil {
		return c.storeFailure(err)
	}
	history, err := c.store.ListHistory(ctx, historyDepth)
	if err != nil {
		return c.storeFailure(err)
	}

	c.mu.Lock()
	c.artifactList = list
	c.exclusions = excl
	c.policy = policy
	c.history = history
	c.mu.Unlock()
	return nil
}

// refreshAsync reloads in the background, coalescing requests that arrive
// while a reload is running.
func (c *Controller) refreshAsync() {
	c.mu.Lock()
	if c.refreshing {
		c.refreshQueued = true
		c.mu.Unlock()
		return
	}
	c.refreshing = true
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		for {
			if err := c.Refresh(c.ctx); err != nil {
				c.logger.Warn("snapshot refresh failed", "error", err)
			}
			c.mu.Lock()
			if !c.refreshQueued {
				c.refreshing = false
				c.mu.Unlock()
				return
			}
			c.refreshQueued = false
			c.mu.Unlock()
		}
	}()
}

// Invalidate schedules a reload after state changed outside the controller,
// such as a watcher-triggered rescan.
func (c *Controller) Invalidate() {
	if c.ctx.Err() != nil {
		return
	}
	c.refreshAsync()
}

// Shutdown cancels background scans and waits for them.
func (c *Controller) Shutdown() {
	c.cancel()
	c.wg.Wait()
}
