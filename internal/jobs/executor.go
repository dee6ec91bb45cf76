package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	"github.com/ratifact-dev/ratifact/internal/config"
	"github.com/ratifact-dev/ratifact/internal/store"
	errs "github.com/ratifact-dev/ratifact/pkg/shared/errors"
	"github.com/ratifact-dev/ratifact/pkg/shared/files"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("job executor is shut down")

// Options tune the executor.
type Options struct {
	// MaxConcurrent bounds running jobs; 0 means unbounded.
	MaxConcurrent    int
	ElevationCommand string
	RebuildTimeout   time.Duration
	RebuildCommands  map[string]string
}

// OptionsFromConfig maps the jobs configuration section.
func OptionsFromConfig(cfg config.Jobs) Options {
	return Options{
		MaxConcurrent:    cfg.MaxConcurrent,
		ElevationCommand: cfg.ElevationCommand,
		RebuildTimeout:   cfg.RebuildTimeout,
		RebuildCommands:  cfg.RebuildCommands,
	}
}

// Executor runs jobs in the background and applies their verified outcomes to the store.
type Executor struct {
	store  store.Store
	clock  *artifacts.Clock
	runner CommandRunner
	opts   Options
	logger hclog.Logger
	sem    chan struct{}

	mu          sync.Mutex
	handles     map[string]*Handle
	order       []string
	subscribers []func(Record)
	closed      bool
	wg          sync.WaitGroup

	// removeAll is swapped in tests.
	removeAll func(string) error
}

// NewExecutor creates an executor. A nil runner uses ExecRunner.
func NewExecutor(st store.Store, clock *artifacts.Clock, runner CommandRunner, opts Options, logger hclog.Logger) *Executor {
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if opts.ElevationCommand == "" {
		opts.ElevationCommand = "sudo"
	}
	if opts.RebuildTimeout <= 0 {
		opts.RebuildTimeout = 30 * time.Minute
	}
	if opts.RebuildCommands == nil {
		opts.RebuildCommands = config.DefaultRebuildCommands()
	}
	e := &Executor{
		store:     st,
		clock:     clock,
		runner:    runner,
		opts:      opts,
		logger:    logger.Named("jobs"),
		handles:   make(map[string]*Handle),
		removeAll: os.RemoveAll,
	}
	if opts.MaxConcurrent > 0 {
		e.sem = make(chan struct{}, opts.MaxConcurrent)
	}
	return e
}

// OnComplete registers fn to be called with the final record of every job.
func (e *Executor) OnComplete(fn func(Record)) {
	e.mu.Lock()
	e.subscribers = append(e.subscribers, fn)
	e.mu.Unlock()
}

// Submit queues job and returns immediately. A delete for a path that already
// has an unfinished delete of the same kind and origin returns that job's
// handle. An operator delete supersedes a queued automatic one for the same path.
func (e *Executor) Submit(job Job) (*Handle, error) {
	if err := validate(job); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if job.Kind.IsDelete() {
		for _, id := range e.order {
			h := e.handles[id]
			if !h.job.Kind.IsDelete() || h.job.Path != job.Path {
				continue
			}
			state := h.State()
			switch {
			case state.Terminal():
			case h.job.Kind == job.Kind && h.job.Origin == job.Origin:
				return h, nil
			case h.job.Origin == OriginAutoRemoval && job.Origin != OriginAutoRemoval && state == StateQueued:
				e.logger.Debug("operator delete supersedes queued automatic removal", "id", h.id, "path", job.Path)
				h.Cancel()
			}
		}
	}

	if job.Credential != nil {
		job.Credential = append([]byte(nil), job.Credential...)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		id:     uuid.NewString(),
		job:    job,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		rec: Record{
			Kind:        job.Kind,
			Target:      job.Target(),
			Origin:      job.Origin,
			State:       StateQueued,
			SubmittedAt: time.Now(),
		},
	}
	h.rec.ID = h.id
	e.handles[h.id] = h
	e.order = append(e.order, h.id)

	e.wg.Add(1)
	go e.run(h)
	e.logger.Debug("job queued", "id", h.id, "kind", job.Kind, "target", job.Target(), "origin", job.Origin)
	return h, nil
}

func validate(job Job) error {
	switch job.Kind {
	case KindDelete, KindDeleteElevated:
		if job.Path == "" {
			return fmt.Errorf("%s job requires a path", job.Kind)
		}
		if job.Kind == KindDeleteElevated && len(job.Credential) == 0 {
			return errs.NewPrivilegeError(job.Path, errors.New("elevated deletion requires a credential"))
		}
	case KindRebuild:
		if job.ProjectRoot == "" {
			return errors.New("rebuild job requires a project root")
		}
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
	return nil
}

// Get returns the handle for id.
func (e *Executor) Get(id string) (*Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[id]
	return h, ok
}

// Jobs returns a snapshot of every job of this session in submission order.
func (e *Executor) Jobs() []Record {
	e.mu.Lock()
	handles := make([]*Handle, 0, len(e.order))
	for _, id := range e.order {
		handles = append(handles, e.handles[id])
	}
	e.mu.Unlock()

	out := make([]Record, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Record())
	}
	return out
}

// CancelWhere cancels every unfinished job matching fn and returns how many were signalled.
func (e *Executor) CancelWhere(fn func(Job) bool) int {
	e.mu.Lock()
	var matched []*Handle
	for _, id := range e.order {
		h := e.handles[id]
		if !h.State().Terminal() && fn(h.Job()) {
			matched = append(matched, h)
		}
	}
	e.mu.Unlock()

	for _, h := range matched {
		h.Cancel()
	}
	return len(matched)
}

// Shutdown stops accepting jobs and waits for the accepted ones to finish.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) run(h *Handle) {
	defer e.wg.Done()
	defer zero(h.job.Credential)

	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-h.ctx.Done():
			e.finish(h, StateCancelled, "cancelled before start", nil)
			return
		}
	}

	if !h.start(func(r *Record) { r.StartedAt = time.Now() }) {
		e.finish(h, StateCancelled, "cancelled before start", nil)
		return
	}

	if h.job.Guard != nil {
		if err := h.job.Guard(h.ctx); err != nil {
			e.logger.Info("job skipped, precondition no longer holds", "id", h.id, "target", h.job.Target(), "reason", err)
			e.finish(h, StateCancelled, "skipped: "+err.Error(), err)
			return
		}
	}

	switch h.job.Kind {
	case KindDelete, KindDeleteElevated:
		e.runDelete(h)
	case KindRebuild:
		e.runRebuild(h)
	}
}

// finish records the terminal state and notifies subscribers.
func (e *Executor) finish(h *Handle, state State, msg string, err error) {
	h.update(func(r *Record) {
		r.State = state
		r.Message = msg
		r.Err = err
		r.FinishedAt = time.Now()
	})
	h.cancel()

	rec := h.Record()
	log := e.logger.With("id", rec.ID, "kind", rec.Kind, "target", rec.Target, "state", rec.State)
	if state == StateFailed {
		log.Warn("job finished", "message", msg, "error", err)
	} else {
		log.Info("job finished", "message", msg)
	}

	e.mu.Lock()
	subs := append([]func(Record){}, e.subscribers...)
	e.mu.Unlock()
	for _, fn := range subs {
		fn(rec)
	}
	close(h.done)
}

// storeCtx detaches store writes from job cancellation so they run to completion.
func storeCtx(h *Handle) context.Context {
	return context.WithoutCancel(h.ctx)
}

func (e *Executor) runDelete(h *Handle) {
	path := h.job.Path
	ctx := storeCtx(h)

	current, err := e.store.GetArtifact(ctx, path)
	if err != nil {
		e.finish(h, StateFailed, "artifact is not tracked", err)
		return
	}
	if current.Status != artifacts.StatusActive && current.Status != artifacts.StatusPendingDelete {
		e.finish(h, StateFailed, fmt.Sprintf("artifact is %s", current.Status),
			fmt.Errorf("delete %q: %w", path, errs.ErrInvalidTransition))
		return
	}
	if err := e.mark(ctx, path, artifacts.StatusPendingDelete); err != nil && errs.IsStoreUnavailable(err) {
		e.finish(h, StateFailed, "store unavailable", err)
		return
	}

	var (
		removeErr error
		output    string
		exitCode  int
	)
	if h.job.Kind == KindDeleteElevated {
		output, exitCode, removeErr = e.removeElevated(h)
	} else if err := e.removeAll(path); err != nil {
		removeErr = err
	}

	// verify after act: only an independent absence check counts
	present, statErr := files.Exists(path)
	if statErr == nil && !present {
		if err := e.mark(ctx, path, artifacts.StatusDeleted); err != nil && !errs.IsInconsistentState(err) {
			e.finish(h, StateFailed, "removed, but the store could not be updated", err)
			return
		}
		e.history(ctx, artifacts.HistoryEvent{
			Kind:    artifacts.HistoryDelete,
			Path:    path,
			JobID:   h.id,
			Message: fmt.Sprintf("deleted (%s, %s)", h.job.Origin, artifacts.HumanSize(current.SizeBytes)),
			Output:  artifacts.TruncateOutput(output),
		})
		h.update(func(r *Record) { r.ExitCode = exitCode; r.Output = output })
		e.finish(h, StateSucceeded, "deleted "+artifacts.HumanSize(current.SizeBytes), nil)
		return
	}

	if restoreErr := e.mark(ctx, path, artifacts.StatusActive); restoreErr != nil && errs.IsStoreUnavailable(restoreErr) {
		e.logger.Error("cannot restore artifact status", "path", path, "error", restoreErr)
	}
	if removeErr == nil {
		removeErr = statErr
	}
	if removeErr == nil {
		removeErr = errs.NewIOError("remove", path, errors.New("path still exists after removal"))
	}
	removeErr = classifyRemoveErr(path, removeErr)

	h.update(func(r *Record) { r.ExitCode = exitCode; r.Output = output })
	state := StateFailed
	if h.wasCancelled() {
		state = StateCancelled
	}
	e.history(ctx, artifacts.HistoryEvent{
		Kind:    artifacts.HistoryDelete,
		Path:    path,
		JobID:   h.id,
		Message: "delete failed: " + removeErr.Error(),
		Output:  artifacts.TruncateOutput(output),
	})
	e.finish(h, state, "delete failed", removeErr)
}

func classifyRemoveErr(path string, err error) error {
	if errs.IsPrivilege(err) {
		return err
	}
	if errors.Is(err, fs.ErrPermission) {
		return errs.NewPrivilegeError(path, err)
	}
	var ioErr *errs.IOError
	var subErr *errs.SubprocessError
	if errors.As(err, &ioErr) || errors.As(err, &subErr) {
		return err
	}
	return errs.NewIOError("remove", path, err)
}

var credentialRejected = []string{
	"incorrect password",
	"sorry, try again",
	"authentication failure",
	"a password is required",
	"not in the sudoers",
}

// removeElevated runs the elevation helper without a terminal, feeding the
// credential on stdin. Its output is logged at debug level only.
func (e *Executor) removeElevated(h *Handle) (string, int, error) {
	stdin := append(append([]byte(nil), h.job.Credential...), '\n')
	defer zero(stdin)

	spec := CommandSpec{
		Name:   e.opts.ElevationCommand,
		Args:   []string{"-S", "-k", "-p", "", "rm", "-rf", "--", h.job.Path},
		Stdin:  stdin,
		Detach: true,
	}
	res, err := e.runner.Run(h.ctx, spec)
	e.logger.Debug("elevated removal finished", "id", h.id, "exit_code", res.ExitCode, "output", res.Output)
	if err != nil {
		return res.Output, res.ExitCode, errs.NewIOError("run "+e.opts.ElevationCommand, h.job.Path, err)
	}
	if res.ExitCode == 0 {
		return res.Output, 0, nil
	}
	lower := strings.ToLower(res.Output)
	for _, marker := range credentialRejected {
		if strings.Contains(lower, marker) {
			return res.Output, res.ExitCode, errs.NewPrivilegeError(h.job.Path, errors.New("credential rejected"))
		}
	}
	return res.Output, res.ExitCode, &errs.SubprocessError{
		Command:  spec.String(),
		ExitCode: res.ExitCode,
		Output:   artifacts.TruncateOutput(res.Output),
	}
}

func (e *Executor) runRebuild(h *Handle) {
	root := h.job.ProjectRoot
	ctx := storeCtx(h)

	command, ok := e.opts.RebuildCommands[h.job.BuildSystem]
	if !ok || command == "" {
		e.finish(h, StateFailed, "no rebuild command", fmt.Errorf("no rebuild command configured for build system %q", h.job.BuildSystem))
		return
	}

	runCtx, cancel := context.WithTimeout(h.ctx, e.opts.RebuildTimeout)
	defer cancel()
	spec := CommandSpec{Name: "/bin/sh", Args: []string{"-c", command}, Dir: root, Detach: true}
	res, err := e.runner.Run(runCtx, spec)
	h.update(func(r *Record) { r.ExitCode = res.ExitCode; r.Output = res.Output })

	state, msg := StateSucceeded, "rebuild succeeded"
	var jobErr error
	switch {
	case h.wasCancelled():
		state, msg, jobErr = StateCancelled, "rebuild cancelled", context.Canceled
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		state, msg = StateFailed, "rebuild timed out after "+e.opts.RebuildTimeout.String()
		jobErr = &errs.SubprocessError{Command: command, ExitCode: res.ExitCode, Output: res.Output, Err: context.DeadlineExceeded}
	case err != nil:
		state, msg = StateFailed, "rebuild could not start"
		jobErr = &errs.SubprocessError{Command: command, ExitCode: res.ExitCode, Err: err}
	case res.ExitCode != 0:
		state, msg = StateFailed, fmt.Sprintf("rebuild exited with %d", res.ExitCode)
		jobErr = &errs.SubprocessError{Command: command, ExitCode: res.ExitCode, Output: artifacts.TruncateOutput(res.Output)}
	}

	e.history(ctx, artifacts.HistoryEvent{
		Kind:    artifacts.HistoryRebuild,
		Path:    root,
		JobID:   h.id,
		Message: msg,
		Output:  artifacts.TruncateOutput(res.Output),
	})
	e.finish(h, state, msg, jobErr)
}

func (e *Executor) mark(ctx context.Context, path string, status artifacts.Status) error {
	err := e.store.MarkStatus(ctx, path, status, e.clock.Tick())
	if err != nil {
		if errs.IsInconsistentState(err) {
			e.logger.Debug("status write superseded", "path", path, "status", status, "error", err)
		} else {
			e.logger.Error("status write failed", "path", path, "status", status, "error", err)
		}
	}
	return err
}

func (e *Executor) history(ctx context.Context, ev artifacts.HistoryEvent) {
	ev.Time = time.Now().UTC()
	if err := e.store.AppendHistory(ctx, ev); err != nil {
		e.logger.Error("failed to append history", "kind", ev.Kind, "path", ev.Path, "error", err)
	}
}

// RecoverPending settles PendingDelete records left behind by an interrupted
// process: absent paths become Deleted, present ones Active again.
func (e *Executor) RecoverPending(ctx context.Context) (int, error) {
	list, err := e.store.ListArtifacts(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, a := range list {
		if a.Status != artifacts.StatusPendingDelete || e.hasLiveDelete(a.Path) {
			continue
		}
		present, err := files.Exists(a.Path)
		if err != nil {
			e.logger.Warn("cannot check pending artifact", "path", a.Path, "error", err)
			continue
		}
		status := artifacts.StatusActive
		if !present {
			status = artifacts.StatusDeleted
		}
		if err := e.mark(ctx, a.Path, status); err != nil {
			if errs.IsStoreUnavailable(err) {
				return recovered, err
			}
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (e *Executor) hasLiveDelete(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range e.handles {
		if h.job.Kind.IsDelete() && h.job.Path == path && !h.State().Terminal() {
			return true
		}
	}
	return false
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
