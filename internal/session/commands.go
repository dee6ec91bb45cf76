package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	"github.com/ratifact-dev/ratifact/internal/config"
	"github.com/ratifact-dev/ratifact/internal/jobs"
	"github.com/ratifact-dev/ratifact/internal/safety"
	errs "github.com/ratifact-dev/ratifact/pkg/shared/errors"
)

// ErrNothingToDelete is returned by RequestClearAll when no artifact is active.
var ErrNothingToDelete = errors.New("no active artifacts to delete")

// storeFailure halts the session when err is a store outage.
func (c *Controller) storeFailure(err error) error {
	if errs.IsStoreUnavailable(err) {
		c.mu.Lock()
		if c.fatal == nil {
			c.logger.Error("store unavailable, session halted until acknowledged", "error", err)
			c.fatal = err
		}
		c.mu.Unlock()
	}
	return err
}

// checkLocked fails every command while the session is halted. Caller holds mu.
func (c *Controller) checkLocked() error {
	if c.fatal != nil {
		return fmt.Errorf("%w: %v", errs.ErrSessionHalted, c.fatal)
	}
	return nil
}

// openLocked opens modal when no other dialog is open. Caller holds mu.
func (c *Controller) openLocked(modal Modal, pending []string) error {
	if err := c.checkLocked(); err != nil {
		return err
	}
	if c.modal != ModalNone {
		return fmt.Errorf("%w: %s", errs.ErrModalOpen, c.modal)
	}
	c.modal = modal
	c.pending = pending
	return nil
}

// closeLocked returns to ModalNone, opening a deferred credential prompt if
// a permission failure arrived while another dialog was open. Caller holds mu.
func (c *Controller) closeLocked() {
	c.modal = ModalNone
	c.pending = nil
	c.dryRun = nil
	c.proposed = artifacts.RetentionPolicy{}
	if len(c.credTargets) > 0 && c.fatal == nil {
		c.modal = ModalCredentialPrompt
		c.pending = c.credTargets
		c.credTargets = nil
	}
}

// RequestScan scans every configured root in the background. A request made
// while a scan runs is queued behind it.
func (c *Controller) RequestScan() error {
	c.mu.Lock()
	roots := append([]string(nil), c.roots...)
	c.mu.Unlock()
	if len(roots) == 0 {
		return errors.New("no scan path configured")
	}
	return c.scan(roots)
}

func (c *Controller) scan(roots []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return err
	}
	if c.mode == ModeScanInProgress {
		c.queuedScan = appendUnique(c.queuedScan, roots...)
		return nil
	}
	c.mode = ModeScanInProgress
	c.wg.Add(1)
	go c.runScans(roots)
	return nil
}

func (c *Controller) runScans(roots []string) {
	defer c.wg.Done()
	for len(roots) > 0 {
		c.mu.Lock()
		// each pass reads the exclusion list as it is when the pass starts
		excl := artifacts.NewExclusionSet(c.exclusions)
		c.mu.Unlock()

		sessions, err := c.scanner.ScanAll(c.ctx, roots, excl)
		if err != nil {
			c.logger.Error("scan failed", "roots", roots, "error", err)
			_ = c.storeFailure(err)
		}
		if rerr := c.Refresh(c.ctx); rerr != nil {
			c.logger.Warn("snapshot refresh failed", "error", rerr)
		}

		c.mu.Lock()
		c.lastScan = sessions
		roots = c.queuedScan
		c.queuedScan = nil
		if c.fatal != nil || c.ctx.Err() != nil {
			roots = nil
		}
		if len(roots) == 0 {
			c.mode = ModeIdle
		}
		c.mu.Unlock()
	}
}

// RequestDelete opens the delete confirmation for the given tracked paths.
func (c *Controller) RequestDelete(paths ...string) error {
	if len(paths) == 0 {
		return errors.New("no paths selected")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range paths {
		if !c.isActiveLocked(p) {
			return fmt.Errorf("%q is not an active artifact: %w", p, errs.ErrNotFound)
		}
	}
	modal := ModalConfirmDelete
	if len(paths) > 1 {
		modal = ModalConfirmBulkDelete
	}
	return c.openLocked(modal, append([]string(nil), paths...))
}

// RequestClearAll opens a bulk confirmation for every active artifact. It is
// only reachable when no other dialog is open.
func (c *Controller) RequestClearAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return err
	}
	if c.modal != ModalNone {
		return fmt.Errorf("%w: %s", errs.ErrModalOpen, c.modal)
	}
	var paths []string
	for _, a := range c.artifactList {
		if a.Status == artifacts.StatusActive {
			paths = append(paths, a.Path)
		}
	}
	if len(paths) == 0 {
		return ErrNothingToDelete
	}
	return c.openLocked(ModalConfirmBulkDelete, paths)
}

func (c *Controller) isActiveLocked(path string) bool {
	for _, a := range c.artifactList {
		if a.Path == path {
			return a.Status == artifacts.StatusActive
		}
	}
	return false
}

// RequestExclude opens the exclusion confirmation for path.
func (c *Controller) RequestExclude(path string) error {
	normalized, err := artifacts.NormalizeExclusion(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked(ModalConfirmExclude, []string{normalized})
}

// RequestAutoRemoval enables automatic removal behind a confirmation that
// shows what would be deleted. Disabling takes effect immediately.
func (c *Controller) RequestAutoRemoval(enabled bool) error {
	c.mu.Lock()
	policy := c.policy
	c.mu.Unlock()

	if !enabled {
		policy.AutoRemovalEnabled = false
		return c.SetRetentionPolicy(policy)
	}

	policy.AutoRemovalEnabled = true
	var dry []safety.Decision
	if c.engine != nil {
		d, err := c.engine.DryRunWith(c.ctx, policy)
		if err != nil {
			return c.storeFailure(err)
		}
		dry = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	pending := make([]string, 0, len(dry))
	for _, d := range dry {
		pending = append(pending, d.Path)
	}
	if err := c.openLocked(ModalConfirmAutoRemovalEnable, pending); err != nil {
		return err
	}
	c.proposed = policy
	c.dryRun = dry
	return nil
}

// OpenSettings opens the settings dialog.
func (c *Controller) OpenSettings() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked(ModalSettingsEdit, nil)
}

// Confirm accepts the open dialog. Delete confirmations submit one job per
// path and close the dialog at once; the artifact list changes only when
// each job reports its verified outcome.
func (c *Controller) Confirm() ([]*jobs.Handle, error) {
	c.mu.Lock()
	if err := c.checkLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	modal, pending, proposed := c.modal, c.pending, c.proposed
	switch modal {
	case ModalConfirmDelete, ModalConfirmBulkDelete, ModalConfirmAutoRemovalEnable, ModalConfirmExclude, ModalSettingsEdit:
		c.closeLocked()
	default:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: nothing to confirm in %s", errs.ErrInvalidTransition, modal)
	}
	c.mu.Unlock()

	switch modal {
	case ModalConfirmDelete, ModalConfirmBulkDelete:
		return c.submitDeletes(pending, nil)
	case ModalConfirmAutoRemovalEnable:
		return nil, c.SetRetentionPolicy(proposed)
	case ModalConfirmExclude:
		return nil, c.SetExclusion(pending[0], true)
	}
	return nil, nil
}

// Cancel closes the open dialog without acting.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.modal == ModalCredentialPrompt {
		c.credTargets = nil
	}
	c.closeLocked()
}

// SubmitCredential retries the paths that failed for lack of privilege with
// elevated deletion. The credential is handed to the jobs and wiped here.
func (c *Controller) SubmitCredential(credential []byte) ([]*jobs.Handle, error) {
	defer wipe(credential)
	c.mu.Lock()
	if err := c.checkLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.modal != ModalCredentialPrompt {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: no credential requested", errs.ErrInvalidTransition)
	}
	pending := c.pending
	c.closeLocked()
	c.mu.Unlock()
	if len(credential) == 0 {
		return nil, errs.NewPrivilegeError("", errors.New("empty credential"))
	}
	return c.submitDeletes(pending, credential)
}

func (c *Controller) submitDeletes(paths []string, credential []byte) ([]*jobs.Handle, error) {
	kind := jobs.KindDelete
	if credential != nil {
		kind = jobs.KindDeleteElevated
	}
	handles := make([]*jobs.Handle, 0, len(paths))
	var failed []error
	for _, p := range paths {
		h, err := c.jobs.Submit(jobs.Job{Kind: kind, Path: p, Origin: jobs.OriginOperator, Credential: credential})
		if err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", p, err))
			continue
		}
		handles = append(handles, h)
	}
	return handles, errors.Join(failed...)
}

// RequestRebuild runs the build command of the project rooted at root.
func (c *Controller) RequestRebuild(root string) (*jobs.Handle, error) {
	c.mu.Lock()
	err := c.checkLocked()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	projects, err := c.store.ListProjects(c.ctx)
	if err != nil {
		return nil, c.storeFailure(err)
	}
	for _, p := range projects {
		if p.Root == root {
			return c.jobs.Submit(jobs.Job{
				Kind:        jobs.KindRebuild,
				ProjectRoot: p.Root,
				BuildSystem: p.BuildSystem,
				Origin:      jobs.OriginOperator,
			})
		}
	}
	return nil, fmt.Errorf("project %q: %w", root, errs.ErrNotFound)
}

// SetExclusion adds or removes an exclusion. Adding one cancels unfinished
// automatic deletions it covers and rescans so tracked artifacts become
// Excluded; removing one rescans the path so they become Active again.
func (c *Controller) SetExclusion(path string, excluded bool) error {
	c.mu.Lock()
	err := c.checkLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}
	ctx := context.WithoutCancel(c.ctx)
	entry, err := c.engine.SetExclusion(ctx, path, excluded)
	if err != nil {
		return c.storeFailure(err)
	}
	if err := c.Refresh(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	roots := artifacts.RescanTargets(entry, excluded, c.roots)
	c.mu.Unlock()
	if len(roots) == 0 {
		return nil
	}
	return c.scan(roots)
}

// SetRetentionPolicy validates and stores p, then writes it to the configuration.
func (c *Controller) SetRetentionPolicy(p artifacts.RetentionPolicy) error {
	c.mu.Lock()
	err := c.checkLocked()
	roots := append([]string(nil), c.roots...)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	ctx := context.WithoutCancel(c.ctx)
	if err := c.store.SaveRetentionPolicy(ctx, p); err != nil {
		return c.storeFailure(err)
	}
	c.appendHistory(ctx, artifacts.HistoryPolicy, "", fmt.Sprintf("retention %d days, automatic removal %t", p.RetentionDays, p.AutoRemovalEnabled))

	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
	c.persistSettings(p, roots)
	return nil
}

// SetScanPath replaces the scan roots with path and starts a scan.
func (c *Controller) SetScanPath(path string) error {
	normalized, err := config.ValidateScanPath(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if err := c.checkLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.roots = []string{normalized}
	policy := c.policy
	c.mu.Unlock()

	c.persistSettings(policy, []string{normalized})
	return c.scan([]string{normalized})
}

func (c *Controller) persistSettings(p artifacts.RetentionPolicy, roots []string) {
	if c.persist == nil {
		return
	}
	if err := c.persist(p, roots); err != nil {
		c.logger.Warn("cannot write settings to the configuration file", "error", err)
	}
}

// AcknowledgeFatal clears a store failure and reloads the snapshot. If the
// store is still unreachable the session halts again.
func (c *Controller) AcknowledgeFatal() error {
	c.mu.Lock()
	c.fatal = nil
	c.mu.Unlock()
	return c.Refresh(c.ctx)
}

// onJobComplete applies a finished job to the interactive state.
func (c *Controller) onJobComplete(rec jobs.Record) {
	if rec.Err != nil && errs.IsStoreUnavailable(rec.Err) {
		_ = c.storeFailure(rec.Err)
	}
	if rec.Kind == jobs.KindDelete && rec.Origin == jobs.OriginOperator &&
		rec.State == jobs.StateFailed && errs.IsPrivilege(rec.Err) {
		c.mu.Lock()
		if c.modal == ModalNone && c.fatal == nil {
			c.modal = ModalCredentialPrompt
			c.pending = appendUnique(c.pending, rec.Target)
		} else if c.modal == ModalCredentialPrompt {
			c.pending = appendUnique(c.pending, rec.Target)
		} else {
			c.credTargets = appendUnique(c.credTargets, rec.Target)
		}
		c.mu.Unlock()
	}
	c.refreshAsync()
}

func (c *Controller) appendHistory(ctx context.Context, kind artifacts.HistoryKind, path, msg string) {
	ev := artifacts.HistoryEvent{Kind: kind, Path: path, Message: msg, Time: time.Now().UTC()}
	if err := c.store.AppendHistory(ctx, ev); err != nil {
		c.logger.Warn("failed to append history", "kind", kind, "error", err)
		_ = c.storeFailure(err)
	}
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, existing := range list {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			list = append(list, v)
		}
	}
	return list
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
