package safety

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	"github.com/ratifact-dev/ratifact/internal/classifier"
	"github.com/ratifact-dev/ratifact/internal/jobs"
	"github.com/ratifact-dev/ratifact/internal/store"
	errs "github.com/ratifact-dev/ratifact/pkg/shared/errors"
	"github.com/ratifact-dev/ratifact/pkg/shared/files"
)

// Submitter accepts delete jobs and cancels the ones an exclusion covers.
type Submitter interface {
	Submit(job jobs.Job) (*jobs.Handle, error)
	CancelWhere(fn func(jobs.Job) bool) int
}

// Decision is the outcome of the three independent checks plus the exclusion check.
type Decision struct {
	Path string
	// Tracked: the store holds an Active record for the path.
	Tracked bool
	// Pattern: the path is a known build-output directory of its project.
	Pattern bool
	// Aged: nothing in the tree changed within the retention period, measured now.
	Aged     bool
	Excluded bool
	Age      time.Duration
	Language string
	Size     int64
	Reasons  []string
}

// Eligible reports whether every check passed.
func (d Decision) Eligible() bool {
	return d.Tracked && d.Pattern && d.Aged && !d.Excluded
}

// Reason joins the failed checks.
func (d Decision) Reason() string {
	if len(d.Reasons) == 0 {
		return "eligible"
	}
	return strings.Join(d.Reasons, "; ")
}

// CycleReport summarizes one automatic removal pass.
type CycleReport struct {
	Enabled   bool
	Evaluated int
	Submitted []*jobs.Handle
	Skipped   int
}

// Engine decides which artifacts may be removed automatically.
type Engine struct {
	store      store.Store
	classifier *classifier.Classifier
	submitter  Submitter
	logger     hclog.Logger
	now        func() time.Time
}

// NewEngine creates an engine. submitter may be nil when only dry runs are needed.
func NewEngine(st store.Store, cls *classifier.Classifier, submitter Submitter, logger hclog.Logger) *Engine {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Engine{
		store:      st,
		classifier: cls,
		submitter:  submitter,
		logger:     logger.Named("safety"),
		now:        time.Now,
	}
}

// Policy loads the stored retention policy and validates it. An invalid
// stored policy is reported and treated as disabled.
func (e *Engine) Policy(ctx context.Context) (artifacts.RetentionPolicy, error) {
	p, err := e.store.LoadRetentionPolicy(ctx)
	if err != nil {
		return artifacts.RetentionPolicy{}, err
	}
	if err := p.Validate(); err != nil {
		e.logger.Error("stored retention policy is invalid, automatic removal disabled", "error", err)
		return p, err
	}
	return p, nil
}

// Evaluate runs every check against fresh state: a store read, the directory
// on disk and the current exclusion list.
func (e *Engine) Evaluate(ctx context.Context, path string) (Decision, error) {
	policy, err := e.Policy(ctx)
	if err != nil {
		return Decision{Path: path}, err
	}
	excl, err := e.store.ListExclusions(ctx)
	if err != nil {
		return Decision{Path: path}, err
	}
	return e.evaluate(ctx, path, policy, artifacts.NewExclusionSet(excl))
}

func (e *Engine) evaluate(ctx context.Context, path string, policy artifacts.RetentionPolicy, excl artifacts.ExclusionSet) (Decision, error) {
	d := Decision{Path: path}
	fail := func(format string, args ...interface{}) {
		d.Reasons = append(d.Reasons, fmt.Sprintf(format, args...))
	}

	record, err := e.store.GetArtifact(ctx, path)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		fail("not tracked")
	case err != nil:
		return d, err
	case record.Status != artifacts.StatusActive:
		fail("status is %s", record.Status)
	default:
		d.Tracked = true
		d.Language = record.Language
		d.Size = record.SizeBytes
	}

	if m, ok := e.matchPattern(path); !ok {
		fail("not a build-output directory")
	} else if d.Tracked && (m.Language != record.Language || filepath.Dir(path) != record.ProjectRoot) {
		fail("build-output pattern does not belong to the recorded project")
	} else {
		d.Pattern = true
	}

	stats, err := files.CollectDirStats(path)
	switch {
	case err != nil:
		fail("cannot inspect: %v", err)
	case len(stats.Unreadable) > 0:
		fail("%d entries unreadable", len(stats.Unreadable))
	default:
		d.Age = e.now().Sub(stats.LastModified)
		if d.Age >= policy.Threshold() {
			d.Aged = true
		} else {
			fail("modified %s ago, retention is %d days", d.Age.Round(time.Second), policy.RetentionDays)
		}
	}

	if entry, ok := excl.Match(path); ok {
		d.Excluded = true
		fail("excluded by %s", entry.Path)
	}
	return d, nil
}

// matchPattern classifies path as it is on disk now.
func (e *Engine) matchPattern(path string) (classifier.Match, bool) {
	info, err := os.Lstat(path)
	if err != nil || !info.IsDir() {
		return classifier.Match{}, false
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		return classifier.Match{}, false
	}
	siblings := make([]string, 0, len(entries))
	for _, en := range entries {
		siblings = append(siblings, en.Name())
	}
	return e.classifier.Classify(classifier.Entry{
		Path:     path,
		Name:     filepath.Base(path),
		IsDir:    true,
		Siblings: siblings,
	})
}

// IsEligible reports whether path may be removed automatically right now.
// It is false whenever automatic removal is disabled.
func (e *Engine) IsEligible(ctx context.Context, path string) (bool, error) {
	policy, err := e.Policy(ctx)
	if err != nil || !policy.AutoRemovalEnabled {
		return false, err
	}
	d, err := e.Evaluate(ctx, path)
	if err != nil {
		return false, err
	}
	return d.Eligible(), nil
}

// DryRun lists the artifacts an automatic pass would remove, regardless of
// whether automatic removal is enabled.
func (e *Engine) DryRun(ctx context.Context) ([]Decision, error) {
	return e.DryRunWith(ctx, artifacts.RetentionPolicy{})
}

// DryRunWith is DryRun under a proposed retention period. A zero policy uses
// the stored one.
func (e *Engine) DryRunWith(ctx context.Context, proposed artifacts.RetentionPolicy) ([]Decision, error) {
	policy := proposed
	if policy.RetentionDays == 0 {
		var err error
		if policy, err = e.Policy(ctx); err != nil {
			return nil, err
		}
	} else if err := policy.Validate(); err != nil {
		return nil, err
	}
	decisions, err := e.evaluateActive(ctx, policy)
	if err != nil {
		return nil, err
	}
	out := make([]Decision, 0, len(decisions))
	for _, d := range decisions {
		if d.Eligible() {
			out = append(out, d)
		}
	}
	return out, nil
}

func (e *Engine) evaluateActive(ctx context.Context, policy artifacts.RetentionPolicy) ([]Decision, error) {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	list, err := e.store.ListExclusions(ctx)
	if err != nil {
		return nil, err
	}
	excl := artifacts.NewExclusionSet(list)

	out := make([]Decision, 0, len(active))
	for _, a := range active {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		d, err := e.evaluate(ctx, a.Path, policy, excl)
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
	return out, nil
}

// RunCycle submits one delete job per eligible artifact. Each job re-runs the
// full evaluation immediately before it deletes anything.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	policy, err := e.Policy(ctx)
	if err != nil {
		return report, err
	}
	if !policy.AutoRemovalEnabled {
		return report, nil
	}
	report.Enabled = true
	if e.submitter == nil {
		return report, errors.New("automatic removal requires a job executor")
	}

	decisions, err := e.evaluateActive(ctx, policy)
	if err != nil {
		return report, err
	}
	for _, d := range decisions {
		report.Evaluated++
		if !d.Eligible() {
			report.Skipped++
			e.logger.Trace("not eligible", "path", d.Path, "reason", d.Reason())
			continue
		}
		path := d.Path
		h, err := e.submitter.Submit(jobs.Job{
			Kind:   jobs.KindDelete,
			Path:   path,
			Origin: jobs.OriginAutoRemoval,
			Guard:  e.guard(path),
		})
		if err != nil {
			// one failed submission must not block the rest
			e.logger.Error("cannot submit automatic removal", "path", path, "error", err)
			report.Skipped++
			continue
		}
		report.Submitted = append(report.Submitted, h)
	}
	e.logger.Info("automatic removal cycle", "evaluated", report.Evaluated, "submitted", len(report.Submitted), "skipped", report.Skipped)
	return report, nil
}

// guard re-checks the policy toggle and every condition at execution time.
func (e *Engine) guard(path string) func(context.Context) error {
	return func(ctx context.Context) error {
		policy, err := e.Policy(ctx)
		if err != nil {
			return err
		}
		if !policy.AutoRemovalEnabled {
			return errors.New("automatic removal was disabled")
		}
		d, err := e.Evaluate(ctx, path)
		if err != nil {
			return err
		}
		if !d.Eligible() {
			return errors.New(d.Reason())
		}
		return nil
	}
}

// Start runs a cycle every interval until ctx is cancelled.
func (e *Engine) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("automatic removal cycle failed", "error", err)
			}
		}
	}
}
