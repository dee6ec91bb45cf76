package runtime

import (
	"context"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
)

// SetExclusion adds or removes an exclusion and rescans what it affects, so
// that tracked records move to Excluded or back to Active before it returns.
// Adding an exclusion cancels unfinished automatic deletions it covers.
func (r *Runtime) SetExclusion(ctx context.Context, raw string, excluded bool) (artifacts.ExclusionEntry, []artifacts.ScanSession, error) {
	entry, err := r.Engine.SetExclusion(ctx, raw, excluded)
	if err != nil {
		return entry, nil, err
	}
	targets := artifacts.RescanTargets(entry, excluded, r.Roots())
	if len(targets) == 0 {
		return entry, nil, nil
	}
	sessions, err := r.Scan(ctx, targets)
	return entry, sessions, err
}
