package safety

import (
	"context"
	"fmt"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	"github.com/ratifact-dev/ratifact/internal/jobs"
)

// SetExclusion adds or removes an exclusion entry and records it in history.
// An exclusion wins over automatic removal: adding one cancels every
// unfinished automatic delete it covers. Operator deletes are left alone.
// The caller rescans what the change affects.
func (e *Engine) SetExclusion(ctx context.Context, raw string, excluded bool) (artifacts.ExclusionEntry, error) {
	normalized, err := artifacts.NormalizeExclusion(raw)
	if err != nil {
		return artifacts.ExclusionEntry{}, err
	}
	entry := artifacts.ExclusionEntry{Path: normalized, CreatedAt: e.now().UTC()}
	ev := artifacts.HistoryEvent{Path: normalized, Time: entry.CreatedAt}

	if excluded {
		if err := e.store.AddExclusion(ctx, entry); err != nil {
			return entry, err
		}
		n := e.cancelAutoRemovals(entry)
		ev.Kind = artifacts.HistoryExclude
		ev.Message = fmt.Sprintf("excluded, %d pending automatic removals cancelled", n)
	} else {
		if err := e.store.RemoveExclusion(ctx, normalized); err != nil {
			return entry, err
		}
		ev.Kind = artifacts.HistoryInclude
		ev.Message = "exclusion removed"
	}
	if err := e.store.AppendHistory(ctx, ev); err != nil {
		e.logger.Warn("failed to append history", "kind", ev.Kind, "error", err)
	}
	e.logger.Info("exclusion updated", "path", normalized, "excluded", excluded)
	return entry, nil
}

func (e *Engine) cancelAutoRemovals(entry artifacts.ExclusionEntry) int {
	if e.submitter == nil {
		return 0
	}
	n := e.submitter.CancelWhere(func(j jobs.Job) bool {
		return j.Kind.IsDelete() && j.Origin == jobs.OriginAutoRemoval && entry.Matches(j.Path)
	})
	if n > 0 {
		e.logger.Info("cancelled automatic removals covered by a new exclusion", "path", entry.Path, "count", n)
	}
	return n
}
