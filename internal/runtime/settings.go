package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
)

// SetRetentionPolicy validates and stores p, records it in history and writes
// it back to the configuration file.
func (r *Runtime) SetRetentionPolicy(ctx context.Context, p artifacts.RetentionPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()
	if err := r.Store.SaveRetentionPolicy(ctx, p); err != nil {
		return err
	}
	ev := artifacts.HistoryEvent{
		Kind:    artifacts.HistoryPolicy,
		Message: fmt.Sprintf("retention %d days, automatic removal %t", p.RetentionDays, p.AutoRemovalEnabled),
		Time:    p.UpdatedAt,
	}
	if err := r.Store.AppendHistory(ctx, ev); err != nil {
		r.Logger.Warn("failed to append history", "kind", ev.Kind, "error", err)
	}
	return r.Persist(p, nil)
}
