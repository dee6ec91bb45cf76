package store

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	"github.com/ratifact-dev/ratifact/internal/config"
	errs "github.com/ratifact-dev/ratifact/pkg/shared/errors"
)

// Store is the durable record of what was last believed to be on disk.
//
// Artifact writes are conditional on logical time: a write whose stamp is not
// newer than the stamp already recorded for the path is rejected with
// *errors.InconsistentStateError and leaves the record untouched.
type Store interface {
	// UpsertArtifact inserts a or replaces the record for a.Path. FirstSeen of an
	// existing record is preserved.
	UpsertArtifact(ctx context.Context, a artifacts.Artifact, stamp int64) error
	// MarkStatus changes only the status of an existing record.
	MarkStatus(ctx context.Context, path string, status artifacts.Status, stamp int64) error
	// GetArtifact always reads the backing storage, never a cache.
	GetArtifact(ctx context.Context, path string) (artifacts.Artifact, error)
	ListArtifacts(ctx context.Context) ([]artifacts.Artifact, error)
	ListActive(ctx context.Context) ([]artifacts.Artifact, error)
	// ListUnder returns records whose path equals root or lies below it.
	ListUnder(ctx context.Context, root string) ([]artifacts.Artifact, error)

	UpsertProject(ctx context.Context, p artifacts.Project) error
	ListProjects(ctx context.Context) ([]artifacts.Project, error)
	DeleteProject(ctx context.Context, root string) error

	AddExclusion(ctx context.Context, e artifacts.ExclusionEntry) error
	RemoveExclusion(ctx context.Context, path string) error
	ListExclusions(ctx context.Context) ([]artifacts.ExclusionEntry, error)

	AppendHistory(ctx context.Context, ev artifacts.HistoryEvent) error
	// ListHistory returns up to limit events, newest first. A limit <= 0 returns all.
	ListHistory(ctx context.Context, limit int) ([]artifacts.HistoryEvent, error)

	LoadRetentionPolicy(ctx context.Context) (artifacts.RetentionPolicy, error)
	SaveRetentionPolicy(ctx context.Context, p artifacts.RetentionPolicy) error

	// MaxLogicalTime returns the highest stamp recorded, used to seed the clock.
	MaxLogicalTime(ctx context.Context) (int64, error)
	Close() error
}

// Open returns the backend selected by cfg.
func Open(ctx context.Context, cfg config.Store, logger hclog.Logger) (Store, error) {
	switch cfg.Driver {
	case config.DriverFile, "":
		return NewFileStore(cfg.Path, logger)
	case config.DriverPostgres:
		return NewPostgresStore(ctx, cfg.DSN, cfg.CacheSize, logger)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// checkStamp rejects a write that is not newer than the current record.
func checkStamp(path string, stamp, current int64) error {
	if stamp <= current {
		return &errs.InconsistentStateError{Path: path, Stamp: stamp, Current: current}
	}
	return nil
}

func notFound(kind, key string) error {
	return fmt.Errorf("%s %q: %w", kind, key, errs.ErrNotFound)
}
