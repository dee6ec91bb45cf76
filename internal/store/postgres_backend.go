package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	errs "github.com/ratifact-dev/ratifact/pkg/shared/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
  root TEXT PRIMARY KEY,
  language TEXT NOT NULL DEFAULT '',
  build_system TEXT NOT NULL DEFAULT '',
  branch TEXT NOT NULL DEFAULT '',
  commit_hash TEXT NOT NULL DEFAULT '',
  remote TEXT NOT NULL DEFAULT '',
  last_scanned TIMESTAMP WITH TIME ZONE
);
ALTER TABLE projects ADD COLUMN IF NOT EXISTS remote TEXT NOT NULL DEFAULT '';

CREATE TABLE IF NOT EXISTS artifacts (
  path TEXT PRIMARY KEY,
  project_root TEXT NOT NULL,
  language TEXT NOT NULL DEFAULT '',
  size_bytes BIGINT NOT NULL DEFAULT 0,
  last_modified TIMESTAMP WITH TIME ZONE NOT NULL,
  first_seen TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
  status TEXT NOT NULL,
  logical_time BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artifacts_status ON artifacts (status);
CREATE INDEX IF NOT EXISTS idx_artifacts_project_root ON artifacts (project_root);

CREATE TABLE IF NOT EXISTS exclusions (
  path TEXT PRIMARY KEY,
  created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS scan_history (
  id BIGSERIAL PRIMARY KEY,
  kind TEXT NOT NULL,
  path TEXT NOT NULL DEFAULT '',
  job_id TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  output TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_scan_history_created_at ON scan_history (created_at);

CREATE TABLE IF NOT EXISTS retention_policy (
  id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
  retention_days INTEGER NOT NULL,
  auto_removal_enabled BOOLEAN NOT NULL DEFAULT FALSE,
  updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
`

const artifactColumns = `path, project_root, language, size_bytes, last_modified, first_seen, status, logical_time`

// PostgresStore is the relational backend. Artifact lists per root are cached
// and every hit is checked against the row count and stamp sum held by the
// database, so writes from other processes are seen on the next read.
type PostgresStore struct {
	db     *sql.DB
	logger hclog.Logger

	schemaOnce sync.Once
	schemaErr  error

	underCache *lru.Cache[string, underEntry]
}

// underFingerprint summarizes the rows below a root. Every write raises a
// row's logical time and rows are never removed, so any change moves it.
type underFingerprint struct {
	count    int64
	stampSum int64
}

func fingerprintOf(list []artifacts.Artifact) underFingerprint {
	fp := underFingerprint{count: int64(len(list))}
	for _, a := range list {
		fp.stampSum += a.LogicalTime
	}
	return fp
}

type underEntry struct {
	fp   underFingerprint
	list []artifacts.Artifact
}

// NewPostgresStore opens and pings dsn through the pgx stdlib driver.
func NewPostgresStore(ctx context.Context, dsn string, cacheSize int, logger hclog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, classify("open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classify("ping", err)
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, underEntry](cacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &PostgresStore{
		db:         db,
		logger:     logger.Named("postgres-store"),
		underCache: cache,
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	s.schemaOnce.Do(func() {
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			s.schemaErr = classify("ensure schema", err)
		}
	})
	return s.schemaErr
}

// classify turns connectivity failures into StoreUnavailableError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var connectErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connectErr),
		errors.As(err, &netErr),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		pgconn.Timeout(err):
		return &errs.StoreUnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (artifacts.Artifact, error) {
	var (
		a      artifacts.Artifact
		status string
	)
	if err := row.Scan(&a.Path, &a.ProjectRoot, &a.Language, &a.SizeBytes, &a.LastModified, &a.FirstSeen, &status, &a.LogicalTime); err != nil {
		return artifacts.Artifact{}, err
	}
	st, err := artifacts.ParseStatus(status)
	if err != nil {
		return artifacts.Artifact{}, err
	}
	a.Status = st
	return a, nil
}

func (s *PostgresStore) currentStamp(ctx context.Context, path string) (int64, error) {
	var current int64
	err := s.db.QueryRowContext(ctx, `SELECT logical_time FROM artifacts WHERE path = $1`, path).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, notFound("artifact", path)
	}
	if err != nil {
		return 0, classify("read stamp", err)
	}
	return current, nil
}

func (s *PostgresStore) UpsertArtifact(ctx context.Context, a artifacts.Artifact, stamp int64) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if a.FirstSeen.IsZero() {
		a.FirstSeen = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO artifacts (`+artifactColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (path)
DO UPDATE SET project_root=EXCLUDED.project_root,
  language=EXCLUDED.language,
  size_bytes=EXCLUDED.size_bytes,
  last_modified=EXCLUDED.last_modified,
  status=EXCLUDED.status,
  logical_time=EXCLUDED.logical_time
WHERE artifacts.logical_time < EXCLUDED.logical_time`,
		a.Path, a.ProjectRoot, a.Language, a.SizeBytes, a.LastModified.UTC(), a.FirstSeen.UTC(), string(a.Status), stamp)
	if err != nil {
		return classify("upsert artifact", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		current, err := s.currentStamp(ctx, a.Path)
		if err != nil {
			return err
		}
		return checkStamp(a.Path, stamp, current)
	}
	return nil
}

func (s *PostgresStore) MarkStatus(ctx context.Context, path string, status artifacts.Status, stamp int64) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE artifacts SET status=$2, logical_time=$3
WHERE path=$1 AND logical_time < $3`, path, string(status), stamp)
	if err != nil {
		return classify("mark status", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		current, err := s.currentStamp(ctx, path)
		if err != nil {
			return err
		}
		return checkStamp(path, stamp, current)
	}
	return nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, path string) (artifacts.Artifact, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return artifacts.Artifact{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE path = $1`, path)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return artifacts.Artifact{}, notFound("artifact", path)
	}
	if err != nil {
		return artifacts.Artifact{}, classify("get artifact", err)
	}
	return a, nil
}

func (s *PostgresStore) queryArtifacts(ctx context.Context, op, query string, args ...any) ([]artifacts.Artifact, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()
	out := make([]artifacts.Artifact, 0, 64)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			s.logger.Warn("skipping unreadable artifact row", "error", err)
			continue
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (s *PostgresStore) ListArtifacts(ctx context.Context) ([]artifacts.Artifact, error) {
	return s.queryArtifacts(ctx, "list artifacts", `SELECT `+artifactColumns+` FROM artifacts ORDER BY path`)
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]artifacts.Artifact, error) {
	return s.queryArtifacts(ctx, "list active", `SELECT `+artifactColumns+` FROM artifacts WHERE status = $1 ORDER BY path`, string(artifacts.StatusActive))
}

const underClause = `WHERE path = $1 OR left(path, length($2)) = $2`

func (s *PostgresStore) ListUnder(ctx context.Context, root string) ([]artifacts.Artifact, error) {
	prefix := strings.TrimRight(root, "/") + "/"
	if cached, ok := s.underCache.Get(root); ok {
		if err := s.ensureSchema(ctx); err != nil {
			return nil, err
		}
		var fp underFingerprint
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(logical_time), 0) FROM artifacts `+underClause, root, prefix).
			Scan(&fp.count, &fp.stampSum)
		if err != nil {
			return nil, classify("list under", err)
		}
		if fp == cached.fp {
			return append([]artifacts.Artifact(nil), cached.list...), nil
		}
		s.logger.Trace("cached list is stale", "root", root)
	}
	list, err := s.queryArtifacts(ctx, "list under", `SELECT `+artifactColumns+` FROM artifacts `+underClause+` ORDER BY path`, root, prefix)
	if err != nil {
		return nil, err
	}
	s.underCache.Add(root, underEntry{fp: fingerprintOf(list), list: list})
	return append([]artifacts.Artifact(nil), list...), nil
}

func (s *PostgresStore) UpsertProject(ctx context.Context, p artifacts.Project) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	var lastScanned any
	if !p.LastScanned.IsZero() {
		lastScanned = p.LastScanned.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO projects (root, language, build_system, branch, commit_hash, remote, last_scanned)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (root)
DO UPDATE SET language=EXCLUDED.language,
  build_system=EXCLUDED.build_system,
  branch=EXCLUDED.branch,
  commit_hash=EXCLUDED.commit_hash,
  remote=EXCLUDED.remote,
  last_scanned=EXCLUDED.last_scanned`,
		p.Root, p.Language, p.BuildSystem, p.Branch, p.Commit, p.Remote, lastScanned)
	return classify("upsert project", err)
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]artifacts.Project, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT root, language, build_system, branch, commit_hash, remote, last_scanned FROM projects ORDER BY root`)
	if err != nil {
		return nil, classify("list projects", err)
	}
	defer rows.Close()
	var out []artifacts.Project
	for rows.Next() {
		var (
			p           artifacts.Project
			lastScanned sql.NullTime
		)
		if err := rows.Scan(&p.Root, &p.Language, &p.BuildSystem, &p.Branch, &p.Commit, &p.Remote, &lastScanned); err != nil {
			continue
		}
		if lastScanned.Valid {
			p.LastScanned = lastScanned.Time
		}
		out = append(out, p)
	}
	return out, classify("list projects", rows.Err())
}

func (s *PostgresStore) DeleteProject(ctx context.Context, root string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE root = $1`, root)
	return classify("delete project", err)
}

func (s *PostgresStore) AddExclusion(ctx context.Context, e artifacts.ExclusionEntry) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO exclusions (path, created_at) VALUES ($1,$2) ON CONFLICT (path) DO NOTHING`, e.Path, e.CreatedAt.UTC())
	return classify("add exclusion", err)
}

func (s *PostgresStore) RemoveExclusion(ctx context.Context, path string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM exclusions WHERE path = $1`, path)
	if err != nil {
		return classify("remove exclusion", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound("exclusion", path)
	}
	return nil
}

func (s *PostgresStore) ListExclusions(ctx context.Context) ([]artifacts.ExclusionEntry, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT path, created_at FROM exclusions ORDER BY path`)
	if err != nil {
		return nil, classify("list exclusions", err)
	}
	defer rows.Close()
	var out []artifacts.ExclusionEntry
	for rows.Next() {
		var e artifacts.ExclusionEntry
		if err := rows.Scan(&e.Path, &e.CreatedAt); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, classify("list exclusions", rows.Err())
}

func (s *PostgresStore) AppendHistory(ctx context.Context, ev artifacts.HistoryEvent) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scan_history (kind, path, job_id, message, output, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`,
		string(ev.Kind), ev.Path, ev.JobID, ev.Message, artifacts.TruncateOutput(ev.Output), ev.Time.UTC())
	return classify("append history", err)
}

func (s *PostgresStore) ListHistory(ctx context.Context, limit int) ([]artifacts.HistoryEvent, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	query := `SELECT id, kind, path, job_id, message, output, created_at FROM scan_history ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list history", err)
	}
	defer rows.Close()
	var out []artifacts.HistoryEvent
	for rows.Next() {
		var (
			ev   artifacts.HistoryEvent
			kind string
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.Path, &ev.JobID, &ev.Message, &ev.Output, &ev.Time); err != nil {
			continue
		}
		ev.Kind = artifacts.HistoryKind(kind)
		out = append(out, ev)
	}
	return out, classify("list history", rows.Err())
}

func (s *PostgresStore) LoadRetentionPolicy(ctx context.Context) (artifacts.RetentionPolicy, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return artifacts.RetentionPolicy{}, err
	}
	var p artifacts.RetentionPolicy
	err := s.db.QueryRowContext(ctx, `SELECT retention_days, auto_removal_enabled, updated_at FROM retention_policy WHERE id = 1`).
		Scan(&p.RetentionDays, &p.AutoRemovalEnabled, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return artifacts.DefaultRetentionPolicy(), nil
	}
	if err != nil {
		return artifacts.RetentionPolicy{}, classify("load policy", err)
	}
	return p, nil
}

func (s *PostgresStore) SaveRetentionPolicy(ctx context.Context, p artifacts.RetentionPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO retention_policy (id, retention_days, auto_removal_enabled, updated_at)
VALUES (1,$1,$2,$3)
ON CONFLICT (id)
DO UPDATE SET retention_days=EXCLUDED.retention_days,
  auto_removal_enabled=EXCLUDED.auto_removal_enabled,
  updated_at=EXCLUDED.updated_at`,
		p.RetentionDays, p.AutoRemovalEnabled, p.UpdatedAt.UTC())
	return classify("save policy", err)
}

func (s *PostgresStore) MaxLogicalTime(ctx context.Context) (int64, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return 0, err
	}
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(logical_time) FROM artifacts`).Scan(&max); err != nil {
		return 0, classify("max logical time", err)
	}
	return max.Int64, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
