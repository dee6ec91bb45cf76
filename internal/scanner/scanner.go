package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	"github.com/ratifact-dev/ratifact/internal/classifier"
	"github.com/ratifact-dev/ratifact/internal/git"
	"github.com/ratifact-dev/ratifact/internal/store"
	errs "github.com/ratifact-dev/ratifact/pkg/shared/errors"
	"github.com/ratifact-dev/ratifact/pkg/shared/files"
)

// DefaultMaxDepth bounds how far below a root the walk descends.
const DefaultMaxDepth = 6

// skipDirs are never descended into.
var skipDirs = map[string]struct{}{
	".git": {},
	".hg":  {},
	".svn": {},
}

// MetadataFunc collects VCS metadata for a project root.
type MetadataFunc func(root string) (*git.ProjectMetadata, error)

// Scanner discovers build artifacts under a root and reconciles them with the store.
type Scanner struct {
	store      store.Store
	classifier *classifier.Classifier
	clock      *artifacts.Clock
	maxDepth   int
	logger     hclog.Logger
	metadata   MetadataFunc

	rootLocks sync.Map // root -> *sync.Mutex
}

// New creates a Scanner. A maxDepth below 1 selects DefaultMaxDepth.
func New(st store.Store, cls *classifier.Classifier, clock *artifacts.Clock, maxDepth int, logger hclog.Logger) *Scanner {
	if maxDepth < 1 {
		maxDepth = DefaultMaxDepth
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Scanner{
		store:      st,
		classifier: cls,
		clock:      clock,
		maxDepth:   maxDepth,
		logger:     logger.Named("scanner"),
		metadata:   git.CollectProjectMetadata,
	}
}

// WithMetadata replaces the VCS metadata collector.
func (s *Scanner) WithMetadata(fn MetadataFunc) *Scanner {
	s.metadata = fn
	return s
}

// found is an artifact observed on disk during a walk.
type found struct {
	artifact artifacts.Artifact
	siblings []string
}

// discovery is the raw result of walking one root.
type discovery struct {
	artifacts  map[string]found
	projects   map[string][]string // project root -> entry names
	unreadable []string
	errors     []artifacts.ScanError
}

func (d *discovery) recordErr(path string, err error) {
	d.errors = append(d.errors, artifacts.ScanError{Path: path, Err: err.Error()})
}

// underUnreadable reports whether path lies below a directory that could not be listed.
func (d *discovery) underUnreadable(path string) bool {
	for _, u := range d.unreadable {
		if files.IsWithin(u, path) {
			return true
		}
	}
	return false
}

// Scan walks root and reconciles the artifacts found with the store. The
// exclusion snapshot is fixed for the whole pass.
func (s *Scanner) Scan(ctx context.Context, root string, excl artifacts.ExclusionSet) (artifacts.ScanSession, error) {
	root = filepath.Clean(root)
	lock := s.lockFor(root)
	lock.Lock()
	defer lock.Unlock()

	session := artifacts.ScanSession{Root: root, StartedAt: time.Now().UTC()}
	// Taken before any disk read: a job that verifies a deletion later always
	// stamps a newer write, so this pass cannot overwrite it.
	stamp := s.clock.Tick()

	s.logger.Info("scan starting", "root", root)
	disc, err := s.discover(ctx, root, excl)
	if err != nil {
		return session, err
	}

	session.Errors = disc.errors
	if err := s.reconcile(ctx, root, stamp, excl, disc, &session); err != nil {
		return session, err
	}

	session.FinishedAt = time.Now().UTC()
	s.logger.Info("scan finished",
		"root", root,
		"found", session.Found,
		"inserted", session.Inserted,
		"updated", session.Updated,
		"removed", session.Removed,
		"excluded", session.Excluded,
		"errors", len(session.Errors),
		"duration", session.Duration())

	s.appendHistory(ctx, artifacts.HistoryEvent{
		Kind: artifacts.HistoryScan,
		Path: root,
		Message: fmt.Sprintf("found %d artifacts (%d new, %d updated, %d removed, %d excluded), %d errors",
			session.Found, session.Inserted, session.Updated, session.Removed, session.Excluded, len(session.Errors)),
	})
	return session, nil
}

// ScanAll scans several roots concurrently. A store outage aborts every pass;
// other per-root failures are logged and the remaining roots still complete.
func (s *Scanner) ScanAll(ctx context.Context, roots []string, excl artifacts.ExclusionSet) ([]artifacts.ScanSession, error) {
	sessions := make([]artifacts.ScanSession, len(roots))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, root := range roots {
		g.Go(func() error {
			session, err := s.Scan(gctx, root, excl)
			sessions[i] = session
			if err != nil {
				if errs.IsStoreUnavailable(err) || errors.Is(err, context.Canceled) {
					return err
				}
				s.logger.Error("scan failed", "root", root, "error", err)
				sessions[i].Errors = append(sessions[i].Errors, artifacts.ScanError{Path: root, Err: err.Error()})
			}
			return nil
		})
	}
	err := g.Wait()
	return sessions, err
}

func (s *Scanner) lockFor(root string) *sync.Mutex {
	l, _ := s.rootLocks.LoadOrStore(root, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// discover walks root without following symlinks or entering artifacts.
func (s *Scanner) discover(ctx context.Context, root string, excl artifacts.ExclusionSet) (*discovery, error) {
	disc := &discovery{
		artifacts: make(map[string]found),
		projects:  make(map[string][]string),
	}

	info, err := os.Lstat(root)
	if errors.Is(err, fs.ErrNotExist) {
		// reconcile still runs so records under a vanished root are retired
		return disc, nil
	}
	if err != nil {
		return nil, errs.NewIOError("stat", root, err)
	}
	if info.Mode()&fs.ModeSymlink != 0 || !info.IsDir() {
		return disc, nil
	}
	if excl.Matches(root) {
		return disc, nil
	}

	// root may itself be an artifact when a rescan targets a single directory
	parent := filepath.Dir(root)
	if s.classifier.IsCandidateName(filepath.Base(root)) {
		if names, err := readNames(parent); err == nil {
			if m, ok := s.classifier.Classify(classifier.Entry{Path: root, Name: filepath.Base(root), IsDir: true, Siblings: names}); ok {
				s.addArtifact(disc, root, parent, names, m)
				return disc, nil
			}
		}
	}

	if _, err := readNames(root); err != nil {
		return nil, errs.NewIOError("read", root, err)
	}
	if err := s.walk(ctx, root, 0, excl, disc); err != nil {
		return nil, err
	}
	return disc, nil
}

func (s *Scanner) walk(ctx context.Context, dir string, depth int, excl artifacts.ExclusionSet, disc *discovery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		disc.unreadable = append(disc.unreadable, dir)
		disc.recordErr(dir, err)
		s.logger.Debug("unreadable directory", "path", dir, "error", err)
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	for _, e := range entries {
		if e.Type()&fs.ModeSymlink != 0 || !e.IsDir() {
			continue
		}
		name := e.Name()
		if _, skip := skipDirs[name]; skip {
			continue
		}
		child := filepath.Join(dir, name)
		if excl.Matches(child) {
			continue
		}
		if s.classifier.IsCandidateName(name) {
			if m, ok := s.classifier.Classify(classifier.Entry{Path: child, Name: name, IsDir: true, Siblings: names}); ok {
				s.addArtifact(disc, child, dir, names, m)
				continue
			}
		}
		if depth+1 < s.maxDepth {
			if err := s.walk(ctx, child, depth+1, excl, disc); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scanner) addArtifact(disc *discovery, path, projectRoot string, siblings []string, m classifier.Match) {
	stats, err := files.CollectDirStats(path)
	if err != nil {
		disc.unreadable = append(disc.unreadable, path)
		disc.recordErr(path, err)
		return
	}
	for _, u := range stats.Unreadable {
		disc.recordErr(u, fmt.Errorf("unreadable entry inside artifact"))
	}
	disc.artifacts[path] = found{
		artifact: artifacts.Artifact{
			Path:         path,
			ProjectRoot:  projectRoot,
			Language:     m.Language,
			SizeBytes:    stats.SizeBytes,
			LastModified: stats.LastModified.UTC().Truncate(time.Microsecond),
			Status:       artifacts.StatusActive,
		},
		siblings: siblings,
	}
	disc.projects[projectRoot] = siblings
}

func readNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

// reconcile applies the discovery to the store.
func (s *Scanner) reconcile(ctx context.Context, root string, stamp int64, excl artifacts.ExclusionSet, disc *discovery, session *artifacts.ScanSession) error {
	// Store writes must not be torn by cancellation once the pass reaches them.
	wctx := context.WithoutCancel(ctx)

	tracked, err := s.store.ListUnder(wctx, root)
	if err != nil {
		return fmt.Errorf("failed to list tracked artifacts under %q: %w", root, err)
	}
	byPath := make(map[string]artifacts.Artifact, len(tracked))
	for _, a := range tracked {
		byPath[a.Path] = a
	}

	paths := make([]string, 0, len(disc.artifacts))
	for p := range disc.artifacts {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		obs := disc.artifacts[p].artifact
		session.Found++
		rec, ok := byPath[p]
		switch {
		case !ok:
			if err := s.write(wctx, obs, stamp, session); err != nil {
				return err
			}
			session.Inserted++
		case rec.Status == artifacts.StatusPendingDelete:
			// a delete job owns the record until it reports
		case rec.Status == artifacts.StatusActive && rec.SameObservation(obs):
		default:
			obs.FirstSeen = rec.FirstSeen
			if err := s.write(wctx, obs, stamp, session); err != nil {
				return err
			}
			session.Updated++
		}
	}

	for _, rec := range tracked {
		if _, ok := disc.artifacts[rec.Path]; ok {
			continue
		}
		if excl.Matches(rec.Path) {
			if rec.Status == artifacts.StatusActive || rec.Status == artifacts.StatusPendingDelete {
				if err := s.mark(wctx, rec.Path, artifacts.StatusExcluded, stamp, session); err != nil {
					return err
				}
				session.Excluded++
			}
			continue
		}
		if rec.Status != artifacts.StatusActive && rec.Status != artifacts.StatusExcluded {
			continue
		}
		if disc.underUnreadable(rec.Path) {
			continue
		}
		exists, err := files.Exists(rec.Path)
		if err != nil {
			session.Errors = append(session.Errors, artifacts.ScanError{Path: rec.Path, Err: err.Error()})
			continue
		}
		if exists {
			continue
		}
		if err := s.mark(wctx, rec.Path, artifacts.StatusDeleted, stamp, session); err != nil {
			return err
		}
		session.Removed++
		s.appendHistory(wctx, artifacts.HistoryEvent{
			Kind:    artifacts.HistoryStatus,
			Path:    rec.Path,
			Message: "removed outside ratifact",
		})
	}

	return s.reconcileProjects(wctx, root, excl, disc, session)
}

// write upserts obs. A stale stamp is dropped: the newer write is authoritative.
func (s *Scanner) write(ctx context.Context, obs artifacts.Artifact, stamp int64, session *artifacts.ScanSession) error {
	err := s.store.UpsertArtifact(ctx, obs, stamp)
	return s.handleWriteErr(obs.Path, err, session)
}

func (s *Scanner) mark(ctx context.Context, path string, status artifacts.Status, stamp int64, session *artifacts.ScanSession) error {
	err := s.store.MarkStatus(ctx, path, status, stamp)
	return s.handleWriteErr(path, err, session)
}

func (s *Scanner) handleWriteErr(path string, err error, session *artifacts.ScanSession) error {
	switch {
	case err == nil:
		return nil
	case errs.IsInconsistentState(err):
		s.logger.Debug("stale scan write dropped", "path", path, "error", err)
		return nil
	case errs.IsStoreUnavailable(err):
		return err
	default:
		s.logger.Warn("store write failed", "path", path, "error", err)
		session.Errors = append(session.Errors, artifacts.ScanError{Path: path, Err: err.Error()})
		return nil
	}
}

func (s *Scanner) reconcileProjects(ctx context.Context, root string, excl artifacts.ExclusionSet, disc *discovery, session *artifacts.ScanSession) error {
	now := time.Now().UTC()
	for projectRoot, names := range disc.projects {
		p := artifacts.Project{Root: projectRoot, LastScanned: now}
		if kind, ok := s.classifier.ProjectKind(names); ok {
			p.Language, p.BuildSystem = kind.Language, kind.BuildSystem
		}
		if s.metadata != nil {
			if md, err := s.metadata(projectRoot); err == nil {
				p.Branch, p.Commit, p.Remote = md.Branch, md.Commit, md.Remote
			} else {
				s.logger.Trace("no vcs metadata", "project", projectRoot, "error", err)
			}
		}
		if err := s.store.UpsertProject(ctx, p); err != nil {
			if errs.IsStoreUnavailable(err) {
				return err
			}
			session.Errors = append(session.Errors, artifacts.ScanError{Path: projectRoot, Err: err.Error()})
			continue
		}
		session.Projects++
	}

	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, p := range projects {
		if !files.IsWithin(root, p.Root) {
			continue
		}
		if _, seen := disc.projects[p.Root]; seen {
			continue
		}
		gone := excl.Matches(p.Root)
		if !gone && !disc.underUnreadable(p.Root) {
			exists, err := files.Exists(p.Root)
			gone = err == nil && !exists
		}
		if !gone {
			continue
		}
		if err := s.store.DeleteProject(ctx, p.Root); err != nil {
			if errs.IsStoreUnavailable(err) {
				return err
			}
			s.logger.Warn("failed to remove project", "project", p.Root, "error", err)
		}
	}
	return nil
}

func (s *Scanner) appendHistory(ctx context.Context, ev artifacts.HistoryEvent) {
	if err := s.store.AppendHistory(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn("failed to append history", "kind", ev.Kind, "path", ev.Path, "error", err)
	}
}
