package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	errs "github.com/ratifact-dev/ratifact/pkg/shared/errors"
	"github.com/ratifact-dev/ratifact/pkg/shared/files"
)

// maxFileHistory bounds the history kept by the file backend.
const maxFileHistory = 2000

type fileState struct {
	Artifacts  []artifacts.Artifact       `json:"artifacts"`
	Projects   []artifacts.Project        `json:"projects"`
	Exclusions []artifacts.ExclusionEntry `json:"exclusions"`
	History    []artifacts.HistoryEvent   `json:"history"`
	Policy     *artifacts.RetentionPolicy `json:"retention_policy,omitempty"`
	NextID     int64                      `json:"next_history_id"`
}

// FileStore keeps state in memory and rewrites a JSON file after every change.
type FileStore struct {
	path   string
	logger hclog.Logger

	mu         sync.RWMutex
	artifacts  map[string]artifacts.Artifact
	projects   map[string]artifacts.Project
	exclusions map[string]artifacts.ExclusionEntry
	history    []artifacts.HistoryEvent
	policy     *artifacts.RetentionPolicy
	nextID     int64
}

// NewFileStore loads path if it exists.
func NewFileStore(path string, logger hclog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &FileStore{
		path:       path,
		logger:     logger.Named("file-store"),
		artifacts:  make(map[string]artifacts.Artifact),
		projects:   make(map[string]artifacts.Project),
		exclusions: make(map[string]artifacts.ExclusionEntry),
		nextID:     1,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &errs.StoreUnavailableError{Op: "load", Err: err}
	}
	var st fileState
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("failed to decode state file %q: %w", s.path, err)
	}
	for _, a := range st.Artifacts {
		s.artifacts[a.Path] = a
	}
	for _, p := range st.Projects {
		s.projects[p.Root] = p
	}
	for _, e := range st.Exclusions {
		s.exclusions[e.Path] = e
	}
	s.history = st.History
	s.policy = st.Policy
	if st.NextID > s.nextID {
		s.nextID = st.NextID
	}
	s.logger.Debug("state loaded", "path", s.path, "artifacts", len(s.artifacts))
	return nil
}

// persistLocked writes the current state. On failure undo is applied so the
// in-memory view never runs ahead of the file. Caller holds mu.
func (s *FileStore) persistLocked(op string, undo func()) error {
	st := fileState{
		Artifacts:  make([]artifacts.Artifact, 0, len(s.artifacts)),
		Projects:   make([]artifacts.Project, 0, len(s.projects)),
		Exclusions: make([]artifacts.ExclusionEntry, 0, len(s.exclusions)),
		History:    s.history,
		Policy:     s.policy,
		NextID:     s.nextID,
	}
	for _, a := range s.artifacts {
		st.Artifacts = append(st.Artifacts, a)
	}
	sort.Slice(st.Artifacts, func(i, j int) bool { return st.Artifacts[i].Path < st.Artifacts[j].Path })
	for _, p := range s.projects {
		st.Projects = append(st.Projects, p)
	}
	sort.Slice(st.Projects, func(i, j int) bool { return st.Projects[i].Root < st.Projects[j].Root })
	for _, e := range s.exclusions {
		st.Exclusions = append(st.Exclusions, e)
	}
	sort.Slice(st.Exclusions, func(i, j int) bool { return st.Exclusions[i].Path < st.Exclusions[j].Path })

	b, err := json.MarshalIndent(st, "", "  ")
	if err == nil {
		err = files.WriteFileAtomic(s.path, b, 0o600)
	}
	if err != nil {
		if undo != nil {
			undo()
		}
		s.logger.Error("failed to persist state", "op", op, "path", s.path, "error", err)
		return &errs.StoreUnavailableError{Op: op, Err: err}
	}
	return nil
}

func (s *FileStore) UpsertArtifact(ctx context.Context, a artifacts.Artifact, stamp int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.artifacts[a.Path]
	if existed {
		if err := checkStamp(a.Path, stamp, prev.LogicalTime); err != nil {
			return err
		}
		if !prev.FirstSeen.IsZero() {
			a.FirstSeen = prev.FirstSeen
		}
	}
	if a.FirstSeen.IsZero() {
		a.FirstSeen = time.Now().UTC()
	}
	a.LogicalTime = stamp
	s.artifacts[a.Path] = a

	return s.persistLocked("upsert artifact", func() {
		if existed {
			s.artifacts[a.Path] = prev
		} else {
			delete(s.artifacts, a.Path)
		}
	})
}

func (s *FileStore) MarkStatus(ctx context.Context, path string, status artifacts.Status, stamp int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.artifacts[path]
	if !ok {
		return notFound("artifact", path)
	}
	if err := checkStamp(path, stamp, prev.LogicalTime); err != nil {
		return err
	}
	next := prev
	next.Status = status
	next.LogicalTime = stamp
	s.artifacts[path] = next
	return s.persistLocked("mark status", func() { s.artifacts[path] = prev })
}

func (s *FileStore) GetArtifact(ctx context.Context, path string) (artifacts.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[path]
	if !ok {
		return artifacts.Artifact{}, notFound("artifact", path)
	}
	return a, nil
}

func (s *FileStore) ListArtifacts(ctx context.Context) ([]artifacts.Artifact, error) {
	return s.filterArtifacts(func(artifacts.Artifact) bool { return true }), nil
}

func (s *FileStore) ListActive(ctx context.Context) ([]artifacts.Artifact, error) {
	return s.filterArtifacts(func(a artifacts.Artifact) bool { return a.Status == artifacts.StatusActive }), nil
}

func (s *FileStore) ListUnder(ctx context.Context, root string) ([]artifacts.Artifact, error) {
	return s.filterArtifacts(func(a artifacts.Artifact) bool { return files.IsWithin(root, a.Path) }), nil
}

func (s *FileStore) filterArtifacts(keep func(artifacts.Artifact) bool) []artifacts.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]artifacts.Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (s *FileStore) UpsertProject(ctx context.Context, p artifacts.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.projects[p.Root]
	s.projects[p.Root] = p
	return s.persistLocked("upsert project", func() {
		if existed {
			s.projects[p.Root] = prev
		} else {
			delete(s.projects, p.Root)
		}
	})
}

func (s *FileStore) ListProjects(ctx context.Context) ([]artifacts.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]artifacts.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Root < out[j].Root })
	return out, nil
}

func (s *FileStore) DeleteProject(ctx context.Context, root string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.projects[root]
	if !ok {
		return nil
	}
	delete(s.projects, root)
	return s.persistLocked("delete project", func() { s.projects[root] = prev })
}

func (s *FileStore) AddExclusion(ctx context.Context, e artifacts.ExclusionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exclusions[e.Path]; ok {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.exclusions[e.Path] = e
	return s.persistLocked("add exclusion", func() { delete(s.exclusions, e.Path) })
}

func (s *FileStore) RemoveExclusion(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.exclusions[path]
	if !ok {
		return notFound("exclusion", path)
	}
	delete(s.exclusions, path)
	return s.persistLocked("remove exclusion", func() { s.exclusions[path] = prev })
}

func (s *FileStore) ListExclusions(ctx context.Context) ([]artifacts.ExclusionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]artifacts.ExclusionEntry, 0, len(s.exclusions))
	for _, e := range s.exclusions {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *FileStore) AppendHistory(ctx context.Context, ev artifacts.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prevHistory, prevID := s.history, s.nextID

	ev.ID = s.nextID
	s.nextID++
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	ev.Output = artifacts.TruncateOutput(ev.Output)
	history := append(append([]artifacts.HistoryEvent(nil), s.history...), ev)
	if len(history) > maxFileHistory {
		history = history[len(history)-maxFileHistory:]
	}
	s.history = history
	return s.persistLocked("append history", func() {
		s.history, s.nextID = prevHistory, prevID
	})
}

func (s *FileStore) ListHistory(ctx context.Context, limit int) ([]artifacts.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]artifacts.HistoryEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.history[i])
	}
	return out, nil
}

func (s *FileStore) LoadRetentionPolicy(ctx context.Context) (artifacts.RetentionPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.policy == nil {
		return artifacts.DefaultRetentionPolicy(), nil
	}
	return *s.policy, nil
}

func (s *FileStore) SaveRetentionPolicy(ctx context.Context, p artifacts.RetentionPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.policy
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	s.policy = &p
	return s.persistLocked("save policy", func() { s.policy = prev })
}

func (s *FileStore) MaxLogicalTime(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for _, a := range s.artifacts {
		if a.LogicalTime > max {
			max = a.LogicalTime
		}
	}
	return max, nil
}

func (s *FileStore) Close() error {
	return nil
}
