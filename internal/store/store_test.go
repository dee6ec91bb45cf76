package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	errs "github.com/ratifact-dev/ratifact/pkg/shared/errors"
)

func newFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := NewFileStore(path, hclog.NewNullLogger())
	require.NoError(t, err)
	return s, path
}

func sampleArtifact(path string) artifacts.Artifact {
	return artifacts.Artifact{
		Path:         path,
		ProjectRoot:  filepath.Dir(path),
		Language:     "Rust",
		SizeBytes:    120 << 20,
		LastModified: time.Now().Add(-45 * 24 * time.Hour).UTC().Truncate(time.Second),
		Status:       artifacts.StatusActive,
	}
}

// runContract exercises the behaviour every backend must share.
func runContract(t *testing.T, s Store) {
	ctx := context.Background()
	path := "/proj-" + time.Now().Format("150405.000000") + "/target"

	t.Run("conditional writes", func(t *testing.T) {
		a := sampleArtifact(path)
		require.NoError(t, s.UpsertArtifact(ctx, a, 10))

		got, err := s.GetArtifact(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, int64(10), got.LogicalTime)
		assert.False(t, got.FirstSeen.IsZero())
		firstSeen := got.FirstSeen

		err = s.UpsertArtifact(ctx, a, 10)
		assert.True(t, errs.IsInconsistentState(err), "equal stamp must be rejected")

		require.NoError(t, s.MarkStatus(ctx, path, artifacts.StatusDeleted, 20))

		stale := a
		stale.Status = artifacts.StatusActive
		err = s.UpsertArtifact(ctx, stale, 15)
		assert.True(t, errs.IsInconsistentState(err), "older scan must not resurrect a verified deletion")

		got, err = s.GetArtifact(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, artifacts.StatusDeleted, got.Status)

		require.NoError(t, s.UpsertArtifact(ctx, stale, 30))
		got, err = s.GetArtifact(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, artifacts.StatusActive, got.Status)
		assert.True(t, firstSeen.Equal(got.FirstSeen), "first seen is preserved")

		max, err := s.MaxLogicalTime(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, max, int64(30))
	})

	t.Run("mark status on missing path", func(t *testing.T) {
		err := s.MarkStatus(ctx, path+"-missing", artifacts.StatusDeleted, 100)
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("list under and active", func(t *testing.T) {
		root := filepath.Dir(path)
		sibling := sampleArtifact(root + "x/target")
		require.NoError(t, s.UpsertArtifact(ctx, sibling, 40))

		under, err := s.ListUnder(ctx, root)
		require.NoError(t, err)
		require.Len(t, under, 1)
		assert.Equal(t, path, under[0].Path)

		active, err := s.ListActive(ctx)
		require.NoError(t, err)
		paths := make([]string, 0, len(active))
		for _, a := range active {
			paths = append(paths, a.Path)
		}
		assert.Contains(t, paths, path)

		require.NoError(t, s.MarkStatus(ctx, path, artifacts.StatusPendingDelete, 50))
		under, err = s.ListUnder(ctx, root)
		require.NoError(t, err)
		require.Len(t, under, 1)
		assert.Equal(t, artifacts.StatusPendingDelete, under[0].Status)
	})

	t.Run("exclusions", func(t *testing.T) {
		entry := artifacts.ExclusionEntry{Path: filepath.Dir(path)}
		require.NoError(t, s.AddExclusion(ctx, entry))
		require.NoError(t, s.AddExclusion(ctx, entry))

		list, err := s.ListExclusions(ctx)
		require.NoError(t, err)
		count := 0
		for _, e := range list {
			if e.Path == entry.Path {
				count++
			}
		}
		assert.Equal(t, 1, count)

		require.NoError(t, s.RemoveExclusion(ctx, entry.Path))
		assert.ErrorIs(t, s.RemoveExclusion(ctx, entry.Path), errs.ErrNotFound)
	})

	t.Run("history newest first", func(t *testing.T) {
		require.NoError(t, s.AppendHistory(ctx, artifacts.HistoryEvent{Kind: artifacts.HistoryScan, Path: "/a", Message: "first"}))
		require.NoError(t, s.AppendHistory(ctx, artifacts.HistoryEvent{Kind: artifacts.HistoryDelete, Path: "/b", Message: "second"}))

		events, err := s.ListHistory(ctx, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "second", events[0].Message)
		assert.Equal(t, artifacts.HistoryDelete, events[0].Kind)
	})

	t.Run("retention policy", func(t *testing.T) {
		require.Error(t, s.SaveRetentionPolicy(ctx, artifacts.RetentionPolicy{RetentionDays: 0}))
		require.NoError(t, s.SaveRetentionPolicy(ctx, artifacts.RetentionPolicy{RetentionDays: 14, AutoRemovalEnabled: true}))
		p, err := s.LoadRetentionPolicy(ctx)
		require.NoError(t, err)
		assert.Equal(t, 14, p.RetentionDays)
		assert.True(t, p.AutoRemovalEnabled)
	})

	t.Run("projects", func(t *testing.T) {
		p := artifacts.Project{Root: filepath.Dir(path), Language: "Rust", BuildSystem: "cargo", Branch: "main", Remote: "https://example.com/team/app"}
		require.NoError(t, s.UpsertProject(ctx, p))
		list, err := s.ListProjects(ctx)
		require.NoError(t, err)
		found := false
		for _, got := range list {
			if got.Root == p.Root {
				found = true
				assert.Equal(t, "cargo", got.BuildSystem)
				assert.Equal(t, "https://example.com/team/app", got.Remote)
			}
		}
		assert.True(t, found)
		require.NoError(t, s.DeleteProject(ctx, p.Root))
	})
}

func TestFileStoreContract(t *testing.T) {
	s, _ := newFileStore(t)
	runContract(t, s)
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	s, path := newFileStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertArtifact(ctx, sampleArtifact("/p/target"), 7))
	require.NoError(t, s.AddExclusion(ctx, artifacts.ExclusionEntry{Path: "/skip"}))
	require.NoError(t, s.AppendHistory(ctx, artifacts.HistoryEvent{Kind: artifacts.HistoryScan, Message: "scan"}))
	require.NoError(t, s.Close())

	reopened, err := NewFileStore(path, nil)
	require.NoError(t, err)
	a, err := reopened.GetArtifact(ctx, "/p/target")
	require.NoError(t, err)
	assert.Equal(t, int64(7), a.LogicalTime)

	max, err := reopened.MaxLogicalTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), max)

	require.NoError(t, reopened.AppendHistory(ctx, artifacts.HistoryEvent{Kind: artifacts.HistoryScan, Message: "again"}))
	events, err := reopened.ListHistory(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Greater(t, events[0].ID, events[1].ID)
}

func TestFileStoreRollsBackOnWriteFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	s, err := NewFileStore(filepath.Join(blocker, "state.json"), nil)
	require.NoError(t, err)

	err = s.UpsertArtifact(context.Background(), sampleArtifact("/p/target"), 1)
	require.Error(t, err)
	assert.True(t, errs.IsStoreUnavailable(err))

	_, err = s.GetArtifact(context.Background(), "/p/target")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := NewFileStore(path, nil)
	assert.Error(t, err)
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("RATIFACT_TEST_DSN")
	if dsn == "" {
		t.Skip("RATIFACT_TEST_DSN not set")
	}
	s, err := NewPostgresStore(context.Background(), dsn, 16, hclog.NewNullLogger())
	require.NoError(t, err)
	defer s.Close()
	runContract(t, s)
}

func TestPostgresListUnderSeesWritesFromAnotherStore(t *testing.T) {
	dsn := os.Getenv("RATIFACT_TEST_DSN")
	if dsn == "" {
		t.Skip("RATIFACT_TEST_DSN not set")
	}
	ctx := context.Background()
	reader, err := NewPostgresStore(ctx, dsn, 16, hclog.NewNullLogger())
	require.NoError(t, err)
	defer reader.Close()
	writer, err := NewPostgresStore(ctx, dsn, 16, hclog.NewNullLogger())
	require.NoError(t, err)
	defer writer.Close()

	root := filepath.Join(t.TempDir(), "app")
	path := filepath.Join(root, "target")
	stamp, err := writer.MaxLogicalTime(ctx)
	require.NoError(t, err)
	require.NoError(t, writer.UpsertArtifact(ctx, sampleArtifact(path), stamp+1))

	list, err := reader.ListUnder(ctx, root)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, artifacts.StatusActive, list[0].Status)

	require.NoError(t, writer.MarkStatus(ctx, path, artifacts.StatusDeleted, stamp+2))
	list, err = reader.ListUnder(ctx, root)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, artifacts.StatusDeleted, list[0].Status)
}

func TestFingerprintMovesOnEveryWrite(t *testing.T) {
	a := sampleArtifact("/p/target")
	a.LogicalTime = 5
	b := sampleArtifact("/p/sub/dist")
	b.LogicalTime = 9
	base := fingerprintOf([]artifacts.Artifact{a, b})

	tests := []struct {
		name string
		list func() []artifacts.Artifact
	}{
		{"status change on lower stamped row", func() []artifacts.Artifact {
			changed := a
			changed.Status = artifacts.StatusDeleted
			changed.LogicalTime = 7
			return []artifacts.Artifact{changed, b}
		}},
		{"new row", func() []artifacts.Artifact {
			c := sampleArtifact("/p/other/build")
			c.LogicalTime = 10
			return []artifacts.Artifact{a, b, c}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, base, fingerprintOf(tt.list()))
		})
	}
	assert.Equal(t, base, fingerprintOf([]artifacts.Artifact{b, a}))
}

func TestPostgresUnreachableIsStoreUnavailable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := NewPostgresStore(ctx, "postgres://nobody@127.0.0.1:1/none?connect_timeout=1", 4, nil)
	require.Error(t, err)
	assert.True(t, errs.IsStoreUnavailable(err))
}
