package runtime

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	"github.com/ratifact-dev/ratifact/internal/config"
	"github.com/ratifact-dev/ratifact/internal/git"
	"github.com/ratifact-dev/ratifact/internal/jobs"
	"github.com/ratifact-dev/ratifact/internal/store"
	"github.com/ratifact-dev/ratifact/internal/watcher"
)

type chanSource struct {
	mu      sync.Mutex
	watched map[string]bool
	events  chan string
	errors  chan error
}

func newChanSource() *chanSource {
	return &chanSource{watched: map[string]bool{}, events: make(chan string, 16), errors: make(chan error, 1)}
}

func (s *chanSource) Add(p string) error {
	s.mu.Lock()
	s.watched[p] = true
	s.mu.Unlock()
	return nil
}

func (s *chanSource) Remove(p string) error {
	s.mu.Lock()
	delete(s.watched, p)
	s.mu.Unlock()
	return nil
}

func (s *chanSource) Events() <-chan string { return s.events }
func (s *chanSource) Errors() <-chan error  { return s.errors }
func (s *chanSource) Mode() watcher.Mode    { return watcher.ModeNotify }
func (s *chanSource) Close() error          { return nil }

func (s *chanSource) isWatched(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watched[p]
}

func testConfig(t *testing.T, root string) (*config.Config, string) {
	t.Helper()
	home := t.TempDir()
	cfg := config.Default()
	cfg.Ratifact.HomeFolder = home
	cfg.Store.Path = filepath.Join(home, "state.json")
	cfg.Scan.Paths = []string{root}
	cfg.Retention.Days = 14
	cfg.Watcher.Debounce = 20 * time.Millisecond
	cfg.Watcher.MaxWait = 200 * time.Millisecond
	return cfg, filepath.Join(home, "config.yml")
}

func noRepo(string) (*git.ProjectMetadata, error) { return nil, git.ErrNotRepository }

func cargoProject(t *testing.T, root, name string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "target", "release"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("[package]"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "target", "release", "bin"), make([]byte, 256), 0o644))
	return filepath.Join(dir, "target")
}

func newRuntime(t *testing.T, cfg *config.Config, path string, opts Options) *Runtime {
	t.Helper()
	if opts.Metadata == nil {
		opts.Metadata = noRepo
	}
	r, err := New(context.Background(), cfg, path, hclog.NewNullLogger(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func TestNewSeedsRetentionPolicyFromConfig(t *testing.T) {
	cfg, path := testConfig(t, t.TempDir())
	cfg.Retention.AutomaticRemoval = true
	r := newRuntime(t, cfg, path, Options{})

	p, err := r.Store.LoadRetentionPolicy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 14, p.RetentionDays)
	assert.True(t, p.AutoRemovalEnabled)
	assert.False(t, p.UpdatedAt.IsZero())
}

func TestNewKeepsStoredPolicy(t *testing.T) {
	cfg, path := testConfig(t, t.TempDir())
	st, err := store.NewFileStore(cfg.Store.Path, hclog.NewNullLogger())
	require.NoError(t, err)
	require.NoError(t, st.SaveRetentionPolicy(context.Background(), artifacts.RetentionPolicy{RetentionDays: 90}))
	require.NoError(t, st.Close())

	r := newRuntime(t, cfg, path, Options{})
	p, err := r.Store.LoadRetentionPolicy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 90, p.RetentionDays)
}

func TestNewSettlesPendingDeletes(t *testing.T) {
	root := t.TempDir()
	cfg, path := testConfig(t, root)
	gone := filepath.Join(root, "gone", "target")

	st, err := store.NewFileStore(cfg.Store.Path, hclog.NewNullLogger())
	require.NoError(t, err)
	require.NoError(t, st.UpsertArtifact(context.Background(), artifacts.Artifact{
		Path: gone, ProjectRoot: filepath.Dir(gone), Language: "Rust", Status: artifacts.StatusPendingDelete,
	}, 7))
	require.NoError(t, st.Close())

	r := newRuntime(t, cfg, path, Options{})
	a, err := r.Store.GetArtifact(context.Background(), gone)
	require.NoError(t, err)
	assert.Equal(t, artifacts.StatusDeleted, a.Status)
	assert.Greater(t, r.Clock.Last(), int64(7))
}

func TestScanAndDeleteThroughRuntime(t *testing.T) {
	root := t.TempDir()
	cfg, path := testConfig(t, root)
	target := cargoProject(t, root, "app")
	r := newRuntime(t, cfg, path, Options{})
	ctx := context.Background()

	sessions, err := r.Scan(ctx, r.Roots())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 1, sessions[0].Found)

	h, err := r.Executor.Submit(jobs.Job{Kind: jobs.KindDelete, Path: target})
	require.NoError(t, err)
	rec, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateSucceeded, rec.State)
	assert.NoDirExists(t, target)
}

func TestPersistWritesConfigFile(t *testing.T) {
	cfg, path := testConfig(t, t.TempDir())
	r := newRuntime(t, cfg, path, Options{})
	other := t.TempDir()

	require.NoError(t, r.Persist(artifacts.RetentionPolicy{RetentionDays: 45, AutoRemovalEnabled: true}, []string{other}))

	loaded, err := config.LoadConfig(path, true)
	require.NoError(t, err)
	assert.Equal(t, 45, loaded.Retention.Days)
	assert.True(t, loaded.Retention.AutomaticRemoval)
	assert.Equal(t, []string{other}, loaded.Scan.Paths)
	assert.Equal(t, []string{other}, r.Roots())
}

func TestWatcherRescanRefreshesSession(t *testing.T) {
	root := t.TempDir()
	cfg, path := testConfig(t, root)
	src := newChanSource()
	r := newRuntime(t, cfg, path, Options{
		NewSource: func() (watcher.ChangeSource, error) { return src, nil },
	})
	ctx := context.Background()

	var hooks atomic.Int32
	r.OnRescan(func() { hooks.Add(1) })
	require.NoError(t, r.StartWatcher(ctx))
	assert.True(t, src.isWatched(filepath.Clean(root)))

	c, err := r.NewSession(ctx)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)

	target := cargoProject(t, root, "late")
	src.events <- filepath.Join(root, "late")

	require.Eventually(t, func() bool {
		for _, a := range c.Snapshot().Artifacts {
			if a.Path == target && a.Status == artifacts.StatusActive {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, hooks.Load(), int32(1))
	assert.True(t, src.isWatched(target), "active artifacts are watched after a rescan")
}

func TestWatcherDisabled(t *testing.T) {
	cfg, path := testConfig(t, t.TempDir())
	cfg.Watcher.Enabled = config.BoolPtr(false)
	r := newRuntime(t, cfg, path, Options{})

	require.NoError(t, r.StartWatcher(context.Background()))
	assert.Equal(t, watcher.ModeOff, r.Watcher().Mode())
}

func TestStartAutoRemovalStopsOnClose(t *testing.T) {
	cfg, path := testConfig(t, t.TempDir())
	cfg.Retention.CycleInterval = 10 * time.Millisecond
	r, err := New(context.Background(), cfg, path, hclog.NewNullLogger(), Options{Metadata: noRepo})
	require.NoError(t, err)

	r.StartAutoRemoval(context.Background())
	r.StartAutoRemoval(context.Background())
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, r.Close(context.Background()))
}

func TestSetExclusionRoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg, path := testConfig(t, root)
	target := cargoProject(t, root, "keep")
	r := newRuntime(t, cfg, path, Options{})
	ctx := context.Background()

	_, err := r.Scan(ctx, r.Roots())
	require.NoError(t, err)

	entry, sessions, err := r.SetExclusion(ctx, filepath.Join(root, "keep"), true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "keep"), entry.Path)
	require.Len(t, sessions, 1)
	a, err := r.Store.GetArtifact(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, artifacts.StatusExcluded, a.Status)

	_, _, err = r.SetExclusion(ctx, filepath.Join(root, "keep"), false)
	require.NoError(t, err)
	a, err = r.Store.GetArtifact(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, artifacts.StatusActive, a.Status)

	history, err := r.Store.ListHistory(ctx, 0)
	require.NoError(t, err)
	kinds := map[artifacts.HistoryKind]bool{}
	for _, ev := range history {
		kinds[ev.Kind] = true
	}
	assert.True(t, kinds[artifacts.HistoryExclude])
	assert.True(t, kinds[artifacts.HistoryInclude])
}

func TestSetRetentionPolicy(t *testing.T) {
	cfg, path := testConfig(t, t.TempDir())
	r := newRuntime(t, cfg, path, Options{})
	ctx := context.Background()

	assert.Error(t, r.SetRetentionPolicy(ctx, artifacts.RetentionPolicy{RetentionDays: 0}))

	require.NoError(t, r.SetRetentionPolicy(ctx, artifacts.RetentionPolicy{RetentionDays: 60, AutoRemovalEnabled: true}))
	p, err := r.Store.LoadRetentionPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 60, p.RetentionDays)
	assert.True(t, p.AutoRemovalEnabled)

	loaded, err := config.LoadConfig(path, true)
	require.NoError(t, err)
	assert.Equal(t, 60, loaded.Retention.Days)
	assert.Equal(t, cfg.Scan.Paths, loaded.Scan.Paths)
}
