package jobs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	"github.com/ratifact-dev/ratifact/internal/store"
	errs "github.com/ratifact-dev/ratifact/pkg/shared/errors"
)

type fakeRunner struct {
	mu    sync.Mutex
	specs []CommandSpec
	fn    func(ctx context.Context, spec CommandSpec) (CommandResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, spec CommandSpec) (CommandResult, error) {
	f.mu.Lock()
	spec.Stdin = append([]byte(nil), spec.Stdin...)
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	if f.fn == nil {
		return CommandResult{}, nil
	}
	return f.fn(ctx, spec)
}

func (f *fakeRunner) calls() []CommandSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CommandSpec(nil), f.specs...)
}

type fixture struct {
	store  *store.FileStore
	clock  *artifacts.Clock
	runner *fakeRunner
	exec   *Executor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"), hclog.NewNullLogger())
	require.NoError(t, err)
	clock := artifacts.NewClock(0)
	runner := &fakeRunner{}
	ex := NewExecutor(st, clock, runner, opts, hclog.NewNullLogger())
	t.Cleanup(func() { _ = ex.Shutdown(context.Background()) })
	return &fixture{store: st, clock: clock, runner: runner, exec: ex}
}

// artifact creates a populated directory and records it as Active.
func (f *fixture) artifact(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target")
	require.NoError(t, os.MkdirAll(filepath.Join(path, "debug"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "debug", "app"), make([]byte, 512), 0o644))
	require.NoError(t, f.store.UpsertArtifact(context.Background(), artifacts.Artifact{
		Path:         path,
		ProjectRoot:  filepath.Dir(path),
		Language:     "Rust",
		SizeBytes:    512,
		LastModified: time.Now().Add(-45 * 24 * time.Hour),
		Status:       artifacts.StatusActive,
	}, f.clock.Tick()))
	return path
}

func (f *fixture) status(t *testing.T, path string) artifacts.Status {
	t.Helper()
	a, err := f.store.GetArtifact(context.Background(), path)
	require.NoError(t, err)
	return a.Status
}

func wait(t *testing.T, h *Handle) Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := h.Wait(ctx)
	require.NoError(t, err)
	return rec
}

func TestDeleteVerifiesAbsenceBeforeMarkingDeleted(t *testing.T) {
	f := newFixture(t, Options{})
	path := f.artifact(t)

	var completed []Record
	var mu sync.Mutex
	f.exec.OnComplete(func(r Record) {
		mu.Lock()
		completed = append(completed, r)
		mu.Unlock()
	})

	h, err := f.exec.Submit(Job{Kind: KindDelete, Path: path, Origin: OriginOperator})
	require.NoError(t, err)
	rec := wait(t, h)

	assert.Equal(t, StateSucceeded, rec.State)
	assert.NoFileExists(t, path)
	assert.Equal(t, artifacts.StatusDeleted, f.status(t, path))

	history, err := f.store.ListHistory(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, artifacts.HistoryDelete, history[0].Kind)
	assert.Equal(t, h.ID(), history[0].JobID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, completed, 1)
	assert.Equal(t, h.ID(), completed[0].ID)
}

func TestDeleteFailureLeavesArtifactActive(t *testing.T) {
	tests := []struct {
		name      string
		remove    func(string) error
		privilege bool
	}{
		{"permission denied", func(p string) error {
			return &fs.PathError{Op: "unlinkat", Path: p, Err: fs.ErrPermission}
		}, true},
		{"removal reported success but path remains", func(string) error { return nil }, false},
		{"generic io failure", func(string) error { return errors.New("device busy") }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.exec.removeAll = tt.remove
			path := f.artifact(t)

			h, err := f.exec.Submit(Job{Kind: KindDelete, Path: path})
			require.NoError(t, err)
			rec := wait(t, h)

			assert.Equal(t, StateFailed, rec.State)
			require.Error(t, rec.Err)
			assert.Equal(t, tt.privilege, errs.IsPrivilege(rec.Err))
			assert.DirExists(t, path)
			assert.Equal(t, artifacts.StatusActive, f.status(t, path))
		})
	}
}

func TestDeleteRejectsUntrackedOrDeletedPaths(t *testing.T) {
	f := newFixture(t, Options{})
	untracked := t.TempDir()

	h, err := f.exec.Submit(Job{Kind: KindDelete, Path: untracked})
	require.NoError(t, err)
	rec := wait(t, h)
	assert.Equal(t, StateFailed, rec.State)
	assert.ErrorIs(t, rec.Err, errs.ErrNotFound)
	assert.DirExists(t, untracked)

	path := f.artifact(t)
	require.NoError(t, f.store.MarkStatus(context.Background(), path, artifacts.StatusExcluded, f.clock.Tick()))
	h, err = f.exec.Submit(Job{Kind: KindDelete, Path: path})
	require.NoError(t, err)
	rec = wait(t, h)
	assert.Equal(t, StateFailed, rec.State)
	assert.ErrorIs(t, rec.Err, errs.ErrInvalidTransition)
	assert.DirExists(t, path)
}

func TestCancelQueuedJobNeverExecutes(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 1})
	release := make(chan struct{})
	f.runner.fn = func(ctx context.Context, _ CommandSpec) (CommandResult, error) {
		<-release
		return CommandResult{}, nil
	}
	path := f.artifact(t)

	blocker, err := f.exec.Submit(Job{Kind: KindRebuild, ProjectRoot: t.TempDir(), BuildSystem: "cargo"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return blocker.State() == StateRunning }, time.Second, 5*time.Millisecond)

	removed := false
	f.exec.removeAll = func(p string) error { removed = true; return os.RemoveAll(p) }
	queued, err := f.exec.Submit(Job{Kind: KindDelete, Path: path})
	require.NoError(t, err)
	assert.Equal(t, StateQueued, queued.State())

	queued.Cancel()
	rec := wait(t, queued)
	assert.Equal(t, StateCancelled, rec.State)
	assert.True(t, rec.StartedAt.IsZero())

	close(release)
	assert.Equal(t, StateSucceeded, wait(t, blocker).State)
	assert.False(t, removed)
	assert.DirExists(t, path)
	assert.Equal(t, artifacts.StatusActive, f.status(t, path))
}

func TestCancelRunningRebuildReportsTerminalState(t *testing.T) {
	f := newFixture(t, Options{})
	started := make(chan struct{})
	f.runner.fn = func(ctx context.Context, _ CommandSpec) (CommandResult, error) {
		close(started)
		<-ctx.Done()
		return CommandResult{ExitCode: -1, Output: "interrupted"}, nil
	}

	h, err := f.exec.Submit(Job{Kind: KindRebuild, ProjectRoot: t.TempDir(), BuildSystem: "npm"})
	require.NoError(t, err)
	<-started
	h.Cancel()

	rec := wait(t, h)
	assert.Equal(t, StateCancelled, rec.State)
	assert.False(t, rec.FinishedAt.IsZero())
}

func TestGuardFailureSkipsExecution(t *testing.T) {
	f := newFixture(t, Options{})
	path := f.artifact(t)

	h, err := f.exec.Submit(Job{
		Kind:   KindDelete,
		Path:   path,
		Origin: OriginAutoRemoval,
		Guard:  func(context.Context) error { return errors.New("modified recently") },
	})
	require.NoError(t, err)
	rec := wait(t, h)

	assert.Equal(t, StateCancelled, rec.State)
	assert.Contains(t, rec.Message, "modified recently")
	assert.DirExists(t, path)
	assert.Equal(t, artifacts.StatusActive, f.status(t, path))
}

func TestElevatedDelete(t *testing.T) {
	t.Run("credential accepted", func(t *testing.T) {
		f := newFixture(t, Options{ElevationCommand: "sudo"})
		path := f.artifact(t)
		f.runner.fn = func(_ context.Context, spec CommandSpec) (CommandResult, error) {
			return CommandResult{}, os.RemoveAll(spec.Args[len(spec.Args)-1])
		}

		secret := []byte("hunter2")
		h, err := f.exec.Submit(Job{Kind: KindDeleteElevated, Path: path, Credential: secret})
		require.NoError(t, err)
		rec := wait(t, h)

		assert.Equal(t, StateSucceeded, rec.State)
		assert.Equal(t, artifacts.StatusDeleted, f.status(t, path))
		assert.Nil(t, h.Job().Credential)

		calls := f.runner.calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "sudo", calls[0].Name)
		assert.Equal(t, []string{"-S", "-k", "-p", "", "rm", "-rf", "--", path}, calls[0].Args)
		assert.Equal(t, []byte("hunter2\n"), calls[0].Stdin)
		assert.True(t, calls[0].Detach)
	})

	t.Run("credential rejected", func(t *testing.T) {
		f := newFixture(t, Options{})
		path := f.artifact(t)
		f.runner.fn = func(context.Context, CommandSpec) (CommandResult, error) {
			return CommandResult{ExitCode: 1, Output: "Sorry, try again.\nsudo: 1 incorrect password attempt\n"}, nil
		}

		h, err := f.exec.Submit(Job{Kind: KindDeleteElevated, Path: path, Credential: []byte("wrong")})
		require.NoError(t, err)
		rec := wait(t, h)

		assert.Equal(t, StateFailed, rec.State)
		assert.True(t, errs.IsPrivilege(rec.Err))
		assert.Equal(t, artifacts.StatusActive, f.status(t, path))
	})

	t.Run("missing credential", func(t *testing.T) {
		f := newFixture(t, Options{})
		_, err := f.exec.Submit(Job{Kind: KindDeleteElevated, Path: "/x"})
		assert.True(t, errs.IsPrivilege(err))
	})
}

func TestRebuild(t *testing.T) {
	tests := []struct {
		name        string
		buildSystem string
		result      CommandResult
		want        State
	}{
		{"success", "cargo", CommandResult{Output: "Finished release"}, StateSucceeded},
		{"nonzero exit", "cargo", CommandResult{ExitCode: 101, Output: "error[E0425]"}, StateFailed},
		{"unknown build system", "bazel", CommandResult{}, StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.runner.fn = func(context.Context, CommandSpec) (CommandResult, error) { return tt.result, nil }
			root := t.TempDir()

			h, err := f.exec.Submit(Job{Kind: KindRebuild, ProjectRoot: root, BuildSystem: tt.buildSystem})
			require.NoError(t, err)
			rec := wait(t, h)
			assert.Equal(t, tt.want, rec.State)

			if tt.buildSystem == "bazel" {
				assert.Empty(t, f.runner.calls())
				return
			}
			calls := f.runner.calls()
			require.Len(t, calls, 1)
			assert.Equal(t, "/bin/sh", calls[0].Name)
			assert.Equal(t, []string{"-c", "cargo build"}, calls[0].Args)
			assert.Equal(t, root, calls[0].Dir)

			history, err := f.store.ListHistory(context.Background(), 1)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, artifacts.HistoryRebuild, history[0].Kind)
			assert.Equal(t, tt.result.Output, history[0].Output)
			if tt.want == StateFailed {
				var sub *errs.SubprocessError
				require.ErrorAs(t, rec.Err, &sub)
				assert.Equal(t, tt.result.ExitCode, sub.ExitCode)
			}
		})
	}
}

func TestDuplicateDeleteReturnsExistingHandle(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 1})
	release := make(chan struct{})
	f.runner.fn = func(context.Context, CommandSpec) (CommandResult, error) {
		<-release
		return CommandResult{}, nil
	}
	_, err := f.exec.Submit(Job{Kind: KindRebuild, ProjectRoot: t.TempDir(), BuildSystem: "make"})
	require.NoError(t, err)

	path := f.artifact(t)
	first, err := f.exec.Submit(Job{Kind: KindDelete, Path: path})
	require.NoError(t, err)
	second, err := f.exec.Submit(Job{Kind: KindDelete, Path: path})
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())
	close(release)
	assert.Equal(t, StateSucceeded, wait(t, first).State)
	assert.Len(t, f.exec.Jobs(), 2)
}

func TestOperatorDeleteSupersedesQueuedAutoRemoval(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 1})
	release := make(chan struct{})
	f.runner.fn = func(context.Context, CommandSpec) (CommandResult, error) {
		<-release
		return CommandResult{}, nil
	}
	_, err := f.exec.Submit(Job{Kind: KindRebuild, ProjectRoot: t.TempDir(), BuildSystem: "make"})
	require.NoError(t, err)

	path := f.artifact(t)
	auto, err := f.exec.Submit(Job{
		Kind:   KindDelete,
		Path:   path,
		Origin: OriginAutoRemoval,
		Guard:  func(context.Context) error { return errors.New("modified 1m ago, retention is 30 days") },
	})
	require.NoError(t, err)
	manual, err := f.exec.Submit(Job{Kind: KindDelete, Path: path, Origin: OriginOperator})
	require.NoError(t, err)
	assert.NotEqual(t, auto.ID(), manual.ID())

	again, err := f.exec.Submit(Job{Kind: KindDelete, Path: path, Origin: OriginOperator})
	require.NoError(t, err)
	assert.Equal(t, manual.ID(), again.ID())

	close(release)
	assert.Equal(t, StateCancelled, wait(t, auto).State)
	rec := wait(t, manual)
	assert.Equal(t, StateSucceeded, rec.State)
	assert.Equal(t, OriginOperator, rec.Origin)
	assert.NoDirExists(t, path)
	assert.Equal(t, artifacts.StatusDeleted, f.status(t, path))
}

func TestElevatedDeleteIsNotMergedIntoPlainDelete(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 1})
	release := make(chan struct{})
	f.runner.fn = func(context.Context, CommandSpec) (CommandResult, error) {
		<-release
		return CommandResult{}, nil
	}
	_, err := f.exec.Submit(Job{Kind: KindRebuild, ProjectRoot: t.TempDir(), BuildSystem: "make"})
	require.NoError(t, err)

	path := f.artifact(t)
	plain, err := f.exec.Submit(Job{Kind: KindDelete, Path: path, Origin: OriginOperator})
	require.NoError(t, err)
	elevated, err := f.exec.Submit(Job{Kind: KindDeleteElevated, Path: path, Origin: OriginOperator, Credential: []byte("pw")})
	require.NoError(t, err)
	assert.NotEqual(t, plain.ID(), elevated.ID())
	assert.Equal(t, KindDeleteElevated, elevated.Job().Kind)
	close(release)
	wait(t, plain)
	wait(t, elevated)
}

func TestCancelWhere(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 1})
	release := make(chan struct{})
	f.runner.fn = func(context.Context, CommandSpec) (CommandResult, error) {
		<-release
		return CommandResult{}, nil
	}
	_, err := f.exec.Submit(Job{Kind: KindRebuild, ProjectRoot: t.TempDir(), BuildSystem: "make"})
	require.NoError(t, err)

	auto, err := f.exec.Submit(Job{Kind: KindDelete, Path: f.artifact(t), Origin: OriginAutoRemoval})
	require.NoError(t, err)
	manual, err := f.exec.Submit(Job{Kind: KindDelete, Path: f.artifact(t), Origin: OriginOperator})
	require.NoError(t, err)

	n := f.exec.CancelWhere(func(j Job) bool { return j.Origin == OriginAutoRemoval })
	assert.Equal(t, 1, n)
	assert.Equal(t, StateCancelled, wait(t, auto).State)

	close(release)
	assert.Equal(t, StateSucceeded, wait(t, manual).State)
}

func TestShutdownRejectsNewJobs(t *testing.T) {
	f := newFixture(t, Options{})
	require.NoError(t, f.exec.Shutdown(context.Background()))
	_, err := f.exec.Submit(Job{Kind: KindDelete, Path: "/x"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRecoverPending(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	gone := f.artifact(t)
	kept := f.artifact(t)
	require.NoError(t, f.store.MarkStatus(ctx, gone, artifacts.StatusPendingDelete, f.clock.Tick()))
	require.NoError(t, f.store.MarkStatus(ctx, kept, artifacts.StatusPendingDelete, f.clock.Tick()))
	require.NoError(t, os.RemoveAll(gone))

	n, err := f.exec.RecoverPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, artifacts.StatusDeleted, f.status(t, gone))
	assert.Equal(t, artifacts.StatusActive, f.status(t, kept))
}

func TestExecRunnerCapturesOutputAndExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	res, err := ExecRunner{}.Run(context.Background(), CommandSpec{
		Name:   "/bin/sh",
		Args:   []string{"-c", "read line; echo got $line; echo oops >&2; exit 3"},
		Stdin:  []byte("secret\n"),
		Detach: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Output, "got secret")
	assert.Contains(t, res.Output, "oops")
}

func TestExecRunnerMissingBinary(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), CommandSpec{Name: "ratifact-no-such-binary"})
	assert.Error(t, err)
}
