package rebuild

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	"github.com/ratifact-dev/ratifact/internal/config"
	"github.com/ratifact-dev/ratifact/internal/store"
	"github.com/ratifact-dev/ratifact/pkg/shared/errors"
)

func TestValidateRebuildArgs(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()

	tests := []struct {
		name    string
		options RunOptionsRebuild
		args    []string
		wantErr bool
	}{
		{name: "project root", args: []string{dir}},
		{name: "known build system", options: RunOptionsRebuild{BuildSystem: "cargo"}, args: []string{dir}},
		{name: "unknown build system", options: RunOptionsRebuild{BuildSystem: "bazel"}, args: []string{dir}, wantErr: true},
		{name: "missing directory", args: []string{filepath.Join(dir, "nope")}, wantErr: true},
		{name: "two roots", args: []string{dir, dir}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, err := validateRebuildArgs(&tt.options, cfg, tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, dir, root)
		})
	}
}

func TestLookupBuildSystem(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewFileStore(filepath.Join(t.TempDir(), "state.json"), hclog.NewNullLogger())
	require.NoError(t, err)
	require.NoError(t, st.UpsertProject(ctx, artifacts.Project{Root: "/p/app", Language: "Rust", BuildSystem: "cargo"}))

	bs, err := lookupBuildSystem(ctx, st, "/p/app")
	require.NoError(t, err)
	assert.Equal(t, "cargo", bs)

	_, err = lookupBuildSystem(ctx, st, "/p/other")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}
