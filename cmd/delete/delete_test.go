package delete

import (
	goerrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratifact-dev/ratifact/internal/jobs"
	"github.com/ratifact-dev/ratifact/pkg/shared/errors"
)

func TestValidateDeleteArgs(t *testing.T) {
	tests := []struct {
		name    string
		options RunOptionsDelete
		args    []string
		want    []string
		wantErr bool
	}{
		{name: "paths are normalized and deduplicated", args: []string{"/p/a/target/", "/p/a/./target"}, want: []string{"/p/a/target"}},
		{name: "all with paths", options: RunOptionsDelete{All: true}, args: []string{"/p"}, wantErr: true},
		{name: "filesystem root", args: []string{"/"}, wantErr: true},
		{name: "flags without paths", options: RunOptionsDelete{Yes: true}, wantErr: true},
		{name: "all alone", options: RunOptionsDelete{All: true}, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validateDeleteArgs(&tt.options, tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrivilegeFailuresAndRetries(t *testing.T) {
	denied := errors.NewPrivilegeError("/p/b", goerrors.New("permission denied"))
	records := []jobs.Record{
		{Target: "/p/a", State: jobs.StateSucceeded},
		{Target: "/p/b", State: jobs.StateFailed, Err: denied},
		{Target: "/p/c", State: jobs.StateFailed, Err: goerrors.New("busy")},
	}
	assert.Equal(t, []string{"/p/b"}, privilegeFailures(records))

	merged := mergeRetries(records, []jobs.Record{{Target: "/p/b", State: jobs.StateSucceeded}})
	require.Len(t, merged, 3)
	assert.Equal(t, jobs.StateSucceeded, merged[1].State)
	assert.Equal(t, jobs.StateFailed, merged[2].State)
}
