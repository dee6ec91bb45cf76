package retention

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
)

func TestValidateRetentionArgs(t *testing.T) {
	tests := []struct {
		name    string
		options RunOptionsRetention
		wantErr bool
	}{
		{name: "show", options: RunOptionsRetention{}},
		{name: "days", options: RunOptionsRetention{Days: 10}},
		{name: "auto on", options: RunOptionsRetention{Auto: "on"}},
		{name: "negative days", options: RunOptionsRetention{Days: -3}, wantErr: true},
		{name: "auto yes", options: RunOptionsRetention{Auto: "yes"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRetentionArgs(&tt.options, nil)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProposedPolicy(t *testing.T) {
	current := artifacts.RetentionPolicy{RetentionDays: 30, AutoRemovalEnabled: true}

	assert.Equal(t, current, proposedPolicy(current, &RunOptionsRetention{}))
	assert.Equal(t, artifacts.RetentionPolicy{RetentionDays: 7, AutoRemovalEnabled: true},
		proposedPolicy(current, &RunOptionsRetention{Days: 7}))
	assert.Equal(t, artifacts.RetentionPolicy{RetentionDays: 30},
		proposedPolicy(current, &RunOptionsRetention{Auto: "off"}))
}
