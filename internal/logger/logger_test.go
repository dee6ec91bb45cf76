package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratifact-dev/ratifact/internal/config"
)

func TestDetermineLogLevel(t *testing.T) {
	tests := []struct {
		name   string
		env    string
		cfgLvl string
		want   hclog.Level
	}{
		{"env wins", "debug", "error", hclog.Debug},
		{"config used without env", "", "warn", hclog.Warn},
		{"unknown falls back to info", "", "loud", hclog.Info},
		{"empty defaults to info", "", "", hclog.Info},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RATIFACT_LOG_LEVEL", tt.env)
			cfg := &config.Config{Logger: config.Logger{Level: tt.cfgLvl}}
			assert.Equal(t, tt.want, determineLogLevel(cfg))
		})
	}
}

func TestNewLoggerWithOutput(t *testing.T) {
	t.Setenv("RATIFACT_LOG_LEVEL", "")
	var buf bytes.Buffer
	cfg := &config.Config{Logger: config.Logger{Level: "INFO"}}
	log := NewLoggerWithOutput(cfg, "scanner", &buf)

	log.Debug("hidden")
	log.Info("scan finished", "root", "/proj")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "scanner: scan finished")
	assert.Contains(t, out, "root=/proj")
}

func TestNewFileLogger(t *testing.T) {
	t.Setenv("RATIFACT_LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "logs", "ratifact.log")
	cfg := &config.Config{Logger: config.Logger{Level: "INFO", File: path}}

	log, closer, err := NewFileLogger(cfg, "session")
	require.NoError(t, err)
	log.Info("started")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "session: started")
}

func TestNewLoggerReturnsCloser(t *testing.T) {
	t.Setenv("RATIFACT_LOG_LEVEL", "")
	t.Run("log file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ratifact.log")
		cfg := &config.Config{Logger: config.Logger{Level: "INFO", File: path}}

		log, closer := NewLogger(cfg, "root")
		log.Info("configured")
		require.NoError(t, closer.Close())
		// closing twice reports the file as already closed
		assert.Error(t, closer.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "root: configured")
	})

	t.Run("stderr", func(t *testing.T) {
		log, closer := NewLogger(&config.Config{}, "root")
		require.NotNil(t, log)
		require.NotNil(t, closer)
		assert.NoError(t, closer.Close())
	})
}
