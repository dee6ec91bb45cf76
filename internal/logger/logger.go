package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/ratifact-dev/ratifact/internal/config"
)

// NewLogger creates a new hclog.Logger instance based on the YAML configuration and the provided name.
// Output goes to the configured log file when one is set, otherwise to stderr.
// The returned closer releases the log file and is a no-op for stderr.
func NewLogger(cfg *config.Config, name string) (hclog.Logger, io.Closer) {
	if cfg != nil && cfg.Logger.File != "" {
		l, f, err := NewFileLogger(cfg, name)
		if err == nil {
			return l, f
		}
		fmt.Fprintf(os.Stderr, "%v, logging to stderr\n", err)
	}
	return NewLoggerWithOutput(cfg, name, os.Stderr), nopCloser{}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLoggerWithOutput is NewLogger with an explicit destination.
func NewLoggerWithOutput(cfg *config.Config, name string, output io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:            name,
		DisableTime:     config.GetBoolValue(cfg, "Logger.DisableTime", true),
		JSONFormat:      config.GetBoolValue(cfg, "Logger.JSONFormat", false),
		IncludeLocation: config.GetBoolValue(cfg, "Logger.IncludeLocation", false),
		Output:          output,
		Level:           determineLogLevel(cfg),
	})
}

// NewFileLogger forces output into the configured or default log file so that
// nothing is written to the terminal while an interactive session owns it.
func NewFileLogger(cfg *config.Config, name string) (hclog.Logger, io.Closer, error) {
	path := config.DefaultLogFile(cfg)
	f, err := openLogFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to open log file %q: %w", path, err)
	}
	return NewLoggerWithOutput(cfg, name, f), f, nil
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

// determineLogLevel returns a log level determined first by an environment variable, and if not set, by the provided configuration.
// If neither configuration nor environment variable specifies a log level, it defaults to INFO.
func determineLogLevel(cfg *config.Config) hclog.Level {
	if logLevelEnv := os.Getenv("RATIFACT_LOG_LEVEL"); logLevelEnv != "" {
		return parseLogLevel(strings.ToUpper(logLevelEnv))
	}
	if cfg == nil || cfg.Logger.Level == "" {
		return hclog.Info
	}
	return parseLogLevel(strings.ToUpper(cfg.Logger.Level))
}

// parseLogLevel converts a string level to hclog.Level.
func parseLogLevel(levelStr string) hclog.Level {
	switch levelStr {
	case "TRACE":
		return hclog.Trace
	case "DEBUG":
		return hclog.Debug
	case "INFO":
		return hclog.Info
	case "WARN":
		return hclog.Warn
	case "ERROR":
		return hclog.Error
	default:
		hclog.New(&hclog.LoggerOptions{
			Level:       hclog.Warn,
			DisableTime: true,
			Output:      os.Stderr,
		}).Warn("Unrecognized log level, defaulting to INFO", "providedLevel", levelStr)
		return hclog.Info
	}
}
