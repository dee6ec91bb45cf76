package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/ratifact-dev/ratifact/internal/config"
	"github.com/ratifact-dev/ratifact/internal/jobs"
	"github.com/ratifact-dev/ratifact/internal/runtime"
)

// shutdownTimeout bounds how long a command waits for jobs on exit.
const shutdownTimeout = 30 * time.Second

// Mode constants
const (
	ModeArgs   = "args"
	ModeConfig = "config"
)

// DetermineMode reports whether targets come from positional arguments or the configuration.
func DetermineMode(args []string) string {
	if len(args) > 0 {
		return ModeArgs
	}
	return ModeConfig
}

// ScanTargets returns the normalized roots named by args, or the configured roots.
func ScanTargets(cfg *config.Config, args []string) ([]string, error) {
	if DetermineMode(args) == ModeConfig {
		return append([]string(nil), cfg.Scan.Paths...), nil
	}
	roots := make([]string, 0, len(args))
	for _, a := range args {
		p, err := config.ValidateScanPath(a)
		if err != nil {
			return nil, err
		}
		roots = append(roots, p)
	}
	return roots, nil
}

// OpenRuntime builds the runtime for a command invocation.
func OpenRuntime(ctx context.Context, cfg *config.Config, logger hclog.Logger) (*runtime.Runtime, error) {
	return runtime.New(ctx, cfg, cfg.Source, logger, runtime.Options{})
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Wipe zeroes b.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// CloseRuntime shuts the runtime down. Running jobs are allowed to finish
// unless ctx was cancelled by a signal, in which case they are cancelled first.
func CloseRuntime(ctx context.Context, rt *runtime.Runtime, logger hclog.Logger) {
	if ctx.Err() != nil {
		if n := rt.Executor.CancelWhere(func(jobs.Job) bool { return true }); n > 0 {
			logger.Info("cancelled unfinished jobs", "count", n)
		}
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := rt.Close(sctx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}
