package watch

import (
	"context"

	"github.com/ratifact-dev/ratifact/internal/runtime"
	"github.com/ratifact-dev/ratifact/internal/watcher"
)

// openWatchRuntime builds the runtime, forcing the polling source when asked.
func openWatchRuntime(ctx context.Context) (*runtime.Runtime, error) {
	opts := runtime.Options{}
	if watchOptions.Poll {
		interval := AppConfig.Watcher.FallbackInterval
		opts.NewSource = func() (watcher.ChangeSource, error) {
			return watcher.NewPollSource(interval), nil
		}
	}
	return runtime.New(ctx, AppConfig, AppConfig.Source, logger, opts)
}
