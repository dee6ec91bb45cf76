package watch

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	icmd "github.com/ratifact-dev/ratifact/internal/cmd"
	"github.com/ratifact-dev/ratifact/internal/config"
	"github.com/ratifact-dev/ratifact/pkg/shared/errors"
)

// RunOptionsWatch holds the arguments for the watch command.
type RunOptionsWatch struct {
	SkipInitialScan bool
	Poll            bool
}

// Global variables for configuration and command arguments
var (
	AppConfig    *config.Config
	logger       hclog.Logger
	watchOptions RunOptionsWatch
)

// WatchCmd represents the watch command.
var WatchCmd = &cobra.Command{
	Use:                   "watch [--skip-initial-scan] [--poll]",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Example: `  # Keep the store in sync with disk and run automatic removal when enabled
  ratifact watch

  # Use periodic rescans instead of change notification
  ratifact watch --poll`,
	Short: "Track changes in the background until interrupted",
	Long: `Track changes in the background until interrupted.

Filesystem changes trigger a rescan of the affected project. When the system
runs out of watch descriptors the watcher falls back to periodic rescans.
Automatic removal cycles run on the configured interval while it is enabled.`,
	RunE: runWatchCommand,
}

// Init initializes the global configuration variable.
func Init(cfg *config.Config, l hclog.Logger) {
	AppConfig = cfg
	logger = l
}

func runWatchCommand(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errors.NewCommandError(fmt.Errorf("invalid argument(s) received, the watch command takes no positional arguments"), 2)
	}
	if !config.WatcherEnabled(AppConfig) {
		return errors.NewCommandError(fmt.Errorf("the watcher is disabled in the configuration"), 2)
	}

	ctx, stop := icmd.SignalContext(cmd.Context())
	defer stop()

	rt, err := openWatchRuntime(ctx)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return errors.NewCommandError(err, 1)
	}
	defer icmd.CloseRuntime(ctx, rt, logger)

	if !watchOptions.SkipInitialScan {
		sessions, err := rt.Scan(ctx, rt.Roots())
		if err != nil {
			logger.Error("initial scan failed", "error", err)
			return errors.NewCommandError(err, 1)
		}
		for _, s := range sessions {
			logger.Info("initial scan", "root", s.Root, "found", s.Found, "errors", len(s.Errors), "took", s.Duration())
		}
	}

	if err := rt.StartWatcher(ctx); err != nil {
		return errors.NewCommandError(err, 1)
	}
	rt.StartAutoRemoval(ctx)
	logger.Info("watching", "roots", rt.Roots(), "mode", rt.Watcher().Mode(), "cycle_interval", AppConfig.Retention.CycleInterval)

	<-ctx.Done()
	logger.Info("stopping")
	return nil
}

func init() {
	WatchCmd.Flags().BoolVar(&watchOptions.SkipInitialScan, "skip-initial-scan", false, "Do not scan the roots before watching.")
	WatchCmd.Flags().BoolVar(&watchOptions.Poll, "poll", false, "Rescan periodically instead of using change notification.")
	WatchCmd.Flags().BoolP("help", "h", false, "Show help for the watch command.")
}
