package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	deletecmd "github.com/ratifact-dev/ratifact/cmd/delete"
	"github.com/ratifact-dev/ratifact/cmd/exclude"
	"github.com/ratifact-dev/ratifact/cmd/history"
	"github.com/ratifact-dev/ratifact/cmd/list"
	"github.com/ratifact-dev/ratifact/cmd/prune"
	"github.com/ratifact-dev/ratifact/cmd/rebuild"
	"github.com/ratifact-dev/ratifact/cmd/retention"
	"github.com/ratifact-dev/ratifact/cmd/scan"
	"github.com/ratifact-dev/ratifact/cmd/session"
	"github.com/ratifact-dev/ratifact/cmd/version"
	"github.com/ratifact-dev/ratifact/cmd/watch"
	"github.com/ratifact-dev/ratifact/internal/config"
	"github.com/ratifact-dev/ratifact/internal/logger"
	sharederrors "github.com/ratifact-dev/ratifact/pkg/shared/errors"
)

var (
	cfgFile   string
	envFile   string
	logCloser io.Closer
	AppConfig *config.Config
	rootCmd   = &cobra.Command{
		Use:                   "ratifact [command]",
		SilenceUsage:          true,
		SilenceErrors:         true,
		DisableFlagsInUseLine: true,
		Short:                 "Ratifact finds and safely removes stale build artifacts.",
		Long: `Ratifact finds build output directories (target, node_modules, build and friends)
across your projects, tracks them in a store and removes them on request or
automatically once they have been unchanged for longer than the retention period.
A directory is reported deleted only after it is verified gone from disk.`,
		PersistentPreRunE: initConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $RATIFACT_CONFIG or ~/.ratifact/config.yml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the configuration")

	rootCmd.AddCommand(version.NewVersionCmd())
	rootCmd.AddCommand(scan.ScanCmd)
	rootCmd.AddCommand(list.ListCmd)
	rootCmd.AddCommand(deletecmd.DeleteCmd)
	rootCmd.AddCommand(rebuild.RebuildCmd)
	rootCmd.AddCommand(exclude.ExcludeCmd)
	rootCmd.AddCommand(prune.PruneCmd)
	rootCmd.AddCommand(retention.RetentionCmd)
	rootCmd.AddCommand(history.HistoryCmd)
	rootCmd.AddCommand(watch.WatchCmd)
	rootCmd.AddCommand(session.SessionCmd)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	defer closeLogger()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var cmdErr *sharederrors.CommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitCode != 0 {
			return cmdErr.ExitCode
		}
		return 1
	}
	return 0
}

func initConfig(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return sharederrors.NewCommandError(err, 2)
	}

	explicit := cfgFile != ""
	path := cfgFile
	if !explicit {
		var err error
		if path, err = config.DefaultConfigPath(); err != nil {
			return sharederrors.NewCommandError(fmt.Errorf("initializing config failed: %w", err), 2)
		}
		explicit = os.Getenv("RATIFACT_CONFIG") != ""
	}

	var err error
	AppConfig, err = config.LoadConfig(path, explicit)
	if err != nil {
		return sharederrors.NewCommandError(fmt.Errorf("initializing config failed: %w", err), 2)
	}
	if err := config.ValidateConfig(AppConfig); err != nil {
		return sharederrors.NewCommandError(err, 2)
	}

	var l hclog.Logger
	l, logCloser = logger.NewLogger(AppConfig, "ratifact")
	version.Init(AppConfig)
	initCommands(AppConfig, l)
	return nil
}

func closeLogger() {
	if logCloser != nil {
		_ = logCloser.Close()
		logCloser = nil
	}
}

func initCommands(cfg *config.Config, l hclog.Logger) {
	scan.Init(cfg, l.Named("scan"))
	list.Init(cfg, l.Named("list"))
	deletecmd.Init(cfg, l.Named("delete"))
	rebuild.Init(cfg, l.Named("rebuild"))
	exclude.Init(cfg, l.Named("exclude"))
	prune.Init(cfg, l.Named("prune"))
	retention.Init(cfg, l.Named("retention"))
	history.Init(cfg, l.Named("history"))
	watch.Init(cfg, l.Named("watch"))
	session.Init(cfg, l.Named("session"))
}
