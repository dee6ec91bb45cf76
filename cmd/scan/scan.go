package scan

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	icmd "github.com/ratifact-dev/ratifact/internal/cmd"
	"github.com/ratifact-dev/ratifact/internal/config"
	"github.com/ratifact-dev/ratifact/pkg/shared"
	"github.com/ratifact-dev/ratifact/pkg/shared/errors"
)

// RunOptionsScan holds the arguments for the scan command.
type RunOptionsScan struct {
	JSON     bool
	MaxDepth int
}

// Global variables for configuration and command arguments
var (
	AppConfig   *config.Config
	logger      hclog.Logger
	scanOptions RunOptionsScan

	exampleScanUsage = `  # Scan the configured roots
  ratifact scan

  # Scan specific directories
  ratifact scan ~/code ~/work

  # Scan deeper than the configured depth and print the summary as JSON
  ratifact scan --max-depth 10 --json ~/code`
)

// ScanCmd represents the scan command.
var ScanCmd = &cobra.Command{
	Use:                   "scan [--max-depth N] [--json] [PATH...]",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Example:               exampleScanUsage,
	Short:                 "Discover build artifacts and reconcile them with the store",
	RunE:                  runScanCommand,
}

// Init initializes the global configuration variable.
func Init(cfg *config.Config, l hclog.Logger) {
	AppConfig = cfg
	logger = l
}

func runScanCommand(cmd *cobra.Command, args []string) error {
	if err := validateScanArgs(&scanOptions, args); err != nil {
		logger.Error("invalid scan arguments", "error", err)
		return errors.NewCommandError(fmt.Errorf("invalid scan arguments: %w", err), 2)
	}
	roots, err := icmd.ScanTargets(AppConfig, args)
	if err != nil {
		return errors.NewCommandError(err, 2)
	}
	if scanOptions.MaxDepth > 0 {
		AppConfig.Scan.MaxDepth = scanOptions.MaxDepth
	}

	ctx, stop := icmd.SignalContext(cmd.Context())
	defer stop()

	rt, err := icmd.OpenRuntime(ctx, AppConfig, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return errors.NewCommandError(err, 1)
	}
	defer icmd.CloseRuntime(ctx, rt, logger)

	logger.Info("scanning", "roots", roots)
	sessions, scanErr := rt.Scan(ctx, roots)

	if scanOptions.JSON {
		if err := shared.WriteResultAsJSON(cmd.OutOrStdout(), sessions); err != nil {
			logger.Error("error serializing JSON result", "error", err)
		}
	} else if err := icmd.PrintScanSessions(cmd.OutOrStdout(), sessions); err != nil {
		return err
	}
	if scanErr != nil {
		logger.Error("scan command failed", "error", scanErr)
		return errors.NewCommandError(fmt.Errorf("scan command failed: %w", scanErr), 1)
	}

	active, err := rt.Store.ListActive(ctx)
	if err != nil {
		return errors.NewCommandError(err, 1)
	}
	if !scanOptions.JSON {
		icmd.PrintTotals(cmd.OutOrStdout(), artifacts.Summarize(active))
	}
	logger.Info("scan command completed successfully", "roots", len(sessions))
	return nil
}

func init() {
	ScanCmd.Flags().IntVar(&scanOptions.MaxDepth, "max-depth", 0, "Maximum directory depth below each root (default from config).")
	ScanCmd.Flags().BoolVar(&scanOptions.JSON, "json", false, "Print the scan summary as JSON.")
	ScanCmd.Flags().BoolP("help", "h", false, "Show help for the scan command.")
}
