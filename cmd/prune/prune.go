package prune

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	icmd "github.com/ratifact-dev/ratifact/internal/cmd"
	"github.com/ratifact-dev/ratifact/internal/config"
	"github.com/ratifact-dev/ratifact/internal/jobs"
	"github.com/ratifact-dev/ratifact/pkg/shared"
	"github.com/ratifact-dev/ratifact/pkg/shared/errors"
)

// RunOptionsPrune holds the arguments for the prune command.
type RunOptionsPrune struct {
	DryRun bool
	Days   int
	JSON   bool
}

// Global variables for configuration and command arguments
var (
	AppConfig    *config.Config
	logger       hclog.Logger
	pruneOptions RunOptionsPrune

	examplePruneUsage = `  # Show what automatic removal would delete now
  ratifact prune --dry-run

  # Preview under a different retention period
  ratifact prune --dry-run --days 7

  # Run one automatic removal cycle (automatic removal must be enabled)
  ratifact prune`
)

// PruneCmd represents the prune command.
var PruneCmd = &cobra.Command{
	Use:                   "prune [--dry-run [--days N] [--json]]",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Example:               examplePruneUsage,
	Short:                 "Remove artifacts unchanged for longer than the retention period",
	Long: `Remove artifacts unchanged for longer than the retention period.

An artifact is removed only when it is tracked, matches a build-output pattern of
its project, has not changed within the retention period and is not excluded.
Every condition is checked again immediately before deletion.`,
	RunE: runPruneCommand,
}

// Init initializes the global configuration variable.
func Init(cfg *config.Config, l hclog.Logger) {
	AppConfig = cfg
	logger = l
}

func runPruneCommand(cmd *cobra.Command, args []string) error {
	if err := validatePruneArgs(&pruneOptions, args); err != nil {
		logger.Error("invalid prune arguments", "error", err)
		return errors.NewCommandError(fmt.Errorf("invalid prune arguments: %w", err), 2)
	}

	ctx, stop := icmd.SignalContext(cmd.Context())
	defer stop()

	rt, err := icmd.OpenRuntime(ctx, AppConfig, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return errors.NewCommandError(err, 1)
	}
	defer icmd.CloseRuntime(ctx, rt, logger)

	out := cmd.OutOrStdout()
	if pruneOptions.DryRun {
		decisions, err := rt.Engine.DryRunWith(ctx, artifacts.RetentionPolicy{RetentionDays: pruneOptions.Days})
		if err != nil {
			return errors.NewCommandError(err, 1)
		}
		if pruneOptions.JSON {
			return shared.WriteResultAsJSON(out, decisions)
		}
		return icmd.PrintDecisions(out, decisions)
	}

	report, err := rt.Engine.RunCycle(ctx)
	if err != nil {
		logger.Error("automatic removal cycle failed", "error", err)
		return errors.NewCommandError(err, 1)
	}
	if !report.Enabled {
		fmt.Fprintln(out, "automatic removal is disabled, enable it with 'ratifact retention --auto on' or preview with --dry-run")
		return nil
	}

	failed := 0
	for _, h := range report.Submitted {
		rec, err := h.Wait(ctx)
		if err != nil {
			rec = h.Record()
		}
		icmd.PrintJobResult(out, rec)
		if rec.State == jobs.StateFailed {
			failed++
		}
	}
	fmt.Fprintf(out, "evaluated %d, submitted %d, skipped %d\n", report.Evaluated, len(report.Submitted), report.Skipped)
	if failed > 0 {
		return errors.NewCommandError(fmt.Errorf("%d automatic removals failed", failed), 1)
	}
	return nil
}

func init() {
	PruneCmd.Flags().BoolVar(&pruneOptions.DryRun, "dry-run", false, "List what would be removed without removing anything.")
	PruneCmd.Flags().IntVar(&pruneOptions.Days, "days", 0, "Retention period to preview with --dry-run (default: stored policy).")
	PruneCmd.Flags().BoolVar(&pruneOptions.JSON, "json", false, "Print the dry run as JSON.")
	PruneCmd.Flags().BoolP("help", "h", false, "Show help for the prune command.")
}
