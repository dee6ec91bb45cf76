package retention

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

// RunOptionsRetention holds the arguments for the retention command.
type RunOptionsRetention struct {
	Days int
	Auto string
	Yes  bool
	JSON bool
}

// Global variables for configuration and command arguments
var (
	AppConfig        *config.Config
	logger           hclog.Logger
	retentionOptions RunOptionsRetention

	exampleRetentionUsage = `  # Show the retention policy
  ratifact retention

  # Keep artifacts for two weeks
  ratifact retention --days 14

  # Enable automatic removal after reviewing what it would delete
  ratifact retention --auto on`
)

// RetentionCmd represents the retention command.
var RetentionCmd = &cobra.Command{
	Use:                   "retention [--days N] [--auto on|off] [--yes] [--json]",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Example:               exampleRetentionUsage,
	Short:                 "Show or change the retention policy",
	RunE:                  runRetentionCommand,
}

// Init initializes the global configuration variable.
func Init(cfg *config.Config, l hclog.Logger) {
	AppConfig = cfg
	logger = l
}

func runRetentionCommand(cmd *cobra.Command, args []string) error {
	if err := validateRetentionArgs(&retentionOptions, args); err != nil {
		logger.Error("invalid retention arguments", "error", err)
		return errors.NewCommandError(fmt.Errorf("invalid retention arguments: %w", err), 2)
	}

	ctx := cmd.Context()
	rt, err := icmd.OpenRuntime(ctx, AppConfig, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return errors.NewCommandError(err, 1)
	}
	defer icmd.CloseRuntime(ctx, rt, logger)

	showOnly := retentionOptions.Days == 0 && retentionOptions.Auto == ""
	// an invalid stored policy can still be replaced
	current, err := rt.Engine.Policy(ctx)
	if err != nil && showOnly {
		return errors.NewCommandError(err, 1)
	}
	out := cmd.OutOrStdout()
	if showOnly {
		if retentionOptions.JSON {
			return shared.WriteResultAsJSON(out, current)
		}
		printPolicy(cmd, current)
		return nil
	}

	next := proposedPolicy(current, &retentionOptions)
	if next.AutoRemovalEnabled && !current.AutoRemovalEnabled && !retentionOptions.Yes {
		decisions, err := rt.Engine.DryRunWith(ctx, next)
		if err != nil {
			return errors.NewCommandError(err, 1)
		}
		fmt.Fprintln(out, "Enabling automatic removal will delete:")
		if err := icmd.PrintDecisions(out, decisions); err != nil {
			return err
		}
		ok, err := icmd.NewPrompter(cmd.InOrStdin(), out).Confirm("Enable automatic removal?")
		if err != nil {
			return errors.NewCommandError(err, 1)
		}
		if !ok {
			fmt.Fprintln(out, "aborted")
			return nil
		}
	}

	if err := rt.SetRetentionPolicy(ctx, next); err != nil {
		logger.Error("failed to update retention policy", "error", err)
		return errors.NewCommandError(err, 1)
	}
	printPolicy(cmd, next)
	return nil
}

// proposedPolicy applies the flags to the current policy.
func proposedPolicy(current artifacts.RetentionPolicy, options *RunOptionsRetention) artifacts.RetentionPolicy {
	next := current
	if options.Days > 0 {
		next.RetentionDays = options.Days
	}
	switch options.Auto {
	case "on":
		next.AutoRemovalEnabled = true
	case "off":
		next.AutoRemovalEnabled = false
	}
	return next
}

func printPolicy(cmd *cobra.Command, p artifacts.RetentionPolicy) {
	state := "disabled"
	if p.AutoRemovalEnabled {
		state = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "retention: %d days\nautomatic removal: %s\n", p.RetentionDays, state)
}

func init() {
	RetentionCmd.Flags().IntVar(&retentionOptions.Days, "days", 0, "Retention period in days.")
	RetentionCmd.Flags().StringVar(&retentionOptions.Auto, "auto", "", "Turn automatic removal on or off.")
	RetentionCmd.Flags().BoolVarP(&retentionOptions.Yes, "yes", "y", false, "Enable automatic removal without reviewing the dry run.")
	RetentionCmd.Flags().BoolVar(&retentionOptions.JSON, "json", false, "Print the policy as JSON.")
	RetentionCmd.Flags().BoolP("help", "h", false, "Show help for the retention command.")
}
