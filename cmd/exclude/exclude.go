package exclude

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	icmd "github.com/ratifact-dev/ratifact/internal/cmd"
	"github.com/ratifact-dev/ratifact/internal/config"
	"github.com/ratifact-dev/ratifact/pkg/shared"
	"github.com/ratifact-dev/ratifact/pkg/shared/errors"
)

// Global variables for configuration and command arguments
var (
	AppConfig *config.Config
	logger    hclog.Logger
	asJSON    bool

	exampleExcludeUsage = `  # Never scan or remove anything below a directory
  ratifact exclude add ~/code/keep-me

  # Exclude by name anywhere
  ratifact exclude add 'vendor*'

  # Track the directory again
  ratifact exclude remove ~/code/keep-me

  # Show the exclusion list
  ratifact exclude list`
)

// ExcludeCmd groups the exclusion subcommands.
var ExcludeCmd = &cobra.Command{
	Use:                   "exclude {add | remove | list}",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Example:               exampleExcludeUsage,
	Short:                 "Manage paths excluded from scanning and removal",
}

var addCmd = &cobra.Command{
	Use:                   "add PATH_OR_GLOB...",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Short:                 "Exclude paths and mark their tracked artifacts excluded",
	RunE:                  func(cmd *cobra.Command, args []string) error { return setExclusion(cmd, args, true) },
}

var removeCmd = &cobra.Command{
	Use:                   "remove PATH_OR_GLOB...",
	Aliases:               []string{"rm"},
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Short:                 "Remove exclusions and rescan what they covered",
	RunE:                  func(cmd *cobra.Command, args []string) error { return setExclusion(cmd, args, false) },
}

var listCmd = &cobra.Command{
	Use:                   "list [--json]",
	Aliases:               []string{"ls"},
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Short:                 "List exclusions",
	RunE:                  runListExclusions,
}

// Init initializes the global configuration variable.
func Init(cfg *config.Config, l hclog.Logger) {
	AppConfig = cfg
	logger = l
}

func setExclusion(cmd *cobra.Command, args []string, excluded bool) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	if err := validateExcludeArgs(args); err != nil {
		logger.Error("invalid exclude arguments", "error", err)
		return errors.NewCommandError(fmt.Errorf("invalid exclude arguments: %w", err), 2)
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
	for _, raw := range args {
		entry, sessions, err := rt.SetExclusion(ctx, raw, excluded)
		if err != nil {
			logger.Error("exclusion change failed", "path", raw, "error", err)
			return errors.NewCommandError(err, 1)
		}
		verb := "excluded"
		if !excluded {
			verb = "included"
		}
		fmt.Fprintf(out, "%s %s\n", verb, entry.Path)
		if len(sessions) > 0 {
			if err := icmd.PrintScanSessions(out, sessions); err != nil {
				return err
			}
		}
	}
	return nil
}

func runListExclusions(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := icmd.OpenRuntime(ctx, AppConfig, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return errors.NewCommandError(err, 1)
	}
	defer icmd.CloseRuntime(ctx, rt, logger)

	list, err := rt.Store.ListExclusions(ctx)
	if err != nil {
		return errors.NewCommandError(err, 1)
	}
	if asJSON {
		return shared.WriteResultAsJSON(cmd.OutOrStdout(), list)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tADDED")
	for _, e := range list {
		fmt.Fprintf(tw, "%s\t%s\n", e.Path, e.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func init() {
	listCmd.Flags().BoolVar(&asJSON, "json", false, "Print the exclusion list as JSON.")
	ExcludeCmd.AddCommand(addCmd, removeCmd, listCmd)
}
