package history

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

// RunOptionsHistory holds the arguments for the history command.
type RunOptionsHistory struct {
	Limit      int
	Kind       string
	JSON       bool
	ShowOutput bool
}

// Global variables for configuration and command arguments
var (
	AppConfig      *config.Config
	logger         hclog.Logger
	historyOptions RunOptionsHistory
)

// HistoryCmd represents the history command.
var HistoryCmd = &cobra.Command{
	Use:                   "history [-n N] [--kind KIND] [--output] [--json]",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Example: `  # Show the last 20 events
  ratifact history

  # Show rebuilds with their captured output
  ratifact history --kind rebuild --output`,
	Short: "Show scans, deletions, rebuilds and settings changes",
	RunE:  runHistoryCommand,
}

// Init initializes the global configuration variable.
func Init(cfg *config.Config, l hclog.Logger) {
	AppConfig = cfg
	logger = l
}

func runHistoryCommand(cmd *cobra.Command, args []string) error {
	if err := validateHistoryArgs(&historyOptions, args); err != nil {
		logger.Error("invalid history arguments", "error", err)
		return errors.NewCommandError(fmt.Errorf("invalid history arguments: %w", err), 2)
	}

	ctx := cmd.Context()
	rt, err := icmd.OpenRuntime(ctx, AppConfig, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return errors.NewCommandError(err, 1)
	}
	defer icmd.CloseRuntime(ctx, rt, logger)

	limit := historyOptions.Limit
	if historyOptions.Kind != "" {
		// filter before limiting
		limit = 0
	}
	events, err := rt.Store.ListHistory(ctx, limit)
	if err != nil {
		return errors.NewCommandError(err, 1)
	}
	events = filterEvents(events, artifacts.HistoryKind(historyOptions.Kind), historyOptions.Limit)

	out := cmd.OutOrStdout()
	if historyOptions.JSON {
		return shared.WriteResultAsJSON(out, events)
	}
	if err := icmd.PrintHistory(out, events); err != nil {
		return err
	}
	if historyOptions.ShowOutput {
		for _, ev := range events {
			if ev.Output == "" {
				continue
			}
			fmt.Fprintf(out, "\n--- %s %s (job %s)\n%s\n", ev.Kind, ev.Path, ev.JobID, ev.Output)
		}
	}
	return nil
}

func filterEvents(events []artifacts.HistoryEvent, kind artifacts.HistoryKind, limit int) []artifacts.HistoryEvent {
	out := make([]artifacts.HistoryEvent, 0, len(events))
	for _, ev := range events {
		if kind != "" && ev.Kind != kind {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func init() {
	HistoryCmd.Flags().IntVarP(&historyOptions.Limit, "limit", "n", 20, "Number of events to show, 0 for all.")
	HistoryCmd.Flags().StringVar(&historyOptions.Kind, "kind", "", "Only events of this kind (scan, delete, rebuild, status, exclude, include, policy).")
	HistoryCmd.Flags().BoolVar(&historyOptions.ShowOutput, "output", false, "Print captured subprocess output.")
	HistoryCmd.Flags().BoolVar(&historyOptions.JSON, "json", false, "Print events as JSON.")
	HistoryCmd.Flags().BoolP("help", "h", false, "Show help for the history command.")
}
