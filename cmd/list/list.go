package list

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	icmd "github.com/ratifact-dev/ratifact/internal/cmd"
	"github.com/ratifact-dev/ratifact/internal/config"
	"github.com/ratifact-dev/ratifact/pkg/shared"
	"github.com/ratifact-dev/ratifact/pkg/shared/errors"
	"github.com/ratifact-dev/ratifact/pkg/shared/files"
)

// RunOptionsList holds the arguments for the list command.
type RunOptionsList struct {
	All        bool
	JSON       bool
	Language   string
	Status     string
	Under      string
	OutputPath string
}

// Global variables for configuration and command arguments
var (
	AppConfig   *config.Config
	logger      hclog.Logger
	listOptions RunOptionsList

	exampleListUsage = `  # List active artifacts, largest first
  ratifact list

  # Include deleted and excluded records
  ratifact list --all

  # Only Rust artifacts below a directory, as JSON
  ratifact list --language Rust --under ~/code --json

  # Save the list to a file
  ratifact list -o /tmp/artifacts.json`
)

// ListCmd represents the list command.
var ListCmd = &cobra.Command{
	Use:                   "list [--all | --status STATUS] [--language LANGUAGE] [--under PATH] [--json] [--output/-o PATH]",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Example:               exampleListUsage,
	Short:                 "List tracked build artifacts",
	RunE:                  runListCommand,
}

// Init initializes the global configuration variable.
func Init(cfg *config.Config, l hclog.Logger) {
	AppConfig = cfg
	logger = l
}

func runListCommand(cmd *cobra.Command, args []string) error {
	if err := validateListArgs(&listOptions, args); err != nil {
		logger.Error("invalid list arguments", "error", err)
		return errors.NewCommandError(fmt.Errorf("invalid list arguments: %w", err), 2)
	}

	ctx := cmd.Context()
	rt, err := icmd.OpenRuntime(ctx, AppConfig, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return errors.NewCommandError(err, 1)
	}
	defer icmd.CloseRuntime(ctx, rt, logger)

	var list []artifacts.Artifact
	if listOptions.Under != "" {
		list, err = rt.Store.ListUnder(ctx, listOptions.Under)
	} else {
		list, err = rt.Store.ListArtifacts(ctx)
	}
	if err != nil {
		logger.Error("failed to read artifacts", "error", err)
		return errors.NewCommandError(err, 1)
	}
	list = filterArtifacts(list, &listOptions)

	if listOptions.OutputPath != "" {
		data, err := json.MarshalIndent(list, "", "    ")
		if err != nil {
			return fmt.Errorf("error marshaling the result data: %w", err)
		}
		if err := files.WriteJsonFile(listOptions.OutputPath, data); err != nil {
			logger.Error("failed to write result", "error", err)
			return errors.NewCommandError(err, 1)
		}
		logger.Info("results saved to file", "path", listOptions.OutputPath, "artifacts", len(list))
		return nil
	}
	if listOptions.JSON {
		return shared.WriteResultAsJSON(cmd.OutOrStdout(), list)
	}
	return icmd.PrintArtifacts(cmd.OutOrStdout(), list)
}

func init() {
	ListCmd.Flags().BoolVarP(&listOptions.All, "all", "a", false, "Include deleted and excluded records.")
	ListCmd.Flags().StringVar(&listOptions.Status, "status", "", "Only records with this status (active, pending_delete, deleted, excluded).")
	ListCmd.Flags().StringVarP(&listOptions.Language, "language", "l", "", "Only artifacts of this language.")
	ListCmd.Flags().StringVar(&listOptions.Under, "under", "", "Only artifacts at or below this directory.")
	ListCmd.Flags().BoolVar(&listOptions.JSON, "json", false, "Print the list as JSON.")
	ListCmd.Flags().StringVarP(&listOptions.OutputPath, "output", "o", "", "Write the list as JSON to this file.")
	ListCmd.Flags().BoolP("help", "h", false, "Show help for the list command.")
}
