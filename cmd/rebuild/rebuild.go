package rebuild

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	icmd "github.com/ratifact-dev/ratifact/internal/cmd"
	"github.com/ratifact-dev/ratifact/internal/config"
	"github.com/ratifact-dev/ratifact/internal/jobs"
	"github.com/ratifact-dev/ratifact/internal/store"
	"github.com/ratifact-dev/ratifact/pkg/shared/errors"
)

// RunOptionsRebuild holds the arguments for the rebuild command.
type RunOptionsRebuild struct {
	BuildSystem string
	ShowOutput  bool
}

// Global variables for configuration and command arguments
var (
	AppConfig      *config.Config
	logger         hclog.Logger
	rebuildOptions RunOptionsRebuild

	exampleRebuildUsage = `  # Rebuild a scanned project with its detected build system
  ratifact rebuild ~/code/app

  # Override the build system and print the build output
  ratifact rebuild --build-system make --output ~/code/tool`
)

// RebuildCmd represents the rebuild command.
var RebuildCmd = &cobra.Command{
	Use:                   "rebuild [--build-system NAME] [--output] PROJECT_ROOT",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Example:               exampleRebuildUsage,
	Short:                 "Run the build command of a project",
	RunE:                  runRebuildCommand,
}

// Init initializes the global configuration variable.
func Init(cfg *config.Config, l hclog.Logger) {
	AppConfig = cfg
	logger = l
}

func runRebuildCommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}
	root, err := validateRebuildArgs(&rebuildOptions, AppConfig, args)
	if err != nil {
		logger.Error("invalid rebuild arguments", "error", err)
		return errors.NewCommandError(fmt.Errorf("invalid rebuild arguments: %w", err), 2)
	}

	ctx, stop := icmd.SignalContext(cmd.Context())
	defer stop()

	rt, err := icmd.OpenRuntime(ctx, AppConfig, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return errors.NewCommandError(err, 1)
	}
	defer icmd.CloseRuntime(ctx, rt, logger)

	buildSystem := rebuildOptions.BuildSystem
	if buildSystem == "" {
		if buildSystem, err = lookupBuildSystem(ctx, rt.Store, root); err != nil {
			return errors.NewCommandError(err, 2)
		}
	}

	h, err := rt.Executor.Submit(jobs.Job{
		Kind:        jobs.KindRebuild,
		ProjectRoot: root,
		BuildSystem: buildSystem,
		Origin:      jobs.OriginOperator,
	})
	if err != nil {
		return errors.NewCommandError(err, 1)
	}
	logger.Info("rebuilding", "project", root, "build_system", buildSystem, "job", h.ID())

	rec, err := h.Wait(ctx)
	if err != nil {
		h.Cancel()
		rec = h.Record()
	}
	out := cmd.OutOrStdout()
	if rebuildOptions.ShowOutput || rec.State == jobs.StateFailed {
		fmt.Fprint(out, rec.Output)
	}
	icmd.PrintJobResult(out, rec)
	if rec.State != jobs.StateSucceeded {
		return errors.NewCommandError(fmt.Errorf("rebuild of %s %s", root, rec.State), 1)
	}
	return nil
}

// lookupBuildSystem finds the build system recorded for root by a scan.
func lookupBuildSystem(ctx context.Context, st store.Store, root string) (string, error) {
	projects, err := st.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range projects {
		if p.Root == root {
			if p.BuildSystem == "" {
				break
			}
			return p.BuildSystem, nil
		}
	}
	return "", fmt.Errorf("%s is not a known project, scan it first or pass --build-system: %w", root, errors.ErrNotFound)
}

func init() {
	RebuildCmd.Flags().StringVar(&rebuildOptions.BuildSystem, "build-system", "", "Build system to use instead of the detected one.")
	RebuildCmd.Flags().BoolVar(&rebuildOptions.ShowOutput, "output", false, "Print the build output.")
	RebuildCmd.Flags().BoolP("help", "h", false, "Show help for the rebuild command.")
}
