package delete

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	icmd "github.com/ratifact-dev/ratifact/internal/cmd"
	"github.com/ratifact-dev/ratifact/internal/config"
	"github.com/ratifact-dev/ratifact/internal/jobs"
	"github.com/ratifact-dev/ratifact/internal/runtime"
	"github.com/ratifact-dev/ratifact/pkg/shared"
	"github.com/ratifact-dev/ratifact/pkg/shared/errors"
)

// RunOptionsDelete holds the arguments for the delete command.
type RunOptionsDelete struct {
	Yes      bool
	Elevated bool
	All      bool
}

// Global variables for configuration and command arguments
var (
	AppConfig     *config.Config
	logger        hclog.Logger
	deleteOptions RunOptionsDelete

	exampleDeleteUsage = `  # Delete one tracked artifact after confirmation
  ratifact delete ~/code/app/target

  # Delete several artifacts without asking
  ratifact delete --yes ~/code/app/target ~/code/web/node_modules

  # Delete every active artifact
  ratifact delete --all

  # Delete root-owned output through the elevation helper
  ratifact delete --elevated /srv/build/app/target`
)

// DeleteCmd represents the delete command.
var DeleteCmd = &cobra.Command{
	Use:                   "delete [--yes] [--elevated] {--all | PATH...}",
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Example:               exampleDeleteUsage,
	Short:                 "Delete tracked build artifacts",
	Long: `Delete tracked build artifacts.

A record is marked deleted only after the directory is verified to be gone.
When a deletion fails for lack of permission you are offered an elevated retry.`,
	RunE: runDeleteCommand,
}

// Init initializes the global configuration variable.
func Init(cfg *config.Config, l hclog.Logger) {
	AppConfig = cfg
	logger = l
}

func runDeleteCommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !shared.HasFlags(cmd.Flags()) {
		return cmd.Help()
	}
	paths, err := validateDeleteArgs(&deleteOptions, args)
	if err != nil {
		logger.Error("invalid delete arguments", "error", err)
		return errors.NewCommandError(fmt.Errorf("invalid delete arguments: %w", err), 2)
	}

	ctx, stop := icmd.SignalContext(cmd.Context())
	defer stop()

	rt, err := icmd.OpenRuntime(ctx, AppConfig, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return errors.NewCommandError(err, 1)
	}
	defer icmd.CloseRuntime(ctx, rt, logger)

	targets, err := resolveTargets(ctx, rt, paths, deleteOptions.All)
	if err != nil {
		return errors.NewCommandError(err, 2)
	}
	if len(targets) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no active artifacts to delete")
		return nil
	}

	out := cmd.OutOrStdout()
	prompter := icmd.NewPrompter(cmd.InOrStdin(), out)
	if !deleteOptions.Yes {
		if err := icmd.PrintArtifacts(out, targets); err != nil {
			return err
		}
		ok, err := prompter.Confirm(fmt.Sprintf("Delete %d artifacts?", len(targets)))
		if err != nil {
			return errors.NewCommandError(err, 1)
		}
		if !ok {
			fmt.Fprintln(out, "aborted")
			return nil
		}
	}

	var credential []byte
	if deleteOptions.Elevated {
		if credential, err = prompter.Credential("Password for elevated deletion: "); err != nil {
			return errors.NewCommandError(err, 1)
		}
		defer icmd.Wipe(credential)
	}

	records := submitAndWait(ctx, rt, pathsOf(targets), credential, out)
	denied := privilegeFailures(records)
	if len(denied) > 0 && !deleteOptions.Elevated && prompter.IsTerminal() {
		ok, err := prompter.Confirm(fmt.Sprintf("%d deletions were denied. Retry with elevated privileges?", len(denied)))
		if err == nil && ok {
			cred, err := prompter.Credential("Password: ")
			if err != nil {
				return errors.NewCommandError(err, 1)
			}
			retried := submitAndWait(ctx, rt, denied, cred, out)
			icmd.Wipe(cred)
			records = mergeRetries(records, retried)
		}
	}

	failed := 0
	for _, r := range records {
		if r.State != jobs.StateSucceeded {
			failed++
		}
	}
	if failed > 0 {
		return errors.NewCommandError(fmt.Errorf("%d of %d deletions did not complete", failed, len(records)), 1)
	}
	logger.Info("delete command completed successfully", "deleted", len(records))
	return nil
}

// resolveTargets returns the Active records for paths, or every Active record when all is set.
func resolveTargets(ctx context.Context, rt *runtime.Runtime, paths []string, all bool) ([]artifacts.Artifact, error) {
	if all {
		return rt.Store.ListActive(ctx)
	}
	out := make([]artifacts.Artifact, 0, len(paths))
	for _, p := range paths {
		a, err := rt.Store.GetArtifact(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		if a.Status != artifacts.StatusActive {
			return nil, fmt.Errorf("%s is %s, only active artifacts can be deleted", p, a.Status)
		}
		out = append(out, a)
	}
	return out, nil
}

// submitAndWait submits one delete per path and waits for every outcome.
func submitAndWait(ctx context.Context, rt *runtime.Runtime, paths []string, credential []byte, out io.Writer) []jobs.Record {
	handles := make([]*jobs.Handle, 0, len(paths))
	records := make([]jobs.Record, 0, len(paths))
	for _, p := range paths {
		job := jobs.Job{Kind: jobs.KindDelete, Path: p, Origin: jobs.OriginOperator}
		if credential != nil {
			job.Kind = jobs.KindDeleteElevated
			job.Credential = credential
		}
		h, err := rt.Executor.Submit(job)
		if err != nil {
			logger.Error("cannot submit delete", "path", p, "error", err)
			records = append(records, jobs.Record{Kind: job.Kind, Target: p, State: jobs.StateFailed, Message: err.Error(), Err: err})
			continue
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		rec, err := h.Wait(ctx)
		if err != nil {
			rec = h.Record()
		}
		icmd.PrintJobResult(out, rec)
		records = append(records, rec)
	}
	return records
}

func init() {
	DeleteCmd.Flags().BoolVarP(&deleteOptions.Yes, "yes", "y", false, "Do not ask for confirmation.")
	DeleteCmd.Flags().BoolVar(&deleteOptions.Elevated, "elevated", false, "Delete through the configured elevation helper. Prompts for a password.")
	DeleteCmd.Flags().BoolVar(&deleteOptions.All, "all", false, "Delete every active artifact.")
	DeleteCmd.Flags().BoolP("help", "h", false, "Show help for the delete command.")
}
