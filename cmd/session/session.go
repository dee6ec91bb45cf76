package session

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	icmd "github.com/ratifact-dev/ratifact/internal/cmd"
	"github.com/ratifact-dev/ratifact/internal/config"
	ilogger "github.com/ratifact-dev/ratifact/internal/logger"
	"github.com/ratifact-dev/ratifact/internal/session"
	"github.com/ratifact-dev/ratifact/pkg/shared/errors"
)

// RunOptionsSession holds the arguments for the session command.
type RunOptionsSession struct {
	SkipInitialScan bool
	NoWatch         bool
}

// Global variables for configuration and command arguments
var (
	AppConfig      *config.Config
	logger         hclog.Logger
	sessionOptions RunOptionsSession
)

// SessionCmd represents the interactive session command.
var SessionCmd = &cobra.Command{
	Use:                   "session [--skip-initial-scan] [--no-watch]",
	Aliases:               []string{"ui"},
	SilenceUsage:          true,
	DisableFlagsInUseLine: true,
	Short:                 "Start an interactive session",
	Long: `Start an interactive session.

Scans, deletions and rebuilds run in the background while you keep typing.
Destructive actions open a confirmation that must be answered with yes or no.
Logs are written to the log file instead of the terminal. Type help for commands.`,
	RunE: runSessionCommand,
}

// Init initializes the global configuration variable.
func Init(cfg *config.Config, l hclog.Logger) {
	AppConfig = cfg
	logger = l
}

func runSessionCommand(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errors.NewCommandError(fmt.Errorf("invalid argument(s) received, the session command takes no positional arguments"), 2)
	}

	fileLogger, closer, err := ilogger.NewFileLogger(AppConfig, "ratifact")
	if err != nil {
		return errors.NewCommandError(err, 1)
	}
	defer closer.Close()
	logger = fileLogger

	ctx, stop := icmd.SignalContext(cmd.Context())
	defer stop()

	rt, err := icmd.OpenRuntime(ctx, AppConfig, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return errors.NewCommandError(err, 1)
	}
	defer icmd.CloseRuntime(ctx, rt, logger)

	if !sessionOptions.NoWatch {
		if err := rt.StartWatcher(ctx); err != nil {
			logger.Warn("continuing without change notification", "error", err)
		}
	}
	rt.StartAutoRemoval(ctx)

	c, err := rt.NewSession(ctx)
	if err != nil {
		return errors.NewCommandError(err, 1)
	}
	defer c.Shutdown()

	out := cmd.OutOrStdout()
	if !sessionOptions.SkipInitialScan {
		if err := c.RequestScan(); err != nil {
			fmt.Fprintf(out, "scan: %v\n", err)
		}
	}
	fmt.Fprintln(out, "ratifact session, type help for commands")
	return repl(ctx, c, cmd.InOrStdin(), out)
}

// input is one answer from the terminal: a command line or a secret.
type input struct {
	line   string
	secret []byte
	err    error
}

// reader reads from in only when asked, so no read is pending on the
// terminal while a secret is being entered.
type reader struct {
	requests chan bool
	results  chan input
}

func newReader(ctx context.Context, p *icmd.Prompter) *reader {
	r := &reader{requests: make(chan bool), results: make(chan input)}
	go func() {
		for {
			var secret bool
			select {
			case <-ctx.Done():
				return
			case secret = <-r.requests:
			}
			var res input
			if secret {
				res.secret, res.err = p.ReadSecret()
			} else {
				res.line, res.err = p.ReadLine()
			}
			select {
			case r.results <- res:
			case <-ctx.Done():
				icmd.Wipe(res.secret)
				return
			}
		}
	}()
	return r
}

// read returns the next answer, or false when ctx ends first.
func (r *reader) read(ctx context.Context, secret bool) (input, bool) {
	select {
	case r.requests <- secret:
	case <-ctx.Done():
		return input{}, false
	}
	select {
	case res := <-r.results:
		return res, true
	case <-ctx.Done():
		return input{}, false
	}
}

// repl reads commands until quit, end of input or cancellation. While the
// credential dialog is open the next line is taken as the password and is
// never executed or echoed.
func repl(ctx context.Context, c Controller, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r := newReader(ctx, icmd.NewPrompter(in, out))

	for {
		if snap := c.Snapshot(); snap.Modal == session.ModalCredentialPrompt {
			fmt.Fprintf(out, "Permission denied for:\n")
			for _, p := range snap.Pending {
				fmt.Fprintf(out, "  %s\n", p)
			}
			fmt.Fprint(out, "Password for elevated deletion (empty to cancel): ")
			res, ok := r.read(ctx, true)
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			if err := submitCredential(c, res, out); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if res.err == io.EOF {
				fmt.Fprintln(out)
				return nil
			}
			continue
		}

		fmt.Fprint(out, prompt(c.Snapshot()))
		res, ok := r.read(ctx, false)
		if !ok || res.err == io.EOF {
			fmt.Fprintln(out)
			return nil
		}
		if res.err != nil {
			return res.err
		}
		if c.Snapshot().Modal == session.ModalCredentialPrompt {
			fmt.Fprintln(out, "input ignored, a password is required first")
			continue
		}
		quit, err := execute(c, res.line, out)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

// submitCredential hands a password to the controller. An empty answer or a
// read failure closes the dialog.
func submitCredential(c Controller, res input, out io.Writer) error {
	defer icmd.Wipe(res.secret)
	if res.err != nil || len(res.secret) == 0 {
		c.Cancel()
		if res.err == io.EOF {
			return nil
		}
		return res.err
	}
	handles, err := c.SubmitCredential(res.secret)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "submitted %d elevated deletions\n", len(handles))
	return nil
}

func init() {
	SessionCmd.Flags().BoolVar(&sessionOptions.SkipInitialScan, "skip-initial-scan", false, "Do not scan the roots when the session starts.")
	SessionCmd.Flags().BoolVar(&sessionOptions.NoWatch, "no-watch", false, "Do not watch for filesystem changes.")
	SessionCmd.Flags().BoolP("help", "h", false, "Show help for the session command.")
}
