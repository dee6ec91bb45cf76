package jobs

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
)

// CommandSpec describes one subprocess invocation.
type CommandSpec struct {
	Name  string
	Args  []string
	Dir   string
	Stdin []byte
	// Detach starts the process in its own session so it cannot reach the
	// controlling terminal.
	Detach bool
}

// String renders the command for logs and history.
func (c CommandSpec) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// CommandResult is what a finished subprocess reports.
type CommandResult struct {
	ExitCode int
	Output   string
}

// CommandRunner runs subprocesses. The executor never attaches one to the
// terminal: output is always captured.
type CommandRunner interface {
	Run(ctx context.Context, spec CommandSpec) (CommandResult, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// GracePeriod is how long a cancelled process gets between the interrupt and the kill.
	GracePeriod time.Duration
}

// lockedBuffer collects stdout and stderr from concurrent copiers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() > 4*artifacts.MaxHistoryOutput {
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (r ExecRunner) Run(ctx context.Context, spec CommandSpec) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	out := &lockedBuffer{}
	cmd.Stdout = out
	cmd.Stderr = out
	if spec.Stdin != nil {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}
	if spec.Detach {
		detach(cmd)
	}
	cmd.Cancel = func() error { return interrupt(cmd) }
	grace := r.GracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	cmd.WaitDelay = grace

	err := cmd.Run()
	res := CommandResult{ExitCode: 0, Output: out.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	res.ExitCode = -1
	return res, err
}
