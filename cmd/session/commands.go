package session

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	icmd "github.com/ratifact-dev/ratifact/internal/cmd"
	"github.com/ratifact-dev/ratifact/internal/jobs"
	"github.com/ratifact-dev/ratifact/internal/session"
)

// Controller is the part of the session controller the prompt drives.
type Controller interface {
	Snapshot() session.Snapshot
	RequestScan() error
	RequestDelete(paths ...string) error
	RequestClearAll() error
	RequestExclude(path string) error
	RequestAutoRemoval(enabled bool) error
	RequestRebuild(root string) (*jobs.Handle, error)
	OpenSettings() error
	Confirm() ([]*jobs.Handle, error)
	Cancel()
	SubmitCredential(credential []byte) ([]*jobs.Handle, error)
	SetExclusion(path string, excluded bool) error
	SetRetentionPolicy(p artifacts.RetentionPolicy) error
	SetScanPath(path string) error
	AcknowledgeFatal() error
}

const helpText = `commands:
  scan                  rescan every root
  list [all]            show artifacts, largest first
  status                show mode, dialog, watcher and totals
  delete PATH...        delete tracked artifacts (asks for confirmation)
  clear                 delete every active artifact (asks for confirmation)
  exclude PATH|GLOB     exclude from scanning and removal (asks for confirmation)
  include PATH|GLOB     remove an exclusion
  exclusions            list exclusions
  auto on|off           toggle automatic removal (enabling shows a dry run)
  settings              open the settings dialog
  days N                set the retention period
  root PATH             replace the scan roots with PATH
  rebuild PROJECT_ROOT  run the project's build command
  jobs                  show background jobs
  history               show recent events
  yes | no              answer the open dialog
  ack                   acknowledge a store failure and retry
  quit`

// execute runs one command line. It reports whether the session should end.
func execute(c Controller, line string, out io.Writer) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	name, args := strings.ToLower(fields[0]), fields[1:]

	switch name {
	case "quit", "exit", "q":
		return true, nil
	case "help", "?":
		fmt.Fprintln(out, helpText)
	case "scan":
		return false, c.RequestScan()
	case "list", "ls":
		snap := c.Snapshot()
		list := snap.Artifacts
		if len(args) == 0 || args[0] != "all" {
			list = activeOnly(list)
		}
		return false, icmd.PrintArtifacts(out, list)
	case "status":
		printStatus(out, c.Snapshot())
	case "delete", "rm":
		if len(args) == 0 {
			return false, fmt.Errorf("usage: delete PATH...")
		}
		if err := c.RequestDelete(args...); err != nil {
			return false, err
		}
		printDialog(out, c.Snapshot())
	case "clear":
		if err := c.RequestClearAll(); err != nil {
			return false, err
		}
		printDialog(out, c.Snapshot())
	case "exclude":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: exclude PATH|GLOB")
		}
		if err := c.RequestExclude(args[0]); err != nil {
			return false, err
		}
		printDialog(out, c.Snapshot())
	case "include":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: include PATH|GLOB")
		}
		return false, c.SetExclusion(args[0], false)
	case "exclusions":
		for _, e := range c.Snapshot().Exclusions {
			fmt.Fprintln(out, e.Path)
		}
	case "auto":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			return false, fmt.Errorf("usage: auto on|off")
		}
		if err := c.RequestAutoRemoval(args[0] == "on"); err != nil {
			return false, err
		}
		printDialog(out, c.Snapshot())
	case "settings":
		if err := c.OpenSettings(); err != nil {
			return false, err
		}
		printStatus(out, c.Snapshot())
		fmt.Fprintln(out, "change with days N or root PATH, type yes when done")
	case "days":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: days N")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return false, fmt.Errorf("days must be a number: %w", err)
		}
		p := c.Snapshot().Policy
		p.RetentionDays = n
		return false, c.SetRetentionPolicy(p)
	case "root":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: root PATH")
		}
		return false, c.SetScanPath(args[0])
	case "rebuild":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: rebuild PROJECT_ROOT")
		}
		h, err := c.RequestRebuild(args[0])
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "rebuild queued as job %s\n", h.ID())
	case "jobs":
		return false, icmd.PrintJobs(out, c.Snapshot().Jobs)
	case "history":
		return false, icmd.PrintHistory(out, c.Snapshot().History)
	case "yes", "y", "confirm":
		handles, err := c.Confirm()
		if err != nil {
			return false, err
		}
		if len(handles) > 0 {
			fmt.Fprintf(out, "submitted %d jobs\n", len(handles))
		}
	case "no", "n", "cancel":
		c.Cancel()
	case "ack":
		return false, c.AcknowledgeFatal()
	default:
		return false, fmt.Errorf("unknown command %q, type help", name)
	}
	return false, nil
}

func activeOnly(list []artifacts.Artifact) []artifacts.Artifact {
	out := make([]artifacts.Artifact, 0, len(list))
	for _, a := range list {
		if a.Status == artifacts.StatusActive || a.Status == artifacts.StatusPendingDelete {
			out = append(out, a)
		}
	}
	return out
}

// prompt reflects the scan mode and the open dialog.
func prompt(snap session.Snapshot) string {
	var b strings.Builder
	b.WriteString("ratifact")
	if snap.Fatal != nil {
		b.WriteString(" [halted, type ack]")
	}
	if snap.Mode == session.ModeScanInProgress {
		b.WriteString(" [scanning]")
	}
	if snap.Modal != session.ModalNone {
		fmt.Fprintf(&b, " [%s yes/no]", snap.Modal)
	}
	b.WriteString("> ")
	return b.String()
}

func printStatus(out io.Writer, snap session.Snapshot) {
	fmt.Fprintf(out, "mode: %s\ndialog: %s\nwatcher: %s\nroots: %s\n", snap.Mode, snap.Modal, snap.WatcherMode, strings.Join(snap.Roots, ", "))
	state := "off"
	if snap.Policy.AutoRemovalEnabled {
		state = "on"
	}
	fmt.Fprintf(out, "retention: %d days, automatic removal %s\n", snap.Policy.RetentionDays, state)
	if snap.Fatal != nil {
		fmt.Fprintf(out, "halted: %v\n", snap.Fatal)
	}
	for _, s := range snap.LastScan {
		fmt.Fprintf(out, "last scan of %s: %d found, %d errors, %s\n", s.Root, s.Found, len(s.Errors), s.Duration())
	}
	icmd.PrintTotals(out, snap.Totals)
}

// printDialog describes the dialog a command opened.
func printDialog(out io.Writer, snap session.Snapshot) {
	switch snap.Modal {
	case session.ModalConfirmDelete, session.ModalConfirmBulkDelete:
		fmt.Fprintf(out, "delete %d artifacts?\n", len(snap.Pending))
		for _, p := range snap.Pending {
			fmt.Fprintf(out, "  %s\n", p)
		}
	case session.ModalConfirmExclude:
		fmt.Fprintf(out, "exclude %s from scanning and removal?\n", strings.Join(snap.Pending, ", "))
	case session.ModalConfirmAutoRemovalEnable:
		fmt.Fprintln(out, "enabling automatic removal will delete:")
		_ = icmd.PrintDecisions(out, snap.DryRun)
	default:
		return
	}
	fmt.Fprintln(out, "type yes to confirm or no to cancel")
}
