package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/ratifact-dev/ratifact/internal/artifacts"
	"github.com/ratifact-dev/ratifact/internal/jobs"
	"github.com/ratifact-dev/ratifact/internal/safety"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

// StatusLabel colors an artifact status for terminal output.
func StatusLabel(s artifacts.Status) string {
	switch s {
	case artifacts.StatusActive:
		return green(string(s))
	case artifacts.StatusPendingDelete:
		return yellow(string(s))
	case artifacts.StatusExcluded:
		return faint(string(s))
	default:
		return string(s)
	}
}

// StateLabel colors a job state for terminal output.
func StateLabel(s jobs.State) string {
	switch s {
	case jobs.StateSucceeded:
		return green(string(s))
	case jobs.StateFailed:
		return red(string(s))
	case jobs.StateCancelled:
		return yellow(string(s))
	default:
		return string(s)
	}
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// PrintArtifacts writes one row per artifact, largest first, followed by totals.
func PrintArtifacts(w io.Writer, list []artifacts.Artifact) error {
	sorted := append([]artifacts.Artifact(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SizeBytes > sorted[j].SizeBytes })

	tw := newTable(w)
	fmt.Fprintln(tw, "PATH\tLANGUAGE\tSIZE\tMODIFIED\tSTATUS")
	for _, a := range sorted {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.Path, a.Language, artifacts.HumanSize(a.SizeBytes), Age(a.LastModified), StatusLabel(a.Status))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	PrintTotals(w, artifacts.Summarize(list))
	return nil
}

// PrintTotals writes the reclaimable size overall and per language.
func PrintTotals(w io.Writer, t artifacts.Totals) {
	fmt.Fprintf(w, "\n%d artifacts, %s reclaimable\n", t.Count, artifacts.HumanSize(t.SizeBytes))
	langs := make([]string, 0, len(t.ByLanguage))
	for l := range t.ByLanguage {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	for _, l := range langs {
		fmt.Fprintf(w, "  %-12s %s\n", l, artifacts.HumanSize(t.ByLanguage[l]))
	}
}

// PrintScanSessions summarizes scan passes.
func PrintScanSessions(w io.Writer, sessions []artifacts.ScanSession) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ROOT\tFOUND\tNEW\tUPDATED\tREMOVED\tEXCLUDED\tERRORS\tTOOK")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n", s.Root, s.Found, s.Inserted, s.Updated, s.Removed, s.Excluded, len(s.Errors), s.Duration().Round(time.Millisecond))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, s := range sessions {
		for _, e := range s.Errors {
			fmt.Fprintf(w, "%s %s: %s\n", yellow("unreadable"), e.Path, e.Err)
		}
	}
	return nil
}

// PrintDecisions lists dry-run results.
func PrintDecisions(w io.Writer, decisions []safety.Decision) error {
	if len(decisions) == 0 {
		fmt.Fprintln(w, "nothing would be removed")
		return nil
	}
	var total int64
	tw := newTable(w)
	fmt.Fprintln(tw, "PATH\tLANGUAGE\tSIZE\tUNCHANGED FOR")
	for _, d := range decisions {
		total += d.Size
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Path, d.Language, artifacts.HumanSize(d.Size), Days(d.Age))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d artifacts, %s would be removed\n", len(decisions), artifacts.HumanSize(total))
	return nil
}

// PrintHistory lists history events, newest first.
func PrintHistory(w io.Writer, events []artifacts.HistoryEvent) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "TIME\tKIND\tPATH\tMESSAGE")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ev.Time.Local().Format(time.DateTime), ev.Kind, ev.Path, ev.Message)
	}
	return tw.Flush()
}

// PrintJobs lists job records.
func PrintJobs(w io.Writer, records []jobs.Record) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tKIND\tTARGET\tSTATE\tMESSAGE")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", shortID(r.ID), r.Kind, r.Target, StateLabel(r.State), firstLine(r.Message))
	}
	return tw.Flush()
}

// PrintJobResult reports a finished job on one line.
func PrintJobResult(w io.Writer, r jobs.Record) {
	fmt.Fprintf(w, "%s %s %s", StateLabel(r.State), r.Kind, r.Target)
	if r.Message != "" {
		fmt.Fprintf(w, ": %s", firstLine(r.Message))
	}
	fmt.Fprintln(w)
}

// Age formats the time since t in whole days, or hours when under a day.
func Age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return Days(time.Since(t)) + " ago"
}

// Days formats d as a day count.
func Days(d time.Duration) string {
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
