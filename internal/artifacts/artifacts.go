package artifacts

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a tracked artifact.
type Status string

const (
	StatusActive        Status = "active"
	StatusPendingDelete Status = "pending_delete"
	StatusDeleted       Status = "deleted"
	StatusExcluded      Status = "excluded"
)

// ParseStatus converts a stored value back into a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusActive, StatusPendingDelete, StatusDeleted, StatusExcluded:
		return st, nil
	default:
		return "", fmt.Errorf("unknown artifact status %q", s)
	}
}

// Project is a directory believed to hold a buildable codebase.
type Project struct {
	Root        string    `json:"root"`
	Language    string    `json:"language"`
	BuildSystem string    `json:"build_system"`
	Branch      string    `json:"branch,omitempty"`
	Commit      string    `json:"commit,omitempty"`
	Remote      string    `json:"remote,omitempty"`
	LastScanned time.Time `json:"last_scanned"`
}

// Artifact is a tracked build-output directory.
type Artifact struct {
	Path         string    `json:"path"`
	ProjectRoot  string    `json:"project_root"`
	Language     string    `json:"language"`
	SizeBytes    int64     `json:"size_bytes"`
	LastModified time.Time `json:"last_modified"`
	FirstSeen    time.Time `json:"first_seen"`
	Status       Status    `json:"status"`
	// LogicalTime is the stamp of the write that produced this record.
	LogicalTime int64 `json:"logical_time"`
}

// SameObservation reports whether a and b describe the same on-disk state,
// ignoring bookkeeping fields.
func (a Artifact) SameObservation(b Artifact) bool {
	return a.Path == b.Path &&
		a.ProjectRoot == b.ProjectRoot &&
		a.Language == b.Language &&
		a.SizeBytes == b.SizeBytes &&
		a.LastModified.Equal(b.LastModified) &&
		a.Status == b.Status
}

// RetentionPolicy controls automatic removal of stale artifacts.
type RetentionPolicy struct {
	RetentionDays      int       `json:"retention_days"`
	AutoRemovalEnabled bool      `json:"auto_removal_enabled"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// DefaultRetentionPolicy keeps artifacts for 30 days with automatic removal off.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{RetentionDays: 30}
}

// Validate rejects policies that would make every artifact eligible immediately.
func (p RetentionPolicy) Validate() error {
	if p.RetentionDays < 1 {
		return fmt.Errorf("retention days must be a positive integer, got %d", p.RetentionDays)
	}
	return nil
}

// Threshold is the minimum age an artifact must reach before it may be removed.
func (p RetentionPolicy) Threshold() time.Duration {
	return time.Duration(p.RetentionDays) * 24 * time.Hour
}

// HistoryKind classifies a history event.
type HistoryKind string

const (
	HistoryScan    HistoryKind = "scan"
	HistoryDelete  HistoryKind = "delete"
	HistoryRebuild HistoryKind = "rebuild"
	HistoryStatus  HistoryKind = "status"
	HistoryExclude HistoryKind = "exclude"
	HistoryInclude HistoryKind = "include"
	HistoryPolicy  HistoryKind = "policy"
)

// MaxHistoryOutput bounds the subprocess output kept with a history event.
const MaxHistoryOutput = 64 * 1024

// HistoryEvent is an append-only record of something the engine did or observed.
type HistoryEvent struct {
	ID      int64       `json:"id"`
	Kind    HistoryKind `json:"kind"`
	Path    string      `json:"path"`
	JobID   string      `json:"job_id,omitempty"`
	Message string      `json:"message"`
	Output  string      `json:"output,omitempty"`
	Time    time.Time   `json:"time"`
}

// TruncateOutput keeps the tail of s within MaxHistoryOutput bytes.
func TruncateOutput(s string) string {
	if len(s) <= MaxHistoryOutput {
		return s
	}
	return "...(truncated)\n" + s[len(s)-MaxHistoryOutput:]
}

// ScanError records a path that could not be read during a scan.
type ScanError struct {
	Path string `json:"path"`
	Err  string `json:"error"`
}

// ScanSession summarizes one scan pass over a root.
type ScanSession struct {
	Root       string      `json:"root"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Found      int         `json:"found"`
	Inserted   int         `json:"inserted"`
	Updated    int         `json:"updated"`
	Removed    int         `json:"removed"`
	Excluded   int         `json:"excluded"`
	Projects   int         `json:"projects"`
	Errors     []ScanError `json:"errors,omitempty"`
}

// Duration is how long the pass took.
func (s ScanSession) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Totals aggregates artifact counts and sizes for display.
type Totals struct {
	Count      int              `json:"count"`
	SizeBytes  int64            `json:"size_bytes"`
	ByLanguage map[string]int64 `json:"by_language"`
}

// Summarize totals active artifacts.
func Summarize(list []Artifact) Totals {
	t := Totals{ByLanguage: map[string]int64{}}
	for _, a := range list {
		if a.Status != StatusActive && a.Status != StatusPendingDelete {
			continue
		}
		t.Count++
		t.SizeBytes += a.SizeBytes
		t.ByLanguage[a.Language] += a.SizeBytes
	}
	return t
}

// HumanSize formats a byte count with a binary unit suffix.
func HumanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
