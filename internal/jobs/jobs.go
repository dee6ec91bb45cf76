package jobs

import (
	"context"
	"time"
)

// Kind is the operation a job performs.
type Kind string

const (
	KindDelete         Kind = "delete"
	KindDeleteElevated Kind = "delete_elevated"
	KindRebuild        Kind = "rebuild"
)

// IsDelete reports whether k removes a path.
func (k Kind) IsDelete() bool {
	return k == KindDelete || k == KindDeleteElevated
}

// State is the lifecycle state of a job: Queued -> Running -> terminal.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Origin records who asked for a job.
type Origin string

const (
	OriginOperator    Origin = "operator"
	OriginAutoRemoval Origin = "auto-removal"
)

// Job is a unit of asynchronous work.
type Job struct {
	Kind Kind
	// Path is the artifact to remove for delete jobs.
	Path string
	// ProjectRoot and BuildSystem select the rebuild command.
	ProjectRoot string
	BuildSystem string
	Origin      Origin
	// Credential is piped to the elevation helper and zeroed after use.
	Credential []byte
	// Guard runs immediately before execution. A non-nil error cancels the job
	// without executing it.
	Guard func(ctx context.Context) error
}

// Target is the path the job acts on.
func (j Job) Target() string {
	if j.Kind == KindRebuild {
		return j.ProjectRoot
	}
	return j.Path
}

// Record is a point-in-time view of a job.
type Record struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Target      string    `json:"target"`
	Origin      Origin    `json:"origin"`
	State       State     `json:"state"`
	Message     string    `json:"message,omitempty"`
	ExitCode    int       `json:"exit_code,omitempty"`
	Output      string    `json:"-"`
	Err         error     `json:"-"`
	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
}

// Duration is how long the job ran, zero until it started.
func (r Record) Duration() time.Duration {
	if r.StartedAt.IsZero() {
		return 0
	}
	end := r.FinishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(r.StartedAt)
}
