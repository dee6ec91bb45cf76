package jobs

import (
	"context"
	"sync"
)

// Handle tracks one submitted job. All methods are safe for concurrent use.
type Handle struct {
	id     string
	job    Job
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	rec             Record
	cancelRequested bool
}

func (h *Handle) ID() string { return h.id }

// Job returns the submitted job without its credential.
func (h *Handle) Job() Job {
	j := h.job
	j.Credential = nil
	return j
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rec.State
}

// Record returns the current view of the job.
func (h *Handle) Record() Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rec
}

// Result returns the final record once the job is terminal.
func (h *Handle) Result() (Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rec, h.rec.State.Terminal()
}

// Done is closed when the job reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Record, error) {
	select {
	case <-h.done:
		return h.Record(), nil
	case <-ctx.Done():
		return h.Record(), ctx.Err()
	}
}

// Cancel stops a queued job before it starts, or signals a running one.
// A running job still reports its own terminal state.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.rec.State.Terminal() {
		h.mu.Unlock()
		return
	}
	h.cancelRequested = true
	h.mu.Unlock()
	h.cancel()
}

func (h *Handle) wasCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelRequested
}

// start moves the job to Running unless it was cancelled while queued.
func (h *Handle) start(rec func(*Record)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelRequested || h.ctx.Err() != nil {
		return false
	}
	h.rec.State = StateRunning
	rec(&h.rec)
	return true
}

func (h *Handle) update(fn func(*Record)) {
	h.mu.Lock()
	fn(&h.rec)
	h.mu.Unlock()
}
