package monitor

import (
	"sync"
	"time"

	"github.com/nblistener/backend/internal/session"
)

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

// HealthReport summarises how the session source is doing.
type HealthReport struct {
	Source            string       `json:"source"`
	Status            HealthStatus `json:"status"`
	FailingNotebooks  int          `json:"failingNotebooks"`
	TrackedNotebooks  int          `json:"trackedNotebooks"`
	LastError         string       `json:"lastError,omitempty"`
	LastErrorAt       time.Time    `json:"lastErrorAt,omitempty"`
	LastErrorNotebook string       `json:"lastErrorNotebook,omitempty"`
}

// sourceHealth tracks consecutive refresh failures per notebook. Written
// from refresh goroutines, read by HTTP handlers.
type sourceHealth struct {
	mu                sync.Mutex
	failures          map[session.NotebookID]int
	lastErr           string
	lastErrAt         time.Time
	lastErrNotebook   session.NotebookID
	lastEmittedStatus HealthStatus
}

func newSourceHealth() *sourceHealth {
	return &sourceHealth{
		failures:          make(map[session.NotebookID]int),
		lastEmittedStatus: StatusHealthy,
	}
}

func (h *sourceHealth) recordSuccess(id session.NotebookID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.failures, id)
}

func (h *sourceHealth) recordFailure(id session.NotebookID, err error, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[id]++
	h.lastErr = err.Error()
	h.lastErrAt = now
	h.lastErrNotebook = id
}

// removeNotebook forgets failure counts for an untracked notebook.
func (h *sourceHealth) removeNotebook(id session.NotebookID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.failures, id)
}

// statusLocked computes health status. Caller must hold h.mu.
//
// Failed means every tracked notebook is at or above threshold, which
// points at the session manager rather than individual notebooks.
func (h *sourceHealth) statusLocked(threshold, tracked int) (HealthStatus, int) {
	failing := 0
	for _, n := range h.failures {
		if n >= threshold {
			failing++
		}
	}
	switch {
	case failing == 0:
		return StatusHealthy, 0
	case failing >= tracked:
		return StatusFailed, failing
	default:
		return StatusDegraded, failing
	}
}

func (h *sourceHealth) report(source string, threshold, tracked int) HealthReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reportLocked(source, threshold, tracked)
}

func (h *sourceHealth) reportLocked(source string, threshold, tracked int) HealthReport {
	status, failing := h.statusLocked(threshold, tracked)
	r := HealthReport{
		Source:           source,
		Status:           status,
		FailingNotebooks: failing,
		TrackedNotebooks: tracked,
	}
	if status != StatusHealthy {
		r.LastError = h.lastErr
		r.LastErrorAt = h.lastErrAt
		r.LastErrorNotebook = string(h.lastErrNotebook)
	}
	return r
}

// reportIfChanged returns the current report and whether its status differs
// from the last one handed out by this method. Combines the check and the
// update in one lock acquisition so a transition is reported exactly once.
func (h *sourceHealth) reportIfChanged(source string, threshold, tracked int) (HealthReport, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.reportLocked(source, threshold, tracked)
	if r.Status == h.lastEmittedStatus {
		return r, false
	}
	h.lastEmittedStatus = r.Status
	return r, true
}
