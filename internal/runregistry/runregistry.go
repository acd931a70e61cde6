// Package runregistry tracks every run an Orchestrator instance has
// started, so the HTTP surface can look one up by ID, list them all,
// and cancel everything outstanding on shutdown.
package runregistry

import (
	"fmt"
	"sync"
	"time"

	"github.com/neverdown-ai/healer/internal/orchestrator"
)

// Status is the snapshot returned by GET /run-agent/{id}.
type Status struct {
	RunID         string     `json:"run_id"`
	State         string     `json:"state"`
	Phase         string     `json:"phase,omitempty"`
	Iteration     int        `json:"iteration"`
	LastEvent     string     `json:"last_event,omitempty"`
	LastEventAt   *time.Time `json:"last_event_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	ResultsPath   string     `json:"results_path,omitempty"`
	BranchName    string     `json:"branch_name,omitempty"`
}

// Entry wraps a started Handle with the fields the registry needs to
// report status and cancel it independently of the Orchestrator.
type Entry struct {
	RunID   string
	Handle  *orchestrator.Handle
	Cancel  func()
	Started time.Time
}

// Status derives the current public status from the Entry's Handle.
// Run.Phase/FinalStatus/Iteration are read without extra locking: the
// orchestrator only ever mutates a Run from its own single run
// goroutine, so a concurrent reader sees a (possibly stale, never
// torn) snapshot, matching the Handle's own documented contract.
func (e *Entry) Status() Status {
	run := e.Handle.Run
	st := Status{
		RunID:      e.RunID,
		State:      "running",
		Phase:      string(run.Phase),
		Iteration:  run.Iteration,
		BranchName: run.BranchName,
	}

	select {
	case <-e.Handle.Done():
		if run.FinalStatus != "" {
			st.State = run.FinalStatus
		} else {
			st.State = "FAILED"
		}
		if run.Error != nil {
			st.FailureReason = run.Error.Error()
		}
		st.ResultsPath = run.ResultsPath
	default:
	}

	for _, ev := range e.Handle.Sink.History() {
		st.LastEvent = string(ev.Type)
		ts := ev.Timestamp
		st.LastEventAt = &ts
	}
	return st
}

// Registry tracks all runs started by this process.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{runs: make(map[string]*Entry)}
}

// Register adds e to the registry. Returns an error if its RunID is
// already present.
func (r *Registry) Register(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[e.RunID]; exists {
		return fmt.Errorf("runregistry: run %s already registered", e.RunID)
	}
	r.runs[e.RunID] = e
	return nil
}

// Get returns the Entry for runID, or nil and false if not found.
func (r *Registry) Get(runID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.runs[runID]
	return e, ok
}

// List returns every registered run ID.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	return ids
}

// CancelAll invokes Cancel on every registered run whose Handle has
// not yet finished. Used on process shutdown.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.runs {
		select {
		case <-e.Handle.Done():
			continue
		default:
		}
		if e.Cancel != nil {
			e.Cancel()
		}
	}
}
