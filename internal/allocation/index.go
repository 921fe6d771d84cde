// Package allocation tracks which runners are currently eligible to receive
// new actors and their last-observed round-trip time.
//
// This supplements the distilled spec: the original pegboard-runner ping
// task updates an allocation index on every ping and the connector's
// teardown path marks the runner ineligible (spec §4.4 steps 5.c and 6).
// Actor scheduling itself stays out of scope -- it lives in the workflow
// engine, represented here only as the WorkflowNotifier interface.
package allocation

import (
	"sync"
	"time"
)

// Entry is one runner's allocation-eligibility record.
type Entry struct {
	RunnerID  string
	Eligible  bool
	LastRTT   time.Duration
	UpdatedAt time.Time
}

// Index is a concurrency-safe table of runner_id -> Entry.
type Index struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewIndex creates an empty allocation index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]*Entry)}
}

// UpdateRTT records a fresh ping RTT for runnerID and marks it eligible.
// Returns true if this call transitioned the runner from ineligible to
// eligible -- the signal that should trigger WorkflowNotifier.PullQueuedActors
// (spec §4.4 step 5.c: "If the update marks the runner ReEligible...").
func (idx *Index) UpdateRTT(runnerID string, rtt time.Duration, now time.Time) (becameEligible bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[runnerID]
	if !ok {
		e = &Entry{RunnerID: runnerID}
		idx.entries[runnerID] = e
	}
	wasEligible := e.Eligible
	e.Eligible = true
	e.LastRTT = rtt
	e.UpdatedAt = now
	return !wasEligible
}

// MarkIneligible removes runnerID from the allocation pool, called when its
// connector's supervised loops exit (spec §4.4 step 6).
func (idx *Index) MarkIneligible(runnerID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if e, ok := idx.entries[runnerID]; ok {
		e.Eligible = false
	}
}

// Get returns a copy of runnerID's entry, if known.
func (idx *Index) Get(runnerID string) (Entry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.entries[runnerID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// EligibleRunners returns the ids of all currently eligible runners.
func (idx *Index) EligibleRunners() []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]string, 0, len(idx.entries))
	for id, e := range idx.entries {
		if e.Eligible {
			out = append(out, id)
		}
	}
	return out
}

// WorkflowNotifier is the narrow interface standing in for the out-of-scope
// durable workflow engine. The runner connector calls PullQueuedActors when
// a runner transitions back to eligible, and ForwardSignal to relay
// Init/Events/AckCommands/Stopping frames (spec §4.4 step 5.a).
type WorkflowNotifier interface {
	PullQueuedActors(runnerID string) error
	ForwardSignal(workflowID string, kind string, payload []byte) error
}

// NoopNotifier discards every call. Useful as the default when no workflow
// engine is wired in (e.g. in unit tests for the tunnel subsystem alone).
type NoopNotifier struct{}

func (NoopNotifier) PullQueuedActors(string) error                 { return nil }
func (NoopNotifier) ForwardSignal(string, string, []byte) error    { return nil }
