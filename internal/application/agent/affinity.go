package agent

import (
	"slices"
	"sync"
	"time"
)

// Affinity pins a workflow to one robot for a bounded time. Workflows that
// keep external state on a host, e.g. an authenticated browser session,
// advertise an affinity so other robots hand their jobs back instead of
// starting from scratch.
type Affinity struct {
	WorkflowID string
	RobotID    string
	ExpiresAt  time.Time

	// StateKeys names the host-side state the affinity protects. Opaque to
	// the agent.
	StateKeys []string
}

// affinityTable is the agent's local view of advertised affinities.
type affinityTable struct {
	mu      sync.Mutex
	entries map[string]Affinity
	clock   func() time.Time
}

func newAffinityTable(clock func() time.Time) *affinityTable {
	return &affinityTable{
		entries: make(map[string]Affinity),
		clock:   clock,
	}
}

// put records or replaces an advertisement. Entries without an expiry are
// rejected: an affinity that never lapses would pin the workflow forever.
func (t *affinityTable) put(aff Affinity) bool {
	if aff.WorkflowID == "" || aff.RobotID == "" || aff.ExpiresAt.IsZero() {
		return false
	}
	aff.StateKeys = slices.Clone(aff.StateKeys)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[aff.WorkflowID] = aff
	return true
}

// holder returns the robot a workflow is pinned to, if the pin is still
// live. Expired entries are dropped on read.
func (t *affinityTable) holder(workflowID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	aff, ok := t.entries[workflowID]
	if !ok {
		return "", false
	}
	if !aff.ExpiresAt.After(t.clock()) {
		delete(t.entries, workflowID)
		return "", false
	}
	return aff.RobotID, true
}

// drop removes the advertisement for a workflow.
func (t *affinityTable) drop(workflowID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, workflowID)
}
