package audit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryRecorder is an in-process Recorder guarded by a single mutex.
// It is the audit backend for tests and for deployments pinned to
// max_rows_in_flight = 1, where a lightweight embedded recorder is
// sufficient and a Postgres round-trip per row would be pure overhead.
type MemoryRecorder struct {
	mu sync.Mutex

	runs        map[string]RunRecord
	rows        map[string]RowRecord
	tokens      map[string]TokenRecord
	tokenParent map[string][]string // token id -> parent token ids
	nodes       map[string]NodeRecord
	nodeStates  map[string]NodeStateRecord // state id -> record
	routing     []RoutingEventRecord
	outcomes    map[string][]OutcomeRecord // token id -> outcomes, append order
	artifacts   []ArtifactRecord
	batches     map[string]BatchRecord
	batchMembers map[string][]BatchMemberRecord
	checkpoints map[string][]CheckpointRecord // run id -> checkpoints, append order
}

// NewMemoryRecorder creates an empty in-process recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{
		runs:         make(map[string]RunRecord),
		rows:         make(map[string]RowRecord),
		tokens:       make(map[string]TokenRecord),
		tokenParent:  make(map[string][]string),
		nodes:        make(map[string]NodeRecord),
		nodeStates:   make(map[string]NodeStateRecord),
		outcomes:     make(map[string][]OutcomeRecord),
		batches:      make(map[string]BatchRecord),
		batchMembers: make(map[string][]BatchMemberRecord),
		checkpoints:  make(map[string][]CheckpointRecord),
	}
}

func (m *MemoryRecorder) RecordRun(_ context.Context, r RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.RunID] = r
	return nil
}

func (m *MemoryRecorder) CompleteRun(_ context.Context, runID string, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("complete run: unknown run %q", runID)
	}
	r.Status = status
	m.runs[runID] = r
	return nil
}

func (m *MemoryRecorder) RecordRow(_ context.Context, r RowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[r.RowID] = r
	return nil
}

func (m *MemoryRecorder) RecordToken(_ context.Context, t TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.TokenID] = t
	return nil
}

func (m *MemoryRecorder) RecordTokenParents(_ context.Context, tokenID string, parentTokenIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenParent[tokenID] = append(m.tokenParent[tokenID], parentTokenIDs...)
	return nil
}

func (m *MemoryRecorder) RecordNode(_ context.Context, n NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.RunID+"/"+n.NodeID] = n
	return nil
}

func (m *MemoryRecorder) BeginNodeState(_ context.Context, s NodeStateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeStates[s.StateID] = s
	return nil
}

func (m *MemoryRecorder) CompleteNodeState(_ context.Context, s NodeStateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodeStates[s.StateID]; !ok {
		return fmt.Errorf("complete node state: unknown state %q", s.StateID)
	}
	m.nodeStates[s.StateID] = s
	return nil
}

func (m *MemoryRecorder) RecordRoutingEvent(_ context.Context, e RoutingEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routing = append(m.routing, e)
	return nil
}

// RecordOutcome enforces invariant I1 (one terminal outcome per token):
// once a terminal outcome has been recorded for a token, recording a
// second terminal outcome for the same token is rejected.
func (m *MemoryRecorder) RecordOutcome(_ context.Context, o OutcomeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.outcomes[o.TokenID] {
		if existing.IsTerminal && o.IsTerminal {
			return fmt.Errorf("record outcome: token %q already has terminal outcome %q, cannot record %q", o.TokenID, existing.Outcome, o.Outcome)
		}
	}
	m.outcomes[o.TokenID] = append(m.outcomes[o.TokenID], o)
	return nil
}

// RecordArtifact enforces invariant I3 (node_state before artifact): the
// artifact's token must already have at least one node state recorded
// for the writing node before the artifact can be recorded. The caller
// passes the owning node state's StateID via ArtifactRecord.Metadata
// under "_state_id" when it wants this check enforced; without it the
// write proceeds (artifacts recorded outside node-state bookkeeping,
// e.g. test fixtures, are not blocked).
func (m *MemoryRecorder) RecordArtifact(_ context.Context, a ArtifactRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stateID, ok := a.Metadata["_state_id"].(string); ok {
		if _, exists := m.nodeStates[stateID]; !exists {
			return fmt.Errorf("record artifact: node state %q for token %q must be recorded before its artifact", stateID, a.TokenID)
		}
	}
	m.artifacts = append(m.artifacts, a)
	return nil
}

// RecordFork writes the children, their parent-lineage, and the
// parent's FORKED outcome as one atomic unit: under the single mutex
// held for the whole call, a concurrent reader can never observe only
// part of the fork.
func (m *MemoryRecorder) RecordFork(_ context.Context, f ForkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.outcomes[f.ParentOutcome.TokenID] {
		if existing.IsTerminal {
			return fmt.Errorf("record fork: parent token %q already has terminal outcome %q", f.ParentOutcome.TokenID, existing.Outcome)
		}
	}

	for _, child := range f.Children {
		m.tokens[child.TokenID] = child
	}
	for childID, parents := range f.ParentOf {
		m.tokenParent[childID] = append(m.tokenParent[childID], parents...)
	}
	m.outcomes[f.ParentOutcome.TokenID] = append(m.outcomes[f.ParentOutcome.TokenID], f.ParentOutcome)
	return nil
}

// RecordCoalesce writes the merged token, its parent-lineage, and the
// consumed branches' COALESCED outcomes as one atomic unit.
func (m *MemoryRecorder) RecordCoalesce(_ context.Context, c CoalesceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, outcome := range c.ConsumedOutcomes {
		for _, existing := range m.outcomes[outcome.TokenID] {
			if existing.IsTerminal {
				return fmt.Errorf("record coalesce: branch token %q already has terminal outcome %q", outcome.TokenID, existing.Outcome)
			}
		}
	}

	m.tokens[c.MergedToken.TokenID] = c.MergedToken
	m.tokenParent[c.MergedToken.TokenID] = append(m.tokenParent[c.MergedToken.TokenID], c.MergedParentOf...)
	for _, outcome := range c.ConsumedOutcomes {
		m.outcomes[outcome.TokenID] = append(m.outcomes[outcome.TokenID], outcome)
	}
	return nil
}

func (m *MemoryRecorder) RecordBatch(_ context.Context, b BatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.BatchID] = b
	return nil
}

func (m *MemoryRecorder) RecordBatchMembers(_ context.Context, members []BatchMemberRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range members {
		m.batchMembers[member.BatchID] = append(m.batchMembers[member.BatchID], member)
	}
	return nil
}

func (m *MemoryRecorder) RecordCheckpoint(_ context.Context, c CheckpointRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[c.RunID] = append(m.checkpoints[c.RunID], c)
	return nil
}

// LatestCheckpoint returns the run's checkpoint with the highest
// released_through_seq (the earliest recorded one on a tie), matching
// Postgres's "ORDER BY released_through_seq DESC LIMIT 1" behavior
// regardless of the order checkpoints were recorded in.
func (m *MemoryRecorder) LatestCheckpoint(_ context.Context, runID string) (*CheckpointRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cps := m.checkpoints[runID]
	if len(cps) == 0 {
		return nil, nil
	}
	best := cps[0]
	for _, c := range cps[1:] {
		if c.ReleasedThroughSeq > best.ReleasedThroughSeq {
			best = c
		}
	}
	return &best, nil
}

// GetRun implements Query.
func (m *MemoryRecorder) GetRun(_ context.Context, runID string) (*RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// CountOutcomes implements Query, tallying every recorded outcome kind
// across all tokens belonging to runID.
func (m *MemoryRecorder) CountOutcomes(_ context.Context, runID string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{}
	for _, tokenOutcomes := range m.outcomes {
		for _, o := range tokenOutcomes {
			if o.RunID == runID {
				counts[o.Outcome]++
			}
		}
	}
	return counts, nil
}

func (m *MemoryRecorder) Close() error { return nil }
