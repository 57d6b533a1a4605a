package flowcontrol

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/elspeth-dev/elspeth/internal/audit"
	"github.com/elspeth-dev/elspeth/internal/graph"
	"github.com/elspeth-dev/elspeth/internal/schema"
	"github.com/elspeth-dev/elspeth/internal/token"
)

// completedFIFOCapacity bounds memory for the late-arrival detector: an
// arrival for a (coalesce_name, row_id) older than the 10,000 most
// recently completed joins is treated as a brand new pending join
// rather than a detected late arrival. Deliberate bounded-memory
// trade-off.
const completedFIFOCapacity = 10_000

// CoalesceResult is the outcome of one Accept/LoseBranch/Timeout call.
type CoalesceResult struct {
	Held   bool
	Merged bool
	Failed bool

	// FailureReason is set when Failed is true: "late_arrival_after_merge"
	// or a policy-driven failure ("require_all_branch_lost",
	// "quorum_unreachable", "require_all_timeout", "quorum_timeout").
	FailureReason string

	MergedToken OutputToken
}

type pendingJoin struct {
	seq          int64
	arrived      map[string]token.Token
	arrivalTimes map[string]time.Time
	firstArrival time.Time
	lost         map[string]bool
}

// CoalesceExecutor implements the four join-completion policies over
// per-(coalesce_name, row_id) pending state.
type CoalesceExecutor struct {
	recorder audit.Recorder

	pending   map[string]*pendingJoin // key: nodeID + "/" + rowID
	completed []string                // bounded FIFO of merged keys, oldest first
	completedSet map[string]bool
}

// NewCoalesceExecutor wires the audit recorder coalesce merges and
// outcomes are written through.
func NewCoalesceExecutor(recorder audit.Recorder) *CoalesceExecutor {
	return &CoalesceExecutor{
		recorder:     recorder,
		pending:      make(map[string]*pendingJoin),
		completedSet: make(map[string]bool),
	}
}

func joinKey(node *graph.Node, rowID string) string {
	return node.NodeID + "/" + rowID
}

// Accept records one branch's arrival for its (coalesce_name, row_id)
// pending join and fires the configured policy's trigger if satisfied.
func (c *CoalesceExecutor) Accept(ctx context.Context, runID string, node *graph.Node, branch string, seq int64, tok token.Token) (CoalesceResult, error) {
	key := joinKey(node, tok.RowID)

	if c.completedSet[key] {
		return c.recordLateArrival(ctx, runID, tok)
	}

	pj, ok := c.pending[key]
	if !ok {
		pj = &pendingJoin{
			seq:          seq,
			arrived:      map[string]token.Token{},
			arrivalTimes: map[string]time.Time{},
			lost:         map[string]bool{},
			firstArrival: time.Now(),
		}
		c.pending[key] = pj
	}
	pj.arrived[branch] = tok
	pj.arrivalTimes[branch] = time.Now()

	switch node.CoalescePolicy {
	case graph.CoalesceFirst:
		return c.merge(ctx, runID, node, key, pj)
	case graph.CoalesceRequireAll:
		if len(pj.arrived)+len(pj.lost) >= len(node.CoalesceBranches) && allExpectedArrived(node, pj) {
			return c.merge(ctx, runID, node, key, pj)
		}
	case graph.CoalesceQuorum:
		if len(pj.arrived) >= node.CoalesceQuorumN {
			return c.merge(ctx, runID, node, key, pj)
		}
	case graph.CoalesceBestEffort:
		if len(pj.arrived)+len(pj.lost) >= len(node.CoalesceBranches) {
			return c.merge(ctx, runID, node, key, pj)
		}
	}

	return CoalesceResult{Held: true}, nil
}

func allExpectedArrived(node *graph.Node, pj *pendingJoin) bool {
	for _, b := range node.CoalesceBranches {
		if !pj.lost[b] {
			if _, ok := pj.arrived[b]; !ok {
				return false
			}
		}
	}
	return true
}

// LoseBranch is the explicit notification the orchestrator makes when a
// DIVERT route consumes a token that would otherwise have reached this
// coalesce, per spec.md §4.6's "branch-loss notification" paragraph.
func (c *CoalesceExecutor) LoseBranch(ctx context.Context, runID string, node *graph.Node, rowID string, branch string) (CoalesceResult, error) {
	key := joinKey(node, rowID)
	pj, ok := c.pending[key]
	if !ok {
		pj = &pendingJoin{arrived: map[string]token.Token{}, arrivalTimes: map[string]time.Time{}, lost: map[string]bool{}, firstArrival: time.Now()}
		c.pending[key] = pj
	}
	pj.lost[branch] = true

	switch node.CoalescePolicy {
	case graph.CoalesceRequireAll:
		return c.failPending(ctx, runID, node, key, pj, "require_all_branch_lost")

	case graph.CoalesceQuorum:
		if len(pj.arrived) >= node.CoalesceQuorumN {
			return c.merge(ctx, runID, node, key, pj)
		}
		remaining := len(node.CoalesceBranches) - len(pj.arrived) - len(pj.lost)
		if remaining < node.CoalesceQuorumN-len(pj.arrived) {
			return c.failPending(ctx, runID, node, key, pj, "quorum_unreachable")
		}

	case graph.CoalesceBestEffort:
		if len(pj.arrived)+len(pj.lost) >= len(node.CoalesceBranches) {
			return c.merge(ctx, runID, node, key, pj)
		}
	}

	return CoalesceResult{Held: true}, nil
}

// Timeout forces resolution of one pending join per the policy's "On
// timeout" behavior: require_all fails everything pending, quorum
// merges if quorum was already met else fails, best_effort merges
// whatever arrived, first has nothing pending by the time a timeout
// could apply.
func (c *CoalesceExecutor) Timeout(ctx context.Context, runID string, node *graph.Node, rowID string) (CoalesceResult, error) {
	key := joinKey(node, rowID)
	pj, ok := c.pending[key]
	if !ok {
		return CoalesceResult{}, nil
	}

	switch node.CoalescePolicy {
	case graph.CoalesceRequireAll:
		return c.failPending(ctx, runID, node, key, pj, "require_all_timeout")
	case graph.CoalesceQuorum:
		if len(pj.arrived) >= node.CoalesceQuorumN {
			return c.merge(ctx, runID, node, key, pj)
		}
		return c.failPending(ctx, runID, node, key, pj, "quorum_timeout")
	case graph.CoalesceBestEffort:
		return c.merge(ctx, runID, node, key, pj)
	default:
		return CoalesceResult{}, nil
	}
}

// EndOfSource forces a Timeout resolution for every pending join of
// node, since end-of-source is the other point (besides arrivals)
// where spec.md §4.6 requires pending joins to be checked.
func (c *CoalesceExecutor) EndOfSource(ctx context.Context, runID string, node *graph.Node) ([]CoalesceResult, error) {
	var rowIDs []string
	prefix := node.NodeID + "/"
	for key := range c.pending {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			rowIDs = append(rowIDs, key[len(prefix):])
		}
	}
	results := make([]CoalesceResult, 0, len(rowIDs))
	for _, rowID := range rowIDs {
		res, err := c.Timeout(ctx, runID, node, rowID)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (c *CoalesceExecutor) failPending(ctx context.Context, runID string, node *graph.Node, key string, pj *pendingJoin, reason string) (CoalesceResult, error) {
	delete(c.pending, key)
	now := time.Now()
	for _, tok := range pj.arrived {
		if err := c.recorder.RecordOutcome(ctx, audit.OutcomeRecord{
			OutcomeID:  uuid.NewString(),
			TokenID:    tok.TokenID,
			RunID:      runID,
			Outcome:    string(token.OutcomeFailed),
			IsTerminal: true,
			ErrorHash:  hashString(reason),
			RecordedAt: now,
		}); err != nil {
			return CoalesceResult{}, fmt.Errorf("coalesce %s: record failed outcome: %w", node.NodeID, err)
		}
	}
	return CoalesceResult{Failed: true, FailureReason: reason}, nil
}

func (c *CoalesceExecutor) merge(ctx context.Context, runID string, node *graph.Node, key string, pj *pendingJoin) (CoalesceResult, error) {
	delete(c.pending, key)
	c.markCompleted(key)

	branches := make([]schema.Branch, 0, len(pj.arrived))
	rows := make(map[string]map[string]interface{}, len(pj.arrived))
	var parentIDs []string
	var anyToken token.Token
	order := make([]string, 0, len(pj.arrived))
	for branch := range pj.arrived {
		order = append(order, branch)
	}
	sort.Slice(order, func(i, j int) bool { return pj.arrivalTimes[order[i]].Before(pj.arrivalTimes[order[j]]) })
	for _, branch := range order {
		tok := pj.arrived[branch]
		branches = append(branches, schema.Branch{Name: branch, Contract: tok.Row.Contract})
		rows[branch] = tok.Row.Fields
		parentIDs = append(parentIDs, tok.TokenID)
		anyToken = tok
	}

	mergedContract, err := schema.Merge(branches, node.CoalesceMergeStrategy, node.CoalesceSelectBranch)
	if err != nil {
		return CoalesceResult{}, fmt.Errorf("coalesce %s: merge contracts: %w", node.NodeID, err)
	}
	mergedRow, _, err := schema.MergeRows(branches, rows, node.CoalesceMergeStrategy, node.CoalesceSelectBranch)
	if err != nil {
		return CoalesceResult{}, fmt.Errorf("coalesce %s: merge rows: %w", node.NodeID, err)
	}

	joinGroupID := uuid.NewString()
	merged := anyToken.Child(token.RowData{Fields: mergedRow, Contract: mergedContract})
	merged.ParentTokenIDs = parentIDs
	merged.JoinGroupID = joinGroupID

	now := time.Now()
	if err := c.recorder.RecordToken(ctx, audit.TokenRecord{TokenID: merged.TokenID, RowID: merged.RowID, CreatedAt: merged.CreatedAt}); err != nil {
		return CoalesceResult{}, fmt.Errorf("coalesce %s: record merged token: %w", node.NodeID, err)
	}

	consumedOutcomes := make([]audit.OutcomeRecord, 0, len(pj.arrived))
	for _, tok := range pj.arrived {
		consumedOutcomes = append(consumedOutcomes, audit.OutcomeRecord{
			OutcomeID:   uuid.NewString(),
			TokenID:     tok.TokenID,
			RunID:       runID,
			Outcome:     string(token.OutcomeCoalesced),
			IsTerminal:  true,
			JoinGroupID: joinGroupID,
			RecordedAt:  now,
		})
	}
	if err := c.recorder.RecordCoalesce(ctx, audit.CoalesceRecord{
		MergedToken:      audit.TokenRecord{TokenID: merged.TokenID, RowID: merged.RowID, CreatedAt: merged.CreatedAt},
		MergedParentOf:   parentIDs,
		ConsumedOutcomes: consumedOutcomes,
	}); err != nil {
		return CoalesceResult{}, fmt.Errorf("coalesce %s: record coalesce: %w", node.NodeID, err)
	}

	return CoalesceResult{Merged: true, MergedToken: OutputToken{Seq: pj.seq, Token: merged}}, nil
}

func (c *CoalesceExecutor) markCompleted(key string) {
	if c.completedSet[key] {
		return
	}
	c.completedSet[key] = true
	c.completed = append(c.completed, key)
	if len(c.completed) > completedFIFOCapacity {
		evicted := c.completed[0]
		c.completed = c.completed[1:]
		delete(c.completedSet, evicted)
	}
}

// PendingSnapshot is the serializable form of one (coalesce_name,
// row_id) pending join, used by checkpointing. Like
// AggregationExecutor.EntrySnapshot, it drops schema contracts.
type PendingSnapshot struct {
	Seq     int64                    `json:"seq"`
	Arrived map[string]EntrySnapshot `json:"arrived"` // branch -> entry
	Lost    []string                 `json:"lost,omitempty"`
}

// Snapshot captures every pending join keyed by "nodeID/rowID", for
// checkpointing.
func (c *CoalesceExecutor) Snapshot() map[string]PendingSnapshot {
	out := make(map[string]PendingSnapshot, len(c.pending))
	for key, pj := range c.pending {
		arrived := make(map[string]EntrySnapshot, len(pj.arrived))
		for branch, tok := range pj.arrived {
			arrived[branch] = EntrySnapshot{Seq: pj.seq, TokenID: tok.TokenID, RowID: tok.RowID, Fields: tok.Row.Fields, ParentTokenIDs: tok.ParentTokenIDs}
		}
		var lost []string
		for b := range pj.lost {
			lost = append(lost, b)
		}
		out[key] = PendingSnapshot{Seq: pj.seq, Arrived: arrived, Lost: lost}
	}
	return out
}

// Restore rehydrates pending joins from a checkpoint snapshot. The
// completed-join late-arrival FIFO is not restored — a prior run's
// already-merged joins are represented by their audit trail, not by
// in-memory completion state, so any recurrence after resume is
// treated as a fresh pending join rather than a detected late arrival.
func (c *CoalesceExecutor) Restore(snapshot map[string]PendingSnapshot) {
	for key, ps := range snapshot {
		pj := &pendingJoin{
			seq: ps.Seq, arrived: map[string]token.Token{}, arrivalTimes: map[string]time.Time{},
			lost: map[string]bool{}, firstArrival: time.Now(),
		}
		for branch, e := range ps.Arrived {
			pj.arrived[branch] = token.Token{
				RowID: e.RowID, TokenID: e.TokenID, Row: token.RowData{Fields: e.Fields},
				ParentTokenIDs: e.ParentTokenIDs, CreatedAt: time.Now(),
			}
			pj.arrivalTimes[branch] = time.Now()
		}
		for _, b := range ps.Lost {
			pj.lost[b] = true
		}
		c.pending[key] = pj
	}
}

func (c *CoalesceExecutor) recordLateArrival(ctx context.Context, runID string, tok token.Token) (CoalesceResult, error) {
	if err := c.recorder.RecordOutcome(ctx, audit.OutcomeRecord{
		OutcomeID:  uuid.NewString(),
		TokenID:    tok.TokenID,
		RunID:      runID,
		Outcome:    string(token.OutcomeFailed),
		IsTerminal: true,
		ErrorHash:  hashString("late_arrival_after_merge"),
		RecordedAt: time.Now(),
	}); err != nil {
		return CoalesceResult{}, fmt.Errorf("record late arrival: %w", err)
	}
	return CoalesceResult{Failed: true, FailureReason: "late_arrival_after_merge"}, nil
}
