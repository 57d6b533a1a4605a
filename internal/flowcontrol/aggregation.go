package flowcontrol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elspeth-dev/elspeth/internal/audit"
	"github.com/elspeth-dev/elspeth/internal/expr"
	"github.com/elspeth-dev/elspeth/internal/graph"
	"github.com/elspeth-dev/elspeth/internal/plugin"
	"github.com/elspeth-dev/elspeth/internal/token"
)

// OutputToken pairs a token produced by a flush with the sequence
// number the row processor should attach to its continuation work item
// — for transform-mode flushes, a fresh child; for passthrough, the
// original row's own sequence number.
type OutputToken struct {
	Seq   int64
	Token token.Token
}

// FlushResult is what AggregationExecutor.Accept (or an explicit Flush)
// returns: either the row was held (no further action this call) or the
// buffer flushed, in which case OutputTokens carries the continuation
// work items the row processor should enqueue at step+1.
type FlushResult struct {
	Held         bool
	Flushed      bool
	BatchID      string
	OutputTokens []OutputToken
}

type aggEntry struct {
	seq   int64
	token token.Token
}

type aggState struct {
	batchID      string
	entries      []aggEntry
	firstArrival time.Time
}

// AggregationExecutor buffers rows per aggregation node until one of its
// configured triggers fires, then invokes the aggregation's transform
// plugin over the whole batch and produces continuation tokens.
type AggregationExecutor struct {
	mu        sync.Mutex
	evaluator *expr.Evaluator
	recorder  audit.Recorder

	states map[string]*aggState // keyed by node ID
}

// NewAggregationExecutor wires the expression evaluator used for
// condition_true triggers and the audit recorder batch writes go
// through.
func NewAggregationExecutor(evaluator *expr.Evaluator, recorder audit.Recorder) *AggregationExecutor {
	return &AggregationExecutor{
		evaluator: evaluator,
		recorder:  recorder,
		states:    make(map[string]*aggState),
	}
}

// Accept adds tok to node's buffer, ordered by seq (insertion sort, so
// batch membership stays source-ordered regardless of which worker
// goroutine delivered the row), then evaluates the count/elapsed/
// condition triggers in that priority order. transformPlugin is invoked
// at flush time whether the node runs in transform or passthrough mode
// — the two modes differ in what happens to the consumed tokens and
// how many output rows are expected, not in whether a transform runs.
func (a *AggregationExecutor) Accept(ctx context.Context, runID string, node *graph.Node, transformPlugin plugin.Transform, seq int64, tok token.Token) (FlushResult, error) {
	a.mu.Lock()
	st, ok := a.states[node.NodeID]
	if !ok {
		st = &aggState{batchID: uuid.NewString(), firstArrival: time.Now()}
		a.states[node.NodeID] = st
	}
	insertOrdered(st, aggEntry{seq: seq, token: tok})
	a.mu.Unlock()

	settings := node.AggSettings

	if settings.TriggerCount > 0 && len(st.entries) >= settings.TriggerCount {
		return a.flush(ctx, runID, node, transformPlugin, "count")
	}
	if settings.TriggerElapsed > 0 && time.Since(st.firstArrival) >= time.Duration(settings.TriggerElapsed) {
		return a.flush(ctx, runID, node, transformPlugin, "elapsed")
	}
	if settings.TriggerCondition != "" {
		result, err := a.evaluator.Evaluate(settings.TriggerCondition, tok.Row.Fields)
		if err != nil {
			return FlushResult{}, fmt.Errorf("aggregation %s: evaluate trigger condition: %w", node.NodeID, err)
		}
		if b, ok := result.(bool); ok && b {
			return a.flush(ctx, runID, node, transformPlugin, "condition")
		}
	}

	return FlushResult{Held: true}, nil
}

// Flush forces a manual-trigger flush, for callers implementing the
// `manual` trigger kind.
func (a *AggregationExecutor) Flush(ctx context.Context, runID string, node *graph.Node, transformPlugin plugin.Transform) (FlushResult, error) {
	return a.flush(ctx, runID, node, transformPlugin, "manual")
}

// EndOfSource forces a flush of whatever remains buffered once the
// source is exhausted, for aggregations configured with
// TriggerOnEndOfSource. A node with nothing buffered is a no-op.
func (a *AggregationExecutor) EndOfSource(ctx context.Context, runID string, node *graph.Node, transformPlugin plugin.Transform) (FlushResult, error) {
	a.mu.Lock()
	st, ok := a.states[node.NodeID]
	a.mu.Unlock()
	if !ok || len(st.entries) == 0 {
		return FlushResult{}, nil
	}
	return a.flush(ctx, runID, node, transformPlugin, "end_of_source")
}

func insertOrdered(st *aggState, e aggEntry) {
	i := len(st.entries)
	for i > 0 && st.entries[i-1].seq > e.seq {
		i--
	}
	st.entries = append(st.entries, aggEntry{})
	copy(st.entries[i+1:], st.entries[i:])
	st.entries[i] = e
}

// flush invokes the batch transform and, per output_mode, either treats
// every input token as CONSUMED_IN_BATCH with fresh expand_token
// children (transform mode) or returns each original token as COMPLETED
// carrying the transform's matching output row (passthrough mode). A
// transform error, or a transform-mode output count that doesn't match
// expected_output_count, fails the whole batch atomically: no output
// tokens are returned and the caller must fail every buffered row.
func (a *AggregationExecutor) flush(ctx context.Context, runID string, node *graph.Node, transformPlugin plugin.Transform, triggerType string) (FlushResult, error) {
	a.mu.Lock()
	st := a.states[node.NodeID]
	entries := st.entries
	batchID := st.batchID
	delete(a.states, node.NodeID)
	a.mu.Unlock()

	rows := make([]map[string]interface{}, len(entries))
	for i, e := range entries {
		rows[i] = e.token.Row.Fields
	}

	if err := a.recorder.RecordBatch(ctx, audit.BatchRecord{
		BatchID:           batchID,
		AggregationNodeID: node.NodeID,
		Status:            "OPEN",
		TriggerType:       triggerType,
		CreatedAt:         time.Now(),
	}); err != nil {
		return FlushResult{}, fmt.Errorf("aggregation %s: record batch: %w", node.NodeID, err)
	}
	members := make([]audit.BatchMemberRecord, len(entries))
	for i, e := range entries {
		members[i] = audit.BatchMemberRecord{BatchID: batchID, TokenID: e.token.TokenID, Ordinal: i}
	}
	if err := a.recorder.RecordBatchMembers(ctx, members); err != nil {
		return FlushResult{}, fmt.Errorf("aggregation %s: record batch members: %w", node.NodeID, err)
	}

	result, err := transformPlugin.Process(ctx, rows)
	if err != nil {
		return FlushResult{}, fmt.Errorf("aggregation %s: batch transform: %w", node.NodeID, err)
	}
	if result.Kind == plugin.ResultError {
		return FlushResult{}, fmt.Errorf("aggregation %s: batch transform reported error: %s", node.NodeID, result.ErrorReason)
	}

	switch node.AggSettings.OutputMode {
	case "passthrough":
		return a.flushPassthrough(ctx, runID, node, entries, result, batchID)
	default:
		return a.flushTransform(ctx, runID, node, entries, result, batchID)
	}
}

func (a *AggregationExecutor) flushTransform(ctx context.Context, runID string, node *graph.Node, entries []aggEntry, result plugin.TransformResult, batchID string) (FlushResult, error) {
	outRows := result.Rows
	if result.Kind == plugin.ResultSuccess {
		outRows = []map[string]interface{}{result.Row}
	}

	if node.AggSettings.ExpectedOutputCount > 0 && len(outRows) != node.AggSettings.ExpectedOutputCount {
		return FlushResult{}, fmt.Errorf("aggregation %s: expected %d output rows, transform produced %d", node.NodeID, node.AggSettings.ExpectedOutputCount, len(outRows))
	}

	parentIDs := make([]string, len(entries))
	for i, e := range entries {
		parentIDs[i] = e.token.TokenID
	}

	out := make([]OutputToken, len(outRows))
	for i, row := range outRows {
		child := entries[0].token.Child(token.RowData{Fields: row, Contract: result.Contract})
		child.ParentTokenIDs = parentIDs
		out[i] = OutputToken{Seq: entries[0].seq, Token: child}
	}

	now := time.Now()
	for _, e := range entries {
		if err := a.recorder.RecordOutcome(ctx, audit.OutcomeRecord{
			OutcomeID:  uuid.NewString(),
			TokenID:    e.token.TokenID,
			RunID:      runID,
			Outcome:    string(token.OutcomeConsumedInBatch),
			IsTerminal: true,
			BatchID:    batchID,
			RecordedAt: now,
		}); err != nil {
			return FlushResult{}, fmt.Errorf("aggregation %s: record consumed-in-batch outcome: %w", node.NodeID, err)
		}
	}
	for _, ot := range out {
		if err := a.recorder.RecordToken(ctx, audit.TokenRecord{TokenID: ot.Token.TokenID, RowID: ot.Token.RowID, CreatedAt: ot.Token.CreatedAt}); err != nil {
			return FlushResult{}, fmt.Errorf("aggregation %s: record expanded token: %w", node.NodeID, err)
		}
		if err := a.recorder.RecordTokenParents(ctx, ot.Token.TokenID, parentIDs); err != nil {
			return FlushResult{}, fmt.Errorf("aggregation %s: record expanded token parents: %w", node.NodeID, err)
		}
	}

	return FlushResult{Flushed: true, BatchID: batchID, OutputTokens: out}, nil
}

// EntrySnapshot is the serializable form of one buffered row, used by
// checkpointing to rehydrate aggregation buffers on resume. Contracts
// are deliberately not captured: a resumed entry's contract is nil
// until it next passes through a step that re-derives one, which is
// safe because the buffered rows flow straight into the same batch
// transform before any schema-sensitive step would see them.
type EntrySnapshot struct {
	Seq            int64                  `json:"seq"`
	TokenID        string                 `json:"token_id"`
	RowID          string                 `json:"row_id"`
	Fields         map[string]interface{} `json:"fields"`
	ParentTokenIDs []string               `json:"parent_token_ids,omitempty"`
}

// Snapshot captures every aggregation node's pending buffer, ordered as
// currently held, for checkpointing.
func (a *AggregationExecutor) Snapshot() map[string][]EntrySnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string][]EntrySnapshot, len(a.states))
	for nodeID, st := range a.states {
		entries := make([]EntrySnapshot, len(st.entries))
		for i, e := range st.entries {
			entries[i] = EntrySnapshot{
				Seq: e.seq, TokenID: e.token.TokenID, RowID: e.token.RowID,
				Fields: e.token.Row.Fields, ParentTokenIDs: e.token.ParentTokenIDs,
			}
		}
		out[nodeID] = entries
	}
	return out
}

// Restore rehydrates aggregation buffers from a checkpoint snapshot.
// Trigger state (firstArrival) restarts from the moment of resume, not
// the original arrival time, since elapsed-trigger timing across a
// crash/resume boundary is inherently approximate.
func (a *AggregationExecutor) Restore(snapshot map[string][]EntrySnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for nodeID, entries := range snapshot {
		st := &aggState{batchID: uuid.NewString(), firstArrival: time.Now()}
		for _, e := range entries {
			tok := token.Token{
				RowID: e.RowID, TokenID: e.TokenID,
				Row:            token.RowData{Fields: e.Fields},
				ParentTokenIDs: e.ParentTokenIDs,
				CreatedAt:      time.Now(),
			}
			st.entries = append(st.entries, aggEntry{seq: e.Seq, token: tok})
		}
		a.states[nodeID] = st
	}
}

func (a *AggregationExecutor) flushPassthrough(ctx context.Context, runID string, node *graph.Node, entries []aggEntry, result plugin.TransformResult, batchID string) (FlushResult, error) {
	outRows := result.Rows
	if result.Kind == plugin.ResultSuccess {
		outRows = []map[string]interface{}{result.Row}
	}
	if len(outRows) != len(entries) {
		return FlushResult{}, fmt.Errorf("aggregation %s: passthrough mode requires exactly %d output rows (one per buffered row), transform produced %d", node.NodeID, len(entries), len(outRows))
	}

	out := make([]OutputToken, len(entries))
	now := time.Now()
	for i, e := range entries {
		updated := e.token.WithRow(token.RowData{Fields: outRows[i], Contract: result.Contract})
		out[i] = OutputToken{Seq: e.seq, Token: updated}

		if err := a.recorder.RecordOutcome(ctx, audit.OutcomeRecord{
			OutcomeID:  uuid.NewString(),
			TokenID:    e.token.TokenID,
			RunID:      runID,
			Outcome:    string(token.OutcomeCompleted),
			IsTerminal: true,
			BatchID:    batchID,
			RecordedAt: now,
		}); err != nil {
			return FlushResult{}, fmt.Errorf("aggregation %s: record passthrough outcome: %w", node.NodeID, err)
		}
	}

	return FlushResult{Flushed: true, BatchID: batchID, OutputTokens: out}, nil
}
