// Package rowproc implements the stateless traversal of one row through
// the execution graph: a work-queue walk that dispatches to the
// transform, gate, aggregation, and coalesce handling each node kind
// requires, and collects every terminal, sink-bound outcome the walk
// produces.
package rowproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/elspeth-dev/elspeth/internal/audit"
	"github.com/elspeth-dev/elspeth/internal/flowcontrol"
	"github.com/elspeth-dev/elspeth/internal/graph"
	"github.com/elspeth-dev/elspeth/internal/plugin"
	"github.com/elspeth-dev/elspeth/internal/token"
)

// maxWorkQueueIterations bounds runaway loops. Hitting it means the
// graph or the executors produced an infinite work cycle — a bug, not
// a recoverable per-row error, so Process panics rather than returning
// an error a caller might paper over.
const maxWorkQueueIterations = 10_000

// Registry resolves the plugin instance backing a transform or
// aggregation node, keyed by the node the graph builder already
// resolved plugin configuration onto.
type Registry interface {
	Transform(node *graph.Node) (plugin.Transform, error)
}

// WorkItem is one unit of traversal: a token sitting at a node, plus
// the provisional outcome/reason it should be recorded with if this
// item's path terminates at a sink without anything more specific
// (a gate route or an on_error divert) overriding it.
type WorkItem struct {
	Token  token.Token
	Node   *graph.Node
	Seq    int64
	Reason token.Reason

	// PendingOutcome is what this item becomes if it reaches a sink
	// node; defaults to COMPLETED for items still walking the main
	// spine with nothing having routed them elsewhere.
	PendingOutcome token.Outcome
}

// Outcome is one sink-bound terminal result the row processor produced.
// The caller (the orchestrator's WorkPool/ReleaseQueue) is responsible
// for recording it in the audit store, writing the sink, and recording
// the artifact — in that order, per spec.md §4.7's release contract —
// since that ordering depends on release-queue sequencing the row
// processor itself has no visibility into.
type Outcome struct {
	Token  token.Token
	Kind   token.Outcome
	Sink   *graph.Node
	Seq    int64
	Reason token.Reason
}

// Processor walks one row's work queue to completion.
type Processor struct {
	gates        *flowcontrol.GateExecutor
	aggregations *flowcontrol.AggregationExecutor
	coalesces    *flowcontrol.CoalesceExecutor
	recorder     audit.Recorder
}

// New wires the three flow-control executors and the audit recorder the
// processor writes node_states, routing_events, and fork/expand
// outcomes through.
func New(gates *flowcontrol.GateExecutor, aggregations *flowcontrol.AggregationExecutor, coalesces *flowcontrol.CoalesceExecutor, recorder audit.Recorder) *Processor {
	return &Processor{gates: gates, aggregations: aggregations, coalesces: coalesces, recorder: recorder}
}

// Process runs entry's token through the graph until every derived
// work item has either reached a sink or is held pending a future
// arrival (aggregation buffering, coalesce join). It returns every
// sink-bound terminal outcome produced along the way — for a plain row
// this is exactly one outcome; for a row that forks or expands it may
// be several, all belonging to the same original sequence number.
func (p *Processor) Process(ctx context.Context, runID string, reg Registry, entry WorkItem) ([]Outcome, error) {
	if entry.PendingOutcome == "" {
		entry.PendingOutcome = token.OutcomeCompleted
	}
	queue := []WorkItem{entry}
	var outcomes []Outcome

	for iterations := 0; len(queue) > 0; iterations++ {
		if iterations >= maxWorkQueueIterations {
			panic(fmt.Sprintf("row processor: exceeded %d work queue iterations for row %s — runaway traversal", maxWorkQueueIterations, entry.Token.RowID))
		}
		item := queue[0]
		queue = queue[1:]

		switch item.Node.Kind {
		case graph.KindSink:
			outcomes = append(outcomes, Outcome{
				Token:  item.Token,
				Kind:   item.PendingOutcome,
				Sink:   item.Node,
				Seq:    item.Seq,
				Reason: item.Reason,
			})

		case graph.KindTransform:
			next, err := p.processTransform(ctx, runID, reg, item)
			if err != nil {
				return outcomes, err
			}
			queue = append(queue, next...)

		case graph.KindAggregation:
			next, err := p.processAggregation(ctx, runID, reg, item)
			if err != nil {
				return outcomes, err
			}
			queue = append(queue, next...)

		case graph.KindCoalesce:
			next, err := p.processCoalesce(ctx, runID, item)
			if err != nil {
				return outcomes, err
			}
			queue = append(queue, next...)

		case graph.KindGate:
			next, err := p.processGate(ctx, runID, item)
			if err != nil {
				return outcomes, err
			}
			queue = append(queue, next...)

		default:
			return outcomes, fmt.Errorf("row processor: node %s has unexpected kind %q", item.Node.NodeID, item.Node.Kind)
		}
	}

	return outcomes, nil
}

func (p *Processor) processTransform(ctx context.Context, runID string, reg Registry, item WorkItem) ([]WorkItem, error) {
	node := item.Node
	xfm, err := reg.Transform(node)
	if err != nil {
		return nil, fmt.Errorf("transform %s: resolve plugin: %w", node.NodeID, err)
	}

	stateID := uuid.NewString()
	inputHash := hashRow(item.Token.Row.Fields)
	started := time.Now()
	if err := p.recorder.BeginNodeState(ctx, audit.NodeStateRecord{
		StateID: stateID, TokenID: item.Token.TokenID, NodeID: node.NodeID, RunID: runID,
		Status: audit.NodeStateStarted, Attempt: 1, StartedAt: started, InputHash: inputHash,
	}); err != nil {
		return nil, fmt.Errorf("transform %s: begin node state: %w", node.NodeID, err)
	}

	result, procErr := xfm.Process(ctx, []map[string]interface{}{item.Token.Row.Fields})

	completed := time.Now()
	status := audit.NodeStateCompleted
	errReason := ""
	if procErr != nil {
		status = audit.NodeStateFailed
		errReason = procErr.Error()
	} else if result.Kind == plugin.ResultError {
		status = audit.NodeStateFailed
		errReason = result.ErrorReason
	}
	outputHash := inputHash
	if procErr == nil && result.Kind == plugin.ResultSuccess {
		outputHash = hashRow(result.Row)
	}
	if err := p.recorder.CompleteNodeState(ctx, audit.NodeStateRecord{
		StateID: stateID, RunID: runID, Status: status, CompletedAt: &completed,
		OutputHash: outputHash, DurationNS: completed.Sub(started).Nanoseconds(), ErrorReason: errReason,
	}); err != nil {
		return nil, fmt.Errorf("transform %s: complete node state: %w", node.NodeID, err)
	}

	if procErr != nil {
		return nil, fmt.Errorf("transform %s: %w", node.NodeID, procErr)
	}

	switch result.Kind {
	case plugin.ResultSuccess:
		updated := item.Token.WithRow(token.RowData{Fields: result.Row, Contract: result.Contract})
		return []WorkItem{{Token: updated, Node: node.Next, Seq: item.Seq, PendingOutcome: token.OutcomeCompleted}}, nil

	case plugin.ResultSuccessMulti:
		if !xfm.CreatesTokens() {
			return nil, fmt.Errorf("transform %s: returned success_multi but is not configured to create tokens — plugin bug", node.NodeID)
		}
		return p.expandToken(ctx, runID, node, item, result)

	case plugin.ResultError:
		if node.OnErrorSink != nil {
			if err := p.recorder.RecordRoutingEvent(ctx, audit.RoutingEventRecord{
				StateID: stateID, Mode: string(token.EdgeDivert), ReasonKind: string(token.ReasonTransformError),
				TransformError: result.ErrorReason, Retryable: result.Retryable,
			}); err != nil {
				return nil, fmt.Errorf("transform %s: record routing event: %w", node.NodeID, err)
			}
			return []WorkItem{{
				Token: item.Token, Node: node.OnErrorSink, Seq: item.Seq,
				PendingOutcome: token.OutcomeFailed,
				Reason: token.Reason{Kind: token.ReasonTransformError, TransformErrorReason: result.ErrorReason, Retryable: result.Retryable},
			}}, nil
		}
		return nil, fmt.Errorf("transform %s: unrecoverable error with no on_error route configured: %s", node.NodeID, result.ErrorReason)

	default:
		return nil, fmt.Errorf("transform %s: unknown result kind %d", node.NodeID, result.Kind)
	}
}

// expandToken turns one success_multi transform result into N child
// work items continuing at node.Next, marks the parent token EXPANDED,
// and records the new tokens' lineage.
func (p *Processor) expandToken(ctx context.Context, runID string, node *graph.Node, item WorkItem, result plugin.TransformResult) ([]WorkItem, error) {
	expandGroupID := uuid.NewString()
	items := make([]WorkItem, len(result.Rows))
	for i, row := range result.Rows {
		child := item.Token.Child(token.RowData{Fields: row, Contract: result.Contract})
		child.ExpandGroupID = expandGroupID
		if err := p.recorder.RecordToken(ctx, audit.TokenRecord{TokenID: child.TokenID, RowID: child.RowID, CreatedAt: child.CreatedAt}); err != nil {
			return nil, fmt.Errorf("expand %s: record child token: %w", node.NodeID, err)
		}
		if err := p.recorder.RecordTokenParents(ctx, child.TokenID, []string{item.Token.TokenID}); err != nil {
			return nil, fmt.Errorf("expand %s: record child token parent: %w", node.NodeID, err)
		}
		items[i] = WorkItem{Token: child, Node: node.Next, Seq: item.Seq, PendingOutcome: token.OutcomeCompleted}
	}

	if err := p.recorder.RecordOutcome(ctx, audit.OutcomeRecord{
		OutcomeID: uuid.NewString(), TokenID: item.Token.TokenID, RunID: runID,
		Outcome: string(token.OutcomeExpanded), IsTerminal: true, ExpandGroupID: expandGroupID, RecordedAt: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("expand %s: record parent outcome: %w", node.NodeID, err)
	}

	return items, nil
}

func (p *Processor) processAggregation(ctx context.Context, runID string, reg Registry, item WorkItem) ([]WorkItem, error) {
	node := item.Node
	xfm, err := reg.Transform(node)
	if err != nil {
		return nil, fmt.Errorf("aggregation %s: resolve plugin: %w", node.NodeID, err)
	}

	result, err := p.aggregations.Accept(ctx, runID, node, xfm, item.Seq, item.Token)
	if err != nil {
		return nil, fmt.Errorf("aggregation %s: %w", node.NodeID, err)
	}
	if result.Held {
		return nil, nil
	}

	items := make([]WorkItem, len(result.OutputTokens))
	for i, ot := range result.OutputTokens {
		items[i] = WorkItem{Token: ot.Token, Node: node.Next, Seq: ot.Seq, PendingOutcome: token.OutcomeCompleted}
	}
	return items, nil
}

func (p *Processor) processCoalesce(ctx context.Context, runID string, item WorkItem) ([]WorkItem, error) {
	node := item.Node
	result, err := p.coalesces.Accept(ctx, runID, node, item.Token.BranchName, item.Seq, item.Token)
	if err != nil {
		return nil, fmt.Errorf("coalesce %s: %w", node.NodeID, err)
	}
	if result.Held || result.Failed {
		return nil, nil
	}
	return []WorkItem{{
		Token: result.MergedToken.Token, Node: node.Next, Seq: result.MergedToken.Seq, PendingOutcome: token.OutcomeCompleted,
	}}, nil
}

func (p *Processor) processGate(ctx context.Context, runID string, item WorkItem) ([]WorkItem, error) {
	node := item.Node
	decision, err := p.gates.Evaluate(ctx, runID, node, 1, item.Token)
	if err != nil {
		return nil, fmt.Errorf("gate %s: %w", node.NodeID, err)
	}

	reason := decision.Event.Reason

	switch decision.Kind {
	case flowcontrol.DecisionContinue:
		return []WorkItem{{Token: item.Token, Node: decision.Next, Seq: item.Seq, PendingOutcome: token.OutcomeCompleted}}, nil

	case flowcontrol.DecisionRoute:
		return []WorkItem{{Token: item.Token, Node: decision.Next, Seq: item.Seq, PendingOutcome: token.OutcomeRouted, Reason: reason}}, nil

	case flowcontrol.DecisionFork:
		return p.fork(ctx, runID, node, item, decision)

	default:
		return nil, fmt.Errorf("gate %s: unknown decision kind %q", node.NodeID, decision.Kind)
	}
}

// fork deep-copies the row into one child per branch target (so sibling
// mutations cannot leak), marks the parent FORKED, and records the fork
// atomically via audit.ForkRecord.
func (p *Processor) fork(ctx context.Context, runID string, node *graph.Node, item WorkItem, decision flowcontrol.Decision) ([]WorkItem, error) {
	forkGroupID := uuid.NewString()
	children := make([]token.Token, 0, len(decision.ForkTargets))
	items := make([]WorkItem, 0, len(decision.ForkTargets))
	parentOf := make(map[string][]string, len(decision.ForkTargets))

	for branch, target := range decision.ForkTargets {
		child := item.Token.Child(item.Token.Row)
		child.BranchName = branch
		child.ForkGroupID = forkGroupID
		children = append(children, child)
		parentOf[child.TokenID] = []string{item.Token.TokenID}
		items = append(items, WorkItem{Token: child, Node: target, Seq: item.Seq, PendingOutcome: token.OutcomeCompleted})
	}

	tokenRecords := make([]audit.TokenRecord, len(children))
	for i, c := range children {
		tokenRecords[i] = audit.TokenRecord{TokenID: c.TokenID, RowID: c.RowID, CreatedAt: c.CreatedAt}
	}

	if err := p.recorder.RecordFork(ctx, audit.ForkRecord{
		ParentOutcome: audit.OutcomeRecord{
			OutcomeID: uuid.NewString(), TokenID: item.Token.TokenID, RunID: runID,
			Outcome: string(token.OutcomeForked), IsTerminal: true, ForkGroupID: forkGroupID, RecordedAt: time.Now(),
		},
		Children: tokenRecords,
		ParentOf: parentOf,
	}); err != nil {
		return nil, fmt.Errorf("gate %s: record fork: %w", node.NodeID, err)
	}

	return items, nil
}

func hashRow(row map[string]interface{}) string {
	b, err := json.Marshal(row)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
