package flowcontrol

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/elspeth-dev/elspeth/internal/audit"
	"github.com/elspeth-dev/elspeth/internal/expr"
	"github.com/elspeth-dev/elspeth/internal/graph"
	"github.com/elspeth-dev/elspeth/internal/token"
)

// DecisionKind discriminates what a gate told the row processor to do.
type DecisionKind string

const (
	DecisionContinue DecisionKind = "continue"
	DecisionRoute    DecisionKind = "route"
	DecisionFork     DecisionKind = "fork"
)

// Decision is the outcome of evaluating one gate node against one
// token.
type Decision struct {
	Kind DecisionKind

	// DecisionContinue / DecisionRoute: the single next node.
	Next *graph.Node

	// DecisionFork: one entry node per branch name.
	ForkTargets map[string]*graph.Node

	Event token.RoutingEvent
}

// GateExecutor evaluates a config gate expression against an incoming
// token and decides how the row processor should proceed: continue down
// the spine, route to a single named destination, or fork into every
// named branch at once.
type GateExecutor struct {
	evaluator *expr.Evaluator
	recorder  audit.Recorder
}

// NewGateExecutor wires an expression evaluator and the audit recorder
// gate evaluations must write node_states and routing_events through.
func NewGateExecutor(evaluator *expr.Evaluator, recorder audit.Recorder) *GateExecutor {
	return &GateExecutor{evaluator: evaluator, recorder: recorder}
}

// Evaluate runs the gate node's expression (or fork guard) against tok,
// records the node state and routing event, and returns the resulting
// Decision.
func (g *GateExecutor) Evaluate(ctx context.Context, runID string, node *graph.Node, attempt int, tok token.Token) (Decision, error) {
	stateID := uuid.NewString()
	inputHash := hashRow(tok.Row.Fields)
	started := time.Now()

	if err := g.recorder.BeginNodeState(ctx, audit.NodeStateRecord{
		StateID:   stateID,
		TokenID:   tok.TokenID,
		NodeID:    node.NodeID,
		RunID:     runID,
		Status:    audit.NodeStateStarted,
		Attempt:   attempt,
		StartedAt: started,
		InputHash: inputHash,
	}); err != nil {
		return Decision{}, fmt.Errorf("gate %s: begin node state: %w", node.NodeID, err)
	}

	var decision Decision
	var gateExpr, gateResult string
	var evalErr error

	if node.GateFork {
		decision, gateExpr, gateResult, evalErr = g.evaluateFork(node, tok)
	} else {
		decision, gateExpr, gateResult, evalErr = g.evaluateRoute(node, tok)
	}

	completed := time.Now()
	status := audit.NodeStateCompleted
	errReason := ""
	if evalErr != nil {
		status = audit.NodeStateFailed
		errReason = evalErr.Error()
	}
	if err := g.recorder.CompleteNodeState(ctx, audit.NodeStateRecord{
		StateID:     stateID,
		RunID:       runID,
		Status:      status,
		CompletedAt: &completed,
		OutputHash:  inputHash, // gates never mutate row data
		DurationNS:  completed.Sub(started).Nanoseconds(),
		ErrorReason: errReason,
	}); err != nil {
		return Decision{}, fmt.Errorf("gate %s: complete node state: %w", node.NodeID, err)
	}
	if evalErr != nil {
		return Decision{}, evalErr
	}

	decision.Event = token.RoutingEvent{
		StateID: stateID,
		Mode:    token.EdgeMove,
		Reason: token.Reason{
			Kind:           token.ReasonConfigGate,
			GateExpression: gateExpr,
			GateResult:     gateResult,
		},
	}
	if decision.Kind == DecisionFork {
		decision.Event.Mode = token.EdgeCopy
	}
	if err := g.recorder.RecordRoutingEvent(ctx, audit.RoutingEventRecord{
		StateID:        stateID,
		Mode:           string(decision.Event.Mode),
		ReasonKind:     string(token.ReasonConfigGate),
		GateExpression: gateExpr,
		GateResult:     gateResult,
	}); err != nil {
		return Decision{}, fmt.Errorf("gate %s: record routing event: %w", node.NodeID, err)
	}

	return decision, nil
}

// evaluateRoute handles a routing gate (Fork == false): the expression
// result selects exactly one of node.GateRouteNodes.
func (g *GateExecutor) evaluateRoute(node *graph.Node, tok token.Token) (Decision, string, string, error) {
	result, err := g.evaluator.Evaluate(node.GateExpression, tok.Row.Fields)
	if err != nil {
		return Decision{}, node.GateExpression, "", fmt.Errorf("gate %s: evaluate expression: %w", node.NodeID, err)
	}
	label := expr.ResultToLabel(result)

	dest, ok := node.GateRouteNodes[label]
	if !ok {
		return Decision{}, node.GateExpression, label, fmt.Errorf("gate %s: no route configured for result %q", node.NodeID, label)
	}

	kind := DecisionRoute
	if dest == node.Next {
		kind = DecisionContinue
	}
	return Decision{Kind: kind, Next: dest}, node.GateExpression, label, nil
}

// evaluateFork handles a forking gate (Fork == true): if ForkGuard is
// empty the gate always fires; otherwise the guard expression must
// evaluate truthy. A guard that fails sends the token straight down the
// main spine instead, unforked.
func (g *GateExecutor) evaluateFork(node *graph.Node, tok token.Token) (Decision, string, string, error) {
	if node.GateForkGuard == "" {
		targets := make(map[string]*graph.Node, len(node.GateForkBranches))
		for name, n := range node.GateForkBranches {
			targets[name] = n
		}
		return Decision{Kind: DecisionFork, ForkTargets: targets}, node.GateForkGuard, "true", nil
	}

	result, err := g.evaluator.Evaluate(node.GateForkGuard, tok.Row.Fields)
	if err != nil {
		return Decision{}, node.GateForkGuard, "", fmt.Errorf("gate %s: evaluate fork guard: %w", node.NodeID, err)
	}
	label := expr.ResultToLabel(result)
	if !truthyLabel(result) {
		return Decision{Kind: DecisionContinue, Next: node.Next}, node.GateForkGuard, label, nil
	}

	targets := make(map[string]*graph.Node, len(node.GateForkBranches))
	for name, n := range node.GateForkBranches {
		targets[name] = n
	}
	return Decision{Kind: DecisionFork, ForkTargets: targets}, node.GateForkGuard, label, nil
}

func truthyLabel(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}
