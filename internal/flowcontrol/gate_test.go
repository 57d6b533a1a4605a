package flowcontrol

import (
	"context"
	"testing"

	"github.com/elspeth-dev/elspeth/internal/audit"
	"github.com/elspeth-dev/elspeth/internal/expr"
	"github.com/elspeth-dev/elspeth/internal/graph"
	"github.com/elspeth-dev/elspeth/internal/token"
)

func newTestToken(fields map[string]interface{}) token.Token {
	return token.New("row1", token.RowData{Fields: fields})
}

func TestGateExecutorRoutesByExpressionResult(t *testing.T) {
	continueNode := &graph.Node{NodeID: "xfm_next"}
	vipSink := &graph.Node{NodeID: "sink_vip", Kind: graph.KindSink}
	gateNode := &graph.Node{
		NodeID:         "gate_tier",
		Kind:           graph.KindGate,
		GateExpression: `row["tier"]`,
		Next:           continueNode,
		GateRouteNodes: map[string]*graph.Node{
			"vip":      vipSink,
			"continue": continueNode,
		},
	}

	ge := NewGateExecutor(expr.NewEvaluator(), audit.NewMemoryRecorder())

	decision, err := ge.Evaluate(context.Background(), "run1", gateNode, 1, newTestToken(map[string]interface{}{"tier": "vip"}))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Kind != DecisionRoute || decision.Next != vipSink {
		t.Fatalf("expected route to vip sink, got %+v", decision)
	}

	decision2, err := ge.Evaluate(context.Background(), "run1", gateNode, 1, newTestToken(map[string]interface{}{"tier": "continue"}))
	if err != nil {
		t.Fatalf("evaluate continue: %v", err)
	}
	if decision2.Kind != DecisionRoute && decision2.Kind != DecisionContinue {
		t.Fatalf("unexpected decision kind %v", decision2.Kind)
	}
}

func TestGateExecutorUnmatchedResultErrors(t *testing.T) {
	gateNode := &graph.Node{
		NodeID:         "gate_tier",
		GateExpression: `row["tier"]`,
		GateRouteNodes: map[string]*graph.Node{"vip": {NodeID: "sink_vip"}},
	}
	ge := NewGateExecutor(expr.NewEvaluator(), audit.NewMemoryRecorder())
	_, err := ge.Evaluate(context.Background(), "run1", gateNode, 1, newTestToken(map[string]interface{}{"tier": "standard"}))
	if err == nil {
		t.Fatal("expected an error for an unmatched gate result")
	}
}

func TestGateExecutorForkAlwaysFiresWithoutGuard(t *testing.T) {
	branchA := &graph.Node{NodeID: "coal_a"}
	branchB := &graph.Node{NodeID: "coal_b"}
	gateNode := &graph.Node{
		NodeID:   "gate_split",
		GateFork: true,
		GateForkBranches: map[string]*graph.Node{
			"a": branchA,
			"b": branchB,
		},
	}
	ge := NewGateExecutor(expr.NewEvaluator(), audit.NewMemoryRecorder())
	decision, err := ge.Evaluate(context.Background(), "run1", gateNode, 1, newTestToken(map[string]interface{}{"x": 1}))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Kind != DecisionFork || len(decision.ForkTargets) != 2 {
		t.Fatalf("expected a two-branch fork, got %+v", decision)
	}
}

func TestGateExecutorForkGuardFalseContinuesUnforked(t *testing.T) {
	next := &graph.Node{NodeID: "xfm_next"}
	gateNode := &graph.Node{
		NodeID:           "gate_split",
		GateFork:         true,
		GateForkGuard:    `row["should_fork"]`,
		Next:             next,
		GateForkBranches: map[string]*graph.Node{"a": {NodeID: "coal_a"}},
	}
	ge := NewGateExecutor(expr.NewEvaluator(), audit.NewMemoryRecorder())
	decision, err := ge.Evaluate(context.Background(), "run1", gateNode, 1, newTestToken(map[string]interface{}{"should_fork": false}))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if decision.Kind != DecisionContinue || decision.Next != next {
		t.Fatalf("expected unforked continue, got %+v", decision)
	}
}
