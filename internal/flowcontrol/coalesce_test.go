package flowcontrol

import (
	"context"
	"testing"

	"github.com/elspeth-dev/elspeth/internal/audit"
	"github.com/elspeth-dev/elspeth/internal/graph"
	"github.com/elspeth-dev/elspeth/internal/schema"
	"github.com/elspeth-dev/elspeth/internal/token"
)

func tokenForBranch(rowID string, fields map[string]interface{}) token.Token {
	contract := schema.New(schema.ModeFlexible, nil, nil, nil, nil)
	tok := token.New(rowID, token.RowData{Fields: fields, Contract: contract})
	return tok
}

func TestCoalesceRequireAllMergesOnceAllBranchesArrive(t *testing.T) {
	node := &graph.Node{
		NodeID:                "coal_join",
		CoalescePolicy:        graph.CoalesceRequireAll,
		CoalesceBranches:      []string{"a", "b"},
		CoalesceMergeStrategy: schema.MergeUnion,
	}
	ce := NewCoalesceExecutor(audit.NewMemoryRecorder())
	ctx := context.Background()

	res, err := ce.Accept(ctx, "run1", node, "a", 1, tokenForBranch("row1", map[string]interface{}{"x": 1}))
	if err != nil {
		t.Fatalf("accept a: %v", err)
	}
	if !res.Held {
		t.Fatal("expected join to be held after only one of two branches arrived")
	}

	res, err = ce.Accept(ctx, "run1", node, "b", 1, tokenForBranch("row1", map[string]interface{}{"y": 2}))
	if err != nil {
		t.Fatalf("accept b: %v", err)
	}
	if !res.Merged {
		t.Fatal("expected merge once both branches arrived")
	}
	if res.MergedToken.Token.Row.Fields["x"] != 1 || res.MergedToken.Token.Row.Fields["y"] != 2 {
		t.Fatalf("expected merged fields from both branches, got %+v", res.MergedToken.Token.Row.Fields)
	}
}

func TestCoalesceRequireAllFailsImmediatelyOnBranchLoss(t *testing.T) {
	node := &graph.Node{
		NodeID:           "coal_join",
		CoalescePolicy:   graph.CoalesceRequireAll,
		CoalesceBranches: []string{"a", "b"},
	}
	ce := NewCoalesceExecutor(audit.NewMemoryRecorder())
	ctx := context.Background()

	if _, err := ce.Accept(ctx, "run1", node, "a", 1, tokenForBranch("row1", map[string]interface{}{"x": 1})); err != nil {
		t.Fatalf("accept a: %v", err)
	}
	res, err := ce.LoseBranch(ctx, "run1", node, "row1", "b")
	if err != nil {
		t.Fatalf("lose branch: %v", err)
	}
	if !res.Failed || res.FailureReason != "require_all_branch_lost" {
		t.Fatalf("expected immediate require_all failure, got %+v", res)
	}
}

func TestCoalesceQuorumMergesOnceThresholdMet(t *testing.T) {
	node := &graph.Node{
		NodeID:                "coal_join",
		CoalescePolicy:        graph.CoalesceQuorum,
		CoalesceQuorumN:       2,
		CoalesceBranches:      []string{"a", "b", "c"},
		CoalesceMergeStrategy: schema.MergeUnion,
	}
	ce := NewCoalesceExecutor(audit.NewMemoryRecorder())
	ctx := context.Background()

	if res, err := ce.Accept(ctx, "run1", node, "a", 1, tokenForBranch("row1", map[string]interface{}{"x": 1})); err != nil || res.Held != true {
		t.Fatalf("accept a: held=%v err=%v", res.Held, err)
	}
	res, err := ce.Accept(ctx, "run1", node, "b", 1, tokenForBranch("row1", map[string]interface{}{"y": 2}))
	if err != nil {
		t.Fatalf("accept b: %v", err)
	}
	if !res.Merged {
		t.Fatal("expected quorum of 2 to trigger merge")
	}
}

func TestCoalesceFirstMergesOnFirstArrival(t *testing.T) {
	node := &graph.Node{
		NodeID:                "coal_join",
		CoalescePolicy:        graph.CoalesceFirst,
		CoalesceBranches:      []string{"a", "b"},
		CoalesceMergeStrategy: schema.MergeSelect,
		CoalesceSelectBranch:  "a",
	}
	ce := NewCoalesceExecutor(audit.NewMemoryRecorder())
	res, err := ce.Accept(context.Background(), "run1", node, "a", 1, tokenForBranch("row1", map[string]interface{}{"x": 1}))
	if err != nil {
		t.Fatalf("accept a: %v", err)
	}
	if !res.Merged {
		t.Fatal("expected first-policy merge on first arrival")
	}
}

func TestCoalesceLateArrivalAfterMergeFails(t *testing.T) {
	node := &graph.Node{
		NodeID:                "coal_join",
		CoalescePolicy:        graph.CoalesceFirst,
		CoalesceBranches:      []string{"a", "b"},
		CoalesceMergeStrategy: schema.MergeSelect,
		CoalesceSelectBranch:  "a",
	}
	ce := NewCoalesceExecutor(audit.NewMemoryRecorder())
	ctx := context.Background()
	if _, err := ce.Accept(ctx, "run1", node, "a", 1, tokenForBranch("row1", map[string]interface{}{"x": 1})); err != nil {
		t.Fatalf("accept a: %v", err)
	}
	res, err := ce.Accept(ctx, "run1", node, "b", 1, tokenForBranch("row1", map[string]interface{}{"y": 2}))
	if err != nil {
		t.Fatalf("accept b (late): %v", err)
	}
	if !res.Failed || res.FailureReason != "late_arrival_after_merge" {
		t.Fatalf("expected late-arrival failure, got %+v", res)
	}
}
