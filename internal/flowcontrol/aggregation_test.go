package flowcontrol

import (
	"context"
	"testing"

	"github.com/elspeth-dev/elspeth/internal/audit"
	"github.com/elspeth-dev/elspeth/internal/expr"
	"github.com/elspeth-dev/elspeth/internal/graph"
	"github.com/elspeth-dev/elspeth/internal/plugin"
	"github.com/elspeth-dev/elspeth/internal/schema"
)

type fakeTransform struct {
	process func(ctx context.Context, rows []map[string]interface{}) (plugin.TransformResult, error)
}

func (f *fakeTransform) Name() string                    { return "fake" }
func (f *fakeTransform) InputSchema() *schema.Contract    { return nil }
func (f *fakeTransform) OutputSchema() *schema.Contract   { return nil }
func (f *fakeTransform) Determinism() plugin.Determinism { return plugin.Deterministic }
func (f *fakeTransform) PluginVersion() string           { return "test" }
func (f *fakeTransform) IsBatchAware() bool              { return true }
func (f *fakeTransform) CreatesTokens() bool              { return true }
func (f *fakeTransform) OnStart(ctx context.Context) error    { return nil }
func (f *fakeTransform) OnComplete(ctx context.Context) error { return nil }
func (f *fakeTransform) Close() error                     { return nil }
func (f *fakeTransform) Process(ctx context.Context, rows []map[string]interface{}) (plugin.TransformResult, error) {
	return f.process(ctx, rows)
}

func TestAggregationExecutorHoldsUntilCountTrigger(t *testing.T) {
	recorder := audit.NewMemoryRecorder()
	ae := NewAggregationExecutor(expr.NewEvaluator(), recorder)

	node := &graph.Node{
		NodeID: "agg_batch",
		AggSettings: graph.AggregationSettings{
			OutputMode:   "transform",
			TriggerCount: 3,
		},
	}

	sumTransform := &fakeTransform{process: func(ctx context.Context, rows []map[string]interface{}) (plugin.TransformResult, error) {
		total := 0
		for _, r := range rows {
			total += r["n"].(int)
		}
		return plugin.TransformResult{Kind: plugin.ResultSuccess, Row: map[string]interface{}{"total": total}}, nil
	}}

	ctx := context.Background()
	for i, n := range []int{1, 2} {
		res, err := ae.Accept(ctx, "run1", node, sumTransform, int64(i+1), newTestToken(map[string]interface{}{"n": n}))
		if err != nil {
			t.Fatalf("accept %d: %v", i, err)
		}
		if !res.Held {
			t.Fatalf("expected row %d to be held before count trigger", i)
		}
	}

	res, err := ae.Accept(ctx, "run1", node, sumTransform, 3, newTestToken(map[string]interface{}{"n": 3}))
	if err != nil {
		t.Fatalf("accept final: %v", err)
	}
	if !res.Flushed {
		t.Fatal("expected the third row to trigger a flush")
	}
	if len(res.OutputTokens) != 1 {
		t.Fatalf("expected one output token from transform-mode flush, got %d", len(res.OutputTokens))
	}
	if res.OutputTokens[0].Token.Row.Fields["total"] != 6 {
		t.Fatalf("expected summed total 6, got %v", res.OutputTokens[0].Token.Row.Fields["total"])
	}
}

func TestAggregationExecutorPassthroughPreservesTokenCount(t *testing.T) {
	recorder := audit.NewMemoryRecorder()
	ae := NewAggregationExecutor(expr.NewEvaluator(), recorder)

	node := &graph.Node{
		NodeID: "agg_enrich",
		AggSettings: graph.AggregationSettings{
			OutputMode:   "passthrough",
			TriggerCount: 2,
		},
	}

	enrich := &fakeTransform{process: func(ctx context.Context, rows []map[string]interface{}) (plugin.TransformResult, error) {
		out := make([]map[string]interface{}, len(rows))
		for i, r := range rows {
			out[i] = map[string]interface{}{"n": r["n"], "enriched": true}
		}
		return plugin.TransformResult{Kind: plugin.ResultSuccessMulti, Rows: out}, nil
	}}

	ctx := context.Background()
	tok1 := newTestToken(map[string]interface{}{"n": 1})
	if _, err := ae.Accept(ctx, "run1", node, enrich, 1, tok1); err != nil {
		t.Fatalf("accept 1: %v", err)
	}
	tok2 := newTestToken(map[string]interface{}{"n": 2})
	res, err := ae.Accept(ctx, "run1", node, enrich, 2, tok2)
	if err != nil {
		t.Fatalf("accept 2: %v", err)
	}
	if !res.Flushed || len(res.OutputTokens) != 2 {
		t.Fatalf("expected passthrough flush with 2 output tokens, got %+v", res)
	}
	for _, ot := range res.OutputTokens {
		if ot.Token.Row.Fields["enriched"] != true {
			t.Fatalf("expected enriched field on output token, got %+v", ot.Token.Row.Fields)
		}
	}
}

func TestAggregationExecutorPassthroughCountMismatchFails(t *testing.T) {
	recorder := audit.NewMemoryRecorder()
	ae := NewAggregationExecutor(expr.NewEvaluator(), recorder)
	node := &graph.Node{
		NodeID: "agg_enrich",
		AggSettings: graph.AggregationSettings{
			OutputMode:   "passthrough",
			TriggerCount: 2,
		},
	}
	badTransform := &fakeTransform{process: func(ctx context.Context, rows []map[string]interface{}) (plugin.TransformResult, error) {
		return plugin.TransformResult{Kind: plugin.ResultSuccessMulti, Rows: []map[string]interface{}{{"n": 1}}}, nil
	}}
	ctx := context.Background()
	_, _ = ae.Accept(ctx, "run1", node, badTransform, 1, newTestToken(map[string]interface{}{"n": 1}))
	_, err := ae.Accept(ctx, "run1", node, badTransform, 2, newTestToken(map[string]interface{}{"n": 2}))
	if err == nil {
		t.Fatal("expected a count-mismatch error for passthrough mode")
	}
}
