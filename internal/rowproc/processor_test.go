package rowproc

import (
	"context"
	"testing"

	"github.com/elspeth-dev/elspeth/internal/audit"
	"github.com/elspeth-dev/elspeth/internal/expr"
	"github.com/elspeth-dev/elspeth/internal/flowcontrol"
	"github.com/elspeth-dev/elspeth/internal/graph"
	"github.com/elspeth-dev/elspeth/internal/plugin"
	"github.com/elspeth-dev/elspeth/internal/schema"
	"github.com/elspeth-dev/elspeth/internal/token"
)

type fakeTransform struct {
	process func(ctx context.Context, rows []map[string]interface{}) (plugin.TransformResult, error)
	creates bool
}

func (f *fakeTransform) Name() string                    { return "fake" }
func (f *fakeTransform) InputSchema() *schema.Contract    { return nil }
func (f *fakeTransform) OutputSchema() *schema.Contract   { return nil }
func (f *fakeTransform) Determinism() plugin.Determinism { return plugin.Deterministic }
func (f *fakeTransform) PluginVersion() string           { return "test" }
func (f *fakeTransform) IsBatchAware() bool              { return false }
func (f *fakeTransform) CreatesTokens() bool             { return f.creates }
func (f *fakeTransform) OnStart(ctx context.Context) error    { return nil }
func (f *fakeTransform) OnComplete(ctx context.Context) error { return nil }
func (f *fakeTransform) Close() error                     { return nil }
func (f *fakeTransform) Process(ctx context.Context, rows []map[string]interface{}) (plugin.TransformResult, error) {
	return f.process(ctx, rows)
}

type fakeRegistry map[string]plugin.Transform

func (r fakeRegistry) Transform(node *graph.Node) (plugin.Transform, error) {
	return r[node.NodeID], nil
}

func newProcessor(recorder audit.Recorder) *Processor {
	return New(
		flowcontrol.NewGateExecutor(expr.NewEvaluator(), recorder),
		flowcontrol.NewAggregationExecutor(expr.NewEvaluator(), recorder),
		flowcontrol.NewCoalesceExecutor(recorder),
		recorder,
	)
}

func newRowToken(fields map[string]interface{}) token.Token {
	return token.New("row1", token.RowData{Fields: fields})
}

func TestProcessorCompletesSimpleRow(t *testing.T) {
	sink := &graph.Node{NodeID: "sink_out", Kind: graph.KindSink, OutputSink: true}
	xfmNode := &graph.Node{NodeID: "xfm_upper", Kind: graph.KindTransform, Next: sink}

	upper := &fakeTransform{process: func(ctx context.Context, rows []map[string]interface{}) (plugin.TransformResult, error) {
		return plugin.TransformResult{Kind: plugin.ResultSuccess, Row: map[string]interface{}{"n": rows[0]["n"]}}, nil
	}}
	reg := fakeRegistry{"xfm_upper": upper}

	p := newProcessor(audit.NewMemoryRecorder())
	outcomes, err := p.Process(context.Background(), "run1", reg, WorkItem{
		Token: newRowToken(map[string]interface{}{"n": 1}), Node: xfmNode, Seq: 1,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected one outcome, got %d", len(outcomes))
	}
	if outcomes[0].Kind != token.OutcomeCompleted || outcomes[0].Sink != sink {
		t.Fatalf("expected COMPLETED at sink_out, got %+v", outcomes[0])
	}
}

func TestProcessorGateRoutesToNamedSink(t *testing.T) {
	continueSink := &graph.Node{NodeID: "sink_default", Kind: graph.KindSink, OutputSink: true}
	vipSink := &graph.Node{NodeID: "sink_vip", Kind: graph.KindSink}
	gateNode := &graph.Node{
		NodeID:         "gate_tier",
		Kind:           graph.KindGate,
		GateExpression: `row["tier"]`,
		Next:           continueSink,
		GateRouteNodes: map[string]*graph.Node{"vip": vipSink, "continue": continueSink},
	}

	p := newProcessor(audit.NewMemoryRecorder())
	outcomes, err := p.Process(context.Background(), "run1", fakeRegistry{}, WorkItem{
		Token: newRowToken(map[string]interface{}{"tier": "vip"}), Node: gateNode, Seq: 1,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Kind != token.OutcomeRouted || outcomes[0].Sink != vipSink {
		t.Fatalf("expected ROUTED to sink_vip, got %+v", outcomes)
	}
}

func TestProcessorTransformErrorRoutesToOnErrorSink(t *testing.T) {
	errSink := &graph.Node{NodeID: "sink_errors", Kind: graph.KindSink}
	okSink := &graph.Node{NodeID: "sink_ok", Kind: graph.KindSink, OutputSink: true}
	xfmNode := &graph.Node{NodeID: "xfm_risky", Kind: graph.KindTransform, Next: okSink, OnErrorSink: errSink}

	risky := &fakeTransform{process: func(ctx context.Context, rows []map[string]interface{}) (plugin.TransformResult, error) {
		return plugin.TransformResult{Kind: plugin.ResultError, ErrorReason: "bad_input"}, nil
	}}
	reg := fakeRegistry{"xfm_risky": risky}

	p := newProcessor(audit.NewMemoryRecorder())
	outcomes, err := p.Process(context.Background(), "run1", reg, WorkItem{
		Token: newRowToken(map[string]interface{}{"n": 1}), Node: xfmNode, Seq: 1,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Kind != token.OutcomeFailed || outcomes[0].Sink != errSink {
		t.Fatalf("expected FAILED at sink_errors, got %+v", outcomes)
	}
	if outcomes[0].Reason.TransformErrorReason != "bad_input" {
		t.Fatalf("expected transform error reason preserved, got %+v", outcomes[0].Reason)
	}
}

func TestProcessorTransformErrorWithNoRouteFailsRun(t *testing.T) {
	okSink := &graph.Node{NodeID: "sink_ok", Kind: graph.KindSink, OutputSink: true}
	xfmNode := &graph.Node{NodeID: "xfm_risky", Kind: graph.KindTransform, Next: okSink}

	risky := &fakeTransform{process: func(ctx context.Context, rows []map[string]interface{}) (plugin.TransformResult, error) {
		return plugin.TransformResult{Kind: plugin.ResultError, ErrorReason: "unrecoverable"}, nil
	}}
	reg := fakeRegistry{"xfm_risky": risky}

	p := newProcessor(audit.NewMemoryRecorder())
	_, err := p.Process(context.Background(), "run1", reg, WorkItem{
		Token: newRowToken(map[string]interface{}{"n": 1}), Node: xfmNode, Seq: 1,
	})
	if err == nil {
		t.Fatal("expected an error when no on_error route is configured")
	}
}

func TestProcessorForkProducesOneOutcomePerBranch(t *testing.T) {
	sinkA := &graph.Node{NodeID: "sink_a", Kind: graph.KindSink}
	sinkB := &graph.Node{NodeID: "sink_b", Kind: graph.KindSink}
	gateNode := &graph.Node{
		NodeID:           "gate_split",
		Kind:             graph.KindGate,
		GateFork:         true,
		GateForkBranches: map[string]*graph.Node{"a": sinkA, "b": sinkB},
	}

	p := newProcessor(audit.NewMemoryRecorder())
	outcomes, err := p.Process(context.Background(), "run1", fakeRegistry{}, WorkItem{
		Token: newRowToken(map[string]interface{}{"x": 1}), Node: gateNode, Seq: 1,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected two outcomes, one per branch, got %d", len(outcomes))
	}
	seen := map[string]bool{}
	for _, o := range outcomes {
		seen[o.Sink.NodeID] = true
		if o.Token.Row.Fields["x"] != 1 {
			t.Fatalf("expected branch row data preserved, got %+v", o.Token.Row.Fields)
		}
	}
	if !seen["sink_a"] || !seen["sink_b"] {
		t.Fatalf("expected one outcome per branch sink, got %+v", outcomes)
	}
}

func TestProcessorAggregationHoldsThenFlushReachesSink(t *testing.T) {
	sink := &graph.Node{NodeID: "sink_out", Kind: graph.KindSink, OutputSink: true}
	aggNode := &graph.Node{
		NodeID: "agg_pair",
		Kind:   graph.KindAggregation,
		Next:   sink,
		AggSettings: graph.AggregationSettings{
			OutputMode:   "transform",
			TriggerCount: 2,
		},
	}
	sumTransform := &fakeTransform{creates: true, process: func(ctx context.Context, rows []map[string]interface{}) (plugin.TransformResult, error) {
		total := 0
		for _, r := range rows {
			total += r["n"].(int)
		}
		return plugin.TransformResult{Kind: plugin.ResultSuccess, Row: map[string]interface{}{"total": total}}, nil
	}}
	reg := fakeRegistry{"agg_pair": sumTransform}

	p := newProcessor(audit.NewMemoryRecorder())
	ctx := context.Background()

	outcomes, err := p.Process(ctx, "run1", reg, WorkItem{Token: newRowToken(map[string]interface{}{"n": 1}), Node: aggNode, Seq: 1})
	if err != nil {
		t.Fatalf("process first row: %v", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("expected no outcomes while aggregation holds, got %+v", outcomes)
	}

	outcomes, err = p.Process(ctx, "run1", reg, WorkItem{Token: newRowToken(map[string]interface{}{"n": 2}), Node: aggNode, Seq: 2})
	if err != nil {
		t.Fatalf("process second row: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Kind != token.OutcomeCompleted || outcomes[0].Sink != sink {
		t.Fatalf("expected one COMPLETED outcome at sink_out after flush, got %+v", outcomes)
	}
	if outcomes[0].Token.Row.Fields["total"] != 3 {
		t.Fatalf("expected summed total 3, got %v", outcomes[0].Token.Row.Fields["total"])
	}
}
