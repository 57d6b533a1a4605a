package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-dev/elspeth/common/logger"
	"github.com/elspeth-dev/elspeth/internal/audit"
	"github.com/elspeth-dev/elspeth/internal/graph"
	"github.com/elspeth-dev/elspeth/internal/plugin"
	"github.com/elspeth-dev/elspeth/internal/schema"
)

func testLogger() *logger.Logger {
	return logger.New("error", "text")
}

// fakeSource emits a fixed slice of rows, one per Load call.
type fakeSource struct {
	rows []plugin.SourceRow
}

func (s *fakeSource) Name() string                      { return "fake-source" }
func (s *fakeSource) OutputSchema() *schema.Contract    { return nil }
func (s *fakeSource) Determinism() plugin.Determinism { return plugin.Deterministic }
func (s *fakeSource) PluginVersion() string         { return "v1" }
func (s *fakeSource) OnStart(ctx context.Context) error    { return nil }
func (s *fakeSource) OnComplete(ctx context.Context) error { return nil }
func (s *fakeSource) Close() error                  { return nil }
func (s *fakeSource) Load(ctx context.Context) (<-chan plugin.SourceRow, error) {
	ch := make(chan plugin.SourceRow, len(s.rows))
	for _, r := range s.rows {
		ch <- r
	}
	close(ch)
	return ch, nil
}

// fakeTransform passes every row through unchanged.
type fakeTransform struct {
	name string
}

func (t *fakeTransform) Name() string                   { return t.name }
func (t *fakeTransform) InputSchema() *schema.Contract  { return nil }
func (t *fakeTransform) OutputSchema() *schema.Contract { return nil }
func (t *fakeTransform) Determinism() plugin.Determinism { return plugin.Deterministic }
func (t *fakeTransform) PluginVersion() string           { return "v1" }
func (t *fakeTransform) IsBatchAware() bool              { return false }
func (t *fakeTransform) CreatesTokens() bool             { return false }
func (t *fakeTransform) OnStart(ctx context.Context) error    { return nil }
func (t *fakeTransform) OnComplete(ctx context.Context) error { return nil }
func (t *fakeTransform) Close() error                         { return nil }
func (t *fakeTransform) Process(ctx context.Context, rows []map[string]interface{}) (plugin.TransformResult, error) {
	return plugin.TransformResult{Kind: plugin.ResultSuccess, Row: rows[0]}, nil
}

// fakeSink records every row it's handed, in write order.
type fakeSink struct {
	mu      sync.Mutex
	name    string
	written []map[string]interface{}
}

func (s *fakeSink) Name() string                   { return s.name }
func (s *fakeSink) InputSchema() *schema.Contract   { return nil }
func (s *fakeSink) Idempotent() bool         { return true }
func (s *fakeSink) SupportsResume() bool     { return false }
func (s *fakeSink) OnStart(ctx context.Context) error { return nil }
func (s *fakeSink) Close() error                      { return nil }
func (s *fakeSink) Flush(ctx context.Context) error   { return nil }
func (s *fakeSink) ConfigureForResume(ctx context.Context, lastReleasedSeq int64) error { return nil }
func (s *fakeSink) ValidateOutputTarget(ctx context.Context) error                      { return nil }
func (s *fakeSink) Write(ctx context.Context, rows []map[string]interface{}) (plugin.ArtifactDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, rows[0])
	return plugin.ArtifactDescriptor{ArtifactType: plugin.ArtifactFile, PathOrURI: "mem://fake"}, nil
}

func (s *fakeSink) order() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, len(s.written))
	for i, r := range s.written {
		out[i] = r["seq"].(int)
	}
	return out
}

type fakeResolver struct {
	xfm plugin.Transform
}

func (r *fakeResolver) Transform(node *graph.Node) (plugin.Transform, error) {
	return r.xfm, nil
}

type fakeSinkResolver struct {
	sinks map[string]plugin.Sink
}

func (r *fakeSinkResolver) Sink(name string) (plugin.Sink, error) {
	s, ok := r.sinks[name]
	if !ok {
		return nil, fmt.Errorf("no such sink %s", name)
	}
	return s, nil
}

func buildTestGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, _, err := graph.Build(graph.BuildInput{
		Source: graph.SourceSpec{PluginName: "fake-source"},
		Transforms: []graph.TransformSpec{
			{Name: "passthrough", PluginName: "passthrough"},
		},
		Sinks: map[string]graph.SinkSpec{
			"out": {PluginName: "fake-sink"},
		},
		DefaultSinkName: "out",
	})
	require.NoError(t, err)
	return g
}

func TestOrchestratorReleasesRowsInSourceOrder(t *testing.T) {
	const n = 20
	rows := make([]plugin.SourceRow, n)
	for i := 0; i < n; i++ {
		rows[i] = plugin.SourceRow{Valid: true, Row: map[string]interface{}{"seq": i}}
	}

	g := buildTestGraph(t)
	sink := &fakeSink{name: "out"}
	recorder := audit.NewMemoryRecorder()
	orch := New(
		g,
		&fakeSource{rows: rows},
		&fakeResolver{xfm: &fakeTransform{name: "passthrough"}},
		&fakeSinkResolver{sinks: map[string]plugin.Sink{"out": sink}},
		recorder,
		Options{RunID: "run-1", MaxRowsInFlight: 8, MaxCompletedWaiting: 8, PoolSize: 4, CheckpointFrequency: 0},
		testLogger(),
	)

	err := orch.Run(context.Background())
	require.NoError(t, err)

	order := sink.order()
	require.Len(t, order, n)
	for i, v := range order {
		assert.Equal(t, i, v, "sink must receive rows in strict source order despite concurrent workers")
	}
}

func TestOrchestratorSingleThreadedModeMatchesSequential(t *testing.T) {
	const n = 10
	rows := make([]plugin.SourceRow, n)
	for i := 0; i < n; i++ {
		rows[i] = plugin.SourceRow{Valid: true, Row: map[string]interface{}{"seq": i}}
	}

	g := buildTestGraph(t)
	sink := &fakeSink{name: "out"}
	recorder := audit.NewMemoryRecorder()
	orch := New(
		g,
		&fakeSource{rows: rows},
		&fakeResolver{xfm: &fakeTransform{name: "passthrough"}},
		&fakeSinkResolver{sinks: map[string]plugin.Sink{"out": sink}},
		recorder,
		Options{RunID: "run-seq", MaxRowsInFlight: 1, MaxCompletedWaiting: 1, PoolSize: 1, CheckpointFrequency: 0},
		testLogger(),
	)

	err := orch.Run(context.Background())
	require.NoError(t, err)

	order := sink.order()
	require.Len(t, order, n)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestOrchestratorQuarantinesInvalidRows(t *testing.T) {
	rows := []plugin.SourceRow{
		{Valid: true, Row: map[string]interface{}{"seq": 0}},
		{Valid: false, RawRow: map[string]interface{}{"bad": true}, Destination: "out", Error: fmt.Errorf("missing field")},
		{Valid: true, Row: map[string]interface{}{"seq": 2}},
	}

	g := buildTestGraph(t)
	sink := &fakeSink{name: "out"}
	recorder := audit.NewMemoryRecorder()
	orch := New(
		g,
		&fakeSource{rows: rows},
		&fakeResolver{xfm: &fakeTransform{name: "passthrough"}},
		&fakeSinkResolver{sinks: map[string]plugin.Sink{"out": sink}},
		recorder,
		Options{RunID: "run-quarantine", MaxRowsInFlight: 4, MaxCompletedWaiting: 4, PoolSize: 2, CheckpointFrequency: 0},
		testLogger(),
	)

	err := orch.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, sink.written, 3)
}
