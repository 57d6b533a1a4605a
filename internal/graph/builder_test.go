package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elspeth-dev/elspeth/internal/schema"
)

func simpleInput() BuildInput {
	return BuildInput{
		Source: SourceSpec{PluginName: "csv-source", Config: map[string]interface{}{"path": "in.csv"}},
		Transforms: []TransformSpec{
			{Name: "upper", PluginName: "uppercase", Config: map[string]interface{}{"field": "name"}},
		},
		Sinks: map[string]SinkSpec{
			"main": {PluginName: "file-sink", Config: map[string]interface{}{"path": "out.csv"}},
		},
		DefaultSinkName: "main",
	}
}

func TestBuildIsDeterministicAcrossRuns(t *testing.T) {
	g1, warn1, err := Build(simpleInput())
	require.NoError(t, err)
	require.Empty(t, warn1)

	g2, warn2, err := Build(simpleInput())
	require.NoError(t, err)
	require.Empty(t, warn2)

	require.Equal(t, g1.Source().NodeID, g2.Source().NodeID)
	require.Equal(t, g1.Sink("main").NodeID, g2.Sink("main").NodeID)

	for id := range g1.Nodes() {
		n2 := g2.Node(id)
		require.NotNilf(t, n2, "node %s present in first build but not second", id)
	}
	assert.Len(t, g2.Nodes(), len(g1.Nodes()))

	edges1 := g1.Edges()
	edges2 := g2.Edges()
	require.Len(t, edges2, len(edges1))
	for i := range edges1 {
		assert.Equal(t, edges1[i].From, edges2[i].From)
		assert.Equal(t, edges1[i].To, edges2[i].To)
		assert.Equal(t, edges1[i].Label, edges2[i].Label)
	}
}

func TestBuildNodeIDChangesWithConfig(t *testing.T) {
	in := simpleInput()
	g1, _, err := Build(in)
	require.NoError(t, err)

	in2 := simpleInput()
	in2.Transforms[0].Config = map[string]interface{}{"field": "description"}
	g2, _, err := Build(in2)
	require.NoError(t, err)

	var id1, id2 string
	for id, n := range g1.Nodes() {
		if n.Kind == KindTransform {
			id1 = id
		}
	}
	for id, n := range g2.Nodes() {
		if n.Kind == KindTransform {
			id2 = id
		}
	}
	assert.NotEqual(t, id1, id2, "changing a transform's config must change its node_id")
}

func TestBuildDefaultSinkMarkedAsOutputSink(t *testing.T) {
	g, _, err := Build(simpleInput())
	require.NoError(t, err)
	assert.True(t, g.Sink("main").OutputSink)
	assert.Equal(t, "main", g.Sink("main").Name)
}

func TestBuildForkBranchMustResolveToCoalesceOrSink(t *testing.T) {
	in := simpleInput()
	in.Gates = []GateSpec{
		{
			Name:             "split",
			Fork:             true,
			ForkBranches:     []string{"nowhere"},
			InsertAfterIndex: 0,
		},
	}

	_, _, err := Build(in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nowhere")
	assert.Contains(t, err.Error(), "neither a declared coalesce nor a declared sink")
}

func TestBuildForkBranchResolvesToSink(t *testing.T) {
	in := simpleInput()
	in.Sinks["side"] = SinkSpec{PluginName: "file-sink", Config: map[string]interface{}{"path": "side.csv"}}
	in.Gates = []GateSpec{
		{
			Name:             "split",
			Fork:             true,
			ForkBranches:     []string{"side"},
			InsertAfterIndex: 0,
		},
	}

	g, warnings, err := Build(in)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, g.Sink("side").NodeID, g.ForkBranchEntry("side").NodeID)
}

func TestBuildForkBranchResolvesToCoalesce(t *testing.T) {
	in := simpleInput()
	in.Gates = []GateSpec{
		{
			Name:             "split",
			Fork:             true,
			ForkBranches:     []string{"branch_a", "branch_b"},
			InsertAfterIndex: 0,
		},
	}
	in.Coalesces = []CoalesceSpec{
		{
			Name:             "join",
			Branches:         []string{"branch_a", "branch_b"},
			Policy:           CoalesceRequireAll,
			MergeStrategy:    schema.MergeUnion,
			InsertAfterIndex: 0,
		},
	}

	g, warnings, err := Build(in)
	require.NoError(t, err)
	assert.Empty(t, warnings, "both branches route back to the require_all coalesce that declares them")

	joinID, ok := soleCoalesceID(g)
	require.True(t, ok)
	assert.Equal(t, joinID, g.ForkBranchEntry("branch_a").NodeID)
	assert.Equal(t, joinID, g.ForkBranchEntry("branch_b").NodeID)
}

func TestBuildWarnsWhenRequireAllBranchDoesNotRouteBack(t *testing.T) {
	in := simpleInput()
	in.Sinks["branch_b_sink"] = SinkSpec{PluginName: "file-sink", Config: map[string]interface{}{"path": "b.csv"}}
	in.Gates = []GateSpec{
		{
			Name:             "split",
			Fork:             true,
			ForkBranches:     []string{"branch_a", "branch_b_sink"},
			InsertAfterIndex: 0,
		},
	}
	in.Coalesces = []CoalesceSpec{
		{
			Name: "join",
			// join declares branch_b as required, but no fork branch named
			// "branch_b" exists — the gate above forks to "branch_b_sink"
			// instead, so the join can never see that branch arrive.
			Branches:         []string{"branch_a", "branch_b"},
			Policy:           CoalesceRequireAll,
			MergeStrategy:    schema.MergeUnion,
			InsertAfterIndex: 0,
		},
	}

	g, warnings, err := Build(in)
	require.NoError(t, err, "an unsatisfiable require_all join is a warning, not a construction failure")
	require.Len(t, g.Nodes(), len(g.Nodes())) // graph still usable

	require.Len(t, warnings, 1)
	assert.Equal(t, "DIVERT_COALESCE_REQUIRE_ALL", warnings[0].Code)
	assert.Contains(t, warnings[0].Message, "branch_b")
	assert.Contains(t, warnings[0].Message, "join")
}

func TestBuildUnknownDefaultSinkFails(t *testing.T) {
	in := simpleInput()
	in.DefaultSinkName = "missing"
	_, _, err := Build(in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestBuildUnknownOnErrorSinkFails(t *testing.T) {
	in := simpleInput()
	in.Transforms[0].OnError = "quarantine"
	_, _, err := Build(in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quarantine")
}

// soleCoalesceID returns the node ID of the fixture's one coalesce node.
func soleCoalesceID(g *Graph) (string, bool) {
	for id, n := range g.Nodes() {
		if n.Kind == KindCoalesce {
			return id, true
		}
	}
	return "", false
}
