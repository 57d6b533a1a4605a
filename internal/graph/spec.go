package graph

import "github.com/elspeth-dev/elspeth/internal/schema"

// SourceSpec describes the single source node. OnValidationFailure is
// either a sink name or the literal "discard".
type SourceSpec struct {
	PluginName           string
	Config               map[string]interface{}
	OutputSchema         *schema.Contract
	OnValidationFailure  string
}

// TransformSpec describes one node in the sequential transform chain.
// OnError, if non-empty, is the sink name the DIVERT route for this
// transform's errors points to; empty means transform errors with no
// route fail the run.
type TransformSpec struct {
	Name         string
	PluginName   string
	Config       map[string]interface{}
	InputSchema  *schema.Contract
	OutputSchema *schema.Contract
	OnError      string

	// A transform has no InsertAfterIndex: transforms are wired in
	// slice order, so the transform chain order is the slice order the
	// caller supplies.
}

// SinkSpec describes one named sink node.
type SinkSpec struct {
	PluginName  string
	Config      map[string]interface{}
	InputSchema *schema.Contract
}

// AggregationSettings controls batching and trigger behaviour.
type AggregationSettings struct {
	OutputMode            string // "transform" | "passthrough"
	ExpectedOutputCount   int    // 0 = unset
	TriggerCount          int    // 0 = unset
	TriggerElapsed        int64  // nanoseconds, 0 = unset
	TriggerCondition      string // expression, "" = unset
	TriggerOnEndOfSource  bool
	TriggerManual         bool
}

// AggregationSpec describes an aggregation node. InsertAfterIndex names
// the zero-based position in the (caller-ordered) transform chain this
// aggregation attaches after; -1 means it attaches directly after the
// source, before any transform runs.
type AggregationSpec struct {
	Name             string
	PluginName       string
	Config           map[string]interface{}
	InputSchema      *schema.Contract
	OutputSchema     *schema.Contract
	Settings         AggregationSettings
	InsertAfterIndex int
}

// GateRoute maps one expression result value to a destination: a sink
// name, the literal "continue", or (when Fork is set on the owning
// GateSpec) a fork branch name.
type GateRoute struct {
	ResultValue string
	Destination string
}

// GateSpec describes one config gate node. Two shapes share the node
// kind: a routing gate (Fork == false) evaluates Expression and sends
// the token down exactly one of Routes by the stringified result; a
// forking gate (Fork == true) evaluates the optional ForkGuard ("" means
// always fork) and, when it passes, copies the token into every branch
// named in ForkBranches simultaneously.
type GateSpec struct {
	Name             string
	Config           map[string]interface{}
	Expression       string
	Routes           []GateRoute
	Fork             bool
	ForkGuard        string   // only meaningful when Fork == true; "" always forks
	ForkBranches     []string // only meaningful when Fork == true
	InsertAfterIndex int
}

// CoalescePolicy selects join-completion semantics.
type CoalescePolicy string

const (
	CoalesceRequireAll  CoalescePolicy = "require_all"
	CoalesceQuorum      CoalescePolicy = "quorum"
	CoalesceBestEffort  CoalescePolicy = "best_effort"
	CoalesceFirst       CoalescePolicy = "first"
)

// CoalesceSpec describes one coalesce node.
type CoalesceSpec struct {
	Name             string
	Config           map[string]interface{}
	Branches         []string // expected branch names
	Policy           CoalescePolicy
	QuorumN          int // only meaningful when Policy == CoalesceQuorum
	MergeStrategy    schema.MergeStrategy
	SelectBranch     string // only meaningful when MergeStrategy == MergeSelect
	InsertAfterIndex int    // where, in the main spine, the merged token continues
}

// BuildInput bundles everything the builder needs, mirroring spec.md
// §4.2's builder signature: source instance, ordered transforms, a sink
// map, an aggregations map, a gate list, and an optional coalesce list.
type BuildInput struct {
	Source       SourceSpec
	Transforms   []TransformSpec
	Sinks        map[string]SinkSpec
	Aggregations map[string]AggregationSpec
	Gates        []GateSpec
	Coalesces    []CoalesceSpec

	// DefaultSinkName names the sink that receives a token when the row
	// processor runs out of steps with no route chosen.
	DefaultSinkName string
}

// Warning is a non-fatal construction-time diagnostic (spec.md §4.2
// phase 3: DIVERT_COALESCE_REQUIRE_ALL).
type Warning struct {
	Code    string
	Message string
}
