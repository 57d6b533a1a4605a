package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/elspeth-dev/elspeth/internal/schema"
)

// Kind is the set of node variants a graph may contain.
type Kind string

const (
	KindSource      Kind = "source"
	KindTransform   Kind = "transform"
	KindGate        Kind = "gate"
	KindAggregation Kind = "aggregation"
	KindCoalesce    Kind = "coalesce"
	KindSink        Kind = "sink"
)

// prefixFor maps a node kind to the deterministic-ID prefix used in
// node_id construction (prefix_name_hash12[_seq]).
func prefixFor(k Kind) string {
	switch k {
	case KindSource:
		return "src"
	case KindTransform:
		return "xfm"
	case KindGate:
		return "gate"
	case KindAggregation:
		return "agg"
	case KindCoalesce:
		return "coal"
	case KindSink:
		return "sink"
	default:
		return "node"
	}
}

// Node is a single vertex in the execution graph. Created at graph
// construction and never mutated afterward. The pointer-valued fields
// below (Next, routing maps) are the resolved execution plan the row
// processor walks; Edge records of the same routing exist in parallel
// for audit and validation purposes.
type Node struct {
	NodeID       string
	Kind         Kind
	PluginName   string
	Config       map[string]interface{}
	InputSchema  *schema.Contract
	OutputSchema *schema.Contract

	// Name is the registration key this node was declared under in
	// BuildInput (the sink map key). Sink-only; it's how a SinkResolver
	// looks the plugin instance back up from a *Node, since PluginName
	// identifies the plugin type, not the particular sink instance.
	Name string

	// OutputSink marks the node (always a sink) that receives a token
	// when the row processor runs out of steps without having chosen a
	// route: "the default output sink."
	OutputSink bool

	// Next is the node reached after this one along the main spine,
	// absent any gate/fork/coalesce redirection. Nil only for sinks.
	Next *Node

	// Source-only.
	OnValidationFailureSink *Node // nil means "discard"

	// Transform-only.
	OnErrorSink   *Node // nil means transform errors with no route fail the run
	CreatesTokens bool
	IsBatchAware  bool
	ErrorEdgeLabel string

	// Gate-only.
	GateExpression   string
	GateRouteNodes   map[string]*Node // evaluated result value -> destination (sink or Next for "continue")
	GateFork         bool
	GateForkGuard    string // "" means always fork
	GateForkBranches map[string]*Node // branch name -> entry node

	// Aggregation-only.
	AggSettings AggregationSettings

	// Coalesce-only.
	CoalescePolicy        CoalescePolicy
	CoalesceQuorumN       int
	CoalesceMergeStrategy schema.MergeStrategy
	CoalesceSelectBranch  string
	CoalesceBranches      []string
}

// NewNodeID computes the deterministic node ID
// prefix_name_hash12[_seq] = prefix_name_SHA256(canonicalJSON(config))[:12][_seq].
// seq disambiguates otherwise-identical nodes (e.g. two transforms of
// the same plugin with identical config at different chain positions);
// pass 0 to omit the suffix.
func NewNodeID(kind Kind, name string, config map[string]interface{}, seq int) (string, error) {
	canon, err := canonicalJSON(config)
	if err != nil {
		return "", fmt.Errorf("canonicalize config for node %q: %w", name, err)
	}
	sum := sha256.Sum256(canon)
	hash12 := hex.EncodeToString(sum[:])[:12]

	id := fmt.Sprintf("%s_%s_%s", prefixFor(kind), name, hash12)
	if seq > 0 {
		id = fmt.Sprintf("%s_%d", id, seq)
	}
	return id, nil
}

// canonicalJSON renders config as JSON with map keys sorted at every
// level, so two structurally-identical configs always hash identically
// regardless of Go map iteration order.
func canonicalJSON(config map[string]interface{}) ([]byte, error) {
	normalized := normalize(config)
	return json.Marshal(normalized)
}

func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			out = append(out, kv{k, normalize(x[k])})
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	default:
		return x
	}
}

// orderedMap marshals as a JSON object with keys emitted in the order
// supplied, which normalize() has already sorted — this is what makes
// canonicalJSON deterministic across Go's randomized map iteration.
type kv struct {
	Key   string
	Value interface{}
}
type orderedMap []kv

func (o orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, pair := range o {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(pair.Key)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(pair.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}
