package elspeth

import (
	"fmt"

	"github.com/elspeth-dev/elspeth/internal/graph"
	"github.com/elspeth-dev/elspeth/internal/plugin"
)

// Registry is the concrete TransformResolver/SinkResolver a host program
// builds once at startup, registering one live plugin instance per
// transform node and per declared sink name. internal/orchestrator only
// declares the resolver interfaces it needs; this is where they're
// actually satisfied.
type Registry struct {
	transforms map[string]plugin.Transform // keyed by graph.Node.NodeID
	sinks      map[string]plugin.Sink      // keyed by sink registration name
}

// NewRegistry returns an empty registry ready for RegisterTransform and
// RegisterSink calls.
func NewRegistry() *Registry {
	return &Registry{
		transforms: map[string]plugin.Transform{},
		sinks:      map[string]plugin.Sink{},
	}
}

// RegisterTransform binds nodeID (a compiled graph.Node's NodeID) to the
// plugin instance that executes it. Call once per transform node after
// graph.Build, using the IDs Build assigned.
func (r *Registry) RegisterTransform(nodeID string, t plugin.Transform) {
	r.transforms[nodeID] = t
}

// RegisterSink binds a declared sink name (the BuildInput.Sinks map key)
// to the plugin instance that writes for it.
func (r *Registry) RegisterSink(name string, s plugin.Sink) {
	r.sinks[name] = s
}

// Transform implements orchestrator.TransformResolver.
func (r *Registry) Transform(node *graph.Node) (plugin.Transform, error) {
	t, ok := r.transforms[node.NodeID]
	if !ok {
		return nil, fmt.Errorf("elspeth: no transform registered for node %s (plugin %q)", node.NodeID, node.PluginName)
	}
	return t, nil
}

// Sink implements orchestrator.SinkResolver.
func (r *Registry) Sink(name string) (plugin.Sink, error) {
	s, ok := r.sinks[name]
	if !ok {
		return nil, fmt.Errorf("elspeth: no sink registered for name %q", name)
	}
	return s, nil
}

// MissingTransforms reports every transform node in g that has no
// registered plugin instance, for a host program to fail the run with a
// ConfigurationError before any row is pulled rather than discover a gap
// mid-run.
func (r *Registry) MissingTransforms(g *graph.Graph) *ConfigurationError {
	var cfgErr *ConfigurationError
	for id, n := range g.Nodes() {
		if n.Kind != graph.KindTransform {
			continue
		}
		if _, ok := r.transforms[id]; !ok {
			cfgErr = cfgErr.Add(fmt.Sprintf("transforms[%s]", n.PluginName), "no plugin instance registered for this node")
		}
	}
	return cfgErr
}

// MissingSinks reports every declared sink name in g with no registered
// plugin instance.
func (r *Registry) MissingSinks(g *graph.Graph) *ConfigurationError {
	var cfgErr *ConfigurationError
	for _, name := range g.SinkNames() {
		if _, ok := r.sinks[name]; !ok {
			cfgErr = cfgErr.Add(fmt.Sprintf("sinks[%s]", name), "no plugin instance registered for this sink")
		}
	}
	return cfgErr
}
