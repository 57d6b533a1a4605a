package graph

import (
	"fmt"
	"sort"

	"github.com/elspeth-dev/elspeth/internal/schema"
	"github.com/elspeth-dev/elspeth/internal/token"
)

// Build compiles a BuildInput into an executable Graph.
//
// Node creation proceeds in a fixed order — source, sinks, transforms,
// aggregations, gates, coalesces — so that node IDs (and therefore the
// graph) are a pure function of the input regardless of map iteration
// order: every map in BuildInput is walked in sorted-key order below.
//
// Wiring then attaches aggregations, gates and coalesces into the
// transform chain at the position their InsertAfterIndex names (-1 =
// immediately after the source), and resolves gate routes, fork
// branches and transform on_error routes into DIVERT/MOVE/COPY edges.
func Build(input BuildInput) (*Graph, []Warning, error) {
	g := &Graph{
		nodes:       map[string]*Node{},
		sinkIDs:     map[string]string{},
		forkEntries: map[string]*Node{},
	}
	var edges []*Edge
	addEdge := func(from, to, label string, mode token.EdgeMode) {
		edges = append(edges, &Edge{
			EdgeID: fmt.Sprintf("edge_%d", len(edges)),
			From:   from,
			To:     to,
			Label:  label,
			Mode:   mode,
		})
	}

	// Phase 1a: source.
	sourceID, err := NewNodeID(KindSource, input.Source.PluginName, input.Source.Config, 0)
	if err != nil {
		return nil, nil, err
	}
	sourceNode := &Node{
		NodeID:       sourceID,
		Kind:         KindSource,
		PluginName:   input.Source.PluginName,
		Config:       input.Source.Config,
		OutputSchema: input.Source.OutputSchema,
	}
	g.nodes[sourceID] = sourceNode
	g.sourceID = sourceID

	// Phase 1b: sinks, sorted by name for determinism.
	sinkNames := sortedKeys(input.Sinks)
	for _, name := range sinkNames {
		s := input.Sinks[name]
		id, err := NewNodeID(KindSink, name, s.Config, 0)
		if err != nil {
			return nil, nil, err
		}
		node := &Node{
			NodeID:      id,
			Kind:        KindSink,
			PluginName:  s.PluginName,
			Config:      s.Config,
			InputSchema: s.InputSchema,
			Name:        name,
		}
		g.nodes[id] = node
		g.sinkIDs[name] = id
	}
	defaultSinkID, ok := g.sinkIDs[input.DefaultSinkName]
	if !ok {
		return nil, nil, fmt.Errorf("default sink %q is not among the declared sinks", input.DefaultSinkName)
	}
	g.defaultSinkID = defaultSinkID
	g.nodes[defaultSinkID].OutputSink = true

	if input.Source.OnValidationFailure != "" && input.Source.OnValidationFailure != "discard" {
		sink := g.Sink(input.Source.OnValidationFailure)
		if sink == nil {
			return nil, nil, fmt.Errorf("source on_validation_failure sink %q is not declared", input.Source.OnValidationFailure)
		}
		sourceNode.OnValidationFailureSink = sink
		addEdge(sourceID, sink.NodeID, QuarantineLabel(), token.EdgeDivert)
	}

	// Phase 1c: transforms, in caller-supplied chain order.
	transformNodes := make([]*Node, len(input.Transforms))
	for i, t := range input.Transforms {
		id, err := NewNodeID(KindTransform, t.Name, t.Config, i+1)
		if err != nil {
			return nil, nil, err
		}
		transformNodes[i] = &Node{
			NodeID:       id,
			Kind:         KindTransform,
			PluginName:   t.PluginName,
			Config:       t.Config,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
		}
		g.nodes[id] = transformNodes[i]
	}

	// Phase 1d: aggregations, sorted by name.
	aggNames := sortedKeys(input.Aggregations)
	aggNodes := map[string]*Node{}
	for _, name := range aggNames {
		a := input.Aggregations[name]
		id, err := NewNodeID(KindAggregation, name, a.Config, 0)
		if err != nil {
			return nil, nil, err
		}
		node := &Node{
			NodeID:       id,
			Kind:         KindAggregation,
			PluginName:   a.PluginName,
			Config:       a.Config,
			InputSchema:  a.InputSchema,
			OutputSchema: a.OutputSchema,
			AggSettings:  a.Settings,
		}
		g.nodes[id] = node
		aggNodes[name] = node
	}

	// Phase 1e: gates, in caller-supplied order (order is meaningful
	// when two gates share an InsertAfterIndex).
	gateNodes := make([]*Node, len(input.Gates))
	for i, gs := range input.Gates {
		id, err := NewNodeID(KindGate, gs.Name, gs.Config, i+1)
		if err != nil {
			return nil, nil, err
		}
		node := &Node{
			NodeID:         id,
			Kind:           KindGate,
			Config:         gs.Config,
			GateExpression: gs.Expression,
			GateFork:       gs.Fork,
			GateForkGuard:  gs.ForkGuard,
		}
		g.nodes[id] = node
		gateNodes[i] = node
	}

	// Phase 1f: coalesces, sorted by name.
	coalSpecs := map[string]CoalesceSpec{}
	for _, cs := range input.Coalesces {
		coalSpecs[cs.Name] = cs
	}
	coalNames := sortedKeys(coalSpecs)
	coalNodes := map[string]*Node{}
	for _, name := range coalNames {
		cs := coalSpecs[name]
		id, err := NewNodeID(KindCoalesce, name, cs.Config, 0)
		if err != nil {
			return nil, nil, err
		}
		node := &Node{
			NodeID:                id,
			Kind:                  KindCoalesce,
			Config:                cs.Config,
			CoalescePolicy:        cs.Policy,
			CoalesceQuorumN:       cs.QuorumN,
			CoalesceMergeStrategy: cs.MergeStrategy,
			CoalesceSelectBranch:  cs.SelectBranch,
			CoalesceBranches:      cs.Branches,
		}
		g.nodes[id] = node
		coalNodes[name] = node
	}

	// Phase 2: assemble the main spine. Slot -1 attaches right after the
	// source; slot i (0-based) attaches right after transforms[i]. Within
	// a slot, aggregations precede gates precede coalesces.
	slots := map[int][]*Node{}
	for _, name := range aggNames {
		a := input.Aggregations[name]
		slots[a.InsertAfterIndex] = append(slots[a.InsertAfterIndex], aggNodes[name])
	}
	for i, gs := range input.Gates {
		slots[gs.InsertAfterIndex] = append(slots[gs.InsertAfterIndex], gateNodes[i])
	}
	for _, name := range coalNames {
		cs := coalSpecs[name]
		slots[cs.InsertAfterIndex] = append(slots[cs.InsertAfterIndex], coalNodes[name])
	}

	var spine []*Node
	spine = append(spine, slots[-1]...)
	for i, tn := range transformNodes {
		spine = append(spine, tn)
		spine = append(spine, slots[i]...)
	}

	prev := sourceNode
	for _, n := range spine {
		prev.Next = n
		addEdge(prev.NodeID, n.NodeID, LabelContinue, token.EdgeMove)
		prev = n
	}
	prev.Next = g.nodes[defaultSinkID]
	addEdge(prev.NodeID, defaultSinkID, LabelContinue, token.EdgeMove)

	// Phase 3a: transform on_error DIVERT routes.
	for i, t := range input.Transforms {
		if t.OnError == "" {
			continue
		}
		node := transformNodes[i]
		sink := g.Sink(t.OnError)
		if sink == nil {
			return nil, nil, fmt.Errorf("transform %q on_error sink %q is not declared", t.Name, t.OnError)
		}
		node.OnErrorSink = sink
		node.ErrorEdgeLabel = ErrorLabel(i + 1)
		addEdge(node.NodeID, sink.NodeID, node.ErrorEdgeLabel, token.EdgeDivert)
	}

	// Phase 3b: gate routes and forks. A branch name resolves to either a
	// coalesce that declares it, or a sink of the same name; anything
	// else fails construction.
	for i, gs := range input.Gates {
		node := gateNodes[i]
		if !gs.Fork {
			node.GateRouteNodes = map[string]*Node{}
			for _, r := range gs.Routes {
				var dest *Node
				if r.Destination == LabelContinue {
					dest = node.Next
				} else {
					dest = g.Sink(r.Destination)
					if dest == nil {
						return nil, nil, fmt.Errorf("gate %q route %q: sink %q is not declared", gs.Name, r.ResultValue, r.Destination)
					}
					addEdge(node.NodeID, dest.NodeID, r.ResultValue, token.EdgeMove)
				}
				node.GateRouteNodes[r.ResultValue] = dest
			}
			continue
		}

		node.GateForkBranches = map[string]*Node{}
		for _, branch := range gs.ForkBranches {
			var entry *Node
			for _, name := range coalNames {
				cn := coalNodes[name]
				if containsString(cn.CoalesceBranches, branch) {
					entry = cn
					break
				}
			}
			if entry == nil {
				entry = g.Sink(branch)
			}
			if entry == nil {
				return nil, nil, fmt.Errorf("gate %q: fork branch %q maps to neither a declared coalesce nor a declared sink", gs.Name, branch)
			}
			node.GateForkBranches[branch] = entry
			g.forkEntries[branch] = entry
			addEdge(node.NodeID, entry.NodeID, branch, token.EdgeCopy)
		}
	}

	// Phase 3c: merge-strategy-aware effective schema for each coalesce,
	// computed from the schema entering whichever fork gate feeds each
	// of its declared branches.
	for _, name := range coalNames {
		cs := coalSpecs[name]
		coalNode := coalNodes[name]
		var branches []schema.Branch
		for _, branchName := range cs.Branches {
			forkGate := findForkGateFor(gateNodes, input.Gates, branchName)
			if forkGate == nil {
				continue
			}
			branches = append(branches, schema.Branch{
				Name:     branchName,
				Contract: schemaEnteringNode(sourceNode, forkGate),
			})
		}
		if len(branches) == len(cs.Branches) && len(branches) > 0 {
			merged, err := schema.Merge(branches, cs.MergeStrategy, cs.SelectBranch)
			if err != nil {
				return nil, nil, fmt.Errorf("coalesce %q: %w", name, err)
			}
			coalNode.OutputSchema = merged
		}
	}

	// Phase 3d: schema compatibility along the primary spine.
	if err := validateSpineSchemas(sourceNode); err != nil {
		return nil, nil, err
	}

	// Phase 3e: non-fatal require_all/divert warning. A branch that
	// resolves to a sink rather than to the coalesce that declares it
	// can never deliver a token to a require_all join.
	var warnings []Warning
	for _, name := range coalNames {
		cs := coalSpecs[name]
		if cs.Policy != CoalesceRequireAll {
			continue
		}
		coalNode := coalNodes[name]
		for _, branch := range cs.Branches {
			if g.forkEntries[branch] != coalNode {
				warnings = append(warnings, Warning{
					Code: "DIVERT_COALESCE_REQUIRE_ALL",
					Message: fmt.Sprintf(
						"coalesce %q requires branch %q but that branch does not route to it; require_all can never be satisfied",
						name, branch),
				})
			}
		}
	}

	g.edges = edges
	return g, warnings, nil
}

func schemaEnteringNode(source, target *Node) *schema.Contract {
	current := source.OutputSchema
	for n := source.Next; n != nil; n = n.Next {
		if n == target {
			return current
		}
		if n.OutputSchema != nil {
			current = n.OutputSchema
		}
	}
	return current
}

func validateSpineSchemas(source *Node) error {
	current := source.OutputSchema
	for n := source.Next; n != nil; n = n.Next {
		if n.InputSchema != nil && current != nil {
			if err := current.Satisfies(n.InputSchema); err != nil {
				return fmt.Errorf("node %s: upstream output does not satisfy declared input contract: %w", n.NodeID, err)
			}
		}
		if n.OutputSchema != nil {
			current = n.OutputSchema
		}
	}
	return nil
}

func findForkGateFor(nodes []*Node, specs []GateSpec, branch string) *Node {
	for i, gs := range specs {
		if !gs.Fork {
			continue
		}
		if containsString(gs.ForkBranches, branch) {
			return nodes[i]
		}
	}
	return nil
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
