package graph

import "fmt"

// Validate checks structural properties the builder does not already
// guarantee by construction: acyclicity, full reachability from the
// source, and label uniqueness on each node's outgoing edges.
// internal/elspeth's Build runs this once, right after Build, before a
// Pipeline exists to run; the orchestrator does not call it. It is kept
// separate from Build so a caller that only wants the compiled
// plan (tests constructing a Graph by hand, for instance) isn't forced
// to pay for it.
func Validate(g *Graph) error {
	adj := map[string][]*Edge{}
	for _, e := range g.edges {
		adj[e.From] = append(adj[e.From], e)
	}

	if err := checkUniqueLabels(adj); err != nil {
		return err
	}
	if err := checkAcyclic(g, adj); err != nil {
		return err
	}
	if err := checkReachable(g, adj); err != nil {
		return err
	}
	if len(g.sinkIDs) == 0 {
		return fmt.Errorf("graph has no sinks")
	}
	return nil
}

func checkUniqueLabels(adj map[string][]*Edge) error {
	for from, edges := range adj {
		seen := map[string]bool{}
		for _, e := range edges {
			if seen[e.Label] {
				return fmt.Errorf("node %s has more than one outgoing edge labelled %q", from, e.Label)
			}
			seen[e.Label] = true
		}
	}
	return nil
}

func checkAcyclic(g *Graph, adj map[string][]*Edge) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	for id := range g.nodes {
		color[id] = white
	}

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, e := range adj[id] {
			switch color[e.To] {
			case gray:
				return fmt.Errorf("graph contains a cycle through node %s", e.To)
			case white:
				if err := visit(e.To); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for id := range g.nodes {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkReachable(g *Graph, adj map[string][]*Edge) error {
	visited := map[string]bool{g.sourceID: true}
	queue := []string{g.sourceID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range adj[id] {
			if !visited[e.To] {
				visited[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	for id := range g.nodes {
		if !visited[id] {
			return fmt.Errorf("node %s is unreachable from the source", id)
		}
	}
	return nil
}
