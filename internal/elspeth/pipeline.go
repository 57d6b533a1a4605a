package elspeth

import (
	"context"
	"fmt"

	"github.com/elspeth-dev/elspeth/common/logger"
	"github.com/elspeth-dev/elspeth/internal/audit"
	"github.com/elspeth-dev/elspeth/internal/graph"
	"github.com/elspeth-dev/elspeth/internal/orchestrator"
	"github.com/elspeth-dev/elspeth/internal/plugin"
)

// Pipeline bundles a compiled graph with the registry and recorder a run
// needs, the shape a host program assembles once and then calls Run on
// for every attempt/resume of the same configuration.
type Pipeline struct {
	Graph    *graph.Graph
	Warnings []graph.Warning
	Registry *Registry
	Recorder audit.Recorder
}

// Build compiles input into a Pipeline, wiring source/registry against
// reg. A graph construction or validation failure returns at once as a
// one-location ConfigurationError; otherwise every missing transform and
// sink registration is collected into a single ConfigurationError rather
// than stopping at the first one.
func Build(input graph.BuildInput, reg *Registry, recorder audit.Recorder) (*Pipeline, error) {
	g, warnings, err := graph.Build(input)
	if err != nil {
		return nil, (&ConfigurationError{}).Add("graph", err.Error())
	}
	if err := graph.Validate(g); err != nil {
		return nil, (&ConfigurationError{}).Add("graph", err.Error())
	}

	var cfgErr *ConfigurationError
	if missing := reg.MissingTransforms(g); missing.HasErrors() {
		cfgErr = &ConfigurationError{Locations: append(cfgErr.locations(), missing.Locations...)}
	}
	if missing := reg.MissingSinks(g); missing.HasErrors() {
		cfgErr = &ConfigurationError{Locations: append(cfgErr.locations(), missing.Locations...)}
	}
	if cfgErr.HasErrors() {
		return nil, cfgErr
	}

	return &Pipeline{Graph: g, Warnings: warnings, Registry: reg, Recorder: recorder}, nil
}

func (e *ConfigurationError) locations() []Location {
	if e == nil {
		return nil
	}
	return e.Locations
}

// Run drives one full pass of p's graph against source through the
// orchestrator, wrapping any failure as a RunFailure so a host program
// always gets the same envelope regardless of which stage failed.
func (p *Pipeline) Run(ctx context.Context, source plugin.Source, opts orchestrator.Options, log *logger.Logger) error {
	orch := orchestrator.New(p.Graph, source, p.Registry, p.Registry, p.Recorder, opts, log)
	if err := orch.Run(ctx); err != nil {
		return NewRunFailure(opts.RunID, 0, "run", fmt.Errorf("orchestrator: %w", err))
	}
	return nil
}
