// Command elspeth-runner is a thin binary that wires config, logging,
// the audit store, graph construction, and the orchestrator together
// for a single local run. It is explicitly not the product the rest of
// this repo specifies — a real pipeline CLI (config format, plugin
// registry, scheduling) is out of scope — it exists only so the
// execution core is exercised end-to-end the way every other service in
// this codebase ships a cmd/ alongside its common/.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/elspeth-dev/elspeth/common/bootstrap"
	"github.com/elspeth-dev/elspeth/internal/adminapi"
	"github.com/elspeth-dev/elspeth/internal/audit"
	"github.com/elspeth-dev/elspeth/internal/elspeth"
	"github.com/elspeth-dev/elspeth/internal/graph"
	"github.com/elspeth-dev/elspeth/internal/orchestrator"
)

func main() {
	sourcePath := flag.String("source", "", "path to the input CSV file")
	sinkURI := flag.String("sink", "", "file:// destination URI for the output CSV")
	upperField := flag.String("upper-field", "", "field name to upper-case, empty to skip")
	memory := flag.Bool("memory", false, "use an in-memory audit recorder instead of Postgres")
	adminAddr := flag.String("admin-addr", "", "address to serve the read-only admin API on, empty to disable")
	flag.Parse()

	if *sourcePath == "" || *sinkURI == "" {
		fmt.Fprintln(os.Stderr, "usage: elspeth-runner -source in.csv -sink file://out.csv")
		os.Exit(2)
	}

	ctx := context.Background()

	setupOpts := []bootstrap.Option{}
	if *memory {
		setupOpts = append(setupOpts, bootstrap.WithoutDB())
	}
	components, err := bootstrap.Setup(ctx, "elspeth-runner", setupOpts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	if *adminAddr != "" {
		if query, ok := components.Recorder.(audit.Query); ok {
			admin := adminapi.New(query, components.Logger)
			go func() {
				if err := admin.Start(*adminAddr); err != nil && err != http.ErrServerClosed {
					components.Logger.Error("admin api stopped", "error", err)
				}
			}()
		} else {
			components.Logger.Warn("admin api disabled: recorder does not implement audit.Query")
		}
	}

	source := newCSVSource(*sourcePath)
	sink, err := newCSVSink("out", *sinkURI)
	if err != nil {
		components.Logger.Error("sink rejected", "error", err)
		os.Exit(1)
	}

	input := graph.BuildInput{
		Source: graph.SourceSpec{PluginName: "csv-source"},
		Sinks: map[string]graph.SinkSpec{
			"out": {PluginName: "csv-sink"},
		},
		DefaultSinkName: "out",
	}
	if *upperField != "" {
		input.Transforms = []graph.TransformSpec{
			{Name: "uppercase", PluginName: "uppercase", Config: map[string]interface{}{"field": *upperField}},
		}
	}

	reg := elspeth.NewRegistry()
	reg.RegisterSink("out", sink)

	g, _, err := graph.Build(input)
	if err != nil {
		components.Logger.Error("graph construction failed", "error", err)
		os.Exit(1)
	}
	if *upperField != "" {
		for id, n := range g.Nodes() {
			if n.Kind == graph.KindTransform {
				reg.RegisterTransform(id, newUppercaseTransform(*upperField))
			}
		}
	}

	pipeline, err := elspeth.Build(input, reg, components.Recorder)
	if err != nil {
		components.Logger.Error("pipeline configuration invalid", "error", err)
		os.Exit(1)
	}

	opts := orchestrator.Options{
		RunID:               uuid.NewString(),
		MaxRowsInFlight:      components.Config.Pipelining.MaxRowsInFlight,
		MaxCompletedWaiting:  components.Config.Pipelining.MaxCompletedWaiting,
		PoolSize:             components.Config.Pipelining.PoolSize,
		CheckpointFrequency:  components.Config.Pipelining.CheckpointFrequency,
	}

	components.Logger.Info("starting run", "run_id", opts.RunID, "source", *sourcePath, "sink", *sinkURI)

	if err := pipeline.Run(ctx, source, opts, components.Logger); err != nil {
		components.Logger.Error("run failed", "error", err)
		os.Exit(1)
	}

	components.Logger.Info("run complete", "run_id", opts.RunID)
}
