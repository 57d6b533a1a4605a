package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/elspeth-dev/elspeth/common/logger"
	"github.com/elspeth-dev/elspeth/internal/audit"
	"github.com/elspeth-dev/elspeth/internal/expr"
	"github.com/elspeth-dev/elspeth/internal/flowcontrol"
	"github.com/elspeth-dev/elspeth/internal/graph"
	"github.com/elspeth-dev/elspeth/internal/plugin"
	"github.com/elspeth-dev/elspeth/internal/rowproc"
)

// Options configures one Orchestrator run.
type Options struct {
	RunID               string
	MaxRowsInFlight     int
	MaxCompletedWaiting int
	PoolSize            int
	CheckpointFrequency int
}

// Orchestrator wires the SourcePuller, WorkPool, and ReleaseQueue
// around a compiled graph and drives one run to completion, per
// spec.md §4.7.
type Orchestrator struct {
	g         *graph.Graph
	source    plugin.Source
	resolver  TransformResolver
	sinks     SinkResolver
	recorder  audit.Recorder
	opts      Options
	log       *logger.Logger
}

// New wires an orchestrator around a compiled graph, its source and
// plugin resolvers, and the audit recorder every component shares.
func New(g *graph.Graph, source plugin.Source, resolver TransformResolver, sinks SinkResolver, recorder audit.Recorder, opts Options, log *logger.Logger) *Orchestrator {
	return &Orchestrator{g: g, source: source, resolver: resolver, sinks: sinks, recorder: recorder, opts: opts, log: log}
}

// Run executes the pipeline to completion: resumes from the latest
// checkpoint if one exists, pulls every row through the graph with
// max_rows_in_flight concurrency, and releases terminal outcomes in
// strict source order. Returns once the source is exhausted and every
// row has been released, or on the first fatal error (per spec.md §7,
// any of which aborts the whole run).
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.recorder.RecordRun(ctx, audit.RunRecord{
		RunID: o.opts.RunID, Status: "RUNNING", StartedAt: time.Now(),
		PipeliningConfig: map[string]interface{}{
			"max_rows_in_flight":    o.opts.MaxRowsInFlight,
			"max_completed_waiting": o.opts.MaxCompletedWaiting,
			"pool_size":             o.opts.PoolSize,
		},
	}); err != nil {
		return fmt.Errorf("orchestrator: record run: %w", err)
	}

	evaluator := expr.NewEvaluator()
	aggExec := flowcontrol.NewAggregationExecutor(evaluator, o.recorder)
	coalExec := flowcontrol.NewCoalesceExecutor(o.recorder)
	gateExec := flowcontrol.NewGateExecutor(evaluator, o.recorder)
	processor := rowproc.New(gateExec, aggExec, coalExec, o.recorder)

	checkpointer := NewCheckpointer(o.recorder, o.opts.RunID, o.opts.CheckpointFrequency, o.g, aggExec, coalExec, o.log)
	resumeSeq, err := checkpointer.Resume(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: resume: %w", err)
	}

	puller := NewSourcePuller(o.source, o.recorder, o.opts.RunID, o.opts.MaxRowsInFlight, resumeSeq, o.log)
	releaseQueue := NewReleaseQueue(o.recorder, o.sinks, o.g.SinkNames(), puller, o.opts.RunID, o.opts.MaxCompletedWaiting, checkpointer, resumeSeq, o.log)
	checkpointer.AttachReleaseQueue(releaseQueue)

	workPool := NewWorkPool(processor, o.resolver, o.g, releaseQueue, o.opts.RunID, o.opts.PoolSize, o.log)
	checkpointer.AttachWorkPool(workPool)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pullDone := make(chan struct{})
	var pullErr error
	go func() {
		defer close(pullDone)
		pullErr = puller.Run(runCtx)
	}()

	var workErr error
	workDone := make(chan struct{})
	go func() {
		defer close(workDone)
		workErr = workPool.Run(runCtx, puller.Out(), o.opts.MaxRowsInFlight)
	}()

	releaseErr := releaseQueue.Run(runCtx, workDone)

	<-pullDone
	<-workDone

	status := "COMPLETED"
	var runErr error
	for _, e := range []error{pullErr, workErr, releaseErr} {
		if e != nil && e != context.Canceled {
			status = "FAILED"
			runErr = e
			cancel()
			break
		}
	}

	if err := o.recorder.CompleteRun(ctx, o.opts.RunID, status); err != nil {
		if runErr == nil {
			runErr = fmt.Errorf("orchestrator: complete run: %w", err)
		}
	}

	return runErr
}
