package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/elspeth-dev/elspeth/common/logger"
	"github.com/elspeth-dev/elspeth/internal/graph"
	"github.com/elspeth-dev/elspeth/internal/plugin"
	"github.com/elspeth-dev/elspeth/internal/rowproc"
	"github.com/elspeth-dev/elspeth/internal/token"
)

// TransformResolver resolves a node to its backing plugin.Transform
// instance. Implemented by whatever wires plugin instances to graph
// nodes at run start (outside this package's scope — see
// internal/elspeth).
type TransformResolver interface {
	Transform(node *graph.Node) (plugin.Transform, error)
}

// WorkPool runs N worker goroutines (N == max_rows_in_flight), each
// driving one pulled row end-to-end through the row processor and
// submitting every resulting terminal outcome to the ReleaseQueue.
// All workers share a single PooledExecutor semaphore bounding
// external-call concurrency by query count rather than row count.
type WorkPool struct {
	processor *rowproc.Processor
	resolver  TransformResolver
	release   *ReleaseQueue
	g         *graph.Graph
	runID     string
	log       *logger.Logger

	sem chan struct{} // PooledExecutor: capacity pool_size

	mu       sync.Mutex
	firstErr error
	inFlight map[int64]bool
}

// NewWorkPool wires the row processor, the plugin resolver it looks up
// transforms through, the graph (for source entry point and sink-by-
// name quarantine routing), the release queue outcomes are submitted
// to, and poolSize (the external-call semaphore's capacity).
func NewWorkPool(processor *rowproc.Processor, resolver TransformResolver, g *graph.Graph, release *ReleaseQueue, runID string, poolSize int, log *logger.Logger) *WorkPool {
	return &WorkPool{
		processor: processor,
		resolver:  resolver,
		release:   release,
		g:         g,
		runID:     runID,
		log:       log,
		sem:       make(chan struct{}, poolSize),
		inFlight:  make(map[int64]bool),
	}
}

// InFlightSeqs returns the sequence numbers currently being processed
// by a worker (pulled but not yet submitted to the release queue), for
// checkpoint snapshots.
func (w *WorkPool) InFlightSeqs() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int64, 0, len(w.inFlight))
	for seq := range w.inFlight {
		out = append(out, seq)
	}
	return out
}

func (w *WorkPool) markInFlight(seq int64, inFlight bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if inFlight {
		w.inFlight[seq] = true
	} else {
		delete(w.inFlight, seq)
	}
}

// Run starts numWorkers goroutines consuming in until it closes, then
// waits for all of them to finish. Returns the first fatal error any
// worker encountered (a transform error with no on_error route, a
// plugin bug, an expression evaluation failure, or an audit write
// failure) — per spec.md §7 these all fail the whole run.
func (w *WorkPool) Run(ctx context.Context, in <-chan PulledRow, numWorkers int) error {
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			w.workerLoop(ctx, in)
		}()
	}
	wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.firstErr
}

func (w *WorkPool) workerLoop(ctx context.Context, in <-chan PulledRow) {
	registry := &pooledRegistry{inner: w.resolver, sem: w.sem}
	for {
		select {
		case <-ctx.Done():
			return
		case row, ok := <-in:
			if !ok {
				return
			}
			if err := w.handle(ctx, registry, row); err != nil {
				w.recordFatal(err)
				return
			}
		}
	}
}

func (w *WorkPool) handle(ctx context.Context, registry rowproc.Registry, row PulledRow) error {
	w.markInFlight(row.Seq, true)
	defer w.markInFlight(row.Seq, false)

	if !row.Valid {
		dest := (*graph.Node)(nil)
		if row.Destination != "" && row.Destination != "discard" {
			dest = w.g.Sink(row.Destination)
		}
		w.release.Submit(ReleaseRequest{Seq: row.Seq, Outcomes: []rowproc.Outcome{{
			Token: row.Token,
			Kind:  token.OutcomeQuarantined,
			Sink:  dest,
			Seq:   row.Seq,
			Reason: token.Reason{Kind: token.ReasonSourceQuarantine, QuarantineError: errString(row.ValidateErr)},
		}}})
		return nil
	}

	entry := rowproc.WorkItem{Token: row.Token, Node: w.g.Source().Next, Seq: row.Seq}
	outcomes, err := w.processor.Process(ctx, w.runID, registry, entry)
	if err != nil {
		return fmt.Errorf("work pool: row %s: %w", row.Token.RowID, err)
	}
	w.release.Submit(ReleaseRequest{Seq: row.Seq, Outcomes: outcomes})
	return nil
}

func (w *WorkPool) recordFatal(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.firstErr == nil {
		w.firstErr = err
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// pooledRegistry wraps a TransformResolver so that any resolved
// transform declaring Determinism() == external_call acquires the
// shared PooledExecutor semaphore around each Process call — bounding
// concurrent external calls across all rows by pool_size, independent
// of how many rows are in flight.
type pooledRegistry struct {
	inner TransformResolver
	sem   chan struct{}
}

func (r *pooledRegistry) Transform(node *graph.Node) (plugin.Transform, error) {
	xfm, err := r.inner.Transform(node)
	if err != nil {
		return nil, err
	}
	if xfm == nil || xfm.Determinism() != plugin.ExternalCall {
		return xfm, nil
	}
	return &pooledTransform{Transform: xfm, sem: r.sem}, nil
}

type pooledTransform struct {
	plugin.Transform
	sem chan struct{}
}

func (t *pooledTransform) Process(ctx context.Context, rows []map[string]interface{}) (plugin.TransformResult, error) {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return plugin.TransformResult{}, ctx.Err()
	}
	defer func() { <-t.sem }()
	return t.Transform.Process(ctx, rows)
}
