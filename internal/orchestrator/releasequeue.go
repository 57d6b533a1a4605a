package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elspeth-dev/elspeth/common/logger"
	"github.com/elspeth-dev/elspeth/internal/audit"
	"github.com/elspeth-dev/elspeth/internal/plugin"
	"github.com/elspeth-dev/elspeth/internal/rowproc"
	"github.com/elspeth-dev/elspeth/internal/token"
)

// ReleaseRequest is one row's full set of terminal outcomes, submitted
// by a WorkPool worker once the row processor (or source validation)
// has resolved every sibling token for that sequence number.
type ReleaseRequest struct {
	Seq      int64
	Outcomes []rowproc.Outcome
}

// SinkResolver resolves a sink node's name to the plugin.Sink instance
// writing for it.
type SinkResolver interface {
	Sink(name string) (plugin.Sink, error)
}

// ReleaseQueue runs on one goroutine. It holds completed rows in
// waiting until their sequence number is next in line, then — in
// order — records the terminal outcome, writes the sink, records the
// artifact, frees the SourcePuller's in-flight slot, and advances
// next_release_seq. Release order equals source order regardless of
// how out-of-order rows actually complete.
type ReleaseQueue struct {
	recorder          audit.Recorder
	sinks             SinkResolver
	sinkNames         []string
	puller            *SourcePuller
	runID             string
	maxCompletedWaiting int
	checkpoint        *Checkpointer
	log               *logger.Logger

	mu             sync.Mutex
	cond           *sync.Cond
	waiting        map[int64][]rowproc.Outcome
	nextReleaseSeq int64
	releasedCount  int
}

// NewReleaseQueue wires the audit recorder, the sink resolver releases
// write through (sinkNames names every sink that resolver can produce,
// flushed as a durable barrier before each checkpoint), the puller
// slots are freed against, and (optionally) the checkpointer triggered
// every CheckpointFrequency released rows.
func NewReleaseQueue(recorder audit.Recorder, sinks SinkResolver, sinkNames []string, puller *SourcePuller, runID string, maxCompletedWaiting int, checkpoint *Checkpointer, resumeNextSeq int64, log *logger.Logger) *ReleaseQueue {
	q := &ReleaseQueue{
		recorder:            recorder,
		sinks:               sinks,
		sinkNames:           sinkNames,
		puller:              puller,
		runID:               runID,
		maxCompletedWaiting: maxCompletedWaiting,
		checkpoint:          checkpoint,
		log:                 log,
		waiting:             make(map[int64][]rowproc.Outcome),
		nextReleaseSeq:      resumeNextSeq,
	}
	if q.nextReleaseSeq < 1 {
		q.nextReleaseSeq = 1
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Submit hands one sequence number's full outcome set to the queue.
// Blocks if the queue already holds maxCompletedWaiting rows that
// aren't yet releasable (slow sink / slow predecessor backpressure).
func (q *ReleaseQueue) Submit(req ReleaseRequest) {
	q.mu.Lock()
	for len(q.waiting) >= q.maxCompletedWaiting && req.Seq != q.nextReleaseSeq {
		q.cond.Wait()
	}
	q.waiting[req.Seq] = req.Outcomes
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Run drains releasable sequence numbers until ctx is cancelled and
// the queue is empty with no more submissions expected (signalled by
// closing done).
func (q *ReleaseQueue) Run(ctx context.Context, done <-chan struct{}) error {
	for {
		q.mu.Lock()
		for {
			outcomes, ready := q.waiting[q.nextReleaseSeq]
			if ready {
				delete(q.waiting, q.nextReleaseSeq)
				q.mu.Unlock()
				if err := q.release(ctx, q.nextReleaseSeq, outcomes); err != nil {
					return err
				}
				q.mu.Lock()
				q.nextReleaseSeq++
				q.cond.Broadcast()
				continue
			}
			break
		}
		select {
		case <-done:
			if len(q.waiting) == 0 {
				q.mu.Unlock()
				return nil
			}
		default:
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			// loop again; re-check waiting under lock above
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// release performs the five ordered steps spec.md §4.7 requires for one
// sequence number's outcomes: record outcome, write sink (whenever the
// outcome carries a destination — COMPLETED/ROUTED land on the main or
// gate-routed sink, FAILED/QUARANTINED on an on_error/quarantine sink),
// record artifact, free the puller's slot, advance.
func (q *ReleaseQueue) release(ctx context.Context, seq int64, outcomes []rowproc.Outcome) error {
	for _, o := range outcomes {
		if err := q.recordOutcome(ctx, o); err != nil {
			return err
		}
		if o.Sink != nil {
			if err := q.writeSink(ctx, o); err != nil {
				return err
			}
		}
	}
	q.puller.ReleaseSlot()
	q.releasedCount++
	if q.checkpoint != nil && q.checkpoint.Frequency() > 0 && q.releasedCount%q.checkpoint.Frequency() == 0 {
		if err := q.flushSinks(ctx); err != nil {
			return fmt.Errorf("release queue: flush sinks before checkpoint at seq %d: %w", seq, err)
		}
		if err := q.checkpoint.Snapshot(ctx, seq); err != nil {
			return fmt.Errorf("release queue: checkpoint at seq %d: %w", seq, err)
		}
	}
	return nil
}

// flushSinks calls Flush on every sink, establishing the durable
// barrier a checkpoint requires: once this returns, every Write issued
// so far is guaranteed to survive a crash, so the checkpoint it
// precedes is safe to resume from.
func (q *ReleaseQueue) flushSinks(ctx context.Context) error {
	for _, name := range q.sinkNames {
		sink, err := q.sinks.Sink(name)
		if err != nil {
			return fmt.Errorf("resolve sink %s: %w", name, err)
		}
		if err := sink.Flush(ctx); err != nil {
			return fmt.Errorf("flush sink %s: %w", name, err)
		}
	}
	return nil
}

// waitingSnapshot copies the queue's held-but-not-yet-releasable
// outcomes, for checkpointing.
func (q *ReleaseQueue) waitingSnapshot() map[int64][]rowproc.Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[int64][]rowproc.Outcome, len(q.waiting))
	for seq, outcomes := range q.waiting {
		out[seq] = append([]rowproc.Outcome(nil), outcomes...)
	}
	return out
}

// restoreWaiting seeds the queue with outcomes recovered from a
// checkpoint, ahead of Run starting.
func (q *ReleaseQueue) restoreWaiting(waiting map[int64][]rowproc.Outcome) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for seq, outcomes := range waiting {
		q.waiting[seq] = outcomes
	}
}

func (q *ReleaseQueue) recordOutcome(ctx context.Context, o rowproc.Outcome) error {
	rec := audit.OutcomeRecord{
		OutcomeID:  uuid.NewString(),
		TokenID:    o.Token.TokenID,
		RunID:      q.runID,
		Outcome:    string(o.Kind),
		IsTerminal: true,
		RecordedAt: time.Now(),
	}
	if o.Sink != nil && (o.Kind == token.OutcomeCompleted || o.Kind == token.OutcomeRouted) {
		rec.SinkName = o.Sink.Name
	}
	if o.Kind == token.OutcomeFailed || o.Kind == token.OutcomeQuarantined {
		rec.ErrorHash = hashString(reasonMessage(o.Reason))
	}
	if err := q.recorder.RecordOutcome(ctx, rec); err != nil {
		return fmt.Errorf("release queue: record outcome for seq %d: %w", o.Seq, err)
	}
	return nil
}

func (q *ReleaseQueue) writeSink(ctx context.Context, o rowproc.Outcome) error {
	if o.Sink == nil {
		return fmt.Errorf("release queue: seq %d outcome %s has no destination sink", o.Seq, o.Kind)
	}
	sink, err := q.sinks.Sink(o.Sink.Name)
	if err != nil {
		return fmt.Errorf("release queue: resolve sink %s: %w", o.Sink.Name, err)
	}
	artifact, err := sink.Write(ctx, []map[string]interface{}{o.Token.Row.Fields})
	if err != nil {
		return fmt.Errorf("release queue: sink %s write: %w", o.Sink.Name, err)
	}
	if err := q.recorder.RecordArtifact(ctx, audit.ArtifactRecord{
		ArtifactID:   uuid.NewString(),
		TokenID:      o.Token.TokenID,
		SinkName:     o.Sink.Name,
		ArtifactType: string(artifact.ArtifactType),
		PathOrURI:    artifact.PathOrURI,
		ContentHash:  artifact.ContentHash,
		SizeBytes:    artifact.SizeBytes,
		Metadata:     artifact.Metadata,
		CreatedAt:    time.Now(),
	}); err != nil {
		return fmt.Errorf("release queue: record artifact for sink %s: %w", o.Sink.Name, err)
	}
	return nil
}
