// Package orchestrator wires the pipelined execution engine: one
// SourcePuller thread pulling rows and assigning sequence numbers, a
// WorkPool of worker goroutines driving each row through the row
// processor, and a ReleaseQueue thread enforcing strict FIFO release
// order against the audit store and sinks. Checkpointing snapshots and
// restores the three components' joint state.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/elspeth-dev/elspeth/common/logger"
	"github.com/elspeth-dev/elspeth/internal/audit"
	"github.com/elspeth-dev/elspeth/internal/plugin"
	"github.com/elspeth-dev/elspeth/internal/token"
)

// PulledRow is one row handed from the SourcePuller to the WorkPool:
// either a valid row ready to enter the graph, or one that failed the
// source's own validation and must be routed straight to its
// declared quarantine destination without ever reaching the row
// processor.
type PulledRow struct {
	Seq   int64
	Valid bool

	Token token.Token // only meaningful when Valid

	RawRow      map[string]interface{} // only meaningful when !Valid
	ValidateErr error
	Destination string // sink name, or "discard" — only meaningful when !Valid
}

// SourcePuller iterates a plugin.Source on its own goroutine, assigning
// a monotonic sequence number to every row (valid or quarantined) and
// blocking whenever the in-flight row count would exceed
// maxRowsInFlight.
type SourcePuller struct {
	source          plugin.Source
	recorder        audit.Recorder
	runID           string
	maxRowsInFlight int
	log             *logger.Logger

	mu           sync.Mutex
	cond         *sync.Cond
	rowsInFlight int
	nextSeq      int64

	out chan PulledRow
}

// NewSourcePuller wires the source plugin, the audit recorder rows are
// recorded through, and the output channel the WorkPool reads from.
// resumeFromSeq is 0 for a fresh run, or the checkpoint's
// released_through_seq + 1 on resume — rows before it are skipped.
func NewSourcePuller(source plugin.Source, recorder audit.Recorder, runID string, maxRowsInFlight int, resumeFromSeq int64, log *logger.Logger) *SourcePuller {
	p := &SourcePuller{
		source:          source,
		recorder:        recorder,
		runID:           runID,
		maxRowsInFlight: maxRowsInFlight,
		nextSeq:         resumeFromSeq,
		log:             log,
		out:             make(chan PulledRow, maxRowsInFlight),
	}
	p.cond = sync.NewCond(&p.mu)
	if p.nextSeq < 1 {
		p.nextSeq = 1
	}
	return p
}

// Out is the channel of pulled rows the WorkPool consumes. Closed once
// the source is exhausted.
func (p *SourcePuller) Out() <-chan PulledRow {
	return p.out
}

// Run pulls every row from the source, skipping sequence numbers below
// resumeFromSeq (already released in a prior attempt), and closes Out()
// on exhaustion or ctx cancellation.
func (p *SourcePuller) Run(ctx context.Context) error {
	defer close(p.out)

	if err := p.source.OnStart(ctx); err != nil {
		return fmt.Errorf("source puller: on_start: %w", err)
	}

	rows, err := p.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("source puller: load: %w", err)
	}

	skip := p.nextSeq - 1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case row, ok := <-rows:
			if !ok {
				if err := p.source.OnComplete(ctx); err != nil {
					return fmt.Errorf("source puller: on_complete: %w", err)
				}
				p.log.Info("source exhausted", "run_id", p.runID)
				return nil
			}
			if skip > 0 {
				skip--
				continue
			}
			if err := p.emit(ctx, row); err != nil {
				return err
			}
		}
	}
}

func (p *SourcePuller) emit(ctx context.Context, row plugin.SourceRow) error {
	p.mu.Lock()
	for p.rowsInFlight >= p.maxRowsInFlight {
		p.cond.Wait()
	}
	seq := p.nextSeq
	p.nextSeq++
	p.rowsInFlight++
	p.mu.Unlock()

	if !row.Valid {
		rowID := fmt.Sprintf("row-%d", seq)
		if err := p.recorder.RecordRow(ctx, audit.RowRecord{RunID: p.runID, RowID: rowID, SequenceNumber: seq}); err != nil {
			return fmt.Errorf("source puller: record quarantined row: %w", err)
		}
		tok := token.New(rowID, token.RowData{Fields: row.RawRow})
		if err := p.recorder.RecordToken(ctx, audit.TokenRecord{TokenID: tok.TokenID, RowID: tok.RowID, CreatedAt: tok.CreatedAt}); err != nil {
			return fmt.Errorf("source puller: record quarantined token: %w", err)
		}
		p.out <- PulledRow{Seq: seq, Valid: false, Token: tok, RawRow: row.RawRow, ValidateErr: row.Error, Destination: row.Destination}
		return nil
	}

	rowID := fmt.Sprintf("row-%d", seq)
	tok := token.New(rowID, token.RowData{Fields: row.Row, Contract: row.Contract})
	if err := p.recorder.RecordRow(ctx, audit.RowRecord{RunID: p.runID, RowID: rowID, SequenceNumber: seq, ContentHash: hashRow(row.Row)}); err != nil {
		return fmt.Errorf("source puller: record row: %w", err)
	}
	if err := p.recorder.RecordToken(ctx, audit.TokenRecord{TokenID: tok.TokenID, RowID: tok.RowID, CreatedAt: tok.CreatedAt}); err != nil {
		return fmt.Errorf("source puller: record token: %w", err)
	}
	p.out <- PulledRow{Seq: seq, Valid: true, Token: tok}
	return nil
}

// ReleaseSlot is called by the ReleaseQueue once a row's full
// resolution (every sibling outcome) has been released, freeing one
// in-flight slot and waking the puller if it was blocked.
func (p *SourcePuller) ReleaseSlot() {
	p.mu.Lock()
	p.rowsInFlight--
	p.mu.Unlock()
	p.cond.Signal()
}
