package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/elspeth-dev/elspeth/common/db"
)

// PostgresRecorder implements Recorder against the 12-table audit
// schema (runs, rows, tokens, token_parents, nodes, node_states,
// routing_events, token_outcomes, artifacts, batches, batch_members,
// checkpoints). Every query is parameterized and every error is
// wrapped with %w, matching common/repository's style.
type PostgresRecorder struct {
	db *db.DB
}

// NewPostgresRecorder wraps an already-connected pool.
func NewPostgresRecorder(database *db.DB) *PostgresRecorder {
	return &PostgresRecorder{db: database}
}

func (p *PostgresRecorder) RecordRun(ctx context.Context, r RunRecord) error {
	cfg, err := json.Marshal(r.PipeliningConfig)
	if err != nil {
		return fmt.Errorf("marshal pipelining config: %w", err)
	}
	query := `
		INSERT INTO runs (run_id, status, started_at, pipelining_config)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := p.db.Exec(ctx, query, r.RunID, r.Status, r.StartedAt, cfg); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

func (p *PostgresRecorder) CompleteRun(ctx context.Context, runID string, status string) error {
	query := `UPDATE runs SET status = $2 WHERE run_id = $1`
	if _, err := p.db.Exec(ctx, query, runID, status); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

func (p *PostgresRecorder) RecordRow(ctx context.Context, r RowRecord) error {
	query := `
		INSERT INTO rows (run_id, row_id, sequence_number, content_hash)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := p.db.Exec(ctx, query, r.RunID, r.RowID, r.SequenceNumber, r.ContentHash); err != nil {
		return fmt.Errorf("record row: %w", err)
	}
	return nil
}

func (p *PostgresRecorder) RecordToken(ctx context.Context, t TokenRecord) error {
	query := `
		INSERT INTO tokens (token_id, row_id, created_at)
		VALUES ($1, $2, $3)
	`
	if _, err := p.db.Exec(ctx, query, t.TokenID, t.RowID, t.CreatedAt); err != nil {
		return fmt.Errorf("record token: %w", err)
	}
	return nil
}

func (p *PostgresRecorder) RecordTokenParents(ctx context.Context, tokenID string, parentTokenIDs []string) error {
	for _, parentID := range parentTokenIDs {
		query := `INSERT INTO token_parents (token_id, parent_token_id) VALUES ($1, $2)`
		if _, err := p.db.Exec(ctx, query, tokenID, parentID); err != nil {
			return fmt.Errorf("record token parent: %w", err)
		}
	}
	return nil
}

func (p *PostgresRecorder) RecordNode(ctx context.Context, n NodeRecord) error {
	query := `
		INSERT INTO nodes (node_id, run_id, node_type, plugin_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (node_id, run_id) DO NOTHING
	`
	if _, err := p.db.Exec(ctx, query, n.NodeID, n.RunID, n.NodeType, n.PluginName); err != nil {
		return fmt.Errorf("record node: %w", err)
	}
	return nil
}

func (p *PostgresRecorder) BeginNodeState(ctx context.Context, s NodeStateRecord) error {
	query := `
		INSERT INTO node_states
			(state_id, token_id, node_id, run_id, status, attempt, started_at, input_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := p.db.Exec(ctx, query, s.StateID, s.TokenID, s.NodeID, s.RunID, s.Status, s.Attempt, s.StartedAt, s.InputHash); err != nil {
		return fmt.Errorf("begin node state: %w", err)
	}
	return nil
}

// CompleteNodeState always filters by run_id alongside state_id: the
// primary key on node_states is composite (run_id, state_id, ...), so
// an update keyed on state_id alone risks touching rows across runs
// that happen to share a state_id generated before the run_id was
// folded into its derivation.
func (p *PostgresRecorder) CompleteNodeState(ctx context.Context, s NodeStateRecord) error {
	query := `
		UPDATE node_states
		SET status = $3, completed_at = $4, output_hash = $5, duration_ns = $6, error_reason = $7
		WHERE run_id = $1 AND state_id = $2
	`
	if _, err := p.db.Exec(ctx, query, s.RunID, s.StateID, s.Status, s.CompletedAt, s.OutputHash, s.DurationNS, s.ErrorReason); err != nil {
		return fmt.Errorf("complete node state: %w", err)
	}
	return nil
}

func (p *PostgresRecorder) RecordRoutingEvent(ctx context.Context, e RoutingEventRecord) error {
	query := `
		INSERT INTO routing_events
			(state_id, edge_id, mode, reason_kind, gate_expression, gate_result, transform_error, retryable, quarantine_err)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if _, err := p.db.Exec(ctx, query, e.StateID, e.EdgeID, e.Mode, e.ReasonKind, e.GateExpression, e.GateResult, e.TransformError, e.Retryable, e.QuarantineErr); err != nil {
		return fmt.Errorf("record routing event: %w", err)
	}
	return nil
}

func (p *PostgresRecorder) RecordOutcome(ctx context.Context, o OutcomeRecord) error {
	return insertOutcome(ctx, p.db, o)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func insertOutcome(ctx context.Context, exec execer, o OutcomeRecord) error {
	query := `
		INSERT INTO token_outcomes
			(outcome_id, token_id, run_id, outcome, is_terminal, sink_name, error_hash, fork_group_id, join_group_id, expand_group_id, batch_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := exec.Exec(ctx, query, o.OutcomeID, o.TokenID, o.RunID, o.Outcome, o.IsTerminal, o.SinkName, o.ErrorHash, o.ForkGroupID, o.JoinGroupID, o.ExpandGroupID, o.BatchID, o.RecordedAt)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// RecordArtifact checks invariant I3 (node_state before artifact) by
// requiring ArtifactRecord.Metadata["_state_id"] to already exist in
// node_states, the same convention MemoryRecorder uses.
func (p *PostgresRecorder) RecordArtifact(ctx context.Context, a ArtifactRecord) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal artifact metadata: %w", err)
	}
	if stateID, ok := a.Metadata["_state_id"].(string); ok {
		var exists bool
		checkQuery := `SELECT EXISTS(SELECT 1 FROM node_states WHERE state_id = $1)`
		if err := p.db.QueryRow(ctx, checkQuery, stateID).Scan(&exists); err != nil {
			return fmt.Errorf("check node state for artifact: %w", err)
		}
		if !exists {
			return fmt.Errorf("record artifact: node state %q for token %q must be recorded before its artifact", stateID, a.TokenID)
		}
	}
	query := `
		INSERT INTO artifacts
			(artifact_id, token_id, sink_name, artifact_type, path_or_uri, content_hash, size_bytes, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if _, err := p.db.Exec(ctx, query, a.ArtifactID, a.TokenID, a.SinkName, a.ArtifactType, a.PathOrURI, a.ContentHash, a.SizeBytes, meta, a.CreatedAt); err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}
	return nil
}

// RecordFork writes the child tokens, their parent-lineage, and the
// parent's FORKED outcome inside a single transaction: if the process
// dies partway through, pgx rolls the whole thing back and no partial
// fork is ever visible to a reader.
func (p *PostgresRecorder) RecordFork(ctx context.Context, f ForkRecord) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("record fork: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, child := range f.Children {
		query := `INSERT INTO tokens (token_id, row_id, created_at) VALUES ($1, $2, $3)`
		if _, err := tx.Exec(ctx, query, child.TokenID, child.RowID, child.CreatedAt); err != nil {
			return fmt.Errorf("record fork: insert child token: %w", err)
		}
	}
	for childID, parents := range f.ParentOf {
		for _, parentID := range parents {
			query := `INSERT INTO token_parents (token_id, parent_token_id) VALUES ($1, $2)`
			if _, err := tx.Exec(ctx, query, childID, parentID); err != nil {
				return fmt.Errorf("record fork: insert token parent: %w", err)
			}
		}
	}
	if err := insertOutcome(ctx, tx, f.ParentOutcome); err != nil {
		return fmt.Errorf("record fork: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("record fork: commit: %w", err)
	}
	return nil
}

// RecordCoalesce writes the merged token, its parent-lineage, and the
// consumed branches' COALESCED outcomes inside a single transaction.
func (p *PostgresRecorder) RecordCoalesce(ctx context.Context, c CoalesceRecord) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("record coalesce: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `INSERT INTO tokens (token_id, row_id, created_at) VALUES ($1, $2, $3)`
	if _, err := tx.Exec(ctx, query, c.MergedToken.TokenID, c.MergedToken.RowID, c.MergedToken.CreatedAt); err != nil {
		return fmt.Errorf("record coalesce: insert merged token: %w", err)
	}
	for _, parentID := range c.MergedParentOf {
		parentQuery := `INSERT INTO token_parents (token_id, parent_token_id) VALUES ($1, $2)`
		if _, err := tx.Exec(ctx, parentQuery, c.MergedToken.TokenID, parentID); err != nil {
			return fmt.Errorf("record coalesce: insert token parent: %w", err)
		}
	}
	for _, outcome := range c.ConsumedOutcomes {
		if err := insertOutcome(ctx, tx, outcome); err != nil {
			return fmt.Errorf("record coalesce: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("record coalesce: commit: %w", err)
	}
	return nil
}

func (p *PostgresRecorder) RecordBatch(ctx context.Context, b BatchRecord) error {
	query := `
		INSERT INTO batches (batch_id, aggregation_node_id, status, trigger_type, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := p.db.Exec(ctx, query, b.BatchID, b.AggregationNodeID, b.Status, b.TriggerType, b.CreatedAt); err != nil {
		return fmt.Errorf("record batch: %w", err)
	}
	return nil
}

func (p *PostgresRecorder) RecordBatchMembers(ctx context.Context, members []BatchMemberRecord) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("record batch members: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, member := range members {
		query := `INSERT INTO batch_members (batch_id, token_id, ordinal) VALUES ($1, $2, $3)`
		if _, err := tx.Exec(ctx, query, member.BatchID, member.TokenID, member.Ordinal); err != nil {
			return fmt.Errorf("record batch members: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("record batch members: commit: %w", err)
	}
	return nil
}

func (p *PostgresRecorder) RecordCheckpoint(ctx context.Context, c CheckpointRecord) error {
	query := `
		INSERT INTO checkpoints (checkpoint_id, run_id, released_through_seq, state_blob, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := p.db.Exec(ctx, query, c.CheckpointID, c.RunID, c.ReleasedThroughSeq, c.StateBlob, c.CreatedAt); err != nil {
		return fmt.Errorf("record checkpoint: %w", err)
	}
	return nil
}

func (p *PostgresRecorder) LatestCheckpoint(ctx context.Context, runID string) (*CheckpointRecord, error) {
	query := `
		SELECT checkpoint_id, run_id, released_through_seq, state_blob, created_at
		FROM checkpoints
		WHERE run_id = $1
		ORDER BY released_through_seq DESC
		LIMIT 1
	`
	var c CheckpointRecord
	err := p.db.QueryRow(ctx, query, runID).Scan(&c.CheckpointID, &c.RunID, &c.ReleasedThroughSeq, &c.StateBlob, &c.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return &c, nil
}

// GetRun implements Query.
func (p *PostgresRecorder) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	query := `
		SELECT run_id, status, started_at, pipelining_config
		FROM runs
		WHERE run_id = $1
	`
	var r RunRecord
	var cfg []byte
	err := p.db.QueryRow(ctx, query, runID).Scan(&r.RunID, &r.Status, &r.StartedAt, &cfg)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &r.PipeliningConfig); err != nil {
			return nil, fmt.Errorf("get run: unmarshal pipelining config: %w", err)
		}
	}
	return &r, nil
}

// CountOutcomes implements Query, tallying every recorded outcome kind
// for runID.
func (p *PostgresRecorder) CountOutcomes(ctx context.Context, runID string) (map[string]int, error) {
	query := `
		SELECT outcome, COUNT(*)
		FROM token_outcomes
		WHERE run_id = $1
		GROUP BY outcome
	`
	rows, err := p.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("count outcomes: scan: %w", err)
		}
		counts[outcome] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}
	return counts, nil
}

func (p *PostgresRecorder) Close() error {
	p.db.Close()
	return nil
}
