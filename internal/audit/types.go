// Package audit is the append-only writer for the execution core's
// tamper-evident trail: one row per run, source row, token, node state,
// routing event, outcome, artifact, batch, and checkpoint. Every write
// method takes the already-decided record — the audit package never
// decides what happened, only durably records it.
package audit

import "time"

// RunRecord is one row in runs.
type RunRecord struct {
	RunID            string
	Status           string
	StartedAt        time.Time
	PipeliningConfig map[string]interface{}
}

// RowRecord is one row in rows.
type RowRecord struct {
	RunID          string
	RowID          string
	SequenceNumber int64
	ContentHash    string
}

// TokenRecord is one row in tokens.
type TokenRecord struct {
	TokenID   string
	RowID     string
	CreatedAt time.Time
}

// NodeRecord is one row in nodes, keyed by (node_id, run_id).
type NodeRecord struct {
	NodeID     string
	RunID      string
	NodeType   string
	PluginName string
}

// NodeStateStatus is the status column of node_states.
type NodeStateStatus string

const (
	NodeStateStarted   NodeStateStatus = "STARTED"
	NodeStateCompleted NodeStateStatus = "COMPLETED"
	NodeStateFailed    NodeStateStatus = "FAILED"
)

// NodeStateRecord is one row in node_states.
type NodeStateRecord struct {
	StateID     string
	TokenID     string
	NodeID      string
	RunID       string
	Status      NodeStateStatus
	Attempt     int
	StartedAt   time.Time
	CompletedAt *time.Time
	InputHash   string
	OutputHash  string
	DurationNS  int64
	ErrorReason string
}

// RoutingEventRecord is one row in routing_events.
type RoutingEventRecord struct {
	StateID        string
	EdgeID         string
	Mode           string // MOVE | COPY | DIVERT
	ReasonKind     string
	GateExpression string
	GateResult     string
	TransformError string
	Retryable      bool
	QuarantineErr  string
}

// OutcomeRecord is one row in token_outcomes.
type OutcomeRecord struct {
	OutcomeID     string
	TokenID       string
	RunID         string
	Outcome       string
	IsTerminal    bool
	SinkName      string // iff outcome in {COMPLETED, ROUTED}
	ErrorHash     string // iff outcome in {FAILED, QUARANTINED}
	ForkGroupID   string // iff outcome == FORKED
	JoinGroupID   string // iff outcome == COALESCED
	ExpandGroupID string // iff outcome == EXPANDED
	BatchID       string // iff outcome in {BUFFERED, CONSUMED_IN_BATCH}
	RecordedAt    time.Time
}

// ArtifactRecord is one row in artifacts.
type ArtifactRecord struct {
	ArtifactID   string
	TokenID      string
	SinkName     string
	ArtifactType string
	PathOrURI    string
	ContentHash  string
	SizeBytes    int64
	Metadata     map[string]interface{}
	CreatedAt    time.Time
}

// BatchRecord is one row in batches.
type BatchRecord struct {
	BatchID          string
	AggregationNodeID string
	Status           string
	TriggerType      string
	CreatedAt        time.Time
}

// BatchMemberRecord is one row in batch_members.
type BatchMemberRecord struct {
	BatchID string
	TokenID string
	Ordinal int
}

// CheckpointRecord is one row in checkpoints.
type CheckpointRecord struct {
	CheckpointID      string
	RunID             string
	ReleasedThroughSeq int64
	StateBlob         []byte // full JSON snapshot, see internal/orchestrator/checkpoint.go
	CreatedAt         time.Time
}

// ForkRecord bundles everything RecordFork must write atomically: the
// child tokens, their parent-lineage rows, and the parent's FORKED
// outcome.
type ForkRecord struct {
	ParentOutcome OutcomeRecord
	Children      []TokenRecord
	ParentOf      map[string][]string // child token id -> parent token ids
}

// CoalesceRecord bundles everything RecordCoalesce must write
// atomically: the merged token, the consumed branch tokens' COALESCED
// outcomes, and the merged token's parent-lineage rows.
type CoalesceRecord struct {
	MergedToken    TokenRecord
	MergedParentOf []string // branch token ids that became this merged token's parents
	ConsumedOutcomes []OutcomeRecord
}
