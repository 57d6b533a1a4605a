package audit

import "context"

// Recorder is the append-only audit writer, one operation per event
// kind. Implementations must serialize writes (or use per-call
// transactional isolation sufficient for at-least snapshot semantics):
// the recorder is called concurrently from every worker in the pool.
//
// RecordFork and RecordCoalesce are the two operations spec.md calls
// out as requiring atomicity across multiple rows — implementations
// must perform each as a single transaction so no partial fork or merge
// is ever observable to a concurrent reader.
type Recorder interface {
	RecordRun(ctx context.Context, r RunRecord) error
	CompleteRun(ctx context.Context, runID string, status string) error

	RecordRow(ctx context.Context, r RowRecord) error
	RecordToken(ctx context.Context, t TokenRecord) error
	RecordTokenParents(ctx context.Context, tokenID string, parentTokenIDs []string) error

	RecordNode(ctx context.Context, n NodeRecord) error
	BeginNodeState(ctx context.Context, s NodeStateRecord) error
	CompleteNodeState(ctx context.Context, s NodeStateRecord) error

	RecordRoutingEvent(ctx context.Context, e RoutingEventRecord) error
	RecordOutcome(ctx context.Context, o OutcomeRecord) error
	RecordArtifact(ctx context.Context, a ArtifactRecord) error

	RecordFork(ctx context.Context, f ForkRecord) error
	RecordCoalesce(ctx context.Context, c CoalesceRecord) error

	RecordBatch(ctx context.Context, b BatchRecord) error
	RecordBatchMembers(ctx context.Context, members []BatchMemberRecord) error

	RecordCheckpoint(ctx context.Context, c CheckpointRecord) error
	LatestCheckpoint(ctx context.Context, runID string) (*CheckpointRecord, error)

	Close() error
}
