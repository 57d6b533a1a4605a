package audit

import "context"

// Query is the read-only counterpart to Recorder: the subset of the
// audit trail an introspection surface needs, without giving a caller
// write access to the append-only event log.
type Query interface {
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	CountOutcomes(ctx context.Context, runID string) (map[string]int, error)
}
