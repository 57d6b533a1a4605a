package audit

import (
	"context"
	"testing"
	"time"
)

func TestRecordOutcomeRejectsSecondTerminalOutcome(t *testing.T) {
	r := NewMemoryRecorder()
	ctx := context.Background()

	first := OutcomeRecord{OutcomeID: "o1", TokenID: "tok1", RunID: "run1", Outcome: "COMPLETED", IsTerminal: true, RecordedAt: time.Unix(0, 0)}
	if err := r.RecordOutcome(ctx, first); err != nil {
		t.Fatalf("first outcome: %v", err)
	}

	second := OutcomeRecord{OutcomeID: "o2", TokenID: "tok1", RunID: "run1", Outcome: "FAILED", IsTerminal: true, RecordedAt: time.Unix(1, 0)}
	if err := r.RecordOutcome(ctx, second); err == nil {
		t.Fatal("expected error recording a second terminal outcome for the same token")
	}
}

func TestRecordOutcomeAllowsNonTerminalThenTerminal(t *testing.T) {
	r := NewMemoryRecorder()
	ctx := context.Background()

	buffered := OutcomeRecord{OutcomeID: "o1", TokenID: "tok1", RunID: "run1", Outcome: "BUFFERED", IsTerminal: false}
	if err := r.RecordOutcome(ctx, buffered); err != nil {
		t.Fatalf("buffered outcome: %v", err)
	}
	completed := OutcomeRecord{OutcomeID: "o2", TokenID: "tok1", RunID: "run1", Outcome: "COMPLETED", IsTerminal: true}
	if err := r.RecordOutcome(ctx, completed); err != nil {
		t.Fatalf("terminal outcome after non-terminal should succeed: %v", err)
	}
}

func TestRecordArtifactRequiresNodeStateFirst(t *testing.T) {
	r := NewMemoryRecorder()
	ctx := context.Background()

	artifact := ArtifactRecord{
		ArtifactID: "a1",
		TokenID:    "tok1",
		SinkName:   "sink_csv",
		Metadata:   map[string]interface{}{"_state_id": "state1"},
	}
	if err := r.RecordArtifact(ctx, artifact); err == nil {
		t.Fatal("expected error recording artifact before its node state")
	}

	if err := r.BeginNodeState(ctx, NodeStateRecord{StateID: "state1", TokenID: "tok1", NodeID: "sink_csv", RunID: "run1", Status: NodeStateStarted}); err != nil {
		t.Fatalf("begin node state: %v", err)
	}
	if err := r.RecordArtifact(ctx, artifact); err != nil {
		t.Fatalf("artifact after node state should succeed: %v", err)
	}
}

func TestRecordForkIsAtomicOnDuplicateTerminalOutcome(t *testing.T) {
	r := NewMemoryRecorder()
	ctx := context.Background()

	if err := r.RecordOutcome(ctx, OutcomeRecord{OutcomeID: "o0", TokenID: "parent", RunID: "run1", Outcome: "COMPLETED", IsTerminal: true}); err != nil {
		t.Fatalf("seed terminal outcome: %v", err)
	}

	fork := ForkRecord{
		ParentOutcome: OutcomeRecord{OutcomeID: "o1", TokenID: "parent", RunID: "run1", Outcome: "FORKED", IsTerminal: true, ForkGroupID: "fg1"},
		Children: []TokenRecord{
			{TokenID: "child1", RowID: "row1"},
			{TokenID: "child2", RowID: "row1"},
		},
		ParentOf: map[string][]string{"child1": {"parent"}, "child2": {"parent"}},
	}
	if err := r.RecordFork(ctx, fork); err == nil {
		t.Fatal("expected fork to be rejected since parent already has a terminal outcome")
	}

	if _, exists := r.tokens["child1"]; exists {
		t.Fatal("child token must not be visible when the fork as a whole was rejected")
	}
}

func TestRecordForkWritesChildrenAndParentOutcomeTogether(t *testing.T) {
	r := NewMemoryRecorder()
	ctx := context.Background()

	fork := ForkRecord{
		ParentOutcome: OutcomeRecord{OutcomeID: "o1", TokenID: "parent", RunID: "run1", Outcome: "FORKED", IsTerminal: true, ForkGroupID: "fg1"},
		Children: []TokenRecord{
			{TokenID: "child1", RowID: "row1"},
			{TokenID: "child2", RowID: "row1"},
		},
		ParentOf: map[string][]string{"child1": {"parent"}, "child2": {"parent"}},
	}
	if err := r.RecordFork(ctx, fork); err != nil {
		t.Fatalf("record fork: %v", err)
	}

	if _, exists := r.tokens["child1"]; !exists {
		t.Fatal("child1 should be recorded")
	}
	if _, exists := r.tokens["child2"]; !exists {
		t.Fatal("child2 should be recorded")
	}
	outcomes := r.outcomes["parent"]
	if len(outcomes) != 1 || outcomes[0].Outcome != "FORKED" {
		t.Fatalf("expected exactly one FORKED outcome for parent, got %+v", outcomes)
	}
}

func TestLatestCheckpointReturnsHighestReleasedThroughSeq(t *testing.T) {
	r := NewMemoryRecorder()
	ctx := context.Background()

	_ = r.RecordCheckpoint(ctx, CheckpointRecord{CheckpointID: "c1", RunID: "run1", ReleasedThroughSeq: 10})
	_ = r.RecordCheckpoint(ctx, CheckpointRecord{CheckpointID: "c2", RunID: "run1", ReleasedThroughSeq: 25})
	_ = r.RecordCheckpoint(ctx, CheckpointRecord{CheckpointID: "c3", RunID: "run1", ReleasedThroughSeq: 18})

	latest, err := r.LatestCheckpoint(ctx, "run1")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if latest == nil || latest.CheckpointID != "c2" {
		t.Fatalf("expected c2 (seq 25) to be latest, got %+v", latest)
	}
}

func TestLatestCheckpointReturnsNilForUnknownRun(t *testing.T) {
	r := NewMemoryRecorder()
	latest, err := r.LatestCheckpoint(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if latest != nil {
		t.Fatal("expected nil checkpoint for a run with none recorded")
	}
}
