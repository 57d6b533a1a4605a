package token

import "testing"

func TestChildDeepCopiesRowSoSiblingsDontLeak(t *testing.T) {
	parent := New("row-1", RowData{Fields: map[string]interface{}{
		"nested": map[string]interface{}{"n": 1},
	}})

	left := parent.Child(parent.Row)
	right := parent.Child(parent.Row)

	left.Row.Fields["nested"].(map[string]interface{})["n"] = 99

	if right.Row.Fields["nested"].(map[string]interface{})["n"] != 1 {
		t.Fatal("mutating left child's nested map leaked into right child")
	}
	if parent.Row.Fields["nested"].(map[string]interface{})["n"] != 1 {
		t.Fatal("mutating left child's nested map leaked into parent")
	}
}

func TestChildRecordsParentLineage(t *testing.T) {
	parent := New("row-1", RowData{})
	child := parent.Child(RowData{})

	if len(child.ParentTokenIDs) != 1 || child.ParentTokenIDs[0] != parent.TokenID {
		t.Fatalf("expected child to record parent token id, got %v", child.ParentTokenIDs)
	}
	if child.TokenID == parent.TokenID {
		t.Fatal("expected child to get a fresh token id")
	}
	if child.RowID != parent.RowID {
		t.Fatal("expected row id to carry through to children")
	}
}

func TestOutcomeIsTerminal(t *testing.T) {
	for _, o := range []Outcome{OutcomeCompleted, OutcomeRouted, OutcomeFailed, OutcomeQuarantined,
		OutcomeForked, OutcomeCoalesced, OutcomeConsumedInBatch, OutcomeExpanded} {
		if !o.IsTerminal() {
			t.Errorf("expected %s to be terminal", o)
		}
	}
	if OutcomeBuffered.IsTerminal() {
		t.Fatal("BUFFERED must not be terminal")
	}
}
