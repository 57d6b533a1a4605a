// Package token defines the unit of traversal through the execution
// graph: its identity, lineage, and the terminal outcomes it can reach.
package token

import (
	"time"

	"github.com/google/uuid"
	"github.com/elspeth-dev/elspeth/internal/schema"
)

// RowData pairs a row's payload with the contract it was validated
// against at the point it was produced.
type RowData struct {
	Fields   map[string]interface{}
	Contract *schema.Contract
}

// Clone deep-copies the row payload so fork siblings cannot observe each
// other's mutations. The contract reference is shared: contracts are
// immutable, so sharing it is safe and cheap.
func (r RowData) Clone() RowData {
	return RowData{
		Fields:   deepCopyMap(r.Fields),
		Contract: r.Contract,
	}
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch x := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(x)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, e := range x {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// Token is the unit of traversal through the DAG: one instance of a
// source row on a specific path. Immutable by convention — Token.With*
// helpers return a new value rather than mutating the receiver.
type Token struct {
	RowID   string  // stable identity of the source row
	TokenID string  // unique identity of this instance of the row
	Row     RowData // row payload + contract

	// Lineage, all optional.
	BranchName    string
	ForkGroupID   string
	JoinGroupID   string
	ExpandGroupID string

	// ParentTokenIDs records the token(s) this token was produced from,
	// for token_parents rows (fork children, coalesce merges, expand
	// children all have at least one parent).
	ParentTokenIDs []string

	CreatedAt time.Time
}

// New creates the initial token for a freshly pulled source row.
func New(rowID string, row RowData) Token {
	return Token{
		RowID:     rowID,
		TokenID:   uuid.NewString(),
		Row:       row,
		CreatedAt: time.Now(),
	}
}

// WithRow returns a new token value carrying updated row data; all
// lineage fields are preserved.
func (t Token) WithRow(row RowData) Token {
	t.Row = row
	return t
}

// Child derives a new token instance from the receiver (fork branch,
// coalesce merge member, or expand output), deep-copying the row so
// sibling mutations cannot leak across children of the same parent.
func (t Token) Child(row RowData) Token {
	child := t
	child.TokenID = uuid.NewString()
	child.Row = row.Clone()
	child.ParentTokenIDs = []string{t.TokenID}
	child.CreatedAt = time.Now()
	return child
}

// Outcome is one of the terminal states a token can reach, or the single
// non-terminal BUFFERED state used while an aggregation holds a
// passthrough token.
type Outcome string

const (
	OutcomeCompleted        Outcome = "COMPLETED"
	OutcomeRouted           Outcome = "ROUTED"
	OutcomeFailed           Outcome = "FAILED"
	OutcomeQuarantined      Outcome = "QUARANTINED"
	OutcomeForked           Outcome = "FORKED"
	OutcomeCoalesced        Outcome = "COALESCED"
	OutcomeConsumedInBatch  Outcome = "CONSUMED_IN_BATCH"
	OutcomeExpanded         Outcome = "EXPANDED"
	OutcomeBuffered         Outcome = "BUFFERED" // non-terminal
)

// IsTerminal reports whether the outcome ends the token's life.
func (o Outcome) IsTerminal() bool {
	return o != OutcomeBuffered
}

// EdgeMode classifies how an edge traversal moves a row: MOVE transfers
// ownership, COPY duplicates it (fork branches), DIVERT is a structural
// error/quarantine path established at graph build time.
type EdgeMode string

const (
	EdgeMove   EdgeMode = "MOVE"
	EdgeCopy   EdgeMode = "COPY"
	EdgeDivert EdgeMode = "DIVERT"
)

// ReasonKind discriminates the RoutingEvent.Reason variant.
type ReasonKind string

const (
	ReasonConfigGate        ReasonKind = "config_gate"
	ReasonTransformError    ReasonKind = "transform_error"
	ReasonSourceQuarantine  ReasonKind = "source_quarantine"
)

// Reason is a discriminated union over why a routing event happened.
// Exactly one of the Config/TransformError/SourceQuarantine fields is
// populated, selected by Kind.
type Reason struct {
	Kind ReasonKind

	// ConfigGate: the expression and resulting route label.
	GateExpression string
	GateResult     string

	// TransformError: the plugin-reported error reason and whether it
	// was declared retryable.
	TransformErrorReason string
	Retryable            bool

	// SourceQuarantine: the validation failure message.
	QuarantineError string
}

// RoutingEvent records one edge traversal.
type RoutingEvent struct {
	StateID string
	EdgeID  string
	Mode    EdgeMode
	Reason  Reason
}
