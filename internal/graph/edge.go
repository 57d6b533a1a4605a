package graph

import (
	"fmt"

	"github.com/elspeth-dev/elspeth/internal/token"
)

// Reserved edge labels.
const (
	LabelContinue = "continue"
)

// QuarantineLabel returns the reserved DIVERT label for a source's
// validation-failure route.
func QuarantineLabel() string { return "__quarantine__" }

// ErrorLabel returns the reserved DIVERT label for the seq'th
// transform's on_error route.
func ErrorLabel(transformSeq int) string { return fmt.Sprintf("__error_%d__", transformSeq) }

// Edge is a directed, labelled, typed connection between two nodes. A
// graph is a multigraph: more than one edge may exist between the same
// pair of nodes, but no two outgoing edges from the same node may share
// a label.
type Edge struct {
	EdgeID string
	From   string
	To     string
	Label  string
	Mode   token.EdgeMode
}
