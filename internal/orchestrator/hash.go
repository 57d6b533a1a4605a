package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/elspeth-dev/elspeth/internal/token"
)

func hashRow(row map[string]interface{}) string {
	b, err := json.Marshal(row)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// reasonMessage renders a Reason's relevant field for error_hash
// purposes, matching whichever variant Kind selects.
func reasonMessage(r token.Reason) string {
	switch r.Kind {
	case token.ReasonTransformError:
		return r.TransformErrorReason
	case token.ReasonSourceQuarantine:
		return r.QuarantineError
	case token.ReasonConfigGate:
		return r.GateResult
	default:
		return string(r.Kind)
	}
}
