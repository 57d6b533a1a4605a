// Package flowcontrol implements the three node kinds that make
// routing decisions rather than transforming data outright: gates,
// aggregations, and coalesces. Each executor is stateless-per-call
// except for the buffering aggregation and coalesce executors, which
// hold pending state keyed by node ID.
package flowcontrol

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// hashRow content-hashes a row payload for node_states' input_hash and
// output_hash columns. encoding/json sorts map keys when marshaling, so
// this is stable across Go's randomized map iteration order.
func hashRow(row map[string]interface{}) string {
	b, err := json.Marshal(row)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// hashString content-hashes a plain string, for error_hash columns
// where the "error" is a short failure-reason code rather than row data.
func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
