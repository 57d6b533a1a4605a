// Package elspeth wires graph construction, plugin registration, and the
// orchestrator into a runnable pipeline for a host program. It is the
// seam named throughout internal/graph and internal/orchestrator's doc
// comments as "outside this package's scope."
package elspeth

import (
	"fmt"
	"strings"
)

// Location pinpoints where in a pipeline configuration a problem was
// found: the node/field path a host program's config loader should
// report back to whoever authored the pipeline.
type Location struct {
	Path    string // e.g. "transforms[2].on_error"
	Message string
}

// ConfigurationError reports one or more problems found while building a
// graph from a pipeline configuration (spec.md §6): unresolved sink
// names, schema incompatibilities, malformed gate expressions. Every
// problem is recorded, not just the first, so a host program can surface
// the whole list in one pass.
type ConfigurationError struct {
	Locations []Location
}

func (e *ConfigurationError) Error() string {
	if len(e.Locations) == 1 {
		return fmt.Sprintf("configuration error at %s: %s", e.Locations[0].Path, e.Locations[0].Message)
	}
	parts := make([]string, len(e.Locations))
	for i, loc := range e.Locations {
		parts[i] = fmt.Sprintf("%s: %s", loc.Path, loc.Message)
	}
	return fmt.Sprintf("%d configuration errors: %s", len(e.Locations), strings.Join(parts, "; "))
}

// Add appends one more located problem and returns the error, so callers
// can build it up across several validation passes:
//
//	var cfgErr *ConfigurationError
//	cfgErr = cfgErr.Add("sinks.quarantine", "not declared")
func (e *ConfigurationError) Add(path, message string) *ConfigurationError {
	if e == nil {
		e = &ConfigurationError{}
	}
	e.Locations = append(e.Locations, Location{Path: path, Message: message})
	return e
}

// HasErrors reports whether any location has been recorded. A nil
// receiver has none.
func (e *ConfigurationError) HasErrors() bool {
	return e != nil && len(e.Locations) > 0
}

// RunFailure wraps the cause chain of a failed run (spec.md §6):
// whichever goroutine first observed a fatal error (source pull,
// transform panic recovery, sink write, checkpoint write) plus the
// run's ID and the sequence number in flight when it failed, for the
// audit trail's run-status record.
type RunFailure struct {
	RunID    string
	Seq      int64
	Stage    string // e.g. "pull" | "process" | "release" | "checkpoint"; Pipeline.Run reports "run" with Seq 0
	Cause    error
}

func (e *RunFailure) Error() string {
	return fmt.Sprintf("run %s failed during %s at seq %d: %v", e.RunID, e.Stage, e.Seq, e.Cause)
}

func (e *RunFailure) Unwrap() error {
	return e.Cause
}

// NewRunFailure joins cause under a RunFailure envelope, preserving
// errors.Is/As access to whatever underlying sentinel or type cause
// carries, the same wrapping convention the teacher's common/ and cmd/
// packages use with fmt.Errorf("...: %w", err).
func NewRunFailure(runID string, seq int64, stage string, cause error) *RunFailure {
	return &RunFailure{RunID: runID, Seq: seq, Stage: stage, Cause: cause}
}
