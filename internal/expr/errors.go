package expr

import "fmt"

// SyntaxError is a config-time failure: the expression text does not
// parse as a member of the allowed grammar at all.
type SyntaxError struct {
	Expression string
	Pos        int
	Msg        string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at position %d in %q: %s", e.Pos, e.Expression, e.Msg)
}

// SecurityError is a config-time failure: the expression parses but
// contains a construct the whitelist forbids (a name, attribute, call
// target, or syntax form outside row['f'] / row.get('f') / the allowed
// operators and literals).
type SecurityError struct {
	Expression string
	Pos        int
	Msg        string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("forbidden construct at position %d in %q: %s", e.Pos, e.Expression, e.Msg)
}

// EvaluationError is a run-time failure: the expression is valid and
// permitted, but evaluating it against a specific row failed (missing
// key, type mismatch, division by zero, etc). Unlike Syntax/Security
// errors this is not a configuration problem — it is caused by the row
// data the run happened to be processing.
type EvaluationError struct {
	Expression string
	Msg        string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation error in %q: %s", e.Expression, e.Msg)
}
