// Package expr is the sandboxed whitelist expression language gate
// conditions and aggregation trigger conditions are written in. It is
// deliberately not a host-language evaluator: the grammar it accepts is
// a small, explicitly-enumerated subset chosen so that parse-time
// rejection of anything outside it is itself the security boundary.
package expr

import "sync"

// Evaluator compiles and caches expressions, mirroring the shape of a
// compiled-program cache guarded by a RWMutex: compile once per distinct
// expression string, evaluate many times against different rows.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]Node
}

// NewEvaluator creates an expression evaluator with an empty cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]Node)}
}

// Evaluate compiles expr (or reuses the cached AST) and evaluates it
// against row, returning the raw result value. Compilation failures
// surface as *SyntaxError or *SecurityError; row-caused failures surface
// as *EvaluationError.
func (e *Evaluator) Evaluate(expr string, row map[string]interface{}) (interface{}, error) {
	node, err := e.compile(expr)
	if err != nil {
		return nil, err
	}
	return Eval(node, row, expr)
}

// EvaluateLabel is Evaluate followed by ResultToLabel, the common case
// for gates and triggers that need a route label.
func (e *Evaluator) EvaluateLabel(expr string, row map[string]interface{}) (string, error) {
	v, err := e.Evaluate(expr, row)
	if err != nil {
		return "", err
	}
	return ResultToLabel(v), nil
}

// Validate compiles expr and discards the result, for config-time
// checking without a row in hand yet.
func (e *Evaluator) Validate(expr string) error {
	_, err := e.compile(expr)
	return err
}

func (e *Evaluator) compile(expr string) (Node, error) {
	e.mu.RLock()
	node, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return node, nil
	}

	node, err := Parse(expr)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expr] = node
	e.mu.Unlock()
	return node, nil
}

// ClearCache drops every compiled expression.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]Node)
}

// CacheSize reports how many distinct expressions are currently cached.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
