package expr

import "testing"

func evalStr(t *testing.T, expr string, row map[string]interface{}) interface{} {
	t.Helper()
	n, err := Parse(expr)
	if err != nil {
		t.Fatalf("parse %q: %v", expr, err)
	}
	v, err := Eval(n, row, expr)
	if err != nil {
		t.Fatalf("eval %q: %v", expr, err)
	}
	return v
}

func TestEvalFieldAccess(t *testing.T) {
	row := map[string]interface{}{"status": "active", "count": 5.0}
	if v := evalStr(t, `row['status']`, row); v != "active" {
		t.Fatalf("got %v", v)
	}
	if v := evalStr(t, `row.get('missing', 'fallback')`, row); v != "fallback" {
		t.Fatalf("got %v", v)
	}
}

func TestEvalComparisonAndBoolean(t *testing.T) {
	row := map[string]interface{}{"count": 10.0}
	if v := evalStr(t, `row['count'] > 5 and row['count'] < 20`, row); v != true {
		t.Fatalf("got %v", v)
	}
}

func TestEvalTernary(t *testing.T) {
	row := map[string]interface{}{"ok": true}
	if v := evalStr(t, `'yes' if row['ok'] else 'no'`, row); v != "yes" {
		t.Fatalf("got %v", v)
	}
}

func TestEvalMissingKeyIsEvaluationError(t *testing.T) {
	n, err := Parse(`row['missing'] == 1`)
	if err != nil {
		t.Fatal(err)
	}
	_, err = Eval(n, map[string]interface{}{}, `row['missing'] == 1`)
	if _, ok := err.(*EvaluationError); !ok {
		t.Fatalf("expected *EvaluationError, got %T: %v", err, err)
	}
}

func TestResultToLabel(t *testing.T) {
	if ResultToLabel(true) != "true" || ResultToLabel(false) != "false" {
		t.Fatal("boolean conversion wrong")
	}
	if ResultToLabel("high") != "high" {
		t.Fatal("string passthrough wrong")
	}
	if ResultToLabel(3.0) != "3" {
		t.Fatalf("numeric stringification wrong, got %q", ResultToLabel(3.0))
	}
}

func TestEvaluatorCachesCompiledExpressions(t *testing.T) {
	e := NewEvaluator()
	row := map[string]interface{}{"x": 1.0}
	if _, err := e.Evaluate(`row['x'] == 1`, row); err != nil {
		t.Fatal(err)
	}
	if e.CacheSize() != 1 {
		t.Fatalf("expected 1 cached expression, got %d", e.CacheSize())
	}
	if _, err := e.Evaluate(`row['x'] == 1`, row); err != nil {
		t.Fatal(err)
	}
	if e.CacheSize() != 1 {
		t.Fatal("re-evaluating the same expression should not grow the cache")
	}
}
