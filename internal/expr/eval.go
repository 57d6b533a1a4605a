package expr

import (
	"fmt"
	"strconv"
)

// Eval walks an AST against a row, returning the raw result value. Any
// failure caused by the row's shape (missing key, wrong type, division
// by zero) is an *EvaluationError — never a Syntax/SecurityError, which
// are reserved for Parse.
func Eval(n Node, row map[string]interface{}, exprText string) (interface{}, error) {
	switch x := n.(type) {
	case Literal:
		return x.Value, nil
	case RowRef:
		return row, nil
	case Index:
		base, err := Eval(x.Base, row, exprText)
		if err != nil {
			return nil, err
		}
		key, err := Eval(x.Key, row, exprText)
		if err != nil {
			return nil, err
		}
		return indexInto(base, key, exprText)
	case RowGet:
		key, err := Eval(x.Key, row, exprText)
		if err != nil {
			return nil, err
		}
		keyStr, ok := key.(string)
		if !ok {
			return nil, &EvaluationError{Expression: exprText, Msg: fmt.Sprintf("row.get() key must be a string, got %T", key)}
		}
		if v, ok := row[keyStr]; ok {
			return v, nil
		}
		if x.Default != nil {
			return Eval(x.Default, row, exprText)
		}
		return nil, nil
	case ListLit:
		out := make([]interface{}, len(x.Items))
		for i, item := range x.Items {
			v, err := Eval(item, row, exprText)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case DictLit:
		out := make(map[string]interface{}, len(x.Keys))
		for i := range x.Keys {
			k, err := Eval(x.Keys[i], row, exprText)
			if err != nil {
				return nil, err
			}
			ks, ok := k.(string)
			if !ok {
				return nil, &EvaluationError{Expression: exprText, Msg: fmt.Sprintf("dict literal key must be a string, got %T", k)}
			}
			v, err := Eval(x.Values[i], row, exprText)
			if err != nil {
				return nil, err
			}
			out[ks] = v
		}
		return out, nil
	case Not:
		v, err := Eval(x.X, row, exprText)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	case Neg:
		v, err := Eval(x.X, row, exprText)
		if err != nil {
			return nil, err
		}
		f, err := toNumber(v, exprText)
		if err != nil {
			return nil, err
		}
		return -f, nil
	case Ternary:
		cond, err := Eval(x.Cond, row, exprText)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return Eval(x.Then, row, exprText)
		}
		return Eval(x.Else, row, exprText)
	case BinOp:
		return evalBinOp(x, row, exprText)
	default:
		return nil, &EvaluationError{Expression: exprText, Msg: fmt.Sprintf("unhandled node type %T", n)}
	}
}

func evalBinOp(x BinOp, row map[string]interface{}, exprText string) (interface{}, error) {
	switch x.Op {
	case "and":
		lhs, err := Eval(x.X, row, exprText)
		if err != nil {
			return nil, err
		}
		if !truthy(lhs) {
			return lhs, nil
		}
		return Eval(x.Y, row, exprText)
	case "or":
		lhs, err := Eval(x.X, row, exprText)
		if err != nil {
			return nil, err
		}
		if truthy(lhs) {
			return lhs, nil
		}
		return Eval(x.Y, row, exprText)
	}

	lhs, err := Eval(x.X, row, exprText)
	if err != nil {
		return nil, err
	}
	rhs, err := Eval(x.Y, row, exprText)
	if err != nil {
		return nil, err
	}

	switch x.Op {
	case "==":
		return valuesEqual(lhs, rhs), nil
	case "!=":
		return !valuesEqual(lhs, rhs), nil
	case "is":
		return valuesEqual(lhs, rhs), nil
	case "is not":
		return !valuesEqual(lhs, rhs), nil
	case "<", "<=", ">", ">=":
		lf, err := toNumber(lhs, exprText)
		if err != nil {
			return nil, err
		}
		rf, err := toNumber(rhs, exprText)
		if err != nil {
			return nil, err
		}
		switch x.Op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		default:
			return lf >= rf, nil
		}
	case "in", "not in":
		found, err := membership(lhs, rhs, exprText)
		if err != nil {
			return nil, err
		}
		if x.Op == "not in" {
			return !found, nil
		}
		return found, nil
	case "+":
		return arithAdd(lhs, rhs, exprText)
	case "-", "*", "/", "//", "%":
		lf, err := toNumber(lhs, exprText)
		if err != nil {
			return nil, err
		}
		rf, err := toNumber(rhs, exprText)
		if err != nil {
			return nil, err
		}
		switch x.Op {
		case "-":
			return lf - rf, nil
		case "*":
			return lf * rf, nil
		case "/":
			if rf == 0 {
				return nil, &EvaluationError{Expression: exprText, Msg: "division by zero"}
			}
			return lf / rf, nil
		case "//":
			if rf == 0 {
				return nil, &EvaluationError{Expression: exprText, Msg: "division by zero"}
			}
			return float64(int64(lf / rf)), nil
		default: // %
			if rf == 0 {
				return nil, &EvaluationError{Expression: exprText, Msg: "modulo by zero"}
			}
			return float64(int64(lf) % int64(rf)), nil
		}
	default:
		return nil, &EvaluationError{Expression: exprText, Msg: "unsupported operator " + x.Op}
	}
}

func indexInto(base, key interface{}, exprText string) (interface{}, error) {
	switch b := base.(type) {
	case map[string]interface{}:
		ks, ok := key.(string)
		if !ok {
			return nil, &EvaluationError{Expression: exprText, Msg: fmt.Sprintf("index key must be a string, got %T", key)}
		}
		v, ok := b[ks]
		if !ok {
			return nil, &EvaluationError{Expression: exprText, Msg: fmt.Sprintf("key %q not found in row", ks)}
		}
		return v, nil
	case []interface{}:
		idx, err := toNumber(key, exprText)
		if err != nil {
			return nil, err
		}
		i := int(idx)
		if i < 0 || i >= len(b) {
			return nil, &EvaluationError{Expression: exprText, Msg: "index out of range"}
		}
		return b[i], nil
	default:
		return nil, &EvaluationError{Expression: exprText, Msg: fmt.Sprintf("cannot index into %T", base)}
	}
}

func arithAdd(lhs, rhs interface{}, exprText string) (interface{}, error) {
	ls, lok := lhs.(string)
	rs, rok := rhs.(string)
	if lok && rok {
		return ls + rs, nil
	}
	lf, err := toNumber(lhs, exprText)
	if err != nil {
		return nil, err
	}
	rf, err := toNumber(rhs, exprText)
	if err != nil {
		return nil, err
	}
	return lf + rf, nil
}

func membership(needle, haystack interface{}, exprText string) (bool, error) {
	switch h := haystack.(type) {
	case []interface{}:
		for _, v := range h {
			if valuesEqual(needle, v) {
				return true, nil
			}
		}
		return false, nil
	case map[string]interface{}:
		ks, ok := needle.(string)
		if !ok {
			return false, &EvaluationError{Expression: exprText, Msg: "'in' key must be a string"}
		}
		_, found := h[ks]
		return found, nil
	case string:
		ns, ok := needle.(string)
		if !ok {
			return false, &EvaluationError{Expression: exprText, Msg: "'in' against a string requires a string operand"}
		}
		return indexOfSubstring(h, ns), nil
	default:
		return false, &EvaluationError{Expression: exprText, Msg: fmt.Sprintf("'in' is not supported against %T", haystack)}
	}
}

func indexOfSubstring(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && contains(haystack, needle))
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []interface{}:
		return len(x) > 0
	case map[string]interface{}:
		return len(x) > 0
	default:
		return true
	}
}

func toNumber(v interface{}, exprText string) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, &EvaluationError{Expression: exprText, Msg: fmt.Sprintf("cannot convert %q to a number", x)}
		}
		return f, nil
	default:
		return 0, &EvaluationError{Expression: exprText, Msg: fmt.Sprintf("expected a number, got %T", v)}
	}
}

func valuesEqual(a, b interface{}) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// ResultToLabel applies spec.md §4.4's result-conversion rule: boolean
// becomes "true"/"false", string is used as-is, anything else is
// stringified.
func ResultToLabel(v interface{}) string {
	switch x := v.(type) {
	case bool:
		if x {
			return "true"
		}
		return "false"
	case string:
		return x
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", x)
	}
}
