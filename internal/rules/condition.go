package rules

import (
	"strings"
)

// Evaluate resolves cond.Field via dot-notation against payload and
// compares it to cond.Value per cond.Operator. A nil condition always
// matches. A missing field, or an operator/type mismatch, evaluates to
// false — it never panics.
func Evaluate(cond *Condition, payload map[string]any) bool {
	if cond == nil {
		return true
	}
	fieldVal, ok := resolveDotPath(payload, cond.Field)
	if !ok {
		return false
	}

	switch cond.Operator {
	case OpEq:
		return equalValues(fieldVal, cond.Value)
	case OpNeq:
		return !equalValues(fieldVal, cond.Value)
	case OpGt, OpGte, OpLt, OpLte:
		fv, ok1 := asFloat64(fieldVal)
		cv, ok2 := asFloat64(cond.Value)
		if !ok1 || !ok2 {
			return false
		}
		switch cond.Operator {
		case OpGt:
			return fv > cv
		case OpGte:
			return fv >= cv
		case OpLt:
			return fv < cv
		default:
			return fv <= cv
		}
	case OpContains:
		fs, ok1 := fieldVal.(string)
		cs, ok2 := cond.Value.(string)
		if !ok1 || !ok2 {
			return false
		}
		return strings.Contains(fs, cs)
	default:
		return false
	}
}

func resolveDotPath(payload map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var cur any = payload
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// asFloat64 coerces an integer or float value (however it arrived —
// JSON decode always yields float64, YAML decode may yield int) to
// float64, for numeric comparisons across representations.
func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func equalValues(a, b any) bool {
	if af, aok := asFloat64(a); aok {
		if bf, bok := asFloat64(b); bok {
			return af == bf
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}
