package correlate

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

// eventMatches reports whether an event satisfies every condition (AND).
func eventMatches(e *model.NormalizedEvent, conds []model.Condition) bool {
	for _, c := range conds {
		v, _ := e.Field(c.Field)
		if !evalCondition(v, c) {
			return false
		}
	}
	return true
}

// evalCondition applies one operator to a field value. Unknown operators
// never match.
func evalCondition(v any, c model.Condition) bool {
	switch c.Operator {
	case model.OpEq:
		return valuesEqual(v, c.Value, c.CaseInsensitive)
	case model.OpNe:
		return !valuesEqual(v, c.Value, c.CaseInsensitive)
	case model.OpGt, model.OpGte, model.OpLt, model.OpLte:
		a, aok := toFloat(v)
		b, bok := toFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Operator {
		case model.OpGt:
			return a > b
		case model.OpGte:
			return a >= b
		case model.OpLt:
			return a < b
		default:
			return a <= b
		}
	case model.OpIn:
		for _, item := range toSlice(c.Value) {
			if valuesEqual(v, item, c.CaseInsensitive) {
				return true
			}
		}
		return false
	case model.OpContains:
		switch fv := v.(type) {
		case string:
			needle, ok := c.Value.(string)
			if !ok {
				return false
			}
			if c.CaseInsensitive {
				return strings.Contains(strings.ToLower(fv), strings.ToLower(needle))
			}
			return strings.Contains(fv, needle)
		case []string:
			for _, item := range fv {
				if valuesEqual(item, c.Value, c.CaseInsensitive) {
					return true
				}
			}
			return false
		default:
			for _, item := range toSlice(v) {
				if valuesEqual(item, c.Value, c.CaseInsensitive) {
					return true
				}
			}
			return false
		}
	}
	return false
}

// valuesEqual compares across the type mix YAML rules and raw payloads
// produce: strings (optionally case-folded) and numbers of any width.
func valuesEqual(a, b any, caseInsensitive bool) bool {
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		if caseInsensitive {
			return strings.EqualFold(as, bs)
		}
		return as == bs
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return reflect.DeepEqual(a, b)
}

// toFloat coerces numeric types and numeric strings.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out
	}
	return nil
}
