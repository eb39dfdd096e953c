// Package fieldmap applies (source, target, transform, required, default)
// mapping rules over nested records. Adapters run it as step three of the
// normalization pipeline, after severity folding.
package fieldmap

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

// ErrRequiredFieldMissing is returned when a required mapping finds no
// source value and has no default.
var ErrRequiredFieldMissing = errors.New("required field missing")

// Transform names.
const (
	TransformDirect    = "direct"
	TransformUppercase = "uppercase"
	TransformLowercase = "lowercase"
	TransformDate      = "date"
	TransformCustom    = "custom"
)

// Trace summarizes one mapping pass for diagnostics.
type Trace struct {
	FieldsMapped  int      `json:"fields_mapped"`
	FieldsDropped int      `json:"fields_dropped"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Mapper applies a fixed list of mapping rules. Custom transforms are CEL
// expressions over a single `value` variable, compiled once at construction.
type Mapper struct {
	rules    []model.FieldMapping
	programs map[int]cel.Program
}

// New compiles the mapping rules. A rule with transform "custom" must carry
// a valid CEL expression.
func New(rules []model.FieldMapping) (*Mapper, error) {
	m := &Mapper{rules: rules, programs: make(map[int]cel.Program)}
	for i, r := range rules {
		if r.Transform != TransformCustom {
			continue
		}
		if r.Expression == "" {
			return nil, fmt.Errorf("mapping %q: custom transform requires an expression", r.SourceField)
		}
		env, err := cel.NewEnv(cel.Variable("value", cel.DynType))
		if err != nil {
			return nil, fmt.Errorf("cel env: %w", err)
		}
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("mapping %q: compile %q: %w", r.SourceField, r.Expression, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("mapping %q: program: %w", r.SourceField, err)
		}
		m.programs[i] = prg
	}
	return m, nil
}

// Apply runs every rule against src and writes results into a new record.
// Intermediate containers on the target path are created as needed.
func (m *Mapper) Apply(src map[string]any) (map[string]any, *Trace, error) {
	out := make(map[string]any)
	trace := &Trace{}

	for i, rule := range m.rules {
		value, found := Get(src, rule.SourceField)
		if !found || value == nil {
			if rule.DefaultValue != nil {
				Set(out, rule.TargetField, rule.DefaultValue)
				trace.FieldsMapped++
				continue
			}
			if rule.Required {
				return nil, trace, fmt.Errorf("%w: %s", ErrRequiredFieldMissing, rule.SourceField)
			}
			trace.FieldsDropped++
			continue
		}

		transformed, err := m.transform(i, rule, value)
		if err != nil {
			if rule.DefaultValue != nil {
				transformed = rule.DefaultValue
				trace.Warnings = append(trace.Warnings, fmt.Sprintf("%s: %v (default used)", rule.SourceField, err))
			} else if rule.Required {
				return nil, trace, fmt.Errorf("%w: %s: %v", ErrRequiredFieldMissing, rule.SourceField, err)
			} else {
				trace.FieldsDropped++
				trace.Warnings = append(trace.Warnings, fmt.Sprintf("%s: %v", rule.SourceField, err))
				continue
			}
		}

		Set(out, rule.TargetField, transformed)
		trace.FieldsMapped++
	}

	return out, trace, nil
}

func (m *Mapper) transform(idx int, rule model.FieldMapping, value any) (any, error) {
	switch rule.Transform {
	case "", TransformDirect:
		return value, nil
	case TransformUppercase:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("uppercase: value is %T, not string", value)
		}
		return strings.ToUpper(s), nil
	case TransformLowercase:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("lowercase: value is %T, not string", value)
		}
		return strings.ToLower(s), nil
	case TransformDate:
		return toISO8601(value)
	case TransformCustom:
		prg := m.programs[idx]
		res, _, err := prg.Eval(map[string]any{"value": value})
		if err != nil {
			return nil, fmt.Errorf("custom: %w", err)
		}
		return res.Value(), nil
	default:
		return nil, fmt.Errorf("unknown transform %q", rule.Transform)
	}
}

// dateLayouts are the vendor timestamp shapes we accept, tried in order.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	time.RFC1123,
	time.UnixDate,
}

func toISO8601(value any) (string, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Format(time.RFC3339), nil
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC().Format(time.RFC3339), nil
			}
		}
		return "", fmt.Errorf("date: unparseable %q", v)
	case float64:
		return time.Unix(int64(v), 0).UTC().Format(time.RFC3339), nil
	case int64:
		return time.Unix(v, 0).UTC().Format(time.RFC3339), nil
	case int:
		return time.Unix(int64(v), 0).UTC().Format(time.RFC3339), nil
	default:
		return "", fmt.Errorf("date: value is %T", value)
	}
}

// Get reads a dotted path from a nested record.
func Get(m map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes a dotted path into a nested record, creating intermediate maps.
// An existing non-map intermediate is overwritten.
func Set(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}
