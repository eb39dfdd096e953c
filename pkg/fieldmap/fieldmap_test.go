package fieldmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

func TestApplyDirectAndNestedPaths(t *testing.T) {
	m, err := New([]model.FieldMapping{
		{SourceField: "alert.name", TargetField: "title"},
		{SourceField: "alert.meta.host", TargetField: "target.host"},
	})
	require.NoError(t, err)

	src := map[string]any{
		"alert": map[string]any{
			"name": "Brute force detected",
			"meta": map[string]any{"host": "web-01"},
		},
	}

	out, trace, err := m.Apply(src)
	require.NoError(t, err)
	assert.Equal(t, "Brute force detected", out["title"])
	assert.Equal(t, "web-01", out["target"].(map[string]any)["host"])
	assert.Equal(t, 2, trace.FieldsMapped)
}

func TestApplyTransforms(t *testing.T) {
	m, err := New([]model.FieldMapping{
		{SourceField: "proto", TargetField: "protocol", Transform: TransformUppercase},
		{SourceField: "user", TargetField: "user", Transform: TransformLowercase},
		{SourceField: "seen", TargetField: "timestamp", Transform: TransformDate},
	})
	require.NoError(t, err)

	out, _, err := m.Apply(map[string]any{
		"proto": "tcp",
		"user":  "Admin",
		"seen":  "2026-03-01 14:30:00",
	})
	require.NoError(t, err)
	assert.Equal(t, "TCP", out["protocol"])
	assert.Equal(t, "admin", out["user"])
	assert.Equal(t, "2026-03-01T14:30:00Z", out["timestamp"])
}

func TestApplyCustomCELTransform(t *testing.T) {
	m, err := New([]model.FieldMapping{
		{SourceField: "cvss", TargetField: "risk", Transform: TransformCustom, Expression: "value * 10.0"},
		{SourceField: "host", TargetField: "fqdn", Transform: TransformCustom, Expression: `value + ".corp.internal"`},
	})
	require.NoError(t, err)

	out, _, err := m.Apply(map[string]any{"cvss": 7.5, "host": "db-3"})
	require.NoError(t, err)
	assert.InDelta(t, 75.0, out["risk"], 0.001)
	assert.Equal(t, "db-3.corp.internal", out["fqdn"])
}

func TestApplyCustomTransformCompileError(t *testing.T) {
	_, err := New([]model.FieldMapping{
		{SourceField: "x", TargetField: "y", Transform: TransformCustom, Expression: "value +"},
	})
	assert.Error(t, err)
}

func TestApplyRequiredAndDefaults(t *testing.T) {
	m, err := New([]model.FieldMapping{
		{SourceField: "missing", TargetField: "a", DefaultValue: "fallback"},
		{SourceField: "also_missing", TargetField: "b"},
	})
	require.NoError(t, err)

	out, trace, err := m.Apply(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out["a"])
	_, exists := out["b"]
	assert.False(t, exists)
	assert.Equal(t, 1, trace.FieldsDropped)

	strict, err := New([]model.FieldMapping{
		{SourceField: "missing", TargetField: "a", Required: true},
	})
	require.NoError(t, err)
	_, _, err = strict.Apply(map[string]any{})
	assert.ErrorIs(t, err, ErrRequiredFieldMissing)
}

func TestGetSet(t *testing.T) {
	m := map[string]any{}
	Set(m, "a.b.c", 42)
	v, ok := Get(m, "a.b.c")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = Get(m, "a.b.c.d")
	assert.False(t, ok)
	_, ok = Get(m, "nope")
	assert.False(t, ok)
}
