package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

func TestNormalizerAppliesFieldMappings(t *testing.T) {
	integ := testIntegration("https://siem.example")
	integ.FieldMappings = []model.FieldMapping{
		{SourceField: "src_ip", TargetField: "source_ip", Transform: "direct"},
		{SourceField: "usr", TargetField: "user", Transform: "lowercase"},
	}
	n, err := NewNormalizer(integ)
	require.NoError(t, err)

	ev, err := n.Event(map[string]any{
		"id":        "e1",
		"timestamp": "2026-01-01T00:00:00Z",
		"src_ip":    "10.0.0.5",
		"usr":       "ALICE",
	}, "critical")
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", ev.SourceIP)
	assert.Equal(t, "alice", ev.User)
	assert.Equal(t, model.SeverityCritical, ev.Severity)
	assert.Equal(t, model.EventNew, ev.Status)
	assert.Equal(t, "int-test", ev.SourceIntegrationID)

	// The pre-mapping draft survives verbatim for correlation.
	require.NotNil(t, ev.RawPayload)
	assert.Equal(t, "ALICE", ev.RawPayload["usr"])
}

func TestNormalizerDefaults(t *testing.T) {
	n, err := NewNormalizer(testIntegration("https://siem.example"))
	require.NoError(t, err)

	ev, err := n.Event(map[string]any{"title": "odd record"}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID, "missing id gets generated")
	assert.False(t, ev.Timestamp.IsZero(), "missing timestamp defaults to now")
	assert.Equal(t, model.SeverityMedium, ev.Severity, "empty vendor severity defaults")
}

func TestNormalizerOverridesSpoofedProvenance(t *testing.T) {
	n, err := NewNormalizer(testIntegration("https://siem.example"))
	require.NoError(t, err)

	ev, err := n.Event(map[string]any{
		"source_integration_id": "someone-else",
		"source_type":           "ticketing",
	}, "low")
	require.NoError(t, err)
	assert.Equal(t, "int-test", ev.SourceIntegrationID)
	assert.Equal(t, model.ToolSIEM, ev.SourceType)
}
