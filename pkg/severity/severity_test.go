package severity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

func TestMapVendorLabels(t *testing.T) {
	m := NewMapper(nil)

	tests := []struct {
		label string
		want  model.Severity
	}{
		{"Highest", model.SeverityCritical},
		{"critical", model.SeverityCritical},
		{"P1", model.SeverityCritical},
		{"10", model.SeverityCritical},
		{"major", model.SeverityHigh},
		{"WARNING", model.SeverityMedium},
		{"notice", model.SeverityLow},
		{"informational", model.SeverityInfo},
		{"0", model.SeverityInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Map(tt.label), tt.label)
	}
}

func TestMapUnknownLabelDefaultsToMedium(t *testing.T) {
	m := NewMapper(nil)
	assert.Equal(t, model.SeverityMedium, m.Map("weird-vendor-value"))
	assert.Equal(t, model.SeverityMedium, m.Map(""))
}

func TestMapOverrideWins(t *testing.T) {
	m := NewMapper(map[model.Severity][]string{
		model.SeverityCritical: {"red"},
		model.SeverityLow:      {"green"},
	})

	assert.Equal(t, model.SeverityCritical, m.Map("RED"))
	assert.Equal(t, model.SeverityLow, m.Map("green"))
	// Overridden level no longer matches the default vocabulary.
	assert.Equal(t, model.SeverityMedium, m.Map("highest"))
	// Non-overridden levels keep the defaults.
	assert.Equal(t, model.SeverityHigh, m.Map("major"))
}

func TestMapOrderPrefersMoreSevere(t *testing.T) {
	// A label listed under two levels resolves to the more severe one.
	m := NewMapper(map[model.Severity][]string{
		model.SeverityHigh:   {"elevated"},
		model.SeverityMedium: {"elevated"},
	})
	assert.Equal(t, model.SeverityHigh, m.Map("elevated"))
}

func TestReverse(t *testing.T) {
	m := NewMapper(map[model.Severity][]string{
		model.SeverityCritical: {"Sev-1", "critical"},
	})
	assert.Equal(t, "Sev-1", m.Reverse(model.SeverityCritical))
	assert.Equal(t, "high", m.Reverse(model.SeverityHigh))
}
