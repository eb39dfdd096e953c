// Package severity folds vendor severity labels into the canonical scale
// and maps canonical levels back to vendor vocabularies for outbound sync.
package severity

import (
	"golang.org/x/text/cases"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

// DefaultMapping is the canonical fallback vocabulary. Integration-specific
// mappings are merged over it.
var DefaultMapping = map[model.Severity][]string{
	model.SeverityCritical: {"critical", "p1", "sev1", "10", "9", "highest", "fatal", "emergency"},
	model.SeverityHigh:     {"high", "p2", "sev2", "8", "7", "important", "major", "error"},
	model.SeverityMedium:   {"medium", "p3", "sev3", "6", "5", "4", "moderate", "warning"},
	model.SeverityLow:      {"low", "p4", "sev4", "3", "2", "minor", "notice"},
	model.SeverityInfo:     {"info", "p5", "sev5", "1", "0", "informational", "debug", "none"},
}

var fold = cases.Fold()

// Mapper resolves vendor severity labels against a per-integration
// vocabulary layered over the defaults.
type Mapper struct {
	mapping map[model.Severity][]string
}

// NewMapper builds a mapper. Levels absent from override fall back to the
// default vocabulary.
func NewMapper(override map[model.Severity][]string) *Mapper {
	mapping := make(map[model.Severity][]string, len(model.SeverityLevels))
	for _, level := range model.SeverityLevels {
		if labels, ok := override[level]; ok && len(labels) > 0 {
			mapping[level] = labels
			continue
		}
		mapping[level] = DefaultMapping[level]
	}
	return &Mapper{mapping: mapping}
}

// Map folds a vendor label into the canonical scale. Levels are checked in
// descending order and the first case-insensitive match wins; unknown labels
// resolve to medium.
func (m *Mapper) Map(vendorLabel string) model.Severity {
	needle := fold.String(vendorLabel)
	for _, level := range model.SeverityLevels {
		for _, label := range m.mapping[level] {
			if fold.String(label) == needle {
				return level
			}
		}
	}
	return model.SeverityMedium
}

// Reverse returns the vendor's preferred label for a canonical level: the
// first entry of the level's vocabulary. Used on the outbound sync path.
func (m *Mapper) Reverse(level model.Severity) string {
	if labels := m.mapping[level]; len(labels) > 0 {
		return labels[0]
	}
	return string(model.SeverityMedium)
}
