package adapter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/fusion/pkg/fieldmap"
	"github.com/Mindburn-Labs/fusion/pkg/model"
	"github.com/Mindburn-Labs/fusion/pkg/severity"
)

// Normalizer runs the per-record normalization pipeline: vendor draft ->
// severity folding -> field mapping -> normalized record. One instance is
// built per adapter from the integration's mapping configuration.
type Normalizer struct {
	integrationID string
	toolType      model.ToolType
	severities    *severity.Mapper
	fields        *fieldmap.Mapper
}

// NewNormalizer compiles the integration's mappings.
func NewNormalizer(integ *model.Integration) (*Normalizer, error) {
	fm, err := fieldmap.New(integ.FieldMappings)
	if err != nil {
		return nil, fmt.Errorf("compile field mappings: %w", err)
	}
	return &Normalizer{
		integrationID: integ.ID,
		toolType:      integ.Type,
		severities:    severity.NewMapper(integ.SeverityMapping),
		fields:        fm,
	}, nil
}

// Severity folds a vendor severity label.
func (n *Normalizer) Severity(vendorLabel string) model.Severity {
	return n.severities.Map(vendorLabel)
}

// Event turns a vendor draft into a NormalizedEvent. The draft is the
// adapter's vendor-shape-to-internal translation; field mappings then
// reshape it, and the result is decoded into the canonical record.
func (n *Normalizer) Event(draft map[string]any, vendorSeverity string) (*model.NormalizedEvent, error) {
	mapped, _, err := n.fields.Apply(draft)
	if err != nil {
		return nil, err
	}
	// Unmapped draft fields stay visible to correlation via the raw payload.
	merged := make(map[string]any, len(draft)+len(mapped))
	for k, v := range draft {
		merged[k] = v
	}
	for k, v := range mapped {
		merged[k] = v
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal normalized draft: %w", err)
	}
	var ev model.NormalizedEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode normalized draft: %w", err)
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Status == "" {
		ev.Status = model.EventNew
	}
	ev.SourceType = n.toolType
	ev.SourceIntegrationID = n.integrationID
	ev.Severity = n.Severity(vendorSeverity)
	ev.RawPayload = draft
	return &ev, nil
}
