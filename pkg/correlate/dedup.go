package correlate

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

// defaultDedupFields collapse re-detections of the same rule output when the
// engine config names no fields of its own.
var defaultDedupFields = []string{"title", "severity"}

// emitted pairs a synthesized threat with the rule that produced it, so
// action dispatch after dedup still knows which actions to run.
type emitted struct {
	rule   *model.CorrelationRule
	threat *model.UnifiedThreat
}

// deduplicate collapses threats sharing a dedup key. The first occurrence
// survives; duplicates merge into it by summing eventCount, appending
// sources, taking the max confidence and the later lastSeen. Every survivor
// carries its key, so the store can apply the same merge to re-detections
// from later invocations.
func deduplicate(threats []emitted, fields []string) ([]emitted, error) {
	if len(fields) == 0 {
		fields = defaultDedupFields
	}
	byKey := make(map[string]*model.UnifiedThreat, len(threats))
	out := make([]emitted, 0, len(threats))
	for _, em := range threats {
		key, err := dedupKey(em.threat, fields)
		if err != nil {
			return nil, err
		}
		em.threat.DedupKey = key
		kept, dup := byKey[key]
		if !dup {
			byKey[key] = em.threat
			out = append(out, em)
			continue
		}
		kept.EventCount += em.threat.EventCount
		kept.Sources = append(kept.Sources, em.threat.Sources...)
		if em.threat.Confidence > kept.Confidence {
			kept.Confidence = em.threat.Confidence
		}
		if em.threat.LastSeen.After(kept.LastSeen) {
			kept.LastSeen = em.threat.LastSeen
		}
	}
	return out, nil
}

// dedupKey canonicalizes the selected threat fields so key equality is
// insensitive to map ordering and number formatting.
func dedupKey(t *model.UnifiedThreat, fields []string) (string, error) {
	doc := make(map[string]any, len(fields))
	for _, f := range fields {
		doc[f] = threatField(t, f)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode dedup key: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize dedup key: %w", err)
	}
	return string(canonical), nil
}

func threatField(t *model.UnifiedThreat, name string) any {
	switch name {
	case "title":
		return t.Title
	case "severity":
		return string(t.Severity)
	case "correlationId", "correlation_id":
		return t.CorrelationID
	case "status":
		return string(t.Status)
	case "description":
		return t.Description
	case "affectedAssets", "affected_assets":
		return t.AffectedAssets
	case "affectedUsers", "affected_users":
		return t.AffectedUsers
	case "riskScore", "risk_score":
		return t.RiskScore
	}
	return ""
}
