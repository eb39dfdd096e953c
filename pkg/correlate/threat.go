package correlate

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

var (
	assetFields = []string{"assetId", "asset_id", "hostname", "ipAddress", "ip_address", "resourceId", "resource_id"}
	userFields  = []string{"user", "username", "userId", "user_id"}
)

// synthesize builds a UnifiedThreat from the events surviving a rule. now is
// the tick timestamp: it anchors the recency window, the correlation id and
// CreatedAt, so one tick produces one correlation id per rule.
func synthesize(rule *model.CorrelationRule, events []*model.NormalizedEvent, now time.Time) *model.UnifiedThreat {
	total := len(events)
	firstSeen, lastSeen := events[0].Timestamp, events[0].Timestamp
	recent := 0
	recentCutoff := now.Add(-time.Hour)
	sourceTypes := make(map[model.ToolType]struct{})
	criticalAssets, exploitable := 0, 0
	assets := make(map[string]struct{})
	users := make(map[string]struct{})

	sources := make([]model.ThreatSource, 0, total)
	evidence := make([]string, 0, total)

	for _, e := range events {
		if e.Timestamp.Before(firstSeen) {
			firstSeen = e.Timestamp
		}
		if e.Timestamp.After(lastSeen) {
			lastSeen = e.Timestamp
		}
		if !e.Timestamp.Before(recentCutoff) {
			recent++
		}
		sourceTypes[e.SourceType] = struct{}{}

		if v, ok := firstField(e, "assetCriticality", "asset_criticality"); ok && isString(v, "critical") {
			criticalAssets++
		}
		if v, ok := firstField(e, "exploitAvailable", "exploit_available"); ok && isTruthy(v) {
			exploitable++
		}
		collect(e, assetFields, assets)
		collect(e, userFields, users)

		sources = append(sources, model.ThreatSource{
			ToolType:      e.SourceType,
			IntegrationID: e.SourceIntegrationID,
			SourceID:      e.ID,
			Timestamp:     e.Timestamp,
			RawData:       e.RawPayload,
		})
		if e.Title != "" {
			evidence = append(evidence, e.Title)
		} else {
			evidence = append(evidence, e.ID)
		}
	}

	recency := int(math.Round(float64(recent) / float64(total) * 20))
	confidence := 50 + capInt(total*5, 30) + len(sourceTypes)*10 + recency
	if confidence > 100 {
		confidence = 100
	}

	risk := rule.Severity.Score() + capInt(total*2, 30) + 5*criticalAssets + 10*exploitable
	if risk > 100 {
		risk = 100
	}

	var factors []model.RiskFactor
	if criticalAssets > 0 {
		factors = append(factors, model.RiskFactor{
			Factor: "Critical Assets Affected", Weight: 30,
			Description: fmt.Sprintf("%d events touch critical assets", criticalAssets)})
	}
	if exploitable > 0 {
		factors = append(factors, model.RiskFactor{
			Factor: "Exploits Available", Weight: 25,
			Description: fmt.Sprintf("%d events reference exploitable weaknesses", exploitable)})
	}
	if lastSeen.Sub(firstSeen) > 24*time.Hour {
		factors = append(factors, model.RiskFactor{
			Factor: "Persistent Threat", Weight: 20,
			Description: "activity spans more than 24 hours"})
	}
	if len(assets) > 5 {
		factors = append(factors, model.RiskFactor{
			Factor: "Lateral Movement", Weight: 25,
			Description: fmt.Sprintf("%d distinct assets involved", len(assets))})
	}

	return &model.UnifiedThreat{
		ID:            uuid.NewString(),
		CorrelationID: rule.ID + "-" + strconv.FormatInt(now.UnixMilli(), 10),
		Title:         rule.Name,
		Description: fmt.Sprintf("Correlated %d events across %d source types",
			total, len(sourceTypes)),
		Severity:       rule.Severity,
		Confidence:     confidence,
		Sources:        sources,
		FirstSeen:      firstSeen,
		LastSeen:       lastSeen,
		EventCount:     total,
		AffectedAssets: sortedKeys(assets),
		AffectedUsers:  sortedKeys(users),
		Status:         model.ThreatActive,
		Evidence:       evidence,
		RiskScore:      risk,
		RiskFactors:    factors,
		CreatedAt:      now,
	}
}

func firstField(e *model.NormalizedEvent, names ...string) (any, bool) {
	for _, name := range names {
		if v, ok := e.Field(name); ok {
			return v, true
		}
	}
	return nil, false
}

func collect(e *model.NormalizedEvent, fields []string, into map[string]struct{}) {
	for _, f := range fields {
		v, ok := e.Field(f)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			into[s] = struct{}{}
		}
	}
}

func isString(v any, want string) bool {
	s, ok := v.(string)
	return ok && s == want
}

func isTruthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true"
	}
	return false
}

func capInt(v, max int) int {
	if v > max {
		return max
	}
	return v
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
