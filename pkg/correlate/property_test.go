//go:build property
// +build property

package correlate

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

var severities = []model.Severity{
	model.SeverityCritical, model.SeverityHigh, model.SeverityMedium,
	model.SeverityLow, model.SeverityInfo,
}

// TestThreatScoreBounds verifies that synthesized threats always satisfy
// firstSeen <= lastSeen, eventCount >= 1 and bounded scores, whatever the
// event mix looks like.
func TestThreatScoreBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	properties.Property("scores stay bounded", prop.ForAll(
		func(ageMinutes []int, sevIdx int, critical, exploitable bool) bool {
			if len(ageMinutes) == 0 {
				return true
			}
			events := make([]*model.NormalizedEvent, 0, len(ageMinutes))
			for i, age := range ageMinutes {
				if age < 0 {
					age = -age
				}
				raw := map[string]any{}
				if critical {
					raw["assetCriticality"] = "critical"
				}
				if exploitable {
					raw["exploitAvailable"] = true
				}
				events = append(events, &model.NormalizedEvent{
					ID:         string(rune('a' + i%26)),
					Timestamp:  now.Add(-time.Duration(age) * time.Minute),
					SourceType: model.ToolSIEM,
					Severity:   model.SeverityMedium,
					RawPayload: raw,
				})
			}
			rule := &model.CorrelationRule{
				ID: "r", Name: "bounds",
				Severity: severities[sevIdx%len(severities)],
			}
			th := synthesize(rule, events, now)
			return th.EventCount >= 1 &&
				!th.FirstSeen.After(th.LastSeen) &&
				th.RiskScore >= 0 && th.RiskScore <= 100 &&
				th.Confidence >= 0 && th.Confidence <= 100
		},
		gen.SliceOf(gen.IntRange(-10000, 10000)),
		gen.IntRange(0, 10),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestDedupIdempotence verifies that deduplicating a doubled threat stream
// yields the same survivor set with eventCount doubled.
func TestDedupIdempotence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("doubling the stream doubles survivor counts", prop.ForAll(
		func(titles []string, counts []int) bool {
			n := len(titles)
			if len(counts) < n {
				n = len(counts)
			}
			if n == 0 {
				return true
			}
			mk := func() []emitted {
				out := make([]emitted, 0, n)
				for i := 0; i < n; i++ {
					c := counts[i]
					if c < 1 {
						c = 1
					}
					rule := &model.CorrelationRule{ID: "r", Name: titles[i], Severity: model.SeverityHigh}
					out = append(out, emitted{rule: rule, threat: &model.UnifiedThreat{
						Title:      titles[i],
						Severity:   model.SeverityHigh,
						EventCount: c,
					}})
				}
				return out
			}

			once, err := deduplicate(mk(), []string{"title", "severity"})
			if err != nil {
				return false
			}
			twice, err := deduplicate(append(mk(), mk()...), []string{"title", "severity"})
			if err != nil {
				return false
			}
			if len(once) != len(twice) {
				return false
			}
			byTitle := make(map[string]int, len(once))
			for _, em := range once {
				if em.threat.DedupKey == "" {
					return false
				}
				byTitle[em.threat.Title] = em.threat.EventCount
			}
			for _, em := range twice {
				if em.threat.EventCount != 2*byTitle[em.threat.Title] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.IntRange(1, 50)),
	))

	properties.TestingRun(t)
}
