// Package posture computes the dashboard view of the security estate:
// top-N threats and vulnerabilities, critical findings, 30-day trends,
// per-integration health and per-tool-type coverage, rolled into one
// bounded overall risk score.
package posture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/fusion/pkg/model"
	"github.com/Mindburn-Labs/fusion/pkg/sidestore"
	"github.com/Mindburn-Labs/fusion/pkg/store"
	"github.com/Mindburn-Labs/fusion/pkg/syncer"
)

const (
	defaultTopN  = 10
	trendDays    = 30
	minuteMillis = 60_000
)

// toolTypes is the fixed coverage axis.
var toolTypes = []model.ToolType{
	model.ToolSIEM, model.ToolScanner, model.ToolCloud, model.ToolTicketing,
}

// IntegrationHealth is one integration's operational snapshot.
type IntegrationHealth struct {
	IntegrationID  string                  `json:"integration_id"`
	Name           string                  `json:"name"`
	Type           model.ToolType          `json:"type"`
	Status         model.IntegrationStatus `json:"status"`
	LastSync       *time.Time              `json:"last_sync,omitempty"`
	SyncErrors     int                     `json:"sync_errors"`
	DataLagMinutes int                     `json:"data_lag_minutes"`
	Availability   float64                 `json:"availability"`
}

// Dashboard is the aggregate returned to callers.
type Dashboard struct {
	GeneratedAt        time.Time                  `json:"generated_at"`
	OverallRiskScore   int                        `json:"overall_risk_score"`
	TopThreats         []*model.UnifiedThreat     `json:"top_threats"`
	TopVulnerabilities []*model.Vulnerability     `json:"top_vulnerabilities"`
	CriticalFindings   []*model.CloudFinding      `json:"critical_findings"`
	ThreatTrend        []store.DayStat            `json:"threat_trend"`
	VulnerabilityTrend []store.DayStat            `json:"vulnerability_trend"`
	IntegrationHealth  []IntegrationHealth        `json:"integration_health"`
	Coverage           map[model.ToolType]int     `json:"coverage"`
	ThreatsByStatus    map[model.ThreatStatus]int `json:"threats_by_status"`
}

// Aggregator assembles dashboards from the store and the side-store sync
// rollups.
type Aggregator struct {
	store  store.Store
	kv     sidestore.KV
	topN   int
	logger *slog.Logger
	now    func() time.Time
}

// New creates an aggregator. topN <= 0 defaults to 10.
func New(st store.Store, kv sidestore.KV, topN int) *Aggregator {
	if topN <= 0 {
		topN = defaultTopN
	}
	return &Aggregator{
		store:  st,
		kv:     kv,
		topN:   topN,
		logger: slog.Default().With("component", "posture"),
		now:    time.Now,
	}
}

// Snapshot builds the dashboard. Store failures abort; a degraded side
// store only costs the per-integration sync counters.
func (a *Aggregator) Snapshot(ctx context.Context) (*Dashboard, error) {
	now := a.now().UTC()

	threats, err := a.store.TopThreats(ctx, a.topN)
	if err != nil {
		return nil, fmt.Errorf("top threats: %w", err)
	}
	vulns, err := a.store.TopVulnerabilities(ctx, a.topN)
	if err != nil {
		return nil, fmt.Errorf("top vulnerabilities: %w", err)
	}
	findings, err := a.store.CriticalActiveFindings(ctx)
	if err != nil {
		return nil, fmt.Errorf("critical findings: %w", err)
	}
	threatTrend, err := a.store.ThreatHistogram(ctx, trendDays)
	if err != nil {
		return nil, fmt.Errorf("threat trend: %w", err)
	}
	vulnTrend, err := a.store.VulnerabilityHistogram(ctx, trendDays)
	if err != nil {
		return nil, fmt.Errorf("vulnerability trend: %w", err)
	}
	byStatus, err := a.store.CountThreatsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("threats by status: %w", err)
	}
	vulnsByStatus, err := a.store.CountVulnerabilitiesByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("vulnerabilities by status: %w", err)
	}
	integrations, err := a.store.ListIntegrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}

	health := make([]IntegrationHealth, 0, len(integrations))
	for _, integ := range integrations {
		health = append(health, a.health(ctx, integ, now))
	}
	coverage := coverageFor(integrations)

	return &Dashboard{
		GeneratedAt:        now,
		OverallRiskScore:   overallRisk(byStatus, vulnsByStatus, len(findings), coverage),
		TopThreats:         threats,
		TopVulnerabilities: vulns,
		CriticalFindings:   findings,
		ThreatTrend:        threatTrend,
		VulnerabilityTrend: vulnTrend,
		IntegrationHealth:  health,
		Coverage:           coverage,
		ThreatsByStatus:    byStatus,
	}, nil
}

func (a *Aggregator) health(ctx context.Context, integ *model.Integration, now time.Time) IntegrationHealth {
	h := IntegrationHealth{
		IntegrationID: integ.ID,
		Name:          integ.Name,
		Type:          integ.Type,
		Status:        integ.Status,
		LastSync:      integ.LastSync,
		Availability:  100,
	}
	if integ.LastSync != nil {
		h.DataLagMinutes = int((now.UnixMilli() - integ.LastSync.UnixMilli()) / minuteMillis)
	}

	if a.kv == nil {
		return h
	}
	raw, ok, err := a.kv.Get(ctx, sidestore.IntegrationMetricsKey(integ.ID))
	if err != nil {
		a.logger.WarnContext(ctx, "health counters unavailable",
			"integration_id", integ.ID, "error", err)
		return h
	}
	if !ok {
		return h
	}
	var counters syncer.HealthCounters
	if err := json.Unmarshal(raw, &counters); err != nil {
		a.logger.WarnContext(ctx, "health counters malformed",
			"integration_id", integ.ID, "error", err)
		return h
	}
	h.SyncErrors = counters.Errors
	if counters.Syncs > 0 {
		h.Availability = 100 * float64(counters.Syncs-counters.Errors) / float64(counters.Syncs)
	}
	return h
}

// coverageFor marks a tool type covered (100) when at least one integration
// of that type is connected, else 0.
func coverageFor(integrations []*model.Integration) map[model.ToolType]int {
	out := make(map[model.ToolType]int, len(toolTypes))
	for _, tt := range toolTypes {
		out[tt] = 0
	}
	for _, integ := range integrations {
		if integ.Status == model.IntegrationConnected {
			out[integ.Type] = 100
		}
	}
	return out
}

// overallRisk folds the dashboard signals into one additive score capped at
// 100: active threats up to 40, open vulnerabilities up to 25, critical
// findings up to 20, plus 5 per uncovered tool type.
func overallRisk(threats map[model.ThreatStatus]int, vulns map[model.VulnerabilityStatus]int, criticalFindings int, coverage map[model.ToolType]int) int {
	score := capAt(threats[model.ThreatActive]*8, 40)
	score += capAt(vulns[model.VulnOpen]*3, 25)
	score += capAt(criticalFindings*5, 20)
	for _, tt := range toolTypes {
		if coverage[tt] == 0 {
			score += 5
		}
	}
	if score > 100 {
		return 100
	}
	return score
}

func capAt(v, limit int) int {
	if v > limit {
		return limit
	}
	return v
}
