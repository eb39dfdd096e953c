package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

func openTestStore(t *testing.T) *SQL {
	t.Helper()
	s, err := OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleIntegration(id string) *model.Integration {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.Integration{
		ID:       id,
		Name:     "prod splunk",
		Type:     model.ToolSIEM,
		Platform: "splunk",
		ConnectionConfig: model.ConnectionConfig{
			Endpoint:    "https://splunk.example",
			AuthType:    model.AuthToken,
			Credentials: map[string]string{"token": "enc:abcd"},
		},
		SyncPolicy: model.SyncPolicy{Enabled: true, Direction: model.DirectionInbound, IntervalMinutes: 15},
		Status:     model.IntegrationConfiguring,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
}

func TestIntegrationCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	integ := sampleIntegration("int-1")
	require.NoError(t, s.CreateIntegration(ctx, integ))

	got, err := s.GetIntegration(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, integ.Name, got.Name)
	assert.Equal(t, integ.Type, got.Type)
	assert.Equal(t, integ.ConnectionConfig.Endpoint, got.ConnectionConfig.Endpoint)
	assert.Equal(t, "enc:abcd", got.ConnectionConfig.Credentials["token"])
	assert.Equal(t, 15, got.SyncPolicy.IntervalMinutes)
	assert.Equal(t, integ.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())

	got.Name = "renamed"
	require.NoError(t, s.UpdateIntegration(ctx, got))
	got2, err := s.GetIntegration(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got2.Name)
	assert.Equal(t, 2, got2.Version, "update bumps the version")

	require.NoError(t, s.SetIntegrationStatus(ctx, "int-1", model.IntegrationConnected))
	got3, err := s.GetIntegration(ctx, "int-1")
	require.NoError(t, err)
	assert.Equal(t, model.IntegrationConnected, got3.Status)

	syncAt := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.SetLastSync(ctx, "int-1", syncAt))
	got4, err := s.GetIntegration(ctx, "int-1")
	require.NoError(t, err)
	require.NotNil(t, got4.LastSync)
	assert.Equal(t, syncAt.UnixMilli(), got4.LastSync.UnixMilli())

	require.NoError(t, s.DeleteIntegration(ctx, "int-1"))
	_, err = s.GetIntegration(ctx, "int-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteIntegration(ctx, "int-1"), ErrNotFound)
}

func TestListIntegrationsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := sampleIntegration("int-old")
	old.CreatedAt = time.Now().Add(-time.Hour)
	recent := sampleIntegration("int-new")
	require.NoError(t, s.CreateIntegration(ctx, old))
	require.NoError(t, s.CreateIntegration(ctx, recent))

	list, err := s.ListIntegrations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "int-new", list[0].ID)
}

func TestEventWindowQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	events := []*model.NormalizedEvent{
		{ID: "before", Timestamp: base.Add(-time.Minute), SourceType: model.ToolSIEM, SourceIntegrationID: "i", Severity: model.SeverityLow, Status: model.EventNew},
		{ID: "late", Timestamp: base.Add(10 * time.Minute), SourceType: model.ToolSIEM, SourceIntegrationID: "i", Severity: model.SeverityHigh, Status: model.EventNew,
			RawPayload: map[string]any{"attempts": float64(7)}},
		{ID: "early", Timestamp: base, SourceType: model.ToolSIEM, SourceIntegrationID: "i", Severity: model.SeverityCritical, Status: model.EventNew},
		{ID: "after", Timestamp: base.Add(time.Hour), SourceType: model.ToolSIEM, SourceIntegrationID: "i", Severity: model.SeverityLow, Status: model.EventNew},
	}
	require.NoError(t, s.InsertEvents(ctx, events))
	// Re-inserting the same ids is a no-op, not an error.
	require.NoError(t, s.InsertEvents(ctx, events[:1]))

	got, err := s.EventsBetween(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2, "window is [start, end)")
	assert.Equal(t, "early", got[0].ID)
	assert.Equal(t, "late", got[1].ID)
	assert.Equal(t, float64(7), got[1].RawPayload["attempts"])

	counts, err := s.CountEventsBySeverity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.SeverityLow])
	assert.Equal(t, 1, counts[model.SeverityCritical])
}

func TestThreatQueries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	mk := func(id string, risk int, created time.Time) *model.UnifiedThreat {
		return &model.UnifiedThreat{
			ID:            id,
			CorrelationID: "rule-1-" + id,
			Title:         "Brute force cluster",
			Severity:      model.SeverityHigh,
			Confidence:    80,
			Sources: []model.ThreatSource{
				{ToolType: model.ToolSIEM, IntegrationID: "int-1", SourceID: "e1", Timestamp: now},
			},
			FirstSeen:  now.Add(-time.Hour),
			LastSeen:   now,
			EventCount: 1,
			Status:     model.ThreatActive,
			RiskScore:  risk,
			CreatedAt:  created,
		}
	}
	require.NoError(t, s.InsertThreat(ctx, mk("t-low", 30, now.Add(-2*time.Minute))))
	require.NoError(t, s.InsertThreat(ctx, mk("t-high", 95, now.Add(-time.Minute))))
	require.NoError(t, s.InsertThreat(ctx, mk("t-mid", 60, now)))

	top, err := s.TopThreats(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "t-high", top[0].ID)
	assert.Equal(t, "t-mid", top[1].ID)
	require.Len(t, top[0].Sources, 1)
	assert.Equal(t, "e1", top[0].Sources[0].SourceID)

	list, err := s.ListThreats(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, "t-mid", list[0].ID, "list is newest first")

	require.NoError(t, s.SetThreatStatus(ctx, "t-high", model.ThreatContained))
	got, err := s.GetThreat(ctx, "t-high")
	require.NoError(t, err)
	assert.Equal(t, model.ThreatContained, got.Status)

	byStatus, err := s.CountThreatsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, byStatus[model.ThreatActive])
	assert.Equal(t, 1, byStatus[model.ThreatContained])

	hist, err := s.ThreatsPerDay(ctx, 30)
	require.NoError(t, err)
	require.NotEmpty(t, hist)
	total := 0
	for _, h := range hist {
		total += h.Count
	}
	assert.Equal(t, 3, total)
}

func TestUpsertThreatByDedupKeyMerges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	mk := func(id string, confidence int, lastSeen time.Time) *model.UnifiedThreat {
		return &model.UnifiedThreat{
			ID:            id,
			CorrelationID: "rule-1-" + id,
			Title:         "Brute force cluster",
			Severity:      model.SeverityHigh,
			Confidence:    confidence,
			Sources: []model.ThreatSource{
				{ToolType: model.ToolSIEM, IntegrationID: "int-1", SourceID: "e-" + id, Timestamp: lastSeen},
				{ToolType: model.ToolSIEM, IntegrationID: "int-1", SourceID: "f-" + id, Timestamp: lastSeen},
			},
			FirstSeen:  now.Add(-time.Hour),
			LastSeen:   lastSeen,
			EventCount: 2,
			Status:     model.ThreatActive,
			RiskScore:  80,
			CreatedAt:  now,
			DedupKey:   `{"severity":"high","title":"Brute force cluster"}`,
		}
	}

	require.NoError(t, s.UpsertThreatByDedupKey(ctx, mk("t-1", 70, now.Add(-time.Minute))))
	require.NoError(t, s.UpsertThreatByDedupKey(ctx, mk("t-2", 85, now)))

	list, err := s.ListThreats(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1, "re-detection merges instead of inserting")

	merged := list[0]
	assert.Equal(t, "t-1", merged.ID, "first row survives")
	assert.Equal(t, 4, merged.EventCount)
	assert.Len(t, merged.Sources, 4)
	assert.Equal(t, 85, merged.Confidence)
	assert.Equal(t, now, merged.LastSeen)

	// A distinct key opens a new row.
	other := mk("t-3", 60, now)
	other.DedupKey = `{"severity":"high","title":"Something else"}`
	require.NoError(t, s.UpsertThreatByDedupKey(ctx, other))

	// No key at all always inserts.
	blank := mk("t-4", 60, now)
	blank.DedupKey = ""
	require.NoError(t, s.UpsertThreatByDedupKey(ctx, blank))
	require.NoError(t, s.UpsertThreatByDedupKey(ctx, func() *model.UnifiedThreat {
		th := mk("t-5", 60, now)
		th.DedupKey = ""
		return th
	}()))

	list, err = s.ListThreats(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 4)
}

func TestVulnerabilityUpsertAndRanking(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	v1 := &model.Vulnerability{
		ID: "v-1", ScannerVulnID: "plugin-1", Title: "RCE", Severity: model.SeverityCritical,
		CVSSScore: 9.8, ExploitAvailable: true, FirstSeen: now.Add(-48 * time.Hour),
		LastSeen: now.Add(-24 * time.Hour), RiskScore: 100, Status: model.VulnOpen,
		IntegrationID: "int-1", AffectedAssets: []string{"web-01"},
	}
	v2 := &model.Vulnerability{
		ID: "v-2", ScannerVulnID: "plugin-2", Title: "Info leak", Severity: model.SeverityLow,
		CVSSScore: 3.1, FirstSeen: now, LastSeen: now, RiskScore: 25.5,
		Status: model.VulnOpen, IntegrationID: "int-1",
	}
	require.NoError(t, s.UpsertVulnerabilities(ctx, []*model.Vulnerability{v1, v2}))

	// A later sync pass refreshes the same scanner finding in place.
	v1b := *v1
	v1b.ID = "v-1-resync"
	v1b.LastSeen = now
	v1b.Status = model.VulnFixed
	require.NoError(t, s.UpsertVulnerabilities(ctx, []*model.Vulnerability{&v1b}))

	top, err := s.TopVulnerabilities(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 2, "resync updates, it does not duplicate")
	assert.Equal(t, "plugin-1", top[0].ScannerVulnID)
	assert.Equal(t, "v-1", top[0].ID, "original row id survives the upsert")
	assert.Equal(t, model.VulnFixed, top[0].Status)
	assert.Equal(t, []string{"web-01"}, top[0].AffectedAssets)

	byStatus, err := s.CountVulnerabilitiesByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, byStatus[model.VulnOpen])
	assert.Equal(t, 1, byStatus[model.VulnFixed])
}

func TestCriticalActiveFindings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	findings := []*model.CloudFinding{
		{ID: "f-1", FindingID: "aws-1", Platform: "aws", ComplianceStatus: model.NonCompliant,
			Severity: model.SeverityCritical, Status: "active", IntegrationID: "int-1", CreatedAt: now},
		{ID: "f-2", FindingID: "aws-2", Platform: "aws", ComplianceStatus: model.NonCompliant,
			Severity: model.SeverityCritical, Status: "resolved", IntegrationID: "int-1", CreatedAt: now},
		{ID: "f-3", FindingID: "aws-3", Platform: "aws", ComplianceStatus: model.Compliant,
			Severity: model.SeverityCritical, Status: "active", IntegrationID: "int-1", CreatedAt: now},
		{ID: "f-4", FindingID: "aws-4", Platform: "aws", ComplianceStatus: model.NonCompliant,
			Severity: model.SeverityHigh, Status: "active", IntegrationID: "int-1", CreatedAt: now},
	}
	require.NoError(t, s.UpsertFindings(ctx, findings))

	got, err := s.CriticalActiveFindings(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "aws-1", got[0].FindingID)
}

func TestTicketMappingLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	ticket := &model.Ticket{
		ID: "t-1", ExternalID: "SEC-1", Platform: "jira", Title: "Contain host",
		Priority: "Highest", Severity: model.SeverityCritical, Reporter: "fusion",
		Status: "Open", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.UpsertTickets(ctx, []*model.Ticket{ticket}))

	// Vendor-side resolution flows back through the upsert.
	resolved := now.Add(30 * time.Minute)
	ttr := 30
	ticket.Status = "Done"
	ticket.ResolvedAt = &resolved
	ticket.TimeToResolutionMinutes = &ttr
	require.NoError(t, s.UpsertTickets(ctx, []*model.Ticket{ticket}))

	require.NoError(t, s.CreateTicketMapping(ctx, &model.TicketMapping{
		TicketID: "t-1", ExternalID: "SEC-1", IntegrationID: "int-jira",
		ThreatID: "threat-9", CreatedAt: now,
	}))

	m, err := s.GetTicketMapping(ctx, "SEC-1", "int-jira")
	require.NoError(t, err)
	assert.Equal(t, "threat-9", m.ThreatID)

	require.NoError(t, s.DeleteTicketMappingsForIntegration(ctx, "int-jira"))
	_, err = s.GetTicketMapping(ctx, "SEC-1", "int-jira")
	assert.ErrorIs(t, err, ErrNotFound)
}
