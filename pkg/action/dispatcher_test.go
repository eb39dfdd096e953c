package action

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/fusion/pkg/adapter"
	"github.com/Mindburn-Labs/fusion/pkg/model"
	"github.com/Mindburn-Labs/fusion/pkg/store"
)

type ticketingStub struct {
	created   []*model.Ticket
	createErr error
	nextID    string
}

func (s *ticketingStub) Connect(context.Context) error       { return nil }
func (s *ticketingStub) TestConnection(context.Context) bool { return true }
func (s *ticketingStub) Disconnect(context.Context) error    { return nil }
func (s *ticketingStub) Status() adapter.Status              { return adapter.StatusConnected }
func (s *ticketingStub) Sync(context.Context, model.SyncFilter) (*model.SyncResult, error) {
	return &model.SyncResult{}, nil
}

func (s *ticketingStub) CreateTicket(_ context.Context, t *model.Ticket) (string, error) {
	if s.createErr != nil {
		return "", s.createErr
	}
	s.created = append(s.created, t)
	return s.nextID, nil
}
func (s *ticketingStub) UpdateTicket(context.Context, string, map[string]any) error { return nil }
func (s *ticketingStub) AddComment(context.Context, string, string) error           { return nil }
func (s *ticketingStub) TransitionTicket(context.Context, string, string) error     { return nil }
func (s *ticketingStub) LinkTickets(context.Context, string, string, string) error  { return nil }

type stubTargets struct {
	adapters  map[string]adapter.Adapter
	connected string
}

func (s *stubTargets) Adapter(_ context.Context, id string) (adapter.Adapter, error) {
	a, ok := s.adapters[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (s *stubTargets) FirstConnectedByType(context.Context, model.ToolType) (string, bool) {
	return s.connected, s.connected != ""
}

type recordingAlerter struct {
	channels []string
	alerts   []Alert
	err      error
}

func (r *recordingAlerter) Send(_ context.Context, channel string, alert Alert) error {
	if r.err != nil {
		return r.err
	}
	r.channels = append(r.channels, channel)
	r.alerts = append(r.alerts, alert)
	return nil
}

func testThreat() *model.UnifiedThreat {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &model.UnifiedThreat{
		ID:            "th-1",
		CorrelationID: "r1-1772366400000",
		Title:         "Repeated intrusion attempts",
		Severity:      model.SeverityCritical,
		Confidence:    90,
		Sources:       []model.ThreatSource{{ToolType: model.ToolSIEM, SourceID: "e1", Timestamp: now}},
		FirstSeen:     now.Add(-time.Hour),
		LastSeen:      now,
		EventCount:    5,
		Status:        model.ThreatActive,
		RiskScore:     85,
		CreatedAt:     now,
	}
}

func testDispatcher(t *testing.T, targets TicketTargets, alerter Alerter, runner PlaybookRunner) (*Dispatcher, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, targets, alerter, runner), st
}

func TestCreateThreatPersists(t *testing.T) {
	d, st := testDispatcher(t, &stubTargets{}, nil, nil)
	rule := &model.CorrelationRule{ID: "r1", Actions: []model.RuleAction{{Type: model.ActionCreateThreat}}}

	d.Dispatch(context.Background(), rule, testThreat())

	got, err := st.GetThreat(context.Background(), "th-1")
	require.NoError(t, err)
	assert.Equal(t, "Repeated intrusion attempts", got.Title)
	assert.Equal(t, 5, got.EventCount)
}

func TestCreateTicketMapsPriorityAndPersistsMapping(t *testing.T) {
	tk := &ticketingStub{nextID: "SEC-42"}
	targets := &stubTargets{adapters: map[string]adapter.Adapter{"jira-1": tk}}
	d, st := testDispatcher(t, targets, nil, nil)
	rule := &model.CorrelationRule{ID: "r1", Actions: []model.RuleAction{
		{Type: model.ActionCreateTicket, Parameters: map[string]any{"integrationId": "jira-1"}},
	}}

	d.Dispatch(context.Background(), rule, testThreat())

	require.Len(t, tk.created, 1)
	assert.Equal(t, "Highest", tk.created[0].Priority)
	assert.Equal(t, model.SeverityCritical, tk.created[0].Severity)
	assert.Equal(t, []string{"th-1"}, tk.created[0].LinkedThreats)

	mapping, err := st.GetTicketMapping(context.Background(), "SEC-42", "jira-1")
	require.NoError(t, err)
	assert.Equal(t, "th-1", mapping.ThreatID)
	assert.Equal(t, tk.created[0].ID, mapping.TicketID)
}

func TestCreateTicketDefaultsToFirstConnectedTicketing(t *testing.T) {
	tk := &ticketingStub{nextID: "SEC-7"}
	targets := &stubTargets{adapters: map[string]adapter.Adapter{"jira-1": tk}, connected: "jira-1"}
	d, st := testDispatcher(t, targets, nil, nil)
	rule := &model.CorrelationRule{ID: "r1", Actions: []model.RuleAction{{Type: model.ActionCreateTicket}}}

	d.Dispatch(context.Background(), rule, testThreat())

	require.Len(t, tk.created, 1)
	_, err := st.GetTicketMapping(context.Background(), "SEC-7", "jira-1")
	assert.NoError(t, err)
}

func TestCreateTicketWithoutTicketingIsRecoverable(t *testing.T) {
	d, st := testDispatcher(t, &stubTargets{}, nil, nil)
	rule := &model.CorrelationRule{ID: "r1", Actions: []model.RuleAction{
		{Type: model.ActionCreateTicket},
		{Type: model.ActionCreateThreat},
	}}

	d.Dispatch(context.Background(), rule, testThreat())

	// The missing ticketing integration is logged, not fatal; the following
	// action still ran.
	_, err := st.GetThreat(context.Background(), "th-1")
	assert.NoError(t, err)
}

func TestActionFailureDoesNotAbortSubsequentActions(t *testing.T) {
	tk := &ticketingStub{createErr: errors.New("vendor rejected")}
	targets := &stubTargets{adapters: map[string]adapter.Adapter{"jira-1": tk}}
	d, st := testDispatcher(t, targets, nil, nil)
	rule := &model.CorrelationRule{ID: "r1", Actions: []model.RuleAction{
		{Type: model.ActionCreateTicket, Parameters: map[string]any{"integrationId": "jira-1"}},
		{Type: model.ActionCreateThreat},
	}}

	d.Dispatch(context.Background(), rule, testThreat())

	_, err := st.GetThreat(context.Background(), "th-1")
	assert.NoError(t, err)
}

func TestSendAlertCarriesThreatIDAndSeverity(t *testing.T) {
	al := &recordingAlerter{}
	d, _ := testDispatcher(t, &stubTargets{}, al, nil)
	rule := &model.CorrelationRule{ID: "r1", Actions: []model.RuleAction{
		{Type: model.ActionSendAlert, Parameters: map[string]any{"channel": "soc-pager"}},
		{Type: model.ActionSendAlert},
	}}

	d.Dispatch(context.Background(), rule, testThreat())

	require.Len(t, al.alerts, 2)
	assert.Equal(t, []string{"soc-pager", "security-alerts"}, al.channels)
	assert.Equal(t, "th-1", al.alerts[0].ThreatID)
	assert.Equal(t, model.SeverityCritical, al.alerts[0].Severity)
	assert.Equal(t, 85, al.alerts[0].RiskScore)
}

func TestUpdateThreatStatus(t *testing.T) {
	d, st := testDispatcher(t, &stubTargets{}, nil, nil)
	require.NoError(t, st.InsertThreat(context.Background(), testThreat()))

	rule := &model.CorrelationRule{ID: "r1", Actions: []model.RuleAction{
		{Type: model.ActionUpdateThreat, Parameters: map[string]any{"status": "investigating"}},
	}}
	d.Dispatch(context.Background(), rule, testThreat())

	got, err := st.GetThreat(context.Background(), "th-1")
	require.NoError(t, err)
	assert.Equal(t, model.ThreatInvestigating, got.Status)
}

func TestExecutePlaybookFallsBackToRemote(t *testing.T) {
	var path string
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	runner := FallbackRunner{Remote: NewRemoteRunner(srv.URL, time.Second)}
	d, _ := testDispatcher(t, &stubTargets{}, nil, runner)
	rule := &model.CorrelationRule{ID: "r1", Actions: []model.RuleAction{
		{Type: model.ActionExecutePlaybook, Parameters: map[string]any{"playbookId": "isolate-host"}},
	}}

	d.Dispatch(context.Background(), rule, testThreat())

	assert.Equal(t, "/playbooks/isolate-host/execute", path)
	assert.True(t, strings.Contains(body, `"th-1"`), "input is the threat document")
}

func TestRemoteRunnerRejectsFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewRemoteRunner(srv.URL, time.Second).Run(context.Background(), "p1", nil)
	assert.Error(t, err)
}

func TestSeverityPriorityTable(t *testing.T) {
	assert.Equal(t, "Highest", priorityFor[model.SeverityCritical])
	assert.Equal(t, "High", priorityFor[model.SeverityHigh])
	assert.Equal(t, "Medium", priorityFor[model.SeverityMedium])
	assert.Equal(t, "Low", priorityFor[model.SeverityLow])
	assert.Equal(t, "Lowest", priorityFor[model.SeverityInfo])
}
