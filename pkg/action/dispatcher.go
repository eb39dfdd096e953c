// Package action executes the side effects of matched correlation rules:
// persisting threats, opening tickets on a connected ticketing integration,
// delivering alerts and running playbooks. Actions run sequentially in rule
// order; a failing action is logged and never aborts the ones after it.
package action

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/fusion/pkg/adapter"
	"github.com/Mindburn-Labs/fusion/pkg/fault"
	"github.com/Mindburn-Labs/fusion/pkg/model"
	"github.com/Mindburn-Labs/fusion/pkg/store"
)

// priorityFor is the fixed severity-to-ticket-priority table.
var priorityFor = map[model.Severity]string{
	model.SeverityCritical: "Highest",
	model.SeverityHigh:     "High",
	model.SeverityMedium:   "Medium",
	model.SeverityLow:      "Low",
	model.SeverityInfo:     "Lowest",
}

// TicketTargets resolves ticketing integrations. Satisfied by the
// integration registry.
type TicketTargets interface {
	Adapter(ctx context.Context, id string) (adapter.Adapter, error)
	FirstConnectedByType(ctx context.Context, toolType model.ToolType) (string, bool)
}

// Dispatcher executes rule actions.
type Dispatcher struct {
	store    store.Store
	targets  TicketTargets
	alerter  Alerter
	playbook PlaybookRunner
	logger   *slog.Logger
}

// New creates a dispatcher. A nil alerter falls back to the structured-log
// channel; a nil playbook runner makes execute-playbook a logged no-op.
func New(st store.Store, targets TicketTargets, alerter Alerter, playbook PlaybookRunner) *Dispatcher {
	if alerter == nil {
		alerter = LogAlerter{}
	}
	return &Dispatcher{
		store:    st,
		targets:  targets,
		alerter:  alerter,
		playbook: playbook,
		logger:   slog.Default().With("component", "action"),
	}
}

// Dispatch runs the rule's actions in order for one threat. Per-action
// failures are logged and do not abort subsequent actions.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *model.CorrelationRule, threat *model.UnifiedThreat) {
	for _, act := range rule.Actions {
		if err := d.execute(ctx, act, threat); err != nil {
			d.logger.WarnContext(ctx, "action failed",
				"rule_id", rule.ID, "action", act.Type,
				"threat_id", threat.ID, "error", err)
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, act model.RuleAction, threat *model.UnifiedThreat) error {
	switch act.Type {
	case model.ActionCreateThreat:
		// Re-detections of a persistent condition carry the same dedup key
		// and merge into the stored threat rather than piling up rows.
		return d.store.UpsertThreatByDedupKey(ctx, threat)
	case model.ActionUpdateThreat:
		return d.updateThreat(ctx, act.Parameters, threat)
	case model.ActionCreateTicket:
		return d.createTicket(ctx, act.Parameters, threat)
	case model.ActionSendAlert:
		return d.sendAlert(ctx, act.Parameters, threat)
	case model.ActionExecutePlaybook:
		return d.executePlaybook(ctx, act.Parameters, threat)
	}
	return fault.New(fault.CodeValidation, fmt.Sprintf("unknown action type %q", act.Type))
}

func (d *Dispatcher) updateThreat(ctx context.Context, params map[string]any, threat *model.UnifiedThreat) error {
	id := stringParam(params, "threatId")
	if id == "" {
		id = threat.ID
	}
	status := model.ThreatStatus(stringParam(params, "status"))
	switch status {
	case model.ThreatActive, model.ThreatInvestigating, model.ThreatContained, model.ThreatResolved:
	default:
		return fault.New(fault.CodeValidation, fmt.Sprintf("invalid threat status %q", status))
	}
	return d.store.SetThreatStatus(ctx, id, status)
}

// createTicket opens a ticket on the named integration, or on the first
// connected ticketing integration when none is named. Having no connected
// ticketing integration is recoverable: log and succeed, no retry.
func (d *Dispatcher) createTicket(ctx context.Context, params map[string]any, threat *model.UnifiedThreat) error {
	integrationID := stringParam(params, "integrationId")
	if integrationID == "" {
		id, ok := d.targets.FirstConnectedByType(ctx, model.ToolTicketing)
		if !ok {
			d.logger.InfoContext(ctx, "no connected ticketing integration, skipping ticket",
				"threat_id", threat.ID)
			return nil
		}
		integrationID = id
	}

	a, err := d.targets.Adapter(ctx, integrationID)
	if err != nil {
		return fmt.Errorf("resolve ticketing adapter: %w", err)
	}
	tk, ok := a.(adapter.Ticketable)
	if !ok {
		return fault.New(fault.CodeValidation,
			fmt.Sprintf("integration %s cannot create tickets", integrationID))
	}

	now := time.Now().UTC()
	ticket := &model.Ticket{
		ID:            uuid.NewString(),
		Title:         threat.Title,
		Description:   threat.Description,
		Priority:      priorityFor[threat.Severity],
		Severity:      threat.Severity,
		Reporter:      "fusion",
		Status:        "open",
		LinkedThreats: []string{threat.ID},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	externalID, err := tk.CreateTicket(ctx, ticket)
	if err != nil {
		return fmt.Errorf("create ticket: %w", err)
	}

	mapping := &model.TicketMapping{
		TicketID:      ticket.ID,
		ExternalID:    externalID,
		IntegrationID: integrationID,
		ThreatID:      threat.ID,
		CreatedAt:     now,
	}
	if err := d.store.CreateTicketMapping(ctx, mapping); err != nil {
		return fmt.Errorf("persist ticket mapping: %w", err)
	}
	return nil
}

func (d *Dispatcher) sendAlert(ctx context.Context, params map[string]any, threat *model.UnifiedThreat) error {
	channel := stringParam(params, "channel")
	if channel == "" {
		channel = "security-alerts"
	}
	return d.alerter.Send(ctx, channel, Alert{
		ThreatID:  threat.ID,
		Severity:  threat.Severity,
		Title:     threat.Title,
		RiskScore: threat.RiskScore,
		At:        time.Now().UTC(),
	})
}

func (d *Dispatcher) executePlaybook(ctx context.Context, params map[string]any, threat *model.UnifiedThreat) error {
	playbookID := stringParam(params, "playbookId")
	if playbookID == "" {
		return fault.New(fault.CodeValidation, "execute-playbook requires parameters.playbookId")
	}
	if d.playbook == nil {
		d.logger.InfoContext(ctx, "no playbook runner configured, skipping",
			"playbook_id", playbookID, "threat_id", threat.ID)
		return nil
	}
	input, err := json.Marshal(threat)
	if err != nil {
		return fmt.Errorf("encode playbook input: %w", err)
	}
	out, err := d.playbook.Run(ctx, playbookID, input)
	if err != nil {
		return fmt.Errorf("run playbook %s: %w", playbookID, err)
	}
	d.logger.InfoContext(ctx, "playbook completed",
		"playbook_id", playbookID, "threat_id", threat.ID, "output_bytes", len(out))
	return nil
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	s, _ := params[key].(string)
	return s
}
