package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

const ticketCols = `id, external_id, platform, title, description, priority, severity,
	assignee, reporter, status, linked_threats, linked_vulnerabilities,
	linked_findings, created_at, updated_at, resolved_at, sla_status,
	time_to_resolution`

// UpsertTickets inserts or refreshes tickets, keyed by external id and
// platform so repeated syncs converge on the vendor's latest state.
func (s *SQL) UpsertTickets(ctx context.Context, tickets []*model.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ticket upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := s.q(`INSERT INTO tickets (` + ticketCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_id, platform) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			priority = EXCLUDED.priority,
			severity = EXCLUDED.severity,
			assignee = EXCLUDED.assignee,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			resolved_at = EXCLUDED.resolved_at,
			sla_status = EXCLUDED.sla_status,
			time_to_resolution = EXCLUDED.time_to_resolution`)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare ticket upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, t := range tickets {
		threats, err := marshalJSON(t.LinkedThreats)
		if err != nil {
			return err
		}
		vulns, err := marshalJSON(t.LinkedVulnerabilities)
		if err != nil {
			return err
		}
		findings, err := marshalJSON(t.LinkedFindings)
		if err != nil {
			return err
		}
		var ttr any
		if t.TimeToResolutionMinutes != nil {
			ttr = *t.TimeToResolutionMinutes
		}
		_, err = stmt.ExecContext(ctx,
			t.ID, t.ExternalID, t.Platform, t.Title, t.Description, t.Priority,
			string(t.Severity), t.Assignee, t.Reporter, t.Status, threats, vulns,
			findings, ms(t.CreatedAt), ms(t.UpdatedAt), msPtr(t.ResolvedAt),
			string(t.SLAStatus), ttr)
		if err != nil {
			return fmt.Errorf("upsert ticket %s: %w", t.ExternalID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ticket upsert: %w", err)
	}
	return nil
}

func (s *SQL) CreateTicketMapping(ctx context.Context, m *model.TicketMapping) error {
	query := `INSERT INTO ticket_mappings
		(ticket_id, external_id, integration_id, threat_id, vulnerability_id, finding_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, s.q(query),
		m.TicketID, m.ExternalID, m.IntegrationID, m.ThreatID, m.VulnerabilityID,
		m.FindingID, ms(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert ticket mapping: %w", err)
	}
	return nil
}

func (s *SQL) GetTicketMapping(ctx context.Context, externalID, integrationID string) (*model.TicketMapping, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT ticket_id, external_id, integration_id,
		threat_id, vulnerability_id, finding_id, created_at
		FROM ticket_mappings WHERE external_id = ? AND integration_id = ?`),
		externalID, integrationID)

	var (
		m         model.TicketMapping
		createdAt int64
	)
	err := row.Scan(&m.TicketID, &m.ExternalID, &m.IntegrationID, &m.ThreatID,
		&m.VulnerabilityID, &m.FindingID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ticket mapping: %w", err)
	}
	m.CreatedAt = fromMS(createdAt)
	return &m, nil
}

func (s *SQL) DeleteTicketMappingsForIntegration(ctx context.Context, integrationID string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM ticket_mappings WHERE integration_id = ?`), integrationID)
	if err != nil {
		return fmt.Errorf("delete ticket mappings: %w", err)
	}
	return nil
}
