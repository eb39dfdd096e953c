package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

const findingCols = `id, finding_id, platform, resource_type, resource_id, region,
	account_id, compliance_status, control_id, threat_intelligence, remediation,
	severity, status, workflow_status, integration_id, created_at`

// UpsertFindings inserts or refreshes cloud posture findings, keyed by the
// provider's finding id plus the integration.
func (s *SQL) UpsertFindings(ctx context.Context, findings []*model.CloudFinding) error {
	if len(findings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finding upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := s.q(`INSERT INTO cloud_security_findings (` + findingCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (finding_id, integration_id) DO UPDATE SET
			compliance_status = EXCLUDED.compliance_status,
			threat_intelligence = EXCLUDED.threat_intelligence,
			remediation = EXCLUDED.remediation,
			severity = EXCLUDED.severity,
			status = EXCLUDED.status,
			workflow_status = EXCLUDED.workflow_status`)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare finding upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, f := range findings {
		intel, err := marshalJSON(f.ThreatIntelligence)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			f.ID, f.FindingID, f.Platform, f.ResourceType, f.ResourceID, f.Region,
			f.AccountID, string(f.ComplianceStatus), f.ControlID, intel, f.Remediation,
			string(f.Severity), f.Status, f.WorkflowStatus, f.IntegrationID, ms(f.CreatedAt))
		if err != nil {
			return fmt.Errorf("upsert finding %s: %w", f.FindingID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finding upsert: %w", err)
	}
	return nil
}

// CriticalActiveFindings returns unresolved critical non-compliant findings.
func (s *SQL) CriticalActiveFindings(ctx context.Context) ([]*model.CloudFinding, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+findingCols+`
		FROM cloud_security_findings
		WHERE severity = ? AND compliance_status = ? AND status <> 'resolved'
		ORDER BY created_at DESC`),
		string(model.SeverityCritical), string(model.NonCompliant))
	if err != nil {
		return nil, fmt.Errorf("query critical findings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.CloudFinding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("finding rows: %w", err)
	}
	return out, nil
}

func scanFinding(row rowScanner) (*model.CloudFinding, error) {
	var (
		f                    model.CloudFinding
		compliance, severity string
		intel                sql.NullString
		createdAt            int64
	)
	err := row.Scan(&f.ID, &f.FindingID, &f.Platform, &f.ResourceType, &f.ResourceID,
		&f.Region, &f.AccountID, &compliance, &f.ControlID, &intel, &f.Remediation,
		&severity, &f.Status, &f.WorkflowStatus, &f.IntegrationID, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("scan finding: %w", err)
	}
	f.ComplianceStatus = model.ComplianceStatus(compliance)
	f.Severity = model.Severity(severity)
	f.CreatedAt = fromMS(createdAt)
	if err := unmarshalJSON(intel, &f.ThreatIntelligence); err != nil {
		return nil, err
	}
	return &f, nil
}
