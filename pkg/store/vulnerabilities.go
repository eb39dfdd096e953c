package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

const vulnCols = `id, scanner_vuln_id, cve, title, description, severity, cvss_score,
	exploit_available, affected_assets, first_seen, last_seen, scan_id, risk_score,
	status, integration_id`

// UpsertVulnerabilities inserts or refreshes scanner findings. The scanner's
// own id plus the integration id identifies a finding across sync passes.
func (s *SQL) UpsertVulnerabilities(ctx context.Context, vulns []*model.Vulnerability) error {
	if len(vulns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin vuln upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := s.q(`INSERT INTO vulnerabilities (` + vulnCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scanner_vuln_id, integration_id) DO UPDATE SET
			severity = EXCLUDED.severity,
			cvss_score = EXCLUDED.cvss_score,
			exploit_available = EXCLUDED.exploit_available,
			affected_assets = EXCLUDED.affected_assets,
			last_seen = EXCLUDED.last_seen,
			scan_id = EXCLUDED.scan_id,
			risk_score = EXCLUDED.risk_score,
			status = EXCLUDED.status`)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare vuln upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, v := range vulns {
		assets, err := marshalJSON(v.AffectedAssets)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			v.ID, v.ScannerVulnID, v.CVE, v.Title, v.Description, string(v.Severity),
			v.CVSSScore, v.ExploitAvailable, assets, ms(v.FirstSeen), ms(v.LastSeen),
			v.ScanID, v.RiskScore, string(v.Status), v.IntegrationID)
		if err != nil {
			return fmt.Errorf("upsert vulnerability %s: %w", v.ScannerVulnID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vuln upsert: %w", err)
	}
	return nil
}

// TopVulnerabilities ranks by combined risk and CVSS, worst first.
func (s *SQL) TopVulnerabilities(ctx context.Context, n int) ([]*model.Vulnerability, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT `+vulnCols+` FROM vulnerabilities
			ORDER BY (risk_score + cvss_score) DESC, last_seen DESC LIMIT ?`), n)
	if err != nil {
		return nil, fmt.Errorf("query top vulnerabilities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Vulnerability
	for rows.Next() {
		v, err := scanVulnerability(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vulnerability rows: %w", err)
	}
	return out, nil
}

// VulnerabilityHistogram buckets vulnerabilities per day of first sighting
// with the day's average CVSS.
func (s *SQL) VulnerabilityHistogram(ctx context.Context, days int) ([]DayStat, error) {
	return s.perDayStat(ctx, "vulnerabilities", "first_seen", "cvss_score", days)
}

func (s *SQL) CountVulnerabilitiesByStatus(ctx context.Context) (map[model.VulnerabilityStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM vulnerabilities GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count vulnerabilities by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[model.VulnerabilityStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan vuln status count: %w", err)
		}
		out[model.VulnerabilityStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vuln status rows: %w", err)
	}
	return out, nil
}

func scanVulnerability(row rowScanner) (*model.Vulnerability, error) {
	var (
		v                   model.Vulnerability
		severity, status    string
		assets              sql.NullString
		firstSeen, lastSeen int64
	)
	err := row.Scan(&v.ID, &v.ScannerVulnID, &v.CVE, &v.Title, &v.Description,
		&severity, &v.CVSSScore, &v.ExploitAvailable, &assets, &firstSeen,
		&lastSeen, &v.ScanID, &v.RiskScore, &status, &v.IntegrationID)
	if err != nil {
		return nil, fmt.Errorf("scan vulnerability: %w", err)
	}
	v.Severity = model.Severity(severity)
	v.Status = model.VulnerabilityStatus(status)
	v.FirstSeen = fromMS(firstSeen)
	v.LastSeen = fromMS(lastSeen)
	if err := unmarshalJSON(assets, &v.AffectedAssets); err != nil {
		return nil, err
	}
	return &v, nil
}
