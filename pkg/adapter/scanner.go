package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

// scannerAdapter drives vulnerability scanners through their REST APIs and
// implements the Scannable primitives on top of the universal lifecycle.
type scannerAdapter struct {
	*base
	norm   *Normalizer
	prefix string
}

// NewScannerAdapter constructs the scanner adapter.
func NewScannerAdapter(integ *model.Integration, creds map[string]string, bus *Bus) (Adapter, error) {
	b, err := newBase(integ, creds, bus)
	if err != nil {
		return nil, err
	}
	norm, err := NewNormalizer(integ)
	if err != nil {
		return nil, err
	}
	return &scannerAdapter{base: b, norm: norm, prefix: "/api/v1"}, nil
}

func (a *scannerAdapter) Connect(ctx context.Context) error {
	return a.connect(ctx, a.prefix+"/status")
}

func (a *scannerAdapter) TestConnection(ctx context.Context) bool {
	return a.testConnection(ctx, a.prefix+"/status")
}

func (a *scannerAdapter) Disconnect(ctx context.Context) error {
	return a.disconnect(ctx)
}

type scannerVuln struct {
	PluginID   string   `json:"plugin_id"`
	CVE        string   `json:"cve"`
	Name       string   `json:"name"`
	Synopsis   string   `json:"synopsis"`
	Severity   string   `json:"severity"`
	CVSS       float64  `json:"cvss_score"`
	Exploit    bool     `json:"exploit_available"`
	Assets     []string `json:"assets"`
	FirstFound string   `json:"first_found"`
	LastFound  string   `json:"last_found"`
	ScanID     string   `json:"scan_id"`
	State      string   `json:"state"`
}

// Sync pulls vulnerabilities seen inside the filter window and emits one
// vulnerability.discovered event per record.
func (a *scannerAdapter) Sync(ctx context.Context, filter model.SyncFilter) (*model.SyncResult, error) {
	a.beginSync(filter)
	result := &model.SyncResult{IntegrationID: a.integrationID, StartedAt: time.Now().UTC()}

	q := url.Values{}
	if filter.Since != nil {
		q.Set("last_found_after", filter.Since.UTC().Format(time.RFC3339))
	}
	path := a.prefix + "/vulnerabilities"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var page struct {
		Vulnerabilities []scannerVuln `json:"vulnerabilities"`
	}
	if err := a.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		a.endSync(filter, nil, err)
		return nil, err
	}

	for _, sv := range page.Vulnerabilities {
		vuln := a.normalizeVuln(sv)
		a.publish(Event{Kind: EventVulnerabilityDiscovered, IntegrationID: a.integrationID, Vulnerability: vuln})
		result.Vulnerabilities++
	}

	result.CompletedAt = time.Now().UTC()
	a.endSync(filter, result, nil)
	return result, nil
}

func (a *scannerAdapter) normalizeVuln(sv scannerVuln) *model.Vulnerability {
	firstSeen := parseVendorTime(sv.FirstFound)
	lastSeen := parseVendorTime(sv.LastFound)
	if lastSeen.Before(firstSeen) {
		lastSeen = firstSeen
	}

	sev := a.norm.Severity(sv.Severity)
	status := model.VulnOpen
	switch sv.State {
	case "fixed":
		status = model.VulnFixed
	case "accepted":
		status = model.VulnAccepted
	case "false_positive", "false-positive":
		status = model.VulnFalsePositive
	case "mitigated":
		status = model.VulnMitigated
	}

	return &model.Vulnerability{
		ID:               uuid.NewString(),
		ScannerVulnID:    sv.PluginID,
		CVE:              sv.CVE,
		Title:            sv.Name,
		Description:      sv.Synopsis,
		Severity:         sev,
		CVSSScore:        sv.CVSS,
		ExploitAvailable: sv.Exploit,
		AffectedAssets:   sv.Assets,
		FirstSeen:        firstSeen,
		LastSeen:         lastSeen,
		ScanID:           sv.ScanID,
		RiskScore:        vulnRiskScore(sev, sv.CVSS, sv.Exploit),
		Status:           status,
		IntegrationID:    a.integrationID,
	}
}

// vulnRiskScore combines severity, CVSS and exploit availability into a
// bounded score.
func vulnRiskScore(sev model.Severity, cvss float64, exploit bool) float64 {
	score := float64(sev.Score()) + cvss*5
	if exploit {
		score += 15
	}
	if score > 100 {
		score = 100
	}
	return score
}

func parseVendorTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// CreateScan defines a scan. Implements Scannable.
func (a *scannerAdapter) CreateScan(ctx context.Context, name string, targets []string) (string, error) {
	req := map[string]any{"name": name, "targets": targets}
	var resp struct {
		ScanID string `json:"scan_id"`
	}
	if err := a.doJSON(ctx, http.MethodPost, a.prefix+"/scans", req, &resp); err != nil {
		return "", fmt.Errorf("create scan: %w", err)
	}
	return resp.ScanID, nil
}

// LaunchScan starts a previously defined scan.
func (a *scannerAdapter) LaunchScan(ctx context.Context, scanID string) error {
	if err := a.doJSON(ctx, http.MethodPost, a.prefix+"/scans/"+scanID+"/launch", nil, nil); err != nil {
		return fmt.Errorf("launch scan %s: %w", scanID, err)
	}
	return nil
}

// GetScanStatus reports the vendor's scan state.
func (a *scannerAdapter) GetScanStatus(ctx context.Context, scanID string) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := a.doJSON(ctx, http.MethodGet, a.prefix+"/scans/"+scanID+"/status", nil, &resp); err != nil {
		return "", fmt.Errorf("scan status %s: %w", scanID, err)
	}
	return resp.Status, nil
}

// ExportScan downloads and normalizes a completed scan's findings.
func (a *scannerAdapter) ExportScan(ctx context.Context, scanID string) ([]model.Vulnerability, error) {
	var resp struct {
		Vulnerabilities []scannerVuln `json:"vulnerabilities"`
	}
	if err := a.doJSON(ctx, http.MethodGet, a.prefix+"/scans/"+scanID+"/export", nil, &resp); err != nil {
		return nil, fmt.Errorf("export scan %s: %w", scanID, err)
	}
	out := make([]model.Vulnerability, 0, len(resp.Vulnerabilities))
	for _, sv := range resp.Vulnerabilities {
		out = append(out, *a.normalizeVuln(sv))
	}
	return out, nil
}

var _ Scannable = (*scannerAdapter)(nil)
