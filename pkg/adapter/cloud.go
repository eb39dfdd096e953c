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

// cloudAdapter drives cloud posture services (security hub style REST
// surfaces) and implements Remediable for findings that carry an automated
// remediation.
type cloudAdapter struct {
	*base
	norm   *Normalizer
	prefix string
}

// NewCloudAdapter constructs the cloud posture adapter.
func NewCloudAdapter(integ *model.Integration, creds map[string]string, bus *Bus) (Adapter, error) {
	b, err := newBase(integ, creds, bus)
	if err != nil {
		return nil, err
	}
	norm, err := NewNormalizer(integ)
	if err != nil {
		return nil, err
	}
	return &cloudAdapter{base: b, norm: norm, prefix: "/v1"}, nil
}

func (a *cloudAdapter) Connect(ctx context.Context) error {
	return a.connect(ctx, a.prefix+"/ping")
}

func (a *cloudAdapter) TestConnection(ctx context.Context) bool {
	return a.testConnection(ctx, a.prefix+"/ping")
}

func (a *cloudAdapter) Disconnect(ctx context.Context) error {
	return a.disconnect(ctx)
}

type cloudVendorFinding struct {
	FindingID    string         `json:"finding_id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Region       string         `json:"region"`
	AccountID    string         `json:"account_id"`
	Compliance   string         `json:"compliance_status"`
	ControlID    string         `json:"control_id"`
	ThreatIntel  map[string]any `json:"threat_intelligence"`
	Remediation  string         `json:"remediation"`
	Severity     string         `json:"severity"`
	Status       string         `json:"status"`
	Workflow     string         `json:"workflow_status"`
	UpdatedAt    string         `json:"updated_at"`
}

// Sync pulls findings updated inside the filter window and emits one
// finding.created event per record.
func (a *cloudAdapter) Sync(ctx context.Context, filter model.SyncFilter) (*model.SyncResult, error) {
	a.beginSync(filter)
	result := &model.SyncResult{IntegrationID: a.integrationID, StartedAt: time.Now().UTC()}

	q := url.Values{}
	if filter.Since != nil {
		q.Set("updated_after", filter.Since.UTC().Format(time.RFC3339))
	}
	path := a.prefix + "/findings"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var page struct {
		Findings []cloudVendorFinding `json:"findings"`
	}
	if err := a.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		a.endSync(filter, nil, err)
		return nil, err
	}

	for _, vf := range page.Findings {
		finding := a.normalizeFinding(vf)
		a.publish(Event{Kind: EventFindingCreated, IntegrationID: a.integrationID, Finding: finding})
		result.Findings++
	}

	result.CompletedAt = time.Now().UTC()
	a.endSync(filter, result, nil)
	return result, nil
}

func (a *cloudAdapter) normalizeFinding(vf cloudVendorFinding) *model.CloudFinding {
	compliance := model.NonCompliant
	switch vf.Compliance {
	case "compliant", "PASSED":
		compliance = model.Compliant
	case "not-applicable", "NOT_AVAILABLE":
		compliance = model.NotApplicable
	}

	return &model.CloudFinding{
		ID:                 uuid.NewString(),
		FindingID:          vf.FindingID,
		Platform:           a.platform,
		ResourceType:       vf.ResourceType,
		ResourceID:         vf.ResourceID,
		Region:             vf.Region,
		AccountID:          vf.AccountID,
		ComplianceStatus:   compliance,
		ControlID:          vf.ControlID,
		ThreatIntelligence: vf.ThreatIntel,
		Remediation:        vf.Remediation,
		Severity:           a.norm.Severity(vf.Severity),
		Status:             vf.Status,
		WorkflowStatus:     vf.Workflow,
		IntegrationID:      a.integrationID,
		CreatedAt:          parseVendorTime(vf.UpdatedAt),
	}
}

// Remediate triggers the provider's automated remediation for a finding.
// Implements Remediable.
func (a *cloudAdapter) Remediate(ctx context.Context, findingID string) error {
	if err := a.doJSON(ctx, http.MethodPost, a.prefix+"/findings/"+findingID+"/remediate", nil, nil); err != nil {
		return fmt.Errorf("remediate finding %s: %w", findingID, err)
	}
	return nil
}

var _ Remediable = (*cloudAdapter)(nil)
