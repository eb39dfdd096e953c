package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

// siemAdapter drives SIEM platforms through their REST search APIs. All
// whitelisted SIEM platforms expose the same logical surface (health probe,
// windowed event query, ad-hoc search); per-platform paths differ only in
// the prefix.
type siemAdapter struct {
	*base
	norm   *Normalizer
	prefix string
}

// NewSIEMAdapter constructs the SIEM adapter.
func NewSIEMAdapter(integ *model.Integration, creds map[string]string, bus *Bus) (Adapter, error) {
	b, err := newBase(integ, creds, bus)
	if err != nil {
		return nil, err
	}
	norm, err := NewNormalizer(integ)
	if err != nil {
		return nil, err
	}
	return &siemAdapter{base: b, norm: norm, prefix: "/api/v1"}, nil
}

func (a *siemAdapter) Connect(ctx context.Context) error {
	return a.connect(ctx, a.prefix+"/health")
}

func (a *siemAdapter) TestConnection(ctx context.Context) bool {
	return a.testConnection(ctx, a.prefix+"/health")
}

func (a *siemAdapter) Disconnect(ctx context.Context) error {
	return a.disconnect(ctx)
}

type siemEventPage struct {
	Events []siemEvent `json:"events"`
	Next   string      `json:"next,omitempty"`
}

type siemEvent struct {
	ID        string         `json:"id"`
	Time      string         `json:"time"`
	Name      string         `json:"name"`
	Message   string         `json:"message"`
	Severity  string         `json:"severity"`
	Category  string         `json:"category"`
	SourceIP  string         `json:"src_ip"`
	DestIP    string         `json:"dest_ip"`
	User      string         `json:"user"`
	Host      string         `json:"host"`
	Protocol  string         `json:"protocol"`
	RawFields map[string]any `json:"fields,omitempty"`
}

// Sync pulls events in the filter window, normalizing and emitting each one
// in vendor order.
func (a *siemAdapter) Sync(ctx context.Context, filter model.SyncFilter) (*model.SyncResult, error) {
	a.beginSync(filter)
	result := &model.SyncResult{IntegrationID: a.integrationID, StartedAt: time.Now().UTC()}

	q := url.Values{}
	if filter.Since != nil {
		q.Set("since", filter.Since.UTC().Format(time.RFC3339))
	}
	if filter.Until != nil {
		q.Set("until", filter.Until.UTC().Format(time.RFC3339))
	}

	path := a.prefix + "/events"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	for {
		var page siemEventPage
		if err := a.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
			a.endSync(filter, nil, err)
			return nil, err
		}

		for _, ve := range page.Events {
			normalized, err := a.normalizeEvent(ve)
			if err != nil {
				a.logger.WarnContext(ctx, "dropping unmappable event", "vendor_id", ve.ID, "error", err)
				continue
			}
			a.publish(Event{Kind: EventThreatDetected, IntegrationID: a.integrationID, Normalized: normalized})
			result.Events++
		}

		if page.Next == "" {
			break
		}
		path = page.Next
	}

	result.CompletedAt = time.Now().UTC()
	a.endSync(filter, result, nil)
	return result, nil
}

func (a *siemAdapter) normalizeEvent(ve siemEvent) (*model.NormalizedEvent, error) {
	draft := map[string]any{
		"id":          ve.ID,
		"timestamp":   ve.Time,
		"event_type":  ve.Category,
		"title":       ve.Name,
		"description": ve.Message,
		"category":    ve.Category,
		"source_ip":   ve.SourceIP,
		"dest_ip":     ve.DestIP,
		"user":        ve.User,
		"host":        ve.Host,
		"protocol":    ve.Protocol,
	}
	for k, v := range ve.RawFields {
		draft[k] = v
	}
	return a.norm.Event(draft, ve.Severity)
}

// Search runs an ad-hoc query against the SIEM. Implements SIEMSearchable.
func (a *siemAdapter) Search(ctx context.Context, query string, since, until time.Time) ([]map[string]any, error) {
	req := map[string]any{
		"query": query,
		"since": since.UTC().Format(time.RFC3339),
		"until": until.UTC().Format(time.RFC3339),
	}
	var resp struct {
		Results []map[string]any `json:"results"`
	}
	if err := a.doJSON(ctx, http.MethodPost, a.prefix+"/search", req, &resp); err != nil {
		return nil, fmt.Errorf("siem search: %w", err)
	}
	return resp.Results, nil
}

var _ SIEMSearchable = (*siemAdapter)(nil)
