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

// ticketingAdapter drives issue trackers (jira-style REST surfaces) and
// implements the full Ticketable primitive set.
type ticketingAdapter struct {
	*base
	norm   *Normalizer
	prefix string
}

// NewTicketingAdapter constructs the ticketing adapter.
func NewTicketingAdapter(integ *model.Integration, creds map[string]string, bus *Bus) (Adapter, error) {
	b, err := newBase(integ, creds, bus)
	if err != nil {
		return nil, err
	}
	norm, err := NewNormalizer(integ)
	if err != nil {
		return nil, err
	}
	return &ticketingAdapter{base: b, norm: norm, prefix: "/rest/api/2"}, nil
}

func (a *ticketingAdapter) Connect(ctx context.Context) error {
	return a.connect(ctx, a.prefix+"/myself")
}

func (a *ticketingAdapter) TestConnection(ctx context.Context) bool {
	return a.testConnection(ctx, a.prefix+"/myself")
}

func (a *ticketingAdapter) Disconnect(ctx context.Context) error {
	return a.disconnect(ctx)
}

type vendorIssue struct {
	Key      string `json:"key"`
	Summary  string `json:"summary"`
	Body     string `json:"description"`
	Priority string `json:"priority"`
	Assignee string `json:"assignee"`
	Reporter string `json:"reporter"`
	Status   string `json:"status"`
	Created  string `json:"created"`
	Updated  string `json:"updated"`
	Resolved string `json:"resolved,omitempty"`
}

// Sync pulls issues updated inside the filter window and emits one
// ticket.synced event per record.
func (a *ticketingAdapter) Sync(ctx context.Context, filter model.SyncFilter) (*model.SyncResult, error) {
	a.beginSync(filter)
	result := &model.SyncResult{IntegrationID: a.integrationID, StartedAt: time.Now().UTC()}

	q := url.Values{}
	if filter.Since != nil {
		q.Set("updated_after", filter.Since.UTC().Format(time.RFC3339))
	}
	path := a.prefix + "/issues"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var page struct {
		Issues []vendorIssue `json:"issues"`
	}
	if err := a.doJSON(ctx, http.MethodGet, path, nil, &page); err != nil {
		a.endSync(filter, nil, err)
		return nil, err
	}

	for _, vi := range page.Issues {
		ticket := a.normalizeIssue(vi)
		a.publish(Event{Kind: EventTicketSynced, IntegrationID: a.integrationID, Ticket: ticket})
		result.Tickets++
	}

	result.CompletedAt = time.Now().UTC()
	a.endSync(filter, result, nil)
	return result, nil
}

func (a *ticketingAdapter) normalizeIssue(vi vendorIssue) *model.Ticket {
	created := parseVendorTime(vi.Created)
	updated := parseVendorTime(vi.Updated)

	t := &model.Ticket{
		ID:         uuid.NewString(),
		ExternalID: vi.Key,
		Platform:   a.platform,
		Title:      vi.Summary,
		Description: vi.Body,
		Priority:   vi.Priority,
		Severity:   a.norm.Severity(vi.Priority),
		Assignee:   vi.Assignee,
		Reporter:   vi.Reporter,
		Status:     vi.Status,
		CreatedAt:  created,
		UpdatedAt:  updated,
	}
	if vi.Resolved != "" {
		resolved := parseVendorTime(vi.Resolved)
		t.ResolvedAt = &resolved
		minutes := int(resolved.Sub(created).Minutes())
		t.TimeToResolutionMinutes = &minutes
	}
	return t
}

// CreateTicket files a new issue and returns the vendor key. Implements
// Ticketable.
func (a *ticketingAdapter) CreateTicket(ctx context.Context, ticket *model.Ticket) (string, error) {
	req := map[string]any{
		"summary":     ticket.Title,
		"description": ticket.Description,
		"priority":    ticket.Priority,
		"reporter":    ticket.Reporter,
	}
	var resp struct {
		Key string `json:"key"`
	}
	if err := a.doJSON(ctx, http.MethodPost, a.prefix+"/issues", req, &resp); err != nil {
		return "", fmt.Errorf("create ticket: %w", err)
	}
	a.publish(Event{Kind: EventTicketCreated, IntegrationID: a.integrationID, Details: resp.Key})
	return resp.Key, nil
}

// UpdateTicket patches arbitrary issue fields.
func (a *ticketingAdapter) UpdateTicket(ctx context.Context, externalID string, fields map[string]any) error {
	if err := a.doJSON(ctx, http.MethodPut, a.prefix+"/issues/"+externalID, fields, nil); err != nil {
		return fmt.Errorf("update ticket %s: %w", externalID, err)
	}
	a.publish(Event{Kind: EventTicketUpdated, IntegrationID: a.integrationID, Details: externalID})
	return nil
}

// AddComment appends a comment to an issue.
func (a *ticketingAdapter) AddComment(ctx context.Context, externalID, comment string) error {
	req := map[string]any{"body": comment}
	if err := a.doJSON(ctx, http.MethodPost, a.prefix+"/issues/"+externalID+"/comments", req, nil); err != nil {
		return fmt.Errorf("comment on ticket %s: %w", externalID, err)
	}
	return nil
}

// TransitionTicket moves an issue to a new workflow status.
func (a *ticketingAdapter) TransitionTicket(ctx context.Context, externalID, status string) error {
	req := map[string]any{"status": status}
	if err := a.doJSON(ctx, http.MethodPost, a.prefix+"/issues/"+externalID+"/transitions", req, nil); err != nil {
		return fmt.Errorf("transition ticket %s: %w", externalID, err)
	}
	return nil
}

// LinkTickets creates a typed link between two issues.
func (a *ticketingAdapter) LinkTickets(ctx context.Context, externalID, otherExternalID, linkType string) error {
	req := map[string]any{"outward": otherExternalID, "type": linkType}
	if err := a.doJSON(ctx, http.MethodPost, a.prefix+"/issues/"+externalID+"/links", req, nil); err != nil {
		return fmt.Errorf("link tickets %s -> %s: %w", externalID, otherExternalID, err)
	}
	return nil
}

var _ Ticketable = (*ticketingAdapter)(nil)
