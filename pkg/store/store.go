// Package store persists the fusion domain: integrations, normalized
// security events, unified threats, vulnerabilities, cloud findings and
// tickets. One SQL implementation serves both PostgreSQL and embedded SQLite.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// DayCount is one bucket of a per-day histogram.
type DayCount struct {
	Day   time.Time `json:"day"`
	Count int       `json:"count"`
}

// DayStat is a per-day bucket carrying a count and the day's average of a
// scored column (risk score for threats, CVSS for vulnerabilities).
type DayStat struct {
	Day   time.Time `json:"day"`
	Count int       `json:"count"`
	Avg   float64   `json:"avg"`
}

// IntegrationStore persists integration bindings. ConnectionConfig arrives
// with credentials already encrypted by the registry.
type IntegrationStore interface {
	CreateIntegration(ctx context.Context, integ *model.Integration) error
	GetIntegration(ctx context.Context, id string) (*model.Integration, error)
	ListIntegrations(ctx context.Context) ([]*model.Integration, error)
	UpdateIntegration(ctx context.Context, integ *model.Integration) error
	DeleteIntegration(ctx context.Context, id string) error
	SetIntegrationStatus(ctx context.Context, id string, status model.IntegrationStatus) error
	SetLastSync(ctx context.Context, id string, at time.Time) error
}

// EventStore persists normalized security events.
type EventStore interface {
	InsertEvents(ctx context.Context, events []*model.NormalizedEvent) error
	EventsBetween(ctx context.Context, start, end time.Time) ([]*model.NormalizedEvent, error)
	EventsPerDay(ctx context.Context, days int) ([]DayCount, error)
	CountEventsBySeverity(ctx context.Context) (map[model.Severity]int, error)
}

// ThreatStore persists unified threats.
type ThreatStore interface {
	InsertThreat(ctx context.Context, threat *model.UnifiedThreat) error
	UpsertThreatByDedupKey(ctx context.Context, threat *model.UnifiedThreat) error
	GetThreat(ctx context.Context, id string) (*model.UnifiedThreat, error)
	ListThreats(ctx context.Context, limit int) ([]*model.UnifiedThreat, error)
	TopThreats(ctx context.Context, n int) ([]*model.UnifiedThreat, error)
	ThreatsPerDay(ctx context.Context, days int) ([]DayCount, error)
	ThreatHistogram(ctx context.Context, days int) ([]DayStat, error)
	SetThreatStatus(ctx context.Context, id string, status model.ThreatStatus) error
	CountThreatsByStatus(ctx context.Context) (map[model.ThreatStatus]int, error)
}

// VulnerabilityStore persists scanner findings.
type VulnerabilityStore interface {
	UpsertVulnerabilities(ctx context.Context, vulns []*model.Vulnerability) error
	TopVulnerabilities(ctx context.Context, n int) ([]*model.Vulnerability, error)
	VulnerabilityHistogram(ctx context.Context, days int) ([]DayStat, error)
	CountVulnerabilitiesByStatus(ctx context.Context) (map[model.VulnerabilityStatus]int, error)
}

// FindingStore persists cloud posture findings.
type FindingStore interface {
	UpsertFindings(ctx context.Context, findings []*model.CloudFinding) error
	CriticalActiveFindings(ctx context.Context) ([]*model.CloudFinding, error)
}

// TicketStore persists tickets and the mappings that tie dispatcher-created
// tickets back to their triggering entity.
type TicketStore interface {
	UpsertTickets(ctx context.Context, tickets []*model.Ticket) error
	CreateTicketMapping(ctx context.Context, m *model.TicketMapping) error
	GetTicketMapping(ctx context.Context, externalID, integrationID string) (*model.TicketMapping, error)
	DeleteTicketMappingsForIntegration(ctx context.Context, integrationID string) error
}

// Store is the full persistence surface.
type Store interface {
	IntegrationStore
	EventStore
	ThreatStore
	VulnerabilityStore
	FindingStore
	TicketStore

	Ping(ctx context.Context) error
	Close() error
}
