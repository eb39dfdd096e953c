// Package model defines the canonical records exchanged between the fusion
// subsystems. Every adapter normalizes vendor payloads into these types; the
// correlation engine, dispatcher and posture aggregator only ever see them.
package model

import (
	"time"
)

// ToolType identifies the class of external security tool.
type ToolType string

const (
	ToolSIEM      ToolType = "siem"
	ToolScanner   ToolType = "vulnerability-scanner"
	ToolCloud     ToolType = "cloud-security"
	ToolTicketing ToolType = "ticketing"
)

// Severity is the canonical severity scale. Vendor labels are folded into
// this scale by pkg/severity before a record leaves its adapter.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// SeverityLevels lists the canonical levels in descending order. Mapping
// iterates this slice so that ambiguous vendor labels resolve to the most
// severe matching level.
var SeverityLevels = []Severity{
	SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo,
}

// Valid reports whether s is one of the canonical levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// Score returns the base risk contribution of a severity level.
func (s Severity) Score() int {
	switch s {
	case SeverityCritical:
		return 40
	case SeverityHigh:
		return 30
	case SeverityMedium:
		return 20
	case SeverityLow:
		return 10
	default:
		return 5
	}
}

// AuthType enumerates the supported credential mechanisms.
type AuthType string

const (
	AuthAPIKey      AuthType = "api-key"
	AuthOAuth2      AuthType = "oauth2"
	AuthBasic       AuthType = "basic"
	AuthToken       AuthType = "token"
	AuthCertificate AuthType = "certificate"
)

// SyncDirection controls which way records flow for an integration.
type SyncDirection string

const (
	DirectionInbound       SyncDirection = "inbound"
	DirectionOutbound      SyncDirection = "outbound"
	DirectionBidirectional SyncDirection = "bidirectional"
)

// IntegrationStatus is the lifecycle state of an integration row.
type IntegrationStatus string

const (
	IntegrationConfiguring  IntegrationStatus = "configuring"
	IntegrationConnected    IntegrationStatus = "connected"
	IntegrationDisconnected IntegrationStatus = "disconnected"
	IntegrationError        IntegrationStatus = "error"
	IntegrationTesting      IntegrationStatus = "testing"
)

// ConnectionConfig holds everything an adapter needs to reach a vendor.
// Credentials are encrypted at rest; they are never serialized to logs.
type ConnectionConfig struct {
	Endpoint      string            `json:"endpoint"`
	AuthType      AuthType          `json:"auth_type"`
	Credentials   map[string]string `json:"credentials,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
	RetryAttempts int               `json:"retry_attempts,omitempty"`
	RetryDelay    time.Duration     `json:"retry_delay,omitempty"`
	SSLVerify     *bool             `json:"ssl_verify,omitempty"`
	Proxy         string            `json:"proxy,omitempty"`
	CustomHeaders map[string]string `json:"custom_headers,omitempty"`
}

// SSLVerifyEnabled resolves the tri-state SSLVerify flag (default true).
func (c ConnectionConfig) SSLVerifyEnabled() bool {
	return c.SSLVerify == nil || *c.SSLVerify
}

// SyncPolicy controls the cadence and shape of scheduled syncs.
type SyncPolicy struct {
	Enabled         bool           `json:"enabled"`
	Direction       SyncDirection  `json:"direction"`
	IntervalMinutes int            `json:"interval_minutes"` // [5, 1440]
	Filter          map[string]any `json:"filter,omitempty"`
}

// FieldMapping is one rule of the field mapper pipeline.
type FieldMapping struct {
	SourceField  string `json:"source_field"`
	TargetField  string `json:"target_field"`
	Transform    string `json:"transform,omitempty"` // direct, uppercase, lowercase, date, custom
	Expression   string `json:"expression,omitempty"`
	Required     bool   `json:"required,omitempty"`
	DefaultValue any    `json:"default_value,omitempty"`
}

// Integration is the persistent binding to a vendor tool.
//
// Invariants: (Type, Platform) must be in the supported matrix, credentials
// are stored encrypted, and at most one adapter instance exists per
// integration id at a time.
type Integration struct {
	ID               string                `json:"id"`
	Name             string                `json:"name"`
	Type             ToolType              `json:"type"`
	Platform         string                `json:"platform"`
	ConnectionConfig ConnectionConfig      `json:"connection_config"`
	SyncPolicy       SyncPolicy            `json:"sync_policy"`
	FieldMappings    []FieldMapping        `json:"field_mappings,omitempty"`
	SeverityMapping  map[Severity][]string `json:"severity_mapping,omitempty"`
	Features         uint64                `json:"features,omitempty"`
	Status           IntegrationStatus     `json:"status"`
	LastConnected    *time.Time            `json:"last_connected,omitempty"`
	LastSync         *time.Time            `json:"last_sync,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
	Version          int                   `json:"version"`
}

// Feature bits for the Integration capability bitmap.
const (
	FeatureEvents uint64 = 1 << iota
	FeatureVulnerabilities
	FeatureFindings
	FeatureTickets
	FeatureRemediation
	FeaturePlaybooks
)

// EventStatus is the triage state of a normalized event.
type EventStatus string

const (
	EventNew        EventStatus = "new"
	EventInProgress EventStatus = "in-progress"
	EventResolved   EventStatus = "resolved"
)

// NormalizedEvent is the source-agnostic event record.
//
// Invariant: Severity is always canonical once the record leaves its
// adapter. Adapter-emitted order need not be timestamp-monotonic.
type NormalizedEvent struct {
	ID                  string         `json:"id"`
	Timestamp           time.Time      `json:"timestamp"`
	SourceType          ToolType       `json:"source_type"`
	SourceIntegrationID string         `json:"source_integration_id"`
	EventType           string         `json:"event_type"`
	Severity            Severity       `json:"severity"`
	Title               string         `json:"title"`
	Description         string         `json:"description,omitempty"`
	Category            string         `json:"category,omitempty"`
	Subcategory         string         `json:"subcategory,omitempty"`
	SourceIP            string         `json:"source_ip,omitempty"`
	DestIP              string         `json:"dest_ip,omitempty"`
	User                string         `json:"user,omitempty"`
	Host                string         `json:"host,omitempty"`
	Protocol            string         `json:"protocol,omitempty"`
	Tags                []string       `json:"tags,omitempty"`
	RawPayload          map[string]any `json:"raw_payload,omitempty"`
	Status              EventStatus    `json:"status"`
}

// Field returns a named attribute of the event for rule evaluation. Unknown
// names fall through to RawPayload.
func (e *NormalizedEvent) Field(name string) (any, bool) {
	switch name {
	case "id":
		return e.ID, true
	case "timestamp":
		return e.Timestamp, true
	case "sourceType", "source_type":
		return string(e.SourceType), true
	case "sourceIntegrationId", "source_integration_id":
		return e.SourceIntegrationID, true
	case "eventType", "event_type":
		return e.EventType, true
	case "severity":
		return string(e.Severity), true
	case "title":
		return e.Title, true
	case "description":
		return e.Description, true
	case "category":
		return e.Category, true
	case "subcategory":
		return e.Subcategory, true
	case "sourceIP", "source_ip":
		return e.SourceIP, true
	case "destIP", "dest_ip":
		return e.DestIP, true
	case "user":
		return e.User, true
	case "host":
		return e.Host, true
	case "protocol":
		return e.Protocol, true
	case "status":
		return string(e.Status), true
	}
	if e.RawPayload != nil {
		v, ok := e.RawPayload[name]
		return v, ok
	}
	return nil, false
}

// VulnerabilityStatus is the remediation state of a vulnerability.
type VulnerabilityStatus string

const (
	VulnOpen          VulnerabilityStatus = "open"
	VulnMitigated     VulnerabilityStatus = "mitigated"
	VulnAccepted      VulnerabilityStatus = "accepted"
	VulnFalsePositive VulnerabilityStatus = "false-positive"
	VulnFixed         VulnerabilityStatus = "fixed"
)

// Vulnerability is a normalized scanner finding.
type Vulnerability struct {
	ID               string              `json:"id"`
	ScannerVulnID    string              `json:"scanner_vuln_id"`
	CVE              string              `json:"cve,omitempty"`
	Title            string              `json:"title"`
	Description      string              `json:"description,omitempty"`
	Severity         Severity            `json:"severity"`
	CVSSScore        float64             `json:"cvss_score"`
	ExploitAvailable bool                `json:"exploit_available"`
	AffectedAssets   []string            `json:"affected_assets,omitempty"`
	FirstSeen        time.Time           `json:"first_seen"`
	LastSeen         time.Time           `json:"last_seen"`
	ScanID           string              `json:"scan_id,omitempty"`
	RiskScore        float64             `json:"risk_score"`
	Status           VulnerabilityStatus `json:"status"`
	IntegrationID    string              `json:"integration_id,omitempty"`
}

// ComplianceStatus is the posture verdict of a cloud finding.
type ComplianceStatus string

const (
	Compliant     ComplianceStatus = "compliant"
	NonCompliant  ComplianceStatus = "non-compliant"
	NotApplicable ComplianceStatus = "not-applicable"
)

// CloudFinding is a normalized cloud posture/compliance finding.
type CloudFinding struct {
	ID                 string           `json:"id"`
	FindingID          string           `json:"finding_id"`
	Platform           string           `json:"platform"`
	ResourceType       string           `json:"resource_type"`
	ResourceID         string           `json:"resource_id"`
	Region             string           `json:"region,omitempty"`
	AccountID          string           `json:"account_id,omitempty"`
	ComplianceStatus   ComplianceStatus `json:"compliance_status"`
	ControlID          string           `json:"control_id,omitempty"`
	ThreatIntelligence map[string]any   `json:"threat_intelligence,omitempty"`
	Remediation        string           `json:"remediation,omitempty"`
	Severity           Severity         `json:"severity"`
	Status             string           `json:"status"`
	WorkflowStatus     string           `json:"workflow_status,omitempty"`
	IntegrationID      string           `json:"integration_id,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// SLAStatus tracks ticket SLA health.
type SLAStatus string

const (
	SLAOnTrack  SLAStatus = "on-track"
	SLAAtRisk   SLAStatus = "at-risk"
	SLABreached SLAStatus = "breached"
)

// Ticket is a normalized ticketing record.
type Ticket struct {
	ID                      string     `json:"id"`
	ExternalID              string     `json:"external_id"`
	Platform                string     `json:"platform"`
	Title                   string     `json:"title"`
	Description             string     `json:"description,omitempty"`
	Priority                string     `json:"priority"`
	Severity                Severity   `json:"severity"`
	Assignee                string     `json:"assignee,omitempty"`
	Reporter                string     `json:"reporter"`
	Status                  string     `json:"status"`
	LinkedThreats           []string   `json:"linked_threats,omitempty"`
	LinkedVulnerabilities   []string   `json:"linked_vulnerabilities,omitempty"`
	LinkedFindings          []string   `json:"linked_findings,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
	ResolvedAt              *time.Time `json:"resolved_at,omitempty"`
	SLAStatus               SLAStatus  `json:"sla_status,omitempty"`
	TimeToResolutionMinutes *int       `json:"time_to_resolution_minutes,omitempty"`
}

// TicketMapping links a ticket created by the dispatcher back to the entity
// that triggered it.
type TicketMapping struct {
	TicketID        string    `json:"ticket_id"`
	ExternalID      string    `json:"external_id"`
	IntegrationID   string    `json:"integration_id"`
	ThreatID        string    `json:"threat_id,omitempty"`
	VulnerabilityID string    `json:"vulnerability_id,omitempty"`
	FindingID       string    `json:"finding_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ThreatStatus is the investigation state of a unified threat.
type ThreatStatus string

const (
	ThreatActive        ThreatStatus = "active"
	ThreatInvestigating ThreatStatus = "investigating"
	ThreatContained     ThreatStatus = "contained"
	ThreatResolved      ThreatStatus = "resolved"
)

// ThreatSource records one contributing event of a unified threat.
type ThreatSource struct {
	ToolType      ToolType       `json:"tool_type"`
	IntegrationID string         `json:"integration_id"`
	SourceID      string         `json:"source_id"`
	Timestamp     time.Time      `json:"timestamp"`
	RawData       map[string]any `json:"raw_data,omitempty"`
}

// RiskFactor is one weighted contributor to a threat's risk score.
type RiskFactor struct {
	Factor      string `json:"factor"`
	Weight      int    `json:"weight"`
	Description string `json:"description,omitempty"`
}

// UnifiedThreat is the correlation engine's output: a synthetic record
// aggregating multiple source events under one rule.
//
// Invariants: FirstSeen <= LastSeen; EventCount equals len(Sources) at
// creation and may only grow on dedup merge; CorrelationID is the rule id
// plus a monotonic suffix.
type UnifiedThreat struct {
	ID             string         `json:"id"`
	CorrelationID  string         `json:"correlation_id"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Severity       Severity       `json:"severity"`
	Confidence     int            `json:"confidence"` // [0,100]
	Sources        []ThreatSource `json:"sources"`
	FirstSeen      time.Time      `json:"first_seen"`
	LastSeen       time.Time      `json:"last_seen"`
	EventCount     int            `json:"event_count"`
	AffectedAssets []string       `json:"affected_assets,omitempty"`
	AffectedUsers  []string       `json:"affected_users,omitempty"`
	Status         ThreatStatus   `json:"status"`
	Evidence       []string       `json:"evidence,omitempty"`
	RiskScore      int            `json:"risk_score"` // [0,100]
	RiskFactors    []RiskFactor   `json:"risk_factors,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	// DedupKey is the canonical form of the engine's deduplication fields.
	// Empty when deduplication is disabled.
	DedupKey string `json:"dedup_key,omitempty"`
}

// Operator is a rule condition operator.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
)

// Condition is one AND-ed predicate of a correlation rule.
type Condition struct {
	Field           string   `json:"field" yaml:"field"`
	Operator        Operator `json:"operator" yaml:"operator"`
	Value           any      `json:"value" yaml:"value"`
	CaseInsensitive bool     `json:"case_insensitive,omitempty" yaml:"case_insensitive,omitempty"`
}

// AggregateFunction names an aggregation reducer.
type AggregateFunction string

const (
	AggCount  AggregateFunction = "count"
	AggSum    AggregateFunction = "sum"
	AggAvg    AggregateFunction = "avg"
	AggMin    AggregateFunction = "min"
	AggMax    AggregateFunction = "max"
	AggUnique AggregateFunction = "unique"
)

// Aggregation groups surviving events and reduces them. Having conditions
// evaluate against a synthesized record: {count: v} for the count function,
// {value: v} for every other function.
type Aggregation struct {
	Field    string            `json:"field" yaml:"field"`
	Function AggregateFunction `json:"function" yaml:"function"`
	GroupBy  []string          `json:"group_by,omitempty" yaml:"group_by,omitempty"`
	Having   *Condition        `json:"having,omitempty" yaml:"having,omitempty"`
}

// ActionType names a rule-driven side effect.
type ActionType string

const (
	ActionCreateThreat    ActionType = "create-threat"
	ActionUpdateThreat    ActionType = "update-threat"
	ActionCreateTicket    ActionType = "create-ticket"
	ActionSendAlert       ActionType = "send-alert"
	ActionExecutePlaybook ActionType = "execute-playbook"
)

// RuleAction is one side effect of a matched rule, executed in order.
type RuleAction struct {
	Type       ActionType     `json:"type" yaml:"type"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// CorrelationRule is a filter + aggregation + severity + actions applied to
// a window of events.
type CorrelationRule struct {
	ID           string        `json:"id" yaml:"id"`
	Name         string        `json:"name" yaml:"name"`
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	SourceTypes  []ToolType    `json:"source_types" yaml:"source_types"`
	Conditions   []Condition   `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Aggregations []Aggregation `json:"aggregations,omitempty" yaml:"aggregations,omitempty"`
	Severity     Severity      `json:"severity" yaml:"severity"`
	Tags         []string      `json:"tags,omitempty" yaml:"tags,omitempty"`
	Actions      []RuleAction  `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// EngineConfig configures the correlation engine.
type EngineConfig struct {
	CorrelationWindowMinutes int      `json:"correlation_window_minutes"`
	LookbackMinutes          int      `json:"lookback_minutes"` // default 2x window
	DeduplicationEnabled     bool     `json:"deduplication_enabled"`
	DeduplicationFields      []string `json:"deduplication_fields,omitempty"`
	EnrichmentSources        []string `json:"enrichment_sources,omitempty"`
	OutputFormat             string   `json:"output_format,omitempty"`
	OutputDestinations       []string `json:"output_destinations,omitempty"`
}

// Lookback resolves the effective lookback window.
func (c EngineConfig) Lookback() time.Duration {
	if c.LookbackMinutes > 0 {
		return time.Duration(c.LookbackMinutes) * time.Minute
	}
	return 2 * time.Duration(c.CorrelationWindowMinutes) * time.Minute
}

// SyncFilter restricts a sync pass.
type SyncFilter struct {
	Since  *time.Time     `json:"since,omitempty"`
	Until  *time.Time     `json:"until,omitempty"`
	Extras map[string]any `json:"extras,omitempty"`
}

// SyncResult summarizes one completed sync pass.
type SyncResult struct {
	IntegrationID   string    `json:"integration_id"`
	Events          int       `json:"events"`
	Vulnerabilities int       `json:"vulnerabilities"`
	Findings        int       `json:"findings"`
	Tickets         int       `json:"tickets"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
}

// Total returns the total record count of a sync pass.
func (r SyncResult) Total() int {
	return r.Events + r.Vulnerabilities + r.Findings + r.Tickets
}
