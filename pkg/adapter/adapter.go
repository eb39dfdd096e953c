// Package adapter defines the uniform driver contract over vendor security
// tools and the concrete adapters for each tool class. Every adapter owns
// its vendor connection plus retry and rate-limit state; the rest of the
// engine only ever sees the Adapter interface, capability interfaces and
// domain events.
package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Mindburn-Labs/fusion/pkg/fault"
	"github.com/Mindburn-Labs/fusion/pkg/model"
)

// State is the adapter lifecycle state.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateSyncing       State = "syncing"
	StateError         State = "error"
	StateDisconnecting State = "disconnecting"
)

// Status is the coarse status surfaced to callers.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Adapter is the universal lifecycle every vendor driver implements.
// Tool-specific primitives live on the capability interfaces below and are
// reached via type assertion.
type Adapter interface {
	// Connect establishes the vendor session. Fails with an
	// AUTHENTICATION_FAILED or transport fault.
	Connect(ctx context.Context) error
	// TestConnection probes the vendor endpoint. It never panics and never
	// returns an error past the boundary.
	TestConnection(ctx context.Context) bool
	// Sync pulls one pass of records matching filter, emitting domain events
	// per record plus sync.started / sync.completed|sync.failed.
	Sync(ctx context.Context, filter model.SyncFilter) (*model.SyncResult, error)
	// Disconnect tears down the vendor session.
	Disconnect(ctx context.Context) error
	// Status reports the coarse connection status.
	Status() Status
}

// Ticketable is implemented by ticketing adapters.
type Ticketable interface {
	CreateTicket(ctx context.Context, ticket *model.Ticket) (externalID string, err error)
	UpdateTicket(ctx context.Context, externalID string, fields map[string]any) error
	AddComment(ctx context.Context, externalID, comment string) error
	TransitionTicket(ctx context.Context, externalID, status string) error
	LinkTickets(ctx context.Context, externalID, otherExternalID, linkType string) error
}

// Scannable is implemented by vulnerability scanner adapters.
type Scannable interface {
	CreateScan(ctx context.Context, name string, targets []string) (scanID string, err error)
	LaunchScan(ctx context.Context, scanID string) error
	GetScanStatus(ctx context.Context, scanID string) (string, error)
	ExportScan(ctx context.Context, scanID string) ([]model.Vulnerability, error)
}

// SIEMSearchable is implemented by SIEM adapters.
type SIEMSearchable interface {
	Search(ctx context.Context, query string, since, until time.Time) ([]map[string]any, error)
}

// Remediable is implemented by cloud posture adapters that can trigger
// remediation for a finding.
type Remediable interface {
	Remediate(ctx context.Context, findingID string) error
}

// platformMatrix is the supported (tool type, platform) whitelist, enforced
// at construction.
var platformMatrix = map[model.ToolType][]string{
	model.ToolSIEM:      {"splunk", "qradar", "elastic", "sentinel", "chronicle", "sumologic", "custom"},
	model.ToolScanner:   {"nessus", "qualys", "rapid7", "openvas", "acunetix", "burp", "custom"},
	model.ToolCloud:     {"aws", "azure", "gcp", "alibaba", "oracle", "ibm"},
	model.ToolTicketing: {"jira", "servicenow", "remedy", "zendesk", "freshservice", "custom"},
}

// SupportedPlatforms returns the whitelist for a tool type.
func SupportedPlatforms(toolType model.ToolType) []string {
	return platformMatrix[toolType]
}

// PlatformSupported reports whether the (type, platform) pair is in the
// supported matrix.
func PlatformSupported(toolType model.ToolType, platform string) bool {
	for _, p := range platformMatrix[toolType] {
		if p == platform {
			return true
		}
	}
	return false
}

// Factory constructs an adapter for an integration. Credentials arrive
// already decrypted; the factory must not persist them.
type Factory func(integ *model.Integration, creds map[string]string, bus *Bus) (Adapter, error)

// apiConstraint gates factory registrations: a factory built against an
// incompatible adapter API version is rejected at registration time.
var apiConstraint = semver.MustParse("1.0.0")

type factoryEntry struct {
	factory Factory
	version *semver.Version
}

// Registry maps (tool type, platform) pairs to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]factoryEntry
}

// NewRegistry creates an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]factoryEntry)}
}

func factoryKey(toolType model.ToolType, platform string) string {
	return string(toolType) + "/" + platform
}

// Register adds a factory for a whitelisted pair. apiVersion is the adapter
// API the factory was built against; its major version must match the
// engine's.
func (r *Registry) Register(toolType model.ToolType, platform, apiVersion string, f Factory) error {
	if !PlatformSupported(toolType, platform) {
		return fault.New(fault.CodeUnsupportedPlatform,
			fmt.Sprintf("platform %q is not supported for %s", platform, toolType))
	}
	v, err := semver.NewVersion(apiVersion)
	if err != nil {
		return fmt.Errorf("invalid adapter api version %q: %w", apiVersion, err)
	}
	if v.Major() != apiConstraint.Major() {
		return fmt.Errorf("adapter api version %s incompatible with engine api %s", v, apiConstraint)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[factoryKey(toolType, platform)] = factoryEntry{factory: f, version: v}
	return nil
}

// New constructs an adapter for the integration. An unknown pair fails fast
// with UNSUPPORTED_PLATFORM.
func (r *Registry) New(integ *model.Integration, creds map[string]string, bus *Bus) (Adapter, error) {
	if !PlatformSupported(integ.Type, integ.Platform) {
		return nil, fault.New(fault.CodeUnsupportedPlatform,
			fmt.Sprintf("platform %q is not supported for %s", integ.Platform, integ.Type)).
			WithIntegration(integ.ID, string(integ.Type), integ.Platform)
	}

	r.mu.RLock()
	entry, ok := r.factories[factoryKey(integ.Type, integ.Platform)]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.CodeUnsupportedPlatform,
			fmt.Sprintf("no adapter registered for %s/%s", integ.Type, integ.Platform)).
			WithIntegration(integ.ID, string(integ.Type), integ.Platform)
	}
	return entry.factory(integ, creds, bus)
}

// DefaultRegistry returns a registry with every built-in adapter registered.
// The generic REST adapters cover all whitelisted platforms of their tool
// class; vendor-exact drivers can overwrite individual pairs.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for toolType, platforms := range platformMatrix {
		var f Factory
		switch toolType {
		case model.ToolSIEM:
			f = NewSIEMAdapter
		case model.ToolScanner:
			f = NewScannerAdapter
		case model.ToolCloud:
			f = NewCloudAdapter
		case model.ToolTicketing:
			f = NewTicketingAdapter
		}
		for _, p := range platforms {
			// Registration of built-ins cannot fail: pairs come from the matrix.
			_ = r.Register(toolType, p, "1.0.0", f)
		}
	}
	return r
}
