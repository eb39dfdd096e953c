// Package registry owns integration lifecycle: validation, credential
// encryption, persistence and the single live adapter per integration.
// Reconfiguration swaps the adapter atomically so no caller ever observes a
// half-configured integration.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/fusion/pkg/adapter"
	"github.com/Mindburn-Labs/fusion/pkg/fault"
	"github.com/Mindburn-Labs/fusion/pkg/model"
	"github.com/Mindburn-Labs/fusion/pkg/store"
	"github.com/Mindburn-Labs/fusion/pkg/vault"
)

// encryptedCredentialKey is the single key under which the vault blob is
// persisted inside ConnectionConfig.Credentials.
const encryptedCredentialKey = "encrypted"

// ScheduleCanceller is notified when an integration is deleted so its sync
// schedule stops. Wired by the syncer.
type ScheduleCanceller func(integrationID string)

// Registry manages integrations and their adapters.
type Registry struct {
	store    store.Store
	vault    *vault.Vault
	adapters *adapter.Registry
	bus      *adapter.Bus
	logger   *slog.Logger

	mu   sync.RWMutex
	live map[string]adapter.Adapter

	cancelMu       sync.Mutex
	cancelSchedule ScheduleCanceller
}

// New creates a registry. Adapters are built lazily: after a restart the
// first Sync or Adapter call for an integration reconstructs its driver from
// the persisted row.
func New(st store.Store, v *vault.Vault, adapters *adapter.Registry, bus *adapter.Bus) *Registry {
	return &Registry{
		store:    st,
		vault:    v,
		adapters: adapters,
		bus:      bus,
		logger:   slog.Default().With("component", "registry"),
		live:     make(map[string]adapter.Adapter),
	}
}

// SetScheduleCanceller wires the syncer's schedule-stop hook.
func (r *Registry) SetScheduleCanceller(fn ScheduleCanceller) {
	r.cancelMu.Lock()
	r.cancelSchedule = fn
	r.cancelMu.Unlock()
}

func (r *Registry) notifyDelete(id string) {
	r.cancelMu.Lock()
	fn := r.cancelSchedule
	r.cancelMu.Unlock()
	if fn != nil {
		fn(id)
	}
}

func validate(integ *model.Integration) error {
	if integ.Name == "" {
		return fault.New(fault.CodeValidation, "integration name is required")
	}
	if !adapter.PlatformSupported(integ.Type, integ.Platform) {
		return fault.New(fault.CodeUnsupportedPlatform,
			fmt.Sprintf("platform %q is not supported for %s", integ.Platform, integ.Type))
	}
	if err := validateConnectionConfig(integ.ConnectionConfig); err != nil {
		return err
	}
	if integ.SyncPolicy.Enabled {
		if m := integ.SyncPolicy.IntervalMinutes; m < 5 || m > 1440 {
			return fault.New(fault.CodeValidation,
				fmt.Sprintf("sync interval %d outside [5, 1440] minutes", m))
		}
	}
	return nil
}

// Create validates, encrypts credentials, persists the integration and
// attempts the first connect. A failed connect leaves the row in error
// status; the integration still exists and can be fixed via Update.
func (r *Registry) Create(ctx context.Context, integ *model.Integration) (*model.Integration, error) {
	if err := validate(integ); err != nil {
		return nil, err
	}

	plaintext := integ.ConnectionConfig.Credentials
	blob, err := r.vault.EncryptCredentials(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt credentials: %w", err)
	}

	now := time.Now().UTC()
	persisted := *integ
	persisted.ID = uuid.NewString()
	persisted.ConnectionConfig.Credentials = map[string]string{encryptedCredentialKey: blob}
	persisted.Status = model.IntegrationConfiguring
	persisted.CreatedAt = now
	persisted.UpdatedAt = now
	persisted.Version = 1

	if err := r.store.CreateIntegration(ctx, &persisted); err != nil {
		return nil, fmt.Errorf("persist integration: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.buildAndConnectLocked(ctx, &persisted, plaintext); err != nil {
		r.logger.WarnContext(ctx, "initial connect failed",
			"integration_id", persisted.ID, "platform", persisted.Platform, "error", err)
		persisted.Status = model.IntegrationError
		_ = r.store.SetIntegrationStatus(ctx, persisted.ID, model.IntegrationError)
	} else {
		persisted.Status = model.IntegrationConnected
		persisted.LastConnected = &now
		_ = r.store.SetIntegrationStatus(ctx, persisted.ID, model.IntegrationConnected)
	}
	return sanitize(&persisted), nil
}

// buildAndConnectLocked constructs and connects the adapter, replacing any
// previous instance. Caller holds the write lock, which is what keeps the
// disconnect-old / connect-new sequence invisible to readers.
func (r *Registry) buildAndConnectLocked(ctx context.Context, integ *model.Integration, creds map[string]string) error {
	if old, ok := r.live[integ.ID]; ok {
		if err := old.Disconnect(ctx); err != nil {
			r.logger.WarnContext(ctx, "disconnect of replaced adapter failed",
				"integration_id", integ.ID, "error", err)
		}
		delete(r.live, integ.ID)
	}

	a, err := r.adapters.New(integ, creds, r.bus)
	if err != nil {
		return err
	}
	if err := a.Connect(ctx); err != nil {
		return err
	}
	r.live[integ.ID] = a
	return nil
}

// Get returns one integration with credentials stripped.
func (r *Registry) Get(ctx context.Context, id string) (*model.Integration, error) {
	integ, err := r.store.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	return sanitize(integ), nil
}

// List returns all integrations, newest first, credentials stripped.
func (r *Registry) List(ctx context.Context) ([]*model.Integration, error) {
	integrations, err := r.store.ListIntegrations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Integration, len(integrations))
	for i, integ := range integrations {
		out[i] = sanitize(integ)
	}
	return out, nil
}

// Update revalidates, re-encrypts credentials when new ones are supplied
// (an empty credential map keeps the stored ones) and atomically swaps the
// live adapter under the write lock.
func (r *Registry) Update(ctx context.Context, id string, updated *model.Integration) (*model.Integration, error) {
	current, err := r.store.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	if updated.Type != current.Type || updated.Platform != current.Platform {
		return nil, fault.New(fault.CodeValidation,
			"type and platform are immutable, create a new integration instead")
	}

	var plaintext map[string]string
	if len(updated.ConnectionConfig.Credentials) > 0 {
		plaintext = updated.ConnectionConfig.Credentials
	} else {
		plaintext, err = r.vault.DecryptCredentials(current.ConnectionConfig.Credentials[encryptedCredentialKey])
		if err != nil {
			return nil, fmt.Errorf("decrypt stored credentials: %w", err)
		}
	}

	candidate := *updated
	candidate.ID = id
	candidate.Type = current.Type
	candidate.Platform = current.Platform
	candidate.ConnectionConfig.Credentials = plaintext
	if err := validate(&candidate); err != nil {
		return nil, err
	}

	blob, err := r.vault.EncryptCredentials(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt credentials: %w", err)
	}
	candidate.ConnectionConfig.Credentials = map[string]string{encryptedCredentialKey: blob}
	candidate.CreatedAt = current.CreatedAt
	candidate.Version = current.Version

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.UpdateIntegration(ctx, &candidate); err != nil {
		return nil, fmt.Errorf("persist integration update: %w", err)
	}
	if err := r.buildAndConnectLocked(ctx, &candidate, plaintext); err != nil {
		r.logger.WarnContext(ctx, "reconnect after update failed",
			"integration_id", id, "error", err)
		candidate.Status = model.IntegrationError
		_ = r.store.SetIntegrationStatus(ctx, id, model.IntegrationError)
	} else {
		now := time.Now().UTC()
		candidate.Status = model.IntegrationConnected
		candidate.LastConnected = &now
		_ = r.store.SetIntegrationStatus(ctx, id, model.IntegrationConnected)
	}
	return sanitize(&candidate), nil
}

// Delete stops the schedule, disconnects the adapter, removes ticket
// mappings and deletes the row.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, err := r.store.GetIntegration(ctx, id); err != nil {
		return err
	}

	r.notifyDelete(id)

	r.mu.Lock()
	if a, ok := r.live[id]; ok {
		if err := a.Disconnect(ctx); err != nil {
			r.logger.WarnContext(ctx, "disconnect on delete failed",
				"integration_id", id, "error", err)
		}
		delete(r.live, id)
	}
	r.mu.Unlock()

	if err := r.store.DeleteTicketMappingsForIntegration(ctx, id); err != nil {
		return fmt.Errorf("remove ticket mappings: %w", err)
	}
	return r.store.DeleteIntegration(ctx, id)
}

// Adapter returns the live adapter for an integration, rebuilding it from
// the persisted row if needed (first use after a restart).
func (r *Registry) Adapter(ctx context.Context, id string) (adapter.Adapter, error) {
	r.mu.RLock()
	a, ok := r.live[id]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.live[id]; ok {
		return a, nil
	}

	integ, err := r.store.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	creds, err := r.vault.DecryptCredentials(integ.ConnectionConfig.Credentials[encryptedCredentialKey])
	if err != nil {
		return nil, fmt.Errorf("decrypt stored credentials: %w", err)
	}
	if err := r.buildAndConnectLocked(ctx, integ, creds); err != nil {
		_ = r.store.SetIntegrationStatus(ctx, id, model.IntegrationError)
		return nil, err
	}
	_ = r.store.SetIntegrationStatus(ctx, id, model.IntegrationConnected)
	return r.live[id], nil
}

// FirstConnectedByType returns the id of the first connected integration of
// a tool type. The dispatcher uses it to pick a default ticketing target.
func (r *Registry) FirstConnectedByType(ctx context.Context, toolType model.ToolType) (string, bool) {
	integrations, err := r.store.ListIntegrations(ctx)
	if err != nil {
		return "", false
	}
	for _, integ := range integrations {
		if integ.Type == toolType && integ.Status == model.IntegrationConnected {
			return integ.ID, true
		}
	}
	return "", false
}

// Close disconnects every live adapter. Called once during shutdown, after
// the sync pool has drained.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range r.live {
		if err := a.Disconnect(ctx); err != nil {
			r.logger.WarnContext(ctx, "disconnect on shutdown failed",
				"integration_id", id, "error", err)
		}
		delete(r.live, id)
	}
}

// TestConnection probes a candidate configuration with an ephemeral adapter.
// Nothing is persisted or cached and a failure is reported as false, never
// as an error.
func (r *Registry) TestConnection(ctx context.Context, integ *model.Integration) bool {
	if err := validate(integ); err != nil {
		return false
	}
	a, err := r.adapters.New(integ, integ.ConnectionConfig.Credentials, nil)
	if err != nil {
		return false
	}
	return a.TestConnection(ctx)
}

// sanitize strips credential material from an integration before it crosses
// the registry boundary.
func sanitize(integ *model.Integration) *model.Integration {
	out := *integ
	out.ConnectionConfig.Credentials = nil
	return &out
}
