// Package sidestore is the shared TTL key-value plane next to the primary
// store: cached correlation windows, rolled-up metrics and the sync scheduler
// leases that keep multi-replica deployments from double-running a schedule.
package sidestore

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

// KV is the TTL key-value and lease contract.
type KV interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores a value. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes a key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// AcquireLease takes the lease if nobody holds it. Returns false when
	// another owner holds it.
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// RenewLease extends a lease the owner still holds. Returns false when
	// the lease expired or changed hands.
	RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease drops the lease if the owner still holds it.
	ReleaseLease(ctx context.Context, key, owner string) error

	Close() error
}

// EventWindowKey caches the normalized events of one correlation window.
func EventWindowKey(start, end time.Time) string {
	return fmt.Sprintf("security-events:%d:%d", start.UnixMilli(), end.UnixMilli())
}

// IntegrationMetricsKey caches per-integration health rollups.
func IntegrationMetricsKey(integrationID string) string {
	return "integration-metrics:" + integrationID
}

// ToolMetricsKey caches per-tool-class rollups.
func ToolMetricsKey(toolType model.ToolType) string {
	return "tool-metrics:" + string(toolType)
}

// SyncLeaseKey guards one integration's sync schedule.
func SyncLeaseKey(integrationID string) string {
	return "sync-schedule:" + integrationID
}
