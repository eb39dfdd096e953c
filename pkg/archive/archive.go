// Package archive persists raw vendor sync payloads before normalization so
// incidents can be replayed against the exact bytes a tool returned. Payloads
// are content-addressed under their SHA-256 and namespaced per integration.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Store is the archival contract. Put is idempotent: archiving the same
// payload twice returns the same reference without a second write.
type Store interface {
	// Put persists a raw payload for an integration and returns its reference.
	Put(ctx context.Context, integrationID string, payload []byte) (string, error)
	// Get retrieves a payload by reference.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Exists reports whether a reference resolves to a stored payload.
	Exists(ctx context.Context, ref string) (bool, error)
	// Delete removes a payload. Deleting a missing reference is not an error.
	Delete(ctx context.Context, ref string) error
}

// refFor builds the canonical reference: <integrationID>/sha256:<hex>.
func refFor(integrationID string, payload []byte) string {
	sum := sha256.Sum256(payload)
	return integrationID + "/sha256:" + hex.EncodeToString(sum[:])
}

// parseRef splits a reference into its integration namespace and raw hex
// digest, validating both halves.
func parseRef(ref string) (integrationID, rawHash string, err error) {
	ns, digest, ok := strings.Cut(ref, "/")
	if !ok || ns == "" {
		return "", "", fmt.Errorf("invalid archive reference: %s", ref)
	}
	raw, ok := strings.CutPrefix(digest, "sha256:")
	if !ok {
		return "", "", fmt.Errorf("invalid archive reference: %s", ref)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", "", fmt.Errorf("invalid archive reference hex: %w", err)
	}
	return ns, raw, nil
}

// NoopStore discards payloads. Used when archiving is disabled; references it
// returns are still stable so callers can log them.
type NoopStore struct{}

func (NoopStore) Put(_ context.Context, integrationID string, payload []byte) (string, error) {
	return refFor(integrationID, payload), nil
}

func (NoopStore) Get(_ context.Context, ref string) ([]byte, error) {
	return nil, fmt.Errorf("archiving disabled, payload not retained: %s", ref)
}

func (NoopStore) Exists(context.Context, string) (bool, error) { return false, nil }

func (NoopStore) Delete(context.Context, string) error { return nil }
