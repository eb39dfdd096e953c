// Package buffer is a read-through cache over the event store, keyed by
// correlation window. Every engine tick reads the same window the dashboards
// read; caching the window keeps those reads off the primary store, and
// singleflight collapses concurrent misses into one query.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Mindburn-Labs/fusion/pkg/model"
	"github.com/Mindburn-Labs/fusion/pkg/sidestore"
	"github.com/Mindburn-Labs/fusion/pkg/store"
)

// Cache serves event windows, cached with a TTL equal to the engine lookback
// so entries age out on their own once the engine moves past them.
type Cache struct {
	events store.EventStore
	kv     sidestore.KV
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// New creates a window cache. ttl should be the engine's lookback duration.
func New(events store.EventStore, kv sidestore.KV, ttl time.Duration) *Cache {
	return &Cache{
		events: events,
		kv:     kv,
		ttl:    ttl,
		logger: slog.Default().With("component", "buffer"),
	}
}

// Window returns the events with start <= ts < end. Concurrent callers for
// the same window share one store query. A degraded side store never fails
// the read; the store is queried directly instead.
func (c *Cache) Window(ctx context.Context, start, end time.Time) ([]*model.NormalizedEvent, error) {
	key := sidestore.EventWindowKey(start, end)

	if raw, ok, err := c.kv.Get(ctx, key); err != nil {
		c.logger.WarnContext(ctx, "window cache read failed, querying store", "key", key, "error", err)
	} else if ok {
		var events []*model.NormalizedEvent
		if err := json.Unmarshal(raw, &events); err == nil {
			return events, nil
		}
		// A corrupt entry falls through to a fresh query and gets rewritten.
		c.logger.WarnContext(ctx, "window cache entry corrupt, refreshing", "key", key)
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		events, err := c.events.EventsBetween(ctx, start, end)
		if err != nil {
			return nil, fmt.Errorf("query event window: %w", err)
		}
		if raw, err := json.Marshal(events); err == nil {
			if err := c.kv.Set(ctx, key, raw, c.ttl); err != nil {
				c.logger.WarnContext(ctx, "window cache write failed", "key", key, "error", err)
			}
		}
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*model.NormalizedEvent), nil
}

// Invalidate drops a cached window, e.g. after a manual sync lands events
// inside a window the engine already read.
func (c *Cache) Invalidate(ctx context.Context, start, end time.Time) error {
	return c.kv.Delete(ctx, sidestore.EventWindowKey(start, end))
}
