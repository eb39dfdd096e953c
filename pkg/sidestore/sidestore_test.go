package sidestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

func TestMemoryGetSetDelete(t *testing.T) {
	kv := NewMemory()
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "k", []byte("v"), 0))
	got, ok, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, kv.Delete(ctx, "k"))
	_, ok, err = kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTTLExpiry(t *testing.T) {
	kv := NewMemory()
	now := time.Now()
	kv.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", []byte("v"), time.Minute))
	_, ok, _ := kv.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(61 * time.Second)
	_, ok, _ = kv.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryLeaseOwnership(t *testing.T) {
	kv := NewMemory()
	now := time.Now()
	kv.now = func() time.Time { return now }
	ctx := context.Background()

	key := SyncLeaseKey("int-1")

	ok, err := kv.AcquireLease(ctx, key, "replica-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second replica cannot steal a live lease.
	ok, err = kv.AcquireLease(ctx, key, "replica-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Only the owner renews.
	ok, err = kv.RenewLease(ctx, key, "replica-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = kv.RenewLease(ctx, key, "replica-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Releasing with the wrong owner is a no-op.
	require.NoError(t, kv.ReleaseLease(ctx, key, "replica-b"))
	ok, _ = kv.AcquireLease(ctx, key, "replica-b", time.Minute)
	assert.False(t, ok)

	require.NoError(t, kv.ReleaseLease(ctx, key, "replica-a"))
	ok, _ = kv.AcquireLease(ctx, key, "replica-b", time.Minute)
	assert.True(t, ok)
}

func TestMemoryLeaseExpires(t *testing.T) {
	kv := NewMemory()
	now := time.Now()
	kv.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := kv.AcquireLease(ctx, "lease", "a", time.Minute)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = kv.AcquireLease(ctx, "lease", "b", time.Minute)
	assert.True(t, ok, "expired lease is up for grabs")
}

func TestKeyShapes(t *testing.T) {
	start := time.UnixMilli(1000)
	end := time.UnixMilli(2000)
	assert.Equal(t, "security-events:1000:2000", EventWindowKey(start, end))
	assert.Equal(t, "integration-metrics:int-1", IntegrationMetricsKey("int-1"))
	assert.Equal(t, "tool-metrics:siem", ToolMetricsKey(model.ToolSIEM))
	assert.Equal(t, "sync-schedule:int-1", SyncLeaseKey("int-1"))
}

// TestRedisKV_Integration requires a running Redis. Skips when none is
// reachable on the default port.
func TestRedisKV_Integration(t *testing.T) {
	ctx := context.Background()
	kv, err := NewRedis(ctx, "localhost:6379", "", 0)
	if err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer func() { _ = kv.Close() }()

	key := "fusion-test:" + t.Name()
	require.NoError(t, kv.Set(ctx, key, []byte("v"), time.Minute))
	got, ok, err := kv.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
	require.NoError(t, kv.Delete(ctx, key))

	lease := "fusion-test-lease:" + t.Name()
	ok, err = kv.AcquireLease(ctx, lease, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = kv.AcquireLease(ctx, lease, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = kv.RenewLease(ctx, lease, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, kv.ReleaseLease(ctx, lease, "a"))
}
