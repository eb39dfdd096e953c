package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/fusion/pkg/adapter"
	"github.com/Mindburn-Labs/fusion/pkg/fault"
	"github.com/Mindburn-Labs/fusion/pkg/model"
	"github.com/Mindburn-Labs/fusion/pkg/sidestore"
	"github.com/Mindburn-Labs/fusion/pkg/store"
)

type stubAdapter struct {
	syncs   atomic.Int32
	syncErr error
	gate    chan struct{} // when set, Sync blocks until the gate closes
}

func (s *stubAdapter) Connect(context.Context) error        { return nil }
func (s *stubAdapter) TestConnection(context.Context) bool  { return true }
func (s *stubAdapter) Disconnect(context.Context) error     { return nil }
func (s *stubAdapter) Status() adapter.Status               { return adapter.StatusConnected }
func (s *stubAdapter) Sync(ctx context.Context, _ model.SyncFilter) (*model.SyncResult, error) {
	s.syncs.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.syncErr != nil {
		return nil, s.syncErr
	}
	return &model.SyncResult{}, nil
}

type stubSource struct {
	adapters map[string]*stubAdapter
}

func (s *stubSource) Adapter(_ context.Context, id string) (adapter.Adapter, error) {
	a, ok := s.adapters[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func seedIntegration(t *testing.T, st store.Store, id string, enabled bool) {
	t.Helper()
	now := time.Now().UTC()
	err := st.CreateIntegration(context.Background(), &model.Integration{
		ID:       id,
		Name:     "integration " + id,
		Type:     model.ToolSIEM,
		Platform: "splunk",
		ConnectionConfig: model.ConnectionConfig{
			Endpoint: "https://siem.example",
			AuthType: model.AuthAPIKey,
		},
		SyncPolicy: model.SyncPolicy{Enabled: enabled, Direction: model.DirectionInbound, IntervalMinutes: 15},
		Status:     model.IntegrationConnected,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	})
	require.NoError(t, err)
}

func testOrchestrator(t *testing.T, cfg Config, adapters map[string]*stubAdapter) (*Orchestrator, store.Store, sidestore.KV) {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	kv := sidestore.NewMemory()
	o := New(&stubSource{adapters: adapters}, st, kv, cfg)
	t.Cleanup(o.Stop)
	return o, st, kv
}

func TestSyncSuccessUpdatesIntegration(t *testing.T) {
	a := &stubAdapter{}
	o, st, kv := testOrchestrator(t, Config{ScheduleEvery: time.Hour}, map[string]*stubAdapter{"i1": a})
	seedIntegration(t, st, "i1", false)
	o.Start(context.Background())

	require.NoError(t, o.RequestSync("i1", model.SyncFilter{}))

	require.Eventually(t, func() bool {
		integ, err := st.GetIntegration(context.Background(), "i1")
		return err == nil && integ.LastSync != nil
	}, 2*time.Second, 10*time.Millisecond)

	integ, err := st.GetIntegration(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, model.IntegrationConnected, integ.Status)

	raw, ok, err := kv.Get(context.Background(), sidestore.IntegrationMetricsKey("i1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"syncs":1,"errors":0}`, string(raw))
}

func TestSyncFailureFlipsIntegrationToError(t *testing.T) {
	a := &stubAdapter{syncErr: fault.New(fault.CodeConnectionTimeout, "vendor timeout")}
	o, st, kv := testOrchestrator(t, Config{ScheduleEvery: time.Hour}, map[string]*stubAdapter{"i1": a})
	seedIntegration(t, st, "i1", false)
	o.Start(context.Background())

	require.NoError(t, o.RequestSync("i1", model.SyncFilter{}))

	require.Eventually(t, func() bool {
		integ, err := st.GetIntegration(context.Background(), "i1")
		return err == nil && integ.Status == model.IntegrationError
	}, 2*time.Second, 10*time.Millisecond)

	raw, ok, err := kv.Get(context.Background(), sidestore.IntegrationMetricsKey("i1"))
	require.NoError(t, err)
	require.True(t, ok)
	var counters HealthCounters
	require.NoError(t, json.Unmarshal(raw, &counters))
	assert.Equal(t, 1, counters.Syncs)
	assert.Equal(t, 1, counters.Errors)
	assert.Contains(t, counters.LastError, "vendor timeout")
}

func TestQueueSaturationRejectsExplicitRequests(t *testing.T) {
	gate := make(chan struct{})
	adapters := map[string]*stubAdapter{
		"i1": {gate: gate},
		"i2": {gate: gate},
		"i3": {gate: gate},
	}
	o, st, _ := testOrchestrator(t, Config{Workers: 1, QueueDepth: 1, ScheduleEvery: time.Hour}, adapters)
	for id := range adapters {
		seedIntegration(t, st, id, false)
	}
	o.Start(context.Background())

	// First job occupies the worker, second fills the queue.
	require.NoError(t, o.RequestSync("i1", model.SyncFilter{}))
	require.Eventually(t, func() bool { return adapters["i1"].syncs.Load() == 1 },
		2*time.Second, 5*time.Millisecond)
	require.NoError(t, o.RequestSync("i2", model.SyncFilter{}))

	err := o.RequestSync("i3", model.SyncFilter{})
	assert.Equal(t, fault.CodeSyncQueueFull, fault.CodeOf(err))

	close(gate)
}

func TestPerIntegrationSyncsAreCoalesced(t *testing.T) {
	gate := make(chan struct{})
	a := &stubAdapter{gate: gate}
	o, st, _ := testOrchestrator(t, Config{ScheduleEvery: time.Hour}, map[string]*stubAdapter{"i1": a})
	seedIntegration(t, st, "i1", false)
	o.Start(context.Background())

	require.NoError(t, o.RequestSync("i1", model.SyncFilter{}))
	require.Eventually(t, func() bool { return a.syncs.Load() == 1 },
		2*time.Second, 5*time.Millisecond)

	// Re-requesting while the job runs coalesces instead of double-running.
	require.NoError(t, o.RequestSync("i1", model.SyncFilter{}))
	close(gate)

	require.Eventually(t, func() bool {
		integ, err := st.GetIntegration(context.Background(), "i1")
		return err == nil && integ.LastSync != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), a.syncs.Load())
}

func TestScheduleLeaseSuppressesRepeatTicks(t *testing.T) {
	a := &stubAdapter{}
	o, st, _ := testOrchestrator(t, Config{ScheduleEvery: 20 * time.Millisecond}, map[string]*stubAdapter{"i1": a})
	seedIntegration(t, st, "i1", true)
	o.Start(context.Background())

	require.Eventually(t, func() bool { return a.syncs.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)

	// Several more cadence ticks pass; the held lease keeps the schedule
	// from re-firing inside the interval.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), a.syncs.Load())
}

func TestDeletedIntegrationResultDiscarded(t *testing.T) {
	gate := make(chan struct{})
	a := &stubAdapter{gate: gate}
	o, st, kv := testOrchestrator(t, Config{ScheduleEvery: time.Hour}, map[string]*stubAdapter{"i1": a})
	seedIntegration(t, st, "i1", false)
	o.Start(context.Background())

	require.NoError(t, o.RequestSync("i1", model.SyncFilter{}))
	require.Eventually(t, func() bool { return a.syncs.Load() == 1 },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, st.DeleteIntegration(context.Background(), "i1"))
	close(gate)

	// The finished job must not resurrect the row or roll up counters.
	assert.Never(t, func() bool {
		if _, err := st.GetIntegration(context.Background(), "i1"); !errors.Is(err, store.ErrNotFound) {
			return true
		}
		_, ok, _ := kv.Get(context.Background(), sidestore.IntegrationMetricsKey("i1"))
		return ok
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestStopDrainsQueuedJobs(t *testing.T) {
	adapters := map[string]*stubAdapter{"i1": {}, "i2": {}, "i3": {}}
	o, st, _ := testOrchestrator(t, Config{Workers: 1, QueueDepth: 8, ScheduleEvery: time.Hour}, adapters)
	for id := range adapters {
		seedIntegration(t, st, id, false)
	}
	o.Start(context.Background())

	require.NoError(t, o.RequestSync("i1", model.SyncFilter{}))
	require.NoError(t, o.RequestSync("i2", model.SyncFilter{}))
	require.NoError(t, o.RequestSync("i3", model.SyncFilter{}))

	o.Stop()

	total := adapters["i1"].syncs.Load() + adapters["i2"].syncs.Load() + adapters["i3"].syncs.Load()
	assert.Equal(t, int32(3), total, "queued jobs complete before shutdown")

	err := o.RequestSync("i1", model.SyncFilter{})
	assert.Equal(t, fault.CodeSyncQueueFull, fault.CodeOf(err))
}

func TestCancelScheduleDropsLease(t *testing.T) {
	o, _, kv := testOrchestrator(t, Config{ScheduleEvery: time.Hour}, nil)
	ctx := context.Background()

	key := sidestore.SyncLeaseKey("i1")
	ok, err := kv.AcquireLease(ctx, key, "someone", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	o.CancelSchedule("i1")

	ok, err = kv.AcquireLease(ctx, key, "someone-else", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "lease is gone after cancel")
}
