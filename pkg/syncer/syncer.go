// Package syncer is the sync orchestrator: a bounded worker pool pulling
// jobs from a FIFO queue, fed by explicit sync requests and by a lease-driven
// schedule in the side store. Per integration, syncs are serialized; between
// integrations there is no ordering guarantee.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/fusion/pkg/adapter"
	"github.com/Mindburn-Labs/fusion/pkg/fault"
	"github.com/Mindburn-Labs/fusion/pkg/model"
	"github.com/Mindburn-Labs/fusion/pkg/sidestore"
	"github.com/Mindburn-Labs/fusion/pkg/store"
)

// AdapterSource resolves the live adapter for an integration. Satisfied by
// the integration registry.
type AdapterSource interface {
	Adapter(ctx context.Context, id string) (adapter.Adapter, error)
}

// Config tunes the orchestrator.
type Config struct {
	// Workers is the pool size. Default 3.
	Workers int
	// QueueDepth bounds the job queue. Default 32.
	QueueDepth int
	// DrainTimeout is how long Stop waits for in-flight jobs. Default 30s.
	DrainTimeout time.Duration
	// ScheduleEvery is the cadence at which expired sync leases are
	// re-checked. Default 30s.
	ScheduleEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers < 1 {
		c.Workers = 3
	}
	if c.QueueDepth < 1 {
		c.QueueDepth = 32
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.ScheduleEvery <= 0 {
		c.ScheduleEvery = 30 * time.Second
	}
	return c
}

// HealthCounters is the per-integration sync rollup kept in the side store
// under IntegrationMetricsKey. The posture aggregator reads it.
type HealthCounters struct {
	Syncs     int    `json:"syncs"`
	Errors    int    `json:"errors"`
	LastError string `json:"last_error,omitempty"`
}

type job struct {
	integrationID string
	filter        model.SyncFilter
	scheduled     bool
}

// Orchestrator runs sync jobs on a bounded pool.
type Orchestrator struct {
	adapters AdapterSource
	store    store.Store
	kv       sidestore.KV
	cfg      Config
	owner    string
	logger   *slog.Logger

	queue chan job

	mu        sync.Mutex
	pending   map[string]struct{} // queued or running integration ids
	accepting bool
	started   bool

	runCtx context.Context
	cancel context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an orchestrator. Start must be called before jobs run.
func New(adapters AdapterSource, st store.Store, kv sidestore.KV, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		adapters: adapters,
		store:    st,
		kv:       kv,
		cfg:      cfg,
		owner:    uuid.NewString(),
		logger:   slog.Default().With("component", "syncer"),
		queue:    make(chan job, cfg.QueueDepth),
		pending:  make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the workers and the schedule loop.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.accepting = true
	o.runCtx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))
	o.mu.Unlock()

	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	o.wg.Add(1)
	go o.scheduleLoop()
}

// Stop stops accepting jobs, lets the queue drain up to DrainTimeout, then
// cancels whatever is still in flight.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.accepting = false
		started := o.started
		o.mu.Unlock()
		close(o.stopCh)
		if !started {
			return
		}
		close(o.queue)

		done := make(chan struct{})
		go func() {
			o.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(o.cfg.DrainTimeout):
			o.logger.Warn("drain deadline exceeded, cancelling in-flight syncs")
			o.cancel()
			<-done
		}
		o.cancel()
	})
}

// RequestSync enqueues an explicit sync job. A saturated queue fails with
// SYNC_QUEUE_FULL; a job for an integration already queued or running is
// coalesced into the existing one.
func (o *Orchestrator) RequestSync(integrationID string, filter model.SyncFilter) error {
	accepted, busy, err := o.enqueue(integrationID, filter, false)
	if err != nil {
		return err
	}
	if busy || accepted {
		return nil
	}
	return fault.New(fault.CodeSyncQueueFull, "sync queue is full").
		WithIntegration(integrationID, "", "")
}

// CancelSchedule drops the schedule lease for an integration. Wired as the
// registry's delete hook; a queued or in-flight job for the integration still
// runs but its results are discarded once the row is gone.
func (o *Orchestrator) CancelSchedule(integrationID string) {
	if err := o.kv.Delete(context.Background(), sidestore.SyncLeaseKey(integrationID)); err != nil {
		o.logger.Warn("schedule lease delete failed",
			"integration_id", integrationID, "error", err)
	}
}

// enqueue reports (accepted, busy, err). busy means a job for the
// integration is already queued or running.
func (o *Orchestrator) enqueue(integrationID string, filter model.SyncFilter, scheduled bool) (bool, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.accepting {
		return false, false, fault.New(fault.CodeSyncQueueFull, "orchestrator is shutting down")
	}
	if _, busy := o.pending[integrationID]; busy {
		return false, true, nil
	}
	select {
	case o.queue <- job{integrationID: integrationID, filter: filter, scheduled: scheduled}:
		o.pending[integrationID] = struct{}{}
		return true, false, nil
	default:
		return false, false, nil
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for j := range o.queue {
		o.run(o.runCtx, j)
	}
}

func (o *Orchestrator) run(ctx context.Context, j job) {
	defer func() {
		o.mu.Lock()
		delete(o.pending, j.integrationID)
		o.mu.Unlock()
	}()

	a, err := o.adapters.Adapter(ctx, j.integrationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		o.logger.WarnContext(ctx, "adapter unavailable for sync",
			"integration_id", j.integrationID, "error", err)
		o.recordOutcome(ctx, j.integrationID, err)
		return
	}

	started := time.Now().UTC()
	_, syncErr := a.Sync(ctx, j.filter)

	// The integration may have been deleted while the job ran; its results
	// are discarded rather than resurrecting the row.
	if _, gerr := o.store.GetIntegration(ctx, j.integrationID); errors.Is(gerr, store.ErrNotFound) {
		o.logger.InfoContext(ctx, "discarding sync result for deleted integration",
			"integration_id", j.integrationID)
		return
	}

	if syncErr != nil {
		o.logger.WarnContext(ctx, "sync failed",
			"integration_id", j.integrationID, "scheduled", j.scheduled,
			"code", fault.CodeOf(syncErr), "error", syncErr)
		if err := o.store.SetIntegrationStatus(ctx, j.integrationID, model.IntegrationError); err != nil {
			o.logger.WarnContext(ctx, "status update failed", "integration_id", j.integrationID, "error", err)
		}
		o.recordOutcome(ctx, j.integrationID, syncErr)
		return
	}

	if err := o.store.SetLastSync(ctx, j.integrationID, started); err != nil {
		o.logger.WarnContext(ctx, "last-sync update failed", "integration_id", j.integrationID, "error", err)
	}
	if err := o.store.SetIntegrationStatus(ctx, j.integrationID, model.IntegrationConnected); err != nil {
		o.logger.WarnContext(ctx, "status update failed", "integration_id", j.integrationID, "error", err)
	}
	o.recordOutcome(ctx, j.integrationID, nil)
}

// recordOutcome rolls the sync into the side-store health counters. A
// degraded side store only costs the rollup, never the sync.
func (o *Orchestrator) recordOutcome(ctx context.Context, integrationID string, syncErr error) {
	key := sidestore.IntegrationMetricsKey(integrationID)
	var counters HealthCounters
	if raw, ok, err := o.kv.Get(ctx, key); err == nil && ok {
		_ = json.Unmarshal(raw, &counters)
	}
	counters.Syncs++
	if syncErr != nil {
		counters.Errors++
		counters.LastError = syncErr.Error()
	} else {
		counters.LastError = ""
	}
	raw, err := json.Marshal(counters)
	if err != nil {
		return
	}
	if err := o.kv.Set(ctx, key, raw, 0); err != nil {
		o.logger.WarnContext(ctx, "health counter write failed",
			"integration_id", integrationID, "error", err)
	}
}

// scheduleLoop re-enqueues integrations whose sync lease expired. The lease
// TTL equals the integration's interval, so holding it suppresses duplicate
// schedules across replicas until the next slot opens.
func (o *Orchestrator) scheduleLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.ScheduleEvery)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.scheduleTick(o.runCtx)
		}
	}
}

func (o *Orchestrator) scheduleTick(ctx context.Context) {
	integrations, err := o.store.ListIntegrations(ctx)
	if err != nil {
		o.logger.WarnContext(ctx, "schedule tick list failed", "error", err)
		return
	}
	for _, integ := range integrations {
		if !integ.SyncPolicy.Enabled {
			continue
		}
		ttl := time.Duration(integ.SyncPolicy.IntervalMinutes) * time.Minute
		key := sidestore.SyncLeaseKey(integ.ID)
		ok, err := o.kv.AcquireLease(ctx, key, o.owner, ttl)
		if err != nil {
			o.logger.WarnContext(ctx, "schedule lease acquire failed",
				"integration_id", integ.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		filter := model.SyncFilter{Since: integ.LastSync, Extras: integ.SyncPolicy.Filter}
		accepted, busy, err := o.enqueue(integ.ID, filter, true)
		if err != nil {
			return // shutting down
		}
		if !accepted && !busy {
			// Saturated pool drops the tick silently. Releasing the lease
			// lets the next tick re-attempt instead of waiting a full slot.
			if rerr := o.kv.ReleaseLease(ctx, key, o.owner); rerr != nil {
				o.logger.WarnContext(ctx, "schedule lease release failed",
					"integration_id", integ.ID, "error", rerr)
			}
		}
	}
}
