package syncer

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Mindburn-Labs/fusion/pkg/adapter"
	"github.com/Mindburn-Labs/fusion/pkg/archive"
	"github.com/Mindburn-Labs/fusion/pkg/model"
	"github.com/Mindburn-Labs/fusion/pkg/store"
)

// eventBatchSize bounds how many normalized events accumulate before a
// store write. Sync completion flushes whatever is buffered.
const eventBatchSize = 128

// Ingestor consumes the adapter event bus and persists records: normalized
// events in batches, vulnerabilities, cloud findings and tickets as they
// arrive. Raw vendor payloads go to the archive when one is configured.
// Persistence failures are logged and the stream keeps going; the next sync
// re-delivers vendor state.
type Ingestor struct {
	store   store.Store
	archive archive.Store
	events  <-chan adapter.Event
	logger  *slog.Logger

	batch   []*model.NormalizedEvent
	onFlush func(ctx context.Context, n int)
}

// NewIngestor subscribes to the bus. Run must be started before adapters
// begin publishing or the subscriber buffer may overflow and drop.
func NewIngestor(st store.Store, arch archive.Store, bus *adapter.Bus) *Ingestor {
	if arch == nil {
		arch = archive.NoopStore{}
	}
	return &Ingestor{
		store:   st,
		archive: arch,
		events:  bus.Subscribe(),
		logger:  slog.Default().With("component", "ingest"),
	}
}

// OnFlush registers a callback invoked with the batch size after each
// successful event flush. Set before Run starts.
func (i *Ingestor) OnFlush(fn func(ctx context.Context, n int)) {
	i.onFlush = fn
}

// Run consumes until the context is cancelled or the bus closes. Buffered
// events are flushed on exit.
func (i *Ingestor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			i.flush(context.WithoutCancel(ctx))
			return
		case ev, ok := <-i.events:
			if !ok {
				i.flush(context.WithoutCancel(ctx))
				return
			}
			i.handle(ctx, ev)
		}
	}
}

func (i *Ingestor) handle(ctx context.Context, ev adapter.Event) {
	switch ev.Kind {
	case adapter.EventThreatDetected:
		if ev.Normalized == nil {
			return
		}
		i.batch = append(i.batch, ev.Normalized)
		i.archiveRaw(ctx, ev.IntegrationID, ev.Normalized)
		if len(i.batch) >= eventBatchSize {
			i.flush(ctx)
		}
	case adapter.EventVulnerabilityDiscovered:
		if ev.Vulnerability == nil {
			return
		}
		if err := i.store.UpsertVulnerabilities(ctx, []*model.Vulnerability{ev.Vulnerability}); err != nil {
			i.logger.WarnContext(ctx, "vulnerability persist failed",
				"integration_id", ev.IntegrationID, "error", err)
		}
	case adapter.EventFindingCreated:
		if ev.Finding == nil {
			return
		}
		if err := i.store.UpsertFindings(ctx, []*model.CloudFinding{ev.Finding}); err != nil {
			i.logger.WarnContext(ctx, "finding persist failed",
				"integration_id", ev.IntegrationID, "error", err)
		}
	case adapter.EventTicketCreated, adapter.EventTicketUpdated, adapter.EventTicketSynced:
		if ev.Ticket == nil {
			return
		}
		if err := i.store.UpsertTickets(ctx, []*model.Ticket{ev.Ticket}); err != nil {
			i.logger.WarnContext(ctx, "ticket persist failed",
				"integration_id", ev.IntegrationID, "error", err)
		}
	case adapter.EventSyncCompleted, adapter.EventSyncFailed:
		i.flush(ctx)
	}
}

func (i *Ingestor) flush(ctx context.Context) {
	if len(i.batch) == 0 {
		return
	}
	if err := i.store.InsertEvents(ctx, i.batch); err != nil {
		i.logger.WarnContext(ctx, "event batch persist failed",
			"events", len(i.batch), "error", err)
	} else if i.onFlush != nil {
		i.onFlush(ctx, len(i.batch))
	}
	i.batch = i.batch[:0]
}

// archiveRaw stores the vendor-shape payload next to the normalized record.
// Archival is best effort; a failed write never blocks ingestion.
func (i *Ingestor) archiveRaw(ctx context.Context, integrationID string, ev *model.NormalizedEvent) {
	if _, ok := i.archive.(archive.NoopStore); ok {
		return
	}
	if len(ev.RawPayload) == 0 {
		return
	}
	raw, err := json.Marshal(ev.RawPayload)
	if err != nil {
		return
	}
	if _, err := i.archive.Put(ctx, integrationID, raw); err != nil {
		i.logger.WarnContext(ctx, "raw payload archive failed",
			"integration_id", integrationID, "event_id", ev.ID, "error", err)
	}
}
