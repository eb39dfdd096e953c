package adapter

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/fusion/pkg/model"
)

// EventKind names a domain event emitted by adapters.
type EventKind string

const (
	EventIntegrationConnected    EventKind = "integration.connected"
	EventIntegrationDisconnected EventKind = "integration.disconnected"
	EventIntegrationError        EventKind = "integration.error"
	EventSyncStarted             EventKind = "sync.started"
	EventSyncCompleted           EventKind = "sync.completed"
	EventSyncFailed              EventKind = "sync.failed"
	EventThreatDetected          EventKind = "threat.detected"
	EventVulnerabilityDiscovered EventKind = "vulnerability.discovered"
	EventFindingCreated          EventKind = "finding.created"
	EventTicketCreated           EventKind = "ticket.created"
	EventTicketUpdated           EventKind = "ticket.updated"
	EventTicketSynced            EventKind = "ticket.synced"
)

// Event is one domain event crossing the adapter boundary. Exactly one of
// the payload pointers is set for record events.
type Event struct {
	Kind          EventKind              `json:"kind"`
	IntegrationID string                 `json:"integration_id"`
	At            time.Time              `json:"at"`
	Details       string                 `json:"details,omitempty"`
	Filter        *model.SyncFilter      `json:"filter,omitempty"`
	Counts        *model.SyncResult      `json:"counts,omitempty"`
	Normalized    *model.NormalizedEvent `json:"event,omitempty"`
	Vulnerability *model.Vulnerability   `json:"vulnerability,omitempty"`
	Finding       *model.CloudFinding    `json:"finding,omitempty"`
	Ticket        *model.Ticket          `json:"ticket,omitempty"`
}

// Bus fans domain events out to subscribers over buffered channels. There is
// no global emitter: each wiring creates its own bus and hands it to the
// adapters it owns. Publishing never blocks; a saturated subscriber drops
// events and the drop counter records it.
type Bus struct {
	mu      sync.RWMutex
	subs    []chan Event
	bufSize int
	dropped atomic.Uint64
}

// NewBus creates a bus. bufSize is the per-subscriber channel buffer.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{bufSize: bufSize}
}

// Subscribe returns a receive channel for all subsequent events.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, b.bufSize)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events dropped on saturated subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. Publish must not be called after.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
