package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType tags the lifecycle events published on the Bus.
type EventType string

const (
	EventServerStarted    EventType = "server.started"
	EventServerReady      EventType = "server.ready"
	EventServerDegraded   EventType = "server.degraded"
	EventServerRestarting EventType = "server.restarting"
	EventServerStopped    EventType = "server.stopped"
	EventServerGone       EventType = "server.gone"

	EventCapabilityBound   EventType = "capability.bound"
	EventCapabilityUnbound EventType = "capability.unbound"

	EventAcquisitionStarted  EventType = "acquisition.started"
	EventAcquisitionFinished EventType = "acquisition.finished"

	EventGapDetected EventType = "variety.gap_detected"
)

// Event is one tagged lifecycle notification. Only the fields relevant to
// the Type are populated; the rest stay zero.
type Event struct {
	Type          EventType          `json:"type"`
	Time          time.Time          `json:"time"`
	ServerID      string             `json:"server_id,omitempty"`
	ServerName    string             `json:"server_name,omitempty"`
	Capability    string             `json:"capability,omitempty"`
	Tool          string             `json:"tool,omitempty"`
	AcquisitionID string             `json:"acquisition_id,omitempty"`
	Report        *VarietyReport     `json:"report,omitempty"`
	Record        *AcquisitionRecord `json:"record,omitempty"`
	Err           string             `json:"error,omitempty"`
}

// Bus fans lifecycle events out to subscribers. Publish never blocks: each
// subscriber gets a bounded buffer, and events that do not fit are dropped
// and counted. Downstream consumers (introspection, audit trails) hang off
// this; nothing in the control loop depends on a subscriber keeping up.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	buffer  int
	closed  bool
	dropped atomic.Uint64
	logger  Logger
}

// NewBus creates a bus whose subscribers each buffer up to buffer events.
func NewBus(buffer int, logger Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. The channel is closed on cancel or bus Close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers e to every subscriber that has buffer room. Slow
// subscribers lose events rather than stalling publishers.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			if n := b.dropped.Add(1); n%100 == 1 {
				b.logger.Warn("event bus dropping events for slow subscriber", map[string]interface{}{
					"dropped_total": n,
					"event_type":    string(e.Type),
				})
			}
		}
	}
}

// Dropped reports how many events were discarded due to full buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
