package engine

import (
	"sync"
	"time"

	"github.com/Aroton/AroMCP-sub001/pkg/models"
)

// defaultRingSize bounds the in-memory per-instance event buffer
//. Oldest events are evicted once the ring fills.
const defaultRingSize = 2000

// Tracker is an in-memory ring buffer of TrackerEvents per instance,
// observing every step/decision/state-write/sub-agent transition for
// monitoring and resumption diagnostics. One Tracker serves every instance
// of an Engine, root and sub-agent alike; events are keyed by the id of the
// instance that recorded them, so a sub-agent's events are exported under
// its own task id, not under its parent's.
type Tracker struct {
	mu       sync.Mutex
	ringSize int
	seq      int64
	events   map[string][]models.TrackerEvent // instance id -> ring

	subscribers map[string][]chan models.TrackerEvent // instance id -> live listeners (WebSocket streaming)
}

// NewTracker constructs a Tracker with the default ring size.
func NewTracker() *Tracker {
	return &Tracker{ringSize: defaultRingSize, events: make(map[string][]models.TrackerEvent), subscribers: make(map[string][]chan models.TrackerEvent)}
}

// Record appends an event for instanceID, evicting the oldest entry once
// the ring is full, and fans it out to any live subscribers.
func (t *Tracker) Record(instanceID string, eventType string, stepID string, payload map[string]interface{}) {
	t.mu.Lock()
	t.seq++
	ev := models.TrackerEvent{
		Sequence:   t.seq,
		InstanceID: instanceID,
		Type:       eventType,
		StepID:     stepID,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}
	ring := t.events[instanceID]
	ring = append(ring, ev)
	if len(ring) > t.ringSize {
		ring = ring[len(ring)-t.ringSize:]
	}
	t.events[instanceID] = ring
	subs := append([]chan models.TrackerEvent(nil), t.subscribers[instanceID]...)
	t.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default: // slow subscriber: drop rather than block the instance
		}
	}
}

// Events returns a snapshot of the recorded events for an instance, oldest
// first.
func (t *Tracker) Events(instanceID string) []models.TrackerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ring := t.events[instanceID]
	out := make([]models.TrackerEvent, len(ring))
	copy(out, ring)
	return out
}

// Subscribe registers a channel that receives every future event for
// instanceID (used by the RPC surface's WebSocket export). The returned
// func unregisters it.
func (t *Tracker) Subscribe(instanceID string, buffer int) (<-chan models.TrackerEvent, func()) {
	ch := make(chan models.TrackerEvent, buffer)
	t.mu.Lock()
	t.subscribers[instanceID] = append(t.subscribers[instanceID], ch)
	t.mu.Unlock()

	unsubscribe := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		subs := t.subscribers[instanceID]
		for i, c := range subs {
			if c == ch {
				t.subscribers[instanceID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsubscribe
}
