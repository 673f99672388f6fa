// Package audit provides the in-process audit event hub. Every event is
// chained to its predecessor with a SHA-256 hash over the canonical JSON of
// the entry, so a consumer can detect gaps or tampering in the stream it
// observed. Durable audit storage is a subscriber's responsibility.
package audit

import (
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/canonical"
)

// Event types emitted by the core.
const (
	TypeIntegrityPass       = "integrity.pass"
	TypeIntegrityBaseline   = "integrity.baseline_established"
	TypeIntegrityQuarantine = "integrity.quarantine"
	TypeDispatchBlocked     = "dispatch.blocked"
	TypeDispatchRerouted    = "dispatch.rerouted"
	TypeUnsafeRaised        = "safety.unsafe_condition_raised"
	TypeUnsafeReleased      = "safety.unsafe_condition_released"
)

// Event is a single audit entry. ChainHash covers the previous entry's
// ChainHash plus this entry's canonical JSON body.
type Event struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	At        time.Time      `json:"at"`
	Fields    map[string]any `json:"fields,omitempty"`
	ChainHash string         `json:"chain_hash"`
}

// Sink receives audit events. The core only ever calls Emit; richer
// consumers subscribe on the concrete Hub.
type Sink interface {
	Emit(eventType string, fields map[string]any)
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	mu       sync.Mutex
	nextID   int64
	prevHash string
	ring     []Event
	start    int
	size     int

	subs      map[int]chan Event
	nextSubID int
}

var _ Sink = (*Hub)(nil)

// NewHub creates a hub retaining the last capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Emit records and publishes an audit event. The timestamp and chain hash
// are computed under the lock so chain order matches temporal order.
func (h *Hub) Emit(eventType string, fields map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ev := Event{
		ID:     h.nextID,
		Type:   eventType,
		At:     time.Now().UTC(),
		Fields: fields,
	}

	body, err := canonical.JSON(map[string]any{
		"type":   ev.Type,
		"at":     ev.At.Format(time.RFC3339Nano),
		"fields": ev.Fields,
	})
	if err != nil {
		// Unmarshalable fields still produce a chained entry.
		body = []byte(`{"encoding_error":true}`)
	}
	hash, err := canonical.Hash(h.prevHash + string(body))
	if err == nil {
		ev.ChainHash = hash
		h.prevHash = hash
	}

	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Don't let slow clients block producers.
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of future events and a cancel func.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// Recent returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) Recent(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}

// Discard is a Sink that drops every event. Useful for tests and for
// callers that have no audit consumer wired yet.
type Discard struct{}

func (Discard) Emit(string, map[string]any) {}
