// Package live keeps an in-memory journal of the intents and fills a running
// engine produces and streams it to remote clients over gRPC.
package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quantcore/internal/domain"
)

// EventKind distinguishes intents from fills.
type EventKind string

const (
	KindIntent EventKind = "intent"
	KindFill   EventKind = "fill"
)

// Event is one journal entry. Exactly one of Intent and Fill is set,
// according to Kind.
type Event struct {
	Seq    int64
	Kind   EventKind
	Intent *domain.OrderIntent
	Fill   *domain.Fill
}

// Symbol returns the instrument the event concerns.
func (e Event) Symbol() string {
	if e.Fill != nil {
		return e.Fill.Symbol
	}
	if e.Intent != nil {
		return e.Intent.Symbol
	}
	return ""
}

// Time returns the event's timestamp.
func (e Event) Time() time.Time {
	if e.Fill != nil {
		return e.Fill.Timestamp
	}
	if e.Intent != nil {
		return e.Intent.Timestamp
	}
	return time.Time{}
}

// key identifies an event for dedup. A fill is unique per intent and
// execution time.
func (e Event) key() string {
	switch {
	case e.Fill != nil:
		return fmt.Sprintf("f:%s:%d", e.Fill.IntentID, e.Fill.Timestamp.UnixNano())
	case e.Intent != nil:
		return "i:" + e.Intent.ID
	}
	return ""
}

// Model holds the session's events with dedup and pub/sub. It satisfies
// engine.Listener so it can be attached to an engine directly.
type Model struct {
	mu     sync.RWMutex
	events []Event
	seen   map[string]bool
	seq    int64

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan Event
}

// NewModel creates an empty model.
func NewModel() *Model {
	return &Model{
		seen: make(map[string]bool),
		subs: make(map[int]chan Event),
	}
}

// OnIntent records an order intent.
func (m *Model) OnIntent(_ context.Context, intent domain.OrderIntent) error {
	m.Add(Event{Kind: KindIntent, Intent: &intent})
	return nil
}

// OnFill records a fill.
func (m *Model) OnFill(_ context.Context, fill domain.Fill) error {
	m.Add(Event{Kind: KindFill, Fill: &fill})
	return nil
}

// Add appends evt, assigns its sequence number and notifies subscribers.
// It returns false for duplicates.
func (m *Model) Add(evt Event) bool {
	key := evt.key()
	if key == "" {
		return false
	}
	m.mu.Lock()
	if m.seen[key] {
		m.mu.Unlock()
		return false
	}
	m.seen[key] = true
	m.seq++
	evt.Seq = m.seq
	m.events = append(m.events, evt)
	m.mu.Unlock()

	// Notify subscribers (non-blocking send).
	m.subsMu.Lock()
	for _, ch := range m.subs {
		select {
		case ch <- evt:
		default:
			// Slow subscriber, drop event.
		}
	}
	m.subsMu.Unlock()
	return true
}

// Snapshot returns a copy of all events in order.
func (m *Model) Snapshot() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Fills returns the recorded fills in order.
func (m *Model) Fills() []domain.Fill {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Fill
	for _, e := range m.events {
		if e.Fill != nil {
			out = append(out, *e.Fill)
		}
	}
	return out
}

// Counts returns the number of intents and fills recorded.
func (m *Model) Counts() (intents, fills int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.events {
		if e.Kind == KindFill {
			fills++
		} else {
			intents++
		}
	}
	return
}

// Trim drops events older than before and forgets their dedup keys. Long
// running sessions call it once per trading day.
func (m *Model) Trim(before time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	dropped := 0
	for _, e := range m.events {
		if e.Time().Before(before) {
			delete(m.seen, e.key())
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return dropped
}

// SubscribeWithSnapshot atomically returns the current events and a
// channel of everything added afterwards.
func (m *Model) SubscribeWithSnapshot(bufSize int) (id int, snapshot []Event, ch <-chan Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot = make([]Event, len(m.events))
	copy(snapshot, m.events)
	id, ch = m.Subscribe(bufSize)
	return id, snapshot, ch
}

// Subscribe creates a new subscription channel for events.
func (m *Model) Subscribe(bufSize int) (id int, ch <-chan Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	id = m.nextSubID
	m.nextSubID++
	c := make(chan Event, bufSize)
	m.subs[id] = c
	return id, c
}

// Unsubscribe removes a subscription and closes its channel.
func (m *Model) Unsubscribe(id int) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if ch, ok := m.subs[id]; ok {
		close(ch)
		delete(m.subs, id)
	}
}

// Subscribers returns the number of open subscriptions.
func (m *Model) Subscribers() int {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	return len(m.subs)
}
