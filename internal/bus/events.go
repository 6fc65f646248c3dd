package bus

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Well-known event types.
const (
	EventInstanceStatus = "instance.status"
	EventMessageInbound = "message.inbound"
	EventMessageSent    = "message.sent"
	EventMessageBlocked = "message.blocked"
)

// Wildcard subscribes to every event type.
const Wildcard = "*"

const defaultHistorySize = 1000

// Event is a gateway occurrence fanned out to in-process subscribers and,
// when configured, to the external broker.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Source     string         `json:"source"` // emitting component: session, outbound, inbound
	InstanceID int64          `json:"instanceId,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

type EventHandler func(Event)

type subscription struct {
	id string
	fn EventHandler
}

// EventBus dispatches events synchronously to subscribers of the event's
// type and of Wildcard, and keeps a bounded ring of recent events.
type EventBus struct {
	logger *slog.Logger
	seq    atomic.Int64

	mu     sync.RWMutex
	subs   map[string][]subscription
	ring   []Event
	next   int // ring write position
	filled bool
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return NewEventBusSize(defaultHistorySize, logger)
}

// NewEventBusSize keeps the last size events for Recent.
func NewEventBusSize(size int, logger *slog.Logger) *EventBus {
	if size <= 0 {
		size = defaultHistorySize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]subscription),
		ring:   make([]Event, size),
	}
}

// On subscribes fn to eventType (or Wildcard) and returns an id for Off.
func (eb *EventBus) On(eventType string, fn EventHandler) string {
	id := eventType + "#" + strconv.FormatInt(eb.seq.Add(1), 10)
	eb.mu.Lock()
	eb.subs[eventType] = append(eb.subs[eventType], subscription{id: id, fn: fn})
	eb.mu.Unlock()
	return id
}

func (eb *EventBus) Off(eventType, id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	subs := eb.subs[eventType]
	for i, s := range subs {
		if s.id == id {
			eb.subs[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit records the event and calls subscribers in registration order,
// type subscribers before wildcard ones. A panicking subscriber is logged
// and does not stop the others.
func (eb *EventBus) Emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	eb.mu.Lock()
	eb.ring[eb.next] = e
	eb.next = (eb.next + 1) % len(eb.ring)
	if eb.next == 0 {
		eb.filled = true
	}
	targets := make([]subscription, 0, len(eb.subs[e.Type])+len(eb.subs[Wildcard]))
	targets = append(targets, eb.subs[e.Type]...)
	targets = append(targets, eb.subs[Wildcard]...)
	eb.mu.Unlock()

	for _, s := range targets {
		eb.dispatch(s, e)
	}
}

func (eb *EventBus) dispatch(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event subscriber panic", "event", e.Type, "subscriber", s.id, "panic", r)
		}
	}()
	s.fn(e)
}

// EventFilter selects events from the recent history. Zero fields match
// everything.
type EventFilter struct {
	Type  string
	Since time.Time

	// Instances restricts results to these instance ids when non-nil.
	Instances []int64

	Limit int
}

func (f EventFilter) match(e Event) bool {
	if f.Type != "" && f.Type != Wildcard && e.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if f.Instances != nil {
		for _, id := range f.Instances {
			if id == e.InstanceID {
				return true
			}
		}
		return false
	}
	return true
}

// Recent returns matching events, newest first.
func (eb *EventBus) Recent(f EventFilter) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	n := eb.next
	if eb.filled {
		n = len(eb.ring)
	}
	out := []Event{}
	for i := 1; i <= n; i++ {
		e := eb.ring[(eb.next-i+len(eb.ring))%len(eb.ring)]
		if !f.match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}
