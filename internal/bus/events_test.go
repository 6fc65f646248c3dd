package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(testLogger())

	var got Event
	eb.On(EventInstanceStatus, func(e Event) { got = e })

	eb.Emit(Event{Type: EventInstanceStatus, InstanceID: 4, Payload: map[string]any{"status": "running"}})

	if got.InstanceID != 4 || got.Payload["status"] != "running" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if got.ID == "" {
		t.Error("event id should be assigned")
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp should be auto-set")
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(testLogger())

	var count int32
	eb.On(Wildcard, func(e Event) { atomic.AddInt32(&count, 1) })

	eb.Emit(Event{Type: EventMessageSent})
	eb.Emit(Event{Type: EventMessageBlocked})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_OffRemovesOnlyThatHandler(t *testing.T) {
	eb := NewEventBus(testLogger())

	var first, second int32
	id1 := eb.On(EventMessageSent, func(e Event) { atomic.AddInt32(&first, 1) })
	eb.On(EventMessageSent, func(e Event) { atomic.AddInt32(&second, 1) })

	eb.Emit(Event{Type: EventMessageSent})
	eb.Off(EventMessageSent, id1)

	// Registering after an Off must not reuse the removed handler's id.
	id3 := eb.On(EventMessageSent, func(e Event) {})
	if id3 == id1 {
		t.Fatalf("handler id %q reused", id3)
	}
	eb.Emit(Event{Type: EventMessageSent})

	if atomic.LoadInt32(&first) != 1 || atomic.LoadInt32(&second) != 2 {
		t.Errorf("first=%d second=%d, want 1 and 2", first, second)
	}
}

func TestEventBus_RecentFilters(t *testing.T) {
	eb := NewEventBus(testLogger())
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	eb.Emit(Event{Type: EventMessageInbound, InstanceID: 1, Timestamp: base})
	eb.Emit(Event{Type: EventMessageSent, InstanceID: 2, Timestamp: base.Add(time.Minute)})
	eb.Emit(Event{Type: EventMessageInbound, InstanceID: 2, Timestamp: base.Add(2 * time.Minute)})

	tests := []struct {
		name   string
		filter EventFilter
		want   []int64 // instance ids, newest first
	}{
		{"all", EventFilter{}, []int64{2, 2, 1}},
		{"wildcard type", EventFilter{Type: Wildcard}, []int64{2, 2, 1}},
		{"by type", EventFilter{Type: EventMessageInbound}, []int64{2, 1}},
		{"since", EventFilter{Since: base.Add(time.Minute)}, []int64{2, 2}},
		{"scoped", EventFilter{Instances: []int64{1}}, []int64{1}},
		{"scoped to none", EventFilter{Instances: []int64{}}, []int64{}},
		{"limit", EventFilter{Limit: 1}, []int64{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := eb.Recent(tt.filter)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d events, want %d", len(got), len(tt.want))
			}
			for i, e := range got {
				if e.InstanceID != tt.want[i] {
					t.Errorf("event %d instance = %d, want %d", i, e.InstanceID, tt.want[i])
				}
			}
		})
	}
}

func TestEventBus_RecentKeepsNewest(t *testing.T) {
	eb := NewEventBusSize(5, testLogger())

	for i := 1; i <= 12; i++ {
		eb.Emit(Event{Type: EventMessageSent, InstanceID: int64(i)})
	}

	got := eb.Recent(EventFilter{})
	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %d", len(got))
	}
	if got[0].InstanceID != 12 || got[4].InstanceID != 8 {
		t.Errorf("got newest %d and oldest %d, want 12 and 8", got[0].InstanceID, got[4].InstanceID)
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testLogger())

	var after int32
	eb.On(EventMessageBlocked, func(e Event) { panic("boom") })
	eb.On(EventMessageBlocked, func(e Event) { atomic.AddInt32(&after, 1) })

	eb.Emit(Event{Type: EventMessageBlocked})

	if atomic.LoadInt32(&after) != 1 {
		t.Error("handler after a panicking one should still run")
	}
}
