package audit

import (
	"fmt"
	"testing"
	"time"
)

func TestRingHoldsMostRecent(t *testing.T) {
	const capacity = 8
	const emitted = 25
	ring := NewRing(capacity)

	for i := 1; i <= emitted; i++ {
		ring.Push(Event{
			Seq:       uint64(i),
			EventType: "test.event",
			Severity:  "info",
			CreatedAt: time.Now().UTC(),
		})
	}

	if ring.Len() != capacity {
		t.Fatalf("ring len = %d, want %d", ring.Len(), capacity)
	}

	events := ring.Tail(capacity, TailFilter{})
	if len(events) != capacity {
		t.Fatalf("tail len = %d, want %d", len(events), capacity)
	}
	// Newest first, and every held event is among the most recent emitted.
	for i, event := range events {
		want := uint64(emitted - i)
		if event.Seq != want {
			t.Fatalf("tail[%d].seq = %d, want %d", i, event.Seq, want)
		}
	}
}

func TestTailFilter(t *testing.T) {
	ring := NewRing(32)
	for i := 0; i < 10; i++ {
		severity := "info"
		if i%2 == 0 {
			severity = "error"
		}
		ring.Push(Event{
			Seq:       uint64(i + 1),
			EventType: fmt.Sprintf("type.%d", i%3),
			Severity:  severity,
		})
	}

	errorsOnly := ring.Tail(100, TailFilter{Severity: "error"})
	if len(errorsOnly) != 5 {
		t.Fatalf("error tail = %d, want 5", len(errorsOnly))
	}
	for _, event := range errorsOnly {
		if event.Severity != "error" {
			t.Fatalf("unexpected severity %s", event.Severity)
		}
	}

	typed := ring.Tail(100, TailFilter{EventType: "type.0"})
	for _, event := range typed {
		if event.EventType != "type.0" {
			t.Fatalf("unexpected type %s", event.EventType)
		}
	}
}

func TestTailLimit(t *testing.T) {
	ring := NewRing(100)
	for i := 0; i < 50; i++ {
		ring.Push(Event{Seq: uint64(i + 1)})
	}
	if got := ring.Tail(10, TailFilter{}); len(got) != 10 {
		t.Fatalf("tail limit = %d, want 10", len(got))
	}
	if got := ring.Tail(0, TailFilter{}); len(got) != 50 {
		t.Fatalf("zero limit should return everything, got %d", len(got))
	}
}
