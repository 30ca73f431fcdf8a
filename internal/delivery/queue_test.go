package delivery

import (
	"errors"
	"testing"

	"github.com/vincentbai/uxtrace/internal/models"
)

func event(name string) models.CapturedEvent {
	return models.CapturedEvent{
		Event:     name,
		Details:   map[string]any{"id": name},
		Timestamp: "2024-03-01T10:00:00.000Z",
		UserAgent: "uxtrace-test/1.0",
		SessionID: "session-1",
		APIKey:    "api-key-111",
	}
}

func names(events []models.CapturedEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Event
	}
	return out
}

func equalNames(t *testing.T, got []models.CapturedEvent, want ...string) {
	t.Helper()
	gotNames := names(got)
	if len(gotNames) != len(want) {
		t.Fatalf("Expected %v, got %v", want, gotNames)
	}
	for i := range want {
		if gotNames[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, gotNames)
		}
	}
}

func TestQueueDrainsInOrder(t *testing.T) {
	q := NewQueue()
	for _, name := range []string{"a", "b", "c"} {
		if q.Enqueue(event(name)) {
			t.Fatal("Unbounded queue must never drop")
		}
	}

	var sent []models.CapturedEvent
	n, err := q.Drain(func() bool { return true }, func(e models.CapturedEvent) error {
		sent = append(sent, e)
		return nil
	})
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if n != 3 || q.Len() != 0 {
		t.Errorf("Expected 3 sent and empty queue, got %d sent, %d left", n, q.Len())
	}
	equalNames(t, sent, "a", "b", "c")
}

func TestQueueDrainWaitsForReady(t *testing.T) {
	q := NewQueue()
	q.Enqueue(event("a"))

	n, err := q.Drain(func() bool { return false }, func(models.CapturedEvent) error {
		t.Fatal("send called while not ready")
		return nil
	})
	if err != nil || n != 0 || q.Len() != 1 {
		t.Errorf("Expected nothing drained, got n=%d err=%v len=%d", n, err, q.Len())
	}
}

func TestQueueDrainStopsAtFirstFailure(t *testing.T) {
	q := NewQueue()
	for _, name := range []string{"a", "b", "c"} {
		q.Enqueue(event(name))
	}
	boom := errors.New("boom")

	var sent []models.CapturedEvent
	n, err := q.Drain(func() bool { return true }, func(e models.CapturedEvent) error {
		if e.Event == "b" {
			return boom
		}
		sent = append(sent, e)
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Drain() error = %v, want boom", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 sent, got %d", n)
	}
	equalNames(t, sent, "a")
	equalNames(t, q.Entries(), "b", "c")
}

func TestQueueDrainStopsWhenReadinessLost(t *testing.T) {
	q := NewQueue()
	for _, name := range []string{"a", "b", "c"} {
		q.Enqueue(event(name))
	}
	budget := 2
	n, _ := q.Drain(func() bool { return budget > 0 }, func(models.CapturedEvent) error {
		budget--
		return nil
	})
	if n != 2 {
		t.Errorf("Expected 2 sent, got %d", n)
	}
	equalNames(t, q.Entries(), "c")
}

func TestBoundedQueue(t *testing.T) {
	tests := []struct {
		policy  Overflow
		want    []string
		dropped uint64
	}{
		{DropOldest, []string{"c", "d"}, 2},
		{DropNewest, []string{"a", "b"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			q := NewBoundedQueue(2, tt.policy)
			for _, name := range []string{"a", "b", "c", "d"} {
				q.Enqueue(event(name))
			}
			equalNames(t, q.Entries(), tt.want...)
			if q.Dropped() != tt.dropped {
				t.Errorf("Dropped() = %d, want %d", q.Dropped(), tt.dropped)
			}
		})
	}
}

func TestParseOverflow(t *testing.T) {
	for input, want := range map[string]Overflow{"": DropOldest, "drop-oldest": DropOldest, "DROP-NEWEST": DropNewest} {
		got, err := ParseOverflow(input)
		if err != nil || got != want {
			t.Errorf("ParseOverflow(%q) = %v, %v", input, got, err)
		}
	}
	if _, err := ParseOverflow("drop-random"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}
