package capture

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vincentbai/uxtrace/internal/enrich"
	"github.com/vincentbai/uxtrace/internal/models"
)

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time { return c.current }

func (c *fakeClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{current: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

type recorder struct {
	events []enrich.RawEvent
}

func (r *recorder) Capture(raw enrich.RawEvent) { r.events = append(r.events, raw) }

func (r *recorder) kinds() []string {
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Details.Kind()
	}
	return out
}

func attach(t *testing.T, clock *fakeClock, snapshot func(*models.ComponentNode)) (*Hub, *recorder, *Sources) {
	t.Helper()
	hub := NewHub()
	rec := &recorder{}
	sources := Attach(hub, rec, Options{Now: clock.Now, Snapshot: snapshot, Logger: zerolog.Nop()})
	t.Cleanup(sources.Close)
	return hub, rec, sources
}

func TestThrottle(t *testing.T) {
	clock := newClock()
	throttle := NewThrottle(200*time.Millisecond, clock.Now)

	if !throttle.Allow() {
		t.Fatal("First call must pass")
	}
	for i := 0; i < 10; i++ {
		clock.Advance(19 * time.Millisecond)
		if throttle.Allow() {
			t.Fatalf("Call %d inside the window passed", i)
		}
	}
	clock.Advance(10 * time.Millisecond)
	if !throttle.Allow() {
		t.Error("Call exactly at the window boundary must pass")
	}
	clock.Advance(199 * time.Millisecond)
	if throttle.Allow() {
		t.Error("Call just inside the next window must be dropped")
	}
}

func TestClickSources(t *testing.T) {
	hub, rec, _ := attach(t, newClock(), nil)

	hub.Dispatch(Interaction{Type: TypeClick, Target: &models.ComponentNode{Tag: "div", ID: "card"}, X: 1, Y: 2})
	hub.Dispatch(Interaction{Type: TypeClick, Target: &models.ComponentNode{Tag: "BUTTON", ID: "buy-btn"}, Text: "Buy"})

	want := []string{models.KindClick, models.KindClick, models.KindButtonClick}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}
	click := rec.events[0].Details.(models.Click)
	if click.ID != "card" || click.X != 1 || click.Y != 2 {
		t.Errorf("Unexpected click %+v", click)
	}
	button := rec.events[2].Details.(models.ButtonClick)
	if button.ButtonID != "buy-btn" || button.ButtonText != "Buy" {
		t.Errorf("Unexpected button click %+v", button)
	}
	if rec.events[2].Target == nil {
		t.Error("Expected the target to be carried for classification")
	}
}

func TestHoverAndScrollAreThrottledSeparately(t *testing.T) {
	clock := newClock()
	hub, rec, _ := attach(t, clock, nil)

	for i := 0; i < 5; i++ {
		hub.Dispatch(Interaction{Type: TypeMouseOver, Target: &models.ComponentNode{Tag: "a", ID: "link"}})
		hub.Dispatch(Interaction{Type: TypeScroll, ScrollTop: float64(i * 10)})
		clock.Advance(10 * time.Millisecond)
	}
	if len(rec.events) != 2 {
		t.Fatalf("Expected one hover and one scroll inside the window, got %v", rec.kinds())
	}

	clock.Advance(200 * time.Millisecond)
	hub.Dispatch(Interaction{Type: TypeScroll, ScrollTop: 500})
	if len(rec.events) != 3 {
		t.Fatalf("Expected the scroll after the window to pass, got %v", rec.kinds())
	}
	if scroll := rec.events[2].Details.(models.Scroll); scroll.ScrollTop != 500 {
		t.Errorf("Unexpected scroll %+v", scroll)
	}
}

func TestSubmitSource(t *testing.T) {
	hub, rec, _ := attach(t, newClock(), nil)

	hub.Dispatch(Interaction{Type: TypeSubmit, Target: &models.ComponentNode{Tag: "form", ID: "checkout"}, Action: "/pay", Method: "post"})
	if len(rec.events) != 1 {
		t.Fatalf("Expected one event, got %d", len(rec.events))
	}
	form := rec.events[0].Details.(models.FormSubmit)
	if form.FormID != "checkout" || form.Action != "/pay" || form.Method != "post" {
		t.Errorf("Unexpected form submit %+v", form)
	}
}

func TestLoadSnapshotsBeforePageLoad(t *testing.T) {
	var order []string
	hub := NewHub()
	sink := SinkFunc(func(raw enrich.RawEvent) { order = append(order, raw.Details.Kind()) })
	sources := Attach(hub, sink, Options{Snapshot: func(*models.ComponentNode) { order = append(order, "snapshot") }})
	defer sources.Close()

	hub.Dispatch(Interaction{Type: TypeLoad, URL: "https://example.com", Root: &models.ComponentNode{Tag: "body"}})
	if len(order) != 2 || order[0] != "snapshot" || order[1] != models.KindPageLoad {
		t.Errorf("Unexpected order %v", order)
	}
}

func TestUnloadFiresOnce(t *testing.T) {
	clock := newClock()
	hub, rec, _ := attach(t, clock, nil)

	clock.Advance(1500 * time.Millisecond)
	hub.Dispatch(Interaction{Type: TypeBeforeUnload})
	clock.Advance(time.Second)
	hub.Dispatch(Interaction{Type: TypeBeforeUnload})

	if len(rec.events) != 1 {
		t.Fatalf("Expected exactly one timeSpent event, got %d", len(rec.events))
	}
	spent := rec.events[0].Details.(models.TimeSpent)
	if spent.Duration != 1500 {
		t.Errorf("Duration = %d, want 1500", spent.Duration)
	}
}

func TestCloseUnsubscribesEverything(t *testing.T) {
	hub, rec, sources := attach(t, newClock(), nil)
	if hub.Listeners(TypeClick) != 2 {
		t.Fatalf("Expected 2 click listeners, got %d", hub.Listeners(TypeClick))
	}

	sources.Close()
	sources.Close()
	for _, kind := range []string{TypeClick, TypeScroll, TypeMouseOver, TypeSubmit, TypeLoad, TypeBeforeUnload} {
		if n := hub.Listeners(kind); n != 0 {
			t.Errorf("Expected no %s listeners, got %d", kind, n)
		}
	}
	hub.Dispatch(Interaction{Type: TypeClick})
	if len(rec.events) != 0 {
		t.Errorf("Expected no events after Close, got %d", len(rec.events))
	}
}

func TestSubscriptionUnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub()
	calls := 0
	first := hub.Subscribe(TypeClick, func(Interaction) { calls++ })
	hub.Subscribe(TypeClick, func(Interaction) { calls += 10 })

	first.Unsubscribe()
	first.Unsubscribe()
	hub.Dispatch(Interaction{Type: TypeClick})
	if calls != 10 {
		t.Errorf("Expected only the second listener to run, got %d", calls)
	}
}
