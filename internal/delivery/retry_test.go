package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPolicies(t *testing.T) {
	if _, ok := NoRetry().Next(1); ok {
		t.Error("NoRetry must give up immediately")
	}

	fixed := Fixed(2, 50*time.Millisecond)
	for attempt, want := range map[int]bool{1: true, 2: true, 3: false} {
		delay, ok := fixed.Next(attempt)
		if ok != want || (ok && delay != 50*time.Millisecond) {
			t.Errorf("Fixed.Next(%d) = %v, %v", attempt, delay, ok)
		}
	}

	backoff := Backoff(5, 100*time.Millisecond, time.Second)
	wants := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}
	for i, want := range wants {
		delay, ok := backoff.Next(i + 1)
		if !ok || delay != want {
			t.Errorf("Backoff.Next(%d) = %v, %v, want %v", i+1, delay, ok, want)
		}
	}
	if _, ok := backoff.Next(6); ok {
		t.Error("Backoff must give up after its attempts")
	}
}

func TestParsePolicy(t *testing.T) {
	for _, name := range []string{"", "none", "fixed", "backoff"} {
		if _, err := ParsePolicy(name, 3, time.Millisecond, time.Second); err != nil {
			t.Errorf("ParsePolicy(%q) error = %v", name, err)
		}
	}
	if _, err := ParsePolicy("forever", 3, time.Millisecond, time.Second); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestRetryUntilOpen(t *testing.T) {
	dialer := &fakeDialer{errs: []error{errors.New("refused"), errors.New("refused")}}
	m := newTestManager(dialer)
	m.Send(event("waiting"))

	if err := Retry(context.Background(), m, Fixed(3, time.Millisecond)); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if dialer.dials() != 3 || m.State() != Open {
		t.Errorf("Expected open after 3 dials, got %s after %d", m.State(), dialer.dials())
	}
	equalNames(t, dialer.conn(0).sentEvents(), "waiting")
}

func TestRetryGivesUp(t *testing.T) {
	dialer := &fakeDialer{errs: []error{errors.New("a"), errors.New("b"), errors.New("c")}}
	m := newTestManager(dialer)

	err := Retry(context.Background(), m, Fixed(1, time.Millisecond))
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("Retry() error = %v, want TransportError", err)
	}
	if dialer.dials() != 2 {
		t.Errorf("Expected 2 dials, got %d", dialer.dials())
	}
}

func TestRetryDoesNotRetryConfiguration(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(Options{ServerURL: "ws://collector.test", Dialer: dialer, Logger: zerolog.Nop()})

	if err := Retry(context.Background(), m, Fixed(5, time.Millisecond)); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Retry() error = %v, want ErrConfiguration", err)
	}
	if dialer.dials() != 0 {
		t.Errorf("Expected no dial, got %d", dialer.dials())
	}
}

func TestRetryHonoursContext(t *testing.T) {
	dialer := &fakeDialer{errs: []error{errors.New("refused")}}
	m := newTestManager(dialer)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Retry(ctx, m, Fixed(5, time.Hour)); !errors.Is(err, context.Canceled) {
		t.Errorf("Retry() error = %v, want context.Canceled", err)
	}
}
