package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Policy decides whether a failed connection attempt is retried and after
// how long. attempt counts failures so far, starting at 1.
type Policy interface {
	Next(attempt int) (time.Duration, bool)
}

type PolicyFunc func(attempt int) (time.Duration, bool)

func (f PolicyFunc) Next(attempt int) (time.Duration, bool) { return f(attempt) }

// NoRetry gives up after the first failure.
func NoRetry() Policy {
	return PolicyFunc(func(int) (time.Duration, bool) { return 0, false })
}

// Fixed retries up to attempts times with a constant delay.
func Fixed(attempts int, delay time.Duration) Policy {
	return PolicyFunc(func(attempt int) (time.Duration, bool) {
		return delay, attempt <= attempts
	})
}

// Backoff retries up to attempts times, doubling the delay from initial up to max.
func Backoff(attempts int, initial, max time.Duration) Policy {
	return PolicyFunc(func(attempt int) (time.Duration, bool) {
		if attempt > attempts {
			return 0, false
		}
		delay := initial
		for i := 1; i < attempt && delay < max; i++ {
			delay *= 2
		}
		if delay > max {
			delay = max
		}
		return delay, true
	})
}

// ParsePolicy builds a policy from its configuration name.
func ParsePolicy(name string, attempts int, delay, max time.Duration) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return NoRetry(), nil
	case "fixed":
		return Fixed(attempts, delay), nil
	case "backoff":
		return Backoff(attempts, delay, max), nil
	}
	return nil, fmt.Errorf("unknown reconnect policy %q", name)
}

// Retry reconnects m until it opens, the policy gives up or ctx ends.
// Configuration errors and a rejected credential are never retried.
func Retry(ctx context.Context, m *Manager, policy Policy) error {
	err := m.Reconnect(ctx)
	for attempt := 1; err != nil; attempt++ {
		if errors.Is(err, ErrConfiguration) || errors.Is(err, ErrAuthRejected) ||
			errors.Is(err, ErrNotIdle) || errors.Is(err, ErrAborted) {
			return err
		}
		delay, ok := policy.Next(attempt)
		if !ok {
			return err
		}
		m.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		err = m.Reconnect(ctx)
	}
	return nil
}
