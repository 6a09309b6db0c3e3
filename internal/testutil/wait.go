// Package testutil holds helpers shared by the supervisor's tests: polling
// asynchronous state and reading job event queues.
package testutil

import (
	"autofigure/internal/eventbus"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// Monitors in tests poll every few tens of milliseconds, so waits default
// to a short interval and a budget that covers a whole sh script run.
const (
	defaultTimeout  = 15 * time.Second
	defaultInterval = 10 * time.Millisecond
)

type waitConfig struct {
	timeout  time.Duration
	interval time.Duration
}

// Option tunes a wait.
type Option func(*waitConfig)

// WithTimeout bounds the whole wait.
func WithTimeout(d time.Duration) Option {
	return func(c *waitConfig) { c.timeout = d }
}

// WithInterval sets how often a condition is polled.
func WithInterval(d time.Duration) Option {
	return func(c *waitConfig) { c.interval = d }
}

func newWaitConfig(opts []Option) waitConfig {
	c := waitConfig{timeout: defaultTimeout, interval: defaultInterval}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// poll reports whether cond held before the timeout.
func poll(cond func() bool, c waitConfig) bool {
	deadline := time.Now().Add(c.timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(c.interval)
	}
}

// MustWaitFor polls cond until it holds and fails tb on timeout.
func MustWaitFor(tb testing.TB, cond func() bool, opts ...Option) {
	tb.Helper()
	c := newWaitConfig(opts)
	if !poll(cond, c) {
		tb.Fatalf("condition not met within %s", c.timeout)
	}
}

// MustWaitForCount waits until counter reaches target.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...Option) {
	tb.Helper()
	c := newWaitConfig(opts)
	if !poll(func() bool { return counter.Load() >= target }, c) {
		tb.Fatalf("counter at %d, want %d within %s", counter.Load(), target, c.timeout)
	}
}

// NextEvent returns the next event on q. It fails tb when q is closed or
// nothing arrives in time.
func NextEvent(tb testing.TB, q *eventbus.Queue, opts ...Option) eventbus.Event {
	tb.Helper()
	c := newWaitConfig(opts)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	e, err := q.Next(ctx)
	if err != nil {
		tb.Fatalf("no event within %s: %v", c.timeout, err)
	}
	return e
}

// DrainEvents reads q until it is closed and returns everything it held.
// The timeout bounds the whole drain.
func DrainEvents(tb testing.TB, q *eventbus.Queue, opts ...Option) []eventbus.Event {
	tb.Helper()
	c := newWaitConfig(opts)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var events []eventbus.Event
	for {
		e, err := q.Next(ctx)
		if errors.Is(err, eventbus.ErrClosed) {
			return events
		}
		if err != nil {
			tb.Fatalf("queue not closed within %s after %d events: %v", c.timeout, len(events), err)
			return events
		}
		events = append(events, e)
	}
}

// WaitForEvent reads q until an event satisfies match and returns it.
// Events before the match are consumed.
func WaitForEvent(tb testing.TB, q *eventbus.Queue, match func(eventbus.Event) bool, opts ...Option) eventbus.Event {
	tb.Helper()
	c := newWaitConfig(opts)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	for {
		e, err := q.Next(ctx)
		if err != nil {
			tb.Fatalf("no matching event within %s: %v", c.timeout, err)
			return eventbus.Event{}
		}
		if match(e) {
			return e
		}
	}
}

// Named keeps the events called name, in order.
func Named(events []eventbus.Event, name string) []eventbus.Event {
	var out []eventbus.Event
	for _, e := range events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// ArtifactPaths returns the path of every artifact event, in order.
func ArtifactPaths(events []eventbus.Event) []string {
	var out []string
	for _, e := range Named(events, eventbus.EventArtifact) {
		if p, ok := e.Data["path"].(string); ok {
			out = append(out, p)
		}
	}
	return out
}

// Terminal returns the payload of the finished status event and fails tb
// when there is none.
func Terminal(tb testing.TB, events []eventbus.Event) map[string]any {
	tb.Helper()
	for _, e := range Named(events, eventbus.EventStatus) {
		if e.Data["state"] == "finished" {
			return e.Data
		}
	}
	tb.Fatalf("no finished status among %d events", len(events))
	return nil
}
