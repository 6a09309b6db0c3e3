package callback

import (
	"autofigure/internal/eventbus"
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Sink accepts deliveries for asynchronous sending.
type Sink interface {
	Dispatch(dl *Delivery) error
}

// Forwarder relays bus events to webhook targets. Each forwarded job is
// one bus subscriber drained by its own goroutine until the bus closes.
type Forwarder struct {
	sink   Sink
	source string
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewForwarder creates a forwarder that hands deliveries to sink.
func NewForwarder(sink Sink, source string) *Forwarder {
	return &Forwarder{
		sink:   sink,
		source: source,
		logger: slog.With("component", "callback"),
	}
}

// Forward starts relaying events read from q to t. It returns immediately;
// relaying stops once q is closed.
func (f *Forwarder) Forward(jobID string, t Target, q *eventbus.Queue) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.relay(jobID, t, q)
	}()
}

func (f *Forwarder) relay(jobID string, t Target, q *eventbus.Queue) {
	builder := NewEventBuilder(jobID, f.source)
	logger := f.logger.With("jobId", jobID, "destination", extractHost(t.URL))

	for {
		e, err := q.Next(context.Background())
		if err != nil {
			if !errors.Is(err, eventbus.ErrClosed) {
				logger.Warn("Callback relay stopped", "error", err)
			}
			return
		}
		if !t.Wants(e.Name) {
			continue
		}

		dl := &Delivery{Event: builder.Build(e), URL: t.URL, Key: t.Key}
		// The dispatcher logs drops itself.
		if err := f.sink.Dispatch(dl); err != nil {
			logger.Debug("Callback not queued", "type", dl.Event.Type, "error", err)
		}
	}
}

// Wait blocks until every relay has finished or ctx is done.
func (f *Forwarder) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
