package callback

import (
	"autofigure/pkg/backoff"
	"autofigure/pkg/cloudevent"
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrBufferFull is returned when the buffer is full and the delivery is dropped.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Delivery is one CloudEvent addressed to a webhook.
type Delivery struct {
	Event    *cloudevent.CloudEvent
	URL      string
	Key      string // HMAC key for signing, empty = no signing
	requeues int
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   // current queue size
	Queued        int64 // total deliveries queued
	Delivered     int64 // successful deliveries
	Failed        int64 // failed after retries
	Dropped       int64 // dropped due to full buffer or max requeues
	Requeued      int64 // requeued due to open circuit
	RetriesTotal  int64 // total retry attempts
	BreakersTotal int   // destinations seen so far
	BreakersOpen  int   // destinations whose circuit is open or half-open
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// Dispatcher delivers CloudEvents asynchronously. Deliveries are queued in a
// bounded channel and sent by a worker pool; when the buffer is full they are
// dropped rather than blocking the job that produced them.
type Dispatcher struct {
	queue    chan *Delivery
	sender   *cloudevent.Sender
	breakers *destinations
	config   Config
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	pending  sync.WaitGroup // requeue timers
	shutdown chan struct{}
	closed   atomic.Bool
}

// NewDispatcher starts a dispatcher. metrics may be nil.
func NewDispatcher(cfg Config, metrics MetricsRecorder) *Dispatcher {
	cfg = cfg.withDefaults()

	d := &Dispatcher{
		queue:    make(chan *Delivery, cfg.BufferSize),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout, cfg.UserAgent),
		breakers: newDestinations(cfg.Breaker),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}

	if metrics != nil {
		d.wg.Add(1)
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

func (d *Dispatcher) reportQueueSize() {
	defer d.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues a delivery. It never blocks.
func (d *Dispatcher) Dispatch(dl *Delivery) error {
	if d.closed.Load() {
		return ErrClosed
	}

	select {
	case d.queue <- dl:
		d.queued.Add(1)
		return nil
	default:
		d.drop("Event dropped, buffer full", dl)
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		QueueDepth:    len(d.queue),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: d.breakers.count(),
		BreakersOpen:  len(d.breakers.unavailable()),
	}
}

// UnavailableDestinations lists the webhook hosts currently being skipped.
func (d *Dispatcher) UnavailableDestinations() []string {
	return d.breakers.unavailable()
}

// Close stops accepting deliveries and waits for queued ones to be sent.
// The context deadline bounds the wait.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.pending.Wait()
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case dl := <-d.queue:
			d.deliver(dl)
		}
	}
}

// drainQueue delivers what is left after the shutdown signal.
func (d *Dispatcher) drainQueue() {
	for {
		select {
		case dl := <-d.queue:
			d.deliver(dl)
		default:
			return
		}
	}
}

// deliver sends one delivery with retry, guarded by the host's breaker.
func (d *Dispatcher) deliver(dl *Delivery) {
	host := extractHost(dl.URL)
	breaker := d.breakers.breaker(host)

	if !breaker.Allow() {
		d.requeue(dl, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := d.sendWithRetry(ctx, dl); err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Delivery failed",
			"destination", host,
			"type", dl.Event.Type,
			"error", err,
			"breaker", breaker.State().String(),
		)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
}

// requeue retries a delivery after RequeueDelay so the host's circuit can
// recover. Deliveries are dropped after MaxRequeues or on shutdown.
func (d *Dispatcher) requeue(dl *Delivery, host string) {
	if dl.requeues >= d.config.MaxRequeues {
		d.drop("Event dropped, max requeues reached", dl)
		return
	}

	dl.requeues++
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	d.pending.Add(1)
	go func() {
		defer d.pending.Done()

		timer := time.NewTimer(d.config.RequeueDelay)
		defer timer.Stop()
		select {
		case <-d.shutdown:
			d.drop("Event dropped on shutdown while circuit open", dl)
			return
		case <-timer.C:
		}

		select {
		case d.queue <- dl:
			d.logger.Debug("Event requeued", "destination", host, "type", dl.Event.Type, "requeues", dl.requeues)
		default:
			d.drop("Event dropped on requeue, buffer full", dl)
		}
	}()
}

func (d *Dispatcher) drop(msg string, dl *Delivery) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warn(msg, "destination", extractHost(dl.URL), "type", dl.Event.Type)
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, dl *Delivery) error {
	var lastErr error
	for attempt := range d.config.MaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			wait := backoff.Delay(attempt, &d.config.Backoff, cloudevent.RetryAfter(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		lastErr = d.sender.Send(ctx, dl.URL, dl.Event, dl.Key)
		if lastErr == nil {
			return nil
		}
		if cloudevent.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
