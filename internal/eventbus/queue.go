package eventbus

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Queue.Next once the queue is closed and drained.
var ErrClosed = errors.New("event queue closed")

// Queue is an unbounded FIFO of events with a single consumer.
// Producers never block; the consumer blocks in Next.
type Queue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	ready  chan struct{}
}

func newQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// push appends e unless the queue is closed.
func (q *Queue) push(e Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	q.signal()
	return true
}

func (q *Queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Next returns the oldest pending event. It blocks until one is available,
// the queue is closed and drained (ErrClosed), or ctx is done (ctx.Err()).
// Observers pass a timeout context to get a heartbeat opportunity.
//
// Next must not be called concurrently on the same queue.
func (q *Queue) Next(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = Event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return e, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.ready:
		}
	}
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether the queue accepts no further events.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
