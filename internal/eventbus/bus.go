// Package eventbus is the per-job publish/subscribe channel that fans status,
// log, and artifact events out to the submitter and to live observers.
package eventbus

import (
	"slices"
	"sync"
)

// Event names used by the job supervisor.
const (
	EventStatus   = "status"
	EventLog      = "log"
	EventArtifact = "artifact"
	EventClose    = "close"
)

// Event is one message on the bus.
type Event struct {
	Name string         `json:"event"`
	Data map[string]any `json:"data"`
}

// Bus delivers every published event to a durable queue owned by the
// submitter and to each currently attached subscriber queue.
//
// Once closed, the bus accepts no further events; late subscribers get a
// pre-filled queue holding the replay registered by Close.
type Bus struct {
	mu          sync.Mutex
	durable     *Queue
	subscribers []*Queue
	closed      bool
	replay      []Event
}

// New creates an open bus.
func New() *Bus {
	return &Bus{durable: newQueue()}
}

// Durable returns the submitter's queue. It receives every event including
// the close sentinel, after which it reports ErrClosed once drained.
func (b *Bus) Durable() *Queue {
	return b.durable
}

// Publish appends the event to the durable queue and every subscriber.
// Publishing on a closed bus is a silent no-op.
func (b *Bus) Publish(name string, data map[string]any) {
	e := Event{Name: name, Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.durable.push(e)
	for _, q := range b.subscribers {
		q.push(e)
	}
}

// Subscribe attaches a new observer. On an open bus the queue receives events
// published from now on. On a closed bus it holds the replay and is already
// closed.
func (b *Bus) Subscribe() *Queue {
	q := newQueue()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		for _, e := range b.replay {
			q.push(e)
		}
		q.close()
		return q
	}
	b.subscribers = append(b.subscribers, q)
	return q
}

// Unsubscribe detaches q and closes it. Unknown or already detached queues
// are ignored.
func (b *Bus) Unsubscribe(q *Queue) {
	b.mu.Lock()
	b.subscribers = slices.DeleteFunc(b.subscribers, func(s *Queue) bool { return s == q })
	b.mu.Unlock()

	q.close()
}

// Close publishes the close sentinel, detaches and closes every queue, and
// stores replay for subscribers that attach afterwards. Only the first call
// has any effect.
func (b *Bus) Close(replay []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	sentinel := Event{Name: EventClose, Data: map[string]any{}}
	b.durable.push(sentinel)
	b.durable.close()
	for _, q := range b.subscribers {
		q.push(sentinel)
		q.close()
	}

	b.subscribers = nil
	b.replay = slices.Clone(replay)
	b.closed = true
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Subscribers returns the number of attached live observers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
