package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Topic is a named stream of T values. Publish copies the value into each
// subscriber queue, so publishers may reuse the value they passed in.
type Topic[T any] struct {
	bus   *Bus
	name  string
	depth int

	mu          sync.Mutex
	subscribers map[string]chan T
	shutdown    bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

func newTopic[T any](b *Bus, name string, depth int) *Topic[T] {
	return &Topic[T]{
		bus:         b,
		name:        name,
		depth:       depth,
		subscribers: make(map[string]chan T),
	}
}

// Name returns the topic name.
func (t *Topic[T]) Name() string { return t.name }

// Subscribe registers a new subscriber and returns its id and queue. The
// queue is closed on Unsubscribe or Shutdown. Subscribing to a topic that
// has been shut down returns an already closed queue.
func (t *Topic[T]) Subscribe() (string, <-chan T) {
	id := uuid.NewString()
	ch := make(chan T, t.depth)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shutdown {
		close(ch)
		return id, ch
	}
	t.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its queue.
func (t *Topic[T]) Unsubscribe(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subscribers[id]; ok {
		close(ch)
		delete(t.subscribers, id)
	}
}

// NumSubscribers returns the number of live subscribers.
func (t *Topic[T]) NumSubscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}

// Publish delivers msg to every subscriber with room in its queue. A full
// queue drops the message for that subscriber only.
func (t *Topic[T]) Publish(msg T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.shutdown || len(t.subscribers) == 0 {
		return
	}
	t.published.Add(1)
	for _, ch := range t.subscribers {
		select {
		case ch <- msg:
		default:
			t.dropped.Add(1)
		}
	}
}

// Shutdown closes every subscriber queue and removes the topic from the bus.
// The name may be advertised again afterwards.
func (t *Topic[T]) Shutdown() {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return
	}
	t.shutdown = true
	for id, ch := range t.subscribers {
		close(ch)
		delete(t.subscribers, id)
	}
	t.mu.Unlock()

	t.bus.remove(t.name, t)
}

// Tail subscribes and calls fn with every message until ctx is done, the
// topic shuts down or fn returns an error. The subscription counts as a
// client while it lasts.
func (t *Topic[T]) Tail(ctx context.Context, fn func(msg T) error) error {
	id, ch := t.Subscribe()
	defer t.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := fn(msg); err != nil {
				return err
			}
		}
	}
}

func (t *Topic[T]) tailAny(ctx context.Context, fn func(msg any) error) error {
	return t.Tail(ctx, func(msg T) error { return fn(msg) })
}

// Stats returns a snapshot of the topic counters.
func (t *Topic[T]) Stats() Stats {
	var zero T
	return Stats{
		Name:        t.name,
		Type:        fmt.Sprintf("%T", zero),
		Subscribers: t.NumSubscribers(),
		Published:   t.published.Load(),
		Dropped:     t.dropped.Load(),
	}
}
