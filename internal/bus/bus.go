// Package bus is an in-process publish/subscribe bus. Topics are typed,
// named output streams that fan messages out to any number of subscribers
// without ever blocking the publisher.
package bus

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrTopicExists = errors.New("topic already advertised")
	ErrEmptyName   = errors.New("topic name is empty")
	ErrNoTopic     = errors.New("no such topic")
)

// DefaultDepth is the subscriber queue depth used when none is given.
const DefaultDepth = 16

// Stats is a snapshot of a topic's counters.
type Stats struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}

// topicEntry is the type-erased view of a Topic held by the Bus.
type topicEntry interface {
	Stats() Stats
	tailAny(ctx context.Context, fn func(msg any) error) error
}

// Bus is a registry of live topics keyed by name.
type Bus struct {
	mu     sync.Mutex
	topics map[string]topicEntry
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{topics: make(map[string]topicEntry)}
}

// Advertise creates a topic of message type T on b. Subscribers are given
// queues of depth messages; depth <= 0 selects DefaultDepth.
func Advertise[T any](b *Bus, name string, depth int) (*Topic[T], error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if depth <= 0 {
		depth = DefaultDepth
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; ok {
		return nil, ErrTopicExists
	}
	t := newTopic[T](b, name, depth)
	b.topics[name] = t
	return t, nil
}

// Lookup returns the live topic called name if it carries messages of type T.
func Lookup[T any](b *Bus, name string) (*Topic[T], bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name].(*Topic[T])
	return t, ok
}

// Topics returns stats for every live topic, sorted by name.
func (b *Bus) Topics() []Stats {
	b.mu.Lock()
	entries := make([]topicEntry, 0, len(b.topics))
	for _, t := range b.topics {
		entries = append(entries, t)
	}
	b.mu.Unlock()

	out := make([]Stats, 0, len(entries))
	for _, t := range entries {
		out = append(out, t.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tail streams the topic called name to fn without knowing its message
// type. See Topic.Tail.
func (b *Bus) Tail(ctx context.Context, name string, fn func(msg any) error) error {
	b.mu.Lock()
	t, ok := b.topics[name]
	b.mu.Unlock()
	if !ok {
		return ErrNoTopic
	}
	return t.tailAny(ctx, fn)
}

func (b *Bus) remove(name string, t topicEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[name] == t {
		delete(b.topics, name)
	}
}
