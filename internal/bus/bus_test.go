package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Seq int
}

func TestAdvertise(t *testing.T) {
	b := New()

	topic, err := Advertise[sample](b, "/vio/pose", 0)
	require.NoError(t, err)
	assert.Equal(t, "/vio/pose", topic.Name())
	assert.Equal(t, DefaultDepth, topic.depth)

	_, err = Advertise[sample](b, "/vio/pose", 4)
	assert.ErrorIs(t, err, ErrTopicExists)

	_, err = Advertise[sample](b, "", 4)
	assert.ErrorIs(t, err, ErrEmptyName)
}

func TestAdvertise_AfterShutdown(t *testing.T) {
	b := New()
	topic, err := Advertise[sample](b, "/vio/odometry", 1)
	require.NoError(t, err)
	topic.Shutdown()

	_, ok := Lookup[sample](b, "/vio/odometry")
	assert.False(t, ok)

	again, err := Advertise[sample](b, "/vio/odometry", 1)
	require.NoError(t, err)

	// Shutting down the stale topic must not remove the new one.
	topic.Shutdown()
	got, ok := Lookup[sample](b, "/vio/odometry")
	require.True(t, ok)
	assert.Same(t, again, got)
}

func TestLookup_WrongType(t *testing.T) {
	b := New()
	_, err := Advertise[sample](b, "/a", 1)
	require.NoError(t, err)

	_, ok := Lookup[string](b, "/a")
	assert.False(t, ok)
	_, ok = Lookup[sample](b, "/a")
	assert.True(t, ok)
}

func TestTopic_SubscribeCounts(t *testing.T) {
	b := New()
	topic, err := Advertise[sample](b, "/a", 1)
	require.NoError(t, err)

	id1, _ := topic.Subscribe()
	id2, _ := topic.Subscribe()
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, topic.NumSubscribers())

	topic.Unsubscribe(id1)
	assert.Equal(t, 1, topic.NumSubscribers())

	// Unknown ids are ignored.
	topic.Unsubscribe("nope")
	assert.Equal(t, 1, topic.NumSubscribers())
}

func TestTopic_PublishCopiesValue(t *testing.T) {
	b := New()
	topic, err := Advertise[sample](b, "/a", 4)
	require.NoError(t, err)
	_, ch := topic.Subscribe()

	msg := sample{Seq: 1}
	topic.Publish(msg)
	msg.Seq = 2
	topic.Publish(msg)

	assert.Equal(t, 1, (<-ch).Seq)
	assert.Equal(t, 2, (<-ch).Seq)
}

func TestTopic_PublishWithoutSubscribers(t *testing.T) {
	b := New()
	topic, err := Advertise[sample](b, "/a", 1)
	require.NoError(t, err)

	topic.Publish(sample{Seq: 1})

	stats := topic.Stats()
	assert.Zero(t, stats.Published)
	assert.Zero(t, stats.Dropped)
}

func TestTopic_SlowSubscriberDrops(t *testing.T) {
	b := New()
	topic, err := Advertise[sample](b, "/a", 2)
	require.NoError(t, err)
	_, slow := topic.Subscribe()

	for i := 0; i < 5; i++ {
		topic.Publish(sample{Seq: i})
	}

	stats := topic.Stats()
	assert.Equal(t, uint64(5), stats.Published)
	assert.Equal(t, uint64(3), stats.Dropped)
	assert.Equal(t, 0, (<-slow).Seq)
	assert.Equal(t, 1, (<-slow).Seq)
}

func TestTopic_ShutdownClosesSubscribers(t *testing.T) {
	b := New()
	topic, err := Advertise[sample](b, "/a", 1)
	require.NoError(t, err)
	_, ch := topic.Subscribe()

	topic.Shutdown()
	topic.Shutdown()

	_, ok := <-ch
	assert.False(t, ok, "queue should be closed")
	assert.Zero(t, topic.NumSubscribers())

	// Late subscribers get a closed queue and publishes are ignored.
	_, late := topic.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
	topic.Publish(sample{})
	assert.Zero(t, topic.Stats().Published)
}

func TestBus_Topics(t *testing.T) {
	b := New()
	_, err := Advertise[sample](b, "/b", 1)
	require.NoError(t, err)
	a, err := Advertise[string](b, "/a", 1)
	require.NoError(t, err)
	a.Subscribe()

	stats := b.Topics()
	require.Len(t, stats, 2)
	assert.Equal(t, "/a", stats[0].Name)
	assert.Equal(t, "string", stats[0].Type)
	assert.Equal(t, 1, stats[0].Subscribers)
	assert.Equal(t, "/b", stats[1].Name)
	assert.Equal(t, "bus.sample", stats[1].Type)
}

func TestTopic_ConcurrentSubscribePublish(t *testing.T) {
	b := New()
	topic, err := Advertise[sample](b, "/a", 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, _ := topic.Subscribe()
			topic.Publish(sample{})
			topic.Unsubscribe(id)
		}()
	}
	wg.Wait()
	assert.Zero(t, topic.NumSubscribers())
}

func TestBus_Tail(t *testing.T) {
	b := New()
	topic, err := Advertise[sample](b, "/a", 4)
	require.NoError(t, err)

	assert.ErrorIs(t, b.Tail(context.Background(), "/missing", nil), ErrNoTopic)

	stop := errors.New("enough")
	var got []any
	done := make(chan error, 1)
	go func() {
		done <- b.Tail(context.Background(), "/a", func(msg any) error {
			got = append(got, msg)
			if len(got) == 2 {
				return stop
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return topic.NumSubscribers() == 1 }, time.Second, time.Millisecond)
	topic.Publish(sample{Seq: 1})
	topic.Publish(sample{Seq: 2})

	assert.ErrorIs(t, <-done, stop)
	assert.Equal(t, []any{sample{Seq: 1}, sample{Seq: 2}}, got)
	assert.Zero(t, topic.NumSubscribers(), "tail did not unsubscribe")
}

func TestTopic_TailEndsOnShutdownAndCancel(t *testing.T) {
	b := New()
	topic, err := Advertise[sample](b, "/a", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- topic.Tail(ctx, func(sample) error { return nil }) }()
	require.Eventually(t, func() bool { return topic.NumSubscribers() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	go func() { done <- topic.Tail(context.Background(), func(sample) error { return nil }) }()
	require.Eventually(t, func() bool { return topic.NumSubscribers() == 1 }, time.Second, time.Millisecond)
	topic.Shutdown()
	assert.NoError(t, <-done)
}
