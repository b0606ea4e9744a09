package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncDeliveryInOrder(t *testing.T) {
	e := NewEmitter()
	defer e.Destroy()

	var got []string
	e.Subscribe(func(ev *Event) { got = append(got, ev.Tool) }, TopicToolSettled)

	e.Emit(TopicToolSettled, "k", "a", nil)
	e.Emit(TopicToolSettled, "k", "b", nil)
	e.Emit(TopicToolFailed, "k", "c", nil) // different topic, not delivered

	assert.Equal(t, []string{"a", "b"}, got)
}

func TestMultiTopicSubscription(t *testing.T) {
	e := NewEmitter()
	defer e.Destroy()

	var mu sync.Mutex
	count := 0
	e.Subscribe(func(ev *Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, TopicToolSettled, TopicToolFailed)

	e.Emit(TopicToolSettled, "k", "t", nil)
	e.Emit(TopicToolFailed, "k", "t", nil)
	e.Emit(TopicRateDenied, "k", "t", nil)

	assert.Equal(t, 2, count)
}

func TestAsyncDelivery(t *testing.T) {
	e := NewEmitter()
	defer e.Destroy()

	done := make(chan *Event, 1)
	e.SubscribeAsync(func(ev *Event) { done <- ev }, TopicReservationExpired)

	e.Emit(TopicReservationExpired, "k", "", map[string]interface{}{"reservationId": "res_9"})

	select {
	case ev := <-done:
		assert.Equal(t, "res_9", ev.Data["reservationId"])
		assert.Equal(t, "k", ev.Key)
	case <-time.After(time.Second):
		t.Fatal("async event not delivered")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := NewEmitter()
	defer e.Destroy()

	count := 0
	id := e.Subscribe(func(ev *Event) { count++ }, TopicToolSettled)
	e.Emit(TopicToolSettled, "k", "t", nil)
	e.Unsubscribe(id)
	e.Emit(TopicToolSettled, "k", "t", nil)

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, e.SubscriberCount(TopicToolSettled))
}

func TestUnsubscribeAsyncMultiTopic(t *testing.T) {
	e := NewEmitter()
	defer e.Destroy()

	id := e.SubscribeAsync(func(ev *Event) {}, TopicToolSettled, TopicToolFailed, TopicRateDenied)
	e.Unsubscribe(id)

	assert.Equal(t, 0, e.SubscriberCount(TopicToolSettled))
	assert.Equal(t, 0, e.SubscriberCount(TopicToolFailed))
	assert.Equal(t, 0, e.SubscriberCount(TopicRateDenied))

	// Repeat unsubscribe is a no-op, and Destroy must not touch it again.
	e.Unsubscribe(id)
}

func TestEventEnvelope(t *testing.T) {
	e := NewEmitter()
	defer e.Destroy()

	var ev *Event
	e.Subscribe(func(got *Event) { ev = got }, TopicToolReserved)
	e.Emit(TopicToolReserved, "key-1", "search", map[string]interface{}{"amount": 5.0})

	require.NotNil(t, ev)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, TopicToolReserved, ev.Topic)
	assert.False(t, ev.Time.IsZero())
	assert.Equal(t, 5.0, ev.Data["amount"])
}

func TestSlowSyncSubscriberDoesNotBlockSubscribe(t *testing.T) {
	e := NewEmitter()
	defer e.Destroy()

	entered := make(chan struct{})
	release := make(chan struct{})
	e.Subscribe(func(ev *Event) {
		close(entered)
		<-release
	}, TopicToolSettled)

	go e.Emit(TopicToolSettled, "k", "t", nil)
	<-entered

	// Fan-out happens outside the topic lock, so this must not deadlock.
	added := make(chan struct{})
	go func() {
		e.Subscribe(func(ev *Event) {}, TopicToolSettled)
		close(added)
	}()
	select {
	case <-added:
	case <-time.After(time.Second):
		t.Fatal("Subscribe blocked behind a slow handler")
	}
	close(release)
}
