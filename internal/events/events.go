// Package events is the in-process publish bus for admission and settlement
// events. Synchronous subscribers run on the emitting goroutine in emit
// order; asynchronous subscribers get a bounded per-subscriber queue with
// drop-on-full back-pressure.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topics published by the gateway core.
const (
	TopicToolReserved       = "tool.reserved"
	TopicToolSettled        = "tool.settled"
	TopicToolFailed         = "tool.failed"
	TopicReservationExpired = "reservation.expired"
	TopicRateDenied         = "rate.denied"
)

// asyncQueueSize bounds each async subscriber's backlog.
const asyncQueueSize = 1024

// Event is the envelope delivered to subscribers.
type Event struct {
	ID    string                 `json:"id"`
	Topic string                 `json:"topic"`
	Time  time.Time              `json:"time"`
	Key   string                 `json:"key,omitempty"`
	Tool  string                 `json:"tool,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// Handler consumes one event.
type Handler func(*Event)

type subscriber struct {
	id      string
	handler Handler
	async   bool
	queue   chan *Event
	done    chan struct{}
}

type topicState struct {
	mu   sync.Mutex
	subs []*subscriber
}

// Emitter fans events out per topic. Each topic carries its own lock; the
// fan-out itself happens after the lock is dropped so a slow synchronous
// subscriber never blocks subscription changes.
type Emitter struct {
	mu     sync.Mutex // guards the topics map and subscriber index
	topics map[string]*topicState
	byID   map[string][]string // subscriber id -> topics it joined
	logger *log.Logger
}

// NewEmitter creates an empty bus.
func NewEmitter() *Emitter {
	return &Emitter{
		topics: make(map[string]*topicState),
		byID:   make(map[string][]string),
		logger: log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

func (e *Emitter) topic(name string) *topicState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts, ok := e.topics[name]
	if !ok {
		ts = &topicState{}
		e.topics[name] = ts
	}
	return ts
}

// Subscribe registers handler for the given topics, invoked synchronously on
// the emitting goroutine. Returns the subscription id.
func (e *Emitter) Subscribe(handler Handler, topics ...string) string {
	return e.subscribe(handler, false, topics)
}

// SubscribeAsync registers handler behind a bounded queue drained by a
// dedicated goroutine. Events are dropped once the queue holds 1024 entries.
func (e *Emitter) SubscribeAsync(handler Handler, topics ...string) string {
	return e.subscribe(handler, true, topics)
}

func (e *Emitter) subscribe(handler Handler, async bool, topics []string) string {
	sub := &subscriber{
		id:      uuid.NewString(),
		handler: handler,
		async:   async,
	}
	if async {
		sub.queue = make(chan *Event, asyncQueueSize)
		sub.done = make(chan struct{})
		go sub.drain()
	}
	for _, name := range topics {
		ts := e.topic(name)
		ts.mu.Lock()
		ts.subs = append(ts.subs, sub)
		ts.mu.Unlock()
	}
	e.mu.Lock()
	e.byID[sub.id] = topics
	e.mu.Unlock()
	return sub.id
}

func (s *subscriber) drain() {
	for {
		select {
		case ev := <-s.queue:
			s.handler(ev)
		case <-s.done:
			// Flush whatever is already queued, then stop.
			for {
				select {
				case ev := <-s.queue:
					s.handler(ev)
				default:
					return
				}
			}
		}
	}
}

// Unsubscribe removes the subscription and stops its drain goroutine.
func (e *Emitter) Unsubscribe(id string) {
	e.mu.Lock()
	topics, ok := e.byID[id]
	delete(e.byID, id)
	e.mu.Unlock()
	if !ok {
		return
	}
	// A subscriber may sit on several topic lists; stop its drain goroutine
	// only after it is off every list.
	var removed *subscriber
	for _, name := range topics {
		ts := e.topic(name)
		ts.mu.Lock()
		for i, sub := range ts.subs {
			if sub.id == id {
				ts.subs = append(ts.subs[:i], ts.subs[i+1:]...)
				removed = sub
				break
			}
		}
		ts.mu.Unlock()
	}
	if removed != nil && removed.async {
		close(removed.done)
	}
}

// Emit publishes an event on topic. The subscriber list is snapshotted under
// the topic lock; handlers run after it is released.
func (e *Emitter) Emit(topic, key, tool string, data map[string]interface{}) {
	ev := &Event{
		ID:    "evt-" + uuid.NewString(),
		Topic: topic,
		Time:  time.Now(),
		Key:   key,
		Tool:  tool,
		Data:  data,
	}

	ts := e.topic(topic)
	ts.mu.Lock()
	subs := make([]*subscriber, len(ts.subs))
	copy(subs, ts.subs)
	ts.mu.Unlock()

	for _, sub := range subs {
		if sub.async {
			select {
			case sub.queue <- ev:
			default:
				e.logger.Printf("async subscriber %s full, dropping %s", sub.id[:8], topic)
			}
			continue
		}
		sub.handler(ev)
	}
}

// SubscriberCount reports active subscriptions on a topic.
func (e *Emitter) SubscriberCount(topic string) int {
	ts := e.topic(topic)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.subs)
}

// Destroy drops every subscription and stops async drains.
func (e *Emitter) Destroy() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.byID))
	for id := range e.byID {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.Unsubscribe(id)
	}
}
