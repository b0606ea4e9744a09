package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/toolgate/backend/internal/events"
)

// Dispatcher posts gateway events to registered subscribers through a
// background worker pool. Delivery is at-most-once from the bus's point of
// view: a full queue drops, a failed POST retries up to 3 times with
// quadratic backoff.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
	workers    int

	mu     sync.Mutex
	subID  string
	bus    *events.Emitter
	closed bool
}

type deliveryJob struct {
	subscriber *Subscription
	event      *events.Event
	attempt    int
}

// NewDispatcher creates a dispatcher with a worker pool.
func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry: registry,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		queue:   make(chan *deliveryJob, 1000),
		logger:  log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		workers: workers,
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}

	return d
}

// Bind subscribes the dispatcher to every gateway topic on the bus. Events
// arrive on the bus's async path so slow sinks never stall the pipeline.
func (d *Dispatcher) Bind(bus *events.Emitter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bus = bus
	d.subID = bus.SubscribeAsync(d.Dispatch,
		events.TopicToolReserved,
		events.TopicToolSettled,
		events.TopicToolFailed,
		events.TopicReservationExpired,
		events.TopicRateDenied,
	)
}

// Dispatch fans one event out to its topic's subscribers.
func (d *Dispatcher) Dispatch(ev *events.Event) {
	subscribers := d.registry.GetSubscribers(ev.Topic)
	for _, sub := range subscribers {
		select {
		case d.queue <- &deliveryJob{subscriber: sub, event: ev, attempt: 1}:
		default:
			d.logger.Printf("queue full, dropping %s for %s", ev.Topic, sub.ID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		d.logger.Printf("marshal event %s: %v", job.event.ID, err)
		return
	}

	req, err := http.NewRequest("POST", job.subscriber.URL, bytes.NewReader(payload))
	if err != nil {
		d.logger.Printf("build request for %s: %v", job.subscriber.URL, err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Toolgate-Topic", job.event.Topic)
	req.Header.Set("X-Toolgate-Event-ID", job.event.ID)
	req.Header.Set("X-Toolgate-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))

	if job.subscriber.Secret != "" {
		sig := SignPayload(payload, job.subscriber.Secret)
		req.Header.Set("X-Toolgate-Signature", "sha256="+sig)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("delivery failed: %s -> %v", job.subscriber.URL, err)
		d.registry.MarkFailed(job.subscriber.ID)

		if job.attempt < 3 {
			time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
			job.attempt++
			if !d.enqueue(job) {
				d.logger.Printf("retry dropped for %s", job.subscriber.URL)
			}
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Printf("webhook returned %d: %s -> %s", resp.StatusCode, job.subscriber.URL, job.event.Topic)
		d.registry.MarkFailed(job.subscriber.ID)
	} else {
		d.registry.MarkDelivered(job.subscriber.ID)
	}
}

// enqueue queues a retry unless the dispatcher is shutting down. Shutdown
// closes the queue channel, so every late send must be fenced by the closed
// flag under the same lock that publishes it.
func (d *Dispatcher) enqueue(job *deliveryJob) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- job:
		return true
	default:
		return false
	}
}

// Shutdown detaches from the bus, drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	if d.bus != nil && d.subID != "" {
		d.bus.Unsubscribe(d.subID)
	}
	d.mu.Unlock()

	close(d.queue)
	d.wg.Wait()
}
