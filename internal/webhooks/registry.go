// Package webhooks delivers gateway events to external HTTP sinks. The
// registry stores subscriptions; the dispatcher bridges the in-process event
// bus to a worker pool posting signed JSON payloads.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Subscription is one registered webhook.
type Subscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Topics    []string  `json:"topics"`
	Secret    string    `json:"secret,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	FailCount int       `json:"failCount"`
}

// Registry stores and manages webhook subscriptions.
type Registry struct {
	mu       sync.RWMutex
	hooks    map[string]*Subscription
	byTopic  map[string][]*Subscription
	maxRules int
	logger   *log.Logger
}

// NewRegistry creates an empty registry bounded at maxRules subscriptions.
func NewRegistry(maxRules int) *Registry {
	if maxRules <= 0 {
		maxRules = 500
	}
	return &Registry{
		hooks:    make(map[string]*Subscription),
		byTopic:  make(map[string][]*Subscription),
		maxRules: maxRules,
		logger:   log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
	}
}

// Register adds a subscription.
func (r *Registry) Register(sub *Subscription) error {
	if sub.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if len(sub.Topics) == 0 {
		return fmt.Errorf("at least one topic is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.hooks) >= r.maxRules {
		return fmt.Errorf("webhook limit reached (max %d)", r.maxRules)
	}

	if sub.ID == "" {
		sub.ID = "wh-" + uuid.NewString()[:8]
	}
	sub.Active = true
	sub.CreatedAt = time.Now()
	sub.FailCount = 0

	r.hooks[sub.ID] = sub
	for _, topic := range sub.Topics {
		r.byTopic[topic] = append(r.byTopic[topic], sub)
	}

	r.logger.Printf("registered webhook %s -> %s (topics: %v)", sub.ID, sub.URL, sub.Topics)
	return nil
}

// Unregister removes a subscription.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return fmt.Errorf("webhook %s not found", id)
	}
	delete(r.hooks, id)

	for _, topic := range sub.Topics {
		filtered := r.byTopic[topic][:0]
		for _, s := range r.byTopic[topic] {
			if s.ID != id {
				filtered = append(filtered, s)
			}
		}
		r.byTopic[topic] = filtered
	}
	return nil
}

// GetSubscribers returns all active subscriptions for a topic.
func (r *Registry) GetSubscribers(topic string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*Subscription
	for _, sub := range r.byTopic[topic] {
		if sub.Active {
			active = append(active, sub)
		}
	}
	return active
}

// ListAll returns every subscription.
func (r *Registry) ListAll() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Subscription, 0, len(r.hooks))
	for _, sub := range r.hooks {
		out = append(out, sub)
	}
	return out
}

// MarkFailed increments the failure count and disables the subscription after
// 10 consecutive failures.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= 10 {
		sub.Active = false
		r.logger.Printf("webhook %s disabled after %d failures", id, sub.FailCount)
	}
}

// MarkDelivered resets the failure count.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.hooks[id]; ok {
		sub.FailCount = 0
	}
}

// SignPayload creates the HMAC-SHA256 signature for webhook verification.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
