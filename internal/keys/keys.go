// Package keys holds the API key registry consumed by the admin surface and
// by the admission pipeline's authenticate step. Keys are opaque printable
// secrets; records carry per-key overrides that layer on top of the assigned
// usage plan.
package keys

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate/backend/internal/clock"
)

const (
	minSecretLen = 8
	maxSecretLen = 128
)

// Key is one provisioned API key.
type Key struct {
	ID        string    `json:"id"`     // stable identifier used in admin routes
	Secret    string    `json:"secret"` // the opaque credential callers present
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	Revoked   bool      `json:"revoked"`
	Plan      string    `json:"plan,omitempty"`
	Tags      []string  `json:"tags,omitempty"`

	// Per-key overrides; zero means "inherit from plan / defaults".
	RateLimitPerMin int     `json:"rateLimitPerMin,omitempty"`
	CreditLimit     float64 `json:"creditLimit,omitempty"`
}

// Config bounds the store.
type Config struct {
	MaxTagsPerKey int
}

// Store owns every key record.
type Store struct {
	mu       sync.RWMutex
	cfg      Config
	clk      clock.Clock
	byID     map[string]*Key
	bySecret map[string]*Key
	logger   *log.Logger
}

// NewStore creates an empty key store.
func NewStore(cfg Config, clk clock.Clock) *Store {
	if cfg.MaxTagsPerKey <= 0 {
		cfg.MaxTagsPerKey = 20
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Store{
		cfg:      cfg,
		clk:      clk,
		byID:     make(map[string]*Key),
		bySecret: make(map[string]*Key),
		logger:   log.New(log.Writer(), "[KEYS] ", log.LstdFlags),
	}
}

// CreateRequest provisions a new key.
type CreateRequest struct {
	Name            string
	Secret          string // optional; generated when empty
	Plan            string
	Tags            []string
	RateLimitPerMin int
	CreditLimit     float64
}

// Create registers a key. When no secret is given, a tgk_-prefixed one is
// generated from a UUID.
func (s *Store) Create(req CreateRequest) (*Key, error) {
	secret := req.Secret
	if secret == "" {
		secret = "tgk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if err := validateSecret(secret); err != nil {
		return nil, err
	}
	if len(req.Tags) > s.cfg.MaxTagsPerKey {
		return nil, fmt.Errorf("too many tags (max %d)", s.cfg.MaxTagsPerKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bySecret[secret]; exists {
		return nil, fmt.Errorf("key secret already in use")
	}

	k := &Key{
		ID:              "key_" + uuid.NewString()[:8],
		Secret:          secret,
		Name:            req.Name,
		CreatedAt:       s.clk.Now(),
		Plan:            req.Plan,
		Tags:            append([]string(nil), req.Tags...),
		RateLimitPerMin: req.RateLimitPerMin,
		CreditLimit:     req.CreditLimit,
	}
	s.byID[k.ID] = k
	s.bySecret[secret] = k
	s.logger.Printf("created key %s (%q)", k.ID, k.Name)
	return copyKey(k), nil
}

func validateSecret(secret string) error {
	if len(secret) < minSecretLen || len(secret) > maxSecretLen {
		return fmt.Errorf("key secret must be %d-%d bytes", minSecretLen, maxSecretLen)
	}
	for i := 0; i < len(secret); i++ {
		if secret[i] < 0x21 || secret[i] > 0x7e {
			return fmt.Errorf("key secret must be printable ASCII")
		}
	}
	return nil
}

// Authenticate resolves a caller-presented secret to a live key.
func (s *Store) Authenticate(secret string) (*Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.bySecret[secret]
	if !ok || k.Revoked {
		return nil, false
	}
	return copyKey(k), true
}

// Get returns the key by its admin id.
func (s *Store) Get(id string) (*Key, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return copyKey(k), true
}

// List returns every key record.
func (s *Store) List() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Key, 0, len(s.byID))
	for _, k := range s.byID {
		out = append(out, *copyKey(k))
	}
	return out
}

// Revoke marks the key revoked. Revoked keys fail authentication but remain
// listed for audit.
func (s *Store) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("key %q not found", id)
	}
	k.Revoked = true
	s.logger.Printf("revoked key %s", id)
	return nil
}

// SetPlan records the plan assignment on the key record.
func (s *Store) SetPlan(id, plan string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("key %q not found", id)
	}
	k.Plan = plan
	return nil
}

// SetTags replaces the key's tags.
func (s *Store) SetTags(id string, tags []string) error {
	if len(tags) > s.cfg.MaxTagsPerKey {
		return fmt.Errorf("too many tags (max %d)", s.cfg.MaxTagsPerKey)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("key %q not found", id)
	}
	k.Tags = append([]string(nil), tags...)
	return nil
}

// Count reports the number of provisioned keys, revoked included.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func copyKey(k *Key) *Key {
	cp := *k
	cp.Tags = append([]string(nil), k.Tags...)
	return &cp
}

// Destroy clears the store.
func (s *Store) Destroy() {
	s.mu.Lock()
	s.byID = make(map[string]*Key)
	s.bySecret = make(map[string]*Key)
	s.mu.Unlock()
}
