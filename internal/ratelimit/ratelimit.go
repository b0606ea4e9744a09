// Package ratelimit implements the per-identity sliding-window admission
// limiter used in front of every metered tool call.
//
// The window is partitioned into subWindows contiguous buckets; each identity
// keeps a circular array of bucket counters, so the memory per identity is
// O(subWindows) and a check is O(subWindows) worst case.
package ratelimit

import (
	"log"
	"sync"
	"time"

	"github.com/toolgate/backend/internal/clock"
)

// Config defines the sliding-window thresholds.
type Config struct {
	WindowMs    int64 // window width in milliseconds
	MaxRequests int   // allowed requests per window; 0 disables limiting
	SubWindows  int   // number of buckets the window is split into (>=1)
	MaxKeys     int   // bound on tracked identities; 0 means unbounded
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed      bool  `json:"allowed"`
	Remaining    int   `json:"remaining"`
	Limit        int   `json:"limit"`
	CurrentCount int   `json:"currentCount"`
	RetryAfterMs int64 `json:"retryAfterMs"`
	ResetAtMs    int64 `json:"resetAtMs"`
}

const shardCount = 16

type entry struct {
	counts    []int // ring of bucket counters
	head      int64 // absolute bucket index the ring is aligned to
	lastTouch time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Limiter is the sliding-window rate limiter. Identities are striped across
// shards by FNV hash so hot keys do not contend on a single lock.
type Limiter struct {
	cfg    Config
	clk    clock.Clock
	shards [shardCount]*shard
	logger *log.Logger
}

// New creates a limiter with the given config.
func New(cfg Config, clk clock.Clock) *Limiter {
	if cfg.SubWindows < 1 {
		cfg.SubWindows = 1
	}
	if cfg.WindowMs <= 0 {
		cfg.WindowMs = 60_000
	}
	if clk == nil {
		clk = clock.System{}
	}
	l := &Limiter{
		cfg:    cfg,
		clk:    clk,
		logger: log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
	for i := range l.shards {
		l.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return l
}

func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func (l *Limiter) shardFor(identity string) *shard {
	return l.shards[fnv32(identity)%shardCount]
}

// Check consumes one unit for identity if the window has room.
func (l *Limiter) Check(identity string) Decision {
	return l.decide(identity, l.cfg.MaxRequests, true)
}

// CheckWithLimit is Check against a per-identity limit override, used for
// key- and plan-level limits. limit <= 0 falls back to the configured
// MaxRequests. The override shares the identity's window state, so switching
// limits mid-window reinterprets the counts already accumulated.
func (l *Limiter) CheckWithLimit(identity string, limit int) Decision {
	if limit <= 0 {
		limit = l.cfg.MaxRequests
	}
	return l.decide(identity, limit, true)
}

// Peek returns the decision Check would make without consuming a unit.
func (l *Limiter) Peek(identity string) Decision {
	return l.decide(identity, l.cfg.MaxRequests, false)
}

func (l *Limiter) decide(identity string, limit int, consume bool) Decision {
	// A zero limit disables limiting entirely.
	if limit == 0 {
		return Decision{Allowed: true, Remaining: -1, Limit: 0}
	}

	now := l.clk.Now()
	nowMs := now.UnixMilli()
	subWidth := l.cfg.WindowMs / int64(l.cfg.SubWindows)
	if subWidth <= 0 {
		subWidth = 1
	}
	bucket := nowMs / subWidth

	sh := l.shardFor(identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[identity]
	if !ok {
		if l.cfg.MaxKeys > 0 {
			l.evictIfFullLocked(sh)
		}
		e = &entry{counts: make([]int, l.cfg.SubWindows), head: bucket}
		sh.entries[identity] = e
	}
	e.lastTouch = now

	l.advanceLocked(e, bucket)

	current := 0
	for _, c := range e.counts {
		current += c
	}

	if current+1 > limit {
		// Find the oldest still-counted bucket; the caller may retry once it
		// slides out of the window.
		oldest := bucket
		for b := bucket - int64(l.cfg.SubWindows) + 1; b <= bucket; b++ {
			if e.counts[ringIndex(b, l.cfg.SubWindows)] > 0 {
				oldest = b
				break
			}
		}
		retryAt := (oldest + int64(l.cfg.SubWindows)) * subWidth
		retryAfter := retryAt - nowMs
		if retryAfter < 1 {
			retryAfter = 1
		}
		return Decision{
			Allowed:      false,
			Remaining:    0,
			Limit:        limit,
			CurrentCount: current,
			RetryAfterMs: retryAfter,
			ResetAtMs:    retryAt,
		}
	}

	if consume {
		e.counts[ringIndex(bucket, l.cfg.SubWindows)]++
		current++
	}
	return Decision{
		Allowed:      true,
		Remaining:    limit - current,
		Limit:        limit,
		CurrentCount: current,
		ResetAtMs:    (bucket + int64(l.cfg.SubWindows)) * subWidth,
	}
}

// advanceLocked zeroes every bucket that slid out of the trailing window.
func (l *Limiter) advanceLocked(e *entry, bucket int64) {
	if bucket <= e.head {
		return
	}
	steps := bucket - e.head
	if steps >= int64(l.cfg.SubWindows) {
		for i := range e.counts {
			e.counts[i] = 0
		}
	} else {
		for b := e.head + 1; b <= bucket; b++ {
			e.counts[ringIndex(b, l.cfg.SubWindows)] = 0
		}
	}
	e.head = bucket
}

func ringIndex(bucket int64, subWindows int) int {
	i := int(bucket % int64(subWindows))
	if i < 0 {
		i += subWindows
	}
	return i
}

// evictIfFullLocked drops the least-recently-touched identity in the shard
// once the per-shard share of MaxKeys is exhausted.
func (l *Limiter) evictIfFullLocked(sh *shard) {
	perShard := l.cfg.MaxKeys / shardCount
	if perShard < 1 {
		perShard = 1
	}
	if len(sh.entries) < perShard {
		return
	}
	var victim string
	var oldest time.Time
	for id, e := range sh.entries {
		if victim == "" || e.lastTouch.Before(oldest) {
			victim = id
			oldest = e.lastTouch
		}
	}
	if victim != "" {
		delete(sh.entries, victim)
		l.logger.Printf("evicted identity %q (tracked identities at cap %d)", victim, l.cfg.MaxKeys)
	}
}

// ResetKey wipes all window state for identity.
func (l *Limiter) ResetKey(identity string) {
	sh := l.shardFor(identity)
	sh.mu.Lock()
	delete(sh.entries, identity)
	sh.mu.Unlock()
}

// TrackedIdentities reports how many identities currently hold window state.
func (l *Limiter) TrackedIdentities() int {
	total := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}

// Destroy clears all limiter state.
func (l *Limiter) Destroy() {
	for _, sh := range l.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]*entry)
		sh.mu.Unlock()
	}
}
