// Package dedup provides the content-addressed idempotency cache that sits in
// front of the tool pipeline. Requests are fingerprinted over a canonical JSON
// form (object keys sorted recursively) so that two payloads that differ only
// in key order collapse to the same digest.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/toolgate/backend/internal/clock"
)

// Algorithm selects the fingerprint digest.
type Algorithm string

const (
	// AlgorithmFast is a 32-bit FNV-1a digest, prefixed fp_.
	AlgorithmFast Algorithm = "fast"
	// AlgorithmDetailed is a 128-bit SHA-256 truncation, prefixed fpd_.
	AlgorithmDetailed Algorithm = "detailed"
)

// Config bounds the cache.
type Config struct {
	TTLMs      int64
	MaxEntries int
	Algorithm  Algorithm
}

// Record tracks one fingerprint's history.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	FirstSeenAt time.Time `json:"firstSeenAt"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	Count       int       `json:"count"`
	Key         string    `json:"key"`
	Tool        string    `json:"tool,omitempty"`
}

// CheckResult is the outcome of a duplicate probe.
type CheckResult struct {
	IsDuplicate   bool       `json:"isDuplicate"`
	PreviousCount int        `json:"previousCount"`
	FirstSeenAt   *time.Time `json:"firstSeenAt,omitempty"`
}

// Deduplicator is the idempotency cache. A single lock is enough here: reads
// vastly outnumber writes and the critical sections are map lookups.
type Deduplicator struct {
	mu      sync.Mutex
	cfg     Config
	clk     clock.Clock
	records map[string]*Record
	logger  *log.Logger
}

// New creates a deduplicator.
func New(cfg Config, clk clock.Clock) *Deduplicator {
	if cfg.TTLMs <= 0 {
		cfg.TTLMs = 60_000
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = AlgorithmFast
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Deduplicator{
		cfg:     cfg,
		clk:     clk,
		records: make(map[string]*Record),
		logger:  log.New(log.Writer(), "[DEDUP] ", log.LstdFlags),
	}
}

// Fingerprint digests payload under the configured algorithm.
func (d *Deduplicator) Fingerprint(payload interface{}) string {
	return Fingerprint(payload, d.cfg.Algorithm)
}

// Fingerprint computes a stable digest of payload: invariant under object key
// ordering, sensitive to any scalar change.
func Fingerprint(payload interface{}, alg Algorithm) string {
	canonical := canonicalJSON(payload)
	switch alg {
	case AlgorithmDetailed:
		sum := sha256.Sum256([]byte(canonical))
		return "fpd_" + hex.EncodeToString(sum[:16])
	default:
		h := fnv.New32a()
		h.Write([]byte(canonical))
		return fmt.Sprintf("fp_%08x", h.Sum32())
	}
}

// canonicalJSON renders payload as compact JSON with recursively sorted keys.
func canonicalJSON(v interface{}) string {
	// Round-trip through encoding/json so struct payloads and map payloads
	// canonicalise identically.
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("!unmarshalable:%v", v)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return string(raw)
	}
	var sb strings.Builder
	writeCanonical(&sb, generic)
	return sb.String()
}

func writeCanonical(sb *strings.Builder, v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			writeCanonical(sb, t[k])
		}
		sb.WriteByte('}')
	case []interface{}:
		sb.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeCanonical(sb, e)
		}
		sb.WriteByte(']')
	default:
		b, _ := json.Marshal(t)
		sb.Write(b)
	}
}

// Check probes for a live record of fp. Records idle past the TTL are treated
// as absent.
func (d *Deduplicator) Check(fp string) CheckResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.records[fp]
	if !ok || d.expiredLocked(rec) {
		return CheckResult{}
	}
	first := rec.FirstSeenAt
	return CheckResult{IsDuplicate: true, PreviousCount: rec.Count, FirstSeenAt: &first}
}

// Record inserts or refreshes the record for fp and returns the new count.
func (d *Deduplicator) Record(fp, key, tool string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clk.Now()
	if rec, ok := d.records[fp]; ok && !d.expiredLocked(rec) {
		rec.Count++
		rec.LastSeenAt = now
		return rec.Count
	}

	if len(d.records) >= d.cfg.MaxEntries {
		d.evictOldestLocked()
	}
	d.records[fp] = &Record{
		Fingerprint: fp,
		FirstSeenAt: now,
		LastSeenAt:  now,
		Count:       1,
		Key:         key,
		Tool:        tool,
	}
	return 1
}

func (d *Deduplicator) expiredLocked(rec *Record) bool {
	return rec.LastSeenAt.Add(time.Duration(d.cfg.TTLMs) * time.Millisecond).Before(d.clk.Now())
}

// evictOldestLocked removes the entry with the smallest LastSeenAt.
func (d *Deduplicator) evictOldestLocked() {
	var victim string
	var oldest time.Time
	for fp, rec := range d.records {
		if victim == "" || rec.LastSeenAt.Before(oldest) {
			victim = fp
			oldest = rec.LastSeenAt
		}
	}
	if victim != "" {
		delete(d.records, victim)
	}
}

// Cleanup removes every expired record and returns how many were dropped.
func (d *Deduplicator) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for fp, rec := range d.records {
		if d.expiredLocked(rec) {
			delete(d.records, fp)
			removed++
		}
	}
	if removed > 0 {
		d.logger.Printf("cleaned %d expired fingerprints (%d live)", removed, len(d.records))
	}
	return removed
}

// Size reports the number of cached records, expired ones included.
func (d *Deduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

// Destroy clears the cache.
func (d *Deduplicator) Destroy() {
	d.mu.Lock()
	d.records = make(map[string]*Record)
	d.mu.Unlock()
}
