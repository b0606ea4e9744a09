// Package metering aggregates per-call records into time-window summaries.
// Records live in a fixed-capacity ring buffer: insertion is O(1), the oldest
// record is evicted on overflow, and summaries filter by window plus optional
// tool/key before computing latency statistics.
package metering

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/toolgate/backend/internal/clock"
)

// Record is one completed call.
type Record struct {
	Timestamp  time.Time `json:"timestamp"`
	LatencyMs  float64   `json:"latencyMs"`
	StatusCode int       `json:"statusCode"`
	Tool       string    `json:"tool,omitempty"`
	Key        string    `json:"key,omitempty"`
}

// Filter narrows a summary to one tool and/or key. Empty fields match all.
type Filter struct {
	Tool string
	Key  string
}

// Summary is the aggregate over a window.
type Summary struct {
	TotalRequests int     `json:"totalRequests"`
	TotalErrors   int     `json:"totalErrors"`
	ErrorRate     float64 `json:"errorRate"` // percent
	AvgLatencyMs  float64 `json:"avgLatencyMs"`
	MinLatencyMs  float64 `json:"minLatencyMs"`
	MaxLatencyMs  float64 `json:"maxLatencyMs"`
	P50LatencyMs  float64 `json:"p50LatencyMs"`
	P95LatencyMs  float64 `json:"p95LatencyMs"`
	P99LatencyMs  float64 `json:"p99LatencyMs"`
}

// ToolStats is one row of the per-tool breakdown.
type ToolStats struct {
	Tool         string  `json:"tool"`
	Requests     int     `json:"requests"`
	Errors       int     `json:"errors"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

// Bucket is one time slice of GetBuckets.
type Bucket struct {
	Start      time.Time `json:"start"`
	Count      int       `json:"count"`
	AvgLatency float64   `json:"avgLatency"`
	Errors     int       `json:"errors"`
}

const (
	maxBuckets = 60
	retention  = 24 * time.Hour
	defaultCap = 10_000
	errorFloor = 500 // statusCode >= errorFloor counts as an error
)

// Aggregator stores records in a ring buffer under a single lock.
type Aggregator struct {
	mu     sync.Mutex
	clk    clock.Clock
	ring   []Record
	head   int // next write position
	count  int // number of valid records
	logger *log.Logger
}

// New creates an aggregator with capacity maxRecords.
func New(maxRecords int, clk clock.Clock) *Aggregator {
	if maxRecords <= 0 {
		maxRecords = defaultCap
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Aggregator{
		clk:    clk,
		ring:   make([]Record, maxRecords),
		logger: log.New(log.Writer(), "[METERING] ", log.LstdFlags),
	}
}

// Add inserts one record, evicting the oldest when full.
func (a *Aggregator) Add(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = a.clk.Now()
	}
	a.mu.Lock()
	a.ring[a.head] = rec
	a.head = (a.head + 1) % len(a.ring)
	if a.count < len(a.ring) {
		a.count++
	}
	a.mu.Unlock()
}

// snapshot copies the live records matching cutoff and filter.
func (a *Aggregator) snapshot(cutoff time.Time, f Filter) []Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Record, 0, a.count)
	start := a.head - a.count
	for i := 0; i < a.count; i++ {
		idx := start + i
		if idx < 0 {
			idx += len(a.ring)
		}
		rec := a.ring[idx%len(a.ring)]
		if rec.Timestamp.Before(cutoff) {
			continue
		}
		if f.Tool != "" && rec.Tool != f.Tool {
			continue
		}
		if f.Key != "" && rec.Key != f.Key {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// GetSummary aggregates records with timestamp >= now-window, optionally
// filtered by tool/key.
func (a *Aggregator) GetSummary(window time.Duration, f Filter) Summary {
	recs := a.snapshot(a.clk.Now().Add(-window), f)
	if len(recs) == 0 {
		return Summary{}
	}

	latencies := make([]float64, 0, len(recs))
	var sum float64
	errors := 0
	for _, r := range recs {
		latencies = append(latencies, r.LatencyMs)
		sum += r.LatencyMs
		if r.StatusCode >= errorFloor {
			errors++
		}
	}
	sort.Float64s(latencies)

	n := len(latencies)
	return Summary{
		TotalRequests: n,
		TotalErrors:   errors,
		ErrorRate:     float64(errors) / float64(n) * 100,
		AvgLatencyMs:  sum / float64(n),
		MinLatencyMs:  latencies[0],
		MaxLatencyMs:  latencies[n-1],
		P50LatencyMs:  percentile(latencies, 0.50),
		P95LatencyMs:  percentile(latencies, 0.95),
		P99LatencyMs:  percentile(latencies, 0.99),
	}
}

// percentile applies the nearest-rank convention: index ceil(q*N)-1 clamped
// to [0, N-1], over a sorted slice.
func percentile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(ceilMul(q, n)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// ceilMul computes ceil(q*n) without drifting through float rounding for the
// exact multiples the nearest-rank rule cares about.
func ceilMul(q float64, n int) int {
	prod := q * float64(n)
	c := int(prod)
	if float64(c) < prod {
		c++
	}
	return c
}

// GetToolBreakdown groups the retained records by tool.
func (a *Aggregator) GetToolBreakdown() []ToolStats {
	recs := a.snapshot(a.clk.Now().Add(-retention), Filter{})

	type agg struct {
		count  int
		errors int
		sum    float64
	}
	byTool := make(map[string]*agg)
	for _, r := range recs {
		tool := r.Tool
		if tool == "" {
			tool = "(unknown)"
		}
		g, ok := byTool[tool]
		if !ok {
			g = &agg{}
			byTool[tool] = g
		}
		g.count++
		g.sum += r.LatencyMs
		if r.StatusCode >= errorFloor {
			g.errors++
		}
	}

	out := make([]ToolStats, 0, len(byTool))
	for tool, g := range byTool {
		out = append(out, ToolStats{
			Tool:         tool,
			Requests:     g.count,
			Errors:       g.errors,
			AvgLatencyMs: g.sum / float64(g.count),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Requests > out[j].Requests })
	return out
}

// GetBuckets partitions the window into at most 60 even slices.
func (a *Aggregator) GetBuckets(window time.Duration) []Bucket {
	now := a.clk.Now()
	cutoff := now.Add(-window)
	recs := a.snapshot(cutoff, Filter{})

	n := maxBuckets
	width := window / time.Duration(n)
	if width <= 0 {
		width = time.Millisecond
		n = int(window / width)
		if n < 1 {
			n = 1
		}
	}

	buckets := make([]Bucket, n)
	sums := make([]float64, n)
	for i := range buckets {
		buckets[i].Start = cutoff.Add(time.Duration(i) * width)
	}
	for _, r := range recs {
		i := int(r.Timestamp.Sub(cutoff) / width)
		if i < 0 {
			continue
		}
		if i >= n {
			i = n - 1
		}
		buckets[i].Count++
		sums[i] += r.LatencyMs
		if r.StatusCode >= errorFloor {
			buckets[i].Errors++
		}
	}
	for i := range buckets {
		if buckets[i].Count > 0 {
			buckets[i].AvgLatency = sums[i] / float64(buckets[i].Count)
		}
	}
	return buckets
}

// Cleanup drops records older than the 24h retention and returns the count
// removed. The ring is compacted in place.
func (a *Aggregator) Cleanup() int {
	cutoff := a.clk.Now().Add(-retention)

	a.mu.Lock()
	defer a.mu.Unlock()

	kept := make([]Record, 0, a.count)
	start := a.head - a.count
	for i := 0; i < a.count; i++ {
		idx := start + i
		if idx < 0 {
			idx += len(a.ring)
		}
		rec := a.ring[idx%len(a.ring)]
		if !rec.Timestamp.Before(cutoff) {
			kept = append(kept, rec)
		}
	}
	removed := a.count - len(kept)

	for i := range a.ring {
		a.ring[i] = Record{}
	}
	copy(a.ring, kept)
	a.count = len(kept)
	a.head = a.count % len(a.ring)

	if removed > 0 {
		a.logger.Printf("dropped %d records past retention (%d kept)", removed, a.count)
	}
	return removed
}

// Count reports how many records are retained.
func (a *Aggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Destroy clears all records.
func (a *Aggregator) Destroy() {
	a.mu.Lock()
	for i := range a.ring {
		a.ring[i] = Record{}
	}
	a.head = 0
	a.count = 0
	a.mu.Unlock()
}
