// Package gateway is the admission pipeline: the orchestration layer every
// tool call passes through. A call is rate-limited, checked against its plan's
// ACL and quotas, deduplicated, charged via a credit hold, invoked downstream,
// and finally settled. Per call the pipeline walks
//
//	INIT -> RATE_OK -> ACL_OK -> DEDUP_RESOLVED -> RESERVED -> INVOKED -> SETTLED
//
// with failure edges to DENIED, ERROR_RESERVE, ERROR_INVOKE and TIMEOUT. Any
// exit after RESERVED that does not settle releases the hold in a deferred
// cleanup.
package gateway

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/toolgate/backend/internal/circuitbreaker"
	"github.com/toolgate/backend/internal/clock"
	"github.com/toolgate/backend/internal/dedup"
	"github.com/toolgate/backend/internal/events"
	"github.com/toolgate/backend/internal/ledger"
	"github.com/toolgate/backend/internal/mcp"
	"github.com/toolgate/backend/internal/metering"
	"github.com/toolgate/backend/internal/plans"
	"github.com/toolgate/backend/internal/ratelimit"
	"github.com/toolgate/backend/internal/session"
)

// State is the terminal pipeline state of a call.
type State string

const (
	StateSettled       State = "SETTLED"
	StateDedupResolved State = "DEDUP_RESOLVED"
	StateDenied        State = "DENIED"
	StateErrorReserve  State = "ERROR_RESERVE"
	StateErrorInvoke   State = "ERROR_INVOKE"
	StateTimeout       State = "TIMEOUT"
)

// Error kinds carried on denied or failed calls.
const (
	KindRateLimited = "rate_limited"
	KindACLDenied   = "acl_denied"
	KindQuota       = "quota_exceeded"
	KindConcurrency = "concurrency_limit"
	KindInsufficent = "insufficient_credits"
	KindTransient   = "transient"
	KindTimeout     = "timeout"
	KindCircuitOpen = "circuit_open"
)

// Invoker executes one downstream tool call. *mcp.Client satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]interface{}) (*mcp.ToolResult, error)
}

// Config prices tools and bounds call duration.
type Config struct {
	// Prices maps tool name to base price in credits; DefaultPrice applies to
	// tools not listed. The charged amount is ceil(base * plan multiplier).
	Prices       map[string]float64
	DefaultPrice float64

	// CallTimeout caps each downstream invocation; 0 leaves the caller's
	// context deadline in charge.
	CallTimeout time.Duration

	// ActualCost, when set, derives the settled amount from the tool result.
	// Amounts above the reservation are clamped to it. Nil settles the full
	// reserved amount.
	ActualCost func(tool string, res *mcp.ToolResult, reserved float64) float64
}

// CallRequest is one admission attempt for an already-authenticated key.
type CallRequest struct {
	Key       string
	Tool      string
	Args      map[string]interface{}
	SessionID string // optional; settled calls are appended to it

	// Per-key overrides copied off the authenticated key record; zero means
	// "inherit from the plan / limiter defaults".
	RateLimitPerMin int
	CreditLimit     float64 // cap on lifetime settled credits
}

// CallResult is what the transport layer renders back to the caller.
type CallResult struct {
	State         State           `json:"state"`
	StatusCode    int             `json:"statusCode"`
	Kind          string          `json:"kind,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	ReservationID string          `json:"reservationId,omitempty"`
	Cost          float64         `json:"cost"`
	RetryAfterMs  int64           `json:"retryAfterMs,omitempty"`
	Duplicate     bool            `json:"duplicate,omitempty"`
	FirstSeenAt   *time.Time      `json:"firstSeenAt,omitempty"`
	LatencyMs     float64         `json:"latencyMs"`
	Result        *mcp.ToolResult `json:"result,omitempty"`
}

// Pipeline wires the admission components together.
type Pipeline struct {
	cfg      Config
	limiter  ratelimit.Source
	resolver *plans.Resolver
	deduper  *dedup.Deduplicator
	credits  *ledger.Ledger
	sessions *session.Manager
	metrics  *metering.Aggregator
	emitter  *events.Emitter
	invoker  Invoker
	breakers *circuitbreaker.Manager
	clk      clock.Clock
	logger   *log.Logger

	mu       sync.Mutex
	inflight map[string]int // key -> concurrent calls currently admitted
}

// Deps collects the shared components the pipeline orchestrates.
type Deps struct {
	Limiter  ratelimit.Source
	Resolver *plans.Resolver
	Deduper  *dedup.Deduplicator
	Credits  *ledger.Ledger
	Sessions *session.Manager
	Metrics  *metering.Aggregator
	Emitter  *events.Emitter
	Invoker  Invoker
	Clock    clock.Clock
}

// New builds a pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	clk := deps.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Pipeline{
		cfg:      cfg,
		limiter:  deps.Limiter,
		resolver: deps.Resolver,
		deduper:  deps.Deduper,
		credits:  deps.Credits,
		sessions: deps.Sessions,
		metrics:  deps.Metrics,
		emitter:  deps.Emitter,
		invoker:  deps.Invoker,
		breakers: circuitbreaker.NewManager(nil),
		clk:      clk,
		logger:   log.New(log.Writer(), "[GATEWAY] ", log.LstdFlags),
		inflight: make(map[string]int),
	}
}

// BasePrice returns the configured base price for a tool.
func (p *Pipeline) BasePrice(tool string) float64 {
	if price, ok := p.cfg.Prices[tool]; ok {
		return price
	}
	return p.cfg.DefaultPrice
}

// Cost is the amount charged for one call: ceil(basePrice * multiplier),
// never negative.
func (p *Pipeline) Cost(key, tool string) float64 {
	cost := math.Ceil(p.BasePrice(tool) * p.resolver.GetCreditMultiplier(key))
	if cost < 0 {
		return 0
	}
	return cost
}

// Call runs the full admission pipeline for one request.
func (p *Pipeline) Call(ctx context.Context, req CallRequest) *CallResult {
	start := time.Now()
	res := &CallResult{}
	finish := func() *CallResult {
		res.LatencyMs = float64(time.Since(start)) / float64(time.Millisecond)
		return res
	}

	// Rate limit by key. The key override beats the plan's limit, the plan's
	// beats the limiter default.
	limit := req.RateLimitPerMin
	if limit <= 0 {
		if plan := p.resolver.GetKeyPlan(req.Key); plan != nil && plan.RateLimitPerMin > 0 {
			limit = plan.RateLimitPerMin
		}
	}
	decision := p.limiter.CheckWithLimit(req.Key, limit)
	if !decision.Allowed {
		res.State = StateDenied
		res.StatusCode = 429
		res.Kind = KindRateLimited
		res.Reason = "rate limit exceeded"
		res.RetryAfterMs = decision.RetryAfterMs
		p.record(req, 429, start)
		p.emitter.Emit(events.TopicRateDenied, req.Key, req.Tool, map[string]interface{}{
			"retryAfterMs": decision.RetryAfterMs,
		})
		denialsTotal.WithLabelValues(KindRateLimited).Inc()
		return finish()
	}

	// Plan ACL; deny wins over allow.
	if acl := p.resolver.IsToolAllowedByPlan(req.Key, req.Tool); !acl.Allowed {
		res.State = StateDenied
		res.StatusCode = 403
		res.Kind = KindACLDenied
		res.Reason = acl.Reason
		p.record(req, 403, start)
		denialsTotal.WithLabelValues(KindACLDenied).Inc()
		return finish()
	}

	cost := p.Cost(req.Key, req.Tool)
	res.Cost = cost

	// Plan quotas count the call we are about to admit.
	if quota := p.resolver.CheckQuota(req.Key, cost); !quota.Allowed {
		res.State = StateDenied
		res.StatusCode = 429
		res.Kind = KindQuota
		res.Reason = quota.Reason
		p.record(req, 429, start)
		denialsTotal.WithLabelValues(KindQuota).Inc()
		return finish()
	}

	// Per-key concurrency cap from the plan.
	if ok, reason := p.admitInflight(req.Key); !ok {
		res.State = StateDenied
		res.StatusCode = 429
		res.Kind = KindConcurrency
		res.Reason = reason
		p.record(req, 429, start)
		denialsTotal.WithLabelValues(KindConcurrency).Inc()
		return finish()
	}
	defer p.releaseInflight(req.Key)

	// Dedup: a fingerprint hit inside the TTL short-circuits without
	// touching the downstream tool or the ledger.
	fp := p.deduper.Fingerprint(map[string]interface{}{
		"tool": req.Tool,
		"args": req.Args,
		"key":  req.Key,
	})
	if check := p.deduper.Check(fp); check.IsDuplicate {
		p.deduper.Record(fp, req.Key, req.Tool)
		res.State = StateDedupResolved
		res.StatusCode = 200
		res.Duplicate = true
		res.FirstSeenAt = check.FirstSeenAt
		res.Cost = 0
		p.record(req, 200, start)
		return finish()
	}
	p.deduper.Record(fp, req.Key, req.Tool)

	// Reserve credits. Zero-cost calls skip the hold entirely.
	var resID string
	settled := false
	if cost > 0 {
		// The key's credit limit caps lifetime settled spend.
		if req.CreditLimit > 0 && p.credits.SettledTotal(req.Key)+cost > req.CreditLimit {
			res.State = StateErrorReserve
			res.StatusCode = 402
			res.Kind = KindInsufficent
			res.Reason = "key credit limit reached"
			p.record(req, 402, start)
			denialsTotal.WithLabelValues(KindInsufficent).Inc()
			return finish()
		}
		rr := p.credits.Reserve(ledger.ReserveRequest{Key: req.Key, Amount: cost, Tool: req.Tool})
		if !rr.Success {
			res.State = StateErrorReserve
			res.StatusCode = 402
			res.Kind = KindInsufficent
			res.Reason = rr.Error
			p.record(req, 402, start)
			denialsTotal.WithLabelValues(KindInsufficent).Inc()
			return finish()
		}
		resID = rr.ID
		res.ReservationID = resID
		p.emitter.Emit(events.TopicToolReserved, req.Key, req.Tool, map[string]interface{}{
			"reservationId": resID,
			"amount":        cost,
		})
		// Runs on every exit path; a no-op once the hold was settled.
		defer func() {
			if !settled {
				p.credits.Release(resID)
			}
		}()
	}

	// Invoke downstream under the call deadline and the tool's breaker.
	breaker := p.breakers.Get(req.Tool)
	gen, berr := breaker.Before()
	if berr != nil {
		res.State = StateErrorInvoke
		res.StatusCode = 503
		res.Kind = KindCircuitOpen
		res.Reason = berr.Error()
		p.record(req, 503, start)
		denialsTotal.WithLabelValues(KindCircuitOpen).Inc()
		return finish()
	}
	if p.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()
	}
	toolStart := time.Now()
	result, err := p.invoker.Invoke(ctx, req.Tool, req.Args)
	invokeLatency.WithLabelValues(req.Tool).Observe(time.Since(toolStart).Seconds())
	breaker.After(gen, err == nil && (result == nil || !result.IsError))

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			res.State = StateTimeout
			res.StatusCode = 504
			res.Kind = KindTimeout
		} else {
			res.State = StateErrorInvoke
			res.StatusCode = 500
			res.Kind = KindTransient
		}
		res.Reason = err.Error()
		p.record(req, res.StatusCode, start)
		p.emitter.Emit(events.TopicToolFailed, req.Key, req.Tool, map[string]interface{}{
			"reservationId": resID,
			"reason":        err.Error(),
			"timeout":       res.State == StateTimeout,
		})
		callsTotal.WithLabelValues(req.Tool, string(res.State)).Inc()
		return finish()
	}
	if result != nil && result.IsError {
		res.State = StateErrorInvoke
		res.StatusCode = 500
		res.Kind = KindTransient
		res.Reason = toolErrorText(result)
		res.Result = result
		p.record(req, 500, start)
		p.emitter.Emit(events.TopicToolFailed, req.Key, req.Tool, map[string]interface{}{
			"reservationId": resID,
			"reason":        res.Reason,
		})
		callsTotal.WithLabelValues(req.Tool, string(res.State)).Inc()
		return finish()
	}

	// Settle. The actual amount may undercut the hold but never exceed it.
	actual := cost
	if p.cfg.ActualCost != nil {
		actual = p.cfg.ActualCost(req.Tool, result, cost)
		if actual > cost {
			actual = cost
		}
		if actual < 0 {
			actual = 0
		}
	}
	if resID != "" {
		if !p.credits.Settle(resID, &actual) {
			// The hold expired under us; the call still succeeded.
			p.logger.Printf("settle of %s failed, reservation no longer held", resID)
		} else {
			settled = true
		}
	}
	p.resolver.RecordUsage(req.Key, actual)
	if req.SessionID != "" {
		if err := p.sessions.RecordCall(req.SessionID, req.Tool, actual); err != nil {
			p.logger.Printf("session %s: %v", req.SessionID, err)
		}
	}

	res.State = StateSettled
	res.StatusCode = 200
	res.Cost = actual
	res.Result = result
	p.record(req, 200, start)
	p.emitter.Emit(events.TopicToolSettled, req.Key, req.Tool, map[string]interface{}{
		"reservationId": resID,
		"amount":        actual,
	})
	callsTotal.WithLabelValues(req.Tool, string(StateSettled)).Inc()
	creditsSettled.WithLabelValues(req.Tool).Add(actual)
	return finish()
}

func toolErrorText(res *mcp.ToolResult) string {
	for _, item := range res.Content {
		if item.Text != "" {
			return item.Text
		}
	}
	return "tool reported an error"
}

// admitInflight bumps the key's concurrent-call counter if the plan allows.
func (p *Pipeline) admitInflight(key string) (bool, string) {
	plan := p.resolver.GetKeyPlan(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	if plan != nil && plan.MaxConcurrent > 0 && p.inflight[key] >= plan.MaxConcurrent {
		return false, "concurrent call limit reached"
	}
	p.inflight[key]++
	return true, ""
}

func (p *Pipeline) releaseInflight(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[key] <= 1 {
		delete(p.inflight, key)
	} else {
		p.inflight[key]--
	}
}

// BreakerStats snapshots the per-tool circuit breakers.
func (p *Pipeline) BreakerStats() map[string]circuitbreaker.BreakerStats {
	return p.breakers.Stats()
}

// Inflight reports the key's admitted concurrent calls.
func (p *Pipeline) Inflight(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[key]
}

func (p *Pipeline) record(req CallRequest, status int, start time.Time) {
	p.metrics.Add(metering.Record{
		Timestamp:  p.clk.Now(),
		LatencyMs:  float64(time.Since(start)) / float64(time.Millisecond),
		StatusCode: status,
		Tool:       req.Tool,
		Key:        req.Key,
	})
}
