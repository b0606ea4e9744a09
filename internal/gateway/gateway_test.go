package gateway

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// stubInvoker scripts downstream behaviour per tool name.
type stubInvoker struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, name string, args map[string]interface{}) (*mcp.ToolResult, error)
}

func (s *stubInvoker) Invoke(ctx context.Context, name string, args map[string]interface{}) (*mcp.ToolResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(ctx, name, args)
	}
	return &mcp.ToolResult{Content: []mcp.ContentItem{{Type: "text", Text: "ok"}}}, nil
}

func (s *stubInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	pipe     *Pipeline
	limiter  *ratelimit.Limiter
	resolver *plans.Resolver
	deduper  *dedup.Deduplicator
	credits  *ledger.Ledger
	sessions *session.Manager
	metrics  *metering.Aggregator
	emitter  *events.Emitter
	invoker  *stubInvoker
	clk      *clock.Fake
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f := &fixture{
		limiter:  ratelimit.New(ratelimit.Config{WindowMs: 60_000, MaxRequests: 100, SubWindows: 6}, clk),
		resolver: plans.NewResolver(clk),
		deduper:  dedup.New(dedup.Config{TTLMs: 60_000, MaxEntries: 100}, clk),
		credits:  ledger.New(ledger.DefaultConfig(), clk),
		sessions: session.NewManager(session.Config{}, clk),
		metrics:  metering.New(1000, clk),
		emitter:  events.NewEmitter(),
		invoker:  &stubInvoker{},
		clk:      clk,
	}
	if cfg.Prices == nil {
		cfg.Prices = map[string]float64{"search": 5, "summarize": 10}
	}
	if cfg.DefaultPrice == 0 {
		cfg.DefaultPrice = 1
	}
	f.pipe = New(cfg, Deps{
		Limiter:  f.limiter,
		Resolver: f.resolver,
		Deduper:  f.deduper,
		Credits:  f.credits,
		Sessions: f.sessions,
		Metrics:  f.metrics,
		Emitter:  f.emitter,
		Invoker:  f.invoker,
		Clock:    clk,
	})
	t.Cleanup(func() {
		f.limiter.Destroy()
		f.resolver.Destroy()
		f.deduper.Destroy()
		f.credits.Destroy()
		f.sessions.Destroy()
		f.metrics.Destroy()
		f.emitter.Destroy()
	})
	f.credits.SetBalance("k1", 1000)
	return f
}

func TestHappyPathSettles(t *testing.T) {
	f := newFixture(t, Config{})

	var settled []*events.Event
	f.emitter.Subscribe(func(ev *events.Event) { settled = append(settled, ev) }, events.TopicToolSettled)

	res := f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search", Args: map[string]interface{}{"q": "go"}})

	assert.Equal(t, StateSettled, res.State)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, 5.0, res.Cost)
	require.NotNil(t, res.Result)

	bal := f.credits.GetBalance("k1")
	assert.Equal(t, 995.0, bal.Balance)
	assert.Equal(t, 0.0, bal.Held)

	require.Len(t, settled, 1)
	assert.Equal(t, "search", settled[0].Tool)
	assert.Equal(t, 5.0, settled[0].Data["amount"])
}

func TestCostAppliesPlanMultiplier(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.resolver.CreatePlan(plans.Plan{Name: "premium", CreditMultiplier: 1.5})
	require.NoError(t, err)
	require.NoError(t, f.resolver.AssignKey("k1", "premium"))

	// ceil(5 * 1.5) = 8
	assert.Equal(t, 8.0, f.pipe.Cost("k1", "search"))

	res := f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search"})
	assert.Equal(t, StateSettled, res.State)
	assert.Equal(t, 992.0, f.credits.GetBalance("k1").Balance)
}

func TestRateLimitedCallDenied(t *testing.T) {
	f := newFixture(t, Config{})
	f.limiter.Destroy()
	f.limiter = ratelimit.New(ratelimit.Config{WindowMs: 60_000, MaxRequests: 2, SubWindows: 6}, f.clk)
	f.pipe.limiter = f.limiter

	var denied []*events.Event
	f.emitter.Subscribe(func(ev *events.Event) { denied = append(denied, ev) }, events.TopicRateDenied)

	for i := 0; i < 2; i++ {
		res := f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search", Args: map[string]interface{}{"i": i}})
		require.Equal(t, StateSettled, res.State)
	}
	res := f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search", Args: map[string]interface{}{"i": 2}})

	assert.Equal(t, StateDenied, res.State)
	assert.Equal(t, 429, res.StatusCode)
	assert.Equal(t, KindRateLimited, res.Kind)
	assert.Greater(t, res.RetryAfterMs, int64(0))
	assert.Equal(t, 2, f.invoker.callCount(), "denied call must not reach the tool")
	require.Len(t, denied, 1)
}

func TestKeyRateLimitOverride(t *testing.T) {
	f := newFixture(t, Config{})

	// The limiter default admits 100 per window; the key override caps at 2.
	for i := 0; i < 2; i++ {
		res := f.pipe.Call(context.Background(), CallRequest{
			Key: "k1", Tool: "search", Args: map[string]interface{}{"i": i}, RateLimitPerMin: 2,
		})
		require.Equal(t, StateSettled, res.State)
	}
	res := f.pipe.Call(context.Background(), CallRequest{
		Key: "k1", Tool: "search", Args: map[string]interface{}{"i": 2}, RateLimitPerMin: 2,
	})
	assert.Equal(t, StateDenied, res.State)
	assert.Equal(t, 429, res.StatusCode)
	assert.Equal(t, KindRateLimited, res.Kind)
	assert.Equal(t, 2, f.invoker.callCount())
}

func TestPlanRateLimitEnforced(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.resolver.CreatePlan(plans.Plan{Name: "starter", RateLimitPerMin: 1, CreditMultiplier: 1})
	require.NoError(t, err)
	require.NoError(t, f.resolver.AssignKey("k1", "starter"))

	res := f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search", Args: map[string]interface{}{"i": 0}})
	require.Equal(t, StateSettled, res.State)

	res = f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search", Args: map[string]interface{}{"i": 1}})
	assert.Equal(t, StateDenied, res.State)
	assert.Equal(t, 429, res.StatusCode)
	assert.Equal(t, KindRateLimited, res.Kind)
}

func TestKeyCreditLimitCapsSpend(t *testing.T) {
	f := newFixture(t, Config{})

	// The balance is ample; a lifetime cap of 8 admits one 5-credit call only.
	res := f.pipe.Call(context.Background(), CallRequest{
		Key: "k1", Tool: "search", Args: map[string]interface{}{"i": 0}, CreditLimit: 8,
	})
	require.Equal(t, StateSettled, res.State)

	res = f.pipe.Call(context.Background(), CallRequest{
		Key: "k1", Tool: "search", Args: map[string]interface{}{"i": 1}, CreditLimit: 8,
	})
	assert.Equal(t, StateErrorReserve, res.State)
	assert.Equal(t, 402, res.StatusCode)
	assert.Equal(t, KindInsufficent, res.Kind)
	assert.Contains(t, res.Reason, "credit limit")
	assert.Equal(t, 995.0, f.credits.GetBalance("k1").Balance)
	assert.Equal(t, 1, f.invoker.callCount())
}

func TestACLDeniedCall(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.resolver.CreatePlan(plans.Plan{
		Name:        "free",
		DeniedTools: map[string]struct{}{"summarize": {}},
	})
	require.NoError(t, err)
	require.NoError(t, f.resolver.AssignKey("k1", "free"))

	res := f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "summarize"})

	assert.Equal(t, StateDenied, res.State)
	assert.Equal(t, 403, res.StatusCode)
	assert.Contains(t, res.Reason, `denied by plan "free"`)
	assert.Equal(t, 0, f.invoker.callCount())
	assert.Equal(t, 1000.0, f.credits.GetBalance("k1").Balance)
}

func TestDuplicateShortCircuits(t *testing.T) {
	f := newFixture(t, Config{})

	args := map[string]interface{}{"q": "same"}
	first := f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search", Args: args})
	require.Equal(t, StateSettled, first.State)

	second := f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search", Args: args})

	assert.Equal(t, StateDedupResolved, second.State)
	assert.True(t, second.Duplicate)
	require.NotNil(t, second.FirstSeenAt)
	assert.Equal(t, 1, f.invoker.callCount(), "duplicate must not invoke")
	assert.Equal(t, 995.0, f.credits.GetBalance("k1").Balance, "duplicate must not charge")
}

func TestDuplicateExpiresWithTTL(t *testing.T) {
	f := newFixture(t, Config{})

	args := map[string]interface{}{"q": "ttl"}
	f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search", Args: args})
	f.clk.Advance(61 * time.Second)

	res := f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search", Args: args})
	assert.Equal(t, StateSettled, res.State)
	assert.Equal(t, 2, f.invoker.callCount())
}

func TestInsufficientCreditsReserveError(t *testing.T) {
	f := newFixture(t, Config{})
	f.credits.SetBalance("poor", 3)

	res := f.pipe.Call(context.Background(), CallRequest{Key: "poor", Tool: "search"})

	assert.Equal(t, StateErrorReserve, res.State)
	assert.Equal(t, 402, res.StatusCode)
	assert.Contains(t, res.Reason, "insufficient available balance")
	assert.Equal(t, 0, f.invoker.callCount())
}

func TestInvokeErrorReleasesHold(t *testing.T) {
	f := newFixture(t, Config{})
	f.invoker.fn = func(ctx context.Context, name string, args map[string]interface{}) (*mcp.ToolResult, error) {
		return nil, fmt.Errorf("child exploded")
	}

	var failed []*events.Event
	f.emitter.Subscribe(func(ev *events.Event) { failed = append(failed, ev) }, events.TopicToolFailed)

	res := f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search"})

	assert.Equal(t, StateErrorInvoke, res.State)
	assert.Equal(t, 500, res.StatusCode)

	bal := f.credits.GetBalance("k1")
	assert.Equal(t, 1000.0, bal.Balance, "failed call keeps balance intact")
	assert.Equal(t, 0.0, bal.Held, "hold released on failure")
	require.Len(t, failed, 1)
}

func TestToolReportedErrorReleasesHold(t *testing.T) {
	f := newFixture(t, Config{})
	f.invoker.fn = func(ctx context.Context, name string, args map[string]interface{}) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{IsError: true, Content: []mcp.ContentItem{{Type: "text", Text: "bad input"}}}, nil
	}

	res := f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search"})

	assert.Equal(t, StateErrorInvoke, res.State)
	assert.Contains(t, res.Reason, "bad input")
	assert.Equal(t, 1000.0, f.credits.GetBalance("k1").Balance)
}

func TestTimeoutReleasesHold(t *testing.T) {
	f := newFixture(t, Config{CallTimeout: 50 * time.Millisecond})
	f.invoker.fn = func(ctx context.Context, name string, args map[string]interface{}) (*mcp.ToolResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &mcp.ToolResult{}, nil
		}
	}

	res := f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search"})

	assert.Equal(t, StateTimeout, res.State)
	assert.Equal(t, 504, res.StatusCode)
	bal := f.credits.GetBalance("k1")
	assert.Equal(t, 1000.0, bal.Balance)
	assert.Equal(t, 0.0, bal.Held)
}

func TestQuotaDenied(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.resolver.CreatePlan(plans.Plan{Name: "tiny", DailyCallLimit: 1})
	require.NoError(t, err)
	require.NoError(t, f.resolver.AssignKey("k1", "tiny"))

	res := f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search"})
	require.Equal(t, StateSettled, res.State)

	res = f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search", Args: map[string]interface{}{"n": 2}})
	assert.Equal(t, StateDenied, res.State)
	assert.Equal(t, KindQuota, res.Kind)
	assert.Contains(t, res.Reason, "daily call limit")
}

func TestConcurrencyLimit(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.resolver.CreatePlan(plans.Plan{Name: "serial", MaxConcurrent: 1})
	require.NoError(t, err)
	require.NoError(t, f.resolver.AssignKey("k1", "serial"))

	entered := make(chan struct{})
	release := make(chan struct{})
	f.invoker.fn = func(ctx context.Context, name string, args map[string]interface{}) (*mcp.ToolResult, error) {
		close(entered)
		<-release
		return &mcp.ToolResult{}, nil
	}

	done := make(chan *CallResult, 1)
	go func() {
		done <- f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search"})
	}()
	<-entered

	second := f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search", Args: map[string]interface{}{"n": 2}})
	assert.Equal(t, StateDenied, second.State)
	assert.Equal(t, KindConcurrency, second.Kind)

	close(release)
	first := <-done
	assert.Equal(t, StateSettled, first.State)
	assert.Equal(t, 0, f.pipe.Inflight("k1"))
}

func TestSettledCallRecordedInSession(t *testing.T) {
	f := newFixture(t, Config{})
	sess, err := f.sessions.CreateSession("k1", 0)
	require.NoError(t, err)

	res := f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search", SessionID: sess.ID})
	require.Equal(t, StateSettled, res.State)

	report, err := f.sessions.GetSessionReport(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalCalls)
	assert.Equal(t, 5.0, report.TotalCredits)
}

func TestActualCostUndercutsHold(t *testing.T) {
	f := newFixture(t, Config{
		ActualCost: func(tool string, res *mcp.ToolResult, reserved float64) float64 {
			return reserved - 2
		},
	})

	res := f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search"})

	require.Equal(t, StateSettled, res.State)
	assert.Equal(t, 3.0, res.Cost)
	assert.Equal(t, 997.0, f.credits.GetBalance("k1").Balance)
}

func TestBreakerOpensAfterFailureStorm(t *testing.T) {
	f := newFixture(t, Config{})
	f.invoker.fn = func(ctx context.Context, name string, args map[string]interface{}) (*mcp.ToolResult, error) {
		return nil, fmt.Errorf("child down")
	}

	for i := 0; i < 5; i++ {
		res := f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search", Args: map[string]interface{}{"i": i}})
		require.Equal(t, StateErrorInvoke, res.State)
	}

	res := f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search", Args: map[string]interface{}{"i": 99}})
	assert.Equal(t, 503, res.StatusCode)
	assert.Equal(t, KindCircuitOpen, res.Kind)
	assert.Equal(t, 5, f.invoker.callCount(), "open breaker must not reach the tool")

	// Other tools keep their own breaker.
	f.invoker.fn = nil
	other := f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "summarize"})
	assert.Equal(t, StateSettled, other.State)

	stats := f.pipe.BreakerStats()
	assert.Equal(t, "OPEN", stats["search"].State)
}

func TestMetricsRecordedPerOutcome(t *testing.T) {
	f := newFixture(t, Config{})
	f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search"})
	f.invoker.fn = func(ctx context.Context, name string, args map[string]interface{}) (*mcp.ToolResult, error) {
		return nil, fmt.Errorf("boom")
	}
	f.pipe.Call(context.Background(), CallRequest{Key: "k1", Tool: "search", Args: map[string]interface{}{"n": 2}})

	summary := f.metrics.GetSummary(time.Hour, metering.Filter{Key: "k1"})
	assert.Equal(t, 2, summary.TotalRequests)
	assert.Equal(t, 1, summary.TotalErrors)
}
