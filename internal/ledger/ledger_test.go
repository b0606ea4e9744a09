package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate/backend/internal/clock"
)

func newTestLedger(t *testing.T, cfg Config) (*Ledger, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	l := New(cfg, fake)
	t.Cleanup(l.Destroy)
	return l, fake
}

func f64(v float64) *float64 { return &v }

func TestReserveSettle(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())

	l.SetBalance("a", 1000)
	res := l.Reserve(ReserveRequest{Key: "a", Amount: 50, Tool: "g"})
	require.True(t, res.Success)
	assert.Equal(t, "res_1", res.ID)
	assert.Equal(t, 950.0, res.AvailableBalance)
	assert.Equal(t, 50.0, res.HeldBalance)

	require.True(t, l.Settle("res_1", f64(35)))

	bal := l.GetBalance("a")
	assert.Equal(t, 965.0, bal.Balance)
	assert.Equal(t, 0.0, bal.Held)
	assert.Equal(t, 965.0, bal.Available)

	rec, ok := l.GetReservation("res_1")
	require.True(t, ok)
	assert.Equal(t, StatusSettled, rec.Status)
	require.NotNil(t, rec.SettledAmount)
	assert.Equal(t, 35.0, *rec.SettledAmount)
}

func TestReserveRelease(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())

	l.SetBalance("a", 1000)
	res := l.Reserve(ReserveRequest{Key: "a", Amount: 50, Tool: "g"})
	require.True(t, res.Success)

	require.True(t, l.Release(res.ID))
	bal := l.GetBalance("a")
	assert.Equal(t, 1000.0, bal.Balance)
	assert.Equal(t, 0.0, bal.Held)

	// Terminal states are absorbing.
	assert.False(t, l.Release(res.ID))
	assert.False(t, l.Settle(res.ID, nil))
}

func TestReserveRejections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxReservationAmount = 100
	cfg.MaxReservationsPerKey = 2
	l, _ := newTestLedger(t, cfg)
	l.SetBalance("a", 1000)

	assert.Contains(t, l.Reserve(ReserveRequest{Key: "a", Amount: 0}).Error, "positive")
	assert.Contains(t, l.Reserve(ReserveRequest{Key: "a", Amount: -5}).Error, "positive")
	assert.Contains(t, l.Reserve(ReserveRequest{Key: "a", Amount: 500}).Error, "maximum reservation")

	require.True(t, l.Reserve(ReserveRequest{Key: "a", Amount: 10}).Success)
	require.True(t, l.Reserve(ReserveRequest{Key: "a", Amount: 10}).Success)
	assert.Contains(t, l.Reserve(ReserveRequest{Key: "a", Amount: 10}).Error, "too many active reservations")
}

func TestInsufficientAvailable(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	l.SetBalance("a", 100)

	require.True(t, l.Reserve(ReserveRequest{Key: "a", Amount: 80}).Success)
	res := l.Reserve(ReserveRequest{Key: "a", Amount: 30})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "insufficient available balance")
	assert.Equal(t, 20.0, res.AvailableBalance)
}

func TestSettleDefaultsToReservedAmount(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	l.SetBalance("a", 100)
	res := l.Reserve(ReserveRequest{Key: "a", Amount: 40})
	require.True(t, res.Success)

	require.True(t, l.Settle(res.ID, nil))
	assert.Equal(t, 60.0, l.GetBalance("a").Balance)
}

func TestSettleNegativeRejected(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	l.SetBalance("a", 100)
	res := l.Reserve(ReserveRequest{Key: "a", Amount: 40})

	assert.False(t, l.Settle(res.ID, f64(-1)))
	// Hold still alive after the rejected settle.
	rec, _ := l.GetReservation(res.ID)
	assert.Equal(t, StatusHeld, rec.Status)
}

func TestSettleOverdraft(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	l.SetBalance("a", 100)
	res := l.Reserve(ReserveRequest{Key: "a", Amount: 80})
	require.True(t, res.Success)

	// Balance lowered while the hold is outstanding; settle honours the hold.
	l.SetBalance("a", 10)
	require.True(t, l.Settle(res.ID, f64(80)))
	assert.Equal(t, -70.0, l.GetBalance("a").Balance)
}

func TestSettleOverdraftDisabledClamps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowOverdraft = false
	l, _ := newTestLedger(t, cfg)
	l.SetBalance("a", 100)
	res := l.Reserve(ReserveRequest{Key: "a", Amount: 80})
	l.SetBalance("a", 10)

	require.True(t, l.Settle(res.ID, f64(80)))
	assert.Equal(t, 0.0, l.GetBalance("a").Balance)
}

func TestExpiration(t *testing.T) {
	l, fake := newTestLedger(t, DefaultConfig())
	l.SetBalance("a", 100)
	res := l.Reserve(ReserveRequest{Key: "a", Amount: 10, TTLSeconds: 1})
	require.True(t, res.Success)

	fake.Advance(1200 * time.Millisecond)
	assert.Equal(t, 1, l.ExpireReservations())

	rec, _ := l.GetReservation(res.ID)
	assert.Equal(t, StatusExpired, rec.Status)
	assert.Equal(t, 100.0, l.GetBalance("a").Balance)

	// Expired is absorbing: a second sweep finds nothing.
	assert.Equal(t, 0, l.ExpireReservations())
	assert.False(t, l.Settle(res.ID, nil))
}

func TestExpiredCallback(t *testing.T) {
	l, fake := newTestLedger(t, DefaultConfig())
	var got []string
	l.SetOnExpired(func(r *Reservation) { got = append(got, r.ID) })

	l.SetBalance("a", 100)
	l.Reserve(ReserveRequest{Key: "a", Amount: 10, TTLSeconds: 1})
	fake.Advance(2 * time.Second)
	l.ExpireReservations()
	assert.Equal(t, []string{"res_1"}, got)
}

func TestConservation(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	l.SetBalance("a", 500)
	l.AddCredits("a", 100)

	var settledTotal float64
	for i := 0; i < 10; i++ {
		res := l.Reserve(ReserveRequest{Key: "a", Amount: 25, Tool: "t"})
		require.True(t, res.Success)
		switch i % 3 {
		case 0:
			l.Settle(res.ID, f64(20))
			settledTotal += 20
		case 1:
			l.Settle(res.ID, nil)
			settledTotal += 25
		default:
			l.Release(res.ID)
		}
	}

	bal := l.GetBalance("a")
	assert.InDelta(t, 500+100-settledTotal, bal.Balance, 1e-9)
	assert.Equal(t, 0.0, bal.Held)
}

func TestConcurrentReservesNeverOverdraw(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	l.SetBalance("a", 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Reserve(ReserveRequest{Key: "a", Amount: 10}).Success {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, granted)
	assert.Equal(t, 0.0, l.GetBalance("a").Available)
}

func TestSettledTotals(t *testing.T) {
	l, _ := newTestLedger(t, DefaultConfig())
	l.SetBalance("a", 1000)

	r1 := l.Reserve(ReserveRequest{Key: "a", Amount: 10, Tool: "search"})
	r2 := l.Reserve(ReserveRequest{Key: "a", Amount: 20, Tool: "search"})
	r3 := l.Reserve(ReserveRequest{Key: "a", Amount: 30, Tool: "fetch"})
	l.Settle(r1.ID, nil)
	l.Settle(r2.ID, f64(15))
	l.Release(r3.ID)

	totals := l.SettledTotals()
	byTool := make(map[string]ToolTotal)
	for _, tt := range totals {
		byTool[tt.Tool] = tt
	}
	assert.Equal(t, 2, byTool["search"].Calls)
	assert.Equal(t, 25.0, byTool["search"].Credits)
	_, hasFetch := byTool["fetch"]
	assert.False(t, hasFetch)
}
