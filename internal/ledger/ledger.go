// Package ledger implements the credit reservation ledger: per-key balances
// with two-phase debit. A tool call first places a hold against the available
// balance; the hold is later settled for the actual cost, released, or expired
// by the background sweeper.
//
// Conservation invariant: for any key,
//
//	balance(t) = balance(0) + sum(credits added) - sum(settled amounts)
//
// Holds reduce the available balance but never the balance itself; released
// and expired holds leave the balance untouched.
package ledger

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/toolgate/backend/internal/clock"
)

// Status is the lifecycle state of a reservation. Transitions are only
// allowed out of StatusHeld; every other status is absorbing.
type Status string

const (
	StatusHeld     Status = "held"
	StatusSettled  Status = "settled"
	StatusReleased Status = "released"
	StatusExpired  Status = "expired"
)

// Reservation is a single hold against a key's balance.
type Reservation struct {
	ID            string     `json:"id"`
	Key           string     `json:"key"`
	Amount        float64    `json:"amount"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	SettledAmount *float64   `json:"settledAmount,omitempty"`
	SettledAt     *time.Time `json:"settledAt,omitempty"`
	ReleasedAt    *time.Time `json:"releasedAt,omitempty"`
	Tool          string     `json:"tool,omitempty"`
	Note          string     `json:"note,omitempty"`
}

// Config bounds the ledger.
type Config struct {
	DefaultTTLSeconds     int     // reservation lifetime when the caller gives none
	MaxReservationsPerKey int     // cap on concurrently held reservations per key
	MaxReservationAmount  float64 // 0 means unlimited
	AutoExpireIntervalMs  int64   // sweeper period; 0 uses the 30s default
	AllowOverdraft        bool    // settle may drive balance negative (default true via DefaultConfig)
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTLSeconds:     300,
		MaxReservationsPerKey: 50,
		MaxReservationAmount:  0,
		AutoExpireIntervalMs:  30_000,
		AllowOverdraft:        true,
	}
}

// ReserveRequest asks for a hold.
type ReserveRequest struct {
	Key        string
	Amount     float64
	Tool       string
	TTLSeconds int
	Note       string
}

// ReserveResult reports the outcome of a reserve.
type ReserveResult struct {
	ID               string  `json:"id,omitempty"`
	Success          bool    `json:"success"`
	Error            string  `json:"error,omitempty"`
	AvailableBalance float64 `json:"availableBalance"`
	HeldBalance      float64 `json:"heldBalance"`
}

// BalanceInfo is a point-in-time view of one key's balances.
type BalanceInfo struct {
	Key       string  `json:"key"`
	Balance   float64 `json:"balance"`
	Held      float64 `json:"held"`
	Available float64 `json:"available"`
}

// ToolTotal aggregates settled credits per tool, for the profitability report.
type ToolTotal struct {
	Tool    string  `json:"tool"`
	Calls   int     `json:"calls"`
	Credits float64 `json:"credits"`
}

type account struct {
	mu           sync.Mutex
	balance      float64
	initial      float64
	credited     float64 // lifetime credits added after creation
	settled      float64 // lifetime settled amounts
	reservations map[string]*Reservation
}

// heldLocked sums the amounts of held reservations. Caller holds a.mu.
func (a *account) heldLocked() float64 {
	var held float64
	for _, r := range a.reservations {
		if r.Status == StatusHeld {
			held += r.Amount
		}
	}
	return held
}

func (a *account) heldCountLocked() int {
	n := 0
	for _, r := range a.reservations {
		if r.Status == StatusHeld {
			n++
		}
	}
	return n
}

// Ledger owns every account and reservation. The registry lock guards the
// account map and the reservation id index; per-key mutation happens under the
// owning account's lock so keys never contend with each other.
type Ledger struct {
	mu       sync.RWMutex
	cfg      Config
	clk      clock.Clock
	accounts map[string]*account
	resIndex map[string]string // reservation id -> key
	nextID   int64

	onExpired func(*Reservation) // invoked outside account locks

	audit *AuditLog

	ticker *time.Ticker
	done   chan struct{}
	logger *log.Logger
}

// New creates a ledger and starts the auto-expiry sweeper.
func New(cfg Config, clk clock.Clock) *Ledger {
	if cfg.DefaultTTLSeconds <= 0 {
		cfg.DefaultTTLSeconds = 300
	}
	if cfg.MaxReservationsPerKey <= 0 {
		cfg.MaxReservationsPerKey = 50
	}
	if cfg.AutoExpireIntervalMs <= 0 {
		cfg.AutoExpireIntervalMs = 30_000
	}
	if clk == nil {
		clk = clock.System{}
	}
	l := &Ledger{
		cfg:      cfg,
		clk:      clk,
		accounts: make(map[string]*account),
		resIndex: make(map[string]string),
		audit:    NewAuditLog(),
		done:     make(chan struct{}),
		logger:   log.New(log.Writer(), "[LEDGER] ", log.LstdFlags),
	}
	l.ticker = time.NewTicker(time.Duration(cfg.AutoExpireIntervalMs) * time.Millisecond)
	go l.sweep()
	return l
}

// SetOnExpired registers a callback fired once per expired reservation.
// Must be set before traffic starts.
func (l *Ledger) SetOnExpired(fn func(*Reservation)) {
	l.onExpired = fn
}

func (l *Ledger) sweep() {
	for {
		select {
		case <-l.ticker.C:
			if n := l.ExpireReservations(); n > 0 {
				l.logger.Printf("expired %d stale reservations", n)
			}
		case <-l.done:
			return
		}
	}
}

func (l *Ledger) accountFor(key string, create bool) *account {
	l.mu.RLock()
	a, ok := l.accounts[key]
	l.mu.RUnlock()
	if ok || !create {
		return a
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok = l.accounts[key]; ok {
		return a
	}
	a = &account{reservations: make(map[string]*Reservation)}
	l.accounts[key] = a
	return a
}

// SetBalance unconditionally assigns a key's balance.
func (l *Ledger) SetBalance(key string, amount float64) {
	a := l.accountFor(key, true)
	a.mu.Lock()
	a.balance = amount
	a.initial = amount
	a.credited = 0
	a.settled = 0
	a.mu.Unlock()
}

// AddCredits tops up a key's balance.
func (l *Ledger) AddCredits(key string, amount float64) {
	a := l.accountFor(key, true)
	a.mu.Lock()
	a.balance += amount
	a.credited += amount
	a.mu.Unlock()
}

// GetBalance returns the key's balance view. Unknown keys read as zero.
func (l *Ledger) GetBalance(key string) BalanceInfo {
	a := l.accountFor(key, false)
	if a == nil {
		return BalanceInfo{Key: key}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	held := a.heldLocked()
	return BalanceInfo{Key: key, Balance: a.balance, Held: held, Available: a.balance - held}
}

// Reserve places a hold. The available balance is re-read and the record
// inserted under one lock acquisition, so concurrent reserves cannot
// jointly overdraw a key.
func (l *Ledger) Reserve(req ReserveRequest) ReserveResult {
	if req.Amount <= 0 {
		return ReserveResult{Error: "amount must be positive"}
	}
	if l.cfg.MaxReservationAmount > 0 && req.Amount > l.cfg.MaxReservationAmount {
		return ReserveResult{Error: fmt.Sprintf("amount %.2f exceeds maximum reservation of %.2f",
			req.Amount, l.cfg.MaxReservationAmount)}
	}

	a := l.accountFor(req.Key, true)
	a.mu.Lock()
	defer a.mu.Unlock()

	held := a.heldLocked()
	available := a.balance - held

	if a.heldCountLocked() >= l.cfg.MaxReservationsPerKey {
		return ReserveResult{
			Error:            fmt.Sprintf("too many active reservations (max %d)", l.cfg.MaxReservationsPerKey),
			AvailableBalance: available,
			HeldBalance:      held,
		}
	}
	if available < req.Amount {
		return ReserveResult{
			Error:            fmt.Sprintf("insufficient available balance: %.2f < %.2f", available, req.Amount),
			AvailableBalance: available,
			HeldBalance:      held,
		}
	}

	ttl := req.TTLSeconds
	if ttl <= 0 {
		ttl = l.cfg.DefaultTTLSeconds
	}
	now := l.clk.Now()

	l.mu.Lock()
	l.nextID++
	id := fmt.Sprintf("res_%d", l.nextID)
	l.resIndex[id] = req.Key
	l.mu.Unlock()

	a.reservations[id] = &Reservation{
		ID:        id,
		Key:       req.Key,
		Amount:    req.Amount,
		Status:    StatusHeld,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Duration(ttl) * time.Second),
		Tool:      req.Tool,
		Note:      req.Note,
	}

	return ReserveResult{
		ID:               id,
		Success:          true,
		AvailableBalance: available - req.Amount,
		HeldBalance:      held + req.Amount,
	}
}

// Settle finalises a held reservation, deducting actualAmount from the
// balance. A nil actualAmount settles at the reserved amount. The deduction
// honours the hold even if the balance was concurrently lowered, unless
// overdraft is disabled, in which case the debit clamps at zero balance.
func (l *Ledger) Settle(id string, actualAmount *float64) bool {
	a, rec := l.lookup(id)
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if rec.Status != StatusHeld {
		return false
	}
	amount := rec.Amount
	if actualAmount != nil {
		if *actualAmount < 0 {
			l.logger.Printf("rejected settle of %s: negative amount %.2f", id, *actualAmount)
			return false
		}
		amount = *actualAmount
	}
	if !l.cfg.AllowOverdraft {
		amount = math.Min(amount, a.balance)
	}

	now := l.clk.Now()
	rec.Status = StatusSettled
	rec.SettledAmount = &amount
	rec.SettledAt = &now
	a.balance -= amount
	a.settled += amount
	l.audit.Append(rec.Key, "settle:"+id, amount, now)
	return true
}

// Release cancels a held reservation without touching the balance.
func (l *Ledger) Release(id string) bool {
	a, rec := l.lookup(id)
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if rec.Status != StatusHeld {
		return false
	}
	now := l.clk.Now()
	rec.Status = StatusReleased
	rec.ReleasedAt = &now
	l.audit.Append(rec.Key, "release:"+id, rec.Amount, now)
	return true
}

// ExpireReservations transitions every due hold to expired and returns how
// many were swept. Expiry callbacks fire after all locks are dropped.
func (l *Ledger) ExpireReservations() int {
	now := l.clk.Now()

	l.mu.RLock()
	accounts := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accounts = append(accounts, a)
	}
	l.mu.RUnlock()

	var expired []*Reservation
	for _, a := range accounts {
		a.mu.Lock()
		for _, rec := range a.reservations {
			if rec.Status == StatusHeld && !rec.ExpiresAt.After(now) {
				rec.Status = StatusExpired
				t := now
				rec.ReleasedAt = &t
				expired = append(expired, rec)
			}
		}
		a.mu.Unlock()
	}

	for _, rec := range expired {
		l.audit.Append(rec.Key, "expire:"+rec.ID, rec.Amount, now)
	}
	if l.onExpired != nil {
		for _, rec := range expired {
			l.onExpired(rec)
		}
	}
	return len(expired)
}

// Audit exposes the settlement audit log.
func (l *Ledger) Audit() *AuditLog {
	return l.audit
}

// GetReservation returns a copy of the reservation, if known.
func (l *Ledger) GetReservation(id string) (Reservation, bool) {
	a, rec := l.lookup(id)
	if a == nil {
		return Reservation{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return *rec, true
}

// ListReservations returns copies of all reservations for a key.
func (l *Ledger) ListReservations(key string) []Reservation {
	a := l.accountFor(key, false)
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Reservation, 0, len(a.reservations))
	for _, rec := range a.reservations {
		out = append(out, *rec)
	}
	return out
}

// SettledTotal reports the key's lifetime settled credits.
func (l *Ledger) SettledTotal(key string) float64 {
	a := l.accountFor(key, false)
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settled
}

// SettledTotals aggregates settled credits and call counts per tool.
func (l *Ledger) SettledTotals() []ToolTotal {
	l.mu.RLock()
	accounts := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accounts = append(accounts, a)
	}
	l.mu.RUnlock()

	byTool := make(map[string]*ToolTotal)
	for _, a := range accounts {
		a.mu.Lock()
		for _, rec := range a.reservations {
			if rec.Status != StatusSettled || rec.SettledAmount == nil {
				continue
			}
			tool := rec.Tool
			if tool == "" {
				tool = "(unknown)"
			}
			tt, ok := byTool[tool]
			if !ok {
				tt = &ToolTotal{Tool: tool}
				byTool[tool] = tt
			}
			tt.Calls++
			tt.Credits += *rec.SettledAmount
		}
		a.mu.Unlock()
	}

	out := make([]ToolTotal, 0, len(byTool))
	for _, tt := range byTool {
		out = append(out, *tt)
	}
	return out
}

func (l *Ledger) lookup(id string) (*account, *Reservation) {
	l.mu.RLock()
	key, ok := l.resIndex[id]
	if !ok {
		l.mu.RUnlock()
		return nil, nil
	}
	a := l.accounts[key]
	l.mu.RUnlock()
	if a == nil {
		return nil, nil
	}
	a.mu.Lock()
	rec := a.reservations[id]
	a.mu.Unlock()
	if rec == nil {
		return nil, nil
	}
	return a, rec
}

// Destroy stops the sweeper and clears all state.
func (l *Ledger) Destroy() {
	l.ticker.Stop()
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	l.mu.Lock()
	l.accounts = make(map[string]*account)
	l.resIndex = make(map[string]string)
	l.mu.Unlock()
}
