// Package plans implements usage plans: named bundles of rate, quota, ACL and
// pricing policy that can be assigned to API keys. Per-key overrides layer on
// top of the assigned plan at admission time.
package plans

import (
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/toolgate/backend/internal/clock"
)

// MaxPlans bounds the registry.
const MaxPlans = 100

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Plan is a policy template shared by every key assigned to it.
// Zero limits mean "inherit" (rate) or "unlimited" (quotas).
type Plan struct {
	Name               string              `json:"name"`
	Description        string              `json:"description,omitempty"`
	RateLimitPerMin    int                 `json:"rateLimitPerMin"`
	DailyCallLimit     int64               `json:"dailyCallLimit"`
	MonthlyCallLimit   int64               `json:"monthlyCallLimit"`
	DailyCreditLimit   float64             `json:"dailyCreditLimit"`
	MonthlyCreditLimit float64             `json:"monthlyCreditLimit"`
	CreditMultiplier   float64             `json:"creditMultiplier"`
	AllowedTools       map[string]struct{} `json:"-"`
	DeniedTools        map[string]struct{} `json:"-"`
	MaxConcurrent      int                 `json:"maxConcurrent"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
}

// ACLDecision is the outcome of a plan ACL check.
type ACLDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// QuotaDecision is the outcome of a plan quota check.
type QuotaDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// usage tracks rolling per-key consumption against plan quotas.
type usage struct {
	day            string // YYYY-MM-DD the daily counters belong to
	month          string // YYYY-MM the monthly counters belong to
	dailyCalls     int64
	monthlyCalls   int64
	dailyCredits   float64
	monthlyCredits float64
}

// Resolver owns the plan registry and the key -> plan assignment map.
type Resolver struct {
	mu          sync.RWMutex
	clk         clock.Clock
	plans       map[string]*Plan
	assignments map[string]string // key -> plan name
	usages      map[string]*usage // key -> rolling counters
	logger      *log.Logger
}

// NewResolver creates an empty resolver.
func NewResolver(clk clock.Clock) *Resolver {
	if clk == nil {
		clk = clock.System{}
	}
	return &Resolver{
		clk:         clk,
		plans:       make(map[string]*Plan),
		assignments: make(map[string]string),
		usages:      make(map[string]*usage),
		logger:      log.New(log.Writer(), "[PLANS] ", log.LstdFlags),
	}
}

// CreatePlan validates and registers a plan.
func (r *Resolver) CreatePlan(p Plan) (*Plan, error) {
	if !nameRe.MatchString(p.Name) {
		return nil, fmt.Errorf("invalid plan name %q", p.Name)
	}
	if len(p.Description) > 500 {
		return nil, fmt.Errorf("description exceeds 500 characters")
	}
	if p.CreditMultiplier < 0 {
		p.CreditMultiplier = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plans[p.Name]; exists {
		return nil, fmt.Errorf("plan %q already exists", p.Name)
	}
	if len(r.plans) >= MaxPlans {
		return nil, fmt.Errorf("plan limit reached (max %d)", MaxPlans)
	}

	now := r.clk.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.AllowedTools == nil {
		p.AllowedTools = make(map[string]struct{})
	}
	if p.DeniedTools == nil {
		p.DeniedTools = make(map[string]struct{})
	}
	stored := p
	r.plans[p.Name] = &stored
	r.logger.Printf("created plan %q (multiplier=%.2f)", p.Name, p.CreditMultiplier)
	return &stored, nil
}

// UpdatePlan replaces the mutable attributes of an existing plan.
func (r *Resolver) UpdatePlan(p Plan) (*Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.plans[p.Name]
	if !ok {
		return nil, fmt.Errorf("plan %q not found", p.Name)
	}
	if len(p.Description) > 500 {
		return nil, fmt.Errorf("description exceeds 500 characters")
	}
	if p.CreditMultiplier < 0 {
		p.CreditMultiplier = 0
	}
	created := existing.CreatedAt
	stored := p
	stored.CreatedAt = created
	stored.UpdatedAt = r.clk.Now()
	if stored.AllowedTools == nil {
		stored.AllowedTools = make(map[string]struct{})
	}
	if stored.DeniedTools == nil {
		stored.DeniedTools = make(map[string]struct{})
	}
	r.plans[p.Name] = &stored
	return &stored, nil
}

// DeletePlan removes a plan. It fails while any key references it.
func (r *Resolver) DeletePlan(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.plans[name]; !ok {
		return fmt.Errorf("plan %q not found", name)
	}
	refs := 0
	for _, assigned := range r.assignments {
		if assigned == name {
			refs++
		}
	}
	if refs > 0 {
		return fmt.Errorf("plan %q is assigned to %d key(s)", name, refs)
	}
	delete(r.plans, name)
	return nil
}

// GetPlan returns a copy of the named plan.
func (r *Resolver) GetPlan(name string) (*Plan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[name]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// ListPlans returns copies of all plans.
func (r *Resolver) ListPlans() []Plan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plan, 0, len(r.plans))
	for _, p := range r.plans {
		out = append(out, *p)
	}
	return out
}

// AssignKey binds a key to planName; an empty planName removes the binding.
func (r *Resolver) AssignKey(key, planName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if planName == "" {
		delete(r.assignments, key)
		return nil
	}
	if _, ok := r.plans[planName]; !ok {
		return fmt.Errorf("plan %q not found", planName)
	}
	r.assignments[key] = planName
	return nil
}

// GetKeyPlan resolves the plan assigned to key, or nil.
func (r *Resolver) GetKeyPlan(key string) *Plan {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.assignments[key]
	if !ok {
		return nil
	}
	p, ok := r.plans[name]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// IsToolAllowedByPlan applies the plan ACL. Deny wins over allow; keys with
// no plan are unrestricted.
func (r *Resolver) IsToolAllowedByPlan(key, tool string) ACLDecision {
	p := r.GetKeyPlan(key)
	if p == nil {
		return ACLDecision{Allowed: true}
	}
	if len(p.DeniedTools) > 0 {
		if _, denied := p.DeniedTools[tool]; denied {
			return ACLDecision{Allowed: false, Reason: fmt.Sprintf("tool %q denied by plan %q", tool, p.Name)}
		}
	}
	if len(p.AllowedTools) > 0 {
		if _, allowed := p.AllowedTools[tool]; !allowed {
			return ACLDecision{Allowed: false, Reason: fmt.Sprintf("tool %q not in plan %q allowed list", tool, p.Name)}
		}
	}
	return ACLDecision{Allowed: true}
}

// GetCreditMultiplier returns the plan multiplier for key, defaulting to 1.
func (r *Resolver) GetCreditMultiplier(key string) float64 {
	p := r.GetKeyPlan(key)
	if p == nil {
		return 1.0
	}
	if p.CreditMultiplier < 0 {
		return 0
	}
	return p.CreditMultiplier
}

// CheckQuota verifies the key's plan call/credit quotas would not be exceeded
// by one more call costing credits. Zero limits are unlimited.
func (r *Resolver) CheckQuota(key string, credits float64) QuotaDecision {
	p := r.GetKeyPlan(key)
	if p == nil {
		return QuotaDecision{Allowed: true}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.usageLocked(key)

	if p.DailyCallLimit > 0 && u.dailyCalls+1 > p.DailyCallLimit {
		return QuotaDecision{Allowed: false, Reason: fmt.Sprintf("daily call limit %d reached", p.DailyCallLimit)}
	}
	if p.MonthlyCallLimit > 0 && u.monthlyCalls+1 > p.MonthlyCallLimit {
		return QuotaDecision{Allowed: false, Reason: fmt.Sprintf("monthly call limit %d reached", p.MonthlyCallLimit)}
	}
	if p.DailyCreditLimit > 0 && u.dailyCredits+credits > p.DailyCreditLimit {
		return QuotaDecision{Allowed: false, Reason: fmt.Sprintf("daily credit limit %.2f reached", p.DailyCreditLimit)}
	}
	if p.MonthlyCreditLimit > 0 && u.monthlyCredits+credits > p.MonthlyCreditLimit {
		return QuotaDecision{Allowed: false, Reason: fmt.Sprintf("monthly credit limit %.2f reached", p.MonthlyCreditLimit)}
	}
	return QuotaDecision{Allowed: true}
}

// RecordUsage charges one call and its settled credits against the key's
// quota counters.
func (r *Resolver) RecordUsage(key string, credits float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.usageLocked(key)
	u.dailyCalls++
	u.monthlyCalls++
	u.dailyCredits += credits
	u.monthlyCredits += credits
}

// usageLocked fetches the key's counters, rolling them over when the day or
// month boundary has passed. Caller holds r.mu.
func (r *Resolver) usageLocked(key string) *usage {
	now := r.clk.Now()
	day := now.Format("2006-01-02")
	month := now.Format("2006-01")

	u, ok := r.usages[key]
	if !ok {
		u = &usage{day: day, month: month}
		r.usages[key] = u
	}
	if u.day != day {
		u.day = day
		u.dailyCalls = 0
		u.dailyCredits = 0
	}
	if u.month != month {
		u.month = month
		u.monthlyCalls = 0
		u.monthlyCredits = 0
	}
	return u
}

// PlanRefCount reports how many keys reference the named plan.
func (r *Resolver) PlanRefCount(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, assigned := range r.assignments {
		if assigned == name {
			n++
		}
	}
	return n
}

// Destroy clears the registry.
func (r *Resolver) Destroy() {
	r.mu.Lock()
	r.plans = make(map[string]*Plan)
	r.assignments = make(map[string]string)
	r.usages = make(map[string]*usage)
	r.mu.Unlock()
}
