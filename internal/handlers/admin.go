// Package handlers carries the HTTP surface: admin endpoints for keys,
// plans, credits, webhooks and reports, the caller channel, and the
// websocket event stream.
package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/toolgate/backend/internal/gateway"
	"github.com/toolgate/backend/internal/keys"
	"github.com/toolgate/backend/internal/ledger"
	"github.com/toolgate/backend/internal/metering"
	"github.com/toolgate/backend/internal/plans"
	"github.com/toolgate/backend/internal/session"
	"github.com/toolgate/backend/internal/webhooks"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleCreateKey provisions an API key and optionally assigns its plan and
// starting balance.
func HandleCreateKey(store *keys.Store, resolver *plans.Resolver, credits *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name            string   `json:"name"`
			Secret          string   `json:"secret"`
			Plan            string   `json:"plan"`
			Tags            []string `json:"tags"`
			RateLimitPerMin int      `json:"rateLimitPerMin"`
			CreditLimit     float64  `json:"creditLimit"`
			InitialBalance  float64  `json:"initialBalance"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if req.Plan != "" {
			if _, ok := resolver.GetPlan(req.Plan); !ok {
				writeError(w, http.StatusBadRequest, "unknown plan "+req.Plan)
				return
			}
		}

		k, err := store.Create(keys.CreateRequest{
			Name:            req.Name,
			Secret:          req.Secret,
			Plan:            req.Plan,
			Tags:            req.Tags,
			RateLimitPerMin: req.RateLimitPerMin,
			CreditLimit:     req.CreditLimit,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Plan != "" {
			resolver.AssignKey(k.ID, req.Plan)
		}
		if req.InitialBalance > 0 {
			credits.SetBalance(k.ID, req.InitialBalance)
		}

		writeJSON(w, http.StatusCreated, k)
	}
}

// HandleListKeys returns every provisioned key.
func HandleListKeys(store *keys.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := store.List()
		sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
		writeJSON(w, http.StatusOK, list)
	}
}

// HandleRevokeKey revokes a key by id.
func HandleRevokeKey(store *keys.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := store.Revoke(id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "revoked"})
	}
}

// HandleAssignPlan binds a key to a plan (empty plan unbinds).
func HandleAssignPlan(store *keys.Store, resolver *plans.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var req struct {
			Plan string `json:"plan"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if _, ok := store.Get(id); !ok {
			writeError(w, http.StatusNotFound, "key not found")
			return
		}
		if err := resolver.AssignKey(id, req.Plan); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		store.SetPlan(id, req.Plan)
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "plan": req.Plan})
	}
}

// HandleCreatePlan registers a usage plan.
func HandleCreatePlan(resolver *plans.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name               string   `json:"name"`
			Description        string   `json:"description"`
			RateLimitPerMin    int      `json:"rateLimitPerMin"`
			DailyCallLimit     int64    `json:"dailyCallLimit"`
			MonthlyCallLimit   int64    `json:"monthlyCallLimit"`
			DailyCreditLimit   float64  `json:"dailyCreditLimit"`
			MonthlyCreditLimit float64  `json:"monthlyCreditLimit"`
			CreditMultiplier   float64  `json:"creditMultiplier"`
			AllowedTools       []string `json:"allowedTools"`
			DeniedTools        []string `json:"deniedTools"`
			MaxConcurrent      int      `json:"maxConcurrent"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		p := plans.Plan{
			Name:               req.Name,
			Description:        req.Description,
			RateLimitPerMin:    req.RateLimitPerMin,
			DailyCallLimit:     req.DailyCallLimit,
			MonthlyCallLimit:   req.MonthlyCallLimit,
			DailyCreditLimit:   req.DailyCreditLimit,
			MonthlyCreditLimit: req.MonthlyCreditLimit,
			CreditMultiplier:   req.CreditMultiplier,
			AllowedTools:       toSet(req.AllowedTools),
			DeniedTools:        toSet(req.DeniedTools),
			MaxConcurrent:      req.MaxConcurrent,
		}
		if req.CreditMultiplier == 0 {
			p.CreditMultiplier = 1
		}
		created, err := resolver.CreatePlan(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set
}

// HandleListPlans returns every plan.
func HandleListPlans(resolver *plans.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := resolver.ListPlans()
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
		writeJSON(w, http.StatusOK, list)
	}
}

// HandleDeletePlan deletes a plan; 409 while keys reference it.
func HandleDeletePlan(resolver *plans.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]
		if err := resolver.DeletePlan(name); err != nil {
			status := http.StatusNotFound
			if resolver.PlanRefCount(name) > 0 {
				status = http.StatusConflict
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "deleted"})
	}
}

// HandleAddCredits tops up a key's balance.
func HandleAddCredits(store *keys.Store, credits *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		var req struct {
			Amount float64 `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount <= 0 {
			writeError(w, http.StatusBadRequest, "amount must be positive")
			return
		}
		if _, ok := store.Get(id); !ok {
			writeError(w, http.StatusNotFound, "key not found")
			return
		}
		credits.AddCredits(id, req.Amount)
		writeJSON(w, http.StatusOK, credits.GetBalance(id))
	}
}

// HandleBalance reads a key's balances.
func HandleBalance(credits *ledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, credits.GetBalance(mux.Vars(r)["id"]))
	}
}

// HandleStatus is the admin overview: key counts, live sessions, metric
// totals over the past hour.
func HandleStatus(store *keys.Store, sessions *session.Manager, metrics *metering.Aggregator, credits *ledger.Ledger, startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary := metrics.GetSummary(time.Hour, metering.Filter{})
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":         "ok",
			"uptimeSeconds":  int64(time.Since(startedAt).Seconds()),
			"keys":           store.Count(),
			"activeSessions": sessions.ActiveCount(),
			"audit": map[string]interface{}{
				"root":    credits.Audit().Root(),
				"entries": credits.Audit().Size(),
			},
			"lastHour": map[string]interface{}{
				"requests":  summary.TotalRequests,
				"errors":    summary.TotalErrors,
				"errorRate": summary.ErrorRate,
				"p95Ms":     summary.P95LatencyMs,
			},
		})
	}
}

// HandleToolProfitability joins settled ledger totals with call metrics into
// the per-tool revenue report.
func HandleToolProfitability(credits *ledger.Ledger, metrics *metering.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		totals := credits.SettledTotals()
		sort.Slice(totals, func(i, j int) bool { return totals[i].Credits > totals[j].Credits })

		stats := make(map[string]metering.ToolStats)
		for _, ts := range metrics.GetToolBreakdown() {
			stats[ts.Tool] = ts
		}

		type row struct {
			Tool           string  `json:"tool"`
			SettledCalls   int     `json:"settledCalls"`
			SettledCredits float64 `json:"settledCredits"`
			TotalRequests  int     `json:"totalRequests"`
			ErrorRate      float64 `json:"errorRate"`
			AvgLatencyMs   float64 `json:"avgLatencyMs"`
		}
		rows := make([]row, 0, len(totals))
		for _, tt := range totals {
			rw := row{Tool: tt.Tool, SettledCalls: tt.Calls, SettledCredits: tt.Credits}
			if ts, ok := stats[tt.Tool]; ok {
				rw.TotalRequests = ts.Requests
				if ts.Requests > 0 {
					rw.ErrorRate = float64(ts.Errors) / float64(ts.Requests) * 100
				}
				rw.AvgLatencyMs = ts.AvgLatencyMs
			}
			rows = append(rows, rw)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"tools": rows})
	}
}

// HandleMetricsSummary exposes the aggregate over a caller-chosen window.
func HandleMetricsSummary(metrics *metering.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		window := time.Hour
		if s := r.URL.Query().Get("windowMs"); s != "" {
			var ms int64
			if err := json.Unmarshal([]byte(s), &ms); err != nil || ms <= 0 {
				writeError(w, http.StatusBadRequest, "invalid windowMs")
				return
			}
			window = time.Duration(ms) * time.Millisecond
		}
		f := metering.Filter{
			Tool: r.URL.Query().Get("tool"),
			Key:  r.URL.Query().Get("key"),
		}
		writeJSON(w, http.StatusOK, metrics.GetSummary(window, f))
	}
}

// HandleBreakers exposes the per-tool circuit breaker snapshots.
func HandleBreakers(pipe *gateway.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, pipe.BreakerStats())
	}
}

// HandleRegisterWebhook adds a webhook subscription.
func HandleRegisterWebhook(registry *webhooks.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var sub webhooks.Subscription
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := registry.Register(&sub); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	}
}

// HandleUnregisterWebhook removes a webhook subscription.
func HandleUnregisterWebhook(registry *webhooks.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := registry.Unregister(id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "removed"})
	}
}
