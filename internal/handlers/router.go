package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/toolgate/backend/internal/events"
	"github.com/toolgate/backend/internal/gateway"
	"github.com/toolgate/backend/internal/keys"
	"github.com/toolgate/backend/internal/ledger"
	"github.com/toolgate/backend/internal/metering"
	"github.com/toolgate/backend/internal/middleware"
	"github.com/toolgate/backend/internal/plans"
	"github.com/toolgate/backend/internal/ratelimit"
	"github.com/toolgate/backend/internal/session"
	"github.com/toolgate/backend/internal/webhooks"
)

// RouterDeps collects everything the HTTP surface needs.
type RouterDeps struct {
	Pipeline     *gateway.Pipeline
	Keys         *keys.Store
	Plans        *plans.Resolver
	Credits      *ledger.Ledger
	Sessions     *session.Manager
	Metrics      *metering.Aggregator
	Events       *events.Emitter
	Webhooks     *webhooks.Registry
	AdminKey     string
	AdminLimiter *ratelimit.Limiter // nil disables admin throttling
	StartedAt    time.Time
}

// NewRouter assembles the full route table. Admin endpoints sit behind
// X-Admin-Key auth and the admin rate limiter; the caller channel sits behind
// X-API-Key auth. Wrong methods get 405.
func NewRouter(d RouterDeps) *mux.Router {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "toolgate"})
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	adminAuth := middleware.AdminAuth(d.AdminKey)
	adminRate := middleware.AdminRateLimit(d.AdminLimiter)
	admin := func(h http.Handler) http.Handler { return adminRate(adminAuth(h)) }

	// Key management.
	r.Handle("/keys", admin(HandleCreateKey(d.Keys, d.Plans, d.Credits))).Methods("POST")
	r.Handle("/keys", admin(HandleListKeys(d.Keys))).Methods("GET")
	r.Handle("/keys/{id}", admin(HandleRevokeKey(d.Keys))).Methods("DELETE")
	r.Handle("/keys/{id}/plan", admin(HandleAssignPlan(d.Keys, d.Plans))).Methods("POST")
	r.Handle("/keys/{id}/credits", admin(HandleAddCredits(d.Keys, d.Credits))).Methods("POST")
	r.Handle("/keys/{id}/balance", admin(HandleBalance(d.Credits))).Methods("GET")

	// Plans.
	r.Handle("/admin/plans", admin(HandleCreatePlan(d.Plans))).Methods("POST")
	r.Handle("/admin/plans", admin(HandleListPlans(d.Plans))).Methods("GET")
	r.Handle("/admin/plans/{name}", admin(HandleDeletePlan(d.Plans))).Methods("DELETE")

	// Reports and status.
	r.Handle("/status", admin(HandleStatus(d.Keys, d.Sessions, d.Metrics, d.Credits, d.StartedAt))).Methods("GET")
	r.Handle("/admin/tool-profitability", admin(HandleToolProfitability(d.Credits, d.Metrics))).Methods("GET")
	r.Handle("/admin/metrics/summary", admin(HandleMetricsSummary(d.Metrics))).Methods("GET")
	r.Handle("/admin/breakers", admin(HandleBreakers(d.Pipeline))).Methods("GET")

	// Webhooks.
	r.Handle("/admin/webhooks", admin(HandleRegisterWebhook(d.Webhooks))).Methods("POST")
	r.Handle("/admin/webhooks/{id}", admin(HandleUnregisterWebhook(d.Webhooks))).Methods("DELETE")

	// Event stream (admin credential, but not throttled: it is one long-lived
	// connection, not a request burst).
	r.Handle("/events/stream", adminAuth(HandleEventStream(d.Events))).Methods("GET")

	// Caller channel.
	callerAuth := middleware.APIKeyAuth(d.Keys)
	r.Handle("/mcp", callerAuth(HandleToolCall(d.Pipeline))).Methods("POST")
	r.Handle("/sessions", callerAuth(HandleCreateSession(d.Sessions))).Methods("POST")
	r.Handle("/sessions/{id}/end", callerAuth(HandleEndSession(d.Sessions))).Methods("POST")
	r.Handle("/sessions/{id}/report", callerAuth(HandleSessionReport(d.Sessions))).Methods("GET")

	return r
}
