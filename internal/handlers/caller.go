package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/toolgate/backend/internal/gateway"
	"github.com/toolgate/backend/internal/middleware"
	"github.com/toolgate/backend/internal/session"
)

// HandleToolCall is the caller channel: one admission pipeline run per POST.
// The key identity comes from the API-key middleware.
func HandleToolCall(pipe *gateway.Pipeline) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k, ok := middleware.KeyFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		var req struct {
			Tool      string                 `json:"tool"`
			Arguments map[string]interface{} `json:"arguments"`
			SessionID string                 `json:"sessionId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Tool == "" {
			writeError(w, http.StatusBadRequest, "tool is required")
			return
		}

		res := pipe.Call(r.Context(), gateway.CallRequest{
			Key:             k.ID,
			Tool:            req.Tool,
			Args:            req.Arguments,
			SessionID:       req.SessionID,
			RateLimitPerMin: k.RateLimitPerMin,
			CreditLimit:     k.CreditLimit,
		})
		if res.RetryAfterMs > 0 {
			retrySec := res.RetryAfterMs / 1000
			if res.RetryAfterMs%1000 != 0 {
				retrySec++
			}
			if retrySec < 1 {
				retrySec = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(retrySec, 10))
		}
		writeJSON(w, res.StatusCode, res)
	}
}

// HandleCreateSession opens a metering session for the calling key.
func HandleCreateSession(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k, ok := middleware.KeyFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		var req struct {
			TTLMs int64 `json:"ttlMs"`
		}
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&req)
		}
		s, err := sessions.CreateSession(k.ID, req.TTLMs)
		if err != nil {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, s)
	}
}

// HandleEndSession ends a session owned by the calling key.
func HandleEndSession(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k, ok := middleware.KeyFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		id := mux.Vars(r)["id"]
		s, found := sessions.GetSession(id)
		if !found || s.Key != k.ID {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if err := sessions.EndSession(id); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		ended, _ := sessions.GetSession(id)
		writeJSON(w, http.StatusOK, ended)
	}
}

// HandleSessionReport returns the per-tool roll-up for one session.
func HandleSessionReport(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		k, ok := middleware.KeyFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		id := mux.Vars(r)["id"]
		s, found := sessions.GetSession(id)
		if !found || s.Key != k.ID {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		report, err := sessions.GetSessionReport(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
