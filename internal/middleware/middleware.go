// Package middleware carries the HTTP cross-cutting layers: admin
// authentication, API-key authentication, and the admin rate limiter.
package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/toolgate/backend/internal/keys"
	"github.com/toolgate/backend/internal/ratelimit"
)

type contextKey string

// ContextKeyAPIKey carries the authenticated *keys.Key through the request.
const ContextKeyAPIKey contextKey = "apiKey"

var logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// AdminAuth requires the X-Admin-Key header to match adminKey. An empty
// adminKey locks the admin surface entirely.
func AdminAuth(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminKey == "" || r.Header.Get("X-Admin-Key") != adminKey {
				writeJSONError(w, http.StatusUnauthorized, "missing or invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// APIKeyAuth resolves the X-API-Key header against the key store and stashes
// the key record on the request context.
func APIKeyAuth(store *keys.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := r.Header.Get("X-API-Key")
			if secret == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing API key")
				return
			}
			k, ok := store.Authenticate(secret)
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			ctx := context.WithValue(r.Context(), ContextKeyAPIKey, k)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// KeyFromContext returns the authenticated key placed by APIKeyAuth.
func KeyFromContext(ctx context.Context) (*keys.Key, bool) {
	k, ok := ctx.Value(ContextKeyAPIKey).(*keys.Key)
	return k, ok
}

// AdminRateLimit throttles admin endpoints per caller IP. A limit of 0
// disables throttling; /health is never throttled. Denials carry a
// Retry-After header of at least one second.
func AdminRateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}
			decision := limiter.Check("admin:" + clientIP(r))
			if !decision.Allowed {
				retrySec := decision.RetryAfterMs / 1000
				if decision.RetryAfterMs%1000 != 0 {
					retrySec++
				}
				if retrySec < 1 {
					retrySec = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(retrySec, 10))
				logger.Printf("admin rate limit hit from %s", clientIP(r))
				writeJSONError(w, http.StatusTooManyRequests, "Too many admin requests, slow down")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
