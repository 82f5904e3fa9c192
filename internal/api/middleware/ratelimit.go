// Package middleware provides the HTTP middleware chain for the fact engine's
// ingest and query API.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"
)

const burstCapacityMultiplier = 2

// RateLimiter checks whether an incoming request should be allowed.
// Generalizes the teacher's three-tier per-plugin RateLimiter interface
// down to a single ingest-wide budget: the spec has one shared secret, not
// per-plugin identities to rate-limit separately.
type RateLimiter interface {
	Allow() bool
}

// InMemoryRateLimiter implements RateLimiter using a single token bucket
// sized from the configured ingest_rate_limit (requests per second), with
// burst capacity computed as 2x the rate.
type InMemoryRateLimiter struct {
	limiter *rate.Limiter
}

// NewInMemoryRateLimiter returns a limiter honoring rps requests per
// second. An rps of 0 disables rate limiting (Allow always returns true).
func NewInMemoryRateLimiter(rps int) *InMemoryRateLimiter {
	if rps <= 0 {
		return &InMemoryRateLimiter{limiter: nil}
	}

	return &InMemoryRateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), rps*burstCapacityMultiplier)}
}

// Allow implements RateLimiter.
func (rl *InMemoryRateLimiter) Allow() bool {
	if rl.limiter == nil {
		return true
	}

	return rl.limiter.Allow()
}

// RateLimit returns a middleware enforcing limiter's budget. Exceeding it
// returns apierr.Busy (503), not the teacher's 429, matching the engine's
// error taxonomy where Busy covers both rate-limit and pool-exhaustion
// rejection.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				correlationID := GetCorrelationID(r.Context())

				body := struct {
					Error struct {
						Code          string `json:"code"`
						Message       string `json:"message"`
						CorrelationID string `json:"correlation_id"`
					} `json:"error"`
				}{}
				body.Error.Code = "Busy"
				body.Error.Message = "ingest rate limit exceeded, retry after a short delay"
				body.Error.CorrelationID = correlationID

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)

				if err := json.NewEncoder(w).Encode(body); err != nil {
					logger.Error("failed to encode rate-limit error response",
						slog.String("correlation_id", correlationID), slog.Any("error", err))
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
