// Package middleware provides the HTTP middleware chain for the fact engine's
// ingest and query API.
package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bitempora/factengine/internal/storage"
)

// Authentication error types for granular logging, generalizing the
// teacher's per-plugin API key error taxonomy to a single shared secret.
var (
	// ErrMissingToken is returned when no bearer token is provided.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned when the token does not match the
	// configured secret. A single generic error prevents enumeration.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// extractBearerToken extracts the token from the Authorization: Bearer
// header. Rejects tokens containing newlines (header injection prevention).
func extractBearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" || strings.ContainsAny(token, "\r\n") {
		return "", false
	}

	return token, true
}

// Authenticate creates a middleware that validates the request's bearer
// token against apiToken using a constant-time comparison, so a mismatch's
// length or prefix can't be inferred from response timing.
func Authenticate(apiToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, found := extractBearerToken(r)
			if !found {
				writeAuthError(w, r, logger, ErrMissingToken)

				return
			}

			if !storage.SecureCompare(token, apiToken) {
				writeAuthError(w, r, logger, ErrInvalidToken)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeAuthError writes the engine's structured 401 error response for
// authentication failures and logs the attempt without the token value.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, cause error) {
	correlationID := GetCorrelationID(r.Context())

	logger.Warn("authentication failed",
		slog.String("reason", cause.Error()),
		slog.String("correlation_id", correlationID),
		slog.String("path", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
	)

	body := struct {
		Error struct {
			Code          string `json:"code"`
			Message       string `json:"message"`
			CorrelationID string `json:"correlation_id"`
		} `json:"error"`
	}{}
	body.Error.Code = "Unauthorized"
	body.Error.Message = cause.Error()
	body.Error.CorrelationID = correlationID

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode auth error response",
			slog.String("correlation_id", correlationID), slog.Any("error", err))
	}
}
