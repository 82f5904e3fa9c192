// Package middleware provides the HTTP middleware chain for the fact engine's
// ingest and query API.
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recovery creates a middleware that recovers from panics, logs the stack
// trace, and returns the engine's structured error shape instead of letting
// the panic reach net/http's default (connection-closing) recovery.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func(ctx context.Context) {
				if err := recover(); err != nil {
					correlationID := GetCorrelationID(ctx)

					logger.Error("http request panic recovered",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("correlation_id", correlationID),
						slog.Any("panic", err),
						slog.String("stack_trace", string(debug.Stack())),
					)

					body := struct {
						Error struct {
							Code          string `json:"code"`
							Message       string `json:"message"`
							CorrelationID string `json:"correlation_id"`
						} `json:"error"`
					}{}
					body.Error.Code = "StorageError"
					body.Error.Message = "an unexpected error occurred while processing the request"
					body.Error.CorrelationID = correlationID

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)

					if err := json.NewEncoder(w).Encode(body); err != nil {
						logger.Error("failed to encode panic-recovery response",
							slog.String("correlation_id", correlationID), slog.Any("error", err))
					}
				}
			}(r.Context())

			next.ServeHTTP(w, r)
		})
	}
}
