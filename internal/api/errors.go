// Package api provides the HTTP API server for the fact engine.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/bitempora/factengine/internal/apierr"
	"github.com/bitempora/factengine/internal/api/middleware"
)

// errorBody is the engine's structured error response, shared by every
// handler and by the middleware chain's own error paths (auth, rate limit,
// recovery). Deliberately not RFC 7807: a flat {code, message, correlation_id}
// triple is all a test-observability client needs to branch on.
type errorBody struct {
	Error struct {
		Code          string `json:"code"`
		Message       string `json:"message"`
		CorrelationID string `json:"correlation_id"`
	} `json:"error"`
}

// WriteError writes the engine's structured error response for err,
// deriving the HTTP status and code from its apierr.Kind. Any error not
// wrapping an *apierr.Error is surfaced as StorageError (500).
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	kind := apierr.KindOf(err)
	correlationID := middleware.GetCorrelationID(r.Context())

	message := err.Error()
	if apiErr, ok := apierr.As(err); ok {
		message = apiErr.Message
	}

	body := errorBody{}
	body.Error.Code = string(kind)
	body.Error.Message = message
	body.Error.CorrelationID = correlationID

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.StatusCode())

	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		logger.Error("failed to encode error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("encode_error", encErr),
		)
	}
}

// WriteErrorKind writes a structured error response for a Kind/message pair
// with no underlying cause, for handler-local validation failures that
// never reach storage (a malformed request body, an unknown enum value).
func WriteErrorKind(w http.ResponseWriter, r *http.Request, logger *slog.Logger, kind apierr.Kind, message string) {
	WriteError(w, r, logger, apierr.New(kind, message))
}
