// Package middleware holds the HTTP middleware shared by every route.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/beaconproof/internal/errors"
	"github.com/3leaps/beaconproof/internal/observability"
)

// ErrorResponse is the JSON body written for errors.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery turns a handler panic into a 500 INTERNAL_ERROR response.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			requestID := observability.RequestID(r.Context())
			observability.ServerLogger.Error("Recovered from panic",
				zap.Any("panic", rec),
				zap.String("path", r.URL.Path),
				zap.String("request_id", requestID),
				zap.ByteString("stack", debug.Stack()),
			)

			envelope := errors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
			if requestID != "" {
				envelope = envelope.WithCorrelationID(requestID)
			}
			writeErrorResponse(w, envelope, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, envelope *errors.ErrorEnvelope, statusCode int) {
	apperrors.WriteEnvelope(w, envelope, statusCode)
}
