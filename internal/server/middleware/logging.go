package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/3leaps/beaconproof/internal/observability"
)

// Logger logs one line per request at debug level, or warn for 5xx.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", observability.RequestID(r.Context())),
		}
		if status >= http.StatusInternalServerError {
			observability.ServerLogger.Warn("HTTP request", fields...)
			return
		}
		observability.ServerLogger.Debug("HTTP request", fields...)
	})
}
