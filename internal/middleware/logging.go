package middleware

import (
	"net/http"
	"time"

	"bloodbank-api/internal/metrics"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Logging logs every HTTP request and records its latency. m may be nil.
func Logging(log *zap.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	log = log.Named("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// The wrapper keeps Flusher and Hijacker for SSE and WebSocket.
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			latency := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			m.ObserveHTTP(route, r.Method, status, latency)

			fields := []zap.Field{
				zap.Int("status", status),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", route),
				zap.String("ip", r.RemoteAddr),
				zap.Duration("latency", latency),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", GetRequestID(r.Context())),
			}
			if actor := ActorFromContext(r.Context()); actor != nil {
				fields = append(fields, zap.String("actor", actor.ID))
			}

			switch {
			case status >= 500:
				log.Error("server error", fields...)
			case status >= 400:
				log.Warn("client error", fields...)
			default:
				log.Info("request", fields...)
			}
		})
	}
}
