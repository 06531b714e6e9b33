package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/metrics"
)

const (
	// unmatchedRoute labels requests chi could not route, so unknown paths
	// do not create new series.
	unmatchedRoute = "unmatched"

	// anyRoute labels in-flight requests, whose route is unknown until
	// routing has finished.
	anyRoute = "*"
)

// responseWriter wraps http.ResponseWriter to capture status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

// newResponseWriter creates a new response writer wrapper.
func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the number of bytes written.
func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// MetricsMiddleware creates a middleware that records HTTP metrics labelled
// by route pattern.
func MetricsMiddleware(m *metrics.Metrics, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			inFlight := m.HTTPRequestsInFlight.WithLabelValues(r.Method, anyRoute)
			inFlight.Inc()
			defer inFlight.Dec()

			rw := newResponseWriter(w)

			observe := func() {
				route := getRoutePattern(r)
				status := strconv.Itoa(rw.statusCode)
				duration := time.Since(start).Seconds()

				m.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
				m.HTTPRequestDurationSeconds.WithLabelValues(r.Method, route, status).Observe(duration)
				if r.ContentLength > 0 {
					m.HTTPRequestSizeBytes.WithLabelValues(r.Method, route).Observe(float64(r.ContentLength))
				}
				if rw.bytesWritten > 0 {
					m.HTTPResponseSizeBytes.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
				}
			}

			defer func() {
				if err := recover(); err != nil {
					logger.Error("Panic in HTTP handler",
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Any("error", err),
					)
					rw.statusCode = http.StatusInternalServerError
					observe()

					// Re-panic to let the recovery middleware respond
					panic(err)
				}
			}()

			next.ServeHTTP(rw, r)
			observe()
		})
	}
}

// getRoutePattern returns the chi route pattern of a routed request,
// "unmatched" when chi found no route, and the raw path when the handler
// is not served by chi at all.
func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
		return unmatchedRoute
	}

	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	return path
}

// LoggingMiddleware creates a middleware that logs HTTP requests. Server
// errors are logged at warn level.
func LoggingMiddleware(logger *zap.Logger, serverName string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			fields := []zap.Field{
				zap.String("server", serverName),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", getRoutePattern(r)),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if status >= http.StatusInternalServerError {
				logger.Warn("HTTP request", fields...)
				return
			}
			logger.Info("HTTP request", fields...)
		})
	}
}

// HealthCheckMetricsMiddleware creates a middleware that records health check metrics.
func HealthCheckMetricsMiddleware(m *metrics.Metrics, checkName string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			m.HealthCheckDurationSeconds.WithLabelValues(checkName).Observe(time.Since(start).Seconds())

			ok, failed := 1.0, 0.0
			if rw.statusCode != http.StatusOK {
				ok, failed = 0, 1
				m.HealthCheckFailuresTotal.WithLabelValues(checkName).Inc()
			} else {
				m.HealthCheckLastSuccessTimestamp.WithLabelValues(checkName).Set(float64(time.Now().Unix()))
			}
			m.HealthCheckStatus.WithLabelValues(checkName, "ok").Set(ok)
			m.HealthCheckStatus.WithLabelValues(checkName, "error").Set(failed)
		})
	}
}

// RecovererMiddleware creates a middleware that recovers from panics and
// answers with a JSON error body.
func RecovererMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}

					reqID := middleware.GetReqID(r.Context())
					logger.Error("Panic recovered",
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.String("request_id", reqID),
						zap.Any("error", err),
						zap.Stack("stack"),
					)

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"status":     "error",
						"message":    "Internal Server Error",
						"request_id": reqID,
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
