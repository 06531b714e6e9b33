package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/handlers"
	"github.com/n3tuk/content-sync-lock/internal/health"
	"github.com/n3tuk/content-sync-lock/internal/metrics"
	"github.com/n3tuk/content-sync-lock/internal/middleware"
)

// setupAPIRoutes configures the API server routes.
func setupAPIRoutes(r chi.Router, locks *handlers.LockHandlers, ingest *handlers.IngestHandlers, logger *zap.Logger) {
	r.Get("/ping", handlePing(logger))

	r.Post("/lock/{entityType}/{entityId}", locks.HandleLock)
	r.Get("/lock/{entityType}/{entityId}", locks.HandleGetLock)
	r.Post("/unlock/{entityType}/{entityId}", locks.HandleUnlock)

	// Ingestion on behalf of the replication subsystem
	r.Put("/entities/{entityType}/{entityId}", ingest.HandlePutEntity)
	r.Put("/entities/{entityType}/{entityId}/status/{poolId}", ingest.HandlePutStatus)
}

// setupProbeRoutes configures the probe server routes.
func setupProbeRoutes(r chi.Router, hm *health.Manager, m *metrics.Metrics, logger *zap.Logger) {
	r.With(middleware.HealthCheckMetricsMiddleware(m, "startup")).
		Get("/healthz/startup", handleStartup(hm, logger))
	r.With(middleware.HealthCheckMetricsMiddleware(m, "live")).
		Get("/healthz/live", handleLiveness(hm, logger))
	r.With(middleware.HealthCheckMetricsMiddleware(m, "ready")).
		Get("/healthz/ready", handleReadiness(hm, logger))
}

// handlePing handles the /ping endpoint.
func handlePing(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, map[string]string{
			"status": "pong",
		})
	}
}

// handleStartup reports 200 once every registered check passes.
func handleStartup(hm *health.Manager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := hm.GetStartupStatus(r.Context())

		status := http.StatusOK
		if response.Status != health.StatusOK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, logger, status, response)
	}
}

// handleLiveness always reports 200 while the process serves requests.
func handleLiveness(hm *health.Manager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, http.StatusOK, hm.GetLivenessStatus())
	}
}

// handleReadiness reports 503 until the servers run and the stores, the
// flow registry and the site identity are available.
func handleReadiness(hm *health.Manager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := hm.GetReadinessStatus(r.Context())

		status := http.StatusOK
		if !response.Ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, logger, status, response)
	}
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}
