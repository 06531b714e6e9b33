package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/controller"
	"github.com/n3tuk/content-sync-lock/internal/lockstate"
	"github.com/n3tuk/content-sync-lock/internal/metrics"
	"github.com/n3tuk/content-sync-lock/internal/model"
	"github.com/n3tuk/content-sync-lock/internal/notify"
	"github.com/n3tuk/content-sync-lock/internal/storage"
)

// validNamePattern defines the allowed pattern for entity types, ids and pool ids.
// Allows alphanumeric characters, dots, hyphens and underscores.
var validNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

const (
	maxNameLength = 256 // Maximum length for path parameters
)

// LockService is the lock controller as seen by the HTTP layer.
type LockService interface {
	Lock(ctx context.Context, entityType, id string, n notify.Notifier) (controller.Report, error)
	Unlock(ctx context.Context, entityType, id string, n notify.Notifier) (controller.Report, error)
	Status(ctx context.Context, entityType, id string) (*model.Entity, lockstate.Presentation, error)
}

// LockHandlers provides HTTP handlers for lock operations.
type LockHandlers struct {
	service LockService
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewLockHandlers creates a new LockHandlers instance.
func NewLockHandlers(service LockService, logger *zap.Logger, metrics *metrics.Metrics) *LockHandlers {
	return &LockHandlers{
		service: service,
		logger:  logger,
		metrics: metrics,
	}
}

// validateName validates path parameters.
// Returns an error if the name is invalid.
func validateName(name, fieldName string) error {
	name = strings.TrimSpace(name)

	if name == "" {
		return errors.New(fieldName + " is required")
	}

	if len(name) > maxNameLength {
		return errors.New(fieldName + " exceeds maximum length")
	}

	if !validNamePattern.MatchString(name) {
		return errors.New(fieldName + " contains invalid characters")
	}

	return nil
}

// entityParams extracts and validates {entityType} and {entityId}.
func entityParams(r *http.Request) (string, string, error) {
	entityType := strings.TrimSpace(chi.URLParam(r, "entityType"))
	entityID := strings.TrimSpace(chi.URLParam(r, "entityId"))

	if err := validateName(entityType, "Entity type"); err != nil {
		return "", "", err
	}
	if err := validateName(entityID, "Entity id"); err != nil {
		return "", "", err
	}
	return entityType, entityID, nil
}

// localDestination returns the destination query parameter when it is a
// path on this host, and "" otherwise.
func localDestination(r *http.Request) string {
	dest := r.URL.Query().Get("destination")
	if dest == "" || !strings.HasPrefix(dest, "/") || strings.HasPrefix(dest, "//") || strings.Contains(dest, `\`) {
		return ""
	}
	u, err := url.Parse(dest)
	if err != nil || u.IsAbs() || u.Host != "" {
		return ""
	}
	return u.String()
}

// statusCode maps controller and storage errors to HTTP status codes.
// Persistence failures and configuration inconsistencies are 500s.
func statusCode(err error) int {
	switch {
	case errors.Is(err, storage.ErrEntityNotFound):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrLockConflict), errors.Is(err, storage.ErrRevisionConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// HandleLock handles POST /lock/{entityType}/{entityId}.
// Returns:
//   - 200 OK: Lock stored; push outcome is in the messages
//   - 303 See Other: Lock stored and a local destination was given
//   - 400 Bad Request: Invalid path parameters
//   - 404 Not Found: Entity does not exist
//   - 409 Conflict: Entity locked by another site or modified concurrently
//   - 500 Internal Server Error: Storage or configuration error
func (h *LockHandlers) HandleLock(w http.ResponseWriter, r *http.Request) {
	h.handleMutation(w, r, controller.OperationLock, "locked", h.service.Lock)
}

// HandleUnlock handles POST /unlock/{entityType}/{entityId}.
// Status codes are the same as for HandleLock.
func (h *LockHandlers) HandleUnlock(w http.ResponseWriter, r *http.Request) {
	h.handleMutation(w, r, controller.OperationUnlock, "unlocked", h.service.Unlock)
}

type mutation func(ctx context.Context, entityType, id string, n notify.Notifier) (controller.Report, error)

func (h *LockHandlers) handleMutation(w http.ResponseWriter, r *http.Request, op controller.Operation, done string, run mutation) {
	entityType, entityID, err := entityParams(r)
	if err != nil {
		h.recordMetric(string(op), "invalid")
		h.respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	// Dispatch tries flows one after another, each bounded by the push
	// timeout, so the server-wide write timeout must not cut the report off.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("Failed to lift write deadline", zap.Error(err))
	}

	n := notify.NewCollector(h.logger.With(
		zap.String("operation", string(op)),
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
	))

	rep, err := run(r.Context(), entityType, entityID, n)
	if err != nil {
		code := statusCode(err)
		if code == http.StatusInternalServerError {
			h.logger.Error("Failed to "+string(op)+" entity",
				zap.String("entity_type", entityType),
				zap.String("entity_id", entityID),
				zap.Error(err),
			)
		}
		h.respondError(w, code, err.Error(), n.Messages())
		return
	}

	if dest := localDestination(r); dest != "" {
		http.Redirect(w, r, dest, http.StatusSeeOther)
		return
	}

	h.respondJSON(w, http.StatusOK, model.LockResponse{
		Status:   done,
		Stage:    string(rep.Stage),
		Pushed:   rep.Pushed,
		Messages: n.Messages(),
	})
}

// HandleGetLock handles GET /lock/{entityType}/{entityId}.
// Returns:
//   - 200 OK: Lock status returned
//   - 400 Bad Request: Invalid path parameters
//   - 404 Not Found: Entity does not exist
//   - 500 Internal Server Error: Storage or internal error
func (h *LockHandlers) HandleGetLock(w http.ResponseWriter, r *http.Request) {
	entityType, entityID, err := entityParams(r)
	if err != nil {
		h.recordMetric(string(controller.OperationStatus), "invalid")
		h.respondError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	entity, presentation, err := h.service.Status(r.Context(), entityType, entityID)
	if err != nil {
		code := statusCode(err)
		if code == http.StatusInternalServerError {
			h.logger.Error("Failed to get lock status", zap.Error(err))
		}
		h.respondError(w, code, err.Error(), nil)
		return
	}

	h.respondJSON(w, http.StatusOK, model.LockStatusResponse{
		EntityType: entityType,
		EntityID:   entityID,
		Status:     string(presentation),
		LockOwner:  entity.LockOwner,
	})
}

// respondError sends an error response.
func respondError(logger *zap.Logger, w http.ResponseWriter, status int, message string, messages []model.Message) {
	respondJSON(logger, w, status, model.LockResponse{
		Status:   "error",
		Message:  message,
		Messages: messages,
	})
}

func (h *LockHandlers) respondError(w http.ResponseWriter, status int, message string, messages []model.Message) {
	respondError(h.logger, w, status, message, messages)
}

func (h *LockHandlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	respondJSON(h.logger, w, status, data)
}

// respondJSON sends a JSON response.
func respondJSON(logger *zap.Logger, w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

// recordMetric records a lock operation rejected before reaching the controller.
func (h *LockHandlers) recordMetric(operation, status string) {
	if h.metrics != nil {
		h.metrics.RecordLockOperation(operation, status)
	}
}
