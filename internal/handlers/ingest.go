package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/model"
	"github.com/n3tuk/content-sync-lock/internal/storage"
)

// maxIngestBody bounds ingestion request bodies.
const maxIngestBody = 1 << 20

// EntityWriter is the entity store as used by ingestion.
type EntityWriter interface {
	Load(ctx context.Context, entityType, id string) (*model.Entity, error)
	Upsert(ctx context.Context, entity *model.Entity) error
}

// RecordWriter is the status store as used by ingestion.
type RecordWriter interface {
	PutRecord(ctx context.Context, record model.StatusRecord) error
}

// IngestHandlers accept entities and status records delivered by the
// replication subsystem.
type IngestHandlers struct {
	entities EntityWriter
	records  RecordWriter
	logger   *zap.Logger
}

// NewIngestHandlers creates a new IngestHandlers instance.
func NewIngestHandlers(entities EntityWriter, records RecordWriter, logger *zap.Logger) *IngestHandlers {
	return &IngestHandlers{
		entities: entities,
		records:  records,
		logger:   logger,
	}
}

// HandlePutEntity handles PUT /entities/{entityType}/{entityId}.
// The path wins over type and id in the body.
// Returns:
//   - 200 OK: Entity stored, the stored entity is returned
//   - 400 Bad Request: Invalid path parameters or body
//   - 500 Internal Server Error: Storage error
func (h *IngestHandlers) HandlePutEntity(w http.ResponseWriter, r *http.Request) {
	entityType, entityID, err := entityParams(r)
	if err != nil {
		respondError(h.logger, w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	var entity model.Entity
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(&entity); err != nil {
		h.logger.Debug("Failed to decode entity", zap.Error(err))
		respondError(h.logger, w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	entity.Type = entityType
	entity.ID = entityID
	entity.UUID = strings.TrimSpace(entity.UUID)
	if entity.UUID == "" {
		respondError(h.logger, w, http.StatusBadRequest, "Entity uuid is required", nil)
		return
	}
	if entity.Bundle == "" {
		respondError(h.logger, w, http.StatusBadRequest, "Entity bundle is required", nil)
		return
	}

	if err := h.entities.Upsert(r.Context(), &entity); err != nil {
		h.logger.Error("Failed to store entity",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
		respondError(h.logger, w, http.StatusInternalServerError, "Failed to store entity", nil)
		return
	}

	h.logger.Debug("Entity ingested",
		zap.String("entity_type", entityType),
		zap.String("entity_id", entityID),
		zap.Uint64("revision", entity.Revision),
	)
	respondJSON(h.logger, w, http.StatusOK, entity)
}

// HandlePutStatus handles PUT /entities/{entityType}/{entityId}/status/{poolId}.
// The record is keyed by the entity's uuid, so the entity must exist.
// Returns:
//   - 200 OK: Record stored, the stored record is returned
//   - 400 Bad Request: Invalid path parameters or body
//   - 404 Not Found: Entity does not exist
//   - 500 Internal Server Error: Storage error
func (h *IngestHandlers) HandlePutStatus(w http.ResponseWriter, r *http.Request) {
	entityType, entityID, err := entityParams(r)
	if err != nil {
		respondError(h.logger, w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	poolID := strings.TrimSpace(chi.URLParam(r, "poolId"))
	if err := validateName(poolID, "Pool id"); err != nil {
		respondError(h.logger, w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	var record model.StatusRecord
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(&record); err != nil {
		h.logger.Debug("Failed to decode status record", zap.Error(err))
		respondError(h.logger, w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	entity, err := h.entities.Load(r.Context(), entityType, entityID)
	if err != nil {
		if errors.Is(err, storage.ErrEntityNotFound) {
			respondError(h.logger, w, http.StatusNotFound, err.Error(), nil)
			return
		}
		h.logger.Error("Failed to load entity", zap.Error(err))
		respondError(h.logger, w, http.StatusInternalServerError, "Failed to load entity", nil)
		return
	}

	record.EntityType = entity.Type
	record.EntityUUID = entity.UUID
	record.PoolID = poolID

	if err := h.records.PutRecord(r.Context(), record); err != nil {
		h.logger.Error("Failed to store status record",
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.String("pool_id", poolID),
			zap.Error(err),
		)
		respondError(h.logger, w, http.StatusInternalServerError, "Failed to store status record", nil)
		return
	}

	respondJSON(h.logger, w, http.StatusOK, record)
}
