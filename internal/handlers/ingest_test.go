package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/n3tuk/content-sync-lock/internal/model"
	"github.com/n3tuk/content-sync-lock/internal/storage"
	"github.com/n3tuk/content-sync-lock/internal/store"
)

func newIngestHandlers() (*IngestHandlers, *storage.KVEntityStore, *storage.KVStatusStore) {
	log := testLogger()
	kv := store.NewMemoryStore()
	entities := storage.NewKVEntityStore(kv, log)
	records := storage.NewKVStatusStore(kv, log)
	return NewIngestHandlers(entities, records, log), entities, records
}

func putRequest(target, body string, params map[string]string) *http.Request {
	req := httptest.NewRequest(http.MethodPut, target, strings.NewReader(body))
	return withParams(req, params)
}

func TestHandlePutEntity(t *testing.T) {
	params := map[string]string{"entityType": "node", "entityId": "42"}

	t.Run("stores entity using path identifiers", func(t *testing.T) {
		h, entities, _ := newIngestHandlers()
		rec := httptest.NewRecorder()
		h.HandlePutEntity(rec, putRequest("/entities/node/42",
			`{"type":"media","id":"1","uuid":"u-42","bundle":"article","label":"Hello","lock_owner":"site-b"}`, params))

		if rec.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
		}

		e, err := entities.Load(context.Background(), "node", "42")
		if err != nil {
			t.Fatalf("Failed to load entity: %v", err)
		}
		if e.UUID != "u-42" || e.LockOwner != "site-b" || e.Revision != 1 {
			t.Errorf("Unexpected stored entity: %+v", e)
		}
	})

	t.Run("invalid body", func(t *testing.T) {
		h, _, _ := newIngestHandlers()
		rec := httptest.NewRecorder()
		h.HandlePutEntity(rec, putRequest("/entities/node/42", `{not json`, params))

		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", rec.Code)
		}
	})

	t.Run("missing uuid", func(t *testing.T) {
		h, _, _ := newIngestHandlers()
		rec := httptest.NewRecorder()
		h.HandlePutEntity(rec, putRequest("/entities/node/42", `{"bundle":"article"}`, params))

		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", rec.Code)
		}
	})

	t.Run("missing bundle", func(t *testing.T) {
		h, _, _ := newIngestHandlers()
		rec := httptest.NewRecorder()
		h.HandlePutEntity(rec, putRequest("/entities/node/42", `{"uuid":"u-42"}`, params))

		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", rec.Code)
		}
	})
}

func TestHandlePutStatus(t *testing.T) {
	params := map[string]string{"entityType": "node", "entityId": "42", "poolId": "eu"}

	t.Run("stores record keyed by entity uuid", func(t *testing.T) {
		h, entities, records := newIngestHandlers()
		if err := entities.Upsert(context.Background(), &model.Entity{Type: "node", ID: "42", UUID: "u-42", Bundle: "article"}); err != nil {
			t.Fatalf("Failed to seed entity: %v", err)
		}

		rec := httptest.NewRecorder()
		h.HandlePutStatus(rec, putRequest("/entities/node/42/status/eu",
			`{"flow_id":"editorial","last_pull":"2026-10-01T10:00:00Z"}`, params))

		if rec.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var got model.StatusRecord
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if got.EntityUUID != "u-42" || got.PoolID != "eu" {
			t.Errorf("Unexpected response record: %+v", got)
		}

		stored, err := records.FindByEntity(context.Background(), "node", "u-42")
		if err != nil {
			t.Fatalf("Failed to find records: %v", err)
		}
		if len(stored) != 1 || stored[0].FlowID != "editorial" || stored[0].LastPull == nil {
			t.Errorf("Unexpected stored records: %+v", stored)
		}
	})

	t.Run("unknown entity", func(t *testing.T) {
		h, _, _ := newIngestHandlers()
		rec := httptest.NewRecorder()
		h.HandlePutStatus(rec, putRequest("/entities/node/42/status/eu", `{}`, params))

		if rec.Code != http.StatusNotFound {
			t.Errorf("Expected status 404, got %d", rec.Code)
		}
	})

	t.Run("invalid pool id", func(t *testing.T) {
		h, _, _ := newIngestHandlers()
		rec := httptest.NewRecorder()
		h.HandlePutStatus(rec, putRequest("/entities/node/42/status/x", `{}`,
			map[string]string{"entityType": "node", "entityId": "42", "poolId": "e u"}))

		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", rec.Code)
		}
	})
}
