package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/syncstorage/sync-engine/internal/dispatch"
	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/jsonvalue"
	"github.com/syncstorage/sync-engine/internal/synccontext"
	"github.com/syncstorage/sync-engine/internal/syncerr"
)

// ItemHandlers serves the item CRUD surface under /api/v1/sync-storage.
type ItemHandlers struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// NewItemHandlers creates ItemHandlers.
func NewItemHandlers(dispatcher *dispatch.Dispatcher, logger *slog.Logger) *ItemHandlers {
	return &ItemHandlers{dispatcher: dispatcher, logger: logger.With("component", "item_handlers")}
}

// upsertRequest is the PUT /item/:key request body.
type upsertRequest struct {
	Value           json.RawMessage `json:"value"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty"`
}

func valueOf(raw json.RawMessage) jsonvalue.Value {
	if len(raw) == 0 {
		return jsonvalue.Null
	}
	return jsonvalue.New(raw)
}

// Get handles GET /item/:key.
func (h *ItemHandlers) Get(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	item, err := h.dispatcher.Query(r.Context(), dispatch.GetItem{
		UserID: synccontext.UserID(r.Context()),
		Key:    key,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, item)
}

// Put handles PUT /item/:key.
func (h *ItemHandlers) Put(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var body upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, syncerr.Validation("malformed request body"))
		return
	}
	if len(body.Value) == 0 {
		writeError(w, r, syncerr.Validation("value is required"))
		return
	}

	rc, _ := synccontext.FromContext(r.Context())
	result, err := h.dispatcher.Dispatch(r.Context(), dispatch.SetItem{
		UserID:          rc.UserID,
		InstanceID:      rc.InstanceID,
		Key:             key,
		Value:           valueOf(body.Value),
		Metadata:        valueOf(body.Metadata),
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result.Item)
}

// Delete handles DELETE /item/:key.
func (h *ItemHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	rc, _ := synccontext.FromContext(r.Context())

	if _, err := h.dispatcher.Dispatch(r.Context(), dispatch.RemoveItem{
		UserID:     rc.UserID,
		InstanceID: rc.InstanceID,
		Key:        key,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeNoContent(w)
}

// List handles GET /items?prefix=.
func (h *ItemHandlers) List(w http.ResponseWriter, r *http.Request) {
	result, err := h.dispatcher.Query(r.Context(), dispatch.GetAllItems{
		UserID: synccontext.UserID(r.Context()),
		Prefix: r.URL.Query().Get("prefix"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, _ := result.([]*domain.Item)
	if items == nil {
		items = []*domain.Item{}
	}
	writeJSON(w, r, http.StatusOK, items)
}

// Keys handles GET /keys?prefix=.
func (h *ItemHandlers) Keys(w http.ResponseWriter, r *http.Request) {
	result, err := h.dispatcher.Query(r.Context(), dispatch.GetKeys{
		UserID: synccontext.UserID(r.Context()),
		Prefix: r.URL.Query().Get("prefix"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	keys, _ := result.([]string)
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, r, http.StatusOK, keys)
}

// Clear handles DELETE /clear.
func (h *ItemHandlers) Clear(w http.ResponseWriter, r *http.Request) {
	rc, _ := synccontext.FromContext(r.Context())

	if _, err := h.dispatcher.Dispatch(r.Context(), dispatch.ClearStorage{
		UserID:     rc.UserID,
		InstanceID: rc.InstanceID,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	writeNoContent(w)
}
