package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstorage/sync-engine/internal/conflict"
	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/jsonvalue"
	"github.com/syncstorage/sync-engine/internal/storage/memory"
)

func newTestConflictHandlers(t *testing.T) (*ConflictHandlers, *memory.Storage, *conflict.Engine) {
	t.Helper()
	logger := testLogger()
	repo := memory.NewStorage()
	engine := conflict.NewEngine(repo, logger)
	return NewConflictHandlers(repo, engine, logger), repo, engine
}

func conflictsRouter(h *ConflictHandlers) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/conflicts/history/{itemId}", h.History).Methods(http.MethodGet)
	r.HandleFunc("/conflicts/stats", h.Stats).Methods(http.MethodGet)
	r.HandleFunc("/conflicts/resolve/{conflictId}", h.Resolve).Methods(http.MethodPut)
	r.HandleFunc("/conflicts/analyze", h.Analyze).Methods(http.MethodPost)
	r.HandleFunc("/conflicts/strategies", h.Strategies).Methods(http.MethodGet)
	return r
}

func TestConflictHandlers_StrategiesListsAllFive(t *testing.T) {
	h, _, _ := newTestConflictHandlers(t)
	router := conflictsRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/conflicts/strategies", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	for _, strategy := range []string{"last-write-wins", "first-write-wins", "merge", "manual", "ai-assisted"} {
		assert.Contains(t, rec.Body.String(), strategy)
	}
}

func TestConflictHandlers_HistoryEmptyReturnsEmptyArray(t *testing.T) {
	h, _, _ := newTestConflictHandlers(t)
	router := conflictsRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/conflicts/history/nonexistent", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"payload":[]`)
}

func TestConflictHandlers_AnalyzeNoExistingItemNeverConflicts(t *testing.T) {
	h, _, _ := newTestConflictHandlers(t)
	router := conflictsRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/conflicts/analyze", strings.NewReader(`{"key":"theme","value":1}`))
	req = withIdentity(req, "user-1", "inst-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"wouldConflict":false`)
}

func TestConflictHandlers_AnalyzeDetectsVersionMismatch(t *testing.T) {
	h, repo, _ := newTestConflictHandlers(t)
	router := conflictsRouter(h)

	_, err := repo.Upsert(context.Background(), domain.UpsertInput{
		UserID: "user-1", Key: "theme", Value: mustValue(t, `{"color":"blue"}`), InstanceID: "inst-1",
	})
	require.NoError(t, err)

	body := `{"key":"theme","value":{"color":"red"},"expectedVersion":999}`
	req := httptest.NewRequest(http.MethodPost, "/conflicts/analyze", strings.NewReader(body))
	req = withIdentity(req, "user-1", "inst-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"wouldConflict":true`)
}

func TestConflictHandlers_ResolveUnknownStrategyIsValidationError(t *testing.T) {
	h, _, _ := newTestConflictHandlers(t)
	router := conflictsRouter(h)

	req := httptest.NewRequest(http.MethodPut, "/conflicts/resolve/some-id", strings.NewReader(`{"strategy":"bogus"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConflictHandlers_ResolveUnknownIDIsNotFound(t *testing.T) {
	h, _, _ := newTestConflictHandlers(t)
	router := conflictsRouter(h)

	req := httptest.NewRequest(http.MethodPut, "/conflicts/resolve/missing-id", strings.NewReader(`{"strategy":"last-write-wins"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConflictHandlers_StatsDefaultsToThirtyDayWindow(t *testing.T) {
	h, _, _ := newTestConflictHandlers(t)
	router := conflictsRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/conflicts/stats", nil)
	req = withIdentity(req, "user-1", "inst-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total"`)
}

func TestConflictHandlers_StatsRejectsMalformedDate(t *testing.T) {
	h, _, _ := newTestConflictHandlers(t)
	router := conflictsRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/conflicts/stats?startDate=not-a-date", nil)
	req = withIdentity(req, "user-1", "inst-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func mustValue(t *testing.T, raw string) jsonvalue.Value {
	t.Helper()
	v, err := jsonvalue.Parse([]byte(raw))
	require.NoError(t, err)
	return v
}
