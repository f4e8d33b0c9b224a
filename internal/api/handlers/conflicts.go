package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/syncstorage/sync-engine/internal/conflict"
	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/storage"
	"github.com/syncstorage/sync-engine/internal/synccontext"
	"github.com/syncstorage/sync-engine/internal/syncerr"
)

// strategyDescriptions documents each of the five resolution strategies
// (spec §4.D), returned verbatim by GET /conflicts/strategies.
var strategyDescriptions = map[domain.ResolutionStrategy]string{
	domain.StrategyLastWriteWins:  "the most recently written value wins; ties favor the incoming update",
	domain.StrategyFirstWriteWins: "the earliest-written value is kept",
	domain.StrategyMerge:          "objects are merged recursively and arrays unioned, incoming wins at scalar collisions",
	domain.StrategyManual:         "the conflicting values are preserved side by side pending human review",
	domain.StrategyAIAssisted:     "merge resolution with an elevated confidence score, annotated with the model used",
}

// ConflictHandlers serves the conflict history/resolution/analysis surface.
type ConflictHandlers struct {
	repo   storage.Repository
	engine *conflict.Engine
	logger *slog.Logger
}

// NewConflictHandlers creates ConflictHandlers.
func NewConflictHandlers(repo storage.Repository, engine *conflict.Engine, logger *slog.Logger) *ConflictHandlers {
	return &ConflictHandlers{repo: repo, engine: engine, logger: logger.With("component", "conflict_handlers")}
}

// History handles GET /conflicts/history/:itemId.
func (h *ConflictHandlers) History(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["itemId"]
	records, err := h.engine.History(r.Context(), itemID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*domain.ConflictRecord{}
	}
	writeJSON(w, r, http.StatusOK, records)
}

// Stats handles GET /conflicts/stats?startDate=&endDate=.
func (h *ConflictHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseDateRange(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	stats, err := h.engine.Stats(r.Context(), synccontext.UserID(r.Context()), from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// resolveRequest is the PUT /conflicts/resolve/:conflictId request body.
type resolveRequest struct {
	Strategy   domain.ResolutionStrategy `json:"strategy"`
	AIModel    string                    `json:"aiModel,omitempty"`
	UserReview bool                      `json:"userReview,omitempty"`
}

// Resolve handles PUT /conflicts/resolve/:conflictId.
func (h *ConflictHandlers) Resolve(w http.ResponseWriter, r *http.Request) {
	conflictID := mux.Vars(r)["conflictId"]

	var body resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, syncerr.Validation("malformed request body"))
		return
	}
	if _, ok := strategyDescriptions[body.Strategy]; !ok {
		writeError(w, r, syncerr.Validation("unknown resolution strategy: "+string(body.Strategy)))
		return
	}

	record, err := h.engine.ResolveByID(r.Context(), conflictID, body.Strategy, body.AIModel, body.UserReview)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, record)
}

// analyzeRequest is the POST /conflicts/analyze request body: a hypothetical
// write, checked against the item currently on record without persisting
// anything.
type analyzeRequest struct {
	Key             string          `json:"key"`
	Value           json.RawMessage `json:"value"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty"`
	InstanceID      string          `json:"instanceId,omitempty"`
}

// analyzeResponse reports whether the hypothetical write would conflict and,
// if so, the engine's severity/strategy recommendation.
type analyzeResponse struct {
	WouldConflict bool             `json:"wouldConflict"`
	Detection     domain.Detection `json:"detection,omitempty"`
	Analysis      *domain.Analysis `json:"analysis,omitempty"`
}

// Analyze handles POST /conflicts/analyze.
func (h *ConflictHandlers) Analyze(w http.ResponseWriter, r *http.Request) {
	var body analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, syncerr.Validation("malformed request body"))
		return
	}
	if body.Key == "" || len(body.Value) == 0 {
		writeError(w, r, syncerr.Validation("key and value are required"))
		return
	}

	userID := synccontext.UserID(r.Context())
	current, found, err := h.repo.FindByKey(r.Context(), userID, body.Key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, r, http.StatusOK, analyzeResponse{WouldConflict: false})
		return
	}

	detection := conflict.Detect(domain.DetectionInput{
		UserID:          userID,
		Key:             body.Key,
		NewValue:        valueOf(body.Value),
		ExpectedVersion: body.ExpectedVersion,
		InstanceID:      body.InstanceID,
		Current:         current,
		Now:             time.Now(),
	})
	if detection.Type == "" {
		writeJSON(w, r, http.StatusOK, analyzeResponse{WouldConflict: false})
		return
	}

	analysis := conflict.Analyze(detection)
	writeJSON(w, r, http.StatusOK, analyzeResponse{
		WouldConflict: true,
		Detection:     detection,
		Analysis:      &analysis,
	})
}

// strategyInfo is one entry of the GET /conflicts/strategies response.
type strategyInfo struct {
	Strategy    domain.ResolutionStrategy `json:"strategy"`
	Description string                    `json:"description"`
}

// Strategies handles GET /conflicts/strategies.
func (h *ConflictHandlers) Strategies(w http.ResponseWriter, r *http.Request) {
	strategies := []strategyInfo{
		{domain.StrategyLastWriteWins, strategyDescriptions[domain.StrategyLastWriteWins]},
		{domain.StrategyFirstWriteWins, strategyDescriptions[domain.StrategyFirstWriteWins]},
		{domain.StrategyMerge, strategyDescriptions[domain.StrategyMerge]},
		{domain.StrategyManual, strategyDescriptions[domain.StrategyManual]},
		{domain.StrategyAIAssisted, strategyDescriptions[domain.StrategyAIAssisted]},
	}
	writeJSON(w, r, http.StatusOK, strategies)
}

func parseDateRange(r *http.Request) (time.Time, time.Time, error) {
	const layout = "2006-01-02"
	q := r.URL.Query()

	to := time.Now().UTC()
	if raw := q.Get("endDate"); raw != "" {
		parsed, err := time.Parse(layout, raw)
		if err != nil {
			return time.Time{}, time.Time{}, syncerr.Validation("endDate must be YYYY-MM-DD")
		}
		to = parsed
	}

	from := to.AddDate(0, 0, -30)
	if raw := q.Get("startDate"); raw != "" {
		parsed, err := time.Parse(layout, raw)
		if err != nil {
			return time.Time{}, time.Time{}, syncerr.Validation("startDate must be YYYY-MM-DD")
		}
		from = parsed
	}

	return from, to, nil
}
