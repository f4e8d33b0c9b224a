// Package handlers implements the sync engine's HTTP and WebSocket command
// surface (spec §6): item CRUD, conflict history/resolution/analysis, and
// the /sync namespace's client-issued commands, each thin over the
// dispatcher, conflict engine, and offline queue.
package handlers

import (
	"encoding/json"
	"net/http"

	apimw "github.com/syncstorage/sync-engine/internal/api/middleware"
	"github.com/syncstorage/sync-engine/internal/syncerr"
)

// envelope is the standard success response shape (spec §6): payload plus
// the correlating request id.
type envelope struct {
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId"`
}

// writeJSON writes payload as the standard success envelope.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Payload: payload, RequestID: apimw.GetRequestID(r.Context())})
}

// writeNoContent writes a bodyless 204, used by Delete/Clear.
func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeError writes err as the standard taxonomy error envelope, wrapping
// any non-*syncerr.Error as an internal failure.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	syncErr, _ := syncerr.As(err)
	syncerr.WriteJSON(w, syncErr.WithPath(r.URL.Path).WithRequestID(apimw.GetRequestID(r.Context())))
}
