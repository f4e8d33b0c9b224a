// Package api wires the sync engine's HTTP and WebSocket surface together:
// the middleware stack, the item/conflict REST routes, the /sync namespace,
// and the Prometheus /metrics endpoint.
package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/syncstorage/sync-engine/internal/api/handlers"
	"github.com/syncstorage/sync-engine/internal/api/middleware"
	"github.com/syncstorage/sync-engine/internal/apikey"
	"github.com/syncstorage/sync-engine/internal/config"
	internalmw "github.com/syncstorage/sync-engine/internal/middleware"
	"github.com/syncstorage/sync-engine/internal/realtime"
	"github.com/syncstorage/sync-engine/internal/synccontext"
)

// Dependencies bundles everything NewRouter needs to mount the full surface.
type Dependencies struct {
	Config      *config.Config
	Logger      *slog.Logger
	Gate        *apikey.Gate
	Items       *handlers.ItemHandlers
	Conflicts   *handlers.ConflictHandlers
	Hub         *realtime.Hub
	MetricsPath string
}

// NewRouter builds the complete mux.Router: ambient middleware first
// (request id, logging, metrics, security headers, CORS, compression, rate
// limiting), then the admission gate, then the spec's routes.
func NewRouter(deps Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.RequestIDMiddleware)
	router.Use(middleware.LoggingMiddleware(deps.Logger))
	router.Use(middleware.MetricsMiddleware)
	router.Use(internalmw.NewSecurityHeadersMiddleware(nil).Handler)
	router.Use(middleware.CORSMiddleware(corsConfigFrom(deps.Config)))
	router.Use(middleware.CompressionMiddleware)

	requestsPerMinute, burst := rateLimitParams(deps.Config)
	router.Use(middleware.RateLimitMiddleware(requestsPerMinute, burst))

	metricsPath := deps.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	router.Handle(metricsPath, promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", healthHandler).Methods(http.MethodGet)

	gated := router.NewRoute().Subrouter()
	gated.Use(middleware.GateMiddleware(deps.Gate))

	storage := gated.PathPrefix("/api/v1/sync-storage").Subrouter()
	storage.HandleFunc("/item/{key}", deps.Items.Get).Methods(http.MethodGet)
	storage.HandleFunc("/item/{key}", deps.Items.Put).Methods(http.MethodPut)
	storage.HandleFunc("/item/{key}", deps.Items.Delete).Methods(http.MethodDelete)
	storage.HandleFunc("/items", deps.Items.List).Methods(http.MethodGet)
	storage.HandleFunc("/keys", deps.Items.Keys).Methods(http.MethodGet)
	storage.HandleFunc("/clear", deps.Items.Clear).Methods(http.MethodDelete)

	storage.HandleFunc("/conflicts/history/{itemId}", deps.Conflicts.History).Methods(http.MethodGet)
	storage.HandleFunc("/conflicts/stats", deps.Conflicts.Stats).Methods(http.MethodGet)
	storage.HandleFunc("/conflicts/resolve/{conflictId}", deps.Conflicts.Resolve).Methods(http.MethodPut)
	storage.HandleFunc("/conflicts/analyze", deps.Conflicts.Analyze).Methods(http.MethodPost)
	storage.HandleFunc("/conflicts/strategies", deps.Conflicts.Strategies).Methods(http.MethodGet)

	gated.HandleFunc("/sync", syncWebSocketHandler(deps.Hub))

	return router
}

// syncWebSocketHandler adapts realtime.Hub.HandleWebSocket (which wants the
// caller's identity up front) to the gate-populated request context.
func syncWebSocketHandler(hub *realtime.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc, _ := synccontext.FromContext(r.Context())
		hub.HandleWebSocket(rc.UserID, rc.InstanceID)(w, r)
	}
}

func corsConfigFrom(cfg *config.Config) middleware.CORSConfig {
	base := middleware.DefaultCORSConfig()
	if cfg.CORS.AllowedOrigins != "" {
		origins := strings.Split(cfg.CORS.AllowedOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		base.AllowedOrigins = origins
	}
	base.AllowCredentials = cfg.CORS.AllowCredentials
	return base
}

func rateLimitParams(cfg *config.Config) (requestsPerMinute, burst int) {
	requestsPerMinute = cfg.Auth.RateLimitMax
	if requestsPerMinute <= 0 {
		requestsPerMinute = 600
	}
	return requestsPerMinute, requestsPerMinute/4 + 1
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
