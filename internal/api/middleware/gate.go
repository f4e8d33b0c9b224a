package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/syncstorage/sync-engine/internal/apikey"
	"github.com/syncstorage/sync-engine/internal/synccontext"
	"github.com/syncstorage/sync-engine/internal/syncerr"
)

// UserIDHeader and InstanceIDHeader convey caller identity once the
// credential itself has been admitted (spec §6).
const (
	UserIDHeader     = "X-User-Id"
	InstanceIDHeader = "X-Instance-Id"
	APIKeyHeader     = "X-API-Key"
)

// ExtractSecret returns the request's credential, checked in the priority
// order spec §6 names: bearer authorization header, dedicated API-key
// header, query parameter.
func ExtractSecret(r *http.Request) string {
	if auth := r.Header.Get(AuthorizationHeader); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// ExtractIdentity returns the caller's user and device id, conveyed via
// headers for HTTP calls or query parameters for the WebSocket handshake.
func ExtractIdentity(r *http.Request) (userID, instanceID string) {
	userID = r.Header.Get(UserIDHeader)
	if userID == "" {
		userID = r.URL.Query().Get("userId")
	}
	instanceID = r.Header.Get(InstanceIDHeader)
	if instanceID == "" {
		instanceID = r.URL.Query().Get("instanceId")
	}
	return userID, instanceID
}

// GateMiddleware admits every request through the API-key gate, populating
// synccontext.RequestContext on success and writing the gate's taxonomy
// error as the standard JSON envelope on rejection. Wraps the downstream
// handler in the gate's success/failure bookkeeping so quota and
// response-time counters stay accurate regardless of what the handler does.
func GateMiddleware(gate *apikey.Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := ExtractSecret(r)
			userID, instanceID := ExtractIdentity(r)

			req := apikey.Request{
				Secret:    secret,
				Method:    r.Method,
				IsHTTPS:   r.TLS != nil,
				OriginURL: firstNonEmpty(r.Header.Get("Origin"), r.Header.Get("Referer")),
				IP:        clientIP(r),
				UserAgent: r.Header.Get("User-Agent"),
				Key:       keyFromPath(r.URL.Path),
				UserID:    userID,
			}

			key, err := gate.Admit(r.Context(), req)
			if err != nil {
				writeGateError(w, r, err)
				return
			}

			rc := synccontext.RequestContext{
				UserID:     userID,
				InstanceID: instanceID,
				RequestID:  GetRequestID(r.Context()),
				IP:         req.IP,
				UserAgent:  req.UserAgent,
				APIKeyID:   key.ID,
			}
			ctx := synccontext.WithRequestContext(r.Context(), rc)
			r = r.WithContext(ctx)

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= 500 {
				gate.RecordFailure(r.Context(), key, http.StatusText(rec.status))
			} else {
				gate.RecordSuccess(r.Context(), key, time.Since(start))
			}
		})
	}
}

// statusRecorder captures the status code the downstream handler wrote, so
// GateMiddleware can decide whether to record success or failure against
// the admitted key once the handler returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func writeGateError(w http.ResponseWriter, r *http.Request, err error) {
	syncErr, _ := syncerr.As(err)
	syncerr.WriteJSON(w, syncErr.WithPath(r.URL.Path).WithRequestID(GetRequestID(r.Context())))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// clientIP prefers X-Forwarded-For's first hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.SplitN(fwd, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// keyFromPath extracts the storage key from routes shaped /item/:key, for
// the gate's key-pattern restriction check. Returns "" for routes with no
// key segment.
func keyFromPath(path string) string {
	const prefix = "/item/"
	idx := strings.Index(path, prefix)
	if idx == -1 {
		return ""
	}
	return path[idx+len(prefix):]
}
