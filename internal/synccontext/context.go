// Package synccontext carries per-request identity through context.Context
// instead of a package-level mutable global, matching the "AsyncLocalStorage
// equivalents" design note: user id, instance id, request id, and the
// caller's network identity travel together as one immutable value.
package synccontext

import "context"

type contextKey struct{ name string }

var requestContextKey = contextKey{name: "sync-request-context"}

// RequestContext is the identity and provenance of one inbound request,
// populated by the admission gate once the API key and caller have been
// resolved, and read by the dispatcher, conflict engine, and fan-out layer.
type RequestContext struct {
	UserID     string
	InstanceID string
	RequestID  string
	IP         string
	UserAgent  string
	APIKeyID   string
}

// WithRequestContext returns a new context carrying rc.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey, rc)
}

// FromContext returns the RequestContext stored in ctx, if any.
func FromContext(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey).(RequestContext)
	return rc, ok
}

// UserID is a convenience accessor returning "" when no context is present.
func UserID(ctx context.Context) string {
	rc, _ := FromContext(ctx)
	return rc.UserID
}

// InstanceID is a convenience accessor returning "" when no context is present.
func InstanceID(ctx context.Context) string {
	rc, _ := FromContext(ctx)
	return rc.InstanceID
}
