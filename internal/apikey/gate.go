// Package apikey implements the admission gate: credential lookup,
// restriction checks, quota enforcement, and usage recording, grounded on
// spec §4.A and structured the way the teacher's middleware/builder.go
// composes request-scoped checks.
package apikey

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/syncstorage/sync-engine/internal/apikey/match"
	"github.com/syncstorage/sync-engine/internal/apikey/store"
	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/syncerr"
)

// Request is everything the gate needs to evaluate restrictions for one
// inbound call. UserID/Key are only set once the caller's storage
// operation is known (the gate is invoked before and, for key-pattern
// checks, effectively gated again once the operation is parsed).
type Request struct {
	Secret    string
	Method    string
	IsHTTPS   bool
	OriginURL string // Origin or Referer header, used for domain matching
	IP        string
	UserAgent string
	Key       string // storage key the operation names, if any
	UserID    string
}

// Gate is the admission gate: it authenticates a request against an API key
// and enforces that key's restrictions and quotas.
type Gate struct {
	store   store.Store
	geo     GeoResolver
	logger  *slog.Logger
	metrics *Metrics
}

// NewGate creates a Gate. geo defaults to NoopResolver when nil.
func NewGate(s store.Store, geo GeoResolver, logger *slog.Logger, metrics *Metrics) *Gate {
	if geo == nil {
		geo = NoopResolver{}
	}
	return &Gate{store: s, geo: geo, logger: logger.With("component", "admission_gate"), metrics: metrics}
}

// Admit authenticates req and enforces its restrictions and quotas,
// recording usage on success. Returns the resolved API key on success.
func (g *Gate) Admit(ctx context.Context, req Request) (*domain.APIKey, error) {
	if req.Secret == "" {
		return nil, syncerr.Unauthenticated("missing API key credential")
	}

	key, err := g.store.FindBySecret(ctx, req.Secret)
	if err != nil {
		return nil, syncerr.Unauthenticated("invalid API key")
	}

	if !key.Active {
		return nil, syncerr.Unauthenticated("API key is inactive")
	}

	now := time.Now()
	if key.Expired(now) {
		return nil, syncerr.Unauthenticated("API key has expired")
	}

	if err := g.checkRestrictions(ctx, key, req, now); err != nil {
		_ = g.store.RecordSecurityViolation(ctx, key.ID)
		if g.metrics != nil {
			g.metrics.ViolationsTotal.Inc()
			g.metrics.AdmissionsTotal.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}

	if err := g.checkQuota(key); err != nil {
		if g.metrics != nil {
			g.metrics.AdmissionsTotal.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}

	if err := g.store.RecordAdmission(ctx, key.ID, now); err != nil {
		g.logger.Warn("failed to record admission", "error", err, "key_id", key.ID)
	}
	if req.UserID != "" {
		_ = g.store.RecordSeenUser(ctx, key.ID, req.UserID, req.IP, hostOf(req.OriginURL), now)
	}
	if g.metrics != nil {
		g.metrics.AdmissionsTotal.WithLabelValues("admitted").Inc()
	}

	return key, nil
}

// RecordSuccess folds the handler's elapsed response time into the key's
// running average, observed via a completion interceptor.
func (g *Gate) RecordSuccess(ctx context.Context, key *domain.APIKey, elapsed time.Duration) {
	if err := g.store.RecordResponseTime(ctx, key.ID, elapsed); err != nil {
		g.logger.Warn("failed to record response time", "error", err, "key_id", key.ID)
	}
}

// RecordFailure records a handler failure against the key, truncating
// reason to the spec's 190-character bound.
func (g *Gate) RecordFailure(ctx context.Context, key *domain.APIKey, reason string) {
	if err := g.store.RecordFailure(ctx, key.ID, reason, time.Now()); err != nil {
		g.logger.Warn("failed to record failure", "error", err, "key_id", key.ID)
	}
}

// checkRestrictions applies the eight ordered restriction checks from
// spec §4.A, failing closed on the first violation.
func (g *Gate) checkRestrictions(ctx context.Context, key *domain.APIKey, req Request, now time.Time) error {
	r := key.Restrictions

	if r.RequireHTTPS && !req.IsHTTPS {
		return syncerr.Forbidden("HTTPS is required for this API key")
	}

	if len(r.AllowedMethods) > 0 {
		if req.Method == "" || !match.GlobAny(r.AllowedMethods, req.Method) {
			return syncerr.Forbidden("HTTP method not allowed for this API key")
		}
	}

	if match.GlobAny(r.BlockedUserAgents, req.UserAgent) {
		return syncerr.Forbidden("user agent is blocked for this API key")
	}
	if len(r.AllowedUserAgents) > 0 && !match.GlobAny(r.AllowedUserAgents, req.UserAgent) {
		return syncerr.Forbidden("user agent not allowed for this API key")
	}

	if len(r.AllowedDomains) > 0 {
		host := hostOf(req.OriginURL)
		if host == "" || !match.Domain(r.AllowedDomains, host) {
			return syncerr.Forbidden("origin domain not allowed for this API key")
		}
	}

	if len(r.IPList) > 0 {
		matched := match.IP(r.IPList, req.IP)
		allow := r.Mode == domain.RestrictionModeAllow
		if (allow && !matched) || (!allow && matched) {
			return syncerr.Forbidden("IP address not permitted for this API key")
		}
	}

	if len(r.CountryList) > 0 {
		country, err := g.geo.Resolve(ctx, req.IP)
		if err != nil {
			g.logger.Debug("geoip lookup failed, skipping country check", "error", err, "ip", req.IP)
		} else if country != "" {
			matched := match.GlobAny(r.CountryList, country)
			allow := r.Mode == domain.RestrictionModeAllow
			if (allow && !matched) || (!allow && matched) {
				return syncerr.Forbidden("country not permitted for this API key")
			}
		}
	}

	if r.MaxUsersPerIP > 0 && req.IP != "" {
		count, err := g.store.CountDistinctUsersByIP(ctx, req.IP, now.Add(-24*time.Hour))
		if err == nil && count >= r.MaxUsersPerIP {
			return syncerr.Forbidden("too many distinct users from this IP address")
		}
	}
	if r.MaxUsersPerDomain > 0 {
		host := hostOf(req.OriginURL)
		if host != "" {
			count, err := g.store.CountDistinctUsersByDomain(ctx, host, now.Add(-24*time.Hour))
			if err == nil && count >= r.MaxUsersPerDomain {
				return syncerr.Forbidden("too many distinct users from this domain")
			}
		}
	}

	if req.Key != "" {
		if match.GlobAny(r.BlockedKeyPatterns, req.Key) {
			return syncerr.Forbidden("storage key is blocked for this API key")
		}
		if len(r.AllowedKeyPatterns) > 0 && !match.GlobAny(r.AllowedKeyPatterns, req.Key) {
			return syncerr.Forbidden("storage key not allowed for this API key")
		}
	}

	return nil
}

func (g *Gate) checkQuota(key *domain.APIKey) error {
	for _, q := range []struct {
		period  string
		counter domain.QuotaCounter
	}{
		{"minute", key.MinuteQuota},
		{"hour", key.HourQuota},
		{"day", key.DayQuota},
		{"month", key.MonthQuota},
	} {
		if q.counter.Exceeded() {
			if g.metrics != nil {
				g.metrics.QuotaRejectionsTotal.WithLabelValues(q.period).Inc()
			}
			return syncerr.Forbidden(q.period + " quota exceeded")
		}
	}
	return nil
}

// hostOf extracts the hostname from an Origin/Referer header value.
func hostOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.ToLower(rawURL)
	}
	return strings.ToLower(u.Hostname())
}
