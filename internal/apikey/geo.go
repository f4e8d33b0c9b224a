package apikey

import (
	"context"
	"errors"
)

// GeoResolver resolves a client IP to an ISO country code. Lookup failure
// must never block a request — callers log and skip the country check
// (spec §4.A: "Lookup failure logs and skips the check — never blocks").
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) (country string, err error)
}

// NoopResolver is the default GeoResolver: it always reports that no
// country could be resolved, so the country restriction check is skipped
// everywhere a real GeoIP database isn't configured.
type NoopResolver struct{}

// Resolve implements GeoResolver.
func (NoopResolver) Resolve(ctx context.Context, ip string) (string, error) {
	return "", nil
}

// MaxMindResolver is where a geoip2-backed lookup would plug in. Kept as a
// documented stub rather than a fabricated dependency: wiring a real
// MaxMind GeoLite2 database is future work, not part of this contract.
type MaxMindResolver struct {
	// DBPath is the path to a GeoLite2-Country.mmdb file.
	DBPath string
}

// Resolve implements GeoResolver. Not yet backed by a real database reader;
// returns an error so callers fall back to "skip the check" behavior.
func (r *MaxMindResolver) Resolve(ctx context.Context, ip string) (string, error) {
	return "", errGeoNotConfigured
}

var errGeoNotConfigured = errors.New("geoip database not configured")
