package domain

import "time"

// RestrictionMode is the global interpretation of IP/country allow-deny
// lists: "allow" requires a match, "deny" requires no match.
type RestrictionMode string

const (
	RestrictionModeAllow RestrictionMode = "allow"
	RestrictionModeDeny  RestrictionMode = "deny"
)

// QuotaCounter is one rolling usage window (minute/hour/day/month).
type QuotaCounter struct {
	Limit   int64 `json:"limit"`
	Current int64 `json:"current"`
}

// Exceeded reports whether the counter has hit its configured limit. A zero
// limit means "unlimited" — unset quotas never reject.
func (q QuotaCounter) Exceeded() bool {
	return q.Limit > 0 && q.Current >= q.Limit
}

// Restrictions groups every admission-gate restriction field for one key.
type Restrictions struct {
	AllowedKeyPatterns []string
	BlockedKeyPatterns []string
	AllowedDomains     []string
	IPList             []string
	CountryList        []string
	AllowedMethods     []string
	AllowedUserAgents  []string
	BlockedUserAgents  []string
	Mode               RestrictionMode
	RequireHTTPS       bool
	MaxUsersPerIP      int64
	MaxUsersPerDomain  int64
}

// APIKey is the admission gate's credential and quota/restriction record.
type APIKey struct {
	ID           string       `json:"id"`
	Secret       string       `json:"-"`
	Active       bool         `json:"active"`
	ExpiresAt    *time.Time   `json:"expiresAt,omitempty"`
	Restrictions Restrictions `json:"restrictions"`
	MinuteQuota  QuotaCounter `json:"minuteQuota"`
	HourQuota    QuotaCounter `json:"hourQuota"`
	DayQuota     QuotaCounter `json:"dayQuota"`
	MonthQuota   QuotaCounter `json:"monthQuota"`

	TotalCalls         int64      `json:"totalCalls"`
	SuccessfulCalls    int64      `json:"successfulCalls"`
	FailedCalls        int64      `json:"failedCalls"`
	SecurityViolations int64      `json:"securityViolations"`
	LastUsedAt         *time.Time `json:"lastUsedAt,omitempty"`
	LastFailureAt      *time.Time `json:"lastFailureAt,omitempty"`
	LastFailureReason  string     `json:"lastFailureReason,omitempty"`
	AvgResponseTimeMS  int64      `json:"avgResponseTimeMs"`
}

// Expired reports whether the key's expiry, if any, has passed as of now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}
