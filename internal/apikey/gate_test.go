package apikey

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncstorage/sync-engine/internal/apikey/store"
	"github.com/syncstorage/sync-engine/internal/domain"
	"github.com/syncstorage/sync-engine/internal/syncerr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGate(t *testing.T) (*Gate, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	g := NewGate(s, nil, testLogger(), nil)
	return g, s
}

func TestGate_Admit_MissingSecretIsUnauthenticated(t *testing.T) {
	g, _ := newTestGate(t)

	_, err := g.Admit(context.Background(), Request{})
	var syncErr *syncerr.Error
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, syncerr.CodeUnauthenticated, syncErr.Code)
}

func TestGate_Admit_UnknownSecretIsUnauthenticated(t *testing.T) {
	g, _ := newTestGate(t)

	_, err := g.Admit(context.Background(), Request{Secret: "nope"})
	var syncErr *syncerr.Error
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, syncerr.CodeUnauthenticated, syncErr.Code)
}

func TestGate_Admit_InactiveKeyRejected(t *testing.T) {
	g, s := newTestGate(t)
	s.Put(&domain.APIKey{ID: "k1", Secret: "sekret", Active: false})

	_, err := g.Admit(context.Background(), Request{Secret: "sekret"})
	require.Error(t, err)
}

func TestGate_Admit_ExpiredKeyRejected(t *testing.T) {
	g, s := newTestGate(t)
	past := time.Now().Add(-time.Hour)
	s.Put(&domain.APIKey{ID: "k1", Secret: "sekret", Active: true, ExpiresAt: &past})

	_, err := g.Admit(context.Background(), Request{Secret: "sekret"})
	require.Error(t, err)
}

func TestGate_Admit_SuccessIncrementsCounters(t *testing.T) {
	g, s := newTestGate(t)
	s.Put(&domain.APIKey{ID: "k1", Secret: "sekret", Active: true})

	key, err := g.Admit(context.Background(), Request{Secret: "sekret", IP: "10.0.0.1", UserID: "user-a"})
	require.NoError(t, err)
	assert.Equal(t, "k1", key.ID)

	got, err := s.FindBySecret(context.Background(), "sekret")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TotalCalls)
}

func TestGate_Admit_RequireHTTPSRejectsPlaintext(t *testing.T) {
	g, s := newTestGate(t)
	s.Put(&domain.APIKey{ID: "k1", Secret: "sekret", Active: true, Restrictions: domain.Restrictions{RequireHTTPS: true}})

	_, err := g.Admit(context.Background(), Request{Secret: "sekret", IsHTTPS: false})
	var syncErr *syncerr.Error
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, syncerr.CodeForbidden, syncErr.Code)
}

func TestGate_Admit_AllowedMethodsRejectsOther(t *testing.T) {
	g, s := newTestGate(t)
	s.Put(&domain.APIKey{ID: "k1", Secret: "sekret", Active: true, Restrictions: domain.Restrictions{AllowedMethods: []string{"GET"}}})

	_, err := g.Admit(context.Background(), Request{Secret: "sekret", Method: "POST"})
	require.Error(t, err)

	_, err = g.Admit(context.Background(), Request{Secret: "sekret", Method: "GET"})
	require.NoError(t, err)
}

func TestGate_Admit_BlockedUserAgentRejected(t *testing.T) {
	g, s := newTestGate(t)
	s.Put(&domain.APIKey{ID: "k1", Secret: "sekret", Active: true, Restrictions: domain.Restrictions{BlockedUserAgents: []string{"*bot*"}}})

	_, err := g.Admit(context.Background(), Request{Secret: "sekret", UserAgent: "evil-bot/1.0"})
	require.Error(t, err)
}

func TestGate_Admit_AllowedDomainEnforced(t *testing.T) {
	g, s := newTestGate(t)
	s.Put(&domain.APIKey{ID: "k1", Secret: "sekret", Active: true, Restrictions: domain.Restrictions{AllowedDomains: []string{"example.com"}}})

	_, err := g.Admit(context.Background(), Request{Secret: "sekret", OriginURL: "https://evil.com/path"})
	require.Error(t, err)

	_, err = g.Admit(context.Background(), Request{Secret: "sekret", OriginURL: "https://example.com/path"})
	require.NoError(t, err)
}

func TestGate_Admit_IPDenyListRejectsMatch(t *testing.T) {
	g, s := newTestGate(t)
	s.Put(&domain.APIKey{ID: "k1", Secret: "sekret", Active: true, Restrictions: domain.Restrictions{
		IPList: []string{"10.0.0.0/24"},
		Mode:   domain.RestrictionModeDeny,
	}})

	_, err := g.Admit(context.Background(), Request{Secret: "sekret", IP: "10.0.0.5"})
	require.Error(t, err)

	_, err = g.Admit(context.Background(), Request{Secret: "sekret", IP: "192.168.1.1"})
	require.NoError(t, err)
}

func TestGate_Admit_IPAllowListRequiresMatch(t *testing.T) {
	g, s := newTestGate(t)
	s.Put(&domain.APIKey{ID: "k1", Secret: "sekret", Active: true, Restrictions: domain.Restrictions{
		IPList: []string{"10.0.0.0/24"},
		Mode:   domain.RestrictionModeAllow,
	}})

	_, err := g.Admit(context.Background(), Request{Secret: "sekret", IP: "192.168.1.1"})
	require.Error(t, err)

	_, err = g.Admit(context.Background(), Request{Secret: "sekret", IP: "10.0.0.5"})
	require.NoError(t, err)
}

func TestGate_Admit_KeyPatternRestrictions(t *testing.T) {
	g, s := newTestGate(t)
	s.Put(&domain.APIKey{ID: "k1", Secret: "sekret", Active: true, Restrictions: domain.Restrictions{
		AllowedKeyPatterns: []string{"prefs.*"},
		BlockedKeyPatterns: []string{"prefs.secret*"},
	}})

	_, err := g.Admit(context.Background(), Request{Secret: "sekret", Key: "other.key"})
	require.Error(t, err)

	_, err = g.Admit(context.Background(), Request{Secret: "sekret", Key: "prefs.secret-token"})
	require.Error(t, err)

	_, err = g.Admit(context.Background(), Request{Secret: "sekret", Key: "prefs.theme"})
	require.NoError(t, err)
}

func TestGate_Admit_QuotaExceededRejects(t *testing.T) {
	g, s := newTestGate(t)
	s.Put(&domain.APIKey{ID: "k1", Secret: "sekret", Active: true, MinuteQuota: domain.QuotaCounter{Limit: 1, Current: 1}})

	_, err := g.Admit(context.Background(), Request{Secret: "sekret"})
	var syncErr *syncerr.Error
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, syncerr.CodeForbidden, syncErr.Code)
}

func TestGate_Admit_ZeroQuotaIsUnlimited(t *testing.T) {
	g, s := newTestGate(t)
	s.Put(&domain.APIKey{ID: "k1", Secret: "sekret", Active: true})

	_, err := g.Admit(context.Background(), Request{Secret: "sekret"})
	require.NoError(t, err)
}

func TestGate_Admit_RestrictionFailureRecordsSecurityViolation(t *testing.T) {
	g, s := newTestGate(t)
	s.Put(&domain.APIKey{ID: "k1", Secret: "sekret", Active: true, Restrictions: domain.Restrictions{RequireHTTPS: true}})

	_, err := g.Admit(context.Background(), Request{Secret: "sekret", IsHTTPS: false})
	require.Error(t, err)

	got, err := s.FindBySecret(context.Background(), "sekret")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.SecurityViolations)
}

func TestGate_RecordFailureTruncatesReason(t *testing.T) {
	g, s := newTestGate(t)
	s.Put(&domain.APIKey{ID: "k1", Secret: "sekret", Active: true})

	key, err := g.Admit(context.Background(), Request{Secret: "sekret"})
	require.NoError(t, err)

	longReason := ""
	for i := 0; i < 250; i++ {
		longReason += "x"
	}
	g.RecordFailure(context.Background(), key, longReason)

	got, err := s.FindBySecret(context.Background(), "sekret")
	require.NoError(t, err)
	assert.Len(t, got.LastFailureReason, 190)
}

func TestGate_RecordSuccessUpdatesAverage(t *testing.T) {
	g, s := newTestGate(t)
	s.Put(&domain.APIKey{ID: "k1", Secret: "sekret", Active: true})

	key, err := g.Admit(context.Background(), Request{Secret: "sekret"})
	require.NoError(t, err)

	g.RecordSuccess(context.Background(), key, 40*time.Millisecond)

	got, err := s.FindBySecret(context.Background(), "sekret")
	require.NoError(t, err)
	assert.EqualValues(t, 40, got.AvgResponseTimeMS)
}
