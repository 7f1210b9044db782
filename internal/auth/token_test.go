package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func newTokenService(t *testing.T, clock Clock) *TokenService {
	t.Helper()
	tokens, err := NewTokenService(TokenConfig{
		Secret:   testSecret,
		Issuer:   "backoffice-api",
		Audience: "backoffice-web",
	}, clock)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	return tokens
}

func requireFailure(t *testing.T, err error, want TokenFailure) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s failure, got nil", want)
	}
	failure, ok := TokenFailureOf(err)
	if !ok {
		t.Fatalf("expected *TokenError, got %T: %v", err, err)
	}
	if failure != want {
		t.Fatalf("expected %s failure, got %s (%v)", want, failure, err)
	}
}

var subject = Subject{UserID: "user-1", Email: "a@x.com", Role: RoleAdmin, TokenVersion: 3}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	clock := newTestClock()
	tokens := newTokenService(t, clock)

	issued, err := tokens.Issue(subject)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(issued.SessionID) != 64 {
		t.Fatalf("expected 32-byte hex session id, got %q", issued.SessionID)
	}

	access, err := tokens.VerifyAccess(issued.AccessToken)
	if err != nil {
		t.Fatalf("verify access: %v", err)
	}
	if access.Subject != subject.UserID || access.Email != subject.Email || access.Role != subject.Role || access.SessionID != issued.SessionID {
		t.Fatalf("claims do not round-trip: %+v", access)
	}
	if got := access.ExpiresAt.Sub(access.IssuedAt.Time); got != DefaultAccessTTL {
		t.Fatalf("expected lifetime %s, got %s", DefaultAccessTTL, got)
	}
	if !access.ExpiresAt.Time.Equal(issued.AccessExpiresAt) {
		t.Fatalf("reported expiry %s does not match claim %s", issued.AccessExpiresAt, access.ExpiresAt.Time)
	}

	refresh, err := tokens.VerifyRefresh(issued.RefreshToken)
	if err != nil {
		t.Fatalf("verify refresh: %v", err)
	}
	if refresh.SessionID != issued.SessionID || refresh.TokenVersion != 3 || refresh.Subject != subject.UserID {
		t.Fatalf("refresh claims do not round-trip: %+v", refresh)
	}
	if got := refresh.ExpiresAt.Sub(refresh.IssuedAt.Time); got != DefaultRefreshTTL {
		t.Fatalf("expected refresh lifetime %s, got %s", DefaultRefreshTTL, got)
	}
}

func TestIssueMintsFreshSessions(t *testing.T) {
	tokens := newTokenService(t, nil)
	first, _ := tokens.Issue(subject)
	second, _ := tokens.Issue(subject)
	if first.SessionID == second.SessionID {
		t.Fatalf("session ids must be unique")
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	tokens := newTokenService(t, nil)
	issued, _ := tokens.Issue(subject)

	parts := strings.Split(issued.AccessToken, ".")
	payload := []byte(parts[1])
	for i := range payload {
		tampered := append([]byte(nil), payload...)
		if tampered[i] == 'A' {
			tampered[i] = 'B'
		} else {
			tampered[i] = 'A'
		}
		raw := parts[0] + "." + string(tampered) + "." + parts[2]

		_, err := tokens.VerifyAccess(raw)
		requireFailure(t, err, FailureSignatureMismatch)
	}
}

func TestVerifyRejectsOtherSecret(t *testing.T) {
	ours := newTokenService(t, nil)
	theirs, err := NewTokenService(TokenConfig{
		Secret:   []byte("ffffffffffffffffffffffffffffffff"),
		Issuer:   "backoffice-api",
		Audience: "backoffice-web",
	}, nil)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}

	issued, _ := theirs.Issue(subject)
	_, err = ours.VerifyAccess(issued.AccessToken)
	requireFailure(t, err, FailureSignatureMismatch)
	_, err = ours.VerifyRefresh(issued.RefreshToken)
	requireFailure(t, err, FailureSignatureMismatch)
}

func TestVerifyRejectsExpiredWithoutLeeway(t *testing.T) {
	clock := newTestClock()
	tokens := newTokenService(t, clock)
	issued, _ := tokens.Issue(subject)

	clock.Advance(DefaultAccessTTL - time.Second)
	if _, err := tokens.VerifyAccess(issued.AccessToken); err != nil {
		t.Fatalf("token must be valid one second before expiry: %v", err)
	}

	clock.Advance(time.Second)
	_, err := tokens.VerifyAccess(issued.AccessToken)
	requireFailure(t, err, FailureExpired)

	if _, err := tokens.VerifyRefresh(issued.RefreshToken); err != nil {
		t.Fatalf("refresh token outlives the access token: %v", err)
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	tokens := newTokenService(t, nil)
	for _, raw := range []string{"", "abc", "a.b", "a..c", "a.b.c.d", "a.b.!!!"} {
		_, err := tokens.VerifyAccess(raw)
		requireFailure(t, err, FailureMalformed)
	}
}

func TestVerifyRejectsForeignIssuerAndAudience(t *testing.T) {
	ours := newTokenService(t, nil)

	for _, cfg := range []TokenConfig{
		{Secret: testSecret, Issuer: "other-service", Audience: "backoffice-web"},
		{Secret: testSecret, Issuer: "backoffice-api", Audience: "mobile-app"},
	} {
		foreign, err := NewTokenService(cfg, nil)
		if err != nil {
			t.Fatalf("token service: %v", err)
		}
		issued, _ := foreign.Issue(subject)
		_, err = ours.VerifyAccess(issued.AccessToken)
		requireFailure(t, err, FailureInvalidClaims)
	}
}

func TestVerifyRejectsWrongKind(t *testing.T) {
	tokens := newTokenService(t, nil)
	issued, _ := tokens.Issue(subject)

	_, err := tokens.VerifyAccess(issued.RefreshToken)
	requireFailure(t, err, FailureInvalidClaims)
	_, err = tokens.VerifyRefresh(issued.AccessToken)
	requireFailure(t, err, FailureInvalidClaims)
}

func TestNewTokenServiceRejectsWeakSecret(t *testing.T) {
	_, err := NewTokenService(TokenConfig{
		Secret:   []byte("too-short"),
		Issuer:   "backoffice-api",
		Audience: "backoffice-web",
	}, nil)
	if !errors.Is(err, ErrWeakSecret) {
		t.Fatalf("expected ErrWeakSecret, got %v", err)
	}

	_, err = NewTokenService(TokenConfig{Secret: testSecret}, nil)
	if err == nil {
		t.Fatalf("expected error without issuer and audience")
	}
}

func TestIssueRejectsIncompleteSubject(t *testing.T) {
	tokens := newTokenService(t, nil)
	if _, err := tokens.Issue(Subject{UserID: "u", Email: "a@x.com", Role: "superuser"}); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}
