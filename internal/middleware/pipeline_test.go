package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"backoffice-api/internal/apperror"
	"backoffice-api/internal/audit"
	"backoffice-api/internal/auth"
	"backoffice-api/internal/observability"
	"backoffice-api/internal/ratelimit"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type failingLimiter struct{}

func (failingLimiter) AllowClass(context.Context, ratelimit.Class, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis down")
}

func (failingLimiter) Policy(ratelimit.Class) (ratelimit.Policy, bool) {
	return ratelimit.Policy{Max: 1, Window: time.Minute}, true
}

type fixture struct {
	pipeline *Pipeline
	tokens   *auth.TokenService
	sink     *audit.MemorySink
}

func newFixture(t *testing.T, devMode bool, policies map[ratelimit.Class]ratelimit.Policy) fixture {
	t.Helper()

	tokens, err := auth.NewTokenService(auth.TokenConfig{
		Secret:   testSecret,
		Issuer:   "backoffice-api",
		Audience: "backoffice-web",
	}, nil)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}

	sink := &audit.MemorySink{}
	pipeline := New(Config{
		Limiter: ratelimit.NewLimiter(ratelimit.NewMemoryStore(nil), policies),
		Tokens:  tokens,
		Audit:   sink,
		DevMode: devMode,
	})
	return fixture{pipeline: pipeline, tokens: tokens, sink: sink}
}

func (f fixture) token(t *testing.T, role auth.Role) string {
	t.Helper()
	issued, err := f.tokens.Issue(auth.Subject{UserID: "user-1", Email: "a@x.com", Role: role})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return issued.AccessToken
}

func ok(w http.ResponseWriter, _ *http.Request) error {
	apperror.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
	return nil
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func lastEvent(t *testing.T, sink *audit.MemorySink) audit.Event {
	t.Helper()
	events := sink.Events()
	if len(events) == 0 {
		t.Fatalf("expected an audit event")
	}
	return events[len(events)-1]
}

func TestAdminRouteDistinguishesForbiddenFromUnauthenticated(t *testing.T) {
	f := newFixture(t, false, nil)
	handler := f.pipeline.Wrap(Route{Action: "admin.stats", Class: ratelimit.ClassAdmin, Auth: AuthAdmin}, ok)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, auth.RoleUser))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	event := lastEvent(t, f.sink)
	if event.Success || event.Details["reason"] != "insufficient_role" || event.ActorID != "user-1" {
		t.Fatalf("unexpected audit event %+v", event)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	event = lastEvent(t, f.sink)
	if event.Success || event.Details["reason"] != "missing_token" {
		t.Fatalf("unexpected audit event %+v", event)
	}
}

func TestAuthenticatedRouteInjectsIdentity(t *testing.T) {
	f := newFixture(t, false, nil)
	var seen auth.Identity
	handler := f.pipeline.Wrap(Route{Auth: AuthAuthenticated}, func(w http.ResponseWriter, r *http.Request) error {
		identity, found := IdentityFrom(r.Context())
		if !found {
			t.Fatalf("identity missing from context")
		}
		seen = identity
		return ok(w, r)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+f.token(t, auth.RoleAdmin))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen.UserID != "user-1" || seen.Email != "a@x.com" || !seen.IsAdmin() || seen.SessionID == "" {
		t.Fatalf("unexpected identity %+v", seen)
	}

	event := lastEvent(t, f.sink)
	if !event.Success || event.Action != "GET /api/auth/me" || event.ActorEmail != "a@x.com" {
		t.Fatalf("unexpected audit event %+v", event)
	}
	if _, hasReason := event.Details["reason"]; hasReason {
		t.Fatalf("successful event must not carry a reason")
	}
}

func TestInvalidTokenReasons(t *testing.T) {
	f := newFixture(t, false, nil)
	handler := f.pipeline.Wrap(Route{Auth: AuthAuthenticated}, ok)

	other, _ := auth.NewTokenService(auth.TokenConfig{
		Secret:   []byte("ffffffffffffffffffffffffffffffff"),
		Issuer:   "backoffice-api",
		Audience: "backoffice-web",
	}, nil)
	foreign, _ := other.Issue(auth.Subject{UserID: "u", Email: "e@x.com", Role: auth.RoleAdmin})

	cases := []struct {
		name   string
		header string
		reason string
	}{
		{"garbage", "Bearer not-a-jwt", "token_malformed"},
		{"other secret", "Bearer " + foreign.AccessToken, "token_signature_mismatch"},
		{"refresh token", "Bearer " + foreign.RefreshToken, "token_signature_mismatch"},
		{"basic scheme", "Basic abc", "invalid_authorization_format"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
			req.Header.Set("Authorization", tc.header)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if reason := lastEvent(t, f.sink).Details["reason"]; reason != tc.reason {
				t.Fatalf("expected reason %q, got %v", tc.reason, reason)
			}
		})
	}
}

func TestRefreshTokenRejectedAsAccess(t *testing.T) {
	f := newFixture(t, false, nil)
	handler := f.pipeline.Wrap(Route{Auth: AuthAuthenticated}, ok)

	issued, err := f.tokens.Issue(auth.Subject{UserID: "user-1", Email: "a@x.com", Role: auth.RoleAdmin})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+issued.RefreshToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if reason := lastEvent(t, f.sink).Details["reason"]; reason != "token_invalid_claims" {
		t.Fatalf("unexpected reason %v", reason)
	}
}

func TestRateLimitRejectsAfterBudget(t *testing.T) {
	f := newFixture(t, false, map[ratelimit.Class]ratelimit.Policy{
		ratelimit.ClassLogin: {Max: 2, Window: time.Minute},
	})
	calls := 0
	handler := f.pipeline.Wrap(Route{Class: ratelimit.ClassLogin}, func(w http.ResponseWriter, r *http.Request) error {
		calls++
		return ok(w, r)
	})

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
		req.RemoteAddr = ip + ":5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	send("1.2.3.4")
	if rec := send("1.2.3.4"); rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := send("1.2.3.4")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if calls != 2 {
		t.Fatalf("handler must not run when throttled, ran %d times", calls)
	}
	if reason := lastEvent(t, f.sink).Details["reason"]; reason != "rate_limited" {
		t.Fatalf("unexpected reason %v", reason)
	}

	if rec := send("5.6.7.8"); rec.Code != http.StatusOK {
		t.Fatalf("other client must be unaffected, got %d", rec.Code)
	}
}

func TestRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	f := newFixture(t, false, nil)
	inner := f.pipeline.Wrap(Route{Action: "auth.login", Class: ratelimit.ClassLogin}, ok)
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	handler := observability.ClientIPMiddleware(trusted, inner)

	allowed := 0
	for i := 0; i < 100; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "1.2.3.4:5555"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("198.51.100.%d", i))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusOK {
			allowed++
		}
	}

	if allowed != 15 {
		t.Fatalf("rotating X-Forwarded-For from one peer: %d allowed, want 15", allowed)
	}
	if ip := lastEvent(t, f.sink).IP; ip != "1.2.3.4" {
		t.Fatalf("audit must record the socket peer, got %q", ip)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	p := New(Config{Limiter: failingLimiter{}})
	handler := p.Wrap(Route{}, ok)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected store errors to fail open, got %d", rec.Code)
	}
}

func TestValidationStageRunsFirst(t *testing.T) {
	f := newFixture(t, false, map[ratelimit.Class]ratelimit.Policy{
		ratelimit.ClassPublic: {Max: 1, Window: time.Minute},
	})
	handler := f.pipeline.Wrap(Route{Auth: AuthAuthenticated}, ok)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/posts", strings.NewReader("title=x"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("attempt %d: expected 400 before rate limit and auth, got %d", i, rec.Code)
		}
	}
	if reason := lastEvent(t, f.sink).Details["reason"]; reason != "unsupported_content_type" {
		t.Fatalf("unexpected reason %v", reason)
	}
}

func TestValidationRules(t *testing.T) {
	f := newFixture(t, false, nil)
	upload := f.pipeline.Wrap(Route{Class: ratelimit.ClassUpload, AllowMultipart: true, MaxBodyBytes: 16}, ok)
	jsonOnly := f.pipeline.Wrap(Route{
		Validate: func(r *http.Request) error {
			if r.URL.Query().Get("id") == "" {
				return apperror.NewValidation("Validation failed", map[string]string{"id": "is required"})
			}
			return nil
		},
	}, ok)

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", strings.NewReader("0123456789abcdefXYZ"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	rec := httptest.NewRecorder()
	upload.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversized body: expected 400, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/things", strings.NewReader("--x--"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	rec = httptest.NewRecorder()
	jsonOnly.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("multipart on json route: expected 400, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/things", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec = httptest.NewRecorder()
	jsonOnly.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("route validator: expected 400, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	fields, _ := body["errors"].(map[string]any)
	if fields["id"] != "is required" {
		t.Fatalf("expected field errors, got %v", body)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/things?id=1", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	jsonOnly.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid request: expected 200, got %d", rec.Code)
	}
}

func TestInternalErrorsDoNotLeakInProduction(t *testing.T) {
	f := newFixture(t, false, nil)
	handler := f.pipeline.Wrap(Route{}, func(http.ResponseWriter, *http.Request) error {
		return errors.New("pq: connection refused to 10.0.0.5")
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/posts", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "10.0.0.5") || strings.Contains(rec.Body.String(), "stack") {
		t.Fatalf("internal detail leaked: %s", rec.Body.String())
	}
	if reason := lastEvent(t, f.sink).Details["reason"]; reason != apperror.TypeInternal {
		t.Fatalf("unexpected reason %v", reason)
	}
}

func TestInternalErrorsCarryDetailInDevelopment(t *testing.T) {
	f := newFixture(t, true, nil)
	handler := f.pipeline.Wrap(Route{}, func(http.ResponseWriter, *http.Request) error {
		return errors.New("pq: connection refused")
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/posts", nil))

	body := decodeBody(t, rec)
	if body["detail"] != "pq: connection refused" {
		t.Fatalf("expected detail in development, got %v", body)
	}
	if stack, _ := body["stack"].(string); stack == "" {
		t.Fatalf("expected stack in development")
	}
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	f := newFixture(t, false, nil)
	handler := f.pipeline.Wrap(Route{}, func(http.ResponseWriter, *http.Request) error {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/posts", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if lastEvent(t, f.sink).Success {
		t.Fatalf("panicking request must be audited as failure")
	}
}

func TestHandlerAppErrorRenderedAsIs(t *testing.T) {
	f := newFixture(t, false, nil)
	handler := f.pipeline.Wrap(Route{Action: "posts.get"}, func(http.ResponseWriter, *http.Request) error {
		return apperror.NewNotFound("Post not found.")
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/posts/x", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["message"] != "Post not found." || body["success"] != false {
		t.Fatalf("unexpected body %v", body)
	}
	event := lastEvent(t, f.sink)
	if event.Action != "posts.get" || event.Details["status"] != http.StatusNotFound {
		t.Fatalf("unexpected audit event %+v", event)
	}
}

func TestUnknownClassPanicsAtWrap(t *testing.T) {
	f := newFixture(t, false, nil)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for unknown class")
		}
	}()
	f.pipeline.Wrap(Route{Class: ratelimit.Class("bulk")}, ok)
}

type panickingEmitter struct{}

func (panickingEmitter) Emit(context.Context, audit.Event) {
	panic("audit store unreachable")
}

// stallingSink blocks every write until release is closed.
type stallingSink struct {
	release chan struct{}
}

func (s stallingSink) Write(ctx context.Context, _ audit.Event) error {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

func TestPanickingAuditEmitterLeavesResponseIntact(t *testing.T) {
	p := New(Config{Audit: panickingEmitter{}, Logger: zap.NewNop()})
	handler := p.Wrap(Route{}, ok)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ping", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["success"] != true {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestStalledAuditSinkDoesNotDelayRequests(t *testing.T) {
	release := make(chan struct{})
	dispatcher := audit.NewDispatcher(audit.Config{BufferSize: 1}, stallingSink{release: release}, zap.NewNop())
	defer func() {
		close(release)
		dispatcher.Close()
	}()

	handler := New(Config{Audit: dispatcher}).Wrap(Route{}, ok)

	const requests = 5
	codes := make(chan int, requests)
	go func() {
		for i := 0; i < requests; i++ {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ping", nil))
			codes <- rec.Code
		}
		close(codes)
	}()

	deadline := time.After(2 * time.Second)
	served := 0
	for served < requests {
		select {
		case code, open := <-codes:
			if !open {
				t.Fatalf("only %d responses", served)
			}
			if code != http.StatusOK {
				t.Fatalf("expected 200, got %d", code)
			}
			served++
		case <-deadline:
			t.Fatalf("requests blocked behind a stalled audit sink after %d responses", served)
		}
	}

	if dispatcher.Dropped() < requests-2 {
		t.Fatalf("expected overflow events to be dropped, dropped %d", dispatcher.Dropped())
	}
}
