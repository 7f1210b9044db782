// Package middleware wraps API handlers in the request pipeline: validation,
// rate limiting, authentication, the handler itself, then audit.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"backoffice-api/internal/apperror"
	"backoffice-api/internal/audit"
	"backoffice-api/internal/auth"
	"backoffice-api/internal/observability"
	"backoffice-api/internal/ratelimit"
)

const DefaultMaxBodyBytes int64 = 1 << 20

type AuthLevel int

const (
	AuthNone AuthLevel = iota
	AuthAuthenticated
	AuthAdmin
)

func (l AuthLevel) String() string {
	switch l {
	case AuthAuthenticated:
		return "authenticated"
	case AuthAdmin:
		return "admin"
	default:
		return "none"
	}
}

// HandlerFunc is an API handler. A returned error is rendered by the pipeline.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// Route describes the policies applied to one endpoint.
type Route struct {
	// Action and Resource label the audit event. Action defaults to
	// "METHOD path".
	Action   string
	Resource string

	Class ratelimit.Class
	Auth  AuthLevel

	AllowMultipart bool
	MaxBodyBytes   int64

	// Validate runs after the structural checks and before rate limiting.
	Validate func(r *http.Request) error
}

type RateLimiter interface {
	AllowClass(ctx context.Context, class ratelimit.Class, identity string) (ratelimit.Decision, error)
	Policy(class ratelimit.Class) (ratelimit.Policy, bool)
}

type TokenVerifier interface {
	VerifyAccess(raw string) (auth.AccessClaims, error)
}

type Config struct {
	Limiter RateLimiter
	Tokens  TokenVerifier
	Audit   audit.Emitter
	Logger  *zap.Logger
	DevMode bool
	Now     func() time.Time
}

type Pipeline struct {
	limiter RateLimiter
	tokens  TokenVerifier
	audit   audit.Emitter
	logger  *zap.Logger
	devMode bool
	now     func() time.Time
}

func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		limiter: cfg.Limiter,
		tokens:  cfg.Tokens,
		audit:   cfg.Audit,
		logger:  cfg.Logger,
		devMode: cfg.DevMode,
		now:     cfg.Now,
	}
}

// IdentityFrom returns the caller resolved by the authentication stage.
func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	return auth.IdentityFrom(ctx)
}

// Wrap builds the handler for route. The rate-limit policy is resolved here,
// once; an unknown class is a programming error and panics.
func (p *Pipeline) Wrap(route Route, handler HandlerFunc) http.Handler {
	if route.Class == "" {
		route.Class = ratelimit.ClassPublic
	}
	if p.limiter != nil {
		if _, ok := p.limiter.Policy(route.Class); !ok {
			panic(fmt.Sprintf("middleware: no rate limit policy for class %q", route.Class))
		}
	}
	if route.Auth != AuthNone && p.tokens == nil {
		panic("middleware: authenticated route without a token verifier")
	}
	if route.MaxBodyBytes <= 0 {
		route.MaxBodyBytes = DefaultMaxBodyBytes
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := p.now()
		ctx, scope := audit.WithScope(r.Context())
		r = r.WithContext(ctx)
		rec := &statusRecorder{ResponseWriter: w}

		err := p.serve(rec, r, route, handler)
		if err != nil {
			p.fail(rec, r, route, err)
		}

		p.emitAudit(r, route, scope, rec.Status(), err, p.now().Sub(start))
	})
}

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request, route Route, handler HandlerFunc) error {
	if err := p.validate(w, r, route); err != nil {
		return err
	}
	if err := p.limit(w, r, route); err != nil {
		return err
	}
	r, err := p.authenticate(r, route)
	if err != nil {
		return err
	}
	return invoke(w, r, handler)
}

func (p *Pipeline) validate(w http.ResponseWriter, r *http.Request, route Route) error {
	if r.ContentLength > route.MaxBodyBytes {
		return apperror.NewValidation("Request body is too large.", nil).WithReason("body_too_large")
	}
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, route.MaxBodyBytes)
	}

	if hasBody(r) {
		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		switch {
		case err != nil:
			return apperror.NewValidation("Content-Type header is missing or invalid.", nil).WithReason("invalid_content_type")
		case mediaType == "application/json":
		case mediaType == "multipart/form-data" && route.AllowMultipart:
		default:
			return apperror.NewValidation("Unsupported Content-Type.", nil).WithReason("unsupported_content_type")
		}
	}

	if route.Validate != nil {
		if err := route.Validate(r); err != nil {
			var appErr *apperror.AppError
			if errors.As(err, &appErr) {
				return appErr
			}
			return apperror.NewValidation(err.Error(), nil).WithReason("validation_failed")
		}
	}
	return nil
}

func hasBody(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return r.ContentLength != 0
	default:
		return false
	}
}

// limit fails open when the store errors so a cache outage cannot take the
// API down.
func (p *Pipeline) limit(w http.ResponseWriter, r *http.Request, route Route) error {
	if p.limiter == nil {
		return nil
	}

	decision, err := p.limiter.AllowClass(r.Context(), route.Class, observability.ClientIP(r))
	if err != nil {
		p.logger.Warn("rate_limit_store_error",
			zap.Error(err),
			zap.String("class", string(route.Class)),
			zap.String("path", r.URL.Path),
		)
		return nil
	}

	if policy, ok := p.limiter.Policy(route.Class); ok {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(policy.Max))
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	if !decision.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	}

	if !decision.Allowed {
		return apperror.NewRateLimited(decision.RetryAfter(p.now())).WithReason("rate_limited")
	}
	return nil
}

func (p *Pipeline) authenticate(r *http.Request, route Route) (*http.Request, error) {
	if route.Auth == AuthNone {
		return r, nil
	}

	raw, reason := bearerToken(r)
	if reason != "" {
		return r, apperror.NewUnauthenticated("Authentication required.").WithReason(reason)
	}

	claims, err := p.tokens.VerifyAccess(raw)
	if err != nil {
		failure, _ := auth.TokenFailureOf(err)
		if failure == "" {
			failure = auth.FailureMalformed
		}
		message := "Invalid or expired token."
		if failure == auth.FailureExpired {
			message = "Session expired. Please log in again."
		}
		return r, apperror.NewUnauthenticated(message).WithReason("token_" + string(failure))
	}

	identity := auth.IdentityFromClaims(claims)
	audit.ScopeFrom(r.Context()).SetActor(identity.UserID, identity.Email)

	if route.Auth == AuthAdmin && !identity.IsAdmin() {
		return r, apperror.NewForbidden("Admin access required.").WithReason("insufficient_role")
	}

	return r.WithContext(auth.WithIdentity(r.Context(), identity)), nil
}

func bearerToken(r *http.Request) (string, string) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", "missing_token"
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "invalid_authorization_format"
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", "missing_token"
	}
	return token, ""
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func invoke(w http.ResponseWriter, r *http.Request, handler HandlerFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			err = &panicError{value: rec, stack: debug.Stack()}
		}
	}()
	return handler(w, r)
}

func (p *Pipeline) fail(w *statusRecorder, r *http.Request, route Route, err error) {
	appErr := apperror.From(err)

	var stack []byte
	if appErr.Code >= http.StatusInternalServerError {
		var pe *panicError
		if errors.As(err, &pe) {
			stack = pe.stack
		} else if p.devMode {
			stack = debug.Stack()
		}

		p.logger.Error("request_failed",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("action", actionOf(route, r)),
			zap.Int("status", appErr.Code),
		)
		observability.CaptureError(err, map[string]string{
			"method": r.Method,
			"path":   r.URL.Path,
		})
	}

	if w.wrote {
		return
	}
	if !p.devMode {
		stack = nil
	}
	apperror.Write(w, appErr, p.devMode, stack)
}

func (p *Pipeline) emitAudit(r *http.Request, route Route, scope *audit.Scope, status int, err error, elapsed time.Duration) {
	if p.audit == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("audit_emit_panic", zap.Any("panic", rec))
		}
	}()

	details := map[string]any{
		"method":      r.Method,
		"path":        r.URL.Path,
		"status":      status,
		"duration_ms": elapsed.Milliseconds(),
	}
	if err != nil {
		appErr := apperror.From(err)
		reason := appErr.Reason
		if reason == "" {
			reason = appErr.Type
		}
		details["reason"] = reason
	}

	resource := route.Resource
	if resource == "" {
		resource = r.URL.Path
	}

	event := audit.Event{
		Action:    actionOf(route, r),
		Resource:  resource,
		Details:   details,
		IP:        observability.ClientIP(r),
		UserAgent: r.UserAgent(),
		Success:   err == nil && status < http.StatusBadRequest,
	}
	scope.Apply(&event)

	p.audit.Emit(context.WithoutCancel(r.Context()), event)
}

func actionOf(route Route, r *http.Request) string {
	if route.Action != "" {
		return route.Action
	}
	return r.Method + " " + r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.status = http.StatusOK
		r.wrote = true
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Status is the response code sent so far. A handler that wrote nothing
// yields 200.
func (r *statusRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
