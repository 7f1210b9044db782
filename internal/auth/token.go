package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	MinSecretBytes    = 32
	DefaultAccessTTL  = 24 * time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

var ErrWeakSecret = errors.New("token signing secret must be at least 32 bytes")

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

type TokenKind string

const (
	TokenAccess  TokenKind = "access"
	TokenRefresh TokenKind = "refresh"
)

type TokenFailure string

const (
	FailureExpired           TokenFailure = "expired"
	FailureMalformed         TokenFailure = "malformed"
	FailureSignatureMismatch TokenFailure = "signature_mismatch"
	FailureInvalidClaims     TokenFailure = "invalid_claims"
)

// TokenError is returned by every verification failure.
type TokenError struct {
	Kind    TokenKind
	Failure TokenFailure
	Err     error
}

func (e *TokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s token %s: %v", e.Kind, e.Failure, e.Err)
	}
	return fmt.Sprintf("%s token %s", e.Kind, e.Failure)
}

func (e *TokenError) Unwrap() error {
	return e.Err
}

// TokenFailureOf extracts the failure kind from err.
func TokenFailureOf(err error) (TokenFailure, bool) {
	var tokenErr *TokenError
	if errors.As(err, &tokenErr) {
		return tokenErr.Failure, true
	}
	return "", false
}

type AccessClaims struct {
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	SessionID string    `json:"sid"`
	Type      TokenKind `json:"typ"`
	jwt.RegisteredClaims
}

type RefreshClaims struct {
	SessionID    string    `json:"sid"`
	TokenVersion int       `json:"ver"`
	Type         TokenKind `json:"typ"`
	jwt.RegisteredClaims
}

// Subject is the identity a token pair is minted for.
type Subject struct {
	UserID       string
	Email        string
	Role         Role
	TokenVersion int
}

type IssuedTokens struct {
	AccessToken      string
	RefreshToken     string
	SessionID        string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

type TokenConfig struct {
	Secret     []byte
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type TokenService struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      Clock
	parser     *jwt.Parser
}

func NewTokenService(cfg TokenConfig, clock Clock) (*TokenService, error) {
	if len(cfg.Secret) < MinSecretBytes {
		return nil, ErrWeakSecret
	}
	if strings.TrimSpace(cfg.Issuer) == "" || strings.TrimSpace(cfg.Audience) == "" {
		return nil, errors.New("token issuer and audience are required")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if clock == nil {
		clock = SystemClock{}
	}

	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)

	return &TokenService{
		secret:     secret,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		clock:      clock,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithAudience(cfg.Audience),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithTimeFunc(clock.Now),
		),
	}, nil
}

func (s *TokenService) AccessTTL() time.Duration {
	return s.accessTTL
}

// Issue mints a fresh session id and the access/refresh pair bound to it.
func (s *TokenService) Issue(subject Subject) (IssuedTokens, error) {
	if subject.UserID == "" || subject.Email == "" || !subject.Role.Valid() {
		return IssuedTokens{}, errors.New("incomplete token subject")
	}

	sessionID, err := NewSessionID()
	if err != nil {
		return IssuedTokens{}, err
	}

	access, accessExp, err := s.IssueAccess(subject, sessionID)
	if err != nil {
		return IssuedTokens{}, err
	}

	now := s.clock.Now().UTC()
	refreshExp := now.Add(s.refreshTTL)
	refresh := RefreshClaims{
		SessionID:        sessionID,
		TokenVersion:     subject.TokenVersion,
		Type:             TokenRefresh,
		RegisteredClaims: s.registered(subject.UserID, now, refreshExp),
	}
	refreshToken, err := s.sign(refresh)
	if err != nil {
		return IssuedTokens{}, err
	}

	return IssuedTokens{
		AccessToken:      access,
		RefreshToken:     refreshToken,
		SessionID:        sessionID,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp.Truncate(time.Second),
	}, nil
}

// IssueAccess signs an access token for an existing session.
func (s *TokenService) IssueAccess(subject Subject, sessionID string) (string, time.Time, error) {
	if sessionID == "" {
		return "", time.Time{}, errors.New("session id is required")
	}

	now := s.clock.Now().UTC()
	exp := now.Add(s.accessTTL)
	claims := AccessClaims{
		Email:            subject.Email,
		Role:             subject.Role,
		SessionID:        sessionID,
		Type:             TokenAccess,
		RegisteredClaims: s.registered(subject.UserID, now, exp),
	}

	signed, err := s.sign(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp.Truncate(time.Second), nil
}

func (s *TokenService) VerifyAccess(raw string) (AccessClaims, error) {
	var claims AccessClaims
	if err := s.verify(raw, TokenAccess, &claims); err != nil {
		return AccessClaims{}, err
	}
	if claims.Type != TokenAccess || claims.Subject == "" || claims.Email == "" || claims.SessionID == "" || !claims.Role.Valid() {
		return AccessClaims{}, &TokenError{Kind: TokenAccess, Failure: FailureInvalidClaims, Err: errors.New("claim set does not match access token shape")}
	}
	if err := checkLifetime(claims.RegisteredClaims); err != nil {
		return AccessClaims{}, &TokenError{Kind: TokenAccess, Failure: FailureInvalidClaims, Err: err}
	}
	return claims, nil
}

func (s *TokenService) VerifyRefresh(raw string) (RefreshClaims, error) {
	var claims RefreshClaims
	if err := s.verify(raw, TokenRefresh, &claims); err != nil {
		return RefreshClaims{}, err
	}
	if claims.Type != TokenRefresh || claims.Subject == "" || claims.SessionID == "" {
		return RefreshClaims{}, &TokenError{Kind: TokenRefresh, Failure: FailureInvalidClaims, Err: errors.New("claim set does not match refresh token shape")}
	}
	if err := checkLifetime(claims.RegisteredClaims); err != nil {
		return RefreshClaims{}, &TokenError{Kind: TokenRefresh, Failure: FailureInvalidClaims, Err: err}
	}
	return claims, nil
}

func (s *TokenService) registered(subject string, now, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{s.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
}

func (s *TokenService) sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return encoded, nil
}

// verify checks the HMAC over the raw segments before any claim is decoded,
// so a modified byte anywhere in header or payload is a signature mismatch.
func (s *TokenService) verify(raw string, kind TokenKind, claims jwt.Claims) error {
	raw = strings.TrimSpace(raw)
	parts := strings.Split(raw, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return &TokenError{Kind: kind, Failure: FailureMalformed, Err: jwt.ErrTokenMalformed}
	}

	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return &TokenError{Kind: kind, Failure: FailureMalformed, Err: err}
	}
	if err := jwt.SigningMethodHS256.Verify(parts[0]+"."+parts[1], signature, s.secret); err != nil {
		return &TokenError{Kind: kind, Failure: FailureSignatureMismatch, Err: err}
	}

	_, err = s.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return &TokenError{Kind: kind, Failure: classify(err), Err: err}
	}
	return nil
}

func classify(err error) TokenFailure {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return FailureSignatureMismatch
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenUnverifiable):
		return FailureMalformed
	case errors.Is(err, jwt.ErrTokenExpired):
		return FailureExpired
	default:
		return FailureInvalidClaims
	}
}

func checkLifetime(claims jwt.RegisteredClaims) error {
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return errors.New("issued-at and expiry are required")
	}
	if !claims.ExpiresAt.After(claims.IssuedAt.Time) {
		return errors.New("expiry must be after issued-at")
	}
	return nil
}
