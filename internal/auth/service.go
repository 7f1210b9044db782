package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrUnknownUser         = fmt.Errorf("%w: unknown user", ErrInvalidCredentials)
	ErrWrongPassword       = fmt.Errorf("%w: wrong password", ErrInvalidCredentials)
	ErrAccountDisabled     = errors.New("account disabled")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}

// UserStore is the authoritative user and session storage.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByID(ctx context.Context, id string) (User, error)
	// RecordFailedLogin increments the stored counter and returns the new
	// lock expiry when the threshold was reached.
	RecordFailedLogin(ctx context.Context, userID string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	RecordSuccessfulLogin(ctx context.Context, userID string, now time.Time) error
	ResetFailedLogins(ctx context.Context, userID string) error
	AddSession(ctx context.Context, session Session) error
	HasSession(ctx context.Context, userID, sessionID string, now time.Time) (bool, error)
	RemoveSession(ctx context.Context, userID, sessionID string) error
	ListSessions(ctx context.Context, userID string) ([]Session, error)
	UpsertAdmin(ctx context.Context, email, passwordHash string) error
}

type LoginInput struct {
	Email      string
	Password   string
	RememberMe bool
	IPAddress  string
	UserAgent  string
}

type LoginResult struct {
	User   PublicUser
	Tokens IssuedTokens
}

type RefreshResult struct {
	AccessToken string
	ExpiresAt   time.Time
}

type SecurityConfig struct {
	MaxAttempts     int
	LockoutDuration time.Duration
}

type Service struct {
	users        UserStore
	tokens       *TokenService
	passwords    *PasswordHasher
	attempts     *AttemptTracker
	clock        Clock
	maxAttempts  int
	lockDuration time.Duration
}

func NewService(users UserStore, tokens *TokenService, passwords *PasswordHasher, attempts *AttemptTracker, clock Clock, cfg SecurityConfig) *Service {
	if clock == nil {
		clock = SystemClock{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = DefaultLockoutDuration
	}
	return &Service{
		users:        users,
		tokens:       tokens,
		passwords:    passwords,
		attempts:     attempts,
		clock:        clock,
		maxAttempts:  cfg.MaxAttempts,
		lockDuration: cfg.LockoutDuration,
	}
}

// Login verifies credentials and mints a session. RememberMe is accepted but
// does not change token lifetimes.
func (s *Service) Login(ctx context.Context, in LoginInput) (LoginResult, error) {
	email := NormalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return LoginResult{}, ErrUnknownUser
	}
	now := s.clock.Now().UTC()

	user, err := s.users.FindByEmail(ctx, email)
	found := err == nil
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return LoginResult{}, fmt.Errorf("find user: %w", err)
	}

	if found && user.Clean(now) {
		s.attempts.Clear(email)
	}

	if status := s.attempts.Check(email); !status.Allowed {
		return LoginResult{}, ErrLoginLocked{Until: *status.LockedUntil}
	}

	if !found {
		s.passwords.VerifyDummy(in.Password)
		if status := s.attempts.Record(email, false); !status.Allowed {
			return LoginResult{}, ErrLoginLocked{Until: *status.LockedUntil}
		}
		return LoginResult{}, ErrUnknownUser
	}

	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		return LoginResult{}, ErrLoginLocked{Until: *user.LockedUntil}
	}
	if !user.IsActive {
		return LoginResult{}, ErrAccountDisabled
	}

	ok, err := s.passwords.Verify(user.PasswordHash, in.Password)
	if err != nil {
		return LoginResult{}, err
	}
	if !ok {
		status := s.attempts.Record(email, false)
		lockedUntil, err := s.users.RecordFailedLogin(ctx, user.ID, s.maxAttempts, s.lockDuration, now)
		if err != nil {
			return LoginResult{}, err
		}
		if lockedUntil != nil {
			return LoginResult{}, ErrLoginLocked{Until: *lockedUntil}
		}
		if !status.Allowed {
			return LoginResult{}, ErrLoginLocked{Until: *status.LockedUntil}
		}
		return LoginResult{}, ErrWrongPassword
	}

	s.attempts.Record(email, true)
	if err := s.users.RecordSuccessfulLogin(ctx, user.ID, now); err != nil {
		return LoginResult{}, err
	}

	tokens, err := s.tokens.Issue(user.Subject())
	if err != nil {
		return LoginResult{}, err
	}
	if err := s.users.AddSession(ctx, Session{
		ID:        tokens.SessionID,
		UserID:    user.ID,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
		CreatedAt: now,
		ExpiresAt: tokens.RefreshExpiresAt,
	}); err != nil {
		return LoginResult{}, err
	}

	return LoginResult{User: user.Public(), Tokens: tokens}, nil
}

// Refresh re-mints an access token for a session that is still listed on the
// user record.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (RefreshResult, error) {
	claims, err := s.tokens.VerifyRefresh(strings.TrimSpace(refreshToken))
	if err != nil {
		return RefreshResult{}, fmt.Errorf("%w: %w", ErrInvalidRefreshToken, err)
	}

	user, err := s.users.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return RefreshResult{}, ErrInvalidRefreshToken
		}
		return RefreshResult{}, fmt.Errorf("find user: %w", err)
	}
	if !user.IsActive {
		return RefreshResult{}, ErrAccountDisabled
	}
	if claims.TokenVersion != user.TokenVersion {
		return RefreshResult{}, fmt.Errorf("%w: token version changed", ErrInvalidRefreshToken)
	}

	ok, err := s.users.HasSession(ctx, user.ID, claims.SessionID, s.clock.Now().UTC())
	if err != nil {
		return RefreshResult{}, err
	}
	if !ok {
		return RefreshResult{}, fmt.Errorf("%w: session revoked", ErrInvalidRefreshToken)
	}

	access, expiresAt, err := s.tokens.IssueAccess(user.Subject(), claims.SessionID)
	if err != nil {
		return RefreshResult{}, err
	}
	return RefreshResult{AccessToken: access, ExpiresAt: expiresAt}, nil
}

func (s *Service) Logout(ctx context.Context, identity Identity) error {
	if err := s.users.RemoveSession(ctx, identity.UserID, identity.SessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Me reloads the caller's user row so role or status changes since the token
// was minted are visible.
func (s *Service) Me(ctx context.Context, identity Identity) (User, error) {
	user, err := s.users.FindByID(ctx, identity.UserID)
	if err != nil {
		return User{}, err
	}
	if !user.IsActive {
		return User{}, ErrAccountDisabled
	}
	return user, nil
}

func (s *Service) Sessions(ctx context.Context, identity Identity) ([]Session, error) {
	sessions, err := s.users.ListSessions(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	live := make([]Session, 0, len(sessions))
	for _, session := range sessions {
		if session.ExpiresAt.After(now) {
			live = append(live, session)
		}
	}
	return live, nil
}

// Unlock resets the stored counters and drops any cached lock for the user.
func (s *Service) Unlock(ctx context.Context, userID string) (User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if err := s.users.ResetFailedLogins(ctx, user.ID); err != nil {
		return User{}, err
	}
	s.attempts.Clear(user.Email)

	user.FailedAttempts = 0
	user.LockedUntil = nil
	return user, nil
}

func (s *Service) BootstrapAdmin(ctx context.Context, adminEmail, adminPassword string) error {
	adminEmail = NormalizeEmail(adminEmail)
	if adminEmail == "" && adminPassword == "" {
		return nil
	}
	if adminEmail == "" || adminPassword == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	hash, err := s.passwords.Hash(adminPassword)
	if err != nil {
		return err
	}
	return s.users.UpsertAdmin(ctx, adminEmail, hash)
}
