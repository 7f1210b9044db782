package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memoryUserStore mirrors the Postgres repository's counter semantics.
type memoryUserStore struct {
	mu       sync.Mutex
	users    map[string]*User
	sessions map[string]Session

	findErr error
}

func newMemoryUserStore() *memoryUserStore {
	return &memoryUserStore{
		users:    make(map[string]*User),
		sessions: make(map[string]Session),
	}
}

func (s *memoryUserStore) put(user User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := user
	s.users[user.ID] = &copied
}

func (s *memoryUserStore) get(id string) User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.users[id]
}

func (s *memoryUserStore) FindByEmail(_ context.Context, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return User{}, s.findErr
	}
	for _, user := range s.users {
		if user.Email == NormalizeEmail(email) {
			return *user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (s *memoryUserStore) FindByID(_ context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, ok := s.users[id]; ok {
		return *user, nil
	}
	return User{}, ErrUserNotFound
}

func (s *memoryUserStore) RecordFailedLogin(_ context.Context, userID string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		until := *user.LockedUntil
		return &until, nil
	}
	user.FailedAttempts++
	user.LockedUntil = nil
	if user.FailedAttempts >= maxAttempts {
		until := now.Add(lockDuration)
		user.LockedUntil = &until
		user.FailedAttempts = 0
		return &until, nil
	}
	return nil, nil
}

func (s *memoryUserStore) RecordSuccessfulLogin(_ context.Context, userID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[userID]
	user.FailedAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now
	return nil
}

func (s *memoryUserStore) ResetFailedLogins(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.FailedAttempts = 0
	user.LockedUntil = nil
	return nil
}

func (s *memoryUserStore) AddSession(_ context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *memoryUserStore) HasSession(_ context.Context, userID, sessionID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	return ok && session.UserID == userID && session.ExpiresAt.After(now), nil
}

func (s *memoryUserStore) RemoveSession(_ context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok || session.UserID != userID {
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *memoryUserStore) ListSessions(_ context.Context, userID string) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, session := range s.sessions {
		if session.UserID == userID {
			out = append(out, session)
		}
	}
	return out, nil
}

func (s *memoryUserStore) UpsertAdmin(_ context.Context, email, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Email == email {
			user.PasswordHash = passwordHash
			user.Role = RoleAdmin
			user.IsActive = true
			user.TokenVersion++
			return nil
		}
	}
	s.users["admin-id"] = &User{ID: "admin-id", Email: email, PasswordHash: passwordHash, Role: RoleAdmin, IsActive: true}
	return nil
}

type serviceFixture struct {
	service  *Service
	store    *memoryUserStore
	tokens   *TokenService
	attempts *AttemptTracker
	clock    *testClock
}

const (
	testEmail    = "a@x.com"
	testPassword = "correct horse battery staple"
)

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()

	clock := newTestClock()
	tokens, err := NewTokenService(TokenConfig{
		Secret:   testSecret,
		Issuer:   "backoffice-api",
		Audience: "backoffice-web",
	}, clock)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}

	passwords := NewPasswordHasher(bcrypt.MinCost)
	hash, err := passwords.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	store := newMemoryUserStore()
	store.put(User{
		ID:           "user-1",
		Email:        testEmail,
		Name:         "Alice",
		PasswordHash: hash,
		Role:         RoleAdmin,
		IsActive:     true,
	})

	attempts := NewAttemptTracker(5, 15*time.Minute, clock)
	service := NewService(store, tokens, passwords, attempts, clock, SecurityConfig{MaxAttempts: 5, LockoutDuration: 15 * time.Minute})

	return serviceFixture{service: service, store: store, tokens: tokens, attempts: attempts, clock: clock}
}
