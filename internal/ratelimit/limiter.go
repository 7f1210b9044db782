// Package ratelimit bounds request volume per client identity with fixed
// windows, parameterised per route class.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Class string

const (
	ClassLogin  Class = "login"
	ClassPublic Class = "public"
	ClassAdmin  Class = "admin"
	ClassUpload Class = "upload"
)

var ErrUnknownClass = errors.New("unknown rate limit class")

// Policy is the budget of one route class.
type Policy struct {
	Max    int
	Window time.Duration
}

func (p Policy) Valid() bool {
	return p.Max > 0 && p.Window > 0
}

// DefaultPolicies returns the stock budgets for every route class.
func DefaultPolicies() map[Class]Policy {
	return map[Class]Policy{
		ClassLogin:  {Max: 15, Window: 15 * time.Minute},
		ClassPublic: {Max: 500, Window: 15 * time.Minute},
		ClassAdmin:  {Max: 150, Window: 15 * time.Minute},
		ClassUpload: {Max: 50, Window: time.Hour},
	}
}

// Decision is the outcome of one hit against a window.
type Decision struct {
	Allowed   bool
	Count     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long the caller should wait before the window resets.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.ResetAt.IsZero() || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

// Store performs the check-and-increment for one key as a single atomic step.
type Store interface {
	Hit(ctx context.Context, key string, max int, window time.Duration) (Decision, error)
}

type sweeper interface {
	Sweep(now time.Time) int
}

type Limiter struct {
	store    Store
	policies map[Class]Policy
}

// NewLimiter builds a limiter over store. Classes missing from policies fall
// back to DefaultPolicies.
func NewLimiter(store Store, policies map[Class]Policy) *Limiter {
	merged := DefaultPolicies()
	for class, policy := range policies {
		if policy.Valid() {
			merged[class] = policy
		}
	}
	if store == nil {
		store = NewMemoryStore(nil)
	}
	return &Limiter{store: store, policies: merged}
}

// Allow counts one request for identity against a window of maxRequests.
func (l *Limiter) Allow(ctx context.Context, identity string, maxRequests int, window time.Duration) (Decision, error) {
	if maxRequests <= 0 || window <= 0 {
		return Decision{}, fmt.Errorf("invalid rate limit policy: max=%d window=%s", maxRequests, window)
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		identity = "unknown"
	}
	return l.store.Hit(ctx, identity, maxRequests, window)
}

// AllowClass counts one request for identity in the given route class. Windows
// of different classes never share a counter.
func (l *Limiter) AllowClass(ctx context.Context, class Class, identity string) (Decision, error) {
	policy, ok := l.policies[class]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	return l.Allow(ctx, string(class)+":"+identity, policy.Max, policy.Window)
}

func (l *Limiter) Policy(class Class) (Policy, bool) {
	policy, ok := l.policies[class]
	return policy, ok
}

// Sweep reaps expired windows when the store keeps them in process memory.
func (l *Limiter) Sweep(now time.Time) int {
	if s, ok := l.store.(sweeper); ok {
		return s.Sweep(now)
	}
	return 0
}
