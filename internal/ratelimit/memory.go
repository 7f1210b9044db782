package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// MemoryStore keeps windows in process memory behind one mutex. Expired
// windows are replaced on their next hit; Sweep bounds memory when many
// distinct identities come and go.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		windows: make(map[string]*window),
		now:     now,
	}
}

func (s *MemoryStore) Hit(_ context.Context, key string, max int, span time.Duration) (Decision, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{count: 1, resetAt: now.Add(span)}
		s.windows[key] = w
		return decide(true, w.count, max, w.resetAt), nil
	}

	if w.count < max {
		w.count++
		return decide(true, w.count, max, w.resetAt), nil
	}
	return decide(false, w.count, max, w.resetAt), nil
}

// Sweep removes windows that have already reset and returns how many it
// removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

func decide(allowed bool, count, max int, resetAt time.Time) Decision {
	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: allowed, Count: count, Remaining: remaining, ResetAt: resetAt}
}
