package auth

import (
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxAttempts     = 5
	DefaultLockoutDuration = 15 * time.Minute
)

// AttemptStatus is the tracker's view of one identity.
type AttemptStatus struct {
	Allowed           bool
	RemainingAttempts int
	LockedUntil       *time.Time
}

type attemptRecord struct {
	count       int
	lockedUntil time.Time
}

// AttemptTracker throttles failed logins per identity in process memory. It
// is a cache in front of the user row's own counters, never the source of
// truth; callers reconcile with Clear when the stored state says otherwise.
type AttemptTracker struct {
	mu          sync.Mutex
	records     map[string]*attemptRecord
	maxAttempts int
	lockout     time.Duration
	clock       Clock
}

func NewAttemptTracker(maxAttempts int, lockout time.Duration, clock Clock) *AttemptTracker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if lockout <= 0 {
		lockout = DefaultLockoutDuration
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &AttemptTracker{
		records:     make(map[string]*attemptRecord),
		maxAttempts: maxAttempts,
		lockout:     lockout,
		clock:       clock,
	}
}

func (t *AttemptTracker) Check(identity string) AttemptStatus {
	key := NormalizeEmail(identity)
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	record := t.liveRecord(key, now)
	return t.statusOf(record)
}

// Record applies the outcome of one verification and returns the new status.
func (t *AttemptTracker) Record(identity string, success bool) AttemptStatus {
	key := NormalizeEmail(identity)
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if success {
		delete(t.records, key)
		return t.statusOf(nil)
	}

	record := t.liveRecord(key, now)
	if record == nil {
		record = &attemptRecord{}
		t.records[key] = record
	}
	if !record.lockedUntil.IsZero() {
		return t.statusOf(record)
	}

	record.count++
	if record.count >= t.maxAttempts {
		record.lockedUntil = now.Add(t.lockout)
	}
	return t.statusOf(record)
}

func (t *AttemptTracker) Clear(identity string) {
	key := NormalizeEmail(identity)

	t.mu.Lock()
	delete(t.records, key)
	t.mu.Unlock()
}

// Sweep drops records whose lock has expired and returns how many it removed.
func (t *AttemptTracker) Sweep() int {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, record := range t.records {
		if !record.lockedUntil.IsZero() && !now.Before(record.lockedUntil) {
			delete(t.records, key)
			removed++
		}
	}
	return removed
}

// liveRecord returns the record for key, purging it first if its lock has
// run out. Callers hold t.mu.
func (t *AttemptTracker) liveRecord(key string, now time.Time) *attemptRecord {
	record, ok := t.records[key]
	if !ok {
		return nil
	}
	if !record.lockedUntil.IsZero() && !now.Before(record.lockedUntil) {
		delete(t.records, key)
		return nil
	}
	return record
}

func (t *AttemptTracker) statusOf(record *attemptRecord) AttemptStatus {
	if record == nil {
		return AttemptStatus{Allowed: true, RemainingAttempts: t.maxAttempts}
	}
	if !record.lockedUntil.IsZero() {
		until := record.lockedUntil
		return AttemptStatus{Allowed: false, RemainingAttempts: 0, LockedUntil: &until}
	}
	return AttemptStatus{Allowed: true, RemainingAttempts: t.maxAttempts - record.count}
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
