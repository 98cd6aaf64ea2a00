package engine

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// RateKey identifies one sliding window: a user performing one kind of action.
type RateKey struct {
	UserID int64
	Action string
}

// WindowStore holds the per-key logs of recent admitted actions. The bundled
// memory store is correct for a single-instance deployment; a multi-instance
// deployment must plug a shared, atomically-updatable backend in here.
type WindowStore interface {
	// Allow prunes entries older than window, then records now and returns
	// true if fewer than max entries remain, or returns false untouched.
	Allow(key RateKey, now time.Time, window time.Duration, max int) bool

	// OldestIn returns the oldest entry still inside the window, if any.
	OldestIn(key RateKey, now time.Time, window time.Duration) (time.Time, bool)
}

// SlidingWindowLimiter admits at most maxRequests actions per key within a
// trailing window. Denied requests are not recorded.
type SlidingWindowLimiter struct {
	store       WindowStore
	maxRequests int
	window      time.Duration
	logger      *zap.Logger
}

func NewSlidingWindowLimiter(store WindowStore, maxRequests int, window time.Duration, logger *zap.Logger) *SlidingWindowLimiter {
	if store == nil {
		store = NewMemoryWindowStore()
	}
	if maxRequests <= 0 {
		maxRequests = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindowLimiter{store: store, maxRequests: maxRequests, window: window, logger: logger}
}

// Allow decides admission for one action and records it when admitted.
func (l *SlidingWindowLimiter) Allow(key RateKey) bool {
	allowed := l.store.Allow(key, time.Now(), l.window, l.maxRequests)
	if !allowed {
		l.logger.Debug("Rate limit denied request",
			zap.Int64("user_id", key.UserID), zap.String("action", key.Action))
	}
	return allowed
}

// RetryAfter returns how long until the oldest in-window entry expires and a
// slot frees up. Zero means the next request would be admitted now.
func (l *SlidingWindowLimiter) RetryAfter(key RateKey) time.Duration {
	now := time.Now()
	oldest, ok := l.store.OldestIn(key, now, l.window)
	if !ok {
		return 0
	}
	remaining := oldest.Add(l.window).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// MemoryWindowStore is the in-process WindowStore.
type MemoryWindowStore struct {
	mu      sync.Mutex
	entries map[RateKey][]time.Time
}

func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{entries: make(map[RateKey][]time.Time)}
}

func (s *MemoryWindowStore) Allow(key RateKey, now time.Time, window time.Duration, max int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.prune(key, now, window)
	if len(kept) >= max {
		return false
	}
	s.entries[key] = append(kept, now)
	return true
}

func (s *MemoryWindowStore) OldestIn(key RateKey, now time.Time, window time.Duration) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.prune(key, now, window)
	if len(kept) == 0 {
		return time.Time{}, false
	}
	s.entries[key] = kept
	return kept[0], true
}

// prune drops expired entries for key and returns what remains, oldest first.
// Caller holds the lock. Empty keys are deleted so idle users do not leak.
func (s *MemoryWindowStore) prune(key RateKey, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	all := s.entries[key]
	idx := 0
	for idx < len(all) && !all[idx].After(cutoff) {
		idx++
	}
	kept := all[idx:]
	if len(kept) == 0 {
		delete(s.entries, key)
		return nil
	}
	return kept
}
