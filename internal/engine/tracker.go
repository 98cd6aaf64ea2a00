package engine

import (
	"sync"
	"time"

	"github.com/pixelforge/pixelforge/internal/storage"
)

// TrackedStatus is the last-known lifecycle state of one generation.
type TrackedStatus struct {
	GenerationID string
	Status       storage.GenerationStatus
	Attempt      int
	Error        string
	LastUpdated  time.Time
}

// StatusTracker is a read-side cache of last-known status per generation,
// for fast polling. It is not authoritative: the persistence layer is. Stale
// or missing entries are normal and resolved by reading the store.
type StatusTracker struct {
	states map[string]*TrackedStatus
	mu     sync.RWMutex
}

func NewStatusTracker() *StatusTracker {
	return &StatusTracker{states: make(map[string]*TrackedStatus)}
}

func (t *StatusTracker) Set(generationID string, status storage.GenerationStatus, attempt int, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[generationID] = &TrackedStatus{
		GenerationID: generationID,
		Status:       status,
		Attempt:      attempt,
		Error:        errMsg,
		LastUpdated:  time.Now(),
	}
}

func (t *StatusTracker) Get(generationID string) (*TrackedStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.states[generationID]
	return state, ok
}

func (t *StatusTracker) Clear(generationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, generationID)
}

// PruneOlderThan drops entries not updated since the cutoff. Terminal
// statuses linger until pruned so late pollers still get a fast answer.
func (t *StatusTracker) PruneOlderThan(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	pruned := 0
	for id, st := range t.states {
		if st.LastUpdated.Before(cutoff) {
			delete(t.states, id)
			pruned++
		}
	}
	return pruned
}
