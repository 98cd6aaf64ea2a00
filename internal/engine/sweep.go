package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pixelforge/pixelforge/internal/storage"
)

// Sweeper is the stuck-job reconciliation pass: any generation still
// non-terminal past the timeout (crashed worker, lost process, orphaned
// upload) is failed through the guarded transition, which refunds its
// reservation. Tokens are never held in limbo indefinitely.
type Sweeper struct {
	store     *storage.GenerationStore
	lifecycle *Lifecycle
	tracker   *StatusTracker
	interval  time.Duration
	timeout   time.Duration
	logger    *zap.Logger
}

func NewSweeper(store *storage.GenerationStore, lifecycle *Lifecycle, tracker *StatusTracker, interval, timeout time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Sweeper{
		store:     store,
		lifecycle: lifecycle,
		tracker:   tracker,
		interval:  interval,
		timeout:   timeout,
		logger:    logger,
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Stuck-job sweeper started",
		zap.Duration("interval", s.interval), zap.Duration("timeout", s.timeout))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stuck-job sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce()
			s.tracker.PruneOlderThan(time.Now().Add(-s.timeout * 2))
		}
	}
}

// SweepOnce fails every generation stuck past the timeout, oldest first.
// Returns how many were settled. Races with live workers are resolved by
// the transition guard; losing is not an error.
func (s *Sweeper) SweepOnce() int {
	cutoff := time.Now().Add(-s.timeout)
	stuck, err := s.store.ListStuck(cutoff)
	if err != nil {
		s.logger.Error("Stuck-job sweep query failed", zap.Error(err))
		return 0
	}

	settled := 0
	for _, gen := range stuck {
		_, err := s.lifecycle.Fail(gen.ID, "timed out: reclaimed by stuck-job sweep")
		if err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue // a live worker settled it first
			}
			s.logger.Error("Failed to reclaim stuck generation",
				zap.String("generation_id", gen.ID), zap.Error(err))
			continue
		}
		s.tracker.Set(gen.ID, storage.StatusFailed, 0, "timed out")
		settled++
		s.logger.Warn("Reclaimed stuck generation",
			zap.String("generation_id", gen.ID),
			zap.String("was", string(gen.Status)),
			zap.Time("created_at", gen.CreatedAt))
	}
	return settled
}
