package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pixelforge/pixelforge/internal/auth"
	"github.com/pixelforge/pixelforge/internal/storage"
	"github.com/pixelforge/pixelforge/pkg/genapi"
	"github.com/pixelforge/pixelforge/pkg/objstore"
)

// Provider is the external image-generation service. Implemented by
// genapi.Client; tests substitute their own.
type Provider interface {
	Generate(ctx context.Context, req genapi.GenerateRequest) (*genapi.GenerateResult, error)
	Download(ctx context.Context, url string) ([]byte, string, error)
}

// Parameters are the user-facing generation knobs, persisted as JSON on the
// generation row.
type Parameters struct {
	Model       string `json:"model,omitempty"`
	Style       string `json:"style,omitempty"`
	Quality     string `json:"quality,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Seed        *int64 `json:"seed,omitempty"`
	NumImages   int    `json:"num_images,omitempty"`
}

const actionGenerate = "generate"

// Deps holds everything the engine needs, constructed once at process start
// and passed in explicitly. No package-level singletons.
type Deps struct {
	Lifecycle  *Lifecycle
	Ledger     *storage.TokenLedger
	Queue      *AdmissionQueue
	Limiter    *SlidingWindowLimiter
	Tracker    *StatusTracker
	Provider   Provider
	Objects    objstore.Store
	Authorizer *auth.Authorizer
	Policy     RetryPolicy
	CostPerGen int64
	Logger     *zap.Logger
}

// Engine exposes the core operations: create, inspect, cancel and retry
// generations, plus balance and queue introspection.
type Engine struct {
	deps Deps
	log  *zap.Logger
}

func New(deps Deps) (*Engine, error) {
	if deps.Lifecycle == nil || deps.Ledger == nil || deps.Queue == nil ||
		deps.Limiter == nil || deps.Tracker == nil || deps.Provider == nil ||
		deps.Objects == nil || deps.Logger == nil {
		return nil, fmt.Errorf("engine: all dependencies are required")
	}
	if deps.CostPerGen <= 0 {
		return nil, fmt.Errorf("engine: cost per generation must be positive")
	}
	return &Engine{deps: deps, log: deps.Logger}, nil
}

// CreateGeneration admits a new generation: rate limit, balance validation,
// reservation debit plus row insert, then enqueue. A queue rejection after
// the debit fails the generation so the reservation is refunded immediately.
func (e *Engine) CreateGeneration(userID int64, prompt string, params Parameters) (*storage.Generation, error) {
	if e.deps.Authorizer != nil && !e.deps.Authorizer.IsAllowed(userID) {
		return nil, fmt.Errorf("%w: user %d is not allowed to generate", ErrUnauthorized, userID)
	}

	key := RateKey{UserID: userID, Action: actionGenerate}
	if !e.deps.Limiter.Allow(key) {
		return nil, fmt.Errorf("%w: retry after %s", ErrRateLimitExceeded, e.deps.Limiter.RetryAfter(key))
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	hash, err := RequestHash(userID, prompt, string(paramsJSON))
	if err != nil {
		return nil, err
	}

	gen, err := e.deps.Lifecycle.Create(userID, prompt, string(paramsJSON), hash, e.deps.CostPerGen, 0)
	if err != nil {
		return nil, err
	}

	if err := e.enqueue(gen); err != nil {
		return nil, err
	}
	return gen, nil
}

// RetryGeneration spawns a fresh generation from a failed one and enqueues
// it. The original row stays failed, as history.
func (e *Engine) RetryGeneration(id string, requesterID int64) (*storage.Generation, error) {
	key := RateKey{UserID: requesterID, Action: actionGenerate}
	if !e.deps.Limiter.Allow(key) {
		return nil, fmt.Errorf("%w: retry after %s", ErrRateLimitExceeded, e.deps.Limiter.RetryAfter(key))
	}

	gen, err := e.deps.Lifecycle.Retry(id, requesterID)
	if err != nil {
		return nil, err
	}
	if err := e.enqueue(gen); err != nil {
		return nil, err
	}
	return gen, nil
}

// enqueue hands the generation to the admission queue. If the queue rejects
// it the generation is failed on the spot, which refunds the reservation.
func (e *Engine) enqueue(gen *storage.Generation) error {
	genID := gen.ID
	err := e.deps.Queue.Enqueue(genID, func(ctx context.Context, slot *Slot) {
		e.runGeneration(ctx, slot, genID)
	})
	if err != nil {
		if _, failErr := e.deps.Lifecycle.Fail(genID, "admission rejected: "+err.Error()); failErr != nil {
			e.log.Error("Failed to settle rejected generation",
				zap.String("generation_id", genID), zap.Error(failErr))
		}
		e.deps.Tracker.Set(genID, storage.StatusFailed, 0, err.Error())
		return err
	}

	e.deps.Tracker.Set(genID, storage.StatusPending, 0, "")
	return nil
}

// CancelGeneration transitions the generation to cancelled (owner only,
// guarded, refunding) and signals any in-flight unit of work to stop. A
// provider call already in flight finishes on its own; its result is
// discarded by the terminal-state guards.
func (e *Engine) CancelGeneration(id string, requesterID int64) (*storage.Generation, error) {
	gen, err := e.deps.Lifecycle.Cancel(id, requesterID)
	if err != nil {
		return gen, err
	}

	e.deps.Queue.Dequeue(id)
	e.deps.Tracker.Set(id, storage.StatusCancelled, 0, "")
	return gen, nil
}

// GetGeneration reads the authoritative generation record.
func (e *Engine) GetGeneration(id string) (*storage.Generation, error) {
	return e.deps.Lifecycle.Get(id)
}

// ListGenerations returns a user's generation history, newest first.
func (e *Engine) ListGenerations(userID int64, limit int) ([]storage.Generation, error) {
	return e.deps.Lifecycle.List(userID, limit)
}

// GetLedgerEntries returns a user's usage ledger, oldest first.
func (e *Engine) GetLedgerEntries(userID int64) ([]storage.UsageLedgerEntry, error) {
	return e.deps.Ledger.Entries(userID)
}

// GetStatus answers status polls from the in-memory tracker when possible,
// falling back to the store. The tracker is a cache, never the authority.
func (e *Engine) GetStatus(id string) (*TrackedStatus, error) {
	if st, ok := e.deps.Tracker.Get(id); ok {
		return st, nil
	}
	gen, err := e.deps.Lifecycle.Get(id)
	if err != nil {
		return nil, err
	}
	return &TrackedStatus{
		GenerationID: gen.ID,
		Status:       gen.Status,
		Error:        gen.Error,
		LastUpdated:  gen.CreatedAt,
	}, nil
}

// GetTokenStats returns the balance read model for a user.
func (e *Engine) GetTokenStats(userID int64) (*storage.BalanceStats, error) {
	return e.deps.Ledger.Stats(userID)
}

// GetQueueStats reports admission queue occupancy.
func (e *Engine) GetQueueStats() QueueStats {
	return e.deps.Queue.Stats()
}

// Purchase credits purchased tokens onto a user's balance. Admin-only.
func (e *Engine) Purchase(requesterID, userID int64, amount int64) (int64, error) {
	if e.deps.Authorizer == nil || !e.deps.Authorizer.IsAdmin(requesterID) {
		return 0, fmt.Errorf("%w: purchases require an admin", ErrUnauthorized)
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: purchase amount must be positive", ErrValidation)
	}
	return e.deps.Ledger.Credit(userID, amount, "", storage.ActionPurchased)
}

// runGeneration is the unit of work: drive one generation through the
// provider with retries, upload the outputs, and settle the terminal state.
// It runs on a queue worker, outside any ledger or transition lock.
func (e *Engine) runGeneration(ctx context.Context, slot *Slot, genID string) {
	gen, err := e.deps.Lifecycle.Get(genID)
	if err != nil {
		e.log.Error("Queued generation vanished", zap.String("generation_id", genID), zap.Error(err))
		return
	}

	if _, err := e.deps.Lifecycle.Advance(genID, storage.StatusProcessing); err != nil {
		// Typically a cancel that won the race before we started.
		e.log.Debug("Generation no longer pending, skipping",
			zap.String("generation_id", genID), zap.Error(err))
		return
	}

	var params Parameters
	if err := json.Unmarshal([]byte(gen.Parameters), &params); err != nil {
		e.settleFailure(genID, fmt.Errorf("%w: stored parameters are corrupt: %v", ErrValidation, err))
		return
	}
	req := genapi.GenerateRequest{
		Prompt:      gen.Prompt,
		Model:       params.Model,
		Style:       params.Style,
		Quality:     params.Quality,
		AspectRatio: params.AspectRatio,
		Seed:        params.Seed,
		NumImages:   params.NumImages,
	}

	result, err := e.generateWithRetry(ctx, slot, genID, req)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled mid-flight; the cancel operation settled the row.
			e.log.Debug("Unit of work stopped by cancellation", zap.String("generation_id", genID))
			return
		}
		e.settleFailure(genID, err)
		return
	}

	if _, err := e.deps.Lifecycle.Advance(genID, storage.StatusUploading); err != nil {
		// Terminal already (cancelled during the provider call): discard.
		e.log.Debug("Discarding provider result for settled generation",
			zap.String("generation_id", genID), zap.Error(err))
		return
	}
	e.deps.Tracker.Set(genID, storage.StatusUploading, slot.Attempt(), "")

	refs, err := e.uploadResults(ctx, result)
	if err != nil {
		e.settleFailure(genID, fmt.Errorf("result upload failed: %w", err))
		return
	}

	updated, err := e.deps.Lifecycle.Complete(genID, refs)
	if err != nil {
		e.log.Warn("Completion rejected, generation already settled",
			zap.String("generation_id", genID), zap.Error(err))
		return
	}
	e.deps.Tracker.Set(genID, updated.Status, slot.Attempt(), "")
}

// generateWithRetry runs the provider call under the retry policy. Delays
// honor ctx so a cancel does not burn further attempts.
func (e *Engine) generateWithRetry(ctx context.Context, slot *Slot, genID string, req genapi.GenerateRequest) (*genapi.GenerateResult, error) {
	for {
		attempt := slot.BeginAttempt()
		e.deps.Tracker.Set(genID, storage.StatusProcessing, attempt, "")

		result, err := e.deps.Provider.Generate(ctx, req)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if !e.deps.Policy.ShouldRetry(attempt, err) {
			return nil, err
		}

		delay := e.deps.Policy.NextDelay(attempt)
		e.log.Warn("Provider call failed, retrying",
			zap.String("generation_id", genID), zap.Int("attempt", attempt),
			zap.Duration("delay", delay), zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(delay):
		}
	}
}

// uploadResults downloads every provider output and stores it, returning the
// ordered references.
func (e *Engine) uploadResults(ctx context.Context, result *genapi.GenerateResult) ([]string, error) {
	if len(result.Images) == 0 {
		return nil, fmt.Errorf("provider returned no images")
	}

	refs := make([]string, 0, len(result.Images))
	for _, img := range result.Images {
		data, contentType, err := e.deps.Provider.Download(ctx, img.URL)
		if err != nil {
			return nil, err
		}
		ref, err := e.deps.Objects.Put(ctx, data, contentType)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// settleFailure records the terminal failure and its refund. Losing the
// transition race means someone else settled the row first; that is fine.
func (e *Engine) settleFailure(genID string, cause error) {
	gen, err := e.deps.Lifecycle.Fail(genID, cause.Error())
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			e.log.Debug("Failure already settled elsewhere",
				zap.String("generation_id", genID), zap.Error(err))
			return
		}
		e.log.Error("Failed to settle generation failure",
			zap.String("generation_id", genID), zap.Error(err))
		return
	}
	e.deps.Tracker.Set(genID, gen.Status, 0, gen.Error)
}
