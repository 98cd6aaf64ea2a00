package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pixelforge/pixelforge/internal/auth"
	"github.com/pixelforge/pixelforge/internal/storage"
	"github.com/pixelforge/pixelforge/pkg/genapi"
)

const (
	testUserID  = int64(1001)
	testAdminID = int64(42)
)

// fakeProvider scripts the provider behavior per call number (1-based).
type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	generate func(call int, ctx context.Context) (*genapi.GenerateResult, error)
}

func (f *fakeProvider) Generate(ctx context.Context, req genapi.GenerateRequest) (*genapi.GenerateResult, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fn := f.generate
	f.mu.Unlock()
	return fn(call, ctx)
}

func (f *fakeProvider) Download(ctx context.Context, url string) ([]byte, string, error) {
	return []byte("image-bytes"), "image/png", nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func okResult() *genapi.GenerateResult {
	return &genapi.GenerateResult{
		Images: []genapi.ImageInfo{{URL: "https://cdn.example/img-1.png", ContentType: "image/png"}},
		Seed:   42,
	}
}

func alwaysSucceed(call int, ctx context.Context) (*genapi.GenerateResult, error) {
	return okResult(), nil
}

type memObjects struct {
	mu   sync.Mutex
	puts int
}

func (m *memObjects) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	return fmt.Sprintf("mem://objects/%d", m.puts), nil
}

func newTestEngine(t *testing.T, grant int64, provider Provider, mutate func(*Deps)) (*Engine, *storage.TokenLedger) {
	t.Helper()
	db, err := storage.InitDB(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	log := zap.NewNop()

	ledger := storage.NewTokenLedger(db, grant, log)
	store := storage.NewGenerationStore(db, log)
	queue := NewAdmissionQueue(4, time.Second, log)
	t.Cleanup(queue.Shutdown)

	deps := Deps{
		Lifecycle:  NewLifecycle(store, ledger, log),
		Ledger:     ledger,
		Queue:      queue,
		Limiter:    NewSlidingWindowLimiter(NewMemoryWindowStore(), 100, time.Minute, log),
		Tracker:    NewStatusTracker(),
		Provider:   provider,
		Objects:    &memObjects{},
		Authorizer: auth.NewAuthorizer(nil, []int64{testAdminID}),
		Policy:     NewRetryPolicy(3, time.Millisecond),
		CostPerGen: 1,
		Logger:     log,
	}
	if mutate != nil {
		mutate(&deps)
	}

	eng, err := New(deps)
	require.NoError(t, err)
	return eng, ledger
}

func waitForStatus(t *testing.T, eng *Engine, id string, want storage.GenerationStatus) *storage.Generation {
	t.Helper()
	var gen *storage.Generation
	require.Eventually(t, func() bool {
		g, err := eng.GetGeneration(id)
		if err != nil {
			return false
		}
		gen = g
		return g.Status == want
	}, 5*time.Second, 10*time.Millisecond, "generation %s never reached %s", id, want)
	return gen
}

func TestEngineSuccessfulGeneration(t *testing.T) {
	provider := &fakeProvider{generate: alwaysSucceed}
	eng, ledger := newTestEngine(t, 5, provider, nil)

	gen, err := eng.CreateGeneration(testUserID, "a lighthouse at dusk", Parameters{Model: "sdxl", NumImages: 1})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, gen.Status)
	assert.Equal(t, int64(1), gen.TokensReserved)
	assert.NotEmpty(t, gen.RequestHash)

	done := waitForStatus(t, eng, gen.ID, storage.StatusCompleted)
	assert.Equal(t, int64(1), done.TokensUsed)
	assert.Contains(t, done.ResultRefs, "mem://objects/")
	require.NotNil(t, done.CompletedAt)

	stats, err := ledger.Stats(testUserID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Balance)
	assert.Equal(t, int64(1), stats.TotalUsed)

	st, err := eng.GetStatus(gen.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, st.Status)
}

func TestEngineRetriesTransientFailures(t *testing.T) {
	provider := &fakeProvider{generate: func(call int, ctx context.Context) (*genapi.GenerateResult, error) {
		if call <= 2 {
			return nil, &genapi.ProviderError{Err: fmt.Errorf("upstream overloaded"), StatusCode: 503, Retryable: true}
		}
		return okResult(), nil
	}}
	eng, ledger := newTestEngine(t, 5, provider, nil)

	gen, err := eng.CreateGeneration(testUserID, "a fox in the snow", Parameters{})
	require.NoError(t, err)

	waitForStatus(t, eng, gen.ID, storage.StatusCompleted)
	assert.Equal(t, 3, provider.callCount())

	// Retries never charge again: one reservation, one consumption.
	stats, err := ledger.Stats(testUserID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Balance)
	assert.Equal(t, int64(1), stats.TotalUsed)
}

func TestEngineFatalErrorFailsAndRefunds(t *testing.T) {
	provider := &fakeProvider{generate: func(call int, ctx context.Context) (*genapi.GenerateResult, error) {
		return nil, &genapi.ProviderError{Err: fmt.Errorf("prompt rejected"), StatusCode: 422, Retryable: false}
	}}
	eng, ledger := newTestEngine(t, 5, provider, nil)

	gen, err := eng.CreateGeneration(testUserID, "something disallowed", Parameters{})
	require.NoError(t, err)

	failed := waitForStatus(t, eng, gen.ID, storage.StatusFailed)
	assert.Contains(t, failed.Error, "prompt rejected")
	assert.Equal(t, 1, provider.callCount(), "fatal errors must not be retried")

	stats, err := ledger.Stats(testUserID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Balance)
	assert.Zero(t, stats.TotalUsed)
}

func TestEngineExhaustsRetryBudget(t *testing.T) {
	provider := &fakeProvider{generate: func(call int, ctx context.Context) (*genapi.GenerateResult, error) {
		return nil, &genapi.ProviderError{Err: fmt.Errorf("timeout"), Retryable: true}
	}}
	eng, ledger := newTestEngine(t, 5, provider, nil)

	gen, err := eng.CreateGeneration(testUserID, "a slow render", Parameters{})
	require.NoError(t, err)

	waitForStatus(t, eng, gen.ID, storage.StatusFailed)
	assert.Equal(t, 3, provider.callCount())

	stats, err := ledger.Stats(testUserID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Balance)
}

func TestEngineRetryGenerationLineage(t *testing.T) {
	provider := &fakeProvider{generate: func(call int, ctx context.Context) (*genapi.GenerateResult, error) {
		if call == 1 {
			return nil, &genapi.ProviderError{Err: fmt.Errorf("bad input"), StatusCode: 400, Retryable: false}
		}
		return okResult(), nil
	}}
	eng, ledger := newTestEngine(t, 5, provider, nil)

	original, err := eng.CreateGeneration(testUserID, "a river at dawn", Parameters{Model: "sdxl"})
	require.NoError(t, err)
	waitForStatus(t, eng, original.ID, storage.StatusFailed)

	retried, err := eng.RetryGeneration(original.ID, testUserID)
	require.NoError(t, err)
	assert.NotEqual(t, original.ID, retried.ID)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, original.Prompt, retried.Prompt)

	waitForStatus(t, eng, retried.ID, storage.StatusCompleted)

	// The original stays failed as history.
	old, err := eng.GetGeneration(original.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, old.Status)

	stats, err := ledger.Stats(testUserID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Balance)
	assert.Equal(t, int64(1), stats.TotalUsed)
}

func TestEngineRetryRequiresFailedGeneration(t *testing.T) {
	provider := &fakeProvider{generate: alwaysSucceed}
	eng, _ := newTestEngine(t, 5, provider, nil)

	gen, err := eng.CreateGeneration(testUserID, "a calm sea", Parameters{})
	require.NoError(t, err)
	waitForStatus(t, eng, gen.ID, storage.StatusCompleted)

	_, err = eng.RetryGeneration(gen.ID, testUserID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = eng.RetryGeneration("no-such-id", testUserID)
	assert.ErrorIs(t, err, ErrGenerationNotFound)
}

func TestEngineInsufficientBalance(t *testing.T) {
	provider := &fakeProvider{generate: alwaysSucceed}
	eng, ledger := newTestEngine(t, 5, provider, func(d *Deps) {
		d.CostPerGen = 10
	})

	_, err := eng.CreateGeneration(testUserID, "too expensive", Parameters{})
	assert.ErrorIs(t, err, ErrInsufficientTokens)
	assert.Zero(t, provider.callCount())

	stats, err := ledger.Stats(testUserID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Balance)
}

func TestEngineUnknownUserWithoutGrant(t *testing.T) {
	provider := &fakeProvider{generate: alwaysSucceed}
	eng, _ := newTestEngine(t, 0, provider, nil)

	_, err := eng.CreateGeneration(testUserID, "first request", Parameters{})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestEngineCancelMidProcessing(t *testing.T) {
	inFlight := make(chan struct{})
	var once sync.Once
	provider := &fakeProvider{generate: func(call int, ctx context.Context) (*genapi.GenerateResult, error) {
		once.Do(func() { close(inFlight) })
		<-ctx.Done()
		return nil, &genapi.ProviderError{Err: ctx.Err(), Retryable: true}
	}}
	eng, ledger := newTestEngine(t, 5, provider, nil)

	gen, err := eng.CreateGeneration(testUserID, "a long render", Parameters{})
	require.NoError(t, err)

	select {
	case <-inFlight:
	case <-time.After(5 * time.Second):
		t.Fatal("provider call never started")
	}

	cancelled, err := eng.CancelGeneration(gen.ID, testUserID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCancelled, cancelled.Status)

	// The reservation comes back and the row stays cancelled.
	stats, err := ledger.Stats(testUserID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Balance)

	assert.Eventually(t, func() bool { return eng.GetQueueStats().Active == 0 },
		5*time.Second, 10*time.Millisecond)
	final, err := eng.GetGeneration(gen.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCancelled, final.Status)

	// Cancelling again is a no-op; cancelling someone else's is not allowed.
	_, err = eng.CancelGeneration(gen.ID, testUserID)
	assert.NoError(t, err)
	_, err = eng.CancelGeneration(gen.ID, testUserID+1)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestEngineCancelCompletedIsRejected(t *testing.T) {
	provider := &fakeProvider{generate: alwaysSucceed}
	eng, _ := newTestEngine(t, 5, provider, nil)

	gen, err := eng.CreateGeneration(testUserID, "a quick render", Parameters{})
	require.NoError(t, err)
	waitForStatus(t, eng, gen.ID, storage.StatusCompleted)

	_, err = eng.CancelGeneration(gen.ID, testUserID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEngineQueueRejectionRefunds(t *testing.T) {
	release := make(chan struct{})
	provider := &fakeProvider{generate: func(call int, ctx context.Context) (*genapi.GenerateResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return okResult(), nil
	}}
	eng, ledger := newTestEngine(t, 10, provider, nil)

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		gen, err := eng.CreateGeneration(testUserID, fmt.Sprintf("render %d", i), Parameters{})
		require.NoError(t, err)
		ids = append(ids, gen.ID)
	}

	_, err := eng.CreateGeneration(testUserID, "one too many", Parameters{})
	assert.ErrorIs(t, err, ErrQueueFull)

	// The rejected generation's reservation was returned immediately.
	stats, err := ledger.Stats(testUserID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), stats.Balance)

	close(release)
	for _, id := range ids {
		waitForStatus(t, eng, id, storage.StatusCompleted)
	}
	stats, err = ledger.Stats(testUserID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), stats.Balance)
	assert.Equal(t, int64(4), stats.TotalUsed)
}

func TestEngineRateLimitsCreates(t *testing.T) {
	provider := &fakeProvider{generate: alwaysSucceed}
	eng, _ := newTestEngine(t, 20, provider, func(d *Deps) {
		d.Limiter = NewSlidingWindowLimiter(NewMemoryWindowStore(), 3, time.Minute, zap.NewNop())
	})

	for i := 0; i < 3; i++ {
		_, err := eng.CreateGeneration(testUserID, fmt.Sprintf("render %d", i), Parameters{})
		require.NoError(t, err)
	}

	_, err := eng.CreateGeneration(testUserID, "over the limit", Parameters{})
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	// Other users are unaffected.
	_, err = eng.CreateGeneration(testUserID+1, "different user", Parameters{})
	assert.NoError(t, err)
}

func TestEngineAuthorization(t *testing.T) {
	provider := &fakeProvider{generate: alwaysSucceed}
	eng, _ := newTestEngine(t, 5, provider, func(d *Deps) {
		d.Authorizer = auth.NewAuthorizer([]int64{testUserID}, []int64{testAdminID})
	})

	_, err := eng.CreateGeneration(int64(9999), "not on the list", Parameters{})
	assert.ErrorIs(t, err, ErrUnauthorized)

	gen, err := eng.CreateGeneration(testUserID, "on the list", Parameters{})
	require.NoError(t, err)
	waitForStatus(t, eng, gen.ID, storage.StatusCompleted)
}

func TestEnginePurchase(t *testing.T) {
	provider := &fakeProvider{generate: alwaysSucceed}
	eng, ledger := newTestEngine(t, 5, provider, nil)

	_, err := eng.Purchase(testUserID, testUserID, 10)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = eng.Purchase(testAdminID, testUserID, 0)
	assert.ErrorIs(t, err, ErrValidation)

	balance, err := eng.Purchase(testAdminID, testUserID, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(15), balance)

	stats, err := ledger.Stats(testUserID)
	require.NoError(t, err)
	assert.Equal(t, int64(15), stats.Balance)
	assert.Equal(t, int64(15), stats.TotalPurchased)
}

func TestEngineHistory(t *testing.T) {
	provider := &fakeProvider{generate: alwaysSucceed}
	eng, _ := newTestEngine(t, 5, provider, nil)

	first, err := eng.CreateGeneration(testUserID, "first render", Parameters{})
	require.NoError(t, err)
	waitForStatus(t, eng, first.ID, storage.StatusCompleted)
	second, err := eng.CreateGeneration(testUserID, "second render", Parameters{})
	require.NoError(t, err)
	waitForStatus(t, eng, second.ID, storage.StatusCompleted)

	gens, err := eng.ListGenerations(testUserID, 10)
	require.NoError(t, err)
	require.Len(t, gens, 2)

	entries, err := eng.GetLedgerEntries(testUserID)
	require.NoError(t, err)
	// granted + two pairs of (started, completed)
	assert.Len(t, entries, 5)
	var sum int64
	for _, entry := range entries {
		sum += entry.Amount
	}
	assert.Equal(t, int64(3), sum, "entries must reconcile with the balance")
}

func TestEngineStatusFallsBackToStore(t *testing.T) {
	provider := &fakeProvider{generate: alwaysSucceed}
	eng, _ := newTestEngine(t, 5, provider, nil)

	gen, err := eng.CreateGeneration(testUserID, "tracked then pruned", Parameters{})
	require.NoError(t, err)
	waitForStatus(t, eng, gen.ID, storage.StatusCompleted)

	eng.deps.Tracker.Clear(gen.ID)
	st, err := eng.GetStatus(gen.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, st.Status)

	_, err = eng.GetStatus("no-such-id")
	assert.ErrorIs(t, err, ErrGenerationNotFound)
}
