package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pixelforge/pixelforge/internal/auth"
	"github.com/pixelforge/pixelforge/internal/config"
	"github.com/pixelforge/pixelforge/internal/engine"
	"github.com/pixelforge/pixelforge/internal/logger"
	"github.com/pixelforge/pixelforge/internal/storage"
	"github.com/pixelforge/pixelforge/pkg/genapi"
	"github.com/pixelforge/pixelforge/pkg/objstore"
)

// Build constructs the engine and its collaborators from config. Everything
// is dependency-injected here, once, at process start; tests build their own
// smaller versions of the same graph.
func Build(cfg *config.Config, log *zap.Logger) (*engine.Engine, *engine.Sweeper, *engine.AdmissionQueue, error) {
	db, err := storage.InitDB(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	ledger := storage.NewTokenLedger(db, cfg.Balance.InitialBalance, log.Named("ledger"))
	store := storage.NewGenerationStore(db, log.Named("generations"))
	lifecycle := engine.NewLifecycle(store, ledger, log.Named("lifecycle"))

	provider, err := genapi.NewClient(
		cfg.Provider.APIKey,
		cfg.Provider.BaseURL,
		time.Duration(cfg.Provider.RequestTimeoutMs)*time.Millisecond,
		time.Duration(cfg.Provider.PollIntervalMs)*time.Millisecond,
		log.Named("genapi"),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize provider client: %w", err)
	}

	objects, err := objstore.NewFSStore(cfg.ResultDir, log.Named("objstore"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize object store: %w", err)
	}

	queue := engine.NewAdmissionQueue(
		cfg.Queue.MaxConcurrent,
		time.Duration(cfg.Queue.AvgProcessingTimeMs)*time.Millisecond,
		log.Named("queue"),
	)
	limiter := engine.NewSlidingWindowLimiter(
		engine.NewMemoryWindowStore(),
		cfg.RateLimit.MaxRequests,
		time.Duration(cfg.RateLimit.WindowMs)*time.Millisecond,
		log.Named("ratelimit"),
	)
	tracker := engine.NewStatusTracker()
	authorizer := auth.NewAuthorizer(cfg.Auth.AuthorizedUserIDs, cfg.Admins.AdminUserIDs)
	policy := engine.NewRetryPolicy(cfg.Retry.MaxAttempts, time.Duration(cfg.Retry.BaseDelayMs)*time.Millisecond)

	eng, err := engine.New(engine.Deps{
		Lifecycle:  lifecycle,
		Ledger:     ledger,
		Queue:      queue,
		Limiter:    limiter,
		Tracker:    tracker,
		Provider:   provider,
		Objects:    objects,
		Authorizer: authorizer,
		Policy:     policy,
		CostPerGen: cfg.Balance.CostPerGeneration,
		Logger:     log.Named("engine"),
	})
	if err != nil {
		return nil, nil, nil, err
	}

	sweeper := engine.NewSweeper(
		store, lifecycle, tracker,
		time.Duration(cfg.Sweep.IntervalMs)*time.Millisecond,
		time.Duration(cfg.Sweep.StuckTimeoutMs)*time.Millisecond,
		log.Named("sweep"),
	)
	return eng, sweeper, queue, nil
}

// Start runs the engine until SIGINT/SIGTERM. On startup it reclaims any
// generations orphaned by a previous crash, then keeps the sweeper running.
func Start(cfg *config.Config, version string, buildDate string) error {
	log, err := logger.InitLogger(cfg.LogConfig.Level, cfg.LogConfig.Format, cfg.LogConfig.File)
	if err != nil {
		return fmt.Errorf("logger initialization failed: %w", err)
	}
	defer log.Sync()

	log.Info("Starting generation engine...",
		zap.String("version", version), zap.String("buildDate", buildDate))

	_, sweeper, queue, err := Build(cfg, log)
	if err != nil {
		return err
	}

	// Settle generations a previous process left past the stuck timeout
	// without waiting for the first tick; younger orphans age into the
	// regular sweep.
	reclaimed := sweeper.SweepOnce()
	if reclaimed > 0 {
		log.Warn("Reclaimed generations from previous run", zap.Int("count", reclaimed))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweeper.Run(ctx)

	log.Info("Engine started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("Shutting down...")
	cancel()
	queue.Shutdown()
	log.Info("Shutdown complete")
	return nil
}
