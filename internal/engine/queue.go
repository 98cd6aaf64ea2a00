package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// UnitOfWork is the long-running body of one admitted generation: the
// provider call, retries and the upload. It must honor ctx cancellation
// between attempts; a provider call already in flight may run to completion
// and have its result discarded by the state-machine guards.
type UnitOfWork func(ctx context.Context, slot *Slot)

// Slot represents one admitted, currently-tracked job. At most maxConcurrent
// slots exist at any instant.
type Slot struct {
	GenerationID string
	StartedAt    time.Time

	attempt int32
	cancel  context.CancelFunc
}

// Attempt returns the current 1-based attempt number.
func (s *Slot) Attempt() int {
	return int(atomic.LoadInt32(&s.attempt))
}

// BeginAttempt increments and returns the attempt number.
func (s *Slot) BeginAttempt() int {
	return int(atomic.AddInt32(&s.attempt, 1))
}

// QueueStats is the read model returned by Stats.
type QueueStats struct {
	Active        int
	Capacity      int
	EstimatedWait time.Duration
}

// AdmissionQueue bounds how many generations run against the provider at
// once. Admitted work is pushed onto a channel consumed by a fixed pool of
// workers; the slot table is the authority for QueueFull/AlreadyQueued.
type AdmissionQueue struct {
	maxConcurrent int
	avgProcessing time.Duration
	logger        *zap.Logger

	mu    sync.Mutex
	slots map[string]*Slot

	jobs    chan queuedJob
	wg      sync.WaitGroup
	stopped atomic.Bool
}

type queuedJob struct {
	ctx  context.Context
	slot *Slot
	work UnitOfWork
}

func NewAdmissionQueue(maxConcurrent int, avgProcessing time.Duration, logger *zap.Logger) *AdmissionQueue {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	if avgProcessing <= 0 {
		avgProcessing = 30 * time.Second
	}
	q := &AdmissionQueue{
		maxConcurrent: maxConcurrent,
		avgProcessing: avgProcessing,
		logger:        logger,
		slots:         make(map[string]*Slot),
		jobs:          make(chan queuedJob, maxConcurrent),
	}
	for i := 0; i < maxConcurrent; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue admits one generation and schedules work. Rejects with ErrQueueFull
// when all slots are taken and ErrAlreadyQueued when the generation is
// already tracked.
func (q *AdmissionQueue) Enqueue(generationID string, work UnitOfWork) error {
	if q.stopped.Load() {
		return fmt.Errorf("%w: queue is shut down", ErrQueueFull)
	}

	ctx, cancel := context.WithCancel(context.Background())
	slot := &Slot{GenerationID: generationID, StartedAt: time.Now(), cancel: cancel}

	q.mu.Lock()
	if _, exists := q.slots[generationID]; exists {
		q.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, generationID)
	}
	if len(q.slots) >= q.maxConcurrent {
		q.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %d/%d slots busy", ErrQueueFull, q.maxConcurrent, q.maxConcurrent)
	}
	q.slots[generationID] = slot
	q.mu.Unlock()

	q.jobs <- queuedJob{ctx: ctx, slot: slot, work: work}
	q.logger.Debug("Enqueued generation", zap.String("generation_id", generationID))
	return nil
}

// Dequeue cancels a tracked job: the slot's context is cancelled so the unit
// of work stops consuming retry attempts. The slot itself is released by the
// worker, which keeps the release single-pathed.
func (q *AdmissionQueue) Dequeue(generationID string) bool {
	q.mu.Lock()
	slot, ok := q.slots[generationID]
	q.mu.Unlock()
	if !ok {
		return false
	}
	slot.cancel()
	q.logger.Debug("Cancelled queued generation", zap.String("generation_id", generationID))
	return true
}

// Stats reports current occupancy. EstimatedWait is a rough figure, not a
// promise: active jobs times the configured average processing time.
func (q *AdmissionQueue) Stats() QueueStats {
	q.mu.Lock()
	active := len(q.slots)
	q.mu.Unlock()
	return QueueStats{
		Active:        active,
		Capacity:      q.maxConcurrent,
		EstimatedWait: time.Duration(active) * q.avgProcessing,
	}
}

// Shutdown stops accepting work and waits for in-flight jobs to finish.
func (q *AdmissionQueue) Shutdown() {
	if q.stopped.Swap(true) {
		return
	}
	close(q.jobs)
	q.wg.Wait()
}

func (q *AdmissionQueue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		q.run(job)
	}
}

// run executes one job. The slot release is unconditional: it happens in a
// defer that also absorbs panics from the unit of work, so a crashed job can
// never leak a concurrency slot.
func (q *AdmissionQueue) run(job queuedJob) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Unit of work panicked",
				zap.String("generation_id", job.slot.GenerationID), zap.Any("panic", r))
		}
		job.slot.cancel()
		q.release(job.slot.GenerationID)
	}()

	if job.ctx.Err() != nil {
		// Cancelled while waiting for a worker.
		return
	}
	job.work(job.ctx, job.slot)
}

func (q *AdmissionQueue) release(generationID string) {
	q.mu.Lock()
	delete(q.slots, generationID)
	q.mu.Unlock()
	q.logger.Debug("Released queue slot", zap.String("generation_id", generationID))
}
