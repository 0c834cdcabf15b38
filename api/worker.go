/*
worker.go - Background reward-job worker

PURPOSE:
  Polls the reward-job queue and runs queued batches through the
  processor. Jobs whose events fail are rescheduled with jittered
  exponential backoff, independent of the claim-lock TTL, and give up
  after a bounded number of attempts.

  Re-running a job is safe: details already persisted on a previous
  attempt come back as already-processed, so only the failed events are
  effectively retried.

DESIGN:
  - A single goroutine with a ticker (poll interval, seconds-scale)
  - Each tick drains up to BatchLimit due jobs
  - Stop() blocks until the in-flight tick finishes

SEE ALSO:
  - store/sqlite/sqlite.go: Job queue persistence
  - referral/batch.go:      Per-event processing and isolation
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/warp/referral-engine/referral"
	"github.com/warp/referral-engine/store/sqlite"
)

// Worker drains the reward-job queue.
type Worker struct {
	Store     *sqlite.Store
	Processor *referral.Processor
	Logger    *zap.Logger

	PollInterval time.Duration
	BatchLimit   int
	MaxAttempts  int
	RetryInitial time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewWorker(store *sqlite.Store, processor *referral.Processor, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		Store:        store,
		Processor:    processor,
		Logger:       logger,
		PollInterval: 2 * time.Second,
		BatchLimit:   10,
		MaxAttempts:  5,
		RetryInitial: 2 * time.Second,
		stop:         make(chan struct{}),
	}
}

// Start begins polling.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.ticker = time.NewTicker(w.PollInterval)
	w.wg.Add(1)
	go w.run()
	w.Logger.Info("reward worker started", zap.Duration("poll", w.PollInterval))
}

// Stop halts polling and waits for the in-flight tick.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ticker != nil {
		w.ticker.Stop()
		w.ticker = nil
		close(w.stop)
		w.wg.Wait()
		w.Logger.Info("reward worker stopped")
	}
}

func (w *Worker) run() {
	defer w.wg.Done()

	w.drain()
	for {
		select {
		case <-w.ticker.C:
			w.drain()
		case <-w.stop:
			return
		}
	}
}

func (w *Worker) drain() {
	ctx := context.Background()

	jobs, err := w.Store.DueJobs(ctx, time.Now(), w.BatchLimit)
	if err != nil {
		w.Logger.Error("load due jobs failed", zap.Error(err))
		return
	}
	for _, job := range jobs {
		w.runJob(ctx, job)
	}
}

func (w *Worker) runJob(ctx context.Context, job sqlite.Job) {
	outcomes := w.Processor.Process(ctx, job.RequestID, job.Events)

	var firstErr error
	for _, o := range outcomes {
		if o.Err != nil {
			firstErr = o.Err
			break
		}
	}
	if firstErr == nil {
		if err := w.Store.MarkJobSucceeded(ctx, job.ID); err != nil {
			w.Logger.Error("mark job succeeded failed", zap.String("job", job.ID), zap.Error(err))
		}
		return
	}

	attempts := job.Attempts + 1
	if attempts >= w.MaxAttempts {
		w.Logger.Warn("reward job failed permanently",
			zap.String("job", job.ID), zap.Int("attempts", attempts), zap.Error(firstErr))
		if err := w.Store.MarkJobFailed(ctx, job.ID, attempts, firstErr.Error()); err != nil {
			w.Logger.Error("mark job failed failed", zap.String("job", job.ID), zap.Error(err))
		}
		return
	}

	delay := w.retryDelay(attempts)
	w.Logger.Info("reward job rescheduled",
		zap.String("job", job.ID), zap.Int("attempts", attempts), zap.Duration("delay", delay))
	if err := w.Store.RescheduleJob(ctx, job.ID, attempts, time.Now().Add(delay), firstErr.Error()); err != nil {
		w.Logger.Error("reschedule job failed", zap.String("job", job.ID), zap.Error(err))
	}
}

// retryDelay returns the jittered exponential delay for the n-th attempt.
func (w *Worker) retryDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.RetryInitial
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0 // bounded by MaxAttempts, not elapsed time

	delay := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}
