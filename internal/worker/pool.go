package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/replbox/internal/domain"
)

const (
	receiveBackoff = 1 * time.Second
	ackTimeout     = 5 * time.Second
)

// Result states for jobs that never produced an execution result.
const (
	StateRejected = "rejected"
	StateFailed   = "failed"
)

// Pool implements a fixed-size worker pool pattern.
// Each worker pulls one job at a time from the queue, so workerCount bounds the
// number of sandboxes running at once.
type Pool struct {
	// workerCount determines how many concurrent Docker containers can run.
	workerCount int
	queue       domain.JobQueue
	executor    domain.Executor

	// wg tracks active workers to ensure graceful shutdown.
	wg     sync.WaitGroup
	cancel context.CancelFunc

	// execCtx outlives the receive loop; abort cancels running executions
	// once a shutdown grace period has expired.
	execCtx context.Context
	abort   context.CancelFunc
}

// NewPool initializes the worker pool with a fixed concurrency limit.
func NewPool(concurrency int, queue domain.JobQueue, executor domain.Executor) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		workerCount: concurrency,
		queue:       queue,
		executor:    executor,
	}
}

// Start spawns the fixed number of worker goroutines.
// It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	p.execCtx, p.abort = context.WithCancel(context.WithoutCancel(ctx))
	ctx, p.cancel = context.WithCancel(ctx)
	slog.Info("Starting worker pool", "concurrency", p.workerCount)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop initiates a graceful shutdown.
// Workers stop receiving and finish their current job. It blocks until all workers have exited.
func (p *Pool) Stop() {
	p.Shutdown(context.Background())
}

// Shutdown stops receiving and waits for in-flight jobs until ctx is done.
// Executions still running then are cancelled, which force-removes their
// containers, and Shutdown waits for them to be cleaned up. It returns
// ctx.Err() if the grace period expired.
func (p *Pool) Shutdown(ctx context.Context) error {
	slog.Info("Stopping worker pool, waiting for in-flight jobs...")
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if p.abort != nil {
			p.abort()
		}
		slog.Info("Worker pool stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("Shutdown grace period expired, cancelling running jobs")
		if p.abort != nil {
			p.abort()
		}
		<-done
		slog.Info("Worker pool stopped")
		return ctx.Err()
	}
}

// worker is the core logic that runs inside a goroutine.
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	slog.Info("Worker started", "workerID", id)

	for {
		job, err := p.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("Failed to receive job", "workerID", id, "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(receiveBackoff):
			}
			continue
		}

		p.handle(id, job)
	}

	slog.Info("Worker stopped", "workerID", id)
}

// handle executes one job, then acknowledges it and broadcasts its outcome.
// A failed job is still acknowledged: jobs are never retried.
func (p *Pool) handle(id int, job domain.Job) {
	log := slog.With("workerID", id, "jobID", job.ID, "sessionID", job.SessionID)
	log.Info("Processing job", "language", job.Language)
	start := time.Now()

	// In-flight executions outlive shutdown of the receive loop.
	res, err := p.executor.Execute(p.execCtx, job)

	result := domain.JobResult{
		JobID:     job.ID,
		SessionID: job.SessionID,
		Language:  job.Language,
	}
	switch {
	case err != nil && domain.IsRejected(err):
		log.Warn("Job rejected", "error", err)
		result.State = StateRejected
		result.Error = err.Error()
	case err != nil:
		log.Error("Job failed", "error", err)
		result.State = StateFailed
		result.Error = err.Error()
	default:
		log.Info("Job finished", "state", res.State.String(), "duration", res.Duration)
		result.Language = res.Language
		result.State = res.State.String()
		result.OutputBytes = len(res.Output)
	}
	result.DurationMS = time.Since(start).Milliseconds()

	bg, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()

	if err := p.queue.Acknowledge(bg, job.RawID); err != nil {
		log.Error("Failed to acknowledge job", "rawID", job.RawID, "error", err)
	}
	if err := p.queue.PublishResult(bg, result); err != nil {
		log.Error("Failed to publish job result", "error", err)
	}
}
