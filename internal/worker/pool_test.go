package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dontdude/replbox/internal/domain"
)

type fakeQueue struct {
	jobs chan domain.Job

	mu      sync.Mutex
	acked   []string
	results []domain.JobResult
	done    chan struct{}
	want    int
}

func newFakeQueue(want int) *fakeQueue {
	return &fakeQueue{
		jobs: make(chan domain.Job, want),
		done: make(chan struct{}),
		want: want,
	}
}

func (q *fakeQueue) Publish(_ context.Context, job domain.Job) error {
	q.jobs <- job
	return nil
}

func (q *fakeQueue) Receive(ctx context.Context) (domain.Job, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-ctx.Done():
		return domain.Job{}, ctx.Err()
	}
}

func (q *fakeQueue) Acknowledge(_ context.Context, rawID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, rawID)
	return nil
}

func (q *fakeQueue) PublishResult(_ context.Context, r domain.JobResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.results = append(q.results, r)
	if len(q.results) == q.want {
		close(q.done)
	}
	return nil
}

func (q *fakeQueue) SubscribeResults(context.Context) (<-chan domain.JobResult, error) {
	return nil, errors.New("not implemented")
}

func (q *fakeQueue) wait(t *testing.T) {
	t.Helper()
	select {
	case <-q.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for results")
	}
}

type fakeExecutor struct {
	running atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
}

func (e *fakeExecutor) Execute(_ context.Context, job domain.Job) (*domain.Result, error) {
	n := e.running.Add(1)
	defer e.running.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(e.delay)

	switch job.Language {
	case "ruby":
		return nil, &domain.ExecutionError{JobID: job.ID, Op: "provision", Err: domain.ErrUnsupportedLanguage}
	case "broken":
		return nil, &domain.ExecutionError{JobID: job.ID, Op: "start", Err: errors.New("daemon gone")}
	}
	return &domain.Result{JobID: job.ID, Language: job.Language, State: domain.StateCompleted, Output: "hi\n"}, nil
}

func TestPoolAcknowledgesEveryJob(t *testing.T) {
	q := newFakeQueue(3)
	pool := NewPool(1, q, &fakeExecutor{})

	q.Publish(context.Background(), domain.Job{ID: "ok", Language: "python", RawID: "1-0"})
	q.Publish(context.Background(), domain.Job{ID: "rej", Language: "ruby", RawID: "2-0"})
	q.Publish(context.Background(), domain.Job{ID: "bad", Language: "broken", RawID: "3-0"})

	pool.Start(context.Background())
	q.wait(t)
	pool.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.acked) != 3 {
		t.Fatalf("acked = %v, want all three", q.acked)
	}

	states := map[string]domain.JobResult{}
	for _, r := range q.results {
		states[r.JobID] = r
	}
	if r := states["ok"]; r.State != "completed" || r.OutputBytes != 3 || r.Error != "" {
		t.Errorf("ok result = %+v", r)
	}
	if r := states["rej"]; r.State != StateRejected || r.Error == "" {
		t.Errorf("rejected result = %+v", r)
	}
	if r := states["bad"]; r.State != StateFailed || r.Error == "" {
		t.Errorf("failed result = %+v", r)
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	const jobs = 8
	q := newFakeQueue(jobs)
	exec := &fakeExecutor{delay: 20 * time.Millisecond}
	pool := NewPool(2, q, exec)

	for i := 0; i < jobs; i++ {
		q.Publish(context.Background(), domain.Job{ID: fmt.Sprint(i), Language: "python", RawID: fmt.Sprintf("%d-0", i)})
	}

	pool.Start(context.Background())
	q.wait(t)
	pool.Stop()

	if peak := exec.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestPoolStopWithoutJobs(t *testing.T) {
	pool := NewPool(3, newFakeQueue(0), &fakeExecutor{})
	pool.Start(context.Background())

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return")
	}
}

// blockingExecutor runs until its context is cancelled, like a sandbox that never exits.
type blockingExecutor struct {
	started chan struct{}
}

func (e *blockingExecutor) Execute(ctx context.Context, job domain.Job) (*domain.Result, error) {
	close(e.started)
	<-ctx.Done()
	return &domain.Result{JobID: job.ID, Language: job.Language, State: domain.StateErrored}, nil
}

func TestPoolShutdownCancelsAfterGrace(t *testing.T) {
	q := newFakeQueue(1)
	exec := &blockingExecutor{started: make(chan struct{})}
	pool := NewPool(1, q, exec)

	q.Publish(context.Background(), domain.Job{ID: "j1", Language: "python", RawID: "1-0"})
	pool.Start(context.Background())

	select {
	case <-exec.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	stopped := make(chan error, 1)
	go func() { stopped <- pool.Shutdown(ctx) }()

	select {
	case err := <-stopped:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Shutdown() = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown() did not cancel the running job")
	}

	q.wait(t)
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.acked) != 1 || q.results[0].State != domain.StateErrored.String() {
		t.Errorf("acked = %v, results = %+v", q.acked, q.results)
	}
}

func TestPoolShutdownWaitsWithinGrace(t *testing.T) {
	q := newFakeQueue(1)
	pool := NewPool(1, q, &fakeExecutor{delay: 20 * time.Millisecond})

	q.Publish(context.Background(), domain.Job{ID: "j1", Language: "python", RawID: "1-0"})
	pool.Start(context.Background())
	waitForRunning := time.Now().Add(time.Second)
	for len(q.jobs) > 0 && time.Now().Before(waitForRunning) {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	q.wait(t)
}
