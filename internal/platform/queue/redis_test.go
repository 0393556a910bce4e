package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dontdude/replbox/internal/domain"
)

func newTestQueue(t *testing.T) (*RedisQueue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return newQueue(rdb, Options{Consumer: "test-consumer"}), rdb
}

func pending(t *testing.T, rdb *redis.Client) int64 {
	t.Helper()
	p, err := rdb.XPending(context.Background(), DefaultStream, DefaultGroup).Result()
	if err != nil {
		t.Fatal(err)
	}
	return p.Count
}

func TestPublishReceiveAcknowledge(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	want := domain.Job{ID: "j1", SessionID: "s1", CodeContent: "cHJpbnQoMSk=", Language: "python", UserID: 7}
	if err := q.Publish(ctx, want); err != nil {
		t.Fatal(err)
	}

	got, err := q.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	raw := got.RawID
	if raw == "" {
		t.Fatal("RawID not set")
	}
	got.RawID = ""
	if got != want {
		t.Errorf("Receive() = %+v, want %+v", got, want)
	}

	if n := pending(t, rdb); n != 1 {
		t.Errorf("pending before ack = %d, want 1", n)
	}
	if err := q.Acknowledge(ctx, raw); err != nil {
		t.Fatal(err)
	}
	if n := pending(t, rdb); n != 0 {
		t.Errorf("pending after ack = %d, want 0", n)
	}
}

func TestReceiveSkipsMalformedEntries(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rdb.XAdd(ctx, &redis.XAddArgs{Stream: DefaultStream, Values: map[string]interface{}{"job": "{not json"}})
	rdb.XAdd(ctx, &redis.XAddArgs{Stream: DefaultStream, Values: map[string]interface{}{"other": "x"}})
	if err := q.Publish(ctx, domain.Job{ID: "good", SessionID: "s1", Language: "c"}); err != nil {
		t.Fatal(err)
	}

	job, err := q.Receive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job.ID != "good" {
		t.Fatalf("Receive() = %+v, want the valid job", job)
	}
	// Only the valid entry is still pending.
	if n := pending(t, rdb); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestReceiveHonoursCancellation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Receive() error = %v, want deadline exceeded", err)
	}
}

func TestResultsRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := q.SubscribeResults(ctx)
	if err != nil {
		t.Fatal(err)
	}

	want := domain.JobResult{JobID: "j1", SessionID: "s1", Language: "python", State: "completed", OutputBytes: 3, DurationMS: 120}
	if err := q.PublishResult(ctx, want); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-results:
		if got != want {
			t.Errorf("result = %+v, want %+v", got, want)
		}
	case <-ctx.Done():
		t.Fatal("no result received")
	}

	cancel()
	for range results {
	}
}

func TestRecoverAcknowledgesStaleEntries(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range []string{"a", "b"} {
		if err := q.Publish(ctx, domain.Job{ID: id, SessionID: id, Language: "python"}); err != nil {
			t.Fatal(err)
		}
		// Delivered but never acknowledged, as if the worker died.
		if _, err := q.Receive(ctx); err != nil {
			t.Fatal(err)
		}
	}

	n, err := q.Recover(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Recover() = %d, want 2", n)
	}
	if p := pending(t, rdb); p != 0 {
		t.Errorf("pending after recovery = %d", p)
	}
}
