package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/replbox/internal/domain"
)

// Defaults used when Options leave a field empty.
const (
	DefaultStream         = "replbox:jobs"
	DefaultGroup          = "replbox:workers"
	DefaultResultsChannel = "replbox:results"

	readBlock    = 2 * time.Second
	readBackoff  = 1 * time.Second
	jobField     = "job"
	busyGroupErr = "BUSYGROUP"
)

// Options names the Redis keys used by the queue.
type Options struct {
	Stream         string
	Group          string
	ResultsChannel string
	// Consumer identifies this process inside the group. Defaults to hostname-pid.
	Consumer string
}

// RedisQueue implements domain.JobQueue using Redis Streams.
type RedisQueue struct {
	client *redis.Client
	opts   Options

	groupMu    sync.Mutex
	groupReady bool
}

// Ensure RedisQueue satisfies the interface
var _ domain.JobQueue = (*RedisQueue)(nil)

// NewRedisQueue returns a new Redis-backed queue adapter.
// It panics if Redis cannot be reached (Fail-Fast).
func NewRedisQueue(addr string, opts Options) *RedisQueue {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// Fail-fast ping check
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		panic(fmt.Sprintf("failed to connect to redis: %v", err))
	}

	return newQueue(rdb, opts)
}

func newQueue(rdb *redis.Client, opts Options) *RedisQueue {
	if opts.Stream == "" {
		opts.Stream = DefaultStream
	}
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	if opts.ResultsChannel == "" {
		opts.ResultsChannel = DefaultResultsChannel
	}
	if opts.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "consumer"
		}
		opts.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &RedisQueue{client: rdb, opts: opts}
}

// Close releases the Redis connection pool.
func (r *RedisQueue) Close() error {
	return r.client.Close()
}

// Publish enqueues a job to the Redis stream using XADD (Producer)
func (r *RedisQueue) Publish(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	// "*" lets Redis generate a timestamp-based ID.
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.opts.Stream,
		Values: map[string]interface{}{
			jobField: data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// ensureGroup creates the consumer group once. MkStream guarantees the stream
// exists even if empty; starting at "0" picks up jobs published before the
// first worker came up.
func (r *RedisQueue) ensureGroup(ctx context.Context) error {
	r.groupMu.Lock()
	defer r.groupMu.Unlock()
	if r.groupReady {
		return nil
	}

	err := r.client.XGroupCreateMkStream(ctx, r.opts.Stream, r.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), busyGroupErr) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	r.groupReady = true
	return nil
}

// Receive blocks until one job is delivered to this consumer (XREADGROUP COUNT 1).
// Entries that cannot be decoded are acknowledged and skipped.
func (r *RedisQueue) Receive(ctx context.Context) (domain.Job, error) {
	if err := r.ensureGroup(ctx); err != nil {
		return domain.Job{}, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return domain.Job{}, err
		}

		// Block for a bounded time so cancellation is noticed.
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.opts.Group,
			Consumer: r.opts.Consumer,
			Streams:  []string{r.opts.Stream, ">"},
			Count:    1,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return domain.Job{}, ctx.Err()
			}
			slog.Error("Redis read error", "error", err)
			select {
			case <-ctx.Done():
				return domain.Job{}, ctx.Err()
			case <-time.After(readBackoff):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				job, err := decodeJob(msg)
				if err != nil {
					slog.Error("Dropping malformed queue entry", "msgID", msg.ID, "error", err)
					if ackErr := r.Acknowledge(ctx, msg.ID); ackErr != nil {
						slog.Error("Failed to ack malformed entry", "msgID", msg.ID, "error", ackErr)
					}
					continue
				}
				return job, nil
			}
		}
	}
}

func decodeJob(msg redis.XMessage) (domain.Job, error) {
	val, ok := msg.Values[jobField].(string)
	if !ok {
		return domain.Job{}, fmt.Errorf("missing %q field", jobField)
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		return domain.Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	// Capture the Redis Stream ID so we can ACK later
	job.RawID = msg.ID
	return job, nil
}

// Acknowledge confirms processing using XACK.
func (r *RedisQueue) Acknowledge(ctx context.Context, rawID string) error {
	if err := r.client.XAck(ctx, r.opts.Stream, r.opts.Group, rawID).Err(); err != nil {
		return fmt.Errorf("redis ack failed: %w", err)
	}
	return nil
}

// PublishResult publishes the outcome of a job on the results channel.
func (r *RedisQueue) PublishResult(ctx context.Context, result domain.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := r.client.Publish(ctx, r.opts.ResultsChannel, data).Err(); err != nil {
		return fmt.Errorf("redis result publish failed: %w", err)
	}
	return nil
}

// SubscribeResults subscribes to the results channel and streams results to a Go channel.
// The channel is closed when ctx is done.
func (r *RedisQueue) SubscribeResults(ctx context.Context) (<-chan domain.JobResult, error) {
	pubsub := r.client.Subscribe(ctx, r.opts.ResultsChannel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to results: %w", err)
	}

	outCh := make(chan domain.JobResult)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var result domain.JobResult
				if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
					slog.Error("Failed to unmarshal result", "error", err)
					continue
				}

				select {
				case outCh <- result:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}
