package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const recoveryConsumer = "recovery-agent"

// StartRecoveryRoutine periodically runs Recover until ctx is done.
func (r *RedisQueue) StartRecoveryRoutine(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("Starting Redis Recovery Routine", "interval", interval, "maxAge", maxAge)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Recover(ctx, maxAge); err != nil && ctx.Err() == nil {
				slog.Error("Recovery routine failed", "error", err)
			}
		}
	}
}

// Recover claims entries pending for longer than maxAge (XAUTOCLAIM) and
// acknowledges them. Jobs are never re-run: a worker that died mid-job leaves
// a session whose client has long since seen the sandbox vanish.
func (r *RedisQueue) Recover(ctx context.Context, maxAge time.Duration) (int, error) {
	if err := r.ensureGroup(ctx); err != nil {
		return 0, err
	}

	recovered := 0
	start := "-"
	for {
		messages, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.opts.Stream,
			Group:    r.opts.Group,
			MinIdle:  maxAge,
			Start:    start,
			Count:    10,
			Consumer: recoveryConsumer,
		}).Result()
		if err != nil {
			return recovered, err
		}

		for _, msg := range messages {
			slog.Warn("Stale job claimed by recovery agent, acknowledging", "msgID", msg.ID)
			if err := r.Acknowledge(ctx, msg.ID); err != nil {
				return recovered, err
			}
			recovered++
		}

		if len(messages) == 0 || next == "0-0" {
			break
		}
		start = next
	}

	if recovered > 0 {
		slog.Info("Recovered stale jobs", "count", recovered)
	}
	return recovered, nil
}
