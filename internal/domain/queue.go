package domain

import "context"

// JobQueue defines the contract for a distributed job queue.
// It decouples the application from the underlying message broker (Redis, RabbitMQ, etc.).
type JobQueue interface {
	// Publish enqueues a job for processing.
	Publish(ctx context.Context, job Job) error

	// Receive blocks until exactly one job is delivered to this consumer.
	// The job stays pending until it is acknowledged.
	Receive(ctx context.Context) (Job, error)

	// Acknowledge confirms that a job has been handled.
	// This removes it from the Pending Entry list (PEL).
	Acknowledge(ctx context.Context, rawID string) error

	// PublishResult broadcasts the outcome of a handled job.
	PublishResult(ctx context.Context, result JobResult) error

	// SubscribeResults streams results broadcast by all workers.
	SubscribeResults(ctx context.Context) (<-chan JobResult, error)
}
