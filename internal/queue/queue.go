package queue

import (
	"context"
	"time"
)

// Queue is the broker abstraction the scheduler runs against. Implementations
// must guarantee that DequeueWithLease hands a given job to at most one caller
// until the lease expires or is acked.
type Queue interface {
	// Enqueue makes a job ready immediately, or scheduled if runAt is in the
	// future.
	Enqueue(ctx context.Context, jobID, priority string, runAt time.Time) error
	// Schedule defers a job until runAt.
	Schedule(ctx context.Context, jobID, priority string, runAt time.Time) error
	// PromoteScheduled moves due scheduled jobs into their ready queues.
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	// DequeueWithLease atomically pops one ready job for the priority and
	// starts a visibility-timeout lease. Empty string means no work.
	DequeueWithLease(ctx context.Context, priority string) (string, error)
	// ExtendLease pushes the lease deadline forward for an in-flight job.
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	// Ack releases the lease and forgets the job.
	Ack(ctx context.Context, jobID string) error
	// RequeueExpired reclaims jobs whose lease ran out, returning their ids.
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	// Cancel removes a job from ready, scheduled, and in-flight tracking.
	Cancel(ctx context.Context, jobID string) error
	// ReadyDepth reports the total ready backlog across priorities.
	ReadyDepth(ctx context.Context) (int64, error)
}
