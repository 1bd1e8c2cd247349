// Package queue provides the durable, delayed-visibility dispatch queue
// that holds engagement jobs until they come due.
package queue

import (
	"context"
	"errors"
	"time"

	"podamp/internal/domain"
)

// ErrEmpty is returned by DequeueReady when no job is due.
var ErrEmpty = errors.New("no jobs ready")

// Queue is a durable FIFO-by-due-time queue. Jobs are invisible to workers
// before their due time and, once dequeued, invisible to other workers for
// the lease duration. Enqueueing an id that already exists is a no-op.
type Queue interface {
	// Enqueue adds a job due at job.DueAt. Returns false when a job with
	// the same id already exists (idempotent scheduling).
	Enqueue(ctx context.Context, job domain.Job) (bool, error)

	// DequeueReady claims the earliest due job and hides it from other
	// workers until now+lock. Returns ErrEmpty when nothing is due.
	DequeueReady(ctx context.Context, now time.Time, lock time.Duration) (domain.Job, error)

	// Ack marks a claimed job completed, recording its processing time.
	Ack(ctx context.Context, id string, processing time.Duration) error

	// Nack returns a claimed job to the queue after the given backoff with
	// its attempt counter incremented.
	Nack(ctx context.Context, id string, backoff time.Duration) error

	// Requeue returns a claimed job to the queue after delay without
	// counting an attempt (used when a job surfaced before its due time).
	Requeue(ctx context.Context, id string, delay time.Duration) error

	// Fail marks a claimed job terminally failed.
	Fail(ctx context.Context, id, reason string) error

	// ExtendLease pushes a running job's lease out to the given time.
	ExtendLease(ctx context.Context, id string, until time.Time) error

	// RecoverStale returns jobs whose lease expired to the queue.
	RecoverStale(ctx context.Context, now time.Time) (int, error)

	// RemovePod removes every queued (not running) job for the pod and
	// returns the intent ids of the removed jobs.
	RemovePod(ctx context.Context, podID string) ([]string, error)

	// Counts aggregates queue depth by state plus average processing time.
	Counts(ctx context.Context) (domain.QueueSnapshot, error)

	// Prune drops completed/failed jobs finished before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}
