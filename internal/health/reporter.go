// Package health aggregates queue and worker state for the status endpoint.
package health

import (
	"context"

	"github.com/rs/zerolog/log"

	"podamp/internal/domain"
	"podamp/internal/queue"
)

// WorkerStatus exposes the worker pool's running/paused flags.
type WorkerStatus interface {
	Status() (running, paused bool)
}

// Reporter produces read-only snapshots. It never mutates anything and never
// propagates a backend failure: an unreadable queue yields zeroed counts with
// Healthy=false.
type Reporter struct {
	queue queue.Queue
	pool  WorkerStatus
}

// New builds a Reporter. pool may be nil when no worker pool runs in this
// process.
func New(q queue.Queue, pool WorkerStatus) *Reporter {
	return &Reporter{queue: q, pool: pool}
}

// Snapshot aggregates current queue counts and worker flags.
func (r *Reporter) Snapshot(ctx context.Context) domain.QueueSnapshot {
	snap, err := r.queue.Counts(ctx)
	if err != nil {
		log.Error().Err(err).Msg("queue snapshot unavailable")
		snap = domain.QueueSnapshot{Healthy: false}
	}
	if r.pool != nil {
		snap.Running, snap.Paused = r.pool.Status()
	}
	return snap
}
