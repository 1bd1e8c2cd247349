// Package store persists engagement intents and their status transitions.
package store

import (
	"context"
	"errors"
	"time"

	"podamp/internal/domain"
)

var (
	ErrNotFound = errors.New("intent not found")
	// ErrConflict means the intent was not in the status the transition
	// requires. Transitions are monotonic; a conflicting update is dropped,
	// never applied out of order.
	ErrConflict = errors.New("conflicting status transition")
)

// PostRef identifies a post that still has pending intents.
type PostRef struct {
	PodID  string
	PostID string
}

// ActivityStore is the adapter over the persistent store holding intents.
// The scheduler exclusively owns pending->scheduled; the worker pool
// exclusively owns scheduled->terminal.
type ActivityStore interface {
	CreateIntent(ctx context.Context, it domain.Intent) (string, error)
	Get(ctx context.Context, id string) (domain.Intent, error)
	PendingForPost(ctx context.Context, postID string) ([]domain.Intent, error)
	PostsWithPending(ctx context.Context) ([]PostRef, error)

	MarkScheduled(ctx context.Context, id string, dueAt time.Time) error
	MarkExecuted(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error

	// RevertToPending is the one backward transition: it compensates a
	// failed enqueue so a scheduled intent never exists without a queue job.
	RevertToPending(ctx context.Context, id string) error

	CancelPending(ctx context.Context, podID, reason string) (int, error)
	CancelIntents(ctx context.Context, ids []string, reason string) (int, error)

	PodStats(ctx context.Context, podID string) (domain.PodStats, error)
}
