// Package scheduler turns pending engagement intents into timed jobs on the
// dispatch queue.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"podamp/internal/config"
	"podamp/internal/delay"
	"podamp/internal/domain"
	"podamp/internal/queue"
	"podamp/internal/store"
)

// Scheduler owns the pending->scheduled transition. It applies the per-post
// like cap, computes staggered due times within the scheduled subset, and
// enqueues the corresponding jobs idempotently.
type Scheduler struct {
	store store.ActivityStore
	queue queue.Queue
	calc  *delay.Calculator
	cfg   config.Scheduling
	now   func() time.Time
}

// New builds a Scheduler.
func New(st store.ActivityStore, q queue.Queue, calc *delay.Calculator, cfg config.Scheduling) *Scheduler {
	return &Scheduler{store: st, queue: q, calc: calc, cfg: cfg, now: time.Now}
}

// kindOrder fixes the grouping order so repeated passes are deterministic.
var kindOrder = []domain.ActionKind{domain.ActionLike, domain.ActionRepost, domain.ActionComment}

// SchedulePost runs one scheduling pass for a post. A store read failure
// aborts the whole batch; a per-intent write failure is logged and skipped,
// leaving that intent pending for the next pass.
func (s *Scheduler) SchedulePost(ctx context.Context, podID, postID string) ([]domain.Job, error) {
	intents, err := s.store.PendingForPost(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("fetch pending intents for %s: %w", postID, err)
	}
	if len(intents) == 0 {
		return nil, nil
	}

	groups := make(map[domain.ActionKind][]domain.Intent)
	for _, it := range intents {
		groups[it.Kind] = append(groups[it.Kind], it)
	}

	// Only the first cap like-intents are scheduled this pass; the rest
	// stay pending for a later cap window.
	if likes := groups[domain.ActionLike]; len(likes) > s.cfg.LikeCap {
		groups[domain.ActionLike] = likes[:s.cfg.LikeCap]
	}

	var jobs []domain.Job
	memberLast := make(map[string]time.Time)

	for _, kind := range kindOrder {
		cohort := groups[kind]
		for i, it := range cohort {
			d, dueAt := s.calc.Compute(kind, i, len(cohort))

			// Two actions for the same member never land closer together
			// than the configured spacing.
			if last, ok := memberLast[it.MemberID]; ok {
				if floor := last.Add(s.cfg.MemberSpacing); dueAt.Before(floor) {
					dueAt = floor
					d = dueAt.Sub(s.now())
				}
			}
			memberLast[it.MemberID] = dueAt

			if err := s.store.MarkScheduled(ctx, it.ID, dueAt); err != nil {
				log.Warn().Err(err).
					Str("intent_id", it.ID).
					Str("post_id", postID).
					Msg("could not persist schedule; intent stays pending")
				continue
			}

			job := domain.Job{
				ID:       domain.JobID(kind, it.ID),
				IntentID: it.ID,
				PodID:    podID,
				PostID:   postID,
				MemberID: it.MemberID,
				Kind:     kind,
				DueAt:    dueAt,
				Delay:    d,
			}
			added, err := s.queue.Enqueue(ctx, job)
			if err != nil {
				// An intent marked scheduled without a queue job would never
				// be picked up again; return it to pending for the next pass.
				log.Error().Err(err).
					Str("job_id", job.ID).
					Msg("enqueue failed; intent returned to pending")
				if rerr := s.store.RevertToPending(ctx, it.ID); rerr != nil {
					log.Error().Err(rerr).
						Str("intent_id", it.ID).
						Msg("could not return intent to pending")
				}
				continue
			}
			if !added {
				log.Debug().Str("job_id", job.ID).Msg("job already enqueued")
			}
			jobs = append(jobs, job)
		}
	}

	log.Info().
		Str("pod_id", podID).
		Str("post_id", postID).
		Int("pending", len(intents)).
		Int("scheduled", len(jobs)).
		Msg("scheduling pass complete")
	return jobs, nil
}

// SweepOnce schedules every post that still has pending intents. Store
// unavailability degrades to a logged no-op rather than an error to callers.
func (s *Scheduler) SweepOnce(ctx context.Context) {
	refs, err := s.store.PostsWithPending(ctx)
	if err != nil {
		log.Error().Err(err).Msg("sweep: could not list posts with pending intents")
		return
	}
	for _, ref := range refs {
		if _, err := s.SchedulePost(ctx, ref.PodID, ref.PostID); err != nil {
			log.Error().Err(err).
				Str("pod_id", ref.PodID).
				Str("post_id", ref.PostID).
				Msg("sweep: scheduling pass failed")
		}
	}
}

// CancelPod aborts a pod's amplification: every pending intent and every
// queued (not yet executing) job is marked failed with the given reason.
// Executing jobs are left to finish and report their own outcome.
func (s *Scheduler) CancelPod(ctx context.Context, podID, reason string) (int, error) {
	intentIDs, err := s.queue.RemovePod(ctx, podID)
	if err != nil {
		return 0, fmt.Errorf("remove queued jobs for pod %s: %w", podID, err)
	}
	cancelled, err := s.store.CancelIntents(ctx, intentIDs, reason)
	if err != nil {
		return 0, fmt.Errorf("cancel scheduled intents: %w", err)
	}
	pending, err := s.store.CancelPending(ctx, podID, reason)
	if err != nil {
		return cancelled, fmt.Errorf("cancel pending intents: %w", err)
	}
	log.Info().
		Str("pod_id", podID).
		Int("cancelled", cancelled+pending).
		Msg("pod amplification cancelled")
	return cancelled + pending, nil
}

// Sweeper drives periodic scheduling passes on a cron cadence.
type Sweeper struct {
	sched *Scheduler
	cron  *cron.Cron
}

// NewSweeper wires the sweep onto the given cron spec (e.g. "@every 1m").
// An invalid spec is a configuration error and fails construction.
func NewSweeper(s *Scheduler, spec string) (*Sweeper, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		s.SweepOnce(context.Background())
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep spec %q: %w", spec, err)
	}
	return &Sweeper{sched: s, cron: c}, nil
}

// Start begins cron-driven sweeps.
func (w *Sweeper) Start() {
	w.cron.Start()
	log.Info().Msg("sweep service started")
}

// Stop halts the cadence and waits for a running sweep to finish.
func (w *Sweeper) Stop() {
	ctx := w.cron.Stop()
	<-ctx.Done()
}
