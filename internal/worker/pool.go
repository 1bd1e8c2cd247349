// Package worker executes due engagement jobs with bounded concurrency,
// classifies outcomes, and drives the retry policy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"podamp/internal/config"
	"podamp/internal/domain"
	"podamp/internal/exec"
	"podamp/internal/metrics"
	"podamp/internal/queue"
	"podamp/internal/store"
)

// Pool is a fixed-size set of executors pulling from the dispatch queue.
// It is constructed explicitly and injected into callers; there is no
// process-global instance.
type Pool struct {
	queue   queue.Queue
	store   store.ActivityStore
	client  exec.Client
	cfg     config.Workers
	metrics *metrics.Execution
	limiter *rate.Limiter

	paused   atomic.Bool
	running  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New builds a Pool. metrics may be nil.
func New(q queue.Queue, st store.ActivityStore, client exec.Client, cfg config.Workers, m *metrics.Execution) *Pool {
	limit := rate.Inf
	if cfg.ExecRateLimit > 0 {
		limit = rate.Limit(cfg.ExecRateLimit)
	}
	return &Pool{
		queue:   q,
		store:   st,
		client:  client,
		cfg:     cfg,
		metrics: m,
		limiter: rate.NewLimiter(limit, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run starts the executors and blocks until the pool is shut down or ctx is
// cancelled. In-flight executions are not interrupted by ctx; they run under
// their own timeout so the external platform never sees a half-finished call.
func (p *Pool) Run(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	workers := pool.New().WithMaxGoroutines(p.cfg.Concurrency + 1)
	for i := 0; i < p.cfg.Concurrency; i++ {
		id := i
		workers.Go(func() { p.loop(ctx, id) })
	}
	workers.Go(func() { p.janitor(ctx) })
	workers.Wait()
	close(p.done)
}

// Pause stops the pool from pulling new jobs; in-flight jobs finish.
func (p *Pool) Pause() { p.paused.Store(true) }

// Resume restarts job pulling after a Pause.
func (p *Pool) Resume() { p.paused.Store(false) }

// Status reports the pool's running and paused flags.
func (p *Pool) Status() (running, paused bool) {
	return p.running.Load(), p.paused.Load()
}

// Shutdown stops pulling and waits for in-flight work until ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
}

func (p *Pool) loop(ctx context.Context, id int) {
	t := time.NewTicker(p.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case now := <-t.C:
			for {
				// Re-checked per job so a pause or shutdown lands mid-drain
				// instead of after the whole ready backlog.
				if p.paused.Load() {
					break
				}
				select {
				case <-ctx.Done():
					return
				case <-p.stop:
					return
				default:
				}
				job, err := p.queue.DequeueReady(ctx, now, p.cfg.LockDuration())
				if errors.Is(err, queue.ErrEmpty) {
					break
				}
				if err != nil {
					log.Error().Err(err).Int("worker", id).Msg("dequeue failed")
					break
				}
				p.process(ctx, id, job)
			}
		}
	}
}

// janitor returns jobs with expired leases to the queue.
func (p *Pool) janitor(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case now := <-t.C:
			if n, err := p.queue.RecoverStale(ctx, now); err != nil {
				log.Error().Err(err).Msg("stale recovery failed")
			} else if n > 0 {
				log.Warn().Int("recovered", n).Msg("recovered jobs with expired leases")
			}
		}
	}
}

func (p *Pool) process(ctx context.Context, id int, job domain.Job) {
	// Defensive against clock skew: a job surfacing well before its due
	// time goes back with the remaining delay instead of executing early.
	if remaining := time.Until(job.DueAt); remaining > p.cfg.DueTolerance {
		if err := p.queue.Requeue(ctx, job.ID, remaining); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("early requeue failed")
		}
		return
	}

	// Shutdown must not cut an execution mid-call; the job runs to its own
	// timeout regardless of the pool's context.
	jobCtx := context.WithoutCancel(ctx)

	renewCtx, stopRenewal := context.WithCancel(jobCtx)
	defer stopRenewal()
	go p.renewLease(renewCtx, job.ID)

	if err := p.limiter.Wait(jobCtx); err != nil {
		_ = p.queue.Requeue(jobCtx, job.ID, 0)
		return
	}

	execCtx, cancel := context.WithTimeout(jobCtx, p.cfg.ExecTimeout)
	out := p.client.Execute(execCtx, exec.Request{
		MemberID: job.MemberID,
		Kind:     job.Kind,
		PostID:   job.PostID,
	})
	cancel()
	stopRenewal()

	p.metrics.RecordAttempt(jobCtx, job.Kind, out)

	if out.Success {
		p.complete(jobCtx, id, job, out)
		return
	}
	p.handleFailure(jobCtx, id, job, out)
}

// renewLease extends the job's lock at half the lock duration so a
// legitimately slow execution never loses ownership mid-flight.
func (p *Pool) renewLease(ctx context.Context, jobID string) {
	t := time.NewTicker(p.cfg.LockDuration() / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.queue.ExtendLease(ctx, jobID, time.Now().Add(p.cfg.LockDuration())); err != nil {
				log.Warn().Err(err).Str("job_id", jobID).Msg("lease renewal failed")
			}
		}
	}
}

func (p *Pool) complete(ctx context.Context, id int, job domain.Job, out domain.Outcome) {
	if err := p.store.MarkExecuted(ctx, job.IntentID, time.Now()); err != nil {
		// The action already happened on the platform; the intent stays
		// scheduled for operators to reconcile from this log line.
		log.Error().Err(err).Str("intent_id", job.IntentID).Msg("could not persist executed state")
	}
	if err := p.queue.Ack(ctx, job.ID, out.Duration); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("ack failed")
	}
	log.Info().
		Int("worker", id).
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Dur("duration", out.Duration).
		Msg("engagement executed")
}

func (p *Pool) handleFailure(ctx context.Context, id int, job domain.Job, out domain.Outcome) {
	limit := p.retryLimit(out.Class)
	if out.Class.Retryable() && job.Attempts < limit {
		delay := p.retryDelay(job.Attempts)
		p.metrics.RecordRetry(ctx, job.Kind, out.Class)
		if err := p.queue.Nack(ctx, job.ID, delay); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("nack failed")
		}
		log.Warn().
			Int("worker", id).
			Str("job_id", job.ID).
			Str("classification", string(out.Class)).
			Int("attempt", job.Attempts+1).
			Dur("backoff", delay).
			Msg("transient failure, retry scheduled")
		return
	}

	reason := string(out.Class)
	if out.Message != "" {
		reason = fmt.Sprintf("%s: %s", out.Class, out.Message)
	}
	if err := p.store.MarkFailed(ctx, job.IntentID, reason); err != nil {
		log.Error().Err(err).Str("intent_id", job.IntentID).Msg("could not persist failed state")
	}
	if err := p.queue.Fail(ctx, job.ID, reason); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("fail mark failed")
	}
	log.Error().
		Int("worker", id).
		Str("job_id", job.ID).
		Str("classification", string(out.Class)).
		Int("attempts", job.Attempts).
		Msg("engagement permanently failed")
}

// retryLimit caps unknown classifications lower than the general maximum so
// new failure modes surface instead of being masked by retries.
func (p *Pool) retryLimit(class domain.ErrorClass) int {
	if class == domain.ClassUnknown {
		return p.cfg.UnknownRetries
	}
	return p.cfg.MaxRetries
}

// retryDelay derives the backoff for the given completed attempt count:
// base for the first retry, doubling after, capped at the configured max.
func (p *Pool) retryDelay(attempts int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.BackoffBase
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = p.cfg.BackoffMax

	d := bo.NextBackOff()
	for i := 0; i < attempts; i++ {
		d = bo.NextBackOff()
	}
	return d
}
