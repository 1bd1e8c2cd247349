package worker

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"podamp/internal/config"
	"podamp/internal/domain"
	"podamp/internal/exec"
	"podamp/internal/queue"
	"podamp/internal/store"
)

type scriptedClient struct {
	mu       sync.Mutex
	outcomes []domain.Outcome
	calls    int
}

func (c *scriptedClient) Execute(_ context.Context, _ exec.Request) domain.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i >= len(c.outcomes) {
		i = len(c.outcomes) - 1
	}
	return c.outcomes[i]
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func success() domain.Outcome {
	return domain.Outcome{Success: true, Duration: 5 * time.Millisecond}
}

func failure(class domain.ErrorClass) domain.Outcome {
	return domain.Outcome{Duration: 5 * time.Millisecond, Class: class, Message: "boom"}
}

type fixture struct {
	store store.ActivityStore
	queue queue.Queue
	cfg   config.Workers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)",
		filepath.Join(t.TempDir(), "worker.db"))
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	require.NoError(t, queue.EnsureSchema(db))

	return &fixture{
		store: store.NewSQLite(db),
		queue: queue.NewSQLite(db),
		cfg: config.Workers{
			Concurrency:    2,
			PollInterval:   10 * time.Millisecond,
			ExecTimeout:    200 * time.Millisecond,
			LockMargin:     100 * time.Millisecond,
			MaxRetries:     2,
			UnknownRetries: 1,
			BackoffBase:    5 * time.Millisecond,
			BackoffMax:     50 * time.Millisecond,
			DueTolerance:   time.Second,
		},
	}
}

// scheduleIntent creates a scheduled intent with a due job on the queue.
func (f *fixture) scheduleIntent(t *testing.T, member string) (string, domain.Job) {
	t.Helper()
	ctx := context.Background()
	id, err := f.store.CreateIntent(ctx, domain.Intent{
		PodID: "pod-a", PostID: "post-1", MemberID: member, Kind: domain.ActionLike,
	})
	require.NoError(t, err)
	due := time.Now().Add(-time.Second)
	require.NoError(t, f.store.MarkScheduled(ctx, id, due))

	job := domain.Job{
		ID:       domain.JobID(domain.ActionLike, id),
		IntentID: id,
		PodID:    "pod-a",
		PostID:   "post-1",
		MemberID: member,
		Kind:     domain.ActionLike,
		DueAt:    due,
	}
	added, err := f.queue.Enqueue(ctx, job)
	require.NoError(t, err)
	require.True(t, added)
	return id, job
}

func (f *fixture) run(t *testing.T, client exec.Client) *Pool {
	t.Helper()
	p := New(f.queue, f.store, client, f.cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = p.Shutdown(shutdownCtx)
	})
	return p
}

func (f *fixture) intentStatus(t *testing.T, id string) domain.IntentStatus {
	t.Helper()
	it, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return it.Status
}

func TestRetryDelaySchedule(t *testing.T) {
	cfg := config.Default().Workers
	p := New(nil, nil, nil, cfg, nil)

	require.Equal(t, 500*time.Millisecond, p.retryDelay(0), "first retry at the base interval")
	require.Equal(t, time.Second, p.retryDelay(1), "doubling")
	require.Equal(t, 2*time.Second, p.retryDelay(2))
	require.LessOrEqual(t, p.retryDelay(20), cfg.BackoffMax, "capped at backoff_max")
}

func TestSuccessfulExecution(t *testing.T) {
	f := newFixture(t)
	id, _ := f.scheduleIntent(t, "member-1")
	client := &scriptedClient{outcomes: []domain.Outcome{success()}}
	f.run(t, client)

	require.Eventually(t, func() bool {
		return f.intentStatus(t, id) == domain.StatusExecuted
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := f.queue.Counts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, snap.Completed)
	require.Equal(t, 1, client.callCount())
}

func TestRateLimitRetriedThenPermanentlyFailed(t *testing.T) {
	f := newFixture(t)
	id, _ := f.scheduleIntent(t, "member-1")
	client := &scriptedClient{outcomes: []domain.Outcome{failure(domain.ClassRateLimit)}}
	f.run(t, client)

	require.Eventually(t, func() bool {
		return f.intentStatus(t, id) == domain.StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	// Initial attempt plus MaxRetries retries.
	require.Equal(t, f.cfg.MaxRetries+1, client.callCount())

	it, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Contains(t, it.Reason, "rate_limit")
}

func TestTransientFailureThenSuccess(t *testing.T) {
	f := newFixture(t)
	id, _ := f.scheduleIntent(t, "member-1")
	client := &scriptedClient{outcomes: []domain.Outcome{
		failure(domain.ClassNetwork),
		success(),
	}}
	f.run(t, client)

	require.Eventually(t, func() bool {
		return f.intentStatus(t, id) == domain.StatusExecuted
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, client.callCount())
}

func TestAuthErrorFailsWithZeroRetries(t *testing.T) {
	f := newFixture(t)
	id, _ := f.scheduleIntent(t, "member-1")
	client := &scriptedClient{outcomes: []domain.Outcome{failure(domain.ClassAuth)}}
	f.run(t, client)

	require.Eventually(t, func() bool {
		return f.intentStatus(t, id) == domain.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, client.callCount(), "auth errors are never retried")
}

func TestNotFoundFailsWithZeroRetries(t *testing.T) {
	f := newFixture(t)
	id, _ := f.scheduleIntent(t, "member-1")
	client := &scriptedClient{outcomes: []domain.Outcome{failure(domain.ClassNotFound)}}
	f.run(t, client)

	require.Eventually(t, func() bool {
		return f.intentStatus(t, id) == domain.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, client.callCount())
}

func TestUnknownFailureRetriedOnce(t *testing.T) {
	f := newFixture(t)
	id, _ := f.scheduleIntent(t, "member-1")
	client := &scriptedClient{outcomes: []domain.Outcome{failure(domain.ClassUnknown)}}
	f.run(t, client)

	require.Eventually(t, func() bool {
		return f.intentStatus(t, id) == domain.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, f.cfg.UnknownRetries+1, client.callCount(),
		"unknown failures get a lower retry cap")
}

func TestOneMemberFailureDoesNotCascade(t *testing.T) {
	f := newFixture(t)
	badID, _ := f.scheduleIntent(t, "member-bad")
	goodID, _ := f.scheduleIntent(t, "member-good")

	client := &perMemberClient{outcomes: map[string]domain.Outcome{
		"member-bad":  failure(domain.ClassAuth),
		"member-good": success(),
	}}
	f.run(t, client)

	require.Eventually(t, func() bool {
		return f.intentStatus(t, badID) == domain.StatusFailed &&
			f.intentStatus(t, goodID) == domain.StatusExecuted
	}, 2*time.Second, 10*time.Millisecond)
}

type perMemberClient struct {
	mu       sync.Mutex
	outcomes map[string]domain.Outcome
}

func (c *perMemberClient) Execute(_ context.Context, req exec.Request) domain.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcomes[req.MemberID]
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	client := &scriptedClient{outcomes: []domain.Outcome{success()}}
	p := f.run(t, client)

	p.Pause()
	id, _ := f.scheduleIntent(t, "member-1")

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, client.callCount(), "paused pool must not pull jobs")
	require.Equal(t, domain.StatusScheduled, f.intentStatus(t, id))

	p.Resume()
	require.Eventually(t, func() bool {
		return f.intentStatus(t, id) == domain.StatusExecuted
	}, 2*time.Second, 10*time.Millisecond)
}

// pausingClient pauses its own pool from inside the first execution, as an
// operator hitting pause while a drain is in progress would.
type pausingClient struct {
	mu    sync.Mutex
	pool  *Pool
	calls int
}

func (c *pausingClient) Execute(context.Context, exec.Request) domain.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls == 1 {
		c.pool.Pause()
	}
	return success()
}

func (c *pausingClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestPauseStopsDrainOfReadyBacklog(t *testing.T) {
	f := newFixture(t)
	f.cfg.Concurrency = 1
	for i := 0; i < 3; i++ {
		f.scheduleIntent(t, fmt.Sprintf("member-%d", i))
	}

	client := &pausingClient{}
	p := New(f.queue, f.store, client, f.cfg, nil)
	client.pool = p

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	t.Cleanup(func() {
		cancel()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = p.Shutdown(shutdownCtx)
	})

	require.Eventually(t, func() bool {
		return client.callCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, client.callCount(), "pause must stop the rest of the ready backlog")

	stats, err := f.store.PodStats(context.Background(), "pod-a")
	require.NoError(t, err)
	require.Equal(t, 2, stats.Scheduled)

	p.Resume()
	require.Eventually(t, func() bool {
		return client.callCount() == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEarlyJobIsRequeuedNotExecuted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.CreateIntent(ctx, domain.Intent{
		PodID: "pod-a", PostID: "post-1", MemberID: "member-1", Kind: domain.ActionLike,
	})
	require.NoError(t, err)
	due := time.Now().Add(time.Hour)
	require.NoError(t, f.store.MarkScheduled(ctx, id, due))

	job := domain.Job{
		ID: domain.JobID(domain.ActionLike, id), IntentID: id,
		PodID: "pod-a", PostID: "post-1", MemberID: "member-1",
		Kind: domain.ActionLike, DueAt: due,
	}
	_, err = f.queue.Enqueue(ctx, job)
	require.NoError(t, err)

	// Force the job into running state as if a skewed clock surfaced it.
	claimed, err := f.queue.DequeueReady(ctx, due, time.Minute)
	require.NoError(t, err)

	client := &scriptedClient{outcomes: []domain.Outcome{success()}}
	p := New(f.queue, f.store, client, f.cfg, nil)
	p.process(ctx, 0, claimed)

	require.Zero(t, client.callCount(), "early job must not execute")
	requeued, err := f.queue.DequeueReady(ctx, due.Add(time.Second), time.Minute)
	require.NoError(t, err)
	require.Equal(t, job.ID, requeued.ID)
	require.Zero(t, requeued.Attempts, "early requeue is not a retry")
}

func TestShutdownIsGraceful(t *testing.T) {
	f := newFixture(t)
	client := &scriptedClient{outcomes: []domain.Outcome{success()}}
	p := New(f.queue, f.store, client, f.cfg, nil)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		running, _ := p.Status()
		return running
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	<-done

	running, _ := p.Status()
	require.False(t, running)
}
