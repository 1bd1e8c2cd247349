package queue

import (
	"context"
	"database/sql"
	"time"

	"podamp/internal/domain"
)

// EnsureSchema creates the jobs table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  intent_id TEXT NOT NULL,
  pod_id TEXT NOT NULL,
  post_id TEXT NOT NULL,
  member_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('queued','running','completed','failed')) DEFAULT 'queued',
  due_at DATETIME NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  lease_until DATETIME,
  reason TEXT NOT NULL DEFAULT '',
  proc_ms INTEGER,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(state, due_at);
CREATE INDEX IF NOT EXISTS idx_jobs_pod ON jobs(pod_id, state);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteQueue struct{ db *sql.DB }

// NewSQLite returns a Queue backed by the given database. SQLite's single
// writer plus a serializable claim transaction guarantees a job is handed to
// at most one worker.
func NewSQLite(db *sql.DB) Queue { return &sqliteQueue{db: db} }

func (q *sqliteQueue) Enqueue(ctx context.Context, job domain.Job) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
INSERT OR IGNORE INTO jobs (id,intent_id,pod_id,post_id,member_id,kind,state,due_at,attempts,created_at,updated_at)
VALUES (?,?,?,?,?,?, 'queued', ?, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
`, job.ID, job.IntentID, job.PodID, job.PostID, job.MemberID, string(job.Kind), job.DueAt.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (q *sqliteQueue) DequeueReady(ctx context.Context, now time.Time, lock time.Duration) (domain.Job, error) {
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Job{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT id,intent_id,pod_id,post_id,member_id,kind,due_at,attempts
FROM jobs
WHERE state='queued' AND due_at <= ?
ORDER BY due_at ASC, created_at ASC
LIMIT 1
`, now.UTC())
	var j domain.Job
	var kind string
	err = row.Scan(&j.ID, &j.IntentID, &j.PodID, &j.PostID, &j.MemberID, &kind, &j.DueAt, &j.Attempts)
	if err == sql.ErrNoRows {
		err = nil
		_ = tx.Rollback()
		return domain.Job{}, ErrEmpty
	}
	if err != nil {
		return domain.Job{}, err
	}
	j.Kind = domain.ActionKind(kind)

	_, err = tx.ExecContext(ctx, `
UPDATE jobs SET state='running', lease_until=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		now.Add(lock).UTC(), j.ID)
	if err != nil {
		return domain.Job{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func (q *sqliteQueue) Ack(ctx context.Context, id string, processing time.Duration) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE jobs SET state='completed', proc_ms=?, lease_until=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND state='running'`, processing.Milliseconds(), id)
	return err
}

func (q *sqliteQueue) Nack(ctx context.Context, id string, backoff time.Duration) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE jobs SET state='queued', attempts=attempts+1, due_at=?, lease_until=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND state='running'`, time.Now().Add(backoff).UTC(), id)
	return err
}

func (q *sqliteQueue) Requeue(ctx context.Context, id string, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE jobs SET state='queued', due_at=?, lease_until=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND state='running'`, time.Now().Add(delay).UTC(), id)
	return err
}

func (q *sqliteQueue) Fail(ctx context.Context, id, reason string) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE jobs SET state='failed', reason=?, lease_until=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND state='running'`, reason, id)
	return err
}

func (q *sqliteQueue) ExtendLease(ctx context.Context, id string, until time.Time) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE jobs SET lease_until=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND state='running'`, until.UTC(), id)
	return err
}

func (q *sqliteQueue) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE jobs SET state='queued', lease_until=NULL, updated_at=CURRENT_TIMESTAMP
WHERE state='running' AND lease_until < ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *sqliteQueue) RemovePod(ctx context.Context, podID string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT intent_id FROM jobs WHERE pod_id=? AND state='queued'`, podID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intentIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		intentIDs = append(intentIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(intentIDs) == 0 {
		return nil, nil
	}
	if _, err := q.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE pod_id=? AND state='queued'`, podID); err != nil {
		return nil, err
	}
	return intentIDs, nil
}

func (q *sqliteQueue) Counts(ctx context.Context) (domain.QueueSnapshot, error) {
	now := time.Now().UTC()
	row := q.db.QueryRowContext(ctx, `
SELECT
  COALESCE(SUM(CASE WHEN state='queued' AND due_at <= ? THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN state='running' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN state='queued' AND due_at > ? THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN state='completed' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN state='failed' THEN 1 ELSE 0 END),0),
  COALESCE(AVG(CASE WHEN state='completed' THEN proc_ms END),0)
FROM jobs`, now, now)
	var snap domain.QueueSnapshot
	var avgMS float64
	if err := row.Scan(&snap.Waiting, &snap.Active, &snap.Delayed,
		&snap.Completed, &snap.Failed, &avgMS); err != nil {
		return domain.QueueSnapshot{}, err
	}
	snap.AvgProcessing = time.Duration(avgMS * float64(time.Millisecond))
	snap.Healthy = true
	return snap, nil
}

func (q *sqliteQueue) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, `
DELETE FROM jobs WHERE state IN ('completed','failed') AND updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
