package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"podamp/internal/domain"
)

// EnsureSchema creates the intents table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS intents (
  id TEXT PRIMARY KEY,
  pod_id TEXT NOT NULL,
  post_id TEXT NOT NULL,
  member_id TEXT NOT NULL,
  kind TEXT NOT NULL CHECK(kind IN ('like','comment','repost')),
  status TEXT NOT NULL CHECK(status IN ('pending','scheduled','executed','failed')) DEFAULT 'pending',
  reason TEXT NOT NULL DEFAULT '',
  scheduled_for DATETIME,
  executed_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_intents_post_status ON intents(post_id, status, created_at);
CREATE INDEX IF NOT EXISTS idx_intents_pod_status ON intents(pod_id, status);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteStore struct{ db *sql.DB }

// NewSQLite returns an ActivityStore backed by the given database.
func NewSQLite(db *sql.DB) ActivityStore { return &sqliteStore{db: db} }

const intentCols = `id,pod_id,post_id,member_id,kind,status,reason,scheduled_for,executed_at,created_at,updated_at`

func scanIntent(row interface{ Scan(...any) error }) (domain.Intent, error) {
	var it domain.Intent
	var kind, status string
	var schedFor, execAt sql.NullTime
	err := row.Scan(&it.ID, &it.PodID, &it.PostID, &it.MemberID, &kind, &status,
		&it.Reason, &schedFor, &execAt, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return domain.Intent{}, err
	}
	it.Kind = domain.ActionKind(kind)
	it.Status = domain.IntentStatus(status)
	if schedFor.Valid {
		t := schedFor.Time
		it.ScheduledFor = &t
	}
	if execAt.Valid {
		t := execAt.Time
		it.ExecutedAt = &t
	}
	return it, nil
}

func (s *sqliteStore) CreateIntent(ctx context.Context, it domain.Intent) (string, error) {
	id := it.ID
	if id == "" {
		id = "int_" + uuid.NewString()
	}
	if !it.Kind.Valid() {
		return "", fmt.Errorf("invalid action kind %q", it.Kind)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO intents (id,pod_id,post_id,member_id,kind,status,created_at,updated_at)
VALUES (?,?,?,?,?,'pending',CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, it.PodID, it.PostID, it.MemberID, string(it.Kind))
	return id, err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (domain.Intent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+intentCols+` FROM intents WHERE id=?`, id)
	it, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return domain.Intent{}, ErrNotFound
	}
	return it, err
}

func (s *sqliteStore) PendingForPost(ctx context.Context, postID string) ([]domain.Intent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+intentCols+` FROM intents
WHERE post_id=? AND status='pending'
ORDER BY created_at ASC, id ASC`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []domain.Intent
	for rows.Next() {
		it, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, it)
	}
	return intents, rows.Err()
}

func (s *sqliteStore) PostsWithPending(ctx context.Context) ([]PostRef, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT pod_id, post_id FROM intents WHERE status='pending' ORDER BY pod_id, post_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []PostRef
	for rows.Next() {
		var r PostRef
		if err := rows.Scan(&r.PodID, &r.PostID); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// transition applies a guarded status update and reports ErrConflict when
// the row was not in the required prior status.
func (s *sqliteStore) transition(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqliteStore) MarkScheduled(ctx context.Context, id string, dueAt time.Time) error {
	return s.transition(ctx, `
UPDATE intents SET status='scheduled', scheduled_for=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='pending'`, dueAt.UTC(), id)
}

func (s *sqliteStore) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, `
UPDATE intents SET status='executed', executed_at=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='scheduled'`, at.UTC(), id)
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx, `
UPDATE intents SET status='failed', reason=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='scheduled'`, reason, id)
}

func (s *sqliteStore) RevertToPending(ctx context.Context, id string) error {
	return s.transition(ctx, `
UPDATE intents SET status='pending', scheduled_for=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='scheduled'`, id)
}

func (s *sqliteStore) CancelPending(ctx context.Context, podID, reason string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE intents SET status='failed', reason=?, updated_at=CURRENT_TIMESTAMP
WHERE pod_id=? AND status='pending'`, reason, podID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) CancelIntents(ctx context.Context, ids []string, reason string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, reason)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE intents SET status='failed', reason=?, updated_at=CURRENT_TIMESTAMP
WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`) AND status IN ('pending','scheduled')`, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) PodStats(ctx context.Context, podID string) (domain.PodStats, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT
  COALESCE(SUM(CASE WHEN status='pending' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN status='scheduled' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN status='executed' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END),0)
FROM intents WHERE pod_id=?`, podID)
	var st domain.PodStats
	err := row.Scan(&st.Pending, &st.Scheduled, &st.Executed, &st.Failed)
	return st, err
}
