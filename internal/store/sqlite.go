package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"thsrsniper/internal/domain"
)

// EnsureSchema creates the tasks table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  owner TEXT NOT NULL DEFAULT '',
  journey BLOB NOT NULL,
  interval_ns INTEGER NOT NULL,
  max_attempts INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL CHECK(status IN ('pending','running','success','failed','cancelled','expired')) DEFAULT 'pending',
  attempts INTEGER NOT NULL DEFAULT 0,
  result TEXT NOT NULL DEFAULT '',
  last_error TEXT NOT NULL DEFAULT '',
  cancel_requested INTEGER NOT NULL DEFAULT 0,
  last_attempt_at DATETIME,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL,
  version INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner, created_at);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteStore struct{ db *sql.DB }

// NewSQLite returns a Store backed by the given SQLite handle. Writes go
// through transactions, so a crash mid-write leaves the previously
// committed row intact.
func NewSQLite(db *sql.DB) Store { return &sqliteStore{db: db} }

const taskColumns = `id,owner,journey,interval_ns,max_attempts,status,attempts,result,last_error,cancel_requested,last_attempt_at,created_at,updated_at,version`

func (s *sqliteStore) Create(ctx context.Context, t *domain.Task) (string, error) {
	if t.ID == "" {
		t.ID = NewID()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = domain.StatusPending
	}
	t.Version = 1

	journey, err := json.Marshal(t.Journey)
	if err != nil {
		return "", ioErr("create", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", ioErr("create", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, t.ID).Scan(&exists)
	if err == nil {
		return "", ErrDuplicateID
	}
	if err != sql.ErrNoRows {
		return "", ioErr("create", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Owner, journey, int64(t.Interval), t.MaxAttempts, string(t.Status),
		t.Attempts, t.Result, t.LastError, boolInt(t.CancelRequested),
		nullTime(t.LastAttemptAt), t.CreatedAt, t.UpdatedAt, t.Version)
	if err != nil {
		return "", ioErr("create", err)
	}
	if err := tx.Commit(); err != nil {
		return "", ioErr("create", err)
	}
	return t.ID, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ioErr("get", err)
	}
	return t, nil
}

func (s *sqliteStore) List(ctx context.Context, f Filter) ([]*domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.Status != nil {
		q += ` AND status=?`
		args = append(args, string(*f.Status))
	}
	if f.Owner != "" {
		q += ` AND owner=?`
		args = append(args, f.Owner)
	}
	q += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, ioErr("list", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, ioErr("list", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("list", err)
	}
	return tasks, nil
}

func (s *sqliteStore) Update(ctx context.Context, t *domain.Task) error {
	journey, err := json.Marshal(t.Journey)
	if err != nil {
		return ioErr("update", err)
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
UPDATE tasks
SET owner=?, journey=?, interval_ns=?, max_attempts=?, status=?, attempts=?,
    result=?, last_error=?, cancel_requested=?, last_attempt_at=?,
    updated_at=?, version=version+1
WHERE id=? AND version=?`,
		t.Owner, journey, int64(t.Interval), t.MaxAttempts, string(t.Status),
		t.Attempts, t.Result, t.LastError, boolInt(t.CancelRequested),
		nullTime(t.LastAttemptAt), now, t.ID, t.Version)
	if err != nil {
		return ioErr("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ioErr("update", err)
	}
	if n == 0 {
		// Distinguish a missing row from a version race.
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, t.ID).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return ioErr("update", err)
		}
		return ErrConflict
	}
	t.Version++
	t.UpdatedAt = now
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return ioErr("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ioErr("delete", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	var journey []byte
	var status string
	var intervalNS int64
	var cancel int
	var lastAttempt sql.NullTime
	err := row.Scan(&t.ID, &t.Owner, &journey, &intervalNS, &t.MaxAttempts, &status,
		&t.Attempts, &t.Result, &t.LastError, &cancel, &lastAttempt,
		&t.CreatedAt, &t.UpdatedAt, &t.Version)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(journey, &t.Journey); err != nil {
		return nil, err
	}
	st, err := domain.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	t.Status = st
	t.Interval = time.Duration(intervalNS)
	t.CancelRequested = cancel != 0
	if lastAttempt.Valid {
		ts := lastAttempt.Time
		t.LastAttemptAt = &ts
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
