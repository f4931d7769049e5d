// Package persistent implements the Persistent Queued Delivery strategy
// a durable write-ahead queue backed by modernc.org/sqlite, with a
// single background worker dequeuing via BEGIN IMMEDIATE transactions, and
// the read/admin operations the queue maintenance tool needs.
package persistent

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL,
	next_attempt_at INTEGER NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL CHECK (status IN ('QUEUED','INFLIGHT','FAILED','DONE')),
	payload BLOB NOT NULL,
	last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_status_next_attempt ON queue(status, next_attempt_at);
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT
);
`

// Status values for queue rows (exactly one of
// these at any time).
const (
	StatusQueued  = "QUEUED"
	StatusInflight = "INFLIGHT"
	StatusFailed  = "FAILED"
	StatusDone    = "DONE"
)

// Row is one queue table entry.
type Row struct {
	ID            int64
	CreatedAt     time.Time
	NextAttemptAt time.Time
	AttemptCount  int
	Status        string
	Payload       []byte
	LastError     string
}

// Store wraps the embedded sqlite database backing the durable queue.
type Store struct {
	db *sql.DB
}

// OpenStore creates (if needed) and opens the queue database at path in
// WAL mode with a bounded connection pool, mirroring the teacher's
// SQLiteStorage construction pattern.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("persistent: create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistent: open db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistent: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persistent: init schema: %w", err)
	}

	if path != ":memory:" {
		_ = os.Chmod(path, 0600)
	}
	return &Store{db: db}, nil
}

// Close idempotently releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enqueue durably inserts payload as a new QUEUED row, fsync-backed by
// the WAL synchronous=FULL pragma, and returns its row id.
func (s *Store) Enqueue(ctx context.Context, payload []byte) (int64, error) {
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queue (created_at, next_attempt_at, attempt_count, status, payload) VALUES (?, ?, 0, ?, ?)`,
		now, now, StatusQueued, payload)
	if err != nil {
		return 0, fmt.Errorf("persistent: enqueue: %w", err)
	}
	return res.LastInsertId()
}

// DequeueBatch atomically claims up to maxBatchSize eligible QUEUED rows,
// marking them INFLIGHT, using BEGIN IMMEDIATE as the single-writer
// exclusion mechanism SQLite substitutes for SELECT ... FOR UPDATE. The
// DSN's _txlock=immediate makes every db.BeginTx an immediate transaction,
// so the write lock is taken up front rather than on first write.
func (s *Store) DequeueBatch(ctx context.Context, maxBatchSize int) ([]Row, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("persistent: begin dequeue tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	rows, err := tx.QueryContext(ctx,
		`SELECT id, created_at, next_attempt_at, attempt_count, status, payload, last_error
		 FROM queue WHERE status = ? AND next_attempt_at <= ? ORDER BY id LIMIT ?`,
		StatusQueued, now, maxBatchSize)
	if err != nil {
		return nil, fmt.Errorf("persistent: select eligible: %w", err)
	}

	var claimed []Row
	for rows.Next() {
		var r Row
		var createdAt, nextAttemptAt int64
		var lastErr sql.NullString
		if err := rows.Scan(&r.ID, &createdAt, &nextAttemptAt, &r.AttemptCount, &r.Status, &r.Payload, &lastErr); err != nil {
			rows.Close()
			return nil, fmt.Errorf("persistent: scan eligible: %w", err)
		}
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		r.NextAttemptAt = time.Unix(nextAttemptAt, 0).UTC()
		r.LastError = lastErr.String
		claimed = append(claimed, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, r := range claimed {
		if _, err := tx.ExecContext(ctx, `UPDATE queue SET status = ? WHERE id = ?`, StatusInflight, r.ID); err != nil {
			return nil, fmt.Errorf("persistent: mark inflight: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("persistent: commit dequeue: %w", err)
	}
	return claimed, nil
}

// MarkDone transitions id to DONE.
func (s *Store) MarkDone(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queue SET status = ? WHERE id = ?`, StatusDone, id)
	return err
}

// Reschedule transitions id back to QUEUED with an incremented attempt
// count and a future next_attempt_at, per the retryable-failure path.
func (s *Store) Reschedule(ctx context.Context, id int64, attemptCount int, nextAttemptAt time.Time, lastErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = ?, attempt_count = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		StatusQueued, attemptCount, nextAttemptAt.Unix(), lastErr, id)
	return err
}

// MarkFailed transitions id to FAILED (non-retryable failure, or retries
// exhausted).
func (s *Store) MarkFailed(ctx context.Context, id int64, lastErr string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE queue SET status = ?, last_error = ? WHERE id = ?`, StatusFailed, lastErr, id)
	return err
}

// ReclaimStaleInflight reverts any INFLIGHT row older than olderThan back
// to QUEUED, run at startup to recover from a worker crash mid-batch.
func (s *Store) ReclaimStaleInflight(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = ? WHERE status = ? AND created_at <= ?`,
		StatusQueued, StatusInflight, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// VacuumDone hard-deletes DONE rows older than olderThan.
func (s *Store) VacuumDone(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE status = ? AND created_at <= ?`, StatusDone, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats counts rows by status.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int64{StatusQueued: 0, StatusInflight: 0, StatusFailed: 0, StatusDone: 0}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// ListFailed returns up to limit FAILED rows, most recent first.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, next_attempt_at, attempt_count, status, payload, last_error
		 FROM queue WHERE status = ? ORDER BY id DESC LIMIT ?`, StatusFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var createdAt, nextAttemptAt int64
		var lastErr sql.NullString
		if err := rows.Scan(&r.ID, &createdAt, &nextAttemptAt, &r.AttemptCount, &r.Status, &r.Payload, &lastErr); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		r.NextAttemptAt = time.Unix(nextAttemptAt, 0).UTC()
		r.LastError = lastErr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// RequeueFailed resets the named FAILED rows (or every FAILED row, if ids
// is empty) back to QUEUED with attempt_count=0.
func (s *Store) RequeueFailed(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		res, err := s.db.ExecContext(ctx,
			`UPDATE queue SET status = ?, attempt_count = 0, next_attempt_at = ? WHERE status = ?`,
			StatusQueued, time.Now().Unix(), StatusFailed)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}

	var total int64
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx,
			`UPDATE queue SET status = ?, attempt_count = 0, next_attempt_at = ? WHERE status = ? AND id = ?`,
			StatusQueued, time.Now().Unix(), StatusFailed, id)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// PurgeFailed hard-deletes the named FAILED rows (or every FAILED row, if
// ids is empty).
func (s *Store) PurgeFailed(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		res, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE status = ?`, StatusFailed)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}

	var total int64
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `DELETE FROM queue WHERE status = ? AND id = ?`, StatusFailed, id)
		if err != nil {
			return total, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
