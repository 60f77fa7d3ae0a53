package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("lock session not found")

// Store is the SQLite lock history.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer; the daemon is the only process using the file.
	db.SetMaxOpenConns(1)

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// BeginSession records the start of a lock and returns its id.
func (s *Store) BeginSession(ctx context.Context, mode string, startedAt time.Time, autoUnlock time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO lock_sessions (mode, started_ns, auto_unlock_ms) VALUES (?, ?, ?)`,
		mode, startedAt.UnixNano(), autoUnlock.Milliseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert lock session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// SetAutoUnlock records the countdown a session started with.
func (s *Store) SetAutoUnlock(ctx context.Context, id int64, d time.Duration) error {
	return s.update(ctx, `UPDATE lock_sessions SET auto_unlock_ms = ? WHERE id = ?`, d.Milliseconds(), id)
}

// EndSession records the end of a lock.
func (s *Store) EndSession(ctx context.Context, id int64, endedAt time.Time, reason string) error {
	return s.update(ctx,
		`UPDATE lock_sessions SET ended_ns = ?, reason = ? WHERE id = ? AND ended_ns IS NULL`,
		endedAt.UnixNano(), reason, id,
	)
}

func (s *Store) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update lock session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseOpenSessions ends every session without an end time. It returns the
// number of sessions closed.
func (s *Store) CloseOpenSessions(ctx context.Context, at time.Time, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lock_sessions SET ended_ns = ?, reason = ? WHERE ended_ns IS NULL`,
		at.UnixNano(), reason,
	)
	if err != nil {
		return 0, fmt.Errorf("close open sessions: %w", err)
	}
	return res.RowsAffected()
}

// RecordFailure stores a failed lock attempt.
func (s *Store) RecordFailure(ctx context.Context, mode string, at time.Time, cause string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO lock_failures (mode, at_ns, error) VALUES (?, ?, ?)`,
		mode, at.UnixNano(), cause,
	)
	if err != nil {
		return 0, fmt.Errorf("insert lock failure: %w", err)
	}
	return res.LastInsertId()
}

// GetSession returns the session with the given id.
func (s *Store) GetSession(ctx context.Context, id int64) (*LockSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, mode, started_ns, ended_ns, reason, auto_unlock_ms FROM lock_sessions WHERE id = ?`, id)
	ls, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ls, nil
}

// Recent returns up to limit sessions, newest first. A non-positive limit
// returns all of them.
func (s *Store) Recent(ctx context.Context, limit int) ([]LockSession, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mode, started_ns, ended_ns, reason, auto_unlock_ms
		 FROM lock_sessions ORDER BY started_ns DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query lock sessions: %w", err)
	}
	defer rows.Close()

	var out []LockSession
	for rows.Next() {
		ls, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}

// RecentFailures returns up to limit failures, newest first.
func (s *Store) RecentFailures(ctx context.Context, limit int) ([]LockFailure, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mode, at_ns, error FROM lock_failures ORDER BY at_ns DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query lock failures: %w", err)
	}
	defer rows.Close()

	var out []LockFailure
	for rows.Next() {
		var f LockFailure
		var at int64
		if err := rows.Scan(&f.ID, &f.Mode, &at, &f.Error); err != nil {
			return nil, fmt.Errorf("scan lock failure: %w", err)
		}
		f.At = time.Unix(0, at)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Summarize aggregates the whole history.
func (s *Store) Summarize(ctx context.Context) (*Summary, error) {
	sum := &Summary{EndedByReason: make(map[string]int64)}

	var lockedNs sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(ended_ns - started_ns) FROM lock_sessions`,
	).Scan(&sum.Sessions, &lockedNs)
	if err != nil {
		return nil, fmt.Errorf("count lock sessions: %w", err)
	}
	sum.TotalLocked = time.Duration(lockedNs.Int64)

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lock_failures`).Scan(&sum.Failures); err != nil {
		return nil, fmt.Errorf("count lock failures: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT reason, COUNT(*) FROM lock_sessions WHERE reason IS NOT NULL GROUP BY reason`)
	if err != nil {
		return nil, fmt.Errorf("group lock sessions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var reason string
		var n int64
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("scan reason: %w", err)
		}
		sum.EndedByReason[reason] = n
	}
	return sum, rows.Err()
}

// Prune deletes finished sessions and failures older than before.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM lock_sessions WHERE ended_ns IS NOT NULL AND started_ns < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune lock sessions: %w", err)
	}
	n, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM lock_failures WHERE at_ns < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune lock failures: %w", err)
	}
	m, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n + m, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (LockSession, error) {
	var (
		ls        LockSession
		startedNs int64
		endedNs   sql.NullInt64
		reason    sql.NullString
		autoMs    int64
	)
	if err := row.Scan(&ls.ID, &ls.Mode, &startedNs, &endedNs, &reason, &autoMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ls, err
		}
		return ls, fmt.Errorf("scan lock session: %w", err)
	}
	ls.StartedAt = time.Unix(0, startedNs)
	if endedNs.Valid {
		t := time.Unix(0, endedNs.Int64)
		ls.EndedAt = &t
	}
	ls.Reason = reason.String
	ls.AutoUnlock = time.Duration(autoMs) * time.Millisecond
	return ls, nil
}
