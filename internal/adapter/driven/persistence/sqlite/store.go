package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Wyydra/callsig/internal/core/domain"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS call_records (
	call_id          TEXT NOT NULL,
	local_user_id    TEXT NOT NULL,
	remote_user_id   TEXT NOT NULL,
	role             TEXT NOT NULL,
	status           TEXT NOT NULL,
	reason           TEXT NOT NULL DEFAULT '',
	has_video        INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL DEFAULT 0,
	connected_at     INTEGER NOT NULL DEFAULT 0,
	ended_at         INTEGER NOT NULL DEFAULT 0,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (call_id, local_user_id)
);
CREATE INDEX IF NOT EXISTS idx_call_records_local ON call_records(local_user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_call_records_remote ON call_records(remote_user_id, created_at DESC);`

// Store persists call records in a SQLite file.
type Store struct {
	db *sql.DB
}

// Open creates the database file and schema if needed. ":memory:" works
// for tests but keeps a single connection.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Call record store ready")
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Record upserts rec. A row that already ended keeps its terminal state
// even if a late connected record arrives.
func (s *Store) Record(ctx context.Context, rec domain.CallRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO call_records
		(call_id, local_user_id, remote_user_id, role, status, reason, has_video, created_at, connected_at, ended_at, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id, local_user_id) DO UPDATE SET
			remote_user_id=excluded.remote_user_id,
			role=excluded.role,
			status=excluded.status,
			reason=excluded.reason,
			has_video=excluded.has_video,
			connected_at=excluded.connected_at,
			ended_at=excluded.ended_at,
			duration_seconds=excluded.duration_seconds
		WHERE call_records.ended_at = 0 OR excluded.ended_at != 0`,
		string(rec.CallID), string(rec.LocalUserID), string(rec.RemoteUserID),
		string(rec.Role), string(rec.Status), string(rec.Reason), rec.HasVideo,
		unixMilli(rec.CreatedAt), unixMilli(rec.ConnectedAt), unixMilli(rec.EndedAt), rec.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("upsert call record: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, callID domain.CallID) ([]domain.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectRecords+` WHERE call_id = ? ORDER BY local_user_id`, string(callID))
	if err != nil {
		return nil, fmt.Errorf("query call %s: %w", callID, err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, domain.ErrCallNotFound
	}
	return recs, nil
}

// ListByUser returns the calls userID recorded, newest first.
func (s *Store) ListByUser(ctx context.Context, userID domain.UserID, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectRecords+` WHERE local_user_id = ? ORDER BY created_at DESC LIMIT ?`, string(userID), limit)
	if err != nil {
		return nil, fmt.Errorf("list calls for %s: %w", userID, err)
	}
	return scanRecords(rows)
}

const selectRecords = `SELECT call_id, local_user_id, remote_user_id, role, status, reason, has_video,
	created_at, connected_at, ended_at, duration_seconds FROM call_records`

func scanRecords(rows *sql.Rows) ([]domain.CallRecord, error) {
	defer rows.Close()
	var out []domain.CallRecord
	for rows.Next() {
		var (
			r                         domain.CallRecord
			created, connected, ended int64
		)
		if err := rows.Scan(&r.CallID, &r.LocalUserID, &r.RemoteUserID, &r.Role, &r.Status, &r.Reason,
			&r.HasVideo, &created, &connected, &ended, &r.DurationSeconds); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		r.CreatedAt = fromUnixMilli(created)
		r.ConnectedAt = fromUnixMilli(connected)
		r.EndedAt = fromUnixMilli(ended)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call records: %w", err)
	}
	return out, nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
