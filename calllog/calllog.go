/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package calllog keeps a local history of finished calls in SQLite.
package calllog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tejzpr/clicktocall-go/dialer"
	"github.com/tejzpr/clicktocall-go/signaling"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Entry is one finished call.
type Entry struct {
	ID          int64               `json:"id"`
	SessionID   string              `json:"sessionId"`
	CallID      string              `json:"callId,omitempty"`
	Destination string              `json:"destination"`
	Direction   signaling.Direction `json:"direction"`
	StartedAt   time.Time           `json:"startedAt"`
	EndedAt     *time.Time          `json:"endedAt,omitempty"`
	Duration    time.Duration       `json:"duration"`
	Reason      string              `json:"reason,omitempty"`
}

// Store is the call history database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the database at path and runs pending migrations.
// The special path ":memory:" keeps the history in memory.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "calllog")

	dsn := "file::memory:?_pragma=foreign_keys(on)"
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("creating data directory: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	// One writer; also keeps an in-memory database on a single connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("call log opened", "path", dbPath)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", version, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
		s.logger.Debug("applied migration", "version", version)
	}
	return nil
}

// Record stores a terminated call session. Recording the same session
// twice keeps the latest values.
func (s *Store) Record(ctx context.Context, cs dialer.CallSession) error {
	e := Entry{
		SessionID:   cs.ID,
		CallID:      cs.CallID,
		Destination: cs.Destination,
		Direction:   cs.Direction,
		StartedAt:   cs.StartedAt,
		EndedAt:     cs.EndedAt,
		Reason:      cs.Reason,
	}
	if cs.EndedAt != nil {
		e.Duration = cs.EndedAt.Sub(cs.StartedAt)
	}
	_, err := s.Insert(ctx, e)
	return err
}

// Insert writes e and returns its row id.
func (s *Store) Insert(ctx context.Context, e Entry) (int64, error) {
	if e.SessionID == "" {
		return 0, errors.New("calllog: session id is required")
	}
	var ended sql.NullInt64
	if e.EndedAt != nil {
		ended = sql.NullInt64{Int64: e.EndedAt.UnixMilli(), Valid: true}
	}

	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO calls (session_id, call_id, destination, direction, started_at, ended_at, duration_ms, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   call_id = excluded.call_id, ended_at = excluded.ended_at,
		   duration_ms = excluded.duration_ms, reason = excluded.reason
		 RETURNING id`,
		e.SessionID, e.CallID, e.Destination, string(e.Direction),
		e.StartedAt.UnixMilli(), ended, e.Duration.Milliseconds(), e.Reason,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting call: %w", err)
	}
	return id, nil
}

// Recent returns up to limit calls, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, call_id, destination, direction, started_at, ended_at, duration_ms, reason
		 FROM calls ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing calls: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			e         Entry
			direction string
			started   int64
			ended     sql.NullInt64
			durMS     int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.CallID, &e.Destination, &direction,
			&started, &ended, &durMS, &e.Reason); err != nil {
			return nil, fmt.Errorf("scanning call row: %w", err)
		}
		e.Direction = signaling.Direction(direction)
		e.StartedAt = time.UnixMilli(started)
		if ended.Valid {
			t := time.UnixMilli(ended.Int64)
			e.EndedAt = &t
		}
		e.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating call rows: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
