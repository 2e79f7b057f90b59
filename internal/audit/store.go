// Package audit keeps a local SQLite log of every dispatched request.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one dispatched request.
type Entry struct {
	ID        string
	Time      time.Time
	Tool      string
	Args      []string
	Cwd       string
	Wrapper   string
	ExitCode  int
	Error     string
	Duration  time.Duration
	Truncated bool
}

// Store is the audit database. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("audit: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: wal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id          TEXT PRIMARY KEY,
			ts          INTEGER NOT NULL,
			tool        TEXT NOT NULL,
			args        TEXT NOT NULL DEFAULT '[]',
			cwd         TEXT NOT NULL DEFAULT '',
			wrapper     TEXT NOT NULL DEFAULT '',
			exit_code   INTEGER NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL,
			truncated   INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_ts ON executions(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_tool ON executions(tool)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Record appends e.
func (s *Store) Record(ctx context.Context, e Entry) error {
	args, err := json.Marshal(e.Args)
	if err != nil {
		return fmt.Errorf("audit: encode args: %w", err)
	}
	if e.Args == nil {
		args = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions(id, ts, tool, args, cwd, wrapper, exit_code, error, duration_ms, truncated)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time.UnixMilli(), e.Tool, string(args), e.Cwd, e.Wrapper,
		e.ExitCode, e.Error, e.Duration.Milliseconds(), e.Truncated,
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Filter narrows Recent.
type Filter struct {
	Tool  string // empty matches every tool
	Limit int    // non-positive selects 50
}

// Recent returns the newest entries first.
func (s *Store) Recent(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := `SELECT id, ts, tool, args, cwd, wrapper, exit_code, error, duration_ms, truncated
		FROM executions`
	var params []any
	if f.Tool != "" {
		query += ` WHERE tool = ?`
		params = append(params, f.Tool)
	}
	query += ` ORDER BY ts DESC, rowid DESC LIMIT ?`
	params = append(params, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			ts, durMS int64
			args      string
			truncated bool
		)
		if err := rows.Scan(&e.ID, &ts, &e.Tool, &args, &e.Cwd, &e.Wrapper,
			&e.ExitCode, &e.Error, &durMS, &truncated); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(args), &e.Args); err != nil {
			return nil, fmt.Errorf("audit: decode args for %s: %w", e.ID, err)
		}
		e.Time = time.UnixMilli(ts)
		e.Duration = time.Duration(durMS) * time.Millisecond
		e.Truncated = truncated
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than before and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE ts < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("audit: prune: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
