// Package audit keeps a local SQLite record of every forwarded tool call.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS invocations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	server TEXT NOT NULL,
	tool TEXT NOT NULL,
	qualified TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invocations_at ON invocations(at);
`

// Entry is one forwarded use_tool call.
type Entry struct {
	Server    string
	Tool      string
	Qualified string
	Duration  time.Duration
	// Outcome is "ok", "tool_error" (worker returned an error result), or
	// "error" (transport failure, timeout, or rejected call).
	Outcome string
	Detail  string
	At      time.Time
}

// Log is the SQLite-backed invocation log.
type Log struct {
	db *sql.DB
}

// New opens the invocation log at path, creating parent dirs and schema.
func New(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("audit mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return &Log{db: db}, nil
}

// Record appends one entry.
func (l *Log) Record(e Entry) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := l.db.Exec(
		"INSERT INTO invocations (server, tool, qualified, duration_ms, outcome, detail, at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.Server, e.Tool, e.Qualified, e.Duration.Milliseconds(), e.Outcome, e.Detail, at.Format(time.RFC3339Nano),
	)
	return err
}

// Recent returns the newest n entries, newest first.
func (l *Log) Recent(n int) ([]Entry, error) {
	rows, err := l.db.Query(
		"SELECT server, tool, qualified, duration_ms, outcome, detail, at FROM invocations ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ms int64
		var at string
		if err := rows.Scan(&e.Server, &e.Tool, &e.Qualified, &ms, &e.Outcome, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("audit: parse timestamp %q: %w", at, err)
		}
		e.At = t
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the database connection. Call on shutdown for clean exit.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}
