// Package sessions is the SQLite-backed session registry behind the default
// handler set: one row per conversation plus an append-only message log.
// Session ids are free-form client-chosen strings, not uuids.
package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Session is one registry row, as surfaced by sessions.list.
type Session struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	Messages     int       `json:"messages"`
}

// Store wraps the registry database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the registry at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sessions: mkdir: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sessions: open db: %w", err)
	}
	s := &Store{db: db}
	if err := s.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_active_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sessions: init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSession registers a session id if it is new and bumps its activity
// timestamp either way.
func (s *Store) EnsureSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("sessions: empty session id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id) VALUES (?)
		ON CONFLICT(id) DO UPDATE SET last_active_at = CURRENT_TIMESTAMP;
	`, sessionID)
	if err != nil {
		return fmt.Errorf("sessions: upsert session: %w", err)
	}
	return nil
}

// AppendMessage records one message in a session's log.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	if err := s.EnsureSession(ctx, sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content) VALUES (?, ?, ?);
	`, strings.TrimSpace(sessionID), role, content)
	if err != nil {
		return fmt.Errorf("sessions: insert message: %w", err)
	}
	return nil
}

// List returns all sessions with their message counts, most recently active
// first.
func (s *Store) List(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.created_at, s.last_active_at, COUNT(m.id)
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id
		ORDER BY s.last_active_at DESC, s.id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("sessions: query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.CreatedAt, &sess.LastActiveAt, &sess.Messages); err != nil {
			return nil, fmt.Errorf("sessions: scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessions: session rows: %w", err)
	}
	return out, nil
}

// Count returns the number of registered sessions.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sessions: count sessions: %w", err)
	}
	return n, nil
}
