// Package sqlite implements the coordinator data store backed by a SQLite
// database.  It manages pairing sessions, device subscriptions, approval
// challenges, and browser sessions.
package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all coordinator persistence
// operations.
type Store struct {
	db *sql.DB
}

const defaultPurgeLimit = 1000

// Open creates or opens the SQLite database at path, runs migrations, and
// enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	// journal_mode and busy_timeout are database-wide; set them once here.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS pairing_sessions (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	platform TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS device_subscriptions (
	email TEXT PRIMARY KEY,
	endpoint TEXT NOT NULL,
	auth_secret TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	pending_until DATETIME NULL
);
CREATE TABLE IF NOT EXISTS challenges (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	platform TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	unlock_token TEXT NULL,
	proof_user_id TEXT NULL,
	proof_jwt TEXT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	token_used_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS browser_sessions (
	token_hash TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pairing_sessions_email ON pairing_sessions(email, state);
CREATE INDEX IF NOT EXISTS idx_pairing_sessions_expires ON pairing_sessions(expires_at);
CREATE INDEX IF NOT EXISTS idx_subscriptions_pending ON device_subscriptions(pending_until);
CREATE INDEX IF NOT EXISTS idx_challenges_email ON challenges(email, status, created_at);
CREATE INDEX IF NOT EXISTS idx_challenges_token ON challenges(unlock_token);
CREATE INDEX IF NOT EXISTS idx_challenges_expires ON challenges(expires_at);
CREATE INDEX IF NOT EXISTS idx_browser_sessions_expires ON browser_sessions(expires_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func newID(prefix string) (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

func nullableString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func ensureParentDir(path string) error {
	path = strings.TrimSpace(path)
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizeEmail(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
