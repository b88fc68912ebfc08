package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/keyvouch/keyvouch/internal/domain"
)

// CreateBrowserSession records a hashed browser session token minted when
// an unlock token was redeemed.  The raw token never touches the store.
func (s *Store) CreateBrowserSession(ctx context.Context, email, tokenHash string, ttl time.Duration) error {
	now := nowUTC()
	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO browser_sessions(token_hash, email, created_at, expires_at)
VALUES(?, ?, ?, ?)`, tokenHash, normalizeEmail(email), now, now.Add(ttl))
	return err
}

// CheckBrowserSession verifies a hashed session token belongs to the
// email and is still valid.
func (s *Store) CheckBrowserSession(ctx context.Context, email, tokenHash string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM browser_sessions
WHERE token_hash = ? AND email = ? AND expires_at > ?`,
		tokenHash, normalizeEmail(email), nowUTC()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrUnauthorized
	}
	return err
}

// PurgeExpiredBrowserSessions removes sessions past their lifetime.
func (s *Store) PurgeExpiredBrowserSessions(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultPurgeLimit
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM browser_sessions
WHERE token_hash IN (
	SELECT token_hash FROM browser_sessions
	WHERE expires_at < ?
	ORDER BY expires_at ASC
	LIMIT ?
)`, now.UTC(), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
