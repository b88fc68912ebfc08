package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/keyvouch/keyvouch/internal/domain"
)

// CreatePairingSession opens a new pairing session for the email,
// superseding any still-pending session for the same address.
func (s *Store) CreatePairingSession(ctx context.Context, email, platform string, ttl time.Duration) (domain.PairingSession, error) {
	email = normalizeEmail(email)
	id, err := newID("sess")
	if err != nil {
		return domain.PairingSession{}, err
	}
	now := nowUTC()
	sess := domain.PairingSession{
		ID:        id,
		Email:     email,
		Platform:  platform,
		State:     domain.PairingPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.PairingSession{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `
DELETE FROM pairing_sessions WHERE email = ? AND state = ?`, email, domain.PairingPending); err != nil {
		return domain.PairingSession{}, err
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO pairing_sessions(id, email, platform, state, created_at, expires_at)
VALUES(?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Email, sess.Platform, sess.State, sess.CreatedAt, sess.ExpiresAt); err != nil {
		return domain.PairingSession{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.PairingSession{}, err
	}
	return sess, nil
}

// GetPairingSession looks up a pairing session by ID.  A session past its
// expiry that never got confirmed is reported with the expired state.
func (s *Store) GetPairingSession(ctx context.Context, id string) (domain.PairingSession, error) {
	var sess domain.PairingSession
	err := s.db.QueryRowContext(ctx, `
SELECT id, email, platform, state, created_at, expires_at
FROM pairing_sessions
WHERE id = ?`, id).Scan(&sess.ID, &sess.Email, &sess.Platform, &sess.State, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PairingSession{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.PairingSession{}, err
	}
	if sess.State == domain.PairingPending && nowUTC().After(sess.ExpiresAt) {
		sess.State = domain.PairingExpired
	}
	return sess, nil
}

// ConfirmPairingSession marks a pending, unexpired session confirmed.
// The update is a compare-and-swap on the pending state so a session is
// claimed by at most one device.
func (s *Store) ConfirmPairingSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE pairing_sessions
SET state = ?
WHERE id = ? AND state = ? AND expires_at > ?`,
		domain.PairingConfirmed, id, domain.PairingPending, nowUTC())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// CancelPairingSessions removes every pairing session for the email.
func (s *Store) CancelPairingSessions(ctx context.Context, email string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM pairing_sessions WHERE email = ?`, normalizeEmail(email))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeExpiredPairingSessions removes sessions whose validity window is
// over.  It limits each run to avoid long write transactions.
func (s *Store) PurgeExpiredPairingSessions(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultPurgeLimit
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM pairing_sessions
WHERE id IN (
	SELECT id FROM pairing_sessions
	WHERE expires_at < ?
	ORDER BY expires_at ASC
	LIMIT ?
)`, now.UTC(), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
