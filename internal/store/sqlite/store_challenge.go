package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/keyvouch/keyvouch/internal/domain"
)

func challengePrefix(kind string) string {
	if kind == domain.ChallengeKindRegistration {
		return "reg"
	}
	return "chlg"
}

// CreateChallenge opens a new approval challenge for the email.
func (s *Store) CreateChallenge(ctx context.Context, email, platform, kind string, ttl time.Duration) (domain.Challenge, error) {
	email = normalizeEmail(email)
	id, err := newID(challengePrefix(kind))
	if err != nil {
		return domain.Challenge{}, err
	}
	now := nowUTC()
	c := domain.Challenge{
		ID:        id,
		Email:     email,
		Platform:  platform,
		Kind:      kind,
		Status:    domain.ChallengePending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO challenges(id, email, platform, kind, status, unlock_token, proof_user_id, proof_jwt, created_at, expires_at, token_used_at)
VALUES(?, ?, ?, ?, ?, NULL, NULL, NULL, ?, ?, NULL)`,
		c.ID, c.Email, c.Platform, c.Kind, c.Status, c.CreatedAt, c.ExpiresAt)
	return c, err
}

const challengeColumns = `id, email, platform, kind, status, unlock_token, proof_user_id, proof_jwt, created_at, expires_at, token_used_at`

func scanChallenge(row *sql.Row) (domain.Challenge, error) {
	var c domain.Challenge
	var token, proofUser, proofJWT sql.NullString
	var usedAt sql.NullTime
	err := row.Scan(&c.ID, &c.Email, &c.Platform, &c.Kind, &c.Status, &token, &proofUser, &proofJWT, &c.CreatedAt, &c.ExpiresAt, &usedAt)
	if err != nil {
		return domain.Challenge{}, err
	}
	c.UnlockToken = token.String
	c.ProofUserID = proofUser.String
	c.ProofJWT = proofJWT.String
	if usedAt.Valid {
		t := usedAt.Time
		c.TokenUsedAt = &t
	}
	return c, nil
}

// GetChallenge looks up an unexpired challenge by ID.  Expired rows are
// invisible here even before the janitor removes them.
func (s *Store) GetChallenge(ctx context.Context, id string) (domain.Challenge, error) {
	c, err := scanChallenge(s.db.QueryRowContext(ctx, `
SELECT `+challengeColumns+`
FROM challenges
WHERE id = ? AND expires_at > ?`, id, nowUTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Challenge{}, domain.ErrChallengeNotFound
	}
	return c, err
}

// LatestChallenge returns the unexpired challenge of the kind for the
// email that the status poll should report.  A confirmed or approved
// challenge wins over anything newer: a browser retry that opened a
// second pending challenge must not mask the one the device already
// cleared.
func (s *Store) LatestChallenge(ctx context.Context, email, kind string) (domain.Challenge, error) {
	c, err := scanChallenge(s.db.QueryRowContext(ctx, `
SELECT `+challengeColumns+`
FROM challenges
WHERE email = ? AND kind = ? AND expires_at > ?
ORDER BY status IN (?, ?) DESC, created_at DESC
LIMIT 1`, normalizeEmail(email), kind, nowUTC(), domain.ChallengeConfirmed, domain.ChallengeApproved))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Challenge{}, domain.ErrChallengeNotFound
	}
	return c, err
}

// GetChallengeByToken finds the unexpired challenge holding the unlock
// token for the email.
func (s *Store) GetChallengeByToken(ctx context.Context, email, token string) (domain.Challenge, error) {
	c, err := scanChallenge(s.db.QueryRowContext(ctx, `
SELECT `+challengeColumns+`
FROM challenges
WHERE email = ? AND unlock_token = ? AND expires_at > ?`, normalizeEmail(email), token, nowUTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Challenge{}, domain.ErrChallengeNotFound
	}
	return c, err
}

// ConfirmChallenge moves a pending challenge to confirmed and records the
// freshly minted unlock token.  The update is a compare-and-swap on the
// pending status, so concurrent confirm and deny race to a single winner
// and the loser sees [domain.ErrChallengeResolved].
func (s *Store) ConfirmChallenge(ctx context.Context, id, token string) (domain.Challenge, error) {
	return s.resolveChallenge(ctx, id, "confirm", `
UPDATE challenges
SET status = ?, unlock_token = ?
WHERE id = ? AND status = ? AND expires_at > ?`,
		domain.ChallengeConfirmed, token, id, domain.ChallengePending, nowUTC())
}

// DenyChallenge moves a pending challenge to denied.  A challenge that
// already reached confirmed stays confirmed; the confirm was the single
// terminal decision and a late deny must not revoke it.
func (s *Store) DenyChallenge(ctx context.Context, id string) (domain.Challenge, error) {
	return s.resolveChallenge(ctx, id, "deny", `
UPDATE challenges
SET status = ?
WHERE id = ? AND status = ? AND expires_at > ?`,
		domain.ChallengeDenied, id, domain.ChallengePending, nowUTC())
}

// FailChallengeProof moves a confirmed challenge to denied.  This is the
// identity-proof failure path only; the device's own deny never applies
// to a confirmed challenge.
func (s *Store) FailChallengeProof(ctx context.Context, id string) (domain.Challenge, error) {
	return s.resolveChallenge(ctx, id, "fail_proof", `
UPDATE challenges
SET status = ?, unlock_token = NULL
WHERE id = ? AND status = ? AND expires_at > ?`,
		domain.ChallengeDenied, id, domain.ChallengeConfirmed, nowUTC())
}

// ApproveChallenge moves a confirmed challenge to approved, attaching the
// identity proof that cleared it.
func (s *Store) ApproveChallenge(ctx context.Context, id, proofUserID, proofJWT string) (domain.Challenge, error) {
	return s.resolveChallenge(ctx, id, "approve", `
UPDATE challenges
SET status = ?, proof_user_id = ?, proof_jwt = ?
WHERE id = ? AND status = ? AND expires_at > ?`,
		domain.ChallengeApproved, nullableString(proofUserID), nullableString(proofJWT), id, domain.ChallengeConfirmed, nowUTC())
}

// resolveChallenge is the single entry point for challenge state
// transitions.  Every transition is a guarded UPDATE; zero affected rows
// distinguishes a missing challenge from one already resolved.
func (s *Store) resolveChallenge(ctx context.Context, id, op, query string, args ...any) (domain.Challenge, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.Challenge{}, &domain.ChallengeError{ChallengeID: id, Op: op, Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Challenge{}, &domain.ChallengeError{ChallengeID: id, Op: op, Err: err}
	}
	if affected == 0 {
		c, err := s.GetChallenge(ctx, id)
		if err != nil {
			return domain.Challenge{}, &domain.ChallengeError{ChallengeID: id, Op: op, Err: domain.ErrChallengeNotFound}
		}
		return c, &domain.ChallengeError{ChallengeID: id, Op: op, Err: domain.ErrChallengeResolved}
	}
	return s.GetChallenge(ctx, id)
}

// ConsumeUnlockToken atomically spends the unlock token for the email.
// The token is only redeemable while the challenge is confirmed or
// approved and unexpired, and only once.
func (s *Store) ConsumeUnlockToken(ctx context.Context, email, token string) (domain.Challenge, error) {
	if token == "" {
		return domain.Challenge{}, domain.ErrUnauthorized
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Challenge{}, err
	}
	defer func() { _ = tx.Rollback() }()

	email = normalizeEmail(email)
	c, err := scanChallenge(tx.QueryRowContext(ctx, `
SELECT `+challengeColumns+`
FROM challenges
WHERE email = ? AND unlock_token = ?`, email, token))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Challenge{}, domain.ErrUnauthorized
	}
	if err != nil {
		return domain.Challenge{}, err
	}

	now := nowUTC()
	if c.TokenUsedAt != nil {
		return domain.Challenge{}, domain.ErrTokenUsed
	}
	if now.After(c.ExpiresAt) {
		return domain.Challenge{}, domain.ErrTokenExpired
	}
	if c.Status != domain.ChallengeConfirmed && c.Status != domain.ChallengeApproved {
		return domain.Challenge{}, domain.ErrUnauthorized
	}

	res, err := tx.ExecContext(ctx, `
UPDATE challenges
SET token_used_at = ?
WHERE id = ? AND token_used_at IS NULL AND expires_at > ?`, now, c.ID, now)
	if err != nil {
		return domain.Challenge{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Challenge{}, err
	}
	if affected == 0 {
		return domain.Challenge{}, domain.ErrTokenUsed
	}
	if err = tx.Commit(); err != nil {
		return domain.Challenge{}, err
	}
	c.TokenUsedAt = &now
	return c, nil
}

// PurgeExpiredChallenges removes challenges past their approval window.
// It limits each run to avoid long write transactions.
func (s *Store) PurgeExpiredChallenges(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultPurgeLimit
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM challenges
WHERE id IN (
	SELECT id FROM challenges
	WHERE expires_at < ?
	ORDER BY expires_at ASC
	LIMIT ?
)`, now.UTC(), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
