package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/keyvouch/keyvouch/internal/domain"
)

// CreateDeviceSubscription binds a push subscription to the email.  When
// pendingWindow is positive the binding starts unconfirmed and is removed
// by the janitor unless confirmed in time.  An existing binding is never
// overwritten; callers get [domain.ErrAlreadyRegistered] instead.
func (s *Store) CreateDeviceSubscription(ctx context.Context, email string, sub domain.Subscription, pendingWindow time.Duration) error {
	email = normalizeEmail(email)
	now := nowUTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, `
SELECT email FROM device_subscriptions WHERE email = ?`, email).Scan(&existing)
	if err == nil {
		return domain.ErrAlreadyRegistered
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var pendingUntil any
	if pendingWindow > 0 {
		pendingUntil = now.Add(pendingWindow)
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO device_subscriptions(email, endpoint, auth_secret, created_at, pending_until)
VALUES(?, ?, ?, ?, ?)`, email, sub.Endpoint, sub.Auth, now, pendingUntil); err != nil {
		return err
	}
	return tx.Commit()
}

// GetDeviceSubscription returns the push binding for the email.
func (s *Store) GetDeviceSubscription(ctx context.Context, email string) (domain.DeviceSubscription, error) {
	var d domain.DeviceSubscription
	var pending sql.NullTime
	err := s.db.QueryRowContext(ctx, `
SELECT email, endpoint, auth_secret, created_at, pending_until
FROM device_subscriptions
WHERE email = ?`, normalizeEmail(email)).Scan(&d.Email, &d.Subscription.Endpoint, &d.Subscription.Auth, &d.CreatedAt, &pending)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeviceSubscription{}, domain.ErrDeviceNotBound
	}
	if err != nil {
		return domain.DeviceSubscription{}, err
	}
	if pending.Valid {
		t := pending.Time
		d.PendingUntil = &t
	}
	return d, nil
}

// ConfirmDeviceSubscription clears the pending window after the human
// confirmed the registration challenge on the device.
func (s *Store) ConfirmDeviceSubscription(ctx context.Context, email string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE device_subscriptions SET pending_until = NULL WHERE email = ?`, normalizeEmail(email))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrDeviceNotBound
	}
	return nil
}

// DeleteDeviceSubscription unbinds the device for the email.
func (s *Store) DeleteDeviceSubscription(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM device_subscriptions WHERE email = ?`, normalizeEmail(email))
	return err
}

// PurgeUnconfirmedSubscriptions removes bindings whose confirmation
// window elapsed, together with their leftover pairing sessions and
// registration challenges.  It returns the affected emails.
func (s *Store) PurgeUnconfirmedSubscriptions(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
SELECT email FROM device_subscriptions
WHERE pending_until IS NOT NULL AND pending_until < ?`, now.UTC())
	if err != nil {
		return nil, err
	}
	var emails []string
	for rows.Next() {
		var e string
		if err = rows.Scan(&e); err != nil {
			_ = rows.Close()
			return nil, err
		}
		emails = append(emails, e)
	}
	if err = rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, email := range emails {
		if _, err = tx.ExecContext(ctx, `DELETE FROM device_subscriptions WHERE email = ?`, email); err != nil {
			return nil, err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM pairing_sessions WHERE email = ?`, email); err != nil {
			return nil, err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM challenges WHERE email = ? AND kind = ?`, email, domain.ChallengeKindRegistration); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return emails, nil
}
