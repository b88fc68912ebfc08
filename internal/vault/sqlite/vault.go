// Package sqlite implements the key-manager vault backed by a SQLite
// database.  Key material is sealed at rest with AES-256-GCM under a
// master key, with the owning user, module, and purpose bound in as
// additional authenticated data.
package sqlite

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/keyvouch/keyvouch/internal/domain"
)

// Vault wraps a SQLite database and the master key sealing its contents.
type Vault struct {
	db        *sql.DB
	masterKey []byte
}

const nonceSize = 12

// KeyRecord describes one piece of key material to store.
type KeyRecord struct {
	UserID     string
	ModuleType string
	Purpose    string
	Platform   string
	KeyAlgo    string
	Material   []byte
	Metadata   map[string]string
}

// Open creates or opens the vault database at path.  The master key must
// be 32 bytes.
func Open(path string, masterKey []byte) (*Vault, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
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

	v := &Vault{db: db, masterKey: masterKey}
	if err := v.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return v, nil
}

// Close closes the underlying database connection.
func (v *Vault) Close() error {
	return v.db.Close()
}

// Migrate creates all required tables and indexes if they do not already exist.
func (v *Vault) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS vault_keys (
	key_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	module_type TEXT NOT NULL,
	purpose TEXT NOT NULL,
	platform TEXT NULL,
	key_algo TEXT NULL,
	metadata TEXT NULL,
	sealed_material BLOB NOT NULL,
	active INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS plugin_keys (
	user_id TEXT NOT NULL,
	plugin_id TEXT NOT NULL,
	public_key BLOB NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, plugin_id)
);
CREATE TABLE IF NOT EXISTS server_keys (
	name TEXT PRIMARY KEY,
	private_key BLOB NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS reg_token_spends (
	jti TEXT PRIMARY KEY,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vault_keys_lookup ON vault_keys(user_id, module_type, purpose, active);
CREATE INDEX IF NOT EXISTS idx_vault_keys_user ON vault_keys(user_id, active, created_at);
CREATE INDEX IF NOT EXISTS idx_reg_token_spends_expires ON reg_token_spends(expires_at);
`
	_, err := v.db.ExecContext(ctx, ddl)
	return err
}

// StoreKey seals and stores key material, deactivating any previous
// active key for the same user, module, and purpose.  It returns the new
// key ID.
func (v *Vault) StoreKey(ctx context.Context, rec KeyRecord) (string, error) {
	sealed, err := v.seal(rec.Material, aad(rec.UserID, rec.ModuleType, rec.Purpose))
	if err != nil {
		return "", err
	}
	var metadata any
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return "", err
		}
		metadata = string(b)
	}
	keyID := uuid.NewString()

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `
UPDATE vault_keys
SET active = 0
WHERE user_id = ? AND module_type = ? AND purpose = ? AND active = 1`,
		rec.UserID, rec.ModuleType, rec.Purpose); err != nil {
		return "", err
	}
	if _, err = tx.ExecContext(ctx, `
INSERT INTO vault_keys(key_id, user_id, module_type, purpose, platform, key_algo, metadata, sealed_material, active, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		keyID, rec.UserID, rec.ModuleType, rec.Purpose, nullableString(rec.Platform), nullableString(rec.KeyAlgo), metadata, sealed, time.Now().UTC()); err != nil {
		return "", err
	}
	if err = tx.Commit(); err != nil {
		return "", err
	}
	return keyID, nil
}

// GetKeyMaterial returns the active key for the exact user, module, and
// purpose, unsealed.
func (v *Vault) GetKeyMaterial(ctx context.Context, userID, moduleType, purpose string) (keyID string, material []byte, err error) {
	var sealed []byte
	err = v.db.QueryRowContext(ctx, `
SELECT key_id, sealed_material
FROM vault_keys
WHERE user_id = ? AND module_type = ? AND purpose = ? AND active = 1
ORDER BY created_at DESC
LIMIT 1`, userID, moduleType, purpose).Scan(&keyID, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, domain.ErrKeyNotFound
	}
	if err != nil {
		return "", nil, err
	}
	material, err = v.open(sealed, aad(userID, moduleType, purpose))
	if err != nil {
		return "", nil, err
	}
	return keyID, material, nil
}

// GetLatestKeyForUser returns the most recent active key stored for the
// user, preferring an exact platform match.
func (v *Vault) GetLatestKeyForUser(ctx context.Context, userID, platform string) (string, []byte, error) {
	var keyID, moduleType, purpose string
	var sealed []byte
	err := v.db.QueryRowContext(ctx, `
SELECT key_id, module_type, purpose, sealed_material
FROM vault_keys
WHERE user_id = ? AND active = 1 AND (platform = ? OR platform IS NULL)
ORDER BY (platform = ?) DESC, created_at DESC
LIMIT 1`, userID, platform, platform).Scan(&keyID, &moduleType, &purpose, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, domain.ErrKeyNotFound
	}
	if err != nil {
		return "", nil, err
	}
	material, err := v.open(sealed, aad(userID, moduleType, purpose))
	if err != nil {
		return "", nil, err
	}
	return keyID, material, nil
}

// UpsertPluginKey stores or replaces the registered channel public key
// for a user and plugin.
func (v *Vault) UpsertPluginKey(ctx context.Context, userID, pluginID string, publicKey []byte) error {
	_, err := v.db.ExecContext(ctx, `
INSERT INTO plugin_keys(user_id, plugin_id, public_key, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(user_id, plugin_id) DO UPDATE SET public_key = excluded.public_key, updated_at = excluded.updated_at`,
		userID, pluginID, publicKey, time.Now().UTC())
	return err
}

// GetPluginKey returns the registered channel public key for a user and
// plugin.
func (v *Vault) GetPluginKey(ctx context.Context, userID, pluginID string) ([]byte, error) {
	var key []byte
	err := v.db.QueryRowContext(ctx, `
SELECT public_key FROM plugin_keys WHERE user_id = ? AND plugin_id = ?`, userID, pluginID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnauthorized
	}
	return key, err
}

// LoadServerKey returns the named long-lived server private key, or
// [domain.ErrKeyNotFound] when it has not been created yet.
func (v *Vault) LoadServerKey(ctx context.Context, name string) ([]byte, error) {
	var der []byte
	err := v.db.QueryRowContext(ctx, `
SELECT private_key FROM server_keys WHERE name = ?`, name).Scan(&der)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return v.open(der, []byte("server|"+name))
}

// SaveServerKey seals and stores a long-lived server private key.
func (v *Vault) SaveServerKey(ctx context.Context, name string, der []byte) error {
	sealed, err := v.seal(der, []byte("server|"+name))
	if err != nil {
		return err
	}
	_, err = v.db.ExecContext(ctx, `
INSERT OR REPLACE INTO server_keys(name, private_key, created_at)
VALUES(?, ?, ?)`, name, sealed, time.Now().UTC())
	return err
}

// Spend records a registration token ID, implementing the single-use
// check.  A duplicate ID reports [domain.ErrTokenUsed].
func (v *Vault) Spend(jti string, expires time.Time) error {
	_, err := v.db.Exec(`
INSERT INTO reg_token_spends(jti, expires_at) VALUES(?, ?)`, jti, expires.UTC())
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return domain.ErrTokenUsed
	}
	return err
}

// PurgeSpentRegTokens drops spend records whose tokens can no longer
// verify anyway.
func (v *Vault) PurgeSpentRegTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := v.db.ExecContext(ctx, `
DELETE FROM reg_token_spends WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func aad(userID, moduleType, purpose string) []byte {
	return []byte(userID + "|" + moduleType + "|" + purpose)
}

func (v *Vault) seal(plaintext, aad []byte) ([]byte, error) {
	aead, err := v.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto/rand: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func (v *Vault) open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) <= nonceSize {
		return nil, domain.ErrDecryptFailed
	}
	aead, err := v.aead()
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], aad)
	if err != nil {
		return nil, domain.ErrDecryptFailed
	}
	return plaintext, nil
}

func (v *Vault) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func nullableString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
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
