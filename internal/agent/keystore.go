package agent

import (
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/keyvouch/keyvouch/internal/envelope"
)

// keystoreFile is the on-disk identity of a plugin installation.  The
// private key is a PKCS8 P-256 key, both fields base64.
type keystoreFile struct {
	PrivateKeyB64 string `json:"km_plugin_priv_b64"`
	PublicKeyB64  string `json:"km_plugin_pub_b64"`
}

// Keystore persists the plugin ECDH identity at a single file path.
type Keystore struct {
	path string
}

func NewKeystore(path string) *Keystore {
	return &Keystore{path: path}
}

// Load reads the stored identity.  Returns (nil, nil) when no identity
// has been created yet.
func (k *Keystore) Load() (*ecdh.PrivateKey, error) {
	data, err := os.ReadFile(k.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read keystore: %w", err)
	}
	var f keystoreFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed keystore file: %w", err)
	}
	priv, err := envelope.ParsePrivateKey(f.PrivateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("malformed keystore key: %w", err)
	}
	return priv, nil
}

// Reset removes the stored identity.  The next handshake mints a new
// one, which requires registering with the key-manager again.
func (k *Keystore) Reset() error {
	err := os.Remove(k.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// LoadOrCreate returns the stored identity, generating and persisting a
// fresh one on first use.
func (k *Keystore) LoadOrCreate() (*ecdh.PrivateKey, error) {
	priv, err := k.Load()
	if err != nil {
		return nil, err
	}
	if priv != nil {
		return priv, nil
	}

	priv, err = envelope.GenerateKey()
	if err != nil {
		return nil, err
	}
	privB64, err := envelope.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	f := keystoreFile{
		PrivateKeyB64: privB64,
		PublicKeyB64:  base64.StdEncoding.EncodeToString(priv.PublicKey().Bytes()),
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(k.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create keystore dir: %w", err)
		}
	}
	if err := os.WriteFile(k.path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write keystore: %w", err)
	}
	return priv, nil
}
