// Package envelope implements the plugin/key-manager secure channel: a
// P-256 ECDH agreement stretched through HKDF-SHA-256 into an AES-256-GCM
// key, and the nonce-prefixed base64 envelope format carried over it.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/keyvouch/keyvouch/internal/domain"
)

// channelInfo is the fixed HKDF context string.  Both ends must use the
// same value or the derived keys will not match.
const channelInfo = "plugin-km-channel"

const (
	// NonceSize is the GCM nonce length prefixed to every envelope.
	NonceSize = 12

	keySize = 32
)

// GenerateKey creates a fresh P-256 key pair for one side of the channel.
func GenerateKey() (*ecdh.PrivateKey, error) {
	return ecdh.P256().GenerateKey(rand.Reader)
}

// DeriveChannelKey computes the shared AES-256 key from our private key
// and the peer's raw uncompressed public key point.  The HKDF salt is the
// plugin's raw public key on both sides, which binds the channel key to
// the registered plugin identity.
func DeriveChannelKey(priv *ecdh.PrivateKey, peerPublicRaw, pluginPublicRaw []byte) ([]byte, error) {
	peer, err := ecdh.P256().NewPublicKey(peerPublicRaw)
	if err != nil {
		return nil, fmt.Errorf("peer public key: %w", err)
	}
	secret, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, secret, pluginPublicRaw, []byte(channelInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under the channel key with a fresh random nonce
// and returns base64(nonce || ciphertext || tag).
func Seal(key, plaintext []byte) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decodes and decrypts an envelope produced by [Seal].  Malformed
// input and a failed authentication tag both come back as
// [domain.ErrDecryptFailed].
func Open(key []byte, env string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(env)
	if err != nil || len(raw) <= NonceSize {
		return nil, domain.ErrDecryptFailed
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return nil, domain.ErrDecryptFailed
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("channel key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// MarshalPrivateKey serializes a channel private key as base64 PKCS #8.
func MarshalPrivateKey(priv *ecdh.PrivateKey) (string, error) {
	der, err := MarshalPrivateKeyDER(priv)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// MarshalPrivateKeyDER serializes a channel private key as PKCS #8 DER.
func MarshalPrivateKeyDER(priv *ecdh.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return der, nil
}

// ParsePrivateKey restores a channel private key from base64 PKCS #8.
func ParsePrivateKey(b64 string) (*ecdh.PrivateKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	return ParsePrivateKeyDER(der)
}

// ParsePrivateKeyDER restores a channel private key from PKCS #8 DER.
func ParsePrivateKeyDER(der []byte) (*ecdh.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	ec, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected private key type %T", key)
	}
	priv, err := ec.ECDH()
	if err != nil {
		return nil, fmt.Errorf("convert private key: %w", err)
	}
	return priv, nil
}
