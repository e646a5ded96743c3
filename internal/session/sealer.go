package session

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the shortest accepted session secret.
const MinSecretLength = 32

const (
	sealVersionPrefix = "v1."
	keyDerivationInfo = "oops-session-v1"
)

var (
	// ErrSecretTooShort rejects secrets below MinSecretLength characters.
	ErrSecretTooShort = errors.New("session.secret_too_short")
	// ErrMalformedSeal indicates a sealed value that cannot be decoded or authenticated.
	ErrMalformedSeal = errors.New("session.malformed_seal")
)

// Sealer encrypts and authenticates cookie payloads with XChaCha20-Poly1305.
// The cookie name is bound as additional data so a value cannot be moved between cookies.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key from secret.
func NewSealer(secret string) (*Sealer, error) {
	if len(strings.TrimSpace(secret)) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyDerivationInfo)), key); err != nil {
		return nil, fmt.Errorf("session.derive_key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("session.cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext for the named cookie.
func (sealer *Sealer) Seal(name string, plaintext []byte) (string, error) {
	nonce := make([]byte, sealer.aead.NonceSize(), sealer.aead.NonceSize()+len(plaintext)+sealer.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("session.nonce: %w", err)
	}
	sealed := sealer.aead.Seal(nonce, nonce, plaintext, []byte(name))
	return sealVersionPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open authenticates and decrypts a value produced by Seal for the same cookie name.
func (sealer *Sealer) Open(name string, value string) ([]byte, error) {
	if !strings.HasPrefix(value, sealVersionPrefix) {
		return nil, fmt.Errorf("%w: unknown version", ErrMalformedSeal)
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, sealVersionPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSeal, err)
	}
	nonceSize := sealer.aead.NonceSize()
	if len(decoded) < nonceSize+sealer.aead.Overhead() {
		return nil, fmt.Errorf("%w: truncated", ErrMalformedSeal)
	}
	plaintext, err := sealer.aead.Open(nil, decoded[:nonceSize], decoded[nonceSize:], []byte(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSeal, err)
	}
	return plaintext, nil
}
