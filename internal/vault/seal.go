// Package vault stores third-party service credentials per business.
//
// Secrets are sealed with AES-256-GCM under a key derived from the
// configured sealing key (blob prefix "v2:"). A legacy repeating-key XOR
// format ("v1:" or bare base64) is still decrypted for data written by
// the previous system; those rows are re-sealed with AES-GCM the next
// time they are read. The XOR codec is never used for new writes.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	sealedPrefix = "v2:"
	legacyPrefix = "v1:"
)

// ErrNoKey indicates sealing was attempted without a configured key.
var ErrNoKey = errors.New("vault: no sealing key configured")

// Sealer seals and opens credential blobs.
type Sealer struct {
	key []byte // AES-256 key, derived once
	raw string // original passphrase, needed for legacy XOR
}

// NewSealer derives the AES key from the configured passphrase.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrNoKey
	}
	sum := sha256.Sum256([]byte(passphrase))
	return &Sealer{key: sum[:], raw: passphrase}, nil
}

// Seal encrypts plaintext with AES-256-GCM and a random nonce.
func (s *Sealer) Seal(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("vault: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: creating gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generating nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob in any supported format.
// Returns the plaintext and whether the blob used the legacy format and
// should be re-sealed.
func (s *Sealer) Open(blob string) (plaintext string, legacy bool, err error) {
	switch {
	case strings.HasPrefix(blob, sealedPrefix):
		pt, err := s.openGCM(strings.TrimPrefix(blob, sealedPrefix))
		return pt, false, err
	case strings.HasPrefix(blob, legacyPrefix):
		pt, err := s.openXOR(strings.TrimPrefix(blob, legacyPrefix))
		return pt, true, err
	default:
		// Bare base64 written by the oldest deployments.
		pt, err := s.openXOR(blob)
		return pt, true, err
	}
}

func (s *Sealer) openGCM(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("vault: decoding blob: %w", err)
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("vault: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: creating gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return "", errors.New("vault: blob too short")
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("vault: opening blob: %w", err)
	}
	return string(pt), nil
}

// openXOR reverses the legacy repeating-key XOR encoding.
// Kept only for reading rows written before AES-GCM sealing; it is not
// authenticated and must never be used for new writes.
func (s *Sealer) openXOR(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("vault: decoding legacy blob: %w", err)
	}
	return string(xorBytes(raw, []byte(s.raw))), nil
}

// legacySeal produces the legacy format. Used by tests to fabricate
// pre-migration rows; production writes always use Seal.
func (s *Sealer) legacySeal(plaintext string) string {
	return legacyPrefix + base64.StdEncoding.EncodeToString(
		xorBytes([]byte(plaintext), []byte(s.raw)))
}

func xorBytes(data, key []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}
