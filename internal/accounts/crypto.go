package accounts

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Sealed credential values carry this prefix so a reader can tell an
// encrypted database apart from a plaintext one.
const sealedPrefix = "$gcm$"

const (
	kdfIterations = 10000
	saltLen       = 16
)

// ErrSealedWithoutSecret is surfaced when a sealed value is read but no
// encryption secret is configured. This catches mixed databases early
// instead of handing garbage to the IMAP dialer.
var ErrSealedWithoutSecret = errors.New("accounts: value is encrypted but no encryption secret is configured")

// IsSealed reports whether the stored value is ciphertext.
func IsSealed(value string) bool { return strings.HasPrefix(value, sealedPrefix) }

// Seal encrypts a credential field with AES-256-GCM under a key derived
// from the process encryption secret. With no secret configured the
// value is stored as explicitly-unsealed plaintext.
func Seal(secret, plaintext string) (string, error) {
	if secret == "" || plaintext == "" {
		return plaintext, nil
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("accounts: salt: %w", err)
	}
	aead, err := newAEAD(secret, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("accounts: nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	enc := base64.RawURLEncoding
	return sealedPrefix + enc.EncodeToString(salt) + "$" + enc.EncodeToString(append(nonce, sealed...)), nil
}

// Open reverses Seal. Plaintext values pass through untouched so a
// database written before encryption was enabled keeps working.
func Open(secret, value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if secret == "" {
		return "", ErrSealedWithoutSecret
	}
	parts := strings.Split(strings.TrimPrefix(value, sealedPrefix), "$")
	if len(parts) != 2 {
		return "", errors.New("accounts: malformed sealed value")
	}
	enc := base64.RawURLEncoding
	salt, err := enc.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("accounts: sealed salt: %w", err)
	}
	blob, err := enc.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("accounts: sealed payload: %w", err)
	}
	aead, err := newAEAD(secret, salt)
	if err != nil {
		return "", err
	}
	if len(blob) < aead.NonceSize() {
		return "", errors.New("accounts: sealed payload too short")
	}
	plain, err := aead.Open(nil, blob[:aead.NonceSize()], blob[aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("accounts: open sealed value: %w", err)
	}
	return string(plain), nil
}

func newAEAD(secret string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(secret), salt, kdfIterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("accounts: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
