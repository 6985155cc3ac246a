// Package crypto encrypts values that must not sit in plaintext at rest:
// OAuth token records and calculation figures stored on saga records.
//
// Values are sealed with AES-256-GCM. The key is derived from the configured
// passphrase with PBKDF2 so any 32-character CONFIG_ENCRYPTION_KEY yields a
// full-strength key. Every call to Encrypt uses a fresh random nonce, so the
// same plaintext encrypts to a different string each time.
//
// Example usage:
//
//	enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
//	if err != nil {
//		return err
//	}
//	sealed, err := enc.EncryptJSON(tokenSet)
//	...
//	var restored oauth2.TokenSet
//	err = enc.DecryptJSON(sealed, &restored)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"taxfiler/internal/common/errors"
)

const (
	kdfSalt       = "taxfiler-at-rest-v1"
	kdfIterations = 10000
)

// Encryptor seals and opens strings with AES-256-GCM.
// It is safe for concurrent use.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives a 32-byte key from passphrase. An empty passphrase is a
// CONFIG error.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	if passphrase == "" {
		return nil, errors.ConfigError("encryption key cannot be empty")
	}

	key := pbkdf2.Key([]byte(passphrase), []byte(kdfSalt), kdfIterations, 32, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.InternalError("failed to create cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.InternalError("failed to create GCM", err)
	}

	return &Encryptor{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext). The empty string passes through
// unchanged so absent optional values stay absent.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.InternalError("failed to create nonce", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered input, or input sealed under another key,
// fails authentication and returns an INTERNAL error.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.InternalError("failed to decode ciphertext", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", errors.ValidationError("ciphertext too short")
	}

	plaintext, err := e.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", errors.InternalError("failed to decrypt", err)
	}

	return string(plaintext), nil
}

// EncryptJSON marshals v and encrypts the result
func (e *Encryptor) EncryptJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", errors.InternalError("failed to marshal JSON", err)
	}
	return e.Encrypt(string(raw))
}

// DecryptJSON decrypts ciphertext and unmarshals it into v
func (e *Encryptor) DecryptJSON(ciphertext string, v interface{}) error {
	plaintext, err := e.Decrypt(ciphertext)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(plaintext), v); err != nil {
		return errors.InternalError("failed to unmarshal JSON", err)
	}
	return nil
}
