// Package crypto encrypts message content at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	ErrInvalidKey       = errors.New("encryption key must be 16, 24, or 32 bytes")
	ErrCiphertextShort  = errors.New("ciphertext too short")
	ErrCiphertextFormat = errors.New("ciphertext is not valid base64")
)

// Cipher seals and opens stored content.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	Enabled() bool
}

// New returns an AES-GCM cipher for key, or a pass-through cipher when key
// is empty. The key may be given raw or base64 encoded.
func New(key string) (Cipher, error) {
	if key == "" {
		return NoopCipher{}, nil
	}
	return NewAESCipher(key)
}

// AESCipher uses AES-GCM with a random nonce per message.
// Format: base64(nonce || ciphertext)
type AESCipher struct {
	gcm cipher.AEAD
}

// NewAESCipher constructs an AES-GCM cipher.
func NewAESCipher(key string) (*AESCipher, error) {
	k, err := decodeKey(key)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &AESCipher{gcm: gcm}, nil
}

func decodeKey(key string) ([]byte, error) {
	if validKeyLen(len(key)) {
		return []byte(key), nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(key); err == nil && validKeyLen(len(decoded)) {
		return decoded, nil
	}
	return nil, fmt.Errorf("%w; got %d", ErrInvalidKey, len(key))
}

func validKeyLen(n int) bool {
	return n == 16 || n == 24 || n == 32
}

func (c *AESCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("rand nonce: %w", err)
	}
	ct := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ct), nil
}

func (c *AESCipher) Decrypt(b64 string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertextFormat, err)
	}
	ns := c.gcm.NonceSize()
	if len(data) < ns {
		return "", ErrCiphertextShort
	}
	nonce, ct := data[:ns], data[ns:]
	pt, err := c.gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("gcm open: %w", err)
	}
	return string(pt), nil
}

func (c *AESCipher) Enabled() bool { return true }

// NoopCipher stores content as-is.
type NoopCipher struct{}

func (NoopCipher) Encrypt(plaintext string) (string, error)  { return plaintext, nil }
func (NoopCipher) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }
func (NoopCipher) Enabled() bool                             { return false }
