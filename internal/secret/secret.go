// Package secret encrypts and decrypts Telegram credentials stored at rest.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	keyLength   = 32
	nonceLength = 12

	emptyToken = "EMPTY"
)

// ErrMalformed is returned when a ciphertext is not in nonce:data:tag form.
var ErrMalformed = errors.New("malformed encrypted token")

// Cipher is an AES-256-GCM sealer for short secrets.
type Cipher struct {
	aead cipher.AEAD
}

// New creates a Cipher from the first 32 bytes of key.
func New(key string) (*Cipher, error) {
	if len(key) < keyLength {
		return nil, fmt.Errorf("encryption key must be at least %d bytes, got %d", keyLength, len(key))
	}
	block, err := aes.NewCipher([]byte(key)[:keyLength])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext as hex(nonce):hex(ciphertext):hex(tag).
// The empty string is encoded as a fixed marker.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return emptyToken, nil
	}
	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	split := len(sealed) - c.aead.Overhead()
	return hex.EncodeToString(nonce) + ":" +
		hex.EncodeToString(sealed[:split]) + ":" +
		hex.EncodeToString(sealed[split:]), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Cipher) Decrypt(token string) (string, error) {
	if token == emptyToken {
		return "", nil
	}
	parts := strings.Split(token, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", ErrMalformed
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceLength {
		return "", ErrMalformed
	}
	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", ErrMalformed
	}
	tag, err := hex.DecodeString(parts[2])
	if err != nil || len(tag) != c.aead.Overhead() {
		return "", ErrMalformed
	}
	plain, err := c.aead.Open(nil, nonce, append(data, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("open token: %w", err)
	}
	return string(plain), nil
}
