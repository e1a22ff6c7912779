// Package vault encrypts provider credentials at rest using Fernet
// symmetric tokens, keyed from the ENCRYPTION_KEY setting.
package vault

import (
	"fmt"

	"github.com/fernet/fernet-go"

	"github.com/aegisai/aegis/internal/apperr"
)

// Vault wraps a Fernet key for credential encryption and masking.
type Vault struct {
	key *fernet.Key
}

// New builds a Vault from a base64 urlsafe Fernet key string.
func New(encryptionKey string) (*Vault, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := fernet.DecodeKey(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	return &Vault{key: key}, nil
}

// GenerateKey returns a fresh base64 urlsafe Fernet key, for provisioning.
func GenerateKey() (string, error) {
	var key fernet.Key
	if err := key.Generate(); err != nil {
		return "", fmt.Errorf("generate fernet key: %w", err)
	}
	return key.Encode(), nil
}

// Encrypt returns the Fernet token for plaintext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plaintext), v.key)
	if err != nil {
		return "", fmt.Errorf("encrypt secret: %w", err)
	}
	return string(tok), nil
}

// Decrypt verifies and decrypts a Fernet token. Tokens do not expire.
func (v *Vault) Decrypt(token string) (string, error) {
	msg := fernet.VerifyAndDecrypt([]byte(token), 0, []*fernet.Key{v.key})
	if msg == nil {
		return "", apperr.E(apperr.BadCiphertext, "stored credential failed to decrypt", nil)
	}
	return string(msg), nil
}

// MaskSecret renders a secret for display: first 3 and last 4 characters
// kept, everything else elided. Secrets too short to mask safely become "***".
func MaskSecret(secret string) string {
	if len(secret) <= 7 {
		return "***"
	}
	return secret[:3] + "..." + secret[len(secret)-4:]
}
