package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisai/aegis/internal/apperr"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	v, err := New(key)
	require.NoError(t, err)

	tok, err := v.Encrypt("sk-proj-abcdef123456")
	require.NoError(t, err)
	assert.NotEqual(t, "sk-proj-abcdef123456", tok)

	plain, err := v.Decrypt(tok)
	require.NoError(t, err)
	assert.Equal(t, "sk-proj-abcdef123456", plain)
}

func TestDecryptWrongKey(t *testing.T) {
	k1, err := GenerateKey()
	require.NoError(t, err)
	k2, err := GenerateKey()
	require.NoError(t, err)

	v1, err := New(k1)
	require.NoError(t, err)
	v2, err := New(k2)
	require.NoError(t, err)

	tok, err := v1.Encrypt("secret")
	require.NoError(t, err)

	_, err = v2.Decrypt(tok)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.BadCiphertext))
}

func TestDecryptGarbage(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	v, err := New(key)
	require.NoError(t, err)

	_, err = v.Decrypt("not-a-fernet-token")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.BadCiphertext))
}

func TestNewRejectsBadKey(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
	_, err = New("short")
	require.Error(t, err)
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "sk-...wxyz", MaskSecret("sk-abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "***", MaskSecret("short"))
	assert.Equal(t, "***", MaskSecret("1234567"))
	assert.Equal(t, "123...5678", MaskSecret("12345678"))
}
