package security

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCrypto("this-is-a-16-plus-char-secret")
	require.NoError(t, err)

	ciphertext, err := c.Encrypt("ptlc_abc123")
	require.NoError(t, err)
	require.NotEqual(t, "ptlc_abc123", ciphertext)

	plaintext, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	require.Equal(t, "ptlc_abc123", plaintext)
}

func TestNewCryptoRejectsShortSecret(t *testing.T) {
	_, err := NewCrypto("short")
	require.Error(t, err)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	c, err := NewCrypto("this-is-a-16-plus-char-secret")
	require.NoError(t, err)

	ciphertext, err := c.Encrypt("secret-value")
	require.NoError(t, err)

	tampered := []byte(ciphertext)
	tampered[len(tampered)-1] ^= 0xFF
	_, err = c.Decrypt(string(tampered))
	require.Error(t, err)
}

func TestDifferentSecretsProduceIncompatibleKeys(t *testing.T) {
	a, err := NewCrypto("this-is-a-16-plus-char-secret-a")
	require.NoError(t, err)
	b, err := NewCrypto("this-is-a-16-plus-char-secret-b")
	require.NoError(t, err)

	ciphertext, err := a.Encrypt("value")
	require.NoError(t, err)

	_, err = b.Decrypt(ciphertext)
	require.Error(t, err)
}
