package encryptor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	enc, err := NewEncryptor("correct horse", salt)
	require.NoError(t, err)

	plaintext := []byte("chunk payload")
	sealed, err := enc.Encrypt(plaintext)
	require.NoError(t, err)
	require.NotContains(t, string(sealed), "chunk payload")

	opened, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)

	// Same secret and salt derive the same key.
	again, err := NewEncryptor("correct horse", salt)
	require.NoError(t, err)
	opened, err = again.Decrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestDecryptRejectsTamperingAndWrongKey(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	enc, err := NewEncryptor("secret-a", salt)
	require.NoError(t, err)
	other, err := NewEncryptor("secret-b", salt)
	require.NoError(t, err)

	sealed, err := enc.Encrypt([]byte("data"))
	require.NoError(t, err)

	_, err = other.Decrypt(sealed)
	require.Error(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = enc.Decrypt(sealed)
	require.Error(t, err)

	_, err = enc.Decrypt([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestNewEncryptorValidatesInput(t *testing.T) {
	_, err := NewEncryptor("", make([]byte, SaltSize))
	require.Error(t, err)
	_, err = NewEncryptor("x", []byte("short"))
	require.Error(t, err)
}
