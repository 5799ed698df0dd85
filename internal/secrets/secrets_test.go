package secrets_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdaemon/agentd/internal/secrets"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	key[0] = 42

	ciphertext, nonce, err := secrets.Encrypt(key, []byte("the plaintext"))
	require.NoError(t, err)
	require.Len(t, nonce, 12)
	assert.NotEqual(t, []byte("the plaintext"), ciphertext)

	plain, err := secrets.Decrypt(key, ciphertext, nonce)
	require.NoError(t, err)
	assert.Equal(t, "the plaintext", string(plain))

	wrongKey := make([]byte, 32)
	_, err = secrets.Decrypt(wrongKey, ciphertext, nonce)
	assert.Error(t, err, "authenticated decryption must fail under the wrong key")
}

func TestSessionTokenRoundTrip(t *testing.T) {
	key, err := secrets.NewSessionKey()
	require.NoError(t, err)
	require.Len(t, key, 32)

	token := secrets.EncodeSessionToken(key)
	assert.Contains(t, token, "sess_")

	decoded, err := secrets.DecodeSessionToken(token)
	require.NoError(t, err)
	assert.Equal(t, key, decoded)
}

func TestDecodeSessionTokenRejectsMalformedInput(t *testing.T) {
	_, err := secrets.DecodeSessionToken("nope_abcdef")
	assert.Error(t, err)

	_, err = secrets.DecodeSessionToken("sess_!!!")
	assert.Error(t, err)

	_, err = secrets.DecodeSessionToken("sess_c2hvcnQ") // decodes to "short"
	assert.Error(t, err)
}

func TestLoadOrCreateDeviceKeyIsStable(t *testing.T) {
	store := secrets.NewFileStore(filepath.Join(t.TempDir(), "secrets.json"))

	first, err := secrets.LoadOrCreateDeviceKey(store)
	require.NoError(t, err)
	require.Len(t, first, 32)

	second, err := secrets.LoadOrCreateDeviceKey(store)
	require.NoError(t, err)
	assert.Equal(t, first, second, "the device key must persist across loads")
}
