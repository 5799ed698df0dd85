package syncworker_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdaemon/agentd/internal/secrets"
	"github.com/bdaemon/agentd/internal/store"
	"github.com/bdaemon/agentd/internal/syncworker"
	"github.com/bdaemon/agentd/internal/types"
)

type fakeLegacy struct {
	key []byte
	ok  bool
}

func (f fakeLegacy) LookupSessionKey(sessionID string) ([]byte, bool, error) {
	return f.key, f.ok, nil
}

func TestKeyResolverReadsFromStoreAndCaches(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "daemon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(db, store.NopSink{})

	repo, _ := st.CreateRepository(types.Repository{Path: "/x", Name: "x"})
	sess, _ := st.CreateSession(types.Session{RepositoryID: repo.ID})

	deviceKey := make([]byte, 32)
	deviceKey[0] = 9
	realKey := make([]byte, 32)
	realKey[0] = 1

	ciphertext, nonce, err := secrets.Encrypt(deviceKey, realKey)
	require.NoError(t, err)
	require.NoError(t, st.PutSessionSecret(types.SessionSecret{SessionID: sess.ID, EncryptedSecret: ciphertext, Nonce: nonce}))

	kr := syncworker.NewKeyResolver(st, deviceKey, nil, 8)
	key, err := kr.Resolve(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, realKey, key)
}

func TestKeyResolverFallsBackToLegacyAndRepairs(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "daemon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(db, store.NopSink{})

	repo, _ := st.CreateRepository(types.Repository{Path: "/x", Name: "x"})
	sess, _ := st.CreateSession(types.Session{RepositoryID: repo.ID})

	deviceKey := make([]byte, 32)
	legacyKey := make([]byte, 32)
	legacyKey[0] = 7

	kr := syncworker.NewKeyResolver(st, deviceKey, fakeLegacy{key: legacyKey, ok: true}, 8)
	key, err := kr.Resolve(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, legacyKey, key)

	_, err = st.GetSessionSecret(sess.ID)
	assert.NoError(t, err, "a legacy hit must be repaired into the session_secrets table")
}

func TestCreatePersistsTokenFormAndResolvesFresh(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "daemon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(db, store.NopSink{})

	repo, _ := st.CreateRepository(types.Repository{Path: "/x", Name: "x"})
	sess, _ := st.CreateSession(types.Session{RepositoryID: repo.ID})

	deviceKey := make([]byte, 32)
	deviceKey[0] = 3

	kr := syncworker.NewKeyResolver(st, deviceKey, nil, 8)
	key, err := kr.Create(sess.ID)
	require.NoError(t, err)
	require.Len(t, key, 32)

	// The stored plaintext is the sess_ token, not the raw bytes.
	secret, err := st.GetSessionSecret(sess.ID)
	require.NoError(t, err)
	plain, err := secrets.Decrypt(deviceKey, secret.EncryptedSecret, secret.Nonce)
	require.NoError(t, err)
	decoded, err := secrets.DecodeSessionToken(string(plain))
	require.NoError(t, err)
	assert.Equal(t, key, decoded)

	// A resolver with a cold cache reads the same key back.
	kr2 := syncworker.NewKeyResolver(st, deviceKey, nil, 8)
	resolved, err := kr2.Resolve(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, key, resolved)

	token, err := kr2.Token(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, secrets.EncodeSessionToken(key), token)
}

func TestKeyResolverErrorsWhenNoTierHasAKey(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "daemon.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(db, store.NopSink{})

	kr := syncworker.NewKeyResolver(st, make([]byte, 32), nil, 8)
	_, err = kr.Resolve("missing-session")
	assert.ErrorIs(t, err, syncworker.ErrNoSessionSecret)
}
