package syncworker

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/bdaemon/agentd/internal/lru"
	"github.com/bdaemon/agentd/internal/secrets"
	"github.com/bdaemon/agentd/internal/store"
	"github.com/bdaemon/agentd/internal/types"
)

// ErrNoSessionSecret is returned when a session has no usable key in
// any tier.
var ErrNoSessionSecret = errors.New("syncworker: no session secret available")

// LegacyKeychain is consulted as the last-resort tier when a session
// predates the on-disk session_secrets table (migrated installs). No
// implementation ships in this repo; a nil LegacyKeychain simply skips
// the tier.
type LegacyKeychain interface {
	LookupSessionKey(sessionID string) ([]byte, bool, error)
}

// KeyResolver resolves a session's symmetric message-encryption key,
// trying an in-process cache first and falling back to slower tiers,
// repairing (re-persisting under the current device key) whenever a
// fallback tier produces a hit that the cache/store didn't have.
type KeyResolver struct {
	cache     *lru.Cache[[]byte]
	store     *store.Store
	deviceKey []byte
	legacy    LegacyKeychain
}

// NewKeyResolver builds a resolver with a cache of cacheSize sessions.
// legacy may be nil.
func NewKeyResolver(st *store.Store, deviceKey []byte, legacy LegacyKeychain, cacheSize int) *KeyResolver {
	return &KeyResolver{
		cache:     lru.New[[]byte](cacheSize),
		store:     st,
		deviceKey: deviceKey,
		legacy:    legacy,
	}
}

// Create generates a fresh session key for sessionID, persists it to
// the session_secrets table (token form, encrypted under the device
// key), caches it, and returns the raw key. Called when a session is
// created so the sync paths always find a key in some tier.
func (r *KeyResolver) Create(sessionID string) ([]byte, error) {
	key, err := secrets.NewSessionKey()
	if err != nil {
		return nil, err
	}
	if err := r.persist(sessionID, key); err != nil {
		return nil, fmt.Errorf("syncworker: persist session secret: %w", err)
	}
	r.cache.Put(sessionID, key)
	return key, nil
}

// Token returns sessionID's key in its serialized token form, for the
// device-to-device secret response path.
func (r *KeyResolver) Token(sessionID string) (string, error) {
	key, err := r.Resolve(sessionID)
	if err != nil {
		return "", err
	}
	return secrets.EncodeSessionToken(key), nil
}

// Resolve returns sessionID's symmetric key, trying (a) the LRU cache,
// (b) the session_secrets table decrypted under the device key, then
// (c) the legacy keychain. A hit in (c) is repaired into the store
// under the current device key before being cached.
func (r *KeyResolver) Resolve(sessionID string) ([]byte, error) {
	if key, ok := r.cache.Get(sessionID); ok {
		return key, nil
	}

	if secret, err := r.store.GetSessionSecret(sessionID); err == nil {
		plaintext, decErr := secrets.Decrypt(r.deviceKey, secret.EncryptedSecret, secret.Nonce)
		if decErr == nil {
			key, keyErr := keyFromPlaintext(plaintext)
			if keyErr != nil {
				return nil, fmt.Errorf("syncworker: session secret for %s: %w", sessionID, keyErr)
			}
			r.cache.Put(sessionID, key)
			return key, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("syncworker: read session secret: %w", err)
	}

	if r.legacy != nil {
		if key, ok, err := r.legacy.LookupSessionKey(sessionID); err == nil && ok {
			if err := r.persist(sessionID, key); err != nil {
				return nil, fmt.Errorf("syncworker: repair session secret: %w", err)
			}
			r.cache.Put(sessionID, key)
			return key, nil
		}
	}

	return nil, ErrNoSessionSecret
}

// keyFromPlaintext accepts both the token form and, for rows written
// before tokens, the raw 32 bytes.
func keyFromPlaintext(plaintext []byte) ([]byte, error) {
	if strings.HasPrefix(string(plaintext), secrets.SessionTokenPrefix) {
		return secrets.DecodeSessionToken(string(plaintext))
	}
	if len(plaintext) == chacha20poly1305.KeySize {
		return plaintext, nil
	}
	return nil, fmt.Errorf("unrecognized secret plaintext of %d bytes", len(plaintext))
}

func (r *KeyResolver) persist(sessionID string, key []byte) error {
	token := secrets.EncodeSessionToken(key)
	ciphertext, nonce, err := secrets.Encrypt(r.deviceKey, []byte(token))
	if err != nil {
		return err
	}
	return r.store.PutSessionSecret(types.SessionSecret{
		SessionID:       sessionID,
		EncryptedSecret: ciphertext,
		Nonce:           nonce,
	})
}

// Invalidate drops sessionID from the cache, forcing the next Resolve
// to re-read the store (used after an external key rotation).
func (r *KeyResolver) Invalidate(sessionID string) {
	r.cache.Delete(sessionID)
}
