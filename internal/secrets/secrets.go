// Package secrets wraps the encrypted-at-rest content key and a small
// key/value secret store. The Store interface is the seam the rest of
// the daemon depends on; one file-backed implementation ships here,
// and pointing it at the platform keychain instead belongs to the
// packaging layer.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Store is the minimal secret-storage contract the daemon needs. A real
// deployment points this at the platform keychain; that wiring lives in
// the (out-of-scope) packaging layer.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// FileStore is a simple file-backed Store, suitable for local development
// and for environments with no OS keychain available. It is not a
// replacement for a real keychain in production.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore opens (creating if needed) a FileStore rooted at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	m := map[string]string{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("secrets: parse store: %w", err)
		}
	}
	return m, nil
}

func (s *FileStore) save(m map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Get returns the raw bytes stored under key, base64-free (stored as
// standard-encoded strings internally, decoded here).
func (s *FileStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return nil, false, err
	}
	v, ok := m[key]
	if !ok {
		return nil, false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, false, fmt.Errorf("secrets: decode %s: %w", key, err)
	}
	return raw, true, nil
}

// Set stores value under key.
func (s *FileStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	m[key] = base64.StdEncoding.EncodeToString(value)
	return s.save(m)
}

// Delete removes key.
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	delete(m, key)
	return s.save(m)
}

// Encrypt seals plaintext under key with a fresh random 12-byte nonce,
// returning the ciphertext (with the AEAD tag appended, as
// chacha20poly1305.Seal does) and the nonce used.
func Encrypt(key, plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("secrets: new aead: %w", err)
	}
	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("secrets: generate nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext sealed by Encrypt under key and nonce.
func Decrypt(key, ciphertext, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: new aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: open: %w", err)
	}
	return plaintext, nil
}

// SessionTokenPrefix marks the serialized form of a per-session
// message key: the prefix followed by the URL-safe base64 of the raw
// 32 bytes. The token form is what gets encrypted into the
// session_secrets table and what travels on the device-to-device
// secret response channel.
const SessionTokenPrefix = "sess_"

// EncodeSessionToken serializes a raw 32-byte session key as a token.
func EncodeSessionToken(key []byte) string {
	return SessionTokenPrefix + base64.RawURLEncoding.EncodeToString(key)
}

// DecodeSessionToken parses a token back into the raw 32-byte key.
func DecodeSessionToken(token string) ([]byte, error) {
	if !strings.HasPrefix(token, SessionTokenPrefix) {
		return nil, fmt.Errorf("secrets: session token missing %q prefix", SessionTokenPrefix)
	}
	key, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, SessionTokenPrefix))
	if err != nil {
		return nil, fmt.Errorf("secrets: decode session token: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secrets: session token decodes to %d bytes, want %d", len(key), chacha20poly1305.KeySize)
	}
	return key, nil
}

// NewSessionKey generates a fresh random 32-byte session key.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secrets: generate session key: %w", err)
	}
	return key, nil
}

const deviceKeyName = "content_at_rest_key"

// LoadOrCreateDeviceKey returns the 32-byte content-at-rest key held in
// store, generating and persisting a fresh random one on first run.
func LoadOrCreateDeviceKey(store Store) ([]byte, error) {
	if key, ok, err := store.Get(deviceKeyName); err != nil {
		return nil, err
	} else if ok {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("secrets: stored device key has wrong length %d", len(key))
		}
		return key, nil
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secrets: generate device key: %w", err)
	}
	if err := store.Set(deviceKeyName, key); err != nil {
		return nil, err
	}
	return key, nil
}
