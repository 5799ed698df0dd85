package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdaemon/agentd/internal/auth"
	"github.com/bdaemon/agentd/internal/config"
	"github.com/bdaemon/agentd/internal/secrets"
)

func newSecretStore(t *testing.T) secrets.Store {
	t.Helper()
	return secrets.NewFileStore(filepath.Join(t.TempDir(), "secrets.json"))
}

func TestValidateSessionOnStartupNoSession(t *testing.T) {
	m := auth.New(config.AuthConfig{}, newSecretStore(t), nil, nil)
	ok := m.ValidateSessionOnStartup(context.Background())
	assert.False(t, ok)
	assert.Equal(t, auth.NotLoggedIn, m.State())
}

func TestValidateSessionOnStartupVerifiesUnexpiredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/v1/user", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := newSecretStore(t)
	require.NoError(t, store.Set("auth_session", mustJSON(t, auth.Session{
		AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour),
	})))

	m := auth.New(config.AuthConfig{BaseURL: srv.URL}, store, srv.Client(), nil)
	ok := m.ValidateSessionOnStartup(context.Background())
	assert.True(t, ok)
	assert.Equal(t, auth.LoggedIn, m.State())
}

func TestValidateSessionOnStartupServerRejectsClearsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	store := newSecretStore(t)
	require.NoError(t, store.Set("auth_session", mustJSON(t, auth.Session{
		AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour),
	})))

	m := auth.New(config.AuthConfig{BaseURL: srv.URL}, store, srv.Client(), nil)
	ok := m.ValidateSessionOnStartup(context.Background())
	assert.False(t, ok)
	assert.Equal(t, auth.NotLoggedIn, m.State())

	_, found, err := store.Get("auth_session")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExpiredSessionRefreshesSuccessfully(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/v1/token", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-tok", "refresh_token": "new-refresh", "expires_in": 3600,
			"user_id": "u1", "email": "u1@example.com",
		})
	}))
	defer srv.Close()

	store := newSecretStore(t)
	require.NoError(t, store.Set("auth_session", mustJSON(t, auth.Session{
		AccessToken: "old", RefreshToken: "refresh", ExpiresAt: time.Now().Add(-time.Hour),
	})))

	m := auth.New(config.AuthConfig{BaseURL: srv.URL, BackoffBase: time.Millisecond, BackoffMax: 10 * time.Millisecond, MaxRetries: 3}, store, srv.Client(), nil)
	ok := m.ValidateSessionOnStartup(context.Background())
	assert.True(t, ok)
	assert.Equal(t, auth.LoggedIn, m.State())
}

func TestRefreshNonTransientClearsSessionWithoutRetrying(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store := newSecretStore(t)
	require.NoError(t, store.Set("auth_session", mustJSON(t, auth.Session{
		AccessToken: "old", RefreshToken: "refresh", ExpiresAt: time.Now().Add(-time.Hour),
	})))

	m := auth.New(config.AuthConfig{BaseURL: srv.URL, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond, MaxRetries: 5}, store, srv.Client(), nil)
	ok := m.ValidateSessionOnStartup(context.Background())
	assert.False(t, ok)
	assert.Equal(t, auth.NotLoggedIn, m.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "a non-transient (4xx) error must not be retried")
}

func TestStateChangeNotificationFiresOnlyOnDistinctTransitions(t *testing.T) {
	var mu sync.Mutex
	var notifications []auth.State
	store := newSecretStore(t)

	m := auth.New(config.AuthConfig{}, store, nil, func(n auth.Notification) {
		mu.Lock()
		defer mu.Unlock()
		notifications = append(notifications, n.State)
	})
	m.ValidateSessionOnStartup(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, notifications, 3)
	assert.Contains(t, notifications, auth.Validating)
	assert.Contains(t, notifications, auth.NoSessionState)
	assert.Contains(t, notifications, auth.NotLoggedIn)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
