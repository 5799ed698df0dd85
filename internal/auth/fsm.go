// Package auth implements the authentication state machine: startup
// session validation, bounded-backoff token refresh, and a
// state-change notification hook the IPC layer broadcasts as
// auth_state_changed.
//
// The persisted session is the source of truth for tokens; the state
// machine tracks the transient transitions (in-flight login, refresh,
// validation) so subscribers can observe them.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bdaemon/agentd/internal/config"
	"github.com/bdaemon/agentd/internal/daemonlog"
	"github.com/bdaemon/agentd/internal/secrets"
)

// State is one node of the authentication state machine.
type State string

const (
	NotLoggedIn         State = "not_logged_in"
	Validating          State = "validating"
	VerifyingWithServer State = "verifying_with_server"
	TokenNotExpired      State = "token_not_expired"
	SessionExpired       State = "session_expired"
	NoSessionState       State = "no_session"
	LoggingIn            State = "logging_in"
	LoggedIn             State = "logged_in"
	Refreshing           State = "refreshing"
	LoggingOut           State = "logging_out"
)

// Session is the persisted auth session.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
}

// Notification is delivered to the registered callback on every
// transition between distinct states, and broadcast to IPC subscribers
// as auth_state_changed.
type Notification struct {
	State  State  `json:"state"`
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
}

// ErrNonTransient marks an error from the auth server as non-transient
// (4xx): refresh must not retry it and must clear the session.
type ErrNonTransient struct{ Err error }

func (e *ErrNonTransient) Error() string { return e.Err.Error() }
func (e *ErrNonTransient) Unwrap() error { return e.Err }

const secretKey = "auth_session"

// Manager owns the current auth state and session, and drives the
// refresh loop. Safe for concurrent use; the mutex is held only across
// the transition itself, never across a network await, per the
// project's locking discipline.
type Manager struct {
	cfg        config.AuthConfig
	secrets    secrets.Store
	httpClient *http.Client
	onChange   func(Notification)

	mu      sync.Mutex
	state   State
	session *Session
}

// New builds a Manager. onChange may be nil.
func New(cfg config.AuthConfig, secretStore secrets.Store, httpClient *http.Client, onChange func(Notification)) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if onChange == nil {
		onChange = func(Notification) {}
	}
	return &Manager{
		cfg:        cfg,
		secrets:    secretStore,
		httpClient: httpClient,
		onChange:   onChange,
		state:      NotLoggedIn,
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	var n Notification
	if m.session != nil {
		n = Notification{State: s, UserID: m.session.UserID, Email: m.session.Email}
	} else {
		n = Notification{State: s}
	}
	m.mu.Unlock()

	if prev != s {
		m.onChange(n)
	}
}

func (m *Manager) loadSession() (*Session, bool) {
	raw, ok, err := m.secrets.Get(secretKey)
	if err != nil || !ok {
		return nil, false
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false
	}
	return &s, true
}

func (m *Manager) storeSession(s *Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return m.secrets.Set(secretKey, raw)
}

func (m *Manager) clearSession() {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
	_ = m.secrets.Delete(secretKey)
}

// ValidateSessionOnStartup runs the startup validation sequence:
// no stored session ends at NotLoggedIn; a locally expired token is
// refreshed with backoff; a locally valid token is verified with the
// auth server. Returns whether a usable session is now loaded.
func (m *Manager) ValidateSessionOnStartup(ctx context.Context) bool {
	m.setState(Validating)

	session, ok := m.loadSession()
	if !ok {
		m.setState(NoSessionState)
		m.setState(NotLoggedIn)
		return false
	}

	m.mu.Lock()
	m.session = session
	m.mu.Unlock()

	if time.Now().After(session.ExpiresAt) {
		m.setState(SessionExpired)
		m.setState(Refreshing)
		if err := m.refresh(ctx); err != nil {
			daemonlog.Logf("auth: startup refresh failed: %v", err)
			m.clearSession()
			m.setState(NotLoggedIn)
			return false
		}
		m.setState(LoggedIn)
		return true
	}

	m.setState(TokenNotExpired)
	m.setState(VerifyingWithServer)
	if err := m.verifyWithServer(ctx, session.AccessToken); err != nil {
		daemonlog.Logf("auth: server verification rejected session: %v", err)
		m.clearSession()
		m.setState(NotLoggedIn)
		return false
	}
	m.setState(LoggedIn)
	return true
}

func (m *Manager) verifyWithServer(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL+"/auth/v1/user", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("verify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server rejected session: status %d", resp.StatusCode)
	}
	return nil
}

// CurrentUser returns the identity of the active session, if any.
func (m *Manager) CurrentUser() (userID, email string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return "", "", false
	}
	return m.session.UserID, m.session.Email, true
}

// GetValidToken is the canonical token accessor: if the stored token is
// locally expired, it refreshes before returning.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	if session == nil {
		return "", errors.New("auth: no session")
	}
	if time.Now().Before(session.ExpiresAt) {
		return session.AccessToken, nil
	}

	m.setState(Refreshing)
	if err := m.refresh(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	token := m.session.AccessToken
	m.mu.Unlock()
	m.setState(LoggedIn)
	return token, nil
}

// refresh performs the bounded-backoff token refresh: only transient
// errors (network failures, 5xx) retry; a non-transient error clears
// the session immediately.
func (m *Manager) refresh(ctx context.Context) error {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()
	if session == nil {
		return errors.New("auth: no session to refresh")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.BackoffBase
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = time.Second
	}
	bo.MaxInterval = m.cfg.BackoffMax
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = 60 * time.Second
	}
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // bounded by attempt count below, not wall-clock
	maxRetries := m.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}

	attempt := 0
	operation := func() error {
		attempt++
		newSession, err := m.refreshOnce(ctx, session.RefreshToken)
		if err != nil {
			var nonTransient *ErrNonTransient
			if errors.As(err, &nonTransient) {
				return backoff.Permanent(err)
			}
			if attempt >= maxRetries {
				return backoff.Permanent(err)
			}
			return err
		}
		m.mu.Lock()
		m.session = newSession
		m.mu.Unlock()
		return m.storeSession(newSession)
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		var nonTransient *ErrNonTransient
		if errors.As(err, &nonTransient) {
			m.clearSession()
		}
		return fmt.Errorf("auth: refresh failed: %w", err)
	}
	return nil
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
}

func (m *Manager) refreshOnce(ctx context.Context, refreshToken string) (*Session, error) {
	body, _ := json.Marshal(map[string]string{"refresh_token": refreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/auth/v1/token?grant_type=refresh_token", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err // network failure: transient
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("refresh: server error %d", resp.StatusCode) // transient
	}
	if resp.StatusCode >= 400 {
		return nil, &ErrNonTransient{Err: fmt.Errorf("refresh: rejected with status %d", resp.StatusCode)}
	}

	var parsed refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &ErrNonTransient{Err: fmt.Errorf("refresh: decode response: %w", err)}
	}

	return &Session{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
		UserID:       parsed.UserID,
		Email:        parsed.Email,
	}, nil
}

// Login performs the password-grant login flow against
// /auth/v1/token?grant_type=password: NotLoggedIn -> LoggingIn ->
// LoggedIn on success, back to NotLoggedIn on failure.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	m.setState(LoggingIn)

	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/auth/v1/token?grant_type=password", bytes.NewReader(body))
	if err != nil {
		m.setState(NotLoggedIn)
		return fmt.Errorf("auth: build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.setState(NotLoggedIn)
		return fmt.Errorf("auth: login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		m.setState(NotLoggedIn)
		return fmt.Errorf("auth: login denied: status %d", resp.StatusCode)
	}

	var parsed refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		m.setState(NotLoggedIn)
		return fmt.Errorf("auth: decode login response: %w", err)
	}

	session := Session{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
		UserID:       parsed.UserID,
		Email:        parsed.Email,
	}
	if err := m.storeSession(&session); err != nil {
		m.setState(NotLoggedIn)
		return fmt.Errorf("auth: store session: %w", err)
	}
	m.mu.Lock()
	m.session = &session
	m.mu.Unlock()
	m.setState(LoggedIn)
	return nil
}

// Logout transitions through LoggingOut and clears the session.
func (m *Manager) Logout() {
	m.setState(LoggingOut)
	m.clearSession()
	m.setState(NotLoggedIn)
}

// CompleteLogin stores a freshly obtained session and transitions to
// LoggedIn. Used by the login/social-login IPC handlers once they have
// an access/refresh token pair from the identity provider.
func (m *Manager) CompleteLogin(session Session) error {
	m.setState(LoggingIn)
	if err := m.storeSession(&session); err != nil {
		m.setState(NotLoggedIn)
		return fmt.Errorf("auth: store session: %w", err)
	}
	m.mu.Lock()
	m.session = &session
	m.mu.Unlock()
	m.setState(LoggedIn)
	return nil
}
