// Package remoteapi is the daemon's one HTTPS JSON client for the
// remote relational database: message upserts for the cold-path
// syncer, session/repository mirroring for the side-effect sink,
// runtime-status mirroring for the coalescer, and the
// billing-quota/usage-event calls for the remote-command dispatcher.
// One concrete Client satisfies the narrow interfaces each of those
// callers owns.
package remoteapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bdaemon/agentd/internal/config"
	"github.com/bdaemon/agentd/internal/remotecmd"
	"github.com/bdaemon/agentd/internal/sink"
	"github.com/bdaemon/agentd/internal/syncworker"
	"github.com/bdaemon/agentd/internal/types"
)

// TokenSource supplies the bearer token for authenticated calls.
// internal/auth.Manager.GetValidToken satisfies this.
type TokenSource interface {
	GetValidToken(ctx context.Context) (string, error)
}

// Client implements syncworker.RemoteSync, sink.RemoteMirror,
// statuscoalescer.RemoteMirror, remotecmd.QuotaFetcher, and
// remotecmd.UsageReporter against one remote database base URL.
type Client struct {
	cfg    config.RemoteAPIConfig
	tokens TokenSource
	http   *http.Client
}

// New builds a Client. tokens may be nil only in tests that never
// exercise an authenticated call.
func New(cfg config.RemoteAPIConfig, tokens TokenSource) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		tokens: tokens,
		http:   &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("remoteapi: marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("remoteapi: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.tokens != nil {
		token, err := c.tokens.GetValidToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("remoteapi: get token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remoteapi: %s %s: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, fmt.Errorf("remoteapi: %s %s: status %d", method, path, resp.StatusCode)
	}
	return resp, nil
}

// --- syncworker.RemoteSync ------------------------------------------------

// UpsertMessages implements syncworker.RemoteSync.
func (c *Client) UpsertMessages(ctx context.Context, batch []syncworker.MessageUpsert) error {
	resp, err := c.do(ctx, http.MethodPost, "/rest/v1/messages", batch)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// --- sink.RemoteMirror -----------------------------------------------------

type sessionUpsertBody struct {
	ID               string `json:"id"`
	RepositoryID     string `json:"repository_id"`
	Title            string `json:"title,omitempty"`
	CurrentBranch    string `json:"current_branch,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	IsWorktree       bool   `json:"is_worktree"`
	WorktreePath     string `json:"worktree_path,omitempty"`
	Status           string `json:"status"`
}

// UpsertSession implements sink.RemoteMirror.
func (c *Client) UpsertSession(ctx context.Context, sessionID string, meta sink.RepositoryMetadata) error {
	body := sessionUpsertBody{
		ID:               sessionID,
		RepositoryID:     meta.RepositoryID,
		Title:            meta.Title,
		CurrentBranch:    meta.CurrentBranch,
		WorkingDirectory: meta.WorkingDirectory,
		IsWorktree:       meta.IsWorktree,
		WorktreePath:     meta.WorktreePath,
		Status:           "active",
	}
	resp, err := c.do(ctx, http.MethodPost, "/rest/v1/sessions", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// CloseSession implements sink.RemoteMirror.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	resp, err := c.do(ctx, http.MethodPatch, "/rest/v1/sessions/"+sessionID, map[string]string{"status": "ended"})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// DeleteSession implements sink.RemoteMirror.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/rest/v1/sessions/"+sessionID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// DeleteRepository implements sink.RemoteMirror.
func (c *Client) DeleteRepository(ctx context.Context, repositoryID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/rest/v1/repositories/"+repositoryID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// --- statuscoalescer.RemoteMirror -------------------------------------------

// PutRuntimeStatus implements statuscoalescer.RemoteMirror.
func (c *Client) PutRuntimeStatus(ctx context.Context, envelope types.RuntimeStatusEnvelope) error {
	resp, err := c.do(ctx, http.MethodPost, "/rest/v1/session_runtime_status", envelope)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// --- remotecmd.QuotaFetcher / UsageReporter ---------------------------------

type usageStatusResponse struct {
	Plan             string `json:"plan"`
	Gateway          string `json:"gateway"`
	PeriodStart      string `json:"period_start"`
	PeriodEnd        string `json:"period_end"`
	CommandsLimit    int64  `json:"commands_limit"`
	CommandsUsed     int64  `json:"commands_used"`
	CommandsRemaining int64 `json:"commands_remaining"`
	EnforcementState string `json:"enforcement_state"`
	UpdatedAt        string `json:"updated_at"`
}

// FetchUsageStatus implements remotecmd.QuotaFetcher.
func (c *Client) FetchUsageStatus(ctx context.Context, userID, deviceID string) (remotecmd.QuotaSnapshot, error) {
	path := fmt.Sprintf("/rest/v1/usage-status?user_id=%s&device_id=%s", userID, deviceID)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return remotecmd.QuotaSnapshot{}, err
	}
	defer resp.Body.Close()

	var parsed usageStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return remotecmd.QuotaSnapshot{}, fmt.Errorf("remoteapi: decode usage status: %w", err)
	}
	return remotecmd.QuotaSnapshot{
		Plan:              parsed.Plan,
		Gateway:           parsed.Gateway,
		PeriodStart:       parsed.PeriodStart,
		PeriodEnd:         parsed.PeriodEnd,
		CommandsLimit:     parsed.CommandsLimit,
		CommandsUsed:      parsed.CommandsUsed,
		CommandsRemaining: parsed.CommandsRemaining,
		EnforcementState:  parsed.EnforcementState,
		UpdatedAt:         parsed.UpdatedAt,
	}, nil
}

type usageEventBody struct {
	DeviceID   string `json:"device_id"`
	RequestID  string `json:"request_id"`
	UsageType  string `json:"usage_type"`
	Quantity   int    `json:"quantity"`
	OccurredAt string `json:"occurred_at"`
}

// ReportUsageEvent implements remotecmd.UsageReporter.
func (c *Client) ReportUsageEvent(ctx context.Context, deviceID, requestID string, quantity int) error {
	body := usageEventBody{
		DeviceID:   deviceID,
		RequestID:  requestID,
		UsageType:  "remote_commands",
		Quantity:   quantity,
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
	}
	resp, err := c.do(ctx, http.MethodPost, "/rest/v1/usage-events", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
