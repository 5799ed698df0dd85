package handlers

import (
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"github.com/bdaemon/agentd/internal/auth"
	"github.com/bdaemon/agentd/internal/ipc"
)

type healthResult struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (d *Deps) health(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	return healthResult{Status: "ok", Version: "1"}, nil
}

func (d *Deps) shutdown(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	// The actual process exit is orchestrated by cmd/daemond's signal
	// handler; this handler only acknowledges the request so the client
	// sees a response before the socket goes away.
	return map[string]bool{"shutting_down": true}, nil
}

type authStatusResult struct {
	State  string `json:"state"`
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
}

func (d *Deps) authStatus(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	result := authStatusResult{State: string(d.Auth.State())}
	if userID, email, ok := d.Auth.CurrentUser(); ok {
		result.UserID = userID
		result.Email = email
	}
	return result, nil
}

type authLoginParams struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (d *Deps) authLogin(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p authLoginParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := d.Auth.Login(ctx, p.Email, p.Password); err != nil {
		return nil, ipc.NewError(ipc.CodeNotAuthenticated, err.Error())
	}
	return authStatusResult{State: string(d.Auth.State())}, nil
}

type authCompleteSocialParams struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in_seconds"`
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
}

func (d *Deps) authCompleteSocial(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p authCompleteSocialParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	// The social login handshake itself (redirecting to the identity
	// provider, catching its callback) happens outside the daemon; by
	// the time this method is invoked the caller already holds a token
	// pair and is just asking the daemon to adopt it.
	session := auth.Session{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(p.ExpiresIn) * time.Second),
		UserID:       p.UserID,
		Email:        p.Email,
	}
	if err := d.Auth.CompleteLogin(session); err != nil {
		return nil, ipc.NewError(ipc.CodeInternalError, err.Error())
	}
	return authStatusResult{State: string(d.Auth.State())}, nil
}

func (d *Deps) authLogout(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	d.Auth.Logout()
	return authStatusResult{State: string(d.Auth.State())}, nil
}

func (d *Deps) billingUsageStatus(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	if d.Quota == nil {
		return nil, ipc.NewError(ipc.CodeInternalError, "billing status unavailable: no remote API configured")
	}
	userID, _, ok := d.Auth.CurrentUser()
	if !ok {
		return nil, ipc.NewError(ipc.CodeNotAuthenticated, "not logged in")
	}

	snap, err := d.Quota.FetchUsageStatus(ctx, userID, d.DeviceID)
	if err != nil {
		return nil, ipc.NewError(ipc.CodeInternalError, err.Error())
	}
	return snap, nil
}

type dependenciesResult struct {
	Git bool `json:"git"`
	GH  bool `json:"gh"`
}

func (d *Deps) systemCheckDependencies(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	_, gitErr := exec.LookPath("git")
	_, ghErr := exec.LookPath("gh")
	return dependenciesResult{Git: gitErr == nil, GH: ghErr == nil}, nil
}
