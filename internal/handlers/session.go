package handlers

import (
	"context"
	"encoding/json"

	"github.com/bdaemon/agentd/internal/daemonlog"
	"github.com/bdaemon/agentd/internal/ipc"
	"github.com/bdaemon/agentd/internal/remotecmd"
	"github.com/bdaemon/agentd/internal/types"
)

type sessionListParams struct {
	RepositoryID string `json:"repository_id"`
}

func (d *Deps) sessionList(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p sessionListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sessions, err := d.Store.ListSessionsForRepository(p.RepositoryID)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return map[string]any{"sessions": sessions}, nil
}

type sessionCreateParams struct {
	RepositoryID string `json:"repository_id"`
	Title        string `json:"title"`
	IsWorktree   bool   `json:"is_worktree"`
	WorktreePath string `json:"worktree_path,omitempty"`
}

func (d *Deps) sessionCreate(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p sessionCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := d.Store.CreateSession(types.Session{
		RepositoryID: p.RepositoryID,
		Title:        p.Title,
		IsWorktree:   p.IsWorktree,
		WorktreePath: p.WorktreePath,
	})
	if err != nil {
		return nil, notFoundErr(err)
	}
	d.provisionSessionKey(sess.ID)
	if d.Hub != nil {
		d.Hub.Publish(sess.ID, ipc.EventSessionCreated, sess)
	}
	return sess, nil
}

// provisionSessionKey gives a new session its message-encryption key
// up front so neither sync path ever finds an empty secret tier. A
// provisioning failure is logged, not fatal: the session still works
// locally, and the sync worker's quarantine handles the rest.
func (d *Deps) provisionSessionKey(sessionID string) {
	if d.Keys == nil {
		return
	}
	if _, err := d.Keys.Create(sessionID); err != nil {
		daemonlog.Errorf("handlers: provision session key for %s: %v", sessionID, err)
	}
}

type sessionIDParams struct {
	SessionID string `json:"session_id"`
}

func (d *Deps) sessionGet(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p sessionIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sess, err := d.Store.GetSession(p.SessionID)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return sess, nil
}

func (d *Deps) sessionDelete(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p sessionIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := d.Store.DeleteSession(p.SessionID); err != nil {
		return nil, notFoundErr(err)
	}
	if d.Hub != nil {
		d.Hub.Publish(p.SessionID, ipc.EventSessionDeleted, map[string]string{"session_id": p.SessionID})
	}
	return map[string]bool{"deleted": true}, nil
}

// commandSessionCreate is the remotecmd-dispatched counterpart to
// sessionCreate, invoked when another device asks this one to start a
// session on its behalf.
func (d *Deps) commandSessionCreate(ctx context.Context, env remotecmd.CommandEnvelope) remotecmd.HandlerResult {
	var p sessionCreateParams
	if len(env.Params) == 0 {
		return remotecmd.HandlerResult{ErrorCode: "invalid_params", ErrorMessage: "params required"}
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		return remotecmd.HandlerResult{ErrorCode: "invalid_params", ErrorMessage: err.Error()}
	}
	sess, err := d.Store.CreateSession(types.Session{
		RepositoryID: p.RepositoryID,
		Title:        p.Title,
		IsWorktree:   p.IsWorktree,
		WorktreePath: p.WorktreePath,
	})
	if err != nil {
		return remotecmd.HandlerResult{ErrorCode: "internal_error", ErrorMessage: err.Error()}
	}
	d.provisionSessionKey(sess.ID)
	result, _ := json.Marshal(sess)
	return remotecmd.HandlerResult{Result: result}
}

// commandSessionClose ends a session on another device's request.
func (d *Deps) commandSessionClose(ctx context.Context, env remotecmd.CommandEnvelope) remotecmd.HandlerResult {
	sessionID, res := sessionIDFromCommand(env)
	if res != nil {
		return *res
	}
	if err := d.Store.CloseSession(sessionID); err != nil {
		return remotecmd.HandlerResult{ErrorCode: "internal_error", ErrorMessage: err.Error()}
	}
	return remotecmd.HandlerResult{Result: json.RawMessage(`{"closed":true}`)}
}

// commandSessionDelete removes a session on another device's request.
func (d *Deps) commandSessionDelete(ctx context.Context, env remotecmd.CommandEnvelope) remotecmd.HandlerResult {
	sessionID, res := sessionIDFromCommand(env)
	if res != nil {
		return *res
	}
	if err := d.Store.DeleteSession(sessionID); err != nil {
		return remotecmd.HandlerResult{ErrorCode: "internal_error", ErrorMessage: err.Error()}
	}
	if d.Hub != nil {
		d.Hub.Publish(sessionID, ipc.EventSessionDeleted, map[string]string{"session_id": sessionID})
	}
	return remotecmd.HandlerResult{Result: json.RawMessage(`{"deleted":true}`)}
}

// sessionIDFromCommand decodes the common {session_id} command params
// shape, returning a ready error result on any problem.
func sessionIDFromCommand(env remotecmd.CommandEnvelope) (string, *remotecmd.HandlerResult) {
	var p sessionIDParams
	if len(env.Params) == 0 {
		return "", &remotecmd.HandlerResult{ErrorCode: "invalid_params", ErrorMessage: "params required"}
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		return "", &remotecmd.HandlerResult{ErrorCode: "invalid_params", ErrorMessage: err.Error()}
	}
	if p.SessionID == "" {
		return "", &remotecmd.HandlerResult{ErrorCode: "invalid_params", ErrorMessage: "session_id required"}
	}
	return p.SessionID, nil
}
