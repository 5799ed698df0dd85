package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bdaemon/agentd/internal/ipc"
	"github.com/bdaemon/agentd/internal/remotecmd"
)

type claudeSendParams struct {
	SessionID string `json:"session_id"`
	Input     string `json:"input"`
}

func (d *Deps) claudeSend(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p claudeSendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := d.Agent.Send(ctx, p.SessionID, p.Input); err != nil {
		return nil, ipc.NewError(ipc.CodeInternalError, err.Error())
	}
	return map[string]bool{"sent": true}, nil
}

func (d *Deps) claudeStatus(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p sessionIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	status, err := d.Agent.Status(ctx, p.SessionID)
	if err != nil {
		return nil, ipc.NewError(ipc.CodeInternalError, err.Error())
	}
	return map[string]string{"status": string(status)}, nil
}

func (d *Deps) claudeStop(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p sessionIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := d.Agent.Stop(ctx, p.SessionID); err != nil {
		return nil, ipc.NewError(ipc.CodeInternalError, err.Error())
	}
	return map[string]bool{"stopped": true}, nil
}

// commandClaudeSend forwards another device's agent input to the local
// agent subprocess.
func (d *Deps) commandClaudeSend(ctx context.Context, env remotecmd.CommandEnvelope) remotecmd.HandlerResult {
	var p claudeSendParams
	if len(env.Params) == 0 {
		return remotecmd.HandlerResult{ErrorCode: "invalid_params", ErrorMessage: "params required"}
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		return remotecmd.HandlerResult{ErrorCode: "invalid_params", ErrorMessage: err.Error()}
	}
	if err := d.Agent.Send(ctx, p.SessionID, p.Input); err != nil {
		return remotecmd.HandlerResult{ErrorCode: "command_failed", ErrorMessage: err.Error()}
	}
	return remotecmd.HandlerResult{Result: json.RawMessage(`{"sent":true}`)}
}

// commandClaudeStop stops the local agent run for a session on another
// device's request.
func (d *Deps) commandClaudeStop(ctx context.Context, env remotecmd.CommandEnvelope) remotecmd.HandlerResult {
	sessionID, res := sessionIDFromCommand(env)
	if res != nil {
		return *res
	}
	if err := d.Agent.Stop(ctx, sessionID); err != nil {
		return remotecmd.HandlerResult{ErrorCode: "command_failed", ErrorMessage: err.Error()}
	}
	return remotecmd.HandlerResult{Result: json.RawMessage(`{"stopped":true}`)}
}

// commandClaudeStatus reports the local agent status for a session.
func (d *Deps) commandClaudeStatus(ctx context.Context, env remotecmd.CommandEnvelope) remotecmd.HandlerResult {
	sessionID, res := sessionIDFromCommand(env)
	if res != nil {
		return *res
	}
	status, err := d.Agent.Status(ctx, sessionID)
	if err != nil {
		return remotecmd.HandlerResult{ErrorCode: "command_failed", ErrorMessage: err.Error()}
	}
	return remotecmd.HandlerResult{Result: json.RawMessage(fmt.Sprintf(`{"status":%q}`, status))}
}
