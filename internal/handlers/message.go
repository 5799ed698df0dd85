package handlers

import (
	"context"
	"encoding/json"

	"github.com/bdaemon/agentd/internal/ipc"
	"github.com/bdaemon/agentd/internal/remotecmd"
	"github.com/bdaemon/agentd/internal/types"
)

func (d *Deps) messageList(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p sessionIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	msgs, err := d.Store.ListMessagesForSession(p.SessionID)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return map[string]any{"messages": msgs}, nil
}

type messageSendParams struct {
	SessionID   string `json:"session_id"`
	Content     string `json:"content"`
	IsStreaming bool   `json:"is_streaming,omitempty"`
}

func (d *Deps) messageSend(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p messageSendParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	msg, err := d.Store.AppendMessage(types.Message{
		SessionID:   p.SessionID,
		Content:     p.Content,
		IsStreaming: p.IsStreaming,
	})
	if err != nil {
		return nil, notFoundErr(err)
	}
	if d.Hub != nil {
		d.Hub.Publish(p.SessionID, ipc.EventMessage, msg)
	}
	return msg, nil
}

func (d *Deps) outboxStatus(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p sessionIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	state, err := d.Store.GetSyncState(p.SessionID)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return state, nil
}

// commandMessageSend is the remotecmd-dispatched counterpart to
// messageSend.
func (d *Deps) commandMessageSend(ctx context.Context, env remotecmd.CommandEnvelope) remotecmd.HandlerResult {
	var p messageSendParams
	if len(env.Params) == 0 {
		return remotecmd.HandlerResult{ErrorCode: "invalid_params", ErrorMessage: "params required"}
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		return remotecmd.HandlerResult{ErrorCode: "invalid_params", ErrorMessage: err.Error()}
	}
	msg, err := d.Store.AppendMessage(types.Message{SessionID: p.SessionID, Content: p.Content, IsStreaming: p.IsStreaming})
	if err != nil {
		return remotecmd.HandlerResult{ErrorCode: "internal_error", ErrorMessage: err.Error()}
	}
	if d.Hub != nil {
		d.Hub.Publish(p.SessionID, ipc.EventMessage, msg)
	}
	result, _ := json.Marshal(msg)
	return remotecmd.HandlerResult{Result: result}
}
