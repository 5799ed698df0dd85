package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bdaemon/agentd/internal/remotecmd"
)

// sessionSecretResponse is the envelope published on the requester's
// secrets channel. The token form carries the key; the device ids let
// the receiver confirm the response is the one it asked for.
type sessionSecretResponse struct {
	SchemaVersion     int    `json:"schema_version"`
	SessionID         string `json:"session_id"`
	RequestID         string `json:"request_id"`
	RequesterDeviceID string `json:"requester_device_id"`
	ResponderDeviceID string `json:"responder_device_id"`
	SecretToken       string `json:"secret_token"`
	CreatedAtMs       int64  `json:"created_at_ms"`
}

// commandSessionSecretRequest answers another device's ask for a
// session's message key. The response does not ride the ordinary
// command-response channel: it goes out on the device-pair secrets
// channel, and the command result only confirms delivery. These are
// the commands whose idempotency key includes both device ids, so the
// same request_id from two requesters never collides.
func (d *Deps) commandSessionSecretRequest(ctx context.Context, env remotecmd.CommandEnvelope) remotecmd.HandlerResult {
	sessionID, res := sessionIDFromCommand(env)
	if res != nil {
		return *res
	}
	if d.Keys == nil || d.Secrets == nil {
		return remotecmd.HandlerResult{ErrorCode: "command_failed", ErrorMessage: "secret exchange not configured"}
	}

	token, err := d.Keys.Token(sessionID)
	if err != nil {
		return remotecmd.HandlerResult{ErrorCode: "not_found", ErrorMessage: err.Error()}
	}

	payload := sessionSecretResponse{
		SchemaVersion:     1,
		SessionID:         sessionID,
		RequestID:         env.RequestID,
		RequesterDeviceID: env.RequesterDeviceID,
		ResponderDeviceID: d.DeviceID,
		SecretToken:       token,
		CreatedAtMs:       time.Now().UnixMilli(),
	}
	if err := d.Secrets.PublishSessionSecret(env.RequesterDeviceID, payload); err != nil {
		return remotecmd.HandlerResult{ErrorCode: "publish_failed", ErrorMessage: err.Error()}
	}
	return remotecmd.HandlerResult{Result: json.RawMessage(`{"delivered":true}`)}
}
