package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdaemon/agentd/internal/remotecmd"
)

type fakeKeys struct {
	created []string
	token   string
	err     error
}

func (f *fakeKeys) Create(sessionID string) ([]byte, error) {
	f.created = append(f.created, sessionID)
	return make([]byte, 32), f.err
}

func (f *fakeKeys) Token(sessionID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

type fakeSecretPublisher struct {
	requester string
	payload   any
	err       error
}

func (f *fakeSecretPublisher) PublishSessionSecret(requesterDeviceID string, payload any) error {
	f.requester = requesterDeviceID
	f.payload = payload
	return f.err
}

func TestCommandSessionSecretRequestPublishesTokenToRequester(t *testing.T) {
	d := newTestDeps(t)
	d.DeviceID = "dev-local"
	keys := &fakeKeys{token: "sess_abc"}
	pub := &fakeSecretPublisher{}
	d.Keys = keys
	d.Secrets = pub

	res := d.commandSessionSecretRequest(context.Background(), remotecmd.CommandEnvelope{
		CommandType:       "session_secret.request.v1",
		RequestID:         "r1",
		RequesterDeviceID: "dev-remote",
		TargetDeviceID:    "dev-local",
		Params:            json.RawMessage(`{"session_id":"s1"}`),
	})

	require.Empty(t, res.ErrorCode)
	assert.JSONEq(t, `{"delivered":true}`, string(res.Result))
	assert.Equal(t, "dev-remote", pub.requester)

	payload := pub.payload.(sessionSecretResponse)
	assert.Equal(t, "s1", payload.SessionID)
	assert.Equal(t, "sess_abc", payload.SecretToken)
	assert.Equal(t, "dev-local", payload.ResponderDeviceID)
	assert.Equal(t, "dev-remote", payload.RequesterDeviceID)
	assert.Equal(t, "r1", payload.RequestID)
}

func TestCommandSessionSecretRequestReportsMissingSecret(t *testing.T) {
	d := newTestDeps(t)
	d.Keys = &fakeKeys{err: errors.New("no session secret available")}
	d.Secrets = &fakeSecretPublisher{}

	res := d.commandSessionSecretRequest(context.Background(), remotecmd.CommandEnvelope{
		RequesterDeviceID: "dev-remote",
		Params:            json.RawMessage(`{"session_id":"missing"}`),
	})
	assert.Equal(t, "not_found", res.ErrorCode)
}

func TestCommandSessionSecretRequestSurfacesPublishFailure(t *testing.T) {
	d := newTestDeps(t)
	d.Keys = &fakeKeys{token: "sess_abc"}
	d.Secrets = &fakeSecretPublisher{err: errors.New("bridge down")}

	res := d.commandSessionSecretRequest(context.Background(), remotecmd.CommandEnvelope{
		RequesterDeviceID: "dev-remote",
		Params:            json.RawMessage(`{"session_id":"s1"}`),
	})
	assert.Equal(t, "publish_failed", res.ErrorCode)
}
