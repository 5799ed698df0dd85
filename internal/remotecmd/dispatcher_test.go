package remotecmd_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdaemon/agentd/internal/config"
	"github.com/bdaemon/agentd/internal/remotecmd"
)

type recordingPublisher struct {
	mu        sync.Mutex
	responses []remotecmd.CommandResponse
}

func (p *recordingPublisher) PublishCommandResponse(_ string, resp remotecmd.CommandResponse) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, resp)
	return nil
}

func (p *recordingPublisher) last() remotecmd.CommandResponse {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.responses[len(p.responses)-1]
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.responses)
}

func TestUnknownCommandTypeReturnsUnsupportedError(t *testing.T) {
	pub := &recordingPublisher{}
	d := remotecmd.New(config.RemoteCmdConfig{}, pub, nil, nil)

	d.Dispatch(context.Background(), "u1", "d1", remotecmd.CommandEnvelope{CommandType: "bogus.v1", RequestID: "r1"})

	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, remotecmd.ErrUnsupportedCommandType, pub.last().ErrorCode)
}

func TestRegisteredHandlerDispatches(t *testing.T) {
	pub := &recordingPublisher{}
	d := remotecmd.New(config.RemoteCmdConfig{}, pub, nil, nil)
	d.Register("session.create.v1", func(ctx context.Context, env remotecmd.CommandEnvelope) remotecmd.HandlerResult {
		return remotecmd.HandlerResult{Result: json.RawMessage(`{"session_id":"s1"}`)}
	})

	d.Dispatch(context.Background(), "u1", "d1", remotecmd.CommandEnvelope{CommandType: "session.create.v1", RequestID: "r1"})

	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, time.Millisecond)
	resp := pub.last()
	assert.Equal(t, "ok", resp.Status)
	assert.JSONEq(t, `{"session_id":"s1"}`, string(resp.Result))
}

func TestDuplicateRequestIDReplaysCompletedResponse(t *testing.T) {
	pub := &recordingPublisher{}
	calls := 0
	d := remotecmd.New(config.RemoteCmdConfig{}, pub, nil, nil)
	d.Register("echo.v1", func(ctx context.Context, env remotecmd.CommandEnvelope) remotecmd.HandlerResult {
		calls++
		return remotecmd.HandlerResult{Result: json.RawMessage(`{"n":1}`)}
	})

	env := remotecmd.CommandEnvelope{CommandType: "echo.v1", RequestID: "dup-1"}
	d.Dispatch(context.Background(), "u1", "d1", env)
	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, time.Millisecond)

	d.Dispatch(context.Background(), "u1", "d1", env)
	require.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, time.Millisecond)

	assert.Equal(t, 1, calls, "the handler must not run twice for the same request_id")
	assert.Equal(t, pub.responses[0], pub.responses[1])
}

func TestQuotaGateBlocksWhenOverQuotaAndFresh(t *testing.T) {
	pub := &recordingPublisher{}
	d := remotecmd.New(config.RemoteCmdConfig{QuotaCacheTTL: time.Minute}, pub,
		&fakeQuota{snapshot: remotecmd.QuotaSnapshot{EnforcementState: "over_quota"}}, &fakeUsage{})

	// Prime the cache via a handler-free refresh path: dispatch once to
	// trigger a refresh (no cache yet, so it fails open), then dispatch
	// again now that the cache is populated.
	d.Register("noop.v1", func(ctx context.Context, env remotecmd.CommandEnvelope) remotecmd.HandlerResult {
		return remotecmd.HandlerResult{}
	})
	d.Dispatch(context.Background(), "u1", "d1", remotecmd.CommandEnvelope{CommandType: "noop.v1", RequestID: "r1"})
	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, time.Millisecond)

	// Give the async quota refresh triggered by usage-report a moment,
	// then issue a second, distinct request now that the cache is warm.
	time.Sleep(20 * time.Millisecond)
	d.Dispatch(context.Background(), "u1", "d1", remotecmd.CommandEnvelope{CommandType: "noop.v1", RequestID: "r2"})

	require.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, remotecmd.ErrQuotaExceeded, pub.last().ErrorCode)
}

func TestKnownCommandTypesFormAClosedSet(t *testing.T) {
	for _, known := range []string{
		"session.create.v1", "message.send.v1", "claude.send.v1",
		"session_secret.request.v1", "gh.pr.merge.v1",
	} {
		assert.True(t, remotecmd.IsKnownCommandType(known), known)
	}
	assert.False(t, remotecmd.IsKnownCommandType("session.create"))
	assert.False(t, remotecmd.IsKnownCommandType("rm.rf.v1"))
}

func TestIdempotencyKeyIncludesBothDeviceIDs(t *testing.T) {
	pub := &recordingPublisher{}
	calls := 0
	d := remotecmd.New(config.RemoteCmdConfig{}, pub, nil, nil)
	d.Register("session_secret.request.v1", func(ctx context.Context, env remotecmd.CommandEnvelope) remotecmd.HandlerResult {
		calls++
		return remotecmd.HandlerResult{Result: json.RawMessage(`{"delivered":true}`)}
	})

	// Same request_id from two different requesters must not collide.
	d.Dispatch(context.Background(), "u1", "d1", remotecmd.CommandEnvelope{
		CommandType: "session_secret.request.v1", RequestID: "r1",
		RequesterDeviceID: "dev-a", TargetDeviceID: "d1",
	})
	d.Dispatch(context.Background(), "u1", "d1", remotecmd.CommandEnvelope{
		CommandType: "session_secret.request.v1", RequestID: "r1",
		RequesterDeviceID: "dev-b", TargetDeviceID: "d1",
	})

	require.Eventually(t, func() bool { return pub.count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, calls, "distinct requesters with the same request_id are distinct commands")
}

type fakeQuota struct {
	snapshot remotecmd.QuotaSnapshot
}

func (f *fakeQuota) FetchUsageStatus(ctx context.Context, userID, deviceID string) (remotecmd.QuotaSnapshot, error) {
	return f.snapshot, nil
}

type fakeUsage struct{}

func (fakeUsage) ReportUsageEvent(ctx context.Context, deviceID, requestID string, quantity int) error {
	return nil
}
