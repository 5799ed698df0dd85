// Package remotecmd implements the remote-command dispatcher: the
// quota gate, idempotency cache, command handler registry, and the
// fire-and-forget usage-event/quota-refresh bookkeeping for commands
// the realtime bridge delivers to the daemon from the user's other
// devices.
package remotecmd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bdaemon/agentd/internal/config"
	"github.com/bdaemon/agentd/internal/daemonlog"
)

// Well-known error codes surfaced in a command response.
const (
	ErrUnsupportedCommandType = "unsupported_command_type"
	ErrQuotaExceeded          = "quota_exceeded"
)

// knownCommandTypes is the closed set of command types peer devices
// may send. Arrival of anything else is answered with
// unsupported_command_type; so is a known type the daemon has no
// handler registered for (the git/gh types are recognized here but
// their execution lives outside this daemon's core).
var knownCommandTypes = map[string]struct{}{
	"session.create.v1":         {},
	"session.close.v1":          {},
	"session.delete.v1":         {},
	"message.send.v1":           {},
	"claude.send.v1":            {},
	"claude.stop.v1":            {},
	"claude.status.v1":          {},
	"session_secret.request.v1": {},
	"git.status.v1":             {},
	"git.commit.v1":             {},
	"git.push.v1":               {},
	"gh.pr.create.v1":           {},
	"gh.pr.view.v1":             {},
	"gh.pr.merge.v1":            {},
}

// IsKnownCommandType reports whether commandType belongs to the closed
// command-type set.
func IsKnownCommandType(commandType string) bool {
	_, ok := knownCommandTypes[commandType]
	return ok
}

// CommandEnvelope is one inbound remote command.
type CommandEnvelope struct {
	CommandType       string          `json:"command_type"`
	RequestID         string          `json:"request_id"`
	Params            json.RawMessage `json:"params"`
	RequesterDeviceID string          `json:"requester_device_id"`
	TargetDeviceID    string          `json:"target_device_id,omitempty"`
}

// HandlerResult is what a command handler returns.
type HandlerResult struct {
	Result       json.RawMessage
	ErrorCode    string
	ErrorMessage string
	ErrorData    json.RawMessage
}

// Handler executes one command_type.
type Handler func(ctx context.Context, env CommandEnvelope) HandlerResult

// ResponsePublisher publishes the dispatcher's response through the
// realtime bridge to remote:<requester_device_id>:commands.
type ResponsePublisher interface {
	PublishCommandResponse(requesterDeviceID string, response CommandResponse) error
}

// CommandResponse is the payload published back to the requester.
type CommandResponse struct {
	RequestID    string          `json:"request_id"`
	CommandType  string          `json:"command_type"`
	Status       string          `json:"status"` // "ok" | "error"
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorData    json.RawMessage `json:"error_data,omitempty"`
}

// QuotaSnapshot is the cached billing-quota state for one (user,device).
// Only EnforcementState and FetchedAtMs drive the gate; the rest is
// carried for the billing.usage_status IPC method.
type QuotaSnapshot struct {
	Plan              string `json:"plan,omitempty"`
	Gateway           string `json:"gateway,omitempty"`
	PeriodStart       string `json:"period_start,omitempty"`
	PeriodEnd         string `json:"period_end,omitempty"`
	CommandsLimit     int64  `json:"commands_limit"`
	CommandsUsed      int64  `json:"commands_used"`
	CommandsRemaining int64  `json:"commands_remaining"`
	EnforcementState  string `json:"enforcement_state"`
	UpdatedAt         string `json:"updated_at,omitempty"`
	FetchedAtMs       int64  `json:"-"`
}

// QuotaFetcher fetches a fresh usage-status snapshot.
type QuotaFetcher interface {
	FetchUsageStatus(ctx context.Context, userID, deviceID string) (QuotaSnapshot, error)
}

// UsageReporter fires usage events and is consulted for quota refresh.
type UsageReporter interface {
	ReportUsageEvent(ctx context.Context, deviceID, requestID string, quantity int) error
}

// Dispatcher routes command envelopes to registered handlers, applying
// the quota gate and idempotency check first.
type Dispatcher struct {
	cfg       config.RemoteCmdConfig
	handlers  map[string]Handler
	publisher ResponsePublisher
	quota     QuotaFetcher
	usage     UsageReporter

	mu          sync.Mutex
	quotaCache  map[string]QuotaSnapshot // key: userID+":"+deviceID
	idempotency map[string]idempotencyEntry
}

type idempotencyState int

const (
	idemInFlight idempotencyState = iota
	idemCompleted
)

type idempotencyEntry struct {
	state    idempotencyState
	response CommandResponse
}

// New builds a Dispatcher. publisher, quota, and usage may be nil — in
// that case quota enforcement and usage reporting are no-ops and
// responses are dropped (the daemon is expected to always wire a
// publisher in production).
func New(cfg config.RemoteCmdConfig, publisher ResponsePublisher, quota QuotaFetcher, usage UsageReporter) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		handlers:    map[string]Handler{},
		publisher:   publisher,
		quota:       quota,
		usage:       usage,
		quotaCache:  map[string]QuotaSnapshot{},
		idempotency: map[string]idempotencyEntry{},
	}
}

// Register adds a handler for commandType, overwriting any existing one.
func (d *Dispatcher) Register(commandType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[commandType] = h
}

func idempotencyKey(env CommandEnvelope) string {
	if env.TargetDeviceID != "" {
		return fmt.Sprintf("%s:%s:%s", env.RequestID, env.RequesterDeviceID, env.TargetDeviceID)
	}
	return env.RequestID
}

// Dispatch runs the full pipeline for one envelope: quota gate,
// idempotency check, handler dispatch, response publish, usage event.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, deviceID string, env CommandEnvelope) {
	if blocked := d.checkQuota(ctx, userID, deviceID); blocked {
		d.publish(env, CommandResponse{
			RequestID: env.RequestID, CommandType: env.CommandType,
			Status: "error", ErrorCode: ErrQuotaExceeded,
		})
		return
	}

	key := idempotencyKey(env)
	if env.RequestID != "" {
		if done, resp, inFlight := d.checkIdempotency(key); inFlight {
			return // duplicate while still in flight: drop silently
		} else if done {
			d.publish(env, resp)
			return
		}
	}

	d.mu.Lock()
	handler, ok := d.handlers[env.CommandType]
	d.mu.Unlock()

	var resp CommandResponse
	if !ok {
		resp = CommandResponse{RequestID: env.RequestID, CommandType: env.CommandType, Status: "error", ErrorCode: ErrUnsupportedCommandType}
	} else {
		result := handler(ctx, env)
		if result.ErrorCode != "" {
			resp = CommandResponse{
				RequestID: env.RequestID, CommandType: env.CommandType, Status: "error",
				ErrorCode: result.ErrorCode, ErrorMessage: result.ErrorMessage, ErrorData: result.ErrorData,
			}
		} else {
			resp = CommandResponse{RequestID: env.RequestID, CommandType: env.CommandType, Status: "ok", Result: result.Result}
		}
	}

	if env.RequestID != "" {
		d.recordCompletion(key, resp)
	}

	d.publish(env, resp)
	d.reportUsage(env, userID, deviceID)
}

func (d *Dispatcher) publish(env CommandEnvelope, resp CommandResponse) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.PublishCommandResponse(env.RequesterDeviceID, resp); err != nil {
		daemonlog.Errorf("remotecmd: publish response for %s: %v", env.RequestID, err)
	}
}

func (d *Dispatcher) reportUsage(env CommandEnvelope, userID, deviceID string) {
	if d.usage == nil {
		return
	}
	go func() {
		if err := d.usage.ReportUsageEvent(context.Background(), deviceID, env.RequestID, 1); err != nil {
			daemonlog.Logf("remotecmd: usage event for %s failed: %v", env.RequestID, err)
		}
		d.refreshQuota(context.Background(), userID, deviceID)
	}()
}

// checkQuota returns true if the command must be blocked: a fresh
// (<=5min old) snapshot exists for (userID, deviceID) and is
// over_quota. A stale or absent snapshot fails open.
func (d *Dispatcher) checkQuota(ctx context.Context, userID, deviceID string) bool {
	cacheKey := userID + ":" + deviceID
	d.mu.Lock()
	snap, ok := d.quotaCache[cacheKey]
	d.mu.Unlock()

	if !ok {
		return false
	}
	ttl := d.cfg.QuotaCacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	age := time.Duration(nowMs()-snap.FetchedAtMs) * time.Millisecond
	if age > ttl {
		go d.refreshQuota(context.Background(), userID, deviceID)
		return false // stale: fail open
	}
	blocked := snap.EnforcementState == "over_quota"
	if blocked {
		go d.refreshQuota(context.Background(), userID, deviceID)
	}
	return blocked
}

// Identity supplies the (user, device) pair the periodic quota refresh
// runs for; reporting ok=false skips the tick (nobody logged in).
type Identity func() (userID, deviceID string, ok bool)

// RunQuotaRefresh re-fetches the usage-status snapshot on a fixed
// period until ctx is canceled, keeping the quota gate's cache fresh
// enough to enforce with. A failed tick degrades to fail-open (stale
// snapshots never enforce), so errors are logged, not retried.
func (d *Dispatcher) RunQuotaRefresh(ctx context.Context, identity Identity) {
	period := d.cfg.QuotaRefreshPeriod
	if period <= 0 {
		period = 300 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if userID, deviceID, ok := identity(); ok {
				d.refreshQuota(ctx, userID, deviceID)
			}
		}
	}
}

func (d *Dispatcher) refreshQuota(ctx context.Context, userID, deviceID string) {
	if d.quota == nil {
		return
	}
	snap, err := d.quota.FetchUsageStatus(ctx, userID, deviceID)
	if err != nil {
		daemonlog.Logf("remotecmd: quota refresh for %s/%s failed: %v", userID, deviceID, err)
		return
	}
	snap.FetchedAtMs = nowMs()
	d.mu.Lock()
	d.quotaCache[userID+":"+deviceID] = snap
	d.mu.Unlock()
}

func (d *Dispatcher) checkIdempotency(key string) (completed bool, resp CommandResponse, inFlight bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.idempotency[key]
	if !ok {
		d.idempotency[key] = idempotencyEntry{state: idemInFlight}
		return false, CommandResponse{}, false
	}
	if entry.state == idemInFlight {
		return false, CommandResponse{}, true
	}
	return true, entry.response, false
}

func (d *Dispatcher) recordCompletion(key string, resp CommandResponse) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idempotency[key] = idempotencyEntry{state: idemCompleted, response: resp}
}

// nowMs is overridable in tests; production code relies on wall-clock time.
var nowMs = func() int64 { return time.Now().UnixMilli() }
