// Package agentbridge defines the seam between the daemon core and
// the external agent subprocess. The daemon only ingests and forwards
// the subprocess's event stream; this package is that seam, not an
// implementation of the subprocess.
package agentbridge

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/bdaemon/agentd/internal/types"
)

// ErrNotImplemented is returned by the stub Runner for every call. A
// real deployment wires a Runner that spawns and supervises the
// external agent subprocess; that process management lives in the
// packaging layer.
var ErrNotImplemented = errors.New("agentbridge: no agent runner configured")

// ClaudeEvent is the raw NDJSON envelope the external agent subprocess
// emits. The daemon does not own its schema; it is carried opaquely
// and forwarded verbatim as an IPC claude_event.
type ClaudeEvent = json.RawMessage

// Runner starts, drives, and stops the external agent subprocess for
// one session. Events returns a channel of raw NDJSON lines the core
// forwards to subscribers without interpreting them.
type Runner interface {
	Send(ctx context.Context, sessionID, input string) error
	Stop(ctx context.Context, sessionID string) error
	Status(ctx context.Context, sessionID string) (types.AgentStatus, error)
	Events(sessionID string) (<-chan ClaudeEvent, error)
}

// StubRunner is the default Runner: it has no subprocess to drive and
// reports ErrNotImplemented for every call. Swapping in a real runner
// is a packaging-layer concern.
type StubRunner struct{}

func (StubRunner) Send(ctx context.Context, sessionID, input string) error { return ErrNotImplemented }
func (StubRunner) Stop(ctx context.Context, sessionID string) error        { return ErrNotImplemented }
func (StubRunner) Status(ctx context.Context, sessionID string) (types.AgentStatus, error) {
	return "", ErrNotImplemented
}
func (StubRunner) Events(sessionID string) (<-chan ClaudeEvent, error) {
	return nil, ErrNotImplemented
}
