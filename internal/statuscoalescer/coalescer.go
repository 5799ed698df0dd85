// Package statuscoalescer implements the runtime-status coalescer: a
// last-writer-wins buffer keyed by session that flushes on a fixed
// tick, publishing through the realtime bridge (if registered) and
// mirroring to the remote database, re-coalescing on failure. Stale
// envelopes (older than what a session last synced) are dropped at
// the door.
package statuscoalescer

import (
	"context"
	"sync"
	"time"

	"github.com/bdaemon/agentd/internal/daemonlog"
	"github.com/bdaemon/agentd/internal/types"
)

// HotPublisher publishes a runtime-status envelope through the
// realtime bridge. internal/realtime.Client satisfies this via a thin
// adapter in cmd/daemond.
type HotPublisher interface {
	PublishStatus(sessionID string, envelope types.RuntimeStatusEnvelope) error
}

// RemoteMirror POSTs a runtime-status envelope to the remote database.
type RemoteMirror interface {
	PutRuntimeStatus(ctx context.Context, envelope types.RuntimeStatusEnvelope) error
}

// Coalescer implements sink.StatusSink.
type Coalescer struct {
	flushInterval time.Duration
	hot           HotPublisher
	remote        RemoteMirror

	mu                  sync.Mutex
	pending             map[string]types.RuntimeStatusEnvelope
	lastSyncedBySession map[string]int64
	lastHotPathBySession map[string]int64
}

// New builds a Coalescer with the given flush cadence (defaults to
// 120ms if flushInterval<=0). hot and remote may both be nil.
func New(flushInterval time.Duration, hot HotPublisher, remote RemoteMirror) *Coalescer {
	if flushInterval <= 0 {
		flushInterval = 120 * time.Millisecond
	}
	return &Coalescer{
		flushInterval:        flushInterval,
		hot:                  hot,
		remote:               remote,
		pending:              map[string]types.RuntimeStatusEnvelope{},
		lastSyncedBySession:  map[string]int64{},
		lastHotPathBySession: map[string]int64{},
	}
}

// Enqueue implements sink.StatusSink. A stale update (older than what
// was last durably synced for the session) is dropped silently;
// otherwise pending[session] is set to the newer of the incoming and
// any already-pending envelope.
func (c *Coalescer) Enqueue(sessionID string, envelope types.RuntimeStatusEnvelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.lastSyncedBySession[sessionID]; ok && envelope.UpdatedAtMs < last {
		return
	}

	if existing, ok := c.pending[sessionID]; ok && existing.UpdatedAtMs >= envelope.UpdatedAtMs {
		return
	}
	c.pending[sessionID] = envelope
}

// Run drains pending envelopes on every flush-interval tick until ctx
// is canceled.
func (c *Coalescer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flush(ctx)
		}
	}
}

func (c *Coalescer) flush(ctx context.Context) {
	batch := c.drain()
	for sessionID, envelope := range batch {
		c.flushOne(ctx, sessionID, envelope)
	}
}

func (c *Coalescer) drain() map[string]types.RuntimeStatusEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	batch := c.pending
	c.pending = map[string]types.RuntimeStatusEnvelope{}
	return batch
}

func (c *Coalescer) flushOne(ctx context.Context, sessionID string, envelope types.RuntimeStatusEnvelope) {
	if c.hot != nil {
		c.mu.Lock()
		lastHot := c.lastHotPathBySession[sessionID]
		c.mu.Unlock()

		if envelope.UpdatedAtMs > lastHot {
			if err := c.hot.PublishStatus(sessionID, envelope); err != nil {
				daemonlog.Errorf("statuscoalescer: hot publish %s: %v", sessionID, err)
			} else {
				c.mu.Lock()
				c.lastHotPathBySession[sessionID] = envelope.UpdatedAtMs
				c.mu.Unlock()
			}
		}
	}

	if c.remote == nil {
		return
	}

	if err := c.remote.PutRuntimeStatus(ctx, envelope); err != nil {
		daemonlog.Logf("statuscoalescer: remote mirror %s failed, re-coalescing: %v", sessionID, err)
		c.Enqueue(sessionID, envelope)
		return
	}

	c.mu.Lock()
	c.lastSyncedBySession[sessionID] = envelope.UpdatedAtMs
	c.mu.Unlock()
}
