// Package sink implements the side-effect fanout: the single
// store.Sink registered with the session store that routes each
// committed fact out to whichever downstream consumers are
// configured. Consumers fail independently; none may block another.
package sink

import (
	"context"

	"github.com/bdaemon/agentd/internal/daemonlog"
	"github.com/bdaemon/agentd/internal/types"
)

// MessageSyncer is notified that a session has new outbound work. Both
// the cold-path (internal/syncworker) and hot-path (internal/realtime)
// syncers implement this with a non-blocking enqueue.
type MessageSyncer interface {
	NotifySessionPending(sessionID string)
}

// StatusSink is notified of a runtime-status update. internal/statuscoalescer
// implements this.
type StatusSink interface {
	Enqueue(sessionID string, envelope types.RuntimeStatusEnvelope)
}

// RepositoryMetadata is the session context the fanout needs to mirror
// a session upsert remotely; it is not carried in the SideEffect itself
// because the store has no notion of working directory or git branch.
type RepositoryMetadata struct {
	RepositoryID     string
	Title            string
	CurrentBranch    string
	WorkingDirectory string
	IsWorktree       bool
	WorktreePath     string
}

// MetadataProvider supplies RepositoryMetadata for a session at fanout
// time. Set by the daemon process at startup; nil is a valid "no
// metadata available" provider.
type MetadataProvider interface {
	SessionMetadata(sessionID string) (RepositoryMetadata, bool)
}

// RemoteMirror performs the actual remote-database calls. All methods
// are called from a spawned goroutine and are expected to handle their
// own timeouts; failures are logged, never retried by the fanout.
type RemoteMirror interface {
	UpsertSession(ctx context.Context, sessionID string, meta RepositoryMetadata) error
	CloseSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string) error
	DeleteRepository(ctx context.Context, repositoryID string) error
}

// Fanout implements store.Sink. Any of Outbound, Realtime, Coalescer,
// Metadata, or Remote may be nil; a nil component is treated as "not
// registered" per the fanout rules, not an error.
type Fanout struct {
	Outbound  MessageSyncer
	Realtime  MessageSyncer
	Coalescer StatusSink
	Metadata  MetadataProvider
	Remote    RemoteMirror
}

// Emit implements store.Sink. It never blocks on remote I/O: all calls
// into Remote are fire-and-forget goroutines, matching the "no retry
// loop lives in the sink itself" contract — retries belong to the
// cursor worker and the coalescer.
func (f *Fanout) Emit(effect types.SideEffect) {
	switch effect.Kind {
	case types.MessageAppended:
		if f.Outbound != nil {
			f.Outbound.NotifySessionPending(effect.SessionID)
		}
		if f.Realtime != nil {
			f.Realtime.NotifySessionPending(effect.SessionID)
		}

	case types.RuntimeStatusUpdated:
		if f.Coalescer != nil {
			f.Coalescer.Enqueue(effect.SessionID, effect.Envelope)
		}

	case types.SessionCreated, types.SessionUpdated:
		f.mirrorSessionUpsert(effect.SessionID)

	case types.SessionClosed:
		if f.Remote == nil {
			return
		}
		go func(sessionID string) {
			if err := f.Remote.CloseSession(context.Background(), sessionID); err != nil {
				daemonlog.Errorf("sink: mirror session close %s: %v", sessionID, err)
			}
		}(effect.SessionID)

	case types.SessionDeleted:
		if f.Remote == nil {
			return
		}
		go func(sessionID string) {
			if err := f.Remote.DeleteSession(context.Background(), sessionID); err != nil {
				daemonlog.Errorf("sink: mirror session delete %s: %v", sessionID, err)
			}
		}(effect.SessionID)

	case types.RepositoryDeleted:
		if f.Remote == nil {
			return
		}
		go func(repositoryID string) {
			if err := f.Remote.DeleteRepository(context.Background(), repositoryID); err != nil {
				daemonlog.Errorf("sink: mirror repository delete %s: %v", repositoryID, err)
			}
		}(effect.RepositoryID)

	case types.RepositoryCreated:
		// Remote repository registration needs metadata this side effect
		// doesn't carry; log and move on.
		daemonlog.Logf("sink: repository created %s (no remote mirror)", effect.RepositoryID)
	}
}

func (f *Fanout) mirrorSessionUpsert(sessionID string) {
	if f.Remote == nil || f.Metadata == nil {
		return
	}
	meta, ok := f.Metadata.SessionMetadata(sessionID)
	if !ok {
		return
	}
	go func() {
		if err := f.Remote.UpsertSession(context.Background(), sessionID, meta); err != nil {
			daemonlog.Errorf("sink: mirror session upsert %s: %v", sessionID, err)
		}
	}()
}
