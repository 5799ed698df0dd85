package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bdaemon/agentd/internal/auth"
	"github.com/bdaemon/agentd/internal/ipc"
	"github.com/bdaemon/agentd/internal/realtime"
	"github.com/bdaemon/agentd/internal/remotecmd"
	"github.com/bdaemon/agentd/internal/sink"
	"github.com/bdaemon/agentd/internal/store"
	"github.com/bdaemon/agentd/internal/types"
)

// repoMetadataProvider answers sink.MetadataProvider by joining a
// session's row with its repository. It is the adapter the fanout's
// doc comment says lives in cmd/daemond.
type repoMetadataProvider struct {
	store *store.Store
}

func (p *repoMetadataProvider) SessionMetadata(sessionID string) (sink.RepositoryMetadata, bool) {
	sess, err := p.store.GetSession(sessionID)
	if err != nil {
		return sink.RepositoryMetadata{}, false
	}
	repo, err := p.store.GetRepository(sess.RepositoryID)
	if err != nil {
		return sink.RepositoryMetadata{}, false
	}
	return sink.RepositoryMetadata{
		RepositoryID:     repo.ID,
		Title:            sess.Title,
		CurrentBranch:    repo.DefaultBranch,
		WorkingDirectory: repo.Path,
		IsWorktree:       sess.IsWorktree,
		WorktreePath:     sess.WorktreePath,
	}, true
}

// realtimeStatusPublisher implements statuscoalescer.HotPublisher.
type realtimeStatusPublisher struct {
	client *realtime.Client
}

func (p *realtimeStatusPublisher) PublishStatus(sessionID string, envelope types.RuntimeStatusEnvelope) error {
	channel := fmt.Sprintf("session:%s:status", sessionID)
	return p.client.Publish(channel, "runtime_status.update.v1", envelope)
}

// remoteCommandResponsePublisher implements remotecmd.ResponsePublisher.
type remoteCommandResponsePublisher struct {
	client *realtime.Client
}

func (p *remoteCommandResponsePublisher) PublishCommandResponse(requesterDeviceID string, response remotecmd.CommandResponse) error {
	channel := fmt.Sprintf("remote:%s:commands", requesterDeviceID)
	return p.client.Publish(channel, "remote_command.response.v1", response)
}

// sessionSecretPublisher implements handlers.SecretPublisher: the
// channel name carries both device ids so each requester/responder
// pair gets its own stream.
type sessionSecretPublisher struct {
	client   *realtime.Client
	deviceID string
}

func (p *sessionSecretPublisher) PublishSessionSecret(requesterDeviceID string, payload any) error {
	channel := fmt.Sprintf("secrets:%s:%s", p.deviceID, requesterDeviceID)
	return p.client.Publish(channel, "session_secret.response.v1", payload)
}

// commandIngress decodes inbound command frames delivered by the
// co-process and runs them through the dispatcher under the logged-in
// identity. Its handle method is the realtime.CommandHandler wired to
// the listener.
type commandIngress struct {
	dispatcher *remotecmd.Dispatcher
	auth       *auth.Manager
	deviceID   string
}

func (i *commandIngress) handle(ctx context.Context, payload []byte) error {
	var env remotecmd.CommandEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode command envelope: %w", err)
	}
	userID, _, ok := i.auth.CurrentUser()
	if !ok {
		return errors.New("no authenticated user, command dropped")
	}
	i.dispatcher.Dispatch(ctx, userID, i.deviceID, env)
	return nil
}

// sessionSnapshotAdapter implements ipc.SnapshotProvider by reading the
// bounded recent-message history and last known status straight off
// the store, for the initial-state dump session.subscribe sends
// before switching a connection to live push.
type sessionSnapshotAdapter struct {
	store *store.Store
}

const recentMessageBatch = 50

func (a *sessionSnapshotAdapter) SessionSnapshot(sessionID string) ([]ipc.SnapshotItem, error) {
	msgs, err := a.store.RecentMessages(sessionID, recentMessageBatch)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}

	items := make([]ipc.SnapshotItem, 0, len(msgs)+1)
	for _, m := range msgs {
		items = append(items, ipc.SnapshotItem{Type: ipc.EventMessage, Payload: m})
	}

	state, err := a.store.GetSessionState(sessionID)
	switch {
	case err == nil:
		items = append(items, ipc.SnapshotItem{Type: ipc.EventStatusChange, Payload: state})
	case errors.Is(err, store.ErrNotFound):
		// No status recorded yet; nothing to add.
	default:
		return items, fmt.Errorf("session state: %w", err)
	}
	return items, nil
}

// pendingSyncCounter adapts store.SessionsPendingSync to
// metrics.PendingSyncCounter.
func pendingSyncCounter(st *store.Store) func(ctx context.Context) (int64, error) {
	return func(ctx context.Context) (int64, error) {
		sessions, err := st.SessionsPendingSync()
		if err != nil {
			return 0, err
		}
		return int64(len(sessions)), nil
	}
}
