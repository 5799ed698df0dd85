// Package syncworker implements the two outbound message sync paths.
// The cold path (Worker) is a cursor-based engine that batches
// unsynced messages per session and upserts them to the remote
// database, with per-session exponential backoff and a
// permanent-failure quarantine; its retry state must survive process
// restarts, so it lives in the store rather than in memory. The hot
// path (RealtimeSyncer) publishes the same stream through the
// realtime bridge, best-effort, behind its own cursor.
package syncworker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bdaemon/agentd/internal/config"
	"github.com/bdaemon/agentd/internal/daemonlog"
	"github.com/bdaemon/agentd/internal/secrets"
	"github.com/bdaemon/agentd/internal/store"
	"github.com/bdaemon/agentd/internal/types"
)

// MessageUpsert is one row of the batch upsert request sent to the
// remote database.
type MessageUpsert struct {
	SessionID        string `json:"session_id"`
	SequenceNumber   int64  `json:"sequence_number"`
	ContentEncrypted string `json:"content_encrypted"` // base64
	ContentNonce     string `json:"content_nonce"`     // base64
}

// RemoteSync is the remote-database call the worker drives. A single
// call covers messages from only one session: ordering is strict per
// session, never batched across sessions.
type RemoteSync interface {
	UpsertMessages(ctx context.Context, batch []MessageUpsert) error
}

// SyncContext carries the identity the worker authenticates remote
// calls with. Set/cleared by the auth manager (internal/auth).
type SyncContext struct {
	AccessToken string
	UserID      string
	DeviceID    string
}

// Worker is the cold-path syncer. It implements sink.MessageSyncer.
type Worker struct {
	cfg    config.SyncConfig
	store  *store.Store
	remote RemoteSync
	keys   *KeyResolver

	notify chan struct{}

	mu     sync.RWMutex
	syncCt *SyncContext
}

// New constructs a Worker. remote and keys may be wired after
// construction is not supported — pass fully-formed dependencies.
func New(cfg config.SyncConfig, st *store.Store, remote RemoteSync, keys *KeyResolver) *Worker {
	return &Worker{
		cfg:    cfg,
		store:  st,
		remote: remote,
		keys:   keys,
		notify: make(chan struct{}, 1),
	}
}

// SetContext installs the sync identity, waking the loop to check for
// pending work.
func (w *Worker) SetContext(ctx SyncContext) {
	w.mu.Lock()
	w.syncCt = &ctx
	w.mu.Unlock()
	w.wake()
}

// ClearContext drops the sync identity; subsequent flushes become no-ops.
func (w *Worker) ClearContext() {
	w.mu.Lock()
	w.syncCt = nil
	w.mu.Unlock()
}

func (w *Worker) hasContext() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.syncCt != nil
}

// NotifySessionPending implements sink.MessageSyncer. Without a sync
// context installed, the notification is dropped rather than queued —
// there would be nothing to do with it.
func (w *Worker) NotifySessionPending(sessionID string) {
	if !w.hasContext() {
		return
	}
	w.wake()
}

func (w *Worker) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Run drives the flush loop until ctx is canceled. No drain is
// attempted after cancellation: an in-flight HTTP call completes, but
// no new flush begins — the cursor picks the work back up on the next
// start.
func (w *Worker) Run(ctx context.Context) {
	flushInterval := w.cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.notify:
			w.flush(ctx)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Worker) flush(ctx context.Context) {
	if !w.hasContext() {
		return
	}

	sessionIDs, err := w.store.SessionsPendingSync()
	if err != nil {
		daemonlog.Errorf("syncworker: list pending sessions: %v", err)
		return
	}

	batchSize := w.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	due := make([]string, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if len(due) >= batchSize {
			break
		}
		state, err := w.store.GetSyncState(id)
		if err != nil {
			daemonlog.Errorf("syncworker: read sync state for %s: %v", id, err)
			continue
		}
		if w.isDue(state) {
			due = append(due, id)
		}
	}

	for _, sessionID := range due {
		if err := w.syncSession(ctx, sessionID); err != nil {
			daemonlog.Logf("syncworker: session %s sync failed: %v", sessionID, err)
		}
	}
}

func (w *Worker) isDue(state types.OutboundSyncState) bool {
	if state.RetryCount > w.maxRetries() {
		return false
	}
	if state.LastAttemptAt == nil {
		return true
	}
	return time.Now().After(state.LastAttemptAt.Add(backoffDelay(state.RetryCount, w.cfg.BackoffBase, w.cfg.BackoffMax)))
}

func (w *Worker) maxRetries() int {
	if w.cfg.MaxRetries <= 0 {
		return 20
	}
	return w.cfg.MaxRetries
}

// backoffDelay implements delay(n) = min(backoff_max, backoff_base *
// 2^(n-1)) for n>=1, else 0.
func backoffDelay(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 1 {
		return 0
	}
	if base <= 0 {
		base = 2 * time.Second
	}
	if max <= 0 {
		max = 300 * time.Second
	}
	scaled := float64(base) * math.Pow(2, float64(retryCount-1))
	if scaled > float64(max) {
		return max
	}
	return time.Duration(scaled)
}

func (w *Worker) syncSession(ctx context.Context, sessionID string) error {
	syncState, err := w.store.GetSyncState(sessionID)
	if err != nil {
		return fmt.Errorf("read sync state: %w", err)
	}

	msgs, err := w.store.MessagesSince(sessionID, syncState.LastSyncedSequenceNumber, w.batchSizeOrDefault())
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	key, err := w.keys.Resolve(sessionID)
	if err != nil {
		w.recordFailure(sessionID, err)
		return fmt.Errorf("resolve session key: %w", err)
	}

	batch := make([]MessageUpsert, 0, len(msgs))
	var maxSeq int64
	for _, m := range msgs {
		ciphertext, nonce, err := secrets.Encrypt(key, []byte(m.Content))
		if err != nil {
			w.recordFailure(sessionID, err)
			return fmt.Errorf("encrypt message %s: %w", m.ID, err)
		}
		batch = append(batch, MessageUpsert{
			SessionID:        sessionID,
			SequenceNumber:   m.SequenceNumber,
			ContentEncrypted: base64.StdEncoding.EncodeToString(ciphertext),
			ContentNonce:     base64.StdEncoding.EncodeToString(nonce),
		})
		if m.SequenceNumber > maxSeq {
			maxSeq = m.SequenceNumber
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 10 * time.Second
	uploadErr := backoff.Retry(func() error {
		err := w.remote.UpsertMessages(ctx, batch)
		if err != nil && isPermanentUploadError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))

	if uploadErr != nil {
		w.recordFailure(sessionID, uploadErr)
		return fmt.Errorf("upsert messages: %w", uploadErr)
	}

	if err := w.store.AdvanceSyncCursor(sessionID, maxSeq); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

func (w *Worker) batchSizeOrDefault() int {
	if w.cfg.BatchSize <= 0 {
		return 50
	}
	return w.cfg.BatchSize
}

func (w *Worker) recordFailure(sessionID string, err error) {
	if recErr := w.store.RecordSyncFailure(sessionID, err); recErr != nil {
		daemonlog.Errorf("syncworker: record failure for %s: %v", sessionID, recErr)
	}
}

// isPermanentUploadError reports whether err should stop the
// short in-call retry immediately rather than retrying within the
// same flush (e.g. the payload itself was rejected). Network and 5xx
// failures fall through to retry.
func isPermanentUploadError(err error) bool {
	var permErr interface{ Permanent() bool }
	if errors.As(err, &permErr) {
		return permErr.Permanent()
	}
	return false
}
