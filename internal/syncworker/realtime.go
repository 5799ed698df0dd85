package syncworker

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/bdaemon/agentd/internal/daemonlog"
	"github.com/bdaemon/agentd/internal/secrets"
	"github.com/bdaemon/agentd/internal/store"
)

// Publisher is the realtime bridge call the hot path drives.
// internal/realtime.Client satisfies this.
type Publisher interface {
	Publish(channel, event string, payload any) error
}

// ConversationMessage is the payload published per message on a
// session's conversation channel. Content is encrypted under the same
// per-session key the cold path uses, so a receiving device can
// decrypt either stream with one secret.
type ConversationMessage struct {
	SchemaVersion    int    `json:"schema_version"`
	SessionID        string `json:"session_id"`
	MessageID        string `json:"message_id"`
	SequenceNumber   int64  `json:"sequence_number"`
	SenderDeviceID   string `json:"sender_device_id"`
	CreatedAtMs      int64  `json:"created_at_ms"`
	EncryptionAlg    string `json:"encryption_alg"`
	ContentEncrypted string `json:"content_encrypted"`
	ContentNonce     string `json:"content_nonce"`
}

const (
	conversationEvent = "conversation.message.v1"
	encryptionAlg     = "chacha20poly1305"
)

// RealtimeSyncer is the hot-path message syncer: best-effort,
// low-latency publication of the same per-session message stream the
// cold-path Worker uploads durably. It implements sink.MessageSyncer.
// Failures are logged and abandoned — the cold path is the durable
// catch-up store — but the hot cursor only advances on a successful
// publish, so whatever the bridge missed is retried on the next wake.
type RealtimeSyncer struct {
	store     *store.Store
	publisher Publisher
	keys      *KeyResolver
	deviceID  string

	flushInterval time.Duration
	batchSize     int

	notify chan struct{}
}

// NewRealtimeSyncer builds the hot-path syncer. flushInterval defaults
// to 250ms and batchSize to 50 when non-positive.
func NewRealtimeSyncer(st *store.Store, publisher Publisher, keys *KeyResolver, deviceID string, flushInterval time.Duration, batchSize int) *RealtimeSyncer {
	if flushInterval <= 0 {
		flushInterval = 250 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &RealtimeSyncer{
		store:         st,
		publisher:     publisher,
		keys:          keys,
		deviceID:      deviceID,
		flushInterval: flushInterval,
		batchSize:     batchSize,
		notify:        make(chan struct{}, 1),
	}
}

// NotifySessionPending implements sink.MessageSyncer.
func (r *RealtimeSyncer) NotifySessionPending(sessionID string) {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Run drives the publish loop until ctx is canceled. The ticker is a
// sweep for sessions whose notification raced a previous flush; the
// notify channel is the low-latency wake.
func (r *RealtimeSyncer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.notify:
			r.flush()
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *RealtimeSyncer) flush() {
	sessionIDs, err := r.store.SessionsPendingRealtime()
	if err != nil {
		daemonlog.Errorf("realtime syncer: list pending sessions: %v", err)
		return
	}
	for _, sessionID := range sessionIDs {
		if err := r.publishSession(sessionID); err != nil {
			daemonlog.Logf("realtime syncer: session %s: %v", sessionID, err)
		}
	}
}

// publishSession pushes every message past the hot cursor, one frame
// per message in sequence order, advancing the cursor after each ack
// so a mid-batch failure resumes exactly where it stopped.
func (r *RealtimeSyncer) publishSession(sessionID string) error {
	state, err := r.store.GetSyncState(sessionID)
	if err != nil {
		return fmt.Errorf("read sync state: %w", err)
	}

	msgs, err := r.store.MessagesSince(sessionID, state.LastRealtimeSyncedSequenceNumber, r.batchSize)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	key, err := r.keys.Resolve(sessionID)
	if err != nil {
		return fmt.Errorf("resolve session key: %w", err)
	}

	channel := fmt.Sprintf("session:%s:conversation", sessionID)
	for _, m := range msgs {
		ciphertext, nonce, err := secrets.Encrypt(key, []byte(m.Content))
		if err != nil {
			return fmt.Errorf("encrypt message %s: %w", m.ID, err)
		}
		payload := ConversationMessage{
			SchemaVersion:    1,
			SessionID:        sessionID,
			MessageID:        m.ID,
			SequenceNumber:   m.SequenceNumber,
			SenderDeviceID:   r.deviceID,
			CreatedAtMs:      m.CreatedAt.UnixMilli(),
			EncryptionAlg:    encryptionAlg,
			ContentEncrypted: base64.StdEncoding.EncodeToString(ciphertext),
			ContentNonce:     base64.StdEncoding.EncodeToString(nonce),
		}
		if err := r.publisher.Publish(channel, conversationEvent, payload); err != nil {
			return fmt.Errorf("publish message %s: %w", m.ID, err)
		}
		if err := r.store.AdvanceRealtimeCursor(sessionID, m.SequenceNumber); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}
	return nil
}
