package syncworker_test

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdaemon/agentd/internal/secrets"
	"github.com/bdaemon/agentd/internal/syncworker"
	"github.com/bdaemon/agentd/internal/types"
)

type recordedPublish struct {
	channel string
	event   string
	payload syncworker.ConversationMessage
}

type recordingPublisher struct {
	mu        sync.Mutex
	publishes []recordedPublish
	err       error
}

func (p *recordingPublisher) Publish(channel, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.publishes = append(p.publishes, recordedPublish{channel, event, payload.(syncworker.ConversationMessage)})
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.publishes)
}

func TestRealtimeSyncerPublishesInOrderAndAdvancesCursor(t *testing.T) {
	st := newTestStore(t)
	repo, err := st.CreateRepository(types.Repository{Path: "/x", Name: "x"})
	require.NoError(t, err)
	sess, err := st.CreateSession(types.Session{RepositoryID: repo.ID})
	require.NoError(t, err)

	deviceKey := make([]byte, 32)
	keys := syncworker.NewKeyResolver(st, deviceKey, nil, 16)
	sessionKey, err := keys.Create(sess.ID)
	require.NoError(t, err)

	for _, content := range []string{"one", "two", "three"} {
		_, err := st.AppendMessage(types.Message{SessionID: sess.ID, Content: content})
		require.NoError(t, err)
	}

	pub := &recordingPublisher{}
	rs := syncworker.NewRealtimeSyncer(st, pub, keys, "dev-1", time.Hour, 50)

	ctx, cancel := context.WithCancel(context.Background())
	go rs.Run(ctx)
	t.Cleanup(cancel)
	rs.NotifySessionPending(sess.ID)

	require.Eventually(t, func() bool { return pub.count() == 3 }, 2*time.Second, 10*time.Millisecond)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	for i, rec := range pub.publishes {
		assert.Equal(t, "session:"+sess.ID+":conversation", rec.channel)
		assert.Equal(t, "conversation.message.v1", rec.event)
		assert.Equal(t, int64(i+1), rec.payload.SequenceNumber)
		assert.Equal(t, "dev-1", rec.payload.SenderDeviceID)
		assert.Equal(t, "chacha20poly1305", rec.payload.EncryptionAlg)

		ciphertext, err := base64.StdEncoding.DecodeString(rec.payload.ContentEncrypted)
		require.NoError(t, err)
		nonce, err := base64.StdEncoding.DecodeString(rec.payload.ContentNonce)
		require.NoError(t, err)
		plain, err := secrets.Decrypt(sessionKey, ciphertext, nonce)
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "two", "three"}[i], string(plain))
	}

	state, err := st.GetSyncState(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.LastRealtimeSyncedSequenceNumber)
	assert.Equal(t, int64(0), state.LastSyncedSequenceNumber, "the hot path must not touch the cold cursor")
}

func TestRealtimeSyncerDoesNotRepublishBehindCursor(t *testing.T) {
	st := newTestStore(t)
	repo, _ := st.CreateRepository(types.Repository{Path: "/x", Name: "x"})
	sess, _ := st.CreateSession(types.Session{RepositoryID: repo.ID})

	keys := syncworker.NewKeyResolver(st, make([]byte, 32), nil, 16)
	_, err := keys.Create(sess.ID)
	require.NoError(t, err)

	_, err = st.AppendMessage(types.Message{SessionID: sess.ID, Content: "m"})
	require.NoError(t, err)
	require.NoError(t, st.AdvanceRealtimeCursor(sess.ID, 1))

	pub := &recordingPublisher{}
	rs := syncworker.NewRealtimeSyncer(st, pub, keys, "dev-1", 5*time.Millisecond, 50)

	ctx, cancel := context.WithCancel(context.Background())
	go rs.Run(ctx)
	defer cancel()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, pub.count(), "messages at or below the cursor must not publish again")
}
