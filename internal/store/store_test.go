package store_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdaemon/agentd/internal/store"
	"github.com/bdaemon/agentd/internal/types"
)

type recordingSink struct {
	effects []types.SideEffect
}

func (r *recordingSink) Emit(e types.SideEffect) {
	r.effects = append(r.effects, e)
}

func newTestStore(t *testing.T) (*store.Store, *recordingSink) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "daemon.db")
	db, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sink := &recordingSink{}
	return store.New(db, sink), sink
}

func TestCreateRepositoryEmitsSideEffect(t *testing.T) {
	s, sink := newTestStore(t)

	repo, err := s.CreateRepository(types.Repository{Path: "/home/me/proj", Name: "proj"})
	require.NoError(t, err)
	assert.NotEmpty(t, repo.ID)

	require.Len(t, sink.effects, 1)
	assert.Equal(t, types.RepositoryCreated, sink.effects[0].Kind)
	assert.Equal(t, repo.ID, sink.effects[0].RepositoryID)
}

func TestAppendMessageSequenceIsMonotonic(t *testing.T) {
	s, sink := newTestStore(t)

	repo, err := s.CreateRepository(types.Repository{Path: "/x", Name: "x"})
	require.NoError(t, err)
	sess, err := s.CreateSession(types.Session{RepositoryID: repo.ID})
	require.NoError(t, err)

	var lastSeq int64
	for i := 0; i < 5; i++ {
		msg, err := s.AppendMessage(types.Message{SessionID: sess.ID, Content: "hello"})
		require.NoError(t, err)
		assert.Greater(t, msg.SequenceNumber, lastSeq)
		lastSeq = msg.SequenceNumber
	}
	assert.Equal(t, int64(5), lastSeq)

	effects := 0
	for _, e := range sink.effects {
		if e.Kind == types.MessageAppended {
			effects++
		}
	}
	assert.Equal(t, 5, effects)
}

func TestMessagesSinceReturnsOnlyNewer(t *testing.T) {
	s, _ := newTestStore(t)
	repo, _ := s.CreateRepository(types.Repository{Path: "/x", Name: "x"})
	sess, _ := s.CreateSession(types.Session{RepositoryID: repo.ID})

	for i := 0; i < 3; i++ {
		_, err := s.AppendMessage(types.Message{SessionID: sess.ID, Content: "m"})
		require.NoError(t, err)
	}

	msgs, err := s.MessagesSince(sess.ID, 1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(2), msgs[0].SequenceNumber)
	assert.Equal(t, int64(3), msgs[1].SequenceNumber)
}

func TestUpsertSessionStateDropsStaleUpdate(t *testing.T) {
	s, sink := newTestStore(t)
	repo, _ := s.CreateRepository(types.Repository{Path: "/x", Name: "x"})
	sess, _ := s.CreateSession(types.Session{RepositoryID: repo.ID})

	err := s.UpsertSessionState(types.SessionState{SessionID: sess.ID, AgentStatus: types.AgentRunning, UpdatedAtMs: 1000}, types.RuntimeStatusEnvelope{})
	require.NoError(t, err)

	err = s.UpsertSessionState(types.SessionState{SessionID: sess.ID, AgentStatus: types.AgentIdle, UpdatedAtMs: 500}, types.RuntimeStatusEnvelope{})
	require.NoError(t, err)

	st, err := s.GetSessionState(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentRunning, st.AgentStatus, "stale update must not overwrite a newer one")

	statusEffects := 0
	for _, e := range sink.effects {
		if e.Kind == types.RuntimeStatusUpdated {
			statusEffects++
		}
	}
	assert.Equal(t, 1, statusEffects, "stale update must not emit a side effect")
}

func TestSyncCursorNeverRegressesAcrossFailureAndAdvance(t *testing.T) {
	s, _ := newTestStore(t)
	repo, _ := s.CreateRepository(types.Repository{Path: "/x", Name: "x"})
	sess, _ := s.CreateSession(types.Session{RepositoryID: repo.ID})

	require.NoError(t, s.AdvanceSyncCursor(sess.ID, 5))
	st, err := s.GetSyncState(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.LastSyncedSequenceNumber)
	assert.Equal(t, 0, st.RetryCount)

	require.NoError(t, s.RecordSyncFailure(sess.ID, assert.AnError))
	st, err = s.GetSyncState(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.LastSyncedSequenceNumber, "a failure must not move the cursor")
	assert.Equal(t, 1, st.RetryCount)
}

func TestSessionsPendingSyncReportsOnlyBehindSessions(t *testing.T) {
	s, _ := newTestStore(t)
	repo, _ := s.CreateRepository(types.Repository{Path: "/x", Name: "x"})

	caughtUp, _ := s.CreateSession(types.Session{RepositoryID: repo.ID})
	_, err := s.AppendMessage(types.Message{SessionID: caughtUp.ID, Content: "m"})
	require.NoError(t, err)
	require.NoError(t, s.AdvanceSyncCursor(caughtUp.ID, 1))

	behind, _ := s.CreateSession(types.Session{RepositoryID: repo.ID})
	_, err = s.AppendMessage(types.Message{SessionID: behind.ID, Content: "m"})
	require.NoError(t, err)

	pending, err := s.SessionsPendingSync()
	require.NoError(t, err)
	assert.Equal(t, []string{behind.ID}, pending)
}

func TestRealtimeCursorAdvancesIndependentlyAndNeverRegresses(t *testing.T) {
	s, _ := newTestStore(t)
	repo, _ := s.CreateRepository(types.Repository{Path: "/x", Name: "x"})
	sess, _ := s.CreateSession(types.Session{RepositoryID: repo.ID})

	for i := 0; i < 2; i++ {
		_, err := s.AppendMessage(types.Message{SessionID: sess.ID, Content: "m"})
		require.NoError(t, err)
	}

	pending, err := s.SessionsPendingRealtime()
	require.NoError(t, err)
	assert.Equal(t, []string{sess.ID}, pending)

	require.NoError(t, s.AdvanceRealtimeCursor(sess.ID, 2))
	st, err := s.GetSyncState(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.LastRealtimeSyncedSequenceNumber)
	assert.Equal(t, int64(0), st.LastSyncedSequenceNumber, "hot and cold cursors are independent")

	require.NoError(t, s.AdvanceRealtimeCursor(sess.ID, 1))
	st, err = s.GetSyncState(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.LastRealtimeSyncedSequenceNumber, "the realtime cursor must not regress")

	pending, err = s.SessionsPendingRealtime()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeleteRepositoryNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.DeleteRepository("missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
