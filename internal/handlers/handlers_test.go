package handlers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdaemon/agentd/internal/config"
	"github.com/bdaemon/agentd/internal/ipc"
	"github.com/bdaemon/agentd/internal/store"
	"github.com/bdaemon/agentd/internal/types"
)

type nopSink struct{}

func (nopSink) Emit(types.SideEffect) {}

func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "daemon.db")
	db, err := store.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &Deps{
		Store: store.New(db, nopSink{}),
		FileOps: config.FileOpsConfig{
			MaxReadBytes:     1 << 20,
			EditableMaxBytes: 1 << 20,
			CacheByteCap:     1 << 20,
		},
	}
}

func mustParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestSessionCreateGetDeleteRoundTrip(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()

	repo, err := d.Store.CreateRepository(types.Repository{Path: "/x", Name: "x"})
	require.NoError(t, err)

	result, ipcErr := d.sessionCreate(ctx, mustParams(t, sessionCreateParams{
		RepositoryID: repo.ID,
		Title:        "first session",
	}))
	require.Nil(t, ipcErr)
	sess := result.(types.Session)
	assert.NotEmpty(t, sess.ID)

	got, ipcErr := d.sessionGet(ctx, mustParams(t, sessionIDParams{SessionID: sess.ID}))
	require.Nil(t, ipcErr)
	assert.Equal(t, sess.ID, got.(types.Session).ID)

	_, ipcErr = d.sessionDelete(ctx, mustParams(t, sessionIDParams{SessionID: sess.ID}))
	require.Nil(t, ipcErr)

	_, ipcErr = d.sessionGet(ctx, mustParams(t, sessionIDParams{SessionID: sess.ID}))
	require.NotNil(t, ipcErr)
	assert.Equal(t, ipc.CodeNotFound, ipcErr.Code)
}

func TestMessageSendAndList(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()

	repo, err := d.Store.CreateRepository(types.Repository{Path: "/x", Name: "x"})
	require.NoError(t, err)
	sess, err := d.Store.CreateSession(types.Session{RepositoryID: repo.ID})
	require.NoError(t, err)

	_, ipcErr := d.messageSend(ctx, mustParams(t, messageSendParams{SessionID: sess.ID, Content: "hello"}))
	require.Nil(t, ipcErr)
	_, ipcErr = d.messageSend(ctx, mustParams(t, messageSendParams{SessionID: sess.ID, Content: "world"}))
	require.Nil(t, ipcErr)

	result, ipcErr := d.messageList(ctx, mustParams(t, sessionIDParams{SessionID: sess.ID}))
	require.Nil(t, ipcErr)
	msgs := result.(map[string]any)["messages"].([]types.Message)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "world", msgs[1].Content)
}

func TestRepositoryAddAndUpdateSettings(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()

	dir := t.TempDir()
	result, ipcErr := d.repositoryAdd(ctx, mustParams(t, repositoryAddParams{Path: dir, Name: "proj"}))
	require.Nil(t, ipcErr)
	repo := result.(types.Repository)
	assert.Equal(t, "proj", repo.Name)
	assert.False(t, repo.IsGitRepository)

	updated, ipcErr := d.repositoryUpdateSettings(ctx, mustParams(t, repositoryUpdateSettingsParams{
		RepositoryID:  repo.ID,
		DefaultBranch: "main",
		DefaultRemote: "origin",
	}))
	require.Nil(t, ipcErr)
	got := updated.(types.Repository)
	assert.Equal(t, "main", got.DefaultBranch)
	assert.Equal(t, "origin", got.DefaultRemote)

	fetched, ipcErr := d.repositoryGetSettings(ctx, mustParams(t, repositoryIDParams{RepositoryID: repo.ID}))
	require.Nil(t, ipcErr)
	assert.Equal(t, "main", fetched.(types.Repository).DefaultBranch)
}

func TestRepositoryFileReadWriteRoundTrip(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("line one\nline two\n"), 0644))

	repo, err := d.Store.CreateRepository(types.Repository{Path: dir, Name: "proj"})
	require.NoError(t, err)

	listed, ipcErr := d.repositoryListFiles(ctx, mustParams(t, repositoryFileParams{RepositoryID: repo.ID, Path: "."}))
	require.Nil(t, ipcErr)
	entries := listed.(map[string]any)["entries"]
	assert.NotNil(t, entries)

	read, ipcErr := d.repositoryReadFile(ctx, mustParams(t, repositoryFileParams{RepositoryID: repo.ID, Path: "notes.txt"}))
	require.Nil(t, ipcErr)
	readResult := read

	written, ipcErr := d.repositoryWriteFile(ctx, mustParams(t, repositoryWriteFileParams{
		RepositoryID: repo.ID,
		Path:         "notes.txt",
		Content:      "line one\nline two\nline three\n",
		Force:        true,
	}))
	require.Nil(t, ipcErr)
	assert.NotNil(t, written)
	assert.NotNil(t, readResult)

	contents, readErr := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, readErr)
	assert.Contains(t, string(contents), "line three")
}

func TestRepositoryRemoveNotFound(t *testing.T) {
	d := newTestDeps(t)
	ctx := context.Background()

	_, ipcErr := d.repositoryRemove(ctx, mustParams(t, repositoryIDParams{RepositoryID: "missing"}))
	require.NotNil(t, ipcErr)
}
