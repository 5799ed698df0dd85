package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdaemon/agentd/internal/ipc"
	"github.com/bdaemon/agentd/internal/toolbridge"
	"github.com/bdaemon/agentd/internal/types"
)

func TestGitStatusRejectsNonGitRepository(t *testing.T) {
	d := newTestDeps(t)
	d.Git = toolbridge.StubGit{}

	repo, err := d.Store.CreateRepository(types.Repository{Path: "/x", Name: "x", IsGitRepository: false})
	require.NoError(t, err)

	_, ipcErr := d.gitStatus(context.Background(), mustParams(t, repositoryIDParams{RepositoryID: repo.ID}))
	require.NotNil(t, ipcErr)
	assert.Equal(t, ipc.CodeInvalidParams, ipcErr.Code)

	var data map[string]string
	require.NoError(t, json.Unmarshal(ipcErr.Data, &data))
	assert.Equal(t, "invalid_repository", data["code"])
}

func TestGitCommitWithStubRunnerReportsCommandFailed(t *testing.T) {
	d := newTestDeps(t)
	d.Git = toolbridge.StubGit{}

	repo, err := d.Store.CreateRepository(types.Repository{Path: "/x", Name: "x", IsGitRepository: true})
	require.NoError(t, err)

	_, ipcErr := d.gitCommit(context.Background(), mustParams(t, gitCommitParams{RepositoryID: repo.ID, Message: "msg"}))
	require.NotNil(t, ipcErr)
	assert.Equal(t, ipc.CodeInternalError, ipcErr.Code)

	var data map[string]string
	require.NoError(t, json.Unmarshal(ipcErr.Data, &data))
	assert.Equal(t, "command_failed", data["code"])
}

type fakeTerminal struct {
	toolbridge.StubTerminal
	runID string
}

func (f fakeTerminal) Run(ctx context.Context, sessionID, command string) (string, error) {
	return f.runID, nil
}

func TestTerminalRunValidatesSessionThenDelegates(t *testing.T) {
	d := newTestDeps(t)
	d.Terminal = fakeTerminal{runID: "run-1"}

	_, ipcErr := d.terminalRun(context.Background(), mustParams(t, terminalRunParams{SessionID: "missing", Command: "ls"}))
	require.NotNil(t, ipcErr)
	assert.Equal(t, ipc.CodeNotFound, ipcErr.Code)

	repo, err := d.Store.CreateRepository(types.Repository{Path: "/x", Name: "x"})
	require.NoError(t, err)
	sess, err := d.Store.CreateSession(types.Session{RepositoryID: repo.ID})
	require.NoError(t, err)

	result, ipcErr := d.terminalRun(context.Background(), mustParams(t, terminalRunParams{SessionID: sess.ID, Command: "ls"}))
	require.Nil(t, ipcErr)
	assert.Equal(t, map[string]string{"run_id": "run-1"}, result)
}
