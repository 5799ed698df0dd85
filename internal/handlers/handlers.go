// Package handlers wires the daemon's IPC method registry (internal/ipc)
// and its remote-command registry (internal/remotecmd) to the daemon's
// core components: the session store, the auth manager, the per-repository
// file-operations surface, and the subprocess seams (agent, git, gh,
// terminal). One function per method, registered into a lookup table
// keyed by name; each decodes its own params.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/bdaemon/agentd/internal/agentbridge"
	"github.com/bdaemon/agentd/internal/auth"
	"github.com/bdaemon/agentd/internal/config"
	"github.com/bdaemon/agentd/internal/fileops"
	"github.com/bdaemon/agentd/internal/ipc"
	"github.com/bdaemon/agentd/internal/remotecmd"
	"github.com/bdaemon/agentd/internal/store"
	"github.com/bdaemon/agentd/internal/toolbridge"
)

// Quota is the billing.usage_status backing call. internal/remoteapi.Client
// satisfies this.
type Quota interface {
	FetchUsageStatus(ctx context.Context, userID, deviceID string) (remotecmd.QuotaSnapshot, error)
}

// SessionKeys provisions and serializes per-session message keys.
// internal/syncworker.KeyResolver satisfies this.
type SessionKeys interface {
	Create(sessionID string) ([]byte, error)
	Token(sessionID string) (string, error)
}

// SecretPublisher delivers a session-secret response envelope to the
// requesting device's secrets channel on the realtime bridge.
type SecretPublisher interface {
	PublishSessionSecret(requesterDeviceID string, payload any) error
}

// Deps bundles everything the handler set needs to serve every method
// in internal/ipc's registry. Agent, Git, GH, and Terminal may be
// their toolbridge/agentbridge stubs when no subprocess orchestration
// is wired; Keys and Secrets may be nil in tests.
type Deps struct {
	Store      *store.Store
	Auth       *auth.Manager
	Dispatcher *remotecmd.Dispatcher
	Hub        *ipc.Hub
	Quota      Quota
	Agent      agentbridge.Runner
	Keys       SessionKeys
	Secrets    SecretPublisher
	Git        toolbridge.GitRunner
	GH         toolbridge.GHRunner
	Terminal   toolbridge.TerminalRunner
	DeviceID   string
	FileOps    config.FileOpsConfig

	mu       sync.Mutex
	opsCache map[string]*fileops.Ops
}

func (d *Deps) opsFor(repositoryID string) (*fileops.Ops, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opsCache == nil {
		d.opsCache = map[string]*fileops.Ops{}
	}
	if ops, ok := d.opsCache[repositoryID]; ok {
		return ops, nil
	}

	repo, err := d.Store.GetRepository(repositoryID)
	if err != nil {
		return nil, err
	}
	ops, err := fileops.New(repo.Path, fileops.Config{
		MaxReadBytes:     d.FileOps.MaxReadBytes,
		EditableMaxBytes: d.FileOps.EditableMaxBytes,
		CacheByteCap:     d.FileOps.CacheByteCap,
	})
	if err != nil {
		return nil, err
	}
	d.opsCache[repositoryID] = ops
	return ops, nil
}

// RegisterAll installs every handler this package implements onto
// server, covering the full method enum. The git.*, gh.*, and
// terminal.* methods validate and dispatch like any other; their
// runners default to toolbridge stubs until the packaging layer wires
// real subprocess orchestration behind them.
func RegisterAll(server *ipc.Server, d *Deps) {
	server.Register(ipc.MethodHealth, d.health)
	server.Register(ipc.MethodShutdown, d.shutdown)

	server.Register(ipc.MethodAuthStatus, d.authStatus)
	server.Register(ipc.MethodAuthLogin, d.authLogin)
	server.Register(ipc.MethodAuthCompleteSocial, d.authCompleteSocial)
	server.Register(ipc.MethodAuthLogout, d.authLogout)

	server.Register(ipc.MethodBillingUsageStatus, d.billingUsageStatus)

	server.Register(ipc.MethodSessionList, d.sessionList)
	server.Register(ipc.MethodSessionCreate, d.sessionCreate)
	server.Register(ipc.MethodSessionGet, d.sessionGet)
	server.Register(ipc.MethodSessionDelete, d.sessionDelete)

	server.Register(ipc.MethodMessageList, d.messageList)
	server.Register(ipc.MethodMessageSend, d.messageSend)

	server.Register(ipc.MethodOutboxStatus, d.outboxStatus)

	server.Register(ipc.MethodRepositoryList, d.repositoryList)
	server.Register(ipc.MethodRepositoryAdd, d.repositoryAdd)
	server.Register(ipc.MethodRepositoryRemove, d.repositoryRemove)
	server.Register(ipc.MethodRepositoryGetSettings, d.repositoryGetSettings)
	server.Register(ipc.MethodRepositoryUpdateSettings, d.repositoryUpdateSettings)
	server.Register(ipc.MethodRepositoryListFiles, d.repositoryListFiles)
	server.Register(ipc.MethodRepositoryReadFile, d.repositoryReadFile)
	server.Register(ipc.MethodRepositoryReadFileSlice, d.repositoryReadFileSlice)
	server.Register(ipc.MethodRepositoryWriteFile, d.repositoryWriteFile)
	server.Register(ipc.MethodRepositoryReplaceFileRange, d.repositoryReplaceFileRange)

	server.Register(ipc.MethodClaudeSend, d.claudeSend)
	server.Register(ipc.MethodClaudeStatus, d.claudeStatus)
	server.Register(ipc.MethodClaudeStop, d.claudeStop)

	server.Register(ipc.MethodGitStatus, d.gitStatus)
	server.Register(ipc.MethodGitDiffFile, d.gitDiffFile)
	server.Register(ipc.MethodGitLog, d.gitLog)
	server.Register(ipc.MethodGitBranches, d.gitBranches)
	server.Register(ipc.MethodGitStage, d.gitStage)
	server.Register(ipc.MethodGitUnstage, d.gitUnstage)
	server.Register(ipc.MethodGitDiscard, d.gitDiscard)
	server.Register(ipc.MethodGitCommit, d.gitCommit)
	server.Register(ipc.MethodGitPush, d.gitPush)

	server.Register(ipc.MethodGHAuthStatus, d.ghAuthStatus)
	server.Register(ipc.MethodGHPRCreate, d.ghPRCreate)
	server.Register(ipc.MethodGHPRView, d.ghPRView)
	server.Register(ipc.MethodGHPRList, d.ghPRList)
	server.Register(ipc.MethodGHPRChecks, d.ghPRChecks)
	server.Register(ipc.MethodGHPRMerge, d.ghPRMerge)

	server.Register(ipc.MethodTerminalRun, d.terminalRun)
	server.Register(ipc.MethodTerminalStatus, d.terminalStatus)
	server.Register(ipc.MethodTerminalStop, d.terminalStop)

	server.Register(ipc.MethodSystemCheckDependencies, d.systemCheckDependencies)
	server.Register(ipc.MethodSystemRefreshCapabilities, d.systemCheckDependencies)
}

// RegisterCommands installs handlers for every remote command_type the
// core owns onto dispatcher, mirroring the subset of methods above
// that the realtime bridge may also invoke on behalf of another
// device. The git/gh command types stay unregistered — their
// execution lives behind the toolbridge runners, and a device asking
// for one gets unsupported_command_type until the packaging layer
// wires them.
func RegisterCommands(dispatcher *remotecmd.Dispatcher, d *Deps) {
	dispatcher.Register("session.create.v1", d.commandSessionCreate)
	dispatcher.Register("session.close.v1", d.commandSessionClose)
	dispatcher.Register("session.delete.v1", d.commandSessionDelete)
	dispatcher.Register("message.send.v1", d.commandMessageSend)
	dispatcher.Register("claude.send.v1", d.commandClaudeSend)
	dispatcher.Register("claude.stop.v1", d.commandClaudeStop)
	dispatcher.Register("claude.status.v1", d.commandClaudeStatus)
	dispatcher.Register("session_secret.request.v1", d.commandSessionSecretRequest)
}

func decodeParams(raw json.RawMessage, v any) *ipc.Error {
	if len(raw) == 0 {
		return ipc.NewError(ipc.CodeInvalidParams, "params required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return ipc.NewError(ipc.CodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	return nil
}

func notFoundErr(err error) *ipc.Error {
	if err == store.ErrNotFound {
		return ipc.NewError(ipc.CodeNotFound, "not found")
	}
	return ipc.NewError(ipc.CodeInternalError, err.Error())
}

func fileopsErr(err error) *ipc.Error {
	var conflict *fileops.RevisionConflict
	switch {
	case err == fileops.ErrPathTraversal, err == fileops.ErrInvalidRelative:
		return ipc.NewError(ipc.CodeInvalidParams, err.Error())
	case err == fileops.ErrNotAFile, err == fileops.ErrInvalidUTF8, err == fileops.ErrLineOutOfRange:
		return ipc.NewError(ipc.CodeInvalidParams, err.Error())
	case asRevisionConflict(err, &conflict):
		data, _ := json.Marshal(conflict.Current)
		return &ipc.Error{Code: ipc.CodeConflict, Message: err.Error(), Data: data}
	default:
		return ipc.NewError(ipc.CodeInternalError, err.Error())
	}
}

// toolErr translates a toolbridge error into the IPC error object,
// attaching the stable string code clients switch on.
func toolErr(err error) *ipc.Error {
	code := "command_failed"
	switch {
	case errors.Is(err, toolbridge.ErrGhNotInstalled):
		code = "gh_not_installed"
	case errors.Is(err, toolbridge.ErrGhNotAuthenticated):
		code = "gh_not_authenticated"
	case errors.Is(err, toolbridge.ErrInvalidRepository):
		code = "invalid_repository"
	}
	data, _ := json.Marshal(map[string]string{"code": code})
	return &ipc.Error{Code: ipc.CodeInternalError, Message: err.Error(), Data: data}
}

func asRevisionConflict(err error, target **fileops.RevisionConflict) bool {
	conflict, ok := err.(*fileops.RevisionConflict)
	if !ok {
		return false
	}
	*target = conflict
	return true
}
