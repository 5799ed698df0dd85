package handlers

import (
	"context"
	"encoding/json"

	"github.com/bdaemon/agentd/internal/ipc"
	"github.com/bdaemon/agentd/internal/types"
)

// repoForGit resolves the repository row and rejects non-git
// repositories before any runner call.
func (d *Deps) repoForGit(repositoryID string) (types.Repository, *ipc.Error) {
	repo, err := d.Store.GetRepository(repositoryID)
	if err != nil {
		return types.Repository{}, notFoundErr(err)
	}
	if !repo.IsGitRepository {
		data, _ := json.Marshal(map[string]string{"code": "invalid_repository"})
		return types.Repository{}, &ipc.Error{Code: ipc.CodeInvalidParams, Message: "repository is not a git repository", Data: data}
	}
	return repo, nil
}

func (d *Deps) gitStatus(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p repositoryIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	repo, ipcErr := d.repoForGit(p.RepositoryID)
	if ipcErr != nil {
		return nil, ipcErr
	}
	status, err := d.Git.Status(ctx, repo.Path)
	if err != nil {
		return nil, toolErr(err)
	}
	return status, nil
}

type gitDiffFileParams struct {
	RepositoryID string `json:"repository_id"`
	Path         string `json:"path"`
}

func (d *Deps) gitDiffFile(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p gitDiffFileParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	repo, ipcErr := d.repoForGit(p.RepositoryID)
	if ipcErr != nil {
		return nil, ipcErr
	}
	diff, err := d.Git.DiffFile(ctx, repo.Path, p.Path)
	if err != nil {
		return nil, toolErr(err)
	}
	return map[string]string{"diff": diff}, nil
}

type gitLogParams struct {
	RepositoryID string `json:"repository_id"`
	Limit        int    `json:"limit,omitempty"`
}

func (d *Deps) gitLog(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p gitLogParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	repo, ipcErr := d.repoForGit(p.RepositoryID)
	if ipcErr != nil {
		return nil, ipcErr
	}
	entries, err := d.Git.Log(ctx, repo.Path, p.Limit)
	if err != nil {
		return nil, toolErr(err)
	}
	return entries, nil
}

func (d *Deps) gitBranches(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p repositoryIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	repo, ipcErr := d.repoForGit(p.RepositoryID)
	if ipcErr != nil {
		return nil, ipcErr
	}
	branches, err := d.Git.Branches(ctx, repo.Path)
	if err != nil {
		return nil, toolErr(err)
	}
	return branches, nil
}

type gitPathsParams struct {
	RepositoryID string   `json:"repository_id"`
	Paths        []string `json:"paths"`
}

func (d *Deps) gitStage(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	return d.gitPathsOp(ctx, params, d.Git.Stage)
}

func (d *Deps) gitUnstage(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	return d.gitPathsOp(ctx, params, d.Git.Unstage)
}

func (d *Deps) gitDiscard(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	return d.gitPathsOp(ctx, params, d.Git.Discard)
}

func (d *Deps) gitPathsOp(ctx context.Context, params json.RawMessage, op func(context.Context, string, []string) error) (any, *ipc.Error) {
	var p gitPathsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Paths) == 0 {
		return nil, ipc.NewError(ipc.CodeInvalidParams, "paths required")
	}
	repo, ipcErr := d.repoForGit(p.RepositoryID)
	if ipcErr != nil {
		return nil, ipcErr
	}
	if err := op(ctx, repo.Path, p.Paths); err != nil {
		return nil, toolErr(err)
	}
	return map[string]bool{"ok": true}, nil
}

type gitCommitParams struct {
	RepositoryID string `json:"repository_id"`
	Message      string `json:"message"`
}

func (d *Deps) gitCommit(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p gitCommitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Message == "" {
		return nil, ipc.NewError(ipc.CodeInvalidParams, "message required")
	}
	repo, ipcErr := d.repoForGit(p.RepositoryID)
	if ipcErr != nil {
		return nil, ipcErr
	}
	hash, err := d.Git.Commit(ctx, repo.Path, p.Message)
	if err != nil {
		return nil, toolErr(err)
	}
	return map[string]string{"commit": hash}, nil
}

type gitPushParams struct {
	RepositoryID string `json:"repository_id"`
	Remote       string `json:"remote,omitempty"`
	Branch       string `json:"branch,omitempty"`
}

func (d *Deps) gitPush(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p gitPushParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	repo, ipcErr := d.repoForGit(p.RepositoryID)
	if ipcErr != nil {
		return nil, ipcErr
	}
	remote := p.Remote
	if remote == "" {
		remote = repo.DefaultRemote
	}
	branch := p.Branch
	if branch == "" {
		branch = repo.DefaultBranch
	}
	if err := d.Git.Push(ctx, repo.Path, remote, branch); err != nil {
		return nil, toolErr(err)
	}
	return map[string]bool{"pushed": true}, nil
}
