package handlers

import (
	"context"
	"encoding/json"

	"github.com/bdaemon/agentd/internal/ipc"
)

func (d *Deps) ghAuthStatus(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	status, err := d.GH.AuthStatus(ctx)
	if err != nil {
		return nil, toolErr(err)
	}
	return status, nil
}

type ghPRCreateParams struct {
	RepositoryID string          `json:"repository_id"`
	Params       json.RawMessage `json:"params,omitempty"`
}

func (d *Deps) ghPRCreate(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p ghPRCreateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	repo, ipcErr := d.repoForGit(p.RepositoryID)
	if ipcErr != nil {
		return nil, ipcErr
	}
	result, err := d.GH.PRCreate(ctx, repo.Path, p.Params)
	if err != nil {
		return nil, toolErr(err)
	}
	return result, nil
}

type ghPRNumberParams struct {
	RepositoryID string `json:"repository_id"`
	Number       int    `json:"number"`
}

func (d *Deps) ghPRView(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	return d.ghNumberOp(ctx, params, d.GH.PRView)
}

func (d *Deps) ghPRChecks(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	return d.ghNumberOp(ctx, params, d.GH.PRChecks)
}

func (d *Deps) ghNumberOp(ctx context.Context, params json.RawMessage, op func(context.Context, string, int) (json.RawMessage, error)) (any, *ipc.Error) {
	var p ghPRNumberParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Number <= 0 {
		return nil, ipc.NewError(ipc.CodeInvalidParams, "number required")
	}
	repo, ipcErr := d.repoForGit(p.RepositoryID)
	if ipcErr != nil {
		return nil, ipcErr
	}
	result, err := op(ctx, repo.Path, p.Number)
	if err != nil {
		return nil, toolErr(err)
	}
	return result, nil
}

func (d *Deps) ghPRList(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p repositoryIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	repo, ipcErr := d.repoForGit(p.RepositoryID)
	if ipcErr != nil {
		return nil, ipcErr
	}
	result, err := d.GH.PRList(ctx, repo.Path)
	if err != nil {
		return nil, toolErr(err)
	}
	return result, nil
}

type ghPRMergeParams struct {
	RepositoryID string `json:"repository_id"`
	Number       int    `json:"number"`
	Method       string `json:"method,omitempty"` // merge | squash | rebase
}

func (d *Deps) ghPRMerge(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p ghPRMergeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Number <= 0 {
		return nil, ipc.NewError(ipc.CodeInvalidParams, "number required")
	}
	repo, ipcErr := d.repoForGit(p.RepositoryID)
	if ipcErr != nil {
		return nil, ipcErr
	}
	result, err := d.GH.PRMerge(ctx, repo.Path, p.Number, p.Method)
	if err != nil {
		return nil, toolErr(err)
	}
	return result, nil
}
