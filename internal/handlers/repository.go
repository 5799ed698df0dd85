package handlers

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/bdaemon/agentd/internal/fileops"
	"github.com/bdaemon/agentd/internal/ipc"
	"github.com/bdaemon/agentd/internal/types"
)

func (d *Deps) repositoryList(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	repos, err := d.Store.ListRepositories()
	if err != nil {
		return nil, ipc.NewError(ipc.CodeInternalError, err.Error())
	}
	return map[string]any{"repositories": repos}, nil
}

type repositoryAddParams struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

func (d *Deps) repositoryAdd(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p repositoryAddParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	abs, statErr := filepath.Abs(p.Path)
	if statErr != nil {
		return nil, ipc.NewError(ipc.CodeInvalidParams, statErr.Error())
	}
	info, statErr := os.Stat(abs)
	if statErr != nil || !info.IsDir() {
		return nil, ipc.NewError(ipc.CodeInvalidParams, "path is not a directory")
	}

	name := p.Name
	if name == "" {
		name = filepath.Base(abs)
	}
	_, gitErr := os.Stat(filepath.Join(abs, ".git"))

	repo, err := d.Store.CreateRepository(types.Repository{
		Path:            abs,
		Name:            name,
		IsGitRepository: gitErr == nil,
	})
	if err != nil {
		return nil, ipc.NewError(ipc.CodeInternalError, err.Error())
	}
	return repo, nil
}

type repositoryIDParams struct {
	RepositoryID string `json:"repository_id"`
}

func (d *Deps) repositoryRemove(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p repositoryIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := d.Store.DeleteRepository(p.RepositoryID); err != nil {
		return nil, notFoundErr(err)
	}
	d.mu.Lock()
	if ops, ok := d.opsCache[p.RepositoryID]; ok {
		_ = ops.Close()
		delete(d.opsCache, p.RepositoryID)
	}
	d.mu.Unlock()
	return map[string]bool{"deleted": true}, nil
}

func (d *Deps) repositoryGetSettings(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p repositoryIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	repo, err := d.Store.GetRepository(p.RepositoryID)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return repo, nil
}

type repositoryUpdateSettingsParams struct {
	RepositoryID  string `json:"repository_id"`
	DefaultBranch string `json:"default_branch,omitempty"`
	DefaultRemote string `json:"default_remote,omitempty"`
	SessionsPath  string `json:"sessions_path,omitempty"`
}

func (d *Deps) repositoryUpdateSettings(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p repositoryUpdateSettingsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	repo, err := d.Store.UpdateRepositorySettings(p.RepositoryID, p.DefaultBranch, p.DefaultRemote, p.SessionsPath)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return repo, nil
}

type repositoryFileParams struct {
	RepositoryID string `json:"repository_id"`
	Path         string `json:"path"`
}

func (d *Deps) repositoryListFiles(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p repositoryFileParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	ops, opsErr := d.opsFor(p.RepositoryID)
	if opsErr != nil {
		return nil, notFoundErr(opsErr)
	}
	entries, err := ops.ListFiles(p.Path)
	if err != nil {
		return nil, fileopsErr(err)
	}
	return map[string]any{"entries": entries}, nil
}

func (d *Deps) repositoryReadFile(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p repositoryFileParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	ops, opsErr := d.opsFor(p.RepositoryID)
	if opsErr != nil {
		return nil, notFoundErr(opsErr)
	}
	result, err := ops.Read(p.Path)
	if err != nil {
		return nil, fileopsErr(err)
	}
	return result, nil
}

type repositoryReadFileSliceParams struct {
	RepositoryID string `json:"repository_id"`
	Path         string `json:"path"`
	StartLine    int    `json:"start_line"`
	EndLine      int    `json:"end_line"`
}

func (d *Deps) repositoryReadFileSlice(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p repositoryReadFileSliceParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	ops, opsErr := d.opsFor(p.RepositoryID)
	if opsErr != nil {
		return nil, notFoundErr(opsErr)
	}
	result, err := ops.ReadSlice(p.Path, p.StartLine, p.EndLine)
	if err != nil {
		return nil, fileopsErr(err)
	}
	return result, nil
}

type repositoryWriteFileParams struct {
	RepositoryID     string              `json:"repository_id"`
	Path             string              `json:"path"`
	Content          string              `json:"content"`
	ExpectedRevision fileops.FileRevision `json:"expected_revision"`
	Force            bool                `json:"force,omitempty"`
}

func (d *Deps) repositoryWriteFile(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p repositoryWriteFileParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	ops, opsErr := d.opsFor(p.RepositoryID)
	if opsErr != nil {
		return nil, notFoundErr(opsErr)
	}
	result, err := ops.Write(p.Path, p.Content, p.ExpectedRevision, p.Force)
	if err != nil {
		return nil, fileopsErr(err)
	}
	return result, nil
}

type repositoryReplaceFileRangeParams struct {
	RepositoryID     string              `json:"repository_id"`
	Path             string              `json:"path"`
	StartLine        int                 `json:"start_line"`
	EndLine          int                 `json:"end_line"`
	Replacement      []string            `json:"replacement"`
	ExpectedRevision fileops.FileRevision `json:"expected_revision"`
	Force            bool                `json:"force,omitempty"`
}

func (d *Deps) repositoryReplaceFileRange(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p repositoryReplaceFileRangeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	ops, opsErr := d.opsFor(p.RepositoryID)
	if opsErr != nil {
		return nil, notFoundErr(opsErr)
	}
	result, err := ops.ReplaceRange(p.Path, p.StartLine, p.EndLine, p.Replacement, p.ExpectedRevision, p.Force)
	if err != nil {
		return nil, fileopsErr(err)
	}
	return result, nil
}
