package handlers

import (
	"context"
	"encoding/json"

	"github.com/bdaemon/agentd/internal/ipc"
)

type terminalRunParams struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
}

func (d *Deps) terminalRun(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p terminalRunParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Command == "" {
		return nil, ipc.NewError(ipc.CodeInvalidParams, "command required")
	}
	if _, err := d.Store.GetSession(p.SessionID); err != nil {
		return nil, notFoundErr(err)
	}
	runID, err := d.Terminal.Run(ctx, p.SessionID, p.Command)
	if err != nil {
		return nil, toolErr(err)
	}
	return map[string]string{"run_id": runID}, nil
}

type terminalRunIDParams struct {
	RunID string `json:"run_id"`
}

func (d *Deps) terminalStatus(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p terminalRunIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	status, err := d.Terminal.Status(ctx, p.RunID)
	if err != nil {
		return nil, toolErr(err)
	}
	return status, nil
}

func (d *Deps) terminalStop(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p terminalRunIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := d.Terminal.Stop(ctx, p.RunID); err != nil {
		return nil, toolErr(err)
	}
	return map[string]bool{"stopped": true}, nil
}
