// Package toolbridge defines the seams between the daemon and the
// local tool subprocesses its request surface fronts: git plumbing,
// the GitHub CLI, and ad-hoc terminal commands. The daemon owns
// request arrival, parameter validation, and response shaping; the
// subprocess orchestration behind each interface is wired by the
// packaging layer, the same way internal/agentbridge treats the agent
// subprocess.
package toolbridge

import (
	"context"
	"encoding/json"
	"errors"
)

// Errors a runner may surface. Handlers translate these into the
// stable string codes clients switch on.
var (
	ErrNotWired           = errors.New("toolbridge: no runner configured")
	ErrGhNotInstalled     = errors.New("toolbridge: gh is not installed")
	ErrGhNotAuthenticated = errors.New("toolbridge: gh is not authenticated")
	ErrInvalidRepository  = errors.New("toolbridge: not a git repository")
)

// GitRunner fronts git plumbing for one repository working tree.
// Results whose shape is owned by git itself (status entries, log
// entries, branch lists) pass through as raw JSON.
type GitRunner interface {
	Status(ctx context.Context, repoPath string) (json.RawMessage, error)
	DiffFile(ctx context.Context, repoPath, relativePath string) (string, error)
	Log(ctx context.Context, repoPath string, limit int) (json.RawMessage, error)
	Branches(ctx context.Context, repoPath string) (json.RawMessage, error)
	Stage(ctx context.Context, repoPath string, paths []string) error
	Unstage(ctx context.Context, repoPath string, paths []string) error
	Discard(ctx context.Context, repoPath string, paths []string) error
	Commit(ctx context.Context, repoPath, message string) (commitHash string, err error)
	Push(ctx context.Context, repoPath, remote, branch string) error
}

// GHRunner fronts the GitHub CLI for pull-request operations.
type GHRunner interface {
	AuthStatus(ctx context.Context) (json.RawMessage, error)
	PRCreate(ctx context.Context, repoPath string, params json.RawMessage) (json.RawMessage, error)
	PRView(ctx context.Context, repoPath string, number int) (json.RawMessage, error)
	PRList(ctx context.Context, repoPath string) (json.RawMessage, error)
	PRChecks(ctx context.Context, repoPath string, number int) (json.RawMessage, error)
	PRMerge(ctx context.Context, repoPath string, number int, method string) (json.RawMessage, error)
}

// TerminalRunner runs ad-hoc commands on a session's behalf, streaming
// output through the IPC hub as terminal_output/terminal_finished
// events.
type TerminalRunner interface {
	Run(ctx context.Context, sessionID, command string) (runID string, err error)
	Status(ctx context.Context, runID string) (json.RawMessage, error)
	Stop(ctx context.Context, runID string) error
}

// StubGit answers every call with ErrNotWired.
type StubGit struct{}

func (StubGit) Status(context.Context, string) (json.RawMessage, error) { return nil, ErrNotWired }
func (StubGit) DiffFile(context.Context, string, string) (string, error) {
	return "", ErrNotWired
}
func (StubGit) Log(context.Context, string, int) (json.RawMessage, error) { return nil, ErrNotWired }
func (StubGit) Branches(context.Context, string) (json.RawMessage, error) {
	return nil, ErrNotWired
}
func (StubGit) Stage(context.Context, string, []string) error   { return ErrNotWired }
func (StubGit) Unstage(context.Context, string, []string) error { return ErrNotWired }
func (StubGit) Discard(context.Context, string, []string) error { return ErrNotWired }
func (StubGit) Commit(context.Context, string, string) (string, error) {
	return "", ErrNotWired
}
func (StubGit) Push(context.Context, string, string, string) error { return ErrNotWired }

// StubGH answers every call with ErrNotWired.
type StubGH struct{}

func (StubGH) AuthStatus(context.Context) (json.RawMessage, error) { return nil, ErrNotWired }
func (StubGH) PRCreate(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return nil, ErrNotWired
}
func (StubGH) PRView(context.Context, string, int) (json.RawMessage, error) {
	return nil, ErrNotWired
}
func (StubGH) PRList(context.Context, string) (json.RawMessage, error) { return nil, ErrNotWired }
func (StubGH) PRChecks(context.Context, string, int) (json.RawMessage, error) {
	return nil, ErrNotWired
}
func (StubGH) PRMerge(context.Context, string, int, string) (json.RawMessage, error) {
	return nil, ErrNotWired
}

// StubTerminal answers every call with ErrNotWired.
type StubTerminal struct{}

func (StubTerminal) Run(context.Context, string, string) (string, error) { return "", ErrNotWired }
func (StubTerminal) Status(context.Context, string) (json.RawMessage, error) {
	return nil, ErrNotWired
}
func (StubTerminal) Stop(context.Context, string) error { return ErrNotWired }
