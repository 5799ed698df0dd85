// Package types holds the daemon's core entities: the persisted rows
// (Repository, Session, Message, SessionState, SessionSecret,
// OutboundSyncState, Setting) and the in-process SideEffect variants the
// session store emits after committed repository, session, message, and
// runtime-state writes.
package types

import "time"

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// AgentStatus is the external agent subprocess's reported state for a session.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
	AgentWaiting AgentStatus = "waiting"
	AgentError   AgentStatus = "error"
)

// Repository is a local working directory the daemon tracks.
type Repository struct {
	ID               string     `json:"id"`
	Path             string     `json:"path"`
	Name             string     `json:"name"`
	IsGitRepository  bool       `json:"is_git_repository"`
	SessionsPath     string     `json:"sessions_path,omitempty"`
	DefaultBranch    string     `json:"default_branch,omitempty"`
	DefaultRemote    string     `json:"default_remote,omitempty"`
	AddedAt          time.Time  `json:"added_at"`
	LastAccessedAt   time.Time  `json:"last_accessed_at"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Session is a single coding conversation attached to one repository.
type Session struct {
	ID                   string        `json:"id"`
	RepositoryID         string        `json:"repository_id"`
	Title                string        `json:"title"`
	ExternalAgentSessionID string      `json:"external_agent_session_id,omitempty"`
	Status               SessionStatus `json:"status"`
	IsWorktree           bool          `json:"is_worktree"`
	WorktreePath         string        `json:"worktree_path,omitempty"`
	CreatedAt            time.Time     `json:"created_at"`
	LastAccessedAt       time.Time     `json:"last_accessed_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// Message is one row in a session's conversation log. Content is opaque —
// the core never interprets it.
type Message struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Content        string    `json:"content"`
	SequenceNumber int64     `json:"sequence_number"`
	IsStreaming    bool      `json:"is_streaming"`
	Timestamp      time.Time `json:"timestamp"`
	CreatedAt      time.Time `json:"created_at"`
}

// SessionState is the agent's current runtime status for a session.
type SessionState struct {
	SessionID     string      `json:"session_id"`
	AgentStatus   AgentStatus `json:"agent_status"`
	UpdatedAtMs   int64       `json:"updated_at_ms"`
	SchemaVersion int         `json:"schema_version"`
}

// SessionSecret holds the encrypted per-session symmetric key used to
// encrypt message content before it leaves the device.
type SessionSecret struct {
	SessionID       string    `json:"session_id"`
	EncryptedSecret []byte    `json:"encrypted_secret"`
	Nonce           []byte    `json:"nonce"`
	CreatedAt       time.Time `json:"created_at"`
}

// OutboundSyncState tracks a session's sync cursors and retry state:
// the cold-path cursor with its backoff bookkeeping, and the hot-path
// cursor the realtime syncer dedupes against after a restart.
type OutboundSyncState struct {
	SessionID                        string     `json:"session_id"`
	LastSyncedSequenceNumber         int64      `json:"last_synced_sequence_number"`
	LastRealtimeSyncedSequenceNumber int64      `json:"last_realtime_synced_sequence_number"`
	RetryCount                       int        `json:"retry_count"`
	LastAttemptAt                    *time.Time `json:"last_attempt_at,omitempty"`
	LastError                        string     `json:"last_error,omitempty"`
}

// Setting is a small typed key/value user setting.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	ValueType string    `json:"value_type"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RuntimeStatusEnvelope is the wire/in-process shape of an agent status
// update, carried verbatim to the remote database and the realtime bridge.
type RuntimeStatusEnvelope struct {
	SchemaVersion int    `json:"schema_version"`
	CodingSession struct {
		Status       AgentStatus `json:"status"`
		ErrorMessage string      `json:"error_message,omitempty"`
	} `json:"coding_session"`
	DeviceID    string `json:"device_id"`
	SessionID   string `json:"session_id"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
}

// SideEffectKind discriminates the SideEffect tagged union.
type SideEffectKind string

const (
	RepositoryCreated    SideEffectKind = "repository_created"
	RepositoryDeleted    SideEffectKind = "repository_deleted"
	SessionCreated       SideEffectKind = "session_created"
	SessionClosed        SideEffectKind = "session_closed"
	SessionDeleted       SideEffectKind = "session_deleted"
	SessionUpdated       SideEffectKind = "session_updated"
	MessageAppended      SideEffectKind = "message_appended"
	RuntimeStatusUpdated SideEffectKind = "runtime_status_updated"
)

// SideEffect is the tagged value the session store emits after a
// successful repository, session, message, or runtime-state write. Only
// the fields relevant to Kind are populated.
type SideEffect struct {
	Kind SideEffectKind

	RepositoryID string
	SessionID    string

	// MessageAppended fields
	MessageID      string
	SequenceNumber int64
	Content        string

	// RuntimeStatusUpdated field
	Envelope RuntimeStatusEnvelope
}
