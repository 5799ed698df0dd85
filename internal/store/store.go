package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdaemon/agentd/internal/types"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrRevisionConflict names an optimistic-concurrency failure. No Store
// method returns it: the store does not enforce optimistic concurrency
// beyond what is documented per method.
var ErrRevisionConflict = errors.New("store: revision conflict")

// Store is the session store: a thin, serialized facade over the
// database that emits a types.SideEffect through sink after each
// successful write. All writes take the same mutex since the
// underlying *sql.DB is configured for a single connection; this also
// gives us a natural point to assign monotonic message sequence
// numbers without relying on SQLite-level locking semantics alone.
type Store struct {
	db   *sql.DB
	sink Sink
	mu   sync.Mutex
}

// New wraps db with sink. db should come from Open.
func New(db *sql.DB, sink Sink) *Store {
	if sink == nil {
		sink = NopSink{}
	}
	return &Store{db: db, sink: sink}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// --- Repositories ---------------------------------------------------

// CreateRepository inserts repo (ID and timestamps are assigned if
// zero) and emits RepositoryCreated.
func (s *Store) CreateRepository(repo types.Repository) (types.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}
	now := nowRFC3339()
	if repo.AddedAt.IsZero() {
		repo.AddedAt = parseTime(now)
	}
	repo.CreatedAt = parseTime(now)
	repo.UpdatedAt = parseTime(now)
	repo.LastAccessedAt = parseTime(now)

	_, err := s.db.Exec(`
		INSERT INTO repositories (id, path, name, is_git_repository, sessions_path, default_branch, default_remote, added_at, last_accessed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		repo.ID, repo.Path, repo.Name, boolToInt(repo.IsGitRepository), nullIfEmpty(repo.SessionsPath),
		nullIfEmpty(repo.DefaultBranch), nullIfEmpty(repo.DefaultRemote),
		repo.AddedAt.Format(time.RFC3339Nano), repo.LastAccessedAt.Format(time.RFC3339Nano), now, now)
	if err != nil {
		return types.Repository{}, fmt.Errorf("store: create repository: %w", err)
	}

	s.sink.Emit(types.SideEffect{Kind: types.RepositoryCreated, RepositoryID: repo.ID})
	return repo, nil
}

// GetRepository looks up a repository by id.
func (s *Store) GetRepository(id string) (types.Repository, error) {
	row := s.db.QueryRow(`
		SELECT id, path, name, is_git_repository, sessions_path, default_branch, default_remote, added_at, last_accessed_at, created_at, updated_at
		FROM repositories WHERE id = ?`, id)
	return scanRepository(row)
}

// DeleteRepository removes a repository (cascading to its sessions,
// messages, state, secrets, and sync cursors) and emits
// RepositoryDeleted.
func (s *Store) DeleteRepository(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM repositories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete repository: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.sink.Emit(types.SideEffect{Kind: types.RepositoryDeleted, RepositoryID: id})
	return nil
}

// ListRepositories returns every tracked repository, ordered by most
// recently accessed first.
func (s *Store) ListRepositories() ([]types.Repository, error) {
	rows, err := s.db.Query(`
		SELECT id, path, name, is_git_repository, sessions_path, default_branch, default_remote, added_at, last_accessed_at, created_at, updated_at
		FROM repositories ORDER BY last_accessed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list repositories: %w", err)
	}
	defer rows.Close()

	var out []types.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRepositorySettings updates the mutable per-repository settings
// (default branch, default remote, sessions path). No side effect is
// emitted: repository settings are local-only and are never mirrored
// to the remote database.
func (s *Store) UpdateRepositorySettings(id, defaultBranch, defaultRemote, sessionsPath string) (types.Repository, error) {
	s.mu.Lock()
	now := nowRFC3339()
	res, err := s.db.Exec(`
		UPDATE repositories SET default_branch = ?, default_remote = ?, sessions_path = ?, updated_at = ?
		WHERE id = ?`,
		nullIfEmpty(defaultBranch), nullIfEmpty(defaultRemote), nullIfEmpty(sessionsPath), now, id)
	if err != nil {
		s.mu.Unlock()
		return types.Repository{}, fmt.Errorf("store: update repository settings: %w", err)
	}
	n, _ := res.RowsAffected()
	s.mu.Unlock()
	if n == 0 {
		return types.Repository{}, ErrNotFound
	}
	return s.GetRepository(id)
}

// --- Sessions ---------------------------------------------------------

// CreateSession inserts a session under repositoryID and emits
// SessionCreated.
func (s *Store) CreateSession(sess types.Session) (types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = types.SessionActive
	}
	now := nowRFC3339()
	sess.CreatedAt = parseTime(now)
	sess.UpdatedAt = parseTime(now)
	sess.LastAccessedAt = parseTime(now)

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, repository_id, title, external_agent_session_id, status, is_worktree, worktree_path, created_at, last_accessed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.RepositoryID, sess.Title, nullIfEmpty(sess.ExternalAgentSessionID), string(sess.Status),
		boolToInt(sess.IsWorktree), nullIfEmpty(sess.WorktreePath), now, now, now)
	if err != nil {
		return types.Session{}, fmt.Errorf("store: create session: %w", err)
	}

	// Every session starts with an outbound sync cursor at zero so the
	// sync worker has a row to advance.
	if _, err := s.db.Exec(`INSERT INTO outbound_sync_state (session_id, last_synced_sequence_number, retry_count) VALUES (?, 0, 0)`, sess.ID); err != nil {
		return types.Session{}, fmt.Errorf("store: init sync state: %w", err)
	}

	s.sink.Emit(types.SideEffect{Kind: types.SessionCreated, SessionID: sess.ID, RepositoryID: sess.RepositoryID})
	return sess, nil
}

// GetSession looks up a session by id.
func (s *Store) GetSession(id string) (types.Session, error) {
	row := s.db.QueryRow(`
		SELECT id, repository_id, title, external_agent_session_id, status, is_worktree, worktree_path, created_at, last_accessed_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessionsForRepository returns every session under repositoryID,
// most recently accessed first.
func (s *Store) ListSessionsForRepository(repositoryID string) ([]types.Session, error) {
	rows, err := s.db.Query(`
		SELECT id, repository_id, title, external_agent_session_id, status, is_worktree, worktree_path, created_at, last_accessed_at, updated_at
		FROM sessions WHERE repository_id = ? ORDER BY last_accessed_at DESC`, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CloseSession marks a session ended and emits SessionClosed.
func (s *Store) CloseSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowRFC3339()
	res, err := s.db.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, string(types.SessionEnded), now, id)
	if err != nil {
		return fmt.Errorf("store: close session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.sink.Emit(types.SideEffect{Kind: types.SessionClosed, SessionID: id})
	return nil
}

// DeleteSession removes a session (cascading to its messages, state,
// secrets, and sync cursor) and emits SessionDeleted.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.sink.Emit(types.SideEffect{Kind: types.SessionDeleted, SessionID: id})
	return nil
}

// TouchSession updates last_accessed_at/title and emits SessionUpdated.
func (s *Store) TouchSession(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowRFC3339()
	var res sql.Result
	var err error
	if title != "" {
		res, err = s.db.Exec(`UPDATE sessions SET title = ?, last_accessed_at = ?, updated_at = ? WHERE id = ?`, title, now, now, id)
	} else {
		res, err = s.db.Exec(`UPDATE sessions SET last_accessed_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
	}
	if err != nil {
		return fmt.Errorf("store: touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.sink.Emit(types.SideEffect{Kind: types.SessionUpdated, SessionID: id})
	return nil
}

// --- Messages -----------------------------------------------------------

// AppendMessage assigns the next monotonic sequence number for
// msg.SessionID, inserts the row, and emits MessageAppended. Sequence
// numbers start at 1 and never repeat or regress for a given session.
func (s *Store) AppendMessage(msg types.Message) (types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := nowRFC3339()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = parseTime(now)
	}
	msg.CreatedAt = parseTime(now)

	var maxSeq sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(sequence_number) FROM messages WHERE session_id = ?`, msg.SessionID).Scan(&maxSeq); err != nil {
		return types.Message{}, fmt.Errorf("store: next sequence: %w", err)
	}
	msg.SequenceNumber = maxSeq.Int64 + 1

	_, err := s.db.Exec(`
		INSERT INTO messages (id, session_id, content, sequence_number, is_streaming, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Content, msg.SequenceNumber, boolToInt(msg.IsStreaming),
		msg.Timestamp.Format(time.RFC3339Nano), now)
	if err != nil {
		return types.Message{}, fmt.Errorf("store: append message: %w", err)
	}

	s.sink.Emit(types.SideEffect{
		Kind:           types.MessageAppended,
		SessionID:      msg.SessionID,
		MessageID:      msg.ID,
		SequenceNumber: msg.SequenceNumber,
		Content:        msg.Content,
	})
	return msg, nil
}

// MessagesSince returns messages for sessionID with sequence_number >
// afterSeq, ordered ascending, capped at limit rows. Used by both the
// cold-path syncer (cursor replay) and the IPC history endpoint.
func (s *Store) MessagesSince(sessionID string, afterSeq int64, limit int) ([]types.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, content, sequence_number, is_streaming, timestamp, created_at
		FROM messages WHERE session_id = ? AND sequence_number > ?
		ORDER BY sequence_number ASC LIMIT ?`, sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("store: messages since: %w", err)
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMessagesForSession returns every message for sessionID in
// sequence order. Large sessions should prefer MessagesSince with a
// cursor; this is used by message.list for the common small case.
func (s *Store) ListMessagesForSession(sessionID string) ([]types.Message, error) {
	return s.MessagesSince(sessionID, 0, -1)
}

// RecentMessages returns up to limit of the most recently appended
// messages for sessionID, ordered ascending by sequence number (oldest
// of the recent set first). Used for the bounded recent-history batch
// a new subscriber sees before live events.
func (s *Store) RecentMessages(sessionID string, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, session_id, content, sequence_number, is_streaming, timestamp, created_at
		FROM messages WHERE session_id = ?
		ORDER BY sequence_number DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// GetNextMessageSequence reports the sequence number AppendMessage
// would assign next, without reserving it.
func (s *Store) GetNextMessageSequence(sessionID string) (int64, error) {
	var maxSeq sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(sequence_number) FROM messages WHERE session_id = ?`, sessionID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("store: next sequence: %w", err)
	}
	return maxSeq.Int64 + 1, nil
}

// --- Session runtime state ----------------------------------------------

// UpsertSessionState applies a last-writer-wins update keyed by
// state.UpdatedAtMs: if an existing row is newer or equal, the call is
// a silent no-op (no side effect emitted) to match the coalescer's
// drop-stale semantics at the store boundary too. Otherwise it upserts
// and emits RuntimeStatusUpdated.
func (s *Store) UpsertSessionState(state types.SessionState, envelope types.RuntimeStatusEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing int64
	err := s.db.QueryRow(`SELECT updated_at_ms FROM session_state WHERE session_id = ?`, state.SessionID).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("store: read session state: %w", err)
	}
	if err == nil && existing >= state.UpdatedAtMs {
		return nil
	}

	_, err = s.db.Exec(`
		INSERT INTO session_state (session_id, agent_status, updated_at_ms, schema_version)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET agent_status = excluded.agent_status, updated_at_ms = excluded.updated_at_ms, schema_version = excluded.schema_version`,
		state.SessionID, string(state.AgentStatus), state.UpdatedAtMs, state.SchemaVersion)
	if err != nil {
		return fmt.Errorf("store: upsert session state: %w", err)
	}

	s.sink.Emit(types.SideEffect{Kind: types.RuntimeStatusUpdated, SessionID: state.SessionID, Envelope: envelope})
	return nil
}

// GetSessionState returns the current runtime state for sessionID.
func (s *Store) GetSessionState(sessionID string) (types.SessionState, error) {
	row := s.db.QueryRow(`SELECT session_id, agent_status, updated_at_ms, schema_version FROM session_state WHERE session_id = ?`, sessionID)
	var st types.SessionState
	var status string
	if err := row.Scan(&st.SessionID, &status, &st.UpdatedAtMs, &st.SchemaVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.SessionState{}, ErrNotFound
		}
		return types.SessionState{}, err
	}
	st.AgentStatus = types.AgentStatus(status)
	return st, nil
}

// --- Outbound sync cursor ------------------------------------------------

// GetSyncState returns the outbound sync cursor/retry state for sessionID.
func (s *Store) GetSyncState(sessionID string) (types.OutboundSyncState, error) {
	row := s.db.QueryRow(`
		SELECT session_id, last_synced_sequence_number, last_realtime_synced_sequence_number, retry_count, last_attempt_at, last_error
		FROM outbound_sync_state WHERE session_id = ?`, sessionID)
	var st types.OutboundSyncState
	var lastAttempt, lastErr sql.NullString
	if err := row.Scan(&st.SessionID, &st.LastSyncedSequenceNumber, &st.LastRealtimeSyncedSequenceNumber, &st.RetryCount, &lastAttempt, &lastErr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.OutboundSyncState{}, ErrNotFound
		}
		return types.OutboundSyncState{}, err
	}
	if lastAttempt.Valid {
		t := parseTime(lastAttempt.String)
		st.LastAttemptAt = &t
	}
	st.LastError = lastErr.String
	return st, nil
}

// AdvanceSyncCursor moves a session's cursor forward to seq and resets
// its retry count on success. Does not emit a side effect — the sync
// cursor is sync-worker-internal bookkeeping, not domain data.
func (s *Store) AdvanceSyncCursor(sessionID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE outbound_sync_state SET last_synced_sequence_number = MAX(last_synced_sequence_number, ?), retry_count = 0, last_attempt_at = ?, last_error = NULL
		WHERE session_id = ?`, seq, nowRFC3339(), sessionID)
	return err
}

// RecordSyncFailure increments the retry counter and stores the error.
// retry_count is not capped here; the cold-path worker stops treating a
// session as due once retry_count exceeds its max-retries setting.
func (s *Store) RecordSyncFailure(sessionID string, syncErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE outbound_sync_state SET retry_count = retry_count + 1, last_attempt_at = ?, last_error = ?
		WHERE session_id = ?`, nowRFC3339(), syncErr.Error(), sessionID)
	return err
}

// SessionsPendingSync returns ids of sessions whose highest message
// sequence number exceeds their synced cursor, i.e. sessions with
// outbound work.
func (s *Store) SessionsPendingSync() ([]string, error) {
	return s.sessionsBehindCursor("last_synced_sequence_number")
}

// SessionsPendingRealtime is SessionsPendingSync's hot-path
// counterpart, comparing against the realtime cursor instead.
func (s *Store) SessionsPendingRealtime() ([]string, error) {
	return s.sessionsBehindCursor("last_realtime_synced_sequence_number")
}

func (s *Store) sessionsBehindCursor(cursorColumn string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT o.session_id
		FROM outbound_sync_state o
		JOIN (SELECT session_id, MAX(sequence_number) AS max_seq FROM messages GROUP BY session_id) m
		  ON m.session_id = o.session_id
		WHERE m.max_seq > o.` + cursorColumn + `
		ORDER BY o.session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AdvanceRealtimeCursor moves the hot-path cursor forward to seq. Like
// the cold cursor it never regresses; unlike the cold cursor there is
// no retry state to reset, the hot path being best-effort.
func (s *Store) AdvanceRealtimeCursor(sessionID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE outbound_sync_state SET last_realtime_synced_sequence_number = ?
		WHERE session_id = ? AND last_realtime_synced_sequence_number < ?`, seq, sessionID, seq)
	return err
}

// --- Session secrets ------------------------------------------------------

// PutSessionSecret stores the encrypted per-session key material. No
// side effect is emitted — secrets never propagate through the sink.
func (s *Store) PutSessionSecret(secret types.SessionSecret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO session_secrets (session_id, encrypted_secret, nonce, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET encrypted_secret = excluded.encrypted_secret, nonce = excluded.nonce`,
		secret.SessionID, secret.EncryptedSecret, secret.Nonce, nowRFC3339())
	return err
}

// GetSessionSecret returns the stored secret material for sessionID.
func (s *Store) GetSessionSecret(sessionID string) (types.SessionSecret, error) {
	row := s.db.QueryRow(`SELECT session_id, encrypted_secret, nonce, created_at FROM session_secrets WHERE session_id = ?`, sessionID)
	var sec types.SessionSecret
	var createdAt string
	if err := row.Scan(&sec.SessionID, &sec.EncryptedSecret, &sec.Nonce, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.SessionSecret{}, ErrNotFound
		}
		return types.SessionSecret{}, err
	}
	sec.CreatedAt = parseTime(createdAt)
	return sec, nil
}

// --- Settings -------------------------------------------------------------

// PutSetting upserts a user setting.
func (s *Store) PutSetting(key, value, valueType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, value_type, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, value_type = excluded.value_type, updated_at = excluded.updated_at`,
		key, value, valueType, nowRFC3339())
	return err
}

// GetSetting reads a user setting.
func (s *Store) GetSetting(key string) (types.Setting, error) {
	row := s.db.QueryRow(`SELECT key, value, value_type, updated_at FROM settings WHERE key = ?`, key)
	var st types.Setting
	var updatedAt string
	if err := row.Scan(&st.Key, &st.Value, &st.ValueType, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Setting{}, ErrNotFound
		}
		return types.Setting{}, err
	}
	st.UpdatedAt = parseTime(updatedAt)
	return st, nil
}

// --- scanning helpers -------------------------------------------------

type scanner interface {
	Scan(dest ...any) error
}

func scanRepository(row scanner) (types.Repository, error) {
	var r types.Repository
	var isGit int
	var sessionsPath, defaultBranch, defaultRemote sql.NullString
	var addedAt, lastAccessedAt, createdAt, updatedAt string
	err := row.Scan(&r.ID, &r.Path, &r.Name, &isGit, &sessionsPath, &defaultBranch, &defaultRemote,
		&addedAt, &lastAccessedAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Repository{}, ErrNotFound
		}
		return types.Repository{}, err
	}
	r.IsGitRepository = isGit != 0
	r.SessionsPath = sessionsPath.String
	r.DefaultBranch = defaultBranch.String
	r.DefaultRemote = defaultRemote.String
	r.AddedAt = parseTime(addedAt)
	r.LastAccessedAt = parseTime(lastAccessedAt)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return r, nil
}

func scanSession(row scanner) (types.Session, error) {
	var sess types.Session
	var extID, worktreePath sql.NullString
	var isWorktree int
	var status string
	var createdAt, lastAccessedAt, updatedAt string
	err := row.Scan(&sess.ID, &sess.RepositoryID, &sess.Title, &extID, &status, &isWorktree, &worktreePath,
		&createdAt, &lastAccessedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Session{}, ErrNotFound
		}
		return types.Session{}, err
	}
	sess.ExternalAgentSessionID = extID.String
	sess.Status = types.SessionStatus(status)
	sess.IsWorktree = isWorktree != 0
	sess.WorktreePath = worktreePath.String
	sess.CreatedAt = parseTime(createdAt)
	sess.LastAccessedAt = parseTime(lastAccessedAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return sess, nil
}

func scanMessageRow(rows *sql.Rows) (types.Message, error) {
	var m types.Message
	var isStreaming int
	var timestamp, createdAt string
	err := rows.Scan(&m.ID, &m.SessionID, &m.Content, &m.SequenceNumber, &isStreaming, &timestamp, &createdAt)
	if err != nil {
		return types.Message{}, err
	}
	m.IsStreaming = isStreaming != 0
	m.Timestamp = parseTime(timestamp)
	m.CreatedAt = parseTime(createdAt)
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
