package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	timestamp TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_session_timestamp ON messages(session_id, timestamp);
`

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time

	listenerMu sync.RWMutex
	listener   OnChangeListener
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) dataDir/chat_history.db.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating data directory")
	}

	dsn := "file:" + filepath.Join(dataDir, "chat_history.db") +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent RPCs.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating tables")
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) SetOnChangeListener(listener OnChangeListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listener = listener
}

func (s *SQLiteStore) notify(events ...ChangeEvent) {
	s.listenerMu.RLock()
	listener := s.listener
	s.listenerMu.RUnlock()

	if listener == nil {
		return
	}
	for _, e := range events {
		listener.OnSessionChange(e)
	}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// List returns all sessions, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context) ([]ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at
		FROM chat_sessions
		ORDER BY updated_at DESC, rowid DESC
	`)
	if err != nil {
		return nil, storageErr(err, "querying sessions")
	}
	defer rows.Close()

	sessions := []ChatSession{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "iterating session rows")
	}
	return sessions, nil
}

// Get returns a session by ID. Returns (session, found, error).
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (ChatSession, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, created_at, updated_at
		FROM chat_sessions
		WHERE id = ?
	`, sessionID)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatSession{}, false, nil
	}
	if err != nil {
		return ChatSession{}, false, err
	}
	return sess, true, nil
}

func (s *SQLiteStore) Create(ctx context.Context, title string) (ChatSession, error) {
	if title == "" {
		title = DefaultTitle
	}

	now := s.now()
	sess := ChatSession{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, sess.ID, sess.Title, formatTime(now), formatTime(now))
	if err != nil {
		return ChatSession{}, storageErr(err, "inserting session")
	}

	s.notify(ChangeEvent{Op: OperationCreate, Session: sess})
	return sess, nil
}

// UpdateTitle renames a session.
// Returns ErrSessionNotFound if the session does not exist.
func (s *SQLiteStore) UpdateTitle(ctx context.Context, sessionID, title string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET title = ?, updated_at = ? WHERE id = ?
	`, title, formatTime(now), sessionID)
	if err != nil {
		return storageErr(err, "updating session title")
	}
	if err := requireAffected(res, sessionID); err != nil {
		return err
	}

	sess, found, err := s.Get(ctx, sessionID)
	if err == nil && found {
		s.notify(ChangeEvent{Op: OperationUpdate, Session: sess})
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err, "beginning transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return storageErr(err, "deleting messages")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, sessionID)
	if err != nil {
		return storageErr(err, "deleting session")
	}
	if err := requireAffected(res, sessionID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr(err, "committing delete")
	}

	s.notify(ChangeEvent{Op: OperationDelete, Session: ChatSession{ID: sessionID}})
	return nil
}

// Messages returns a session's messages in chronological order.
// Returns ErrSessionNotFound if the session does not exist.
func (s *SQLiteStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	if _, found, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	} else if !found {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, timestamp
		FROM messages
		WHERE session_id = ?
		ORDER BY timestamp ASC, rowid ASC
	`, sessionID)
	if err != nil {
		return nil, storageErr(err, "querying messages")
	}
	return collectMessages(rows)
}

// AllMessages returns every stored message, grouped by session and
// chronological within a session.
func (s *SQLiteStore) AllMessages(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, timestamp
		FROM messages
		ORDER BY session_id, timestamp ASC, rowid ASC
	`)
	if err != nil {
		return nil, storageErr(err, "querying messages")
	}
	return collectMessages(rows)
}

// AddMessage appends a message and bumps the session's updated_at.
func (s *SQLiteStore) AddMessage(ctx context.Context, sessionID string, role Role, content string) (Message, error) {
	if !role.IsValid() {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	now := s.now()
	msg := Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, storageErr(err, "beginning transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE chat_sessions SET updated_at = ? WHERE id = ?
	`, formatTime(now), sessionID)
	if err != nil {
		return Message{}, storageErr(err, "touching session")
	}
	if err := requireAffected(res, sessionID); err != nil {
		return Message{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.SessionID, string(msg.Role), msg.Content, formatTime(now))
	if err != nil {
		return Message{}, storageErr(err, "inserting message")
	}

	if err := tx.Commit(); err != nil {
		return Message{}, storageErr(err, "committing message")
	}

	if sess, found, err := s.Get(ctx, sessionID); err == nil && found {
		s.notify(ChangeEvent{Op: OperationUpdate, Session: sess})
	}
	return msg, nil
}

func (s *SQLiteStore) PruneMessages(ctx context.Context, sessionID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE session_id = ? AND id NOT IN (
			SELECT id FROM messages
			WHERE session_id = ?
			ORDER BY timestamp DESC, rowid DESC
			LIMIT ?
		)
	`, sessionID, sessionID, keep)
	if err != nil {
		return 0, storageErr(err, "pruning messages")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr(err, "reading pruned count")
	}
	return int(n), nil
}

// Import writes sessions and messages in a single transaction. Existing
// sessions are overwritten by id; existing messages are left untouched since
// messages never change once created.
func (s *SQLiteStore) Import(ctx context.Context, sessions []ChatSession, messages []Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err, "beginning transaction")
	}
	defer tx.Rollback()

	events := make([]ChangeEvent, 0, len(sessions))
	for _, sess := range sessions {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM chat_sessions WHERE id = ?`, sess.ID).Scan(&exists)
		if err != nil {
			return storageErr(err, "checking session")
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO chat_sessions (id, title, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				created_at = excluded.created_at,
				updated_at = excluded.updated_at
		`, sess.ID, sess.Title, formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt))
		if err != nil {
			return storageErr(err, "upserting session")
		}

		op := OperationCreate
		if exists > 0 {
			op = OperationUpdate
		}
		events = append(events, ChangeEvent{Op: op, Session: sess})
	}

	for _, msg := range messages {
		if !msg.Role.IsValid() {
			return fmt.Errorf("%w: %q in message %s", ErrInvalidRole, msg.Role, msg.ID)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, role, content, timestamp)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, msg.ID, msg.SessionID, string(msg.Role), msg.Content, formatTime(msg.Timestamp))
		if err != nil {
			return storageErr(err, "inserting message")
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr(err, "committing import")
	}

	s.notify(events...)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (ChatSession, error) {
	var (
		sess             ChatSession
		created, updated string
	)
	if err := row.Scan(&sess.ID, &sess.Title, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatSession{}, err
		}
		return ChatSession{}, storageErr(err, "scanning session row")
	}

	var err error
	if sess.CreatedAt, err = parseTime(created); err != nil {
		return ChatSession{}, err
	}
	if sess.UpdatedAt, err = parseTime(updated); err != nil {
		return ChatSession{}, err
	}
	return sess, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var (
			msg      Message
			role, ts string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &ts); err != nil {
			return nil, storageErr(err, "scanning message row")
		}
		msg.Role = Role(role)

		var err error
		if msg.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "iterating message rows")
	}
	return messages, nil
}

func requireAffected(res sql.Result, sessionID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(err, "reading affected rows")
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, storageErr(err, "parsing timestamp")
	}
	return t, nil
}

// storageError marks a database failure so callers can match ErrStorage
// while keeping the wrapped driver error.
type storageError struct {
	err error
}

func storageErr(err error, msg string) error {
	return &storageError{err: errors.Wrap(err, msg)}
}

func (e *storageError) Error() string { return e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }
func (e *storageError) Is(target error) bool {
	return target == ErrStorage
}
