// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting synchronous mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			last_active_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('user','assistant','tool','system')),
			content TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			meta_json TEXT NOT NULL DEFAULT '{}',
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session row, stamping timestamps when unset
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	if session.LastActiveAt.IsZero() {
		session.LastActiveAt = session.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, title, created_at, last_active_at) VALUES (?, ?, ?, ?)`,
		session.ID, session.Title,
		session.CreatedAt.UTC().Format(time.RFC3339Nano),
		session.LastActiveAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, last_active_at FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns sessions ordered by most recent activity
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, last_active_at FROM sessions
		 ORDER BY last_active_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// TouchSession bumps a session's last_active_at timestamp
func (s *SQLiteStore) TouchSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session and its messages
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddMessage inserts a message row, assigns its Seq, and touches the session
func (s *SQLiteStore) AddMessage(ctx context.Context, msg *Message) error {
	meta := msg.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding message meta: %w", err)
	}

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, created_at, meta_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano), string(metaJSON))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), msg.SessionID); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	msg.Seq = seq
	return nil
}

// UpdateMessageContent rewrites a message's content, merging meta into the
// existing meta_json so insert-time fields are not lost.
func (s *SQLiteStore) UpdateMessageContent(ctx context.Context, messageID, content string, meta map[string]any) error {
	if meta == nil {
		res, err := s.db.ExecContext(ctx,
			`UPDATE messages SET content = ? WHERE id = ?`, content, messageID)
		if err != nil {
			return fmt.Errorf("updating message content: %w", err)
		}
		return requireRow(res)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var existingRaw string
	err = tx.QueryRowContext(ctx,
		`SELECT meta_json FROM messages WHERE id = ?`, messageID).Scan(&existingRaw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading message meta: %w", err)
	}

	merged := map[string]any{}
	// Tolerate malformed stored meta; the merge still proceeds
	_ = json.Unmarshal([]byte(existingRaw), &merged)
	for k, v := range meta {
		merged[k] = v
	}
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding merged meta: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET content = ?, meta_json = ? WHERE id = ?`,
		content, string(mergedJSON), messageID); err != nil {
		return fmt.Errorf("updating message: %w", err)
	}

	return tx.Commit()
}

// ListMessages returns the most recent limit messages in ascending seq order
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	query := `SELECT seq, id, session_id, role, content, created_at, meta_json
		FROM messages WHERE session_id = ? ORDER BY seq ASC`
	args := []any{sessionID}

	if limit > 0 {
		// Take the newest rows, then present them oldest-first
		query = `SELECT seq, id, session_id, role, content, created_at, meta_json FROM (
			SELECT seq, id, session_id, role, content, created_at, meta_json
			FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var createdAt, metaJSON string
		if err := rows.Scan(&m.Seq, &m.ID, &m.SessionID, &m.Role, &m.Content, &createdAt, &metaJSON); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.CreatedAt = parseTime(createdAt)
		if err := json.Unmarshal([]byte(metaJSON), &m.Meta); err != nil {
			m.Meta = map[string]any{}
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var createdAt, lastActiveAt string
	err := row.Scan(&sess.ID, &sess.Title, &createdAt, &lastActiveAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.LastActiveAt = parseTime(lastActiveAt)
	return &sess, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint error
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
