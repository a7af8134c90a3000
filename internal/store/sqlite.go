// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides session/auth-key/message persistence with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

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

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			engine TEXT NOT NULL,
			connected INTEGER NOT NULL DEFAULT 0,
			attributes TEXT,
			auth_state TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS auth_keys (
			session_id TEXT NOT NULL,
			category TEXT NOT NULL,
			key_id TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, category, key_id),
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			recipient TEXT NOT NULL,
			sender TEXT,
			content_type TEXT,
			direction TEXT NOT NULL,
			status TEXT NOT NULL,
			body TEXT,
			error_message TEXT,
			delivered_at TEXT,
			read_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_engine_id
			ON messages(session_id, message_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_connected
			ON sessions(connected);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertSession creates a session with the given name or updates the engine
// and attributes of an existing one. The credential blob and connected flag
// of an existing session are left untouched.
func (s *SQLiteStore) UpsertSession(ctx context.Context, name, engine string, attrs *SessionAttributes) (*Session, error) {
	now := time.Now().UTC()
	attrsJSON, err := marshalAttributes(attrs)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO sessions (id, name, engine, connected, attributes, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			engine = excluded.engine,
			attributes = excluded.attributes,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query,
		uuid.New().String(),
		name,
		engine,
		attrsJSON,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	); err != nil {
		return nil, fmt.Errorf("upserting session: %w", err)
	}

	return s.GetSessionByName(ctx, name)
}

// GetSession retrieves a session by id. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	return s.getSessionWhere(ctx, "id = ?", id)
}

// GetSessionByName retrieves a session by its unique name.
func (s *SQLiteStore) GetSessionByName(ctx context.Context, name string) (*Session, error) {
	return s.getSessionWhere(ctx, "name = ?", name)
}

func (s *SQLiteStore) getSessionWhere(ctx context.Context, where string, arg any) (*Session, error) {
	query := `
		SELECT id, name, engine, connected, attributes, auth_state, created_at, updated_at
		FROM sessions WHERE ` + where

	row := s.db.QueryRowContext(ctx, query, arg)
	return scanSession(row)
}

// UpdateSessionConfig changes engine and/or attributes of an existing session.
// Empty engine keeps the current one; nil attrs keeps the current attributes.
func (s *SQLiteStore) UpdateSessionConfig(ctx context.Context, id string, engine string, attrs *SessionAttributes) (*Session, error) {
	existing, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if engine == "" {
		engine = existing.Engine
	}
	if attrs == nil {
		attrs = existing.Attributes
	}
	attrsJSON, err := marshalAttributes(attrs)
	if err != nil {
		return nil, err
	}

	query := `UPDATE sessions SET engine = ?, attributes = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query,
		engine,
		attrsJSON,
		time.Now().UTC().Format(time.RFC3339),
		id,
	); err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}

	return s.GetSession(ctx, id)
}

// SetSessionConnected flips the connected flag. Marking a session
// disconnected also clears its credential blob so the next connect starts a
// fresh pairing.
func (s *SQLiteStore) SetSessionConnected(ctx context.Context, id string, connected bool) error {
	var query string
	if connected {
		query = `UPDATE sessions SET connected = 1, updated_at = ? WHERE id = ?`
	} else {
		query = `UPDATE sessions SET connected = 0, auth_state = NULL, updated_at = ? WHERE id = ?`
	}

	res, err := s.db.ExecContext(ctx, query, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("setting session connected state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConnectedSessions returns every session whose connected flag is set.
// Used by startup recovery to resume sessions after a process restart.
func (s *SQLiteStore) ListConnectedSessions(ctx context.Context) ([]*Session, error) {
	query := `
		SELECT id, name, engine, connected, attributes, auth_state, created_at, updated_at
		FROM sessions WHERE connected = 1 ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing connected sessions: %w", err)
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

// DeleteSession removes the session row. Auth keys and messages cascade.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveAuthState stores the opaque credential blob for a session.
func (s *SQLiteStore) SaveAuthState(ctx context.Context, id string, state json.RawMessage) error {
	query := `UPDATE sessions SET auth_state = ?, updated_at = ? WHERE id = ?`

	var blob any
	if state != nil {
		blob = string(state)
	}
	res, err := s.db.ExecContext(ctx, query, blob, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("saving auth state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAuthState returns the credential blob for a session, nil when unset.
func (s *SQLiteStore) GetAuthState(ctx context.Context, id string) (json.RawMessage, error) {
	query := `SELECT auth_state FROM sessions WHERE id = ?`

	var blob sql.NullString
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading auth state: %w", err)
	}
	if !blob.Valid || blob.String == "" {
		return nil, nil
	}
	return json.RawMessage(blob.String), nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess      Session
		connected int
		attrs     sql.NullString
		auth      sql.NullString
		createdAt string
		updatedAt string
	)

	err := row.Scan(&sess.ID, &sess.Name, &sess.Engine, &connected, &attrs, &auth, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	sess.Connected = connected != 0
	if attrs.Valid && attrs.String != "" {
		var a SessionAttributes
		if err := json.Unmarshal([]byte(attrs.String), &a); err != nil {
			return nil, fmt.Errorf("parsing session attributes: %w", err)
		}
		sess.Attributes = &a
	}
	if auth.Valid && auth.String != "" {
		sess.AuthState = json.RawMessage(auth.String)
	}
	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &sess, nil
}

func marshalAttributes(attrs *SessionAttributes) (any, error) {
	if attrs == nil {
		return nil, nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshaling session attributes: %w", err)
	}
	return string(data), nil
}
