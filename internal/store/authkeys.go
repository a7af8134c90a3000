// ABOUTME: Keyed-secret persistence addressed by (session id, category, key id).
// ABOUTME: These rows churn on every signal-protocol exchange, so writes are per-row upserts.

package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertAuthKey inserts or replaces a single keyed secret.
func (s *SQLiteStore) UpsertAuthKey(ctx context.Context, key *AuthKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO auth_keys (session_id, category, key_id, value, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, category, key_id) DO UPDATE SET
			value = excluded.value
	`

	if _, err := s.db.ExecContext(ctx, query,
		key.SessionID,
		key.Category,
		key.KeyID,
		string(key.Value),
		key.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("upserting auth key: %w", err)
	}
	return nil
}

// DeleteAuthKey removes one keyed secret. Deleting a missing key is not an error.
func (s *SQLiteStore) DeleteAuthKey(ctx context.Context, sessionID, category, keyID string) error {
	query := `DELETE FROM auth_keys WHERE session_id = ? AND category = ? AND key_id = ?`
	if _, err := s.db.ExecContext(ctx, query, sessionID, category, keyID); err != nil {
		return fmt.Errorf("deleting auth key: %w", err)
	}
	return nil
}

// ListAuthKeys returns every keyed secret for a session in insertion order.
func (s *SQLiteStore) ListAuthKeys(ctx context.Context, sessionID string) ([]*AuthKey, error) {
	query := `
		SELECT session_id, category, key_id, value, created_at
		FROM auth_keys WHERE session_id = ? ORDER BY created_at, key_id
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing auth keys: %w", err)
	}
	defer rows.Close()

	var keys []*AuthKey
	for rows.Next() {
		var (
			key       AuthKey
			value     string
			createdAt string
		)
		if err := rows.Scan(&key.SessionID, &key.Category, &key.KeyID, &value, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning auth key: %w", err)
		}
		key.Value = []byte(value)
		if key.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing auth key created_at: %w", err)
		}
		keys = append(keys, &key)
	}
	return keys, rows.Err()
}

// DeleteAuthKeys purges every keyed secret for a session. Used by logout and
// force-delete.
func (s *SQLiteStore) DeleteAuthKeys(ctx context.Context, sessionID string) error {
	query := `DELETE FROM auth_keys WHERE session_id = ?`
	if _, err := s.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("deleting auth keys: %w", err)
	}
	return nil
}
