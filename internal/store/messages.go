// ABOUTME: Message persistence for delivery/read receipt tracking.
// ABOUTME: Rows are looked up by the engine-native message id when receipts arrive.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveMessage persists a message record.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = now
	}
	if msg.Status == "" {
		msg.Status = MessageStatusPending
	}

	query := `
		INSERT INTO messages (
			id, session_id, message_id, recipient, sender, content_type,
			direction, status, body, error_message, delivered_at, read_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if _, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.SessionID,
		msg.MessageID,
		msg.Recipient,
		msg.Sender,
		msg.ContentType,
		msg.Direction,
		msg.Status,
		msg.Body,
		msg.ErrorMessage,
		formatNullableTime(msg.DeliveredAt),
		formatNullableTime(msg.ReadAt),
		msg.CreatedAt.Format(time.RFC3339),
		msg.UpdatedAt.Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessageByEngineID retrieves a message by its engine-native id within a session.
func (s *SQLiteStore) GetMessageByEngineID(ctx context.Context, sessionID, messageID string) (*Message, error) {
	query := `
		SELECT id, session_id, message_id, recipient, sender, content_type,
			direction, status, body, error_message, delivered_at, read_at,
			created_at, updated_at
		FROM messages WHERE session_id = ? AND message_id = ?
	`

	var (
		msg         Message
		sender      sql.NullString
		contentType sql.NullString
		body        sql.NullString
		errMsg      sql.NullString
		deliveredAt sql.NullString
		readAt      sql.NullString
		createdAt   string
		updatedAt   string
	)

	err := s.db.QueryRowContext(ctx, query, sessionID, messageID).Scan(
		&msg.ID, &msg.SessionID, &msg.MessageID, &msg.Recipient, &sender,
		&contentType, &msg.Direction, &msg.Status, &body, &errMsg,
		&deliveredAt, &readAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading message: %w", err)
	}

	msg.Sender = sender.String
	msg.ContentType = contentType.String
	msg.Body = body.String
	if errMsg.Valid {
		msg.ErrorMessage = &errMsg.String
	}
	if msg.DeliveredAt, err = parseNullableTime(deliveredAt); err != nil {
		return nil, err
	}
	if msg.ReadAt, err = parseNullableTime(readAt); err != nil {
		return nil, err
	}
	if msg.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if msg.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &msg, nil
}

// UpdateMessageStatus sets the status of a message identified by its
// engine-native id. Delivered and read statuses also stamp their timestamps.
func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, sessionID, messageID, status string, at time.Time) error {
	query := `UPDATE messages SET status = ?, updated_at = ?`
	args := []any{status, at.UTC().Format(time.RFC3339)}

	switch status {
	case MessageStatusDelivered:
		query += `, delivered_at = ?`
		args = append(args, at.UTC().Format(time.RFC3339))
	case MessageStatusRead:
		query += `, read_at = ?`
		args = append(args, at.UTC().Format(time.RFC3339))
	}

	query += ` WHERE session_id = ? AND message_id = ?`
	args = append(args, sessionID, messageID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating message status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullableTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return &t, nil
}
