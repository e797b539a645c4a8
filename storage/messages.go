package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sechat/models"
)

const messageColumns = `
			message_id,
			conversation_id,
			sender_id,
			recipient_id,
			message_type,
			content,
			status,
			timestamp,
			delivered_at,
			read_at,
			deleted_at,
			reply_to_message_id,
			metadata,
			error`

// SaveMessage inserts a new message row.
func (s *Store) SaveMessage(message *models.Message) error {
	if err := prepareMessage(message); err != nil {
		return err
	}
	return insertMessage(s.db, message)
}

// SaveIncomingMessage stores a received message and records its id for
// replay protection in one transaction. It reports false and stores nothing
// when the id was already seen; a failed insert leaves the id unseen.
func (s *Store) SaveIncomingMessage(message *models.Message, receivedAt time.Time) (bool, error) {
	if err := prepareMessage(message); err != nil {
		return false, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin incoming message transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	fresh, err := markSeen(tx, message.ID, receivedAt)
	if err != nil || !fresh {
		return false, err
	}
	if err := insertMessage(tx, message); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit incoming message %q: %w", message.ID, err)
	}
	return true, nil
}

func prepareMessage(message *models.Message) error {
	if message == nil {
		return errors.New("message is required")
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	return message.Validate()
}

func insertMessage(db execer, message *models.Message) error {
	metadata, err := encodeMetadata(message.Metadata)
	if err != nil {
		return err
	}
	var replyTo *string
	if message.ReplyToMessageID != "" {
		replyTo = &message.ReplyToMessageID
	}

	_, err = db.Exec(
		`INSERT INTO messages (`+messageColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID,
		message.ConversationID,
		message.SenderID,
		message.RecipientID,
		string(message.Type),
		string(message.Content),
		message.Status.String(),
		message.Timestamp.UnixMilli(),
		nullTime(message.DeliveredAt),
		nullTime(message.ReadAt),
		nullTime(message.DeletedAt),
		nullString(replyTo),
		metadata,
		message.Error,
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.ID, err)
	}

	return nil
}

// GetMessage fetches one message by message ID.
func (s *Store) GetMessage(messageID string) (*models.Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE message_id = ?`,
		messageID,
	)

	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// ListMessages returns conversation messages ordered by timestamp.
func (s *Store) ListMessages(conversationID string, limit, offset int) ([]*models.Message, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	return s.queryMessages(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp ASC, message_id ASC
		LIMIT ? OFFSET ?`,
		conversationID,
		limit,
		offset,
	)
}

// ListMessagesByStatus returns every message currently in status, oldest first.
func (s *Store) ListMessagesByStatus(status models.Status) ([]*models.Message, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %d", models.ErrUnknownStatus, int(status))
	}

	return s.queryMessages(
		`SELECT`+messageColumns+`
		FROM messages
		WHERE status = ?
		ORDER BY timestamp ASC, message_id ASC`,
		status.String(),
	)
}

// UpdateMessageStatus sets the status of a message and stamps the matching
// delivered/read/deleted column with at. Transition rules are enforced by the
// caller.
func (s *Store) UpdateMessageStatus(messageID string, status models.Status, at time.Time, errMsg string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %d", models.ErrUnknownStatus, int(status))
	}
	if at.IsZero() {
		at = time.Now()
	}

	query := `UPDATE messages SET status = ?, error = ?`
	args := []any{status.String(), errMsg}
	switch status {
	case models.StatusDelivered:
		query += `, delivered_at = COALESCE(delivered_at, ?)`
		args = append(args, at.UnixMilli())
	case models.StatusRead:
		query += `, read_at = COALESCE(read_at, ?)`
		args = append(args, at.UnixMilli())
	case models.StatusDeleted:
		query += `, deleted_at = COALESCE(deleted_at, ?)`
		args = append(args, at.UnixMilli())
	}
	query += ` WHERE message_id = ?`
	args = append(args, messageID)

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update status for message %q: %w", messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for update status %q: %w", messageID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// FailStaleSending marks messages stuck in sending since before cutoff as failed.
func (s *Store) FailStaleSending(cutoff time.Time, reason string) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("cutoff is required")
	}

	res, err := s.db.Exec(
		`UPDATE messages
		SET status = ?, error = ?
		WHERE status = ? AND timestamp < ?`,
		models.StatusFailed.String(),
		reason,
		models.StatusSending.String(),
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale sending messages: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for fail stale sending: %w", err)
	}

	return rowsAffected, nil
}

func (s *Store) queryMessages(query string, args ...any) ([]*models.Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode message metadata: %w", err)
	}
	return string(raw), nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		message     models.Message
		messageType string
		content     string
		status      string
		timestamp   int64
		deliveredAt sql.NullInt64
		readAt      sql.NullInt64
		deletedAt   sql.NullInt64
		replyTo     sql.NullString
		metadata    string
	)

	if err := row.Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&message.RecipientID,
		&messageType,
		&content,
		&status,
		&timestamp,
		&deliveredAt,
		&readAt,
		&deletedAt,
		&replyTo,
		&metadata,
		&message.Error,
	); err != nil {
		return nil, err
	}

	parsedType, err := models.ParseMessageType(messageType)
	if err != nil {
		return nil, err
	}
	parsedStatus, err := models.ParseStatus(status)
	if err != nil {
		return nil, err
	}

	message.Type = parsedType
	message.Status = parsedStatus
	message.Content = json.RawMessage(content)
	message.Timestamp = time.UnixMilli(timestamp)
	message.DeliveredAt = timePtr(deliveredAt)
	message.ReadAt = timePtr(readAt)
	message.DeletedAt = timePtr(deletedAt)
	if replyTo.Valid {
		message.ReplyToMessageID = replyTo.String
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &message.Metadata); err != nil {
			return nil, fmt.Errorf("decode message metadata: %w", err)
		}
	}

	return &message, nil
}
