package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sechat/models"
)

// SaveConversation inserts or replaces a conversation row.
func (s *Store) SaveConversation(conversation *models.Conversation) error {
	if conversation == nil {
		return errors.New("conversation is required")
	}
	if conversation.ID == "" {
		return errors.New("conversation_id is required")
	}
	if len(conversation.ParticipantIDs) == 0 {
		return errors.New("participant_ids are required")
	}

	now := time.Now()
	if conversation.CreatedAt.IsZero() {
		conversation.CreatedAt = now
	}
	conversation.UpdatedAt = now

	participants, err := json.Marshal(conversation.ParticipantIDs)
	if err != nil {
		return fmt.Errorf("encode participant ids: %w", err)
	}
	var lastMessageID *string
	if conversation.LastMessageID != "" {
		lastMessageID = &conversation.LastMessageID
	}

	_, err = s.db.Exec(
		`INSERT INTO conversations (
			conversation_id,
			participant_ids,
			last_message_id,
			last_message_at,
			unread_count,
			created_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			participant_ids = excluded.participant_ids,
			last_message_id = excluded.last_message_id,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		conversation.ID,
		string(participants),
		nullString(lastMessageID),
		nullTime(conversation.LastMessageAt),
		conversation.UnreadCount,
		conversation.CreatedAt.UnixMilli(),
		conversation.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save conversation %q: %w", conversation.ID, err)
	}

	return nil
}

// GetConversation fetches a conversation by ID.
func (s *Store) GetConversation(conversationID string) (*models.Conversation, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			conversation_id,
			participant_ids,
			last_message_id,
			last_message_at,
			unread_count,
			created_at,
			updated_at
		FROM conversations
		WHERE conversation_id = ?`,
		conversationID,
	)

	conversation, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation %q: %w", conversationID, err)
	}
	return conversation, nil
}

// ListConversations returns conversations with the most recent activity first.
func (s *Store) ListConversations() ([]*models.Conversation, error) {
	rows, err := s.db.Query(
		`SELECT
			conversation_id,
			participant_ids,
			last_message_id,
			last_message_at,
			unread_count,
			created_at,
			updated_at
		FROM conversations
		ORDER BY COALESCE(last_message_at, created_at) DESC, conversation_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]*models.Conversation, 0)
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		conversations = append(conversations, conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}

	return conversations, nil
}

func scanConversation(row scanner) (*models.Conversation, error) {
	var (
		conversation  models.Conversation
		participants  string
		lastMessageID sql.NullString
		lastMessageAt sql.NullInt64
		createdAt     int64
		updatedAt     int64
	)

	if err := row.Scan(
		&conversation.ID,
		&participants,
		&lastMessageID,
		&lastMessageAt,
		&conversation.UnreadCount,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(participants), &conversation.ParticipantIDs); err != nil {
		return nil, fmt.Errorf("decode participant ids: %w", err)
	}
	if lastMessageID.Valid {
		conversation.LastMessageID = lastMessageID.String
	}
	conversation.LastMessageAt = timePtr(lastMessageAt)
	conversation.CreatedAt = time.UnixMilli(createdAt)
	conversation.UpdatedAt = time.UnixMilli(updatedAt)

	return &conversation, nil
}
