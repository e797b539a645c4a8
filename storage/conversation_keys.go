package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveConversationKey inserts or replaces the key for a conversation.
func (s *Store) SaveConversationKey(key ConversationKey) error {
	if key.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if len(key.Material) == 0 {
		return errors.New("key_material is required")
	}
	if key.ExpiresAt.IsZero() {
		return errors.New("expires_at is required")
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO conversation_keys (conversation_id, key_material, created_by, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			key_material = excluded.key_material,
			created_by = excluded.created_by,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		key.ConversationID,
		key.Material,
		key.CreatedBy,
		key.CreatedAt.UnixMilli(),
		key.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save conversation key %q: %w", key.ConversationID, err)
	}

	return nil
}

// GetConversationKey fetches the stored key for a conversation, expired or not.
func (s *Store) GetConversationKey(conversationID string) (*ConversationKey, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}

	var (
		key       ConversationKey
		createdAt int64
		expiresAt int64
	)
	err := s.db.QueryRow(
		`SELECT conversation_id, key_material, created_by, created_at, expires_at
		FROM conversation_keys
		WHERE conversation_id = ?`,
		conversationID,
	).Scan(&key.ConversationID, &key.Material, &key.CreatedBy, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation key %q: %w", conversationID, err)
	}

	key.CreatedAt = time.UnixMilli(createdAt)
	key.ExpiresAt = time.UnixMilli(expiresAt)
	return &key, nil
}

// DeleteConversationKey removes the key for one conversation.
func (s *Store) DeleteConversationKey(conversationID string) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM conversation_keys WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation key %q: %w", conversationID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete conversation key %q: %w", conversationID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteExpiredConversationKeys removes keys whose expiry is at or before now.
func (s *Store) DeleteExpiredConversationKeys(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM conversation_keys WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired conversation keys: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for expired conversation keys: %w", err)
	}

	return rowsAffected, nil
}

// DeleteAllConversationKeys removes every stored conversation key.
func (s *Store) DeleteAllConversationKeys() error {
	if _, err := s.db.Exec(`DELETE FROM conversation_keys`); err != nil {
		return fmt.Errorf("delete all conversation keys: %w", err)
	}
	return nil
}
