package storage

import (
	"errors"
	"fmt"
	"time"
)

// MarkSeen records a message ID used for replay protection. It reports false
// when the ID was already present.
func (s *Store) MarkSeen(messageID string, receivedAt time.Time) (bool, error) {
	return markSeen(s.db, messageID, receivedAt)
}

func markSeen(db execer, messageID string, receivedAt time.Time) (bool, error) {
	if messageID == "" {
		return false, errors.New("message_id is required")
	}
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	res, err := db.Exec(
		`INSERT INTO seen_message_ids (message_id, received_at)
		VALUES (?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		messageID,
		receivedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert seen message ID %q: %w", messageID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for seen message ID %q: %w", messageID, err)
	}

	return rowsAffected == 1, nil
}

// HasSeenID returns true if a message ID has already been seen.
func (s *Store) HasSeenID(messageID string) (bool, error) {
	if messageID == "" {
		return false, errors.New("message_id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM seen_message_ids WHERE message_id = ?)`,
		messageID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seen message ID %q: %w", messageID, err)
	}

	return exists == 1, nil
}

// PruneSeenIDs removes seen_message_ids rows received before cutoff.
func (s *Store) PruneSeenIDs(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("cutoff is required")
	}

	res, err := s.db.Exec(`DELETE FROM seen_message_ids WHERE received_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune seen message IDs: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen ID prune: %w", err)
	}

	return rowsAffected, nil
}
