package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertContact inserts a contact or refreshes its identity keys.
func (s *Store) UpsertContact(contact Contact) error {
	if contact.UserID == "" {
		return errors.New("user_id is required")
	}
	if contact.Ed25519PublicKey == "" {
		return errors.New("ed25519_public_key is required")
	}
	if contact.X25519PublicKey == "" {
		return errors.New("x25519_public_key is required")
	}
	if contact.KeyFingerprint == "" {
		return errors.New("key_fingerprint is required")
	}
	if contact.Status == "" {
		contact.Status = ContactStatusActive
	}
	if err := validateContactStatus(contact.Status); err != nil {
		return err
	}
	if contact.AddedTimestamp == 0 {
		contact.AddedTimestamp = nowUnixMilli()
	}

	verified := 0
	if contact.Verified {
		verified = 1
	}

	_, err := s.db.Exec(
		`INSERT INTO contacts (
			user_id,
			display_name,
			ed25519_public_key,
			x25519_public_key,
			key_fingerprint,
			status,
			verified,
			added_timestamp,
			last_seen_timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			ed25519_public_key = excluded.ed25519_public_key,
			x25519_public_key = excluded.x25519_public_key,
			key_fingerprint = excluded.key_fingerprint,
			status = excluded.status,
			verified = excluded.verified,
			last_seen_timestamp = excluded.last_seen_timestamp`,
		contact.UserID,
		contact.DisplayName,
		contact.Ed25519PublicKey,
		contact.X25519PublicKey,
		contact.KeyFingerprint,
		contact.Status,
		verified,
		contact.AddedTimestamp,
		nullInt64(contact.LastSeenTimestamp),
	)
	if err != nil {
		return fmt.Errorf("upsert contact %q: %w", contact.UserID, err)
	}

	return nil
}

// GetContact fetches a contact by user ID.
func (s *Store) GetContact(userID string) (*Contact, error) {
	row := s.db.QueryRow(
		`SELECT
			user_id,
			display_name,
			ed25519_public_key,
			x25519_public_key,
			key_fingerprint,
			status,
			verified,
			added_timestamp,
			last_seen_timestamp
		FROM contacts
		WHERE user_id = ?`,
		userID,
	)

	contact, err := scanContact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get contact %q: %w", userID, err)
	}

	return contact, nil
}

// ListContacts returns all contacts sorted by display name.
func (s *Store) ListContacts() ([]Contact, error) {
	rows, err := s.db.Query(
		`SELECT
			user_id,
			display_name,
			ed25519_public_key,
			x25519_public_key,
			key_fingerprint,
			status,
			verified,
			added_timestamp,
			last_seen_timestamp
		FROM contacts
		ORDER BY display_name, user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	contacts := make([]Contact, 0)
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact row: %w", err)
		}
		contacts = append(contacts, *contact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contact rows: %w", err)
	}

	return contacts, nil
}

// RemoveContact deletes a contact by user ID.
func (s *Store) RemoveContact(userID string) error {
	if userID == "" {
		return errors.New("user_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM contacts WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("remove contact %q: %w", userID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for remove contact %q: %w", userID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanContact(row scanner) (*Contact, error) {
	var (
		contact  Contact
		verified int
		lastSeen sql.NullInt64
	)

	if err := row.Scan(
		&contact.UserID,
		&contact.DisplayName,
		&contact.Ed25519PublicKey,
		&contact.X25519PublicKey,
		&contact.KeyFingerprint,
		&contact.Status,
		&verified,
		&contact.AddedTimestamp,
		&lastSeen,
	); err != nil {
		return nil, err
	}

	contact.Verified = verified == 1
	contact.LastSeenTimestamp = int64Ptr(lastSeen)

	return &contact, nil
}
