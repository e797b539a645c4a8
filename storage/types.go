package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// ContactStatusActive is the default status for a pinned contact.
	ContactStatusActive = "active"
	// ContactStatusBlocked marks contacts whose frames are ignored.
	ContactStatusBlocked = "blocked"
)

// Contact is a remote user whose identity keys have been pinned locally.
type Contact struct {
	UserID            string
	DisplayName       string
	Ed25519PublicKey  string
	X25519PublicKey   string
	KeyFingerprint    string
	Status            string
	Verified          bool
	AddedTimestamp    int64
	LastSeenTimestamp *int64
}

// ConversationKey is the persisted form of a conversation's symmetric key.
// CreatedBy is the user that generated it.
type ConversationKey struct {
	ConversationID string
	Material       []byte
	CreatedBy      string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

type scanner interface {
	Scan(dest ...any) error
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func validateContactStatus(status string) error {
	switch status {
	case ContactStatusActive, ContactStatusBlocked:
		return nil
	default:
		return fmt.Errorf("invalid contact status %q", status)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func timePtr(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	v := time.UnixMilli(ni.Int64)
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
