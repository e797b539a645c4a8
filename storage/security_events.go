package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SecurityEventType names a recorded security event.
type SecurityEventType string

// Security events recorded by the messaging pipeline and the key exchange.
const (
	EventIntegrityFailed  SecurityEventType = "envelope_integrity_failed"
	EventDecryptionFailed SecurityEventType = "envelope_decryption_failed"
	EventMissingKey       SecurityEventType = "conversation_key_missing"
	EventReplayRejected   SecurityEventType = "replay_rejected"
	EventSenderMismatch   SecurityEventType = "sender_mismatch"
	EventKeyCollision     SecurityEventType = "conversation_key_collision"
	EventIdentityChanged  SecurityEventType = "identity_key_changed"
	EventInvalidBundle    SecurityEventType = "identity_bundle_invalid"
	EventAgreementRotated SecurityEventType = "agreement_key_rotated"
)

// Severity grades a security event.
type Severity string

const (
	// SecuritySeverityInfo marks expected but notable events such as key rotation.
	SecuritySeverityInfo Severity = "info"
	// SecuritySeverityWarning marks frames that were dropped.
	SecuritySeverityWarning Severity = "warning"
	// SecuritySeverityCritical marks tampering or impersonation attempts.
	SecuritySeverityCritical Severity = "critical"
)

func (s Severity) rank() (int, error) {
	switch s {
	case SecuritySeverityInfo:
		return 0, nil
	case SecuritySeverityWarning:
		return 1, nil
	case SecuritySeverityCritical:
		return 2, nil
	default:
		return 0, fmt.Errorf("unknown security severity %q", s)
	}
}

func severitiesFrom(min Severity) ([]any, error) {
	floor, err := min.rank()
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, 3)
	for _, s := range []Severity{SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical} {
		if r, _ := s.rank(); r >= floor {
			out = append(out, string(s))
		}
	}
	return out, nil
}

// SecurityEvent is one entry of the local security log. UserID is the remote
// user the event concerns; ConversationID is empty for identity events.
type SecurityEvent struct {
	ID             int64
	Type           SecurityEventType
	UserID         string
	ConversationID string
	Severity       Severity
	Details        map[string]string
	At             time.Time
}

// SecurityEventFilter narrows GetSecurityEvents. Zero fields match everything.
type SecurityEventFilter struct {
	Type           SecurityEventType
	UserID         string
	ConversationID string
	MinSeverity    Severity
	Since          time.Time
	Limit          int
}

// LogSecurityEvent appends event to the security log.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	if strings.TrimSpace(string(event.Type)) == "" {
		return errors.New("security event type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if _, err := event.Severity.rank(); err != nil {
		return err
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}
	details := event.Details
	if details == nil {
		details = map[string]string{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal security event details: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO security_events (event_type, user_id, conversation_id, severity, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(event.Type),
		strings.TrimSpace(event.UserID),
		event.ConversationID,
		string(event.Severity),
		string(raw),
		event.At.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert security event %q: %w", event.Type, err)
	}
	return nil
}

// GetSecurityEvents returns matching events, newest first.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var (
		where []string
		args  []any
	)
	if filter.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, filter.ConversationID)
	}
	if filter.MinSeverity != "" {
		severities, err := severitiesFrom(filter.MinSeverity)
		if err != nil {
			return nil, err
		}
		where = append(where, "severity IN (?"+strings.Repeat(", ?", len(severities)-1)+")")
		args = append(args, severities...)
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UnixMilli())
	}

	query := `SELECT id, event_type, user_id, conversation_id, severity, details, created_at FROM security_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get security events: %w", err)
	}
	defer rows.Close()

	var events []SecurityEvent
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan security event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event rows: %w", err)
	}
	return events, nil
}

// PruneSecurityEvents removes events recorded before cutoff.
func (s *Store) PruneSecurityEvents(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("cutoff is required")
	}
	res, err := s.db.Exec(`DELETE FROM security_events WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return res.RowsAffected()
}

func scanSecurityEvent(row scanner) (SecurityEvent, error) {
	var (
		event     SecurityEvent
		eventType string
		severity  string
		details   string
		createdAt int64
	)
	if err := row.Scan(&event.ID, &eventType, &event.UserID, &event.ConversationID, &severity, &details, &createdAt); err != nil {
		return SecurityEvent{}, err
	}
	event.Type = SecurityEventType(eventType)
	event.Severity = Severity(severity)
	event.At = time.UnixMilli(createdAt)
	if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
		return SecurityEvent{}, fmt.Errorf("decode details of event %d: %w", event.ID, err)
	}
	return event, nil
}
