package models

import (
	"errors"
	"fmt"
)

// ErrUnknownStatus is returned when a status tag does not name a known status.
var ErrUnknownStatus = errors.New("models: unknown message status")

// Status is the delivery state of a message.
type Status int

const (
	StatusSending Status = iota + 1
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
	StatusDeleted
)

var statusNames = map[Status]string{
	StatusSending:   "sending",
	StatusSent:      "sent",
	StatusDelivered: "delivered",
	StatusRead:      "read",
	StatusFailed:    "failed",
	StatusDeleted:   "deleted",
}

// String returns the wire tag of the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRead, StatusFailed, StatusDeleted:
		return true
	default:
		return false
	}
}

// ParseStatus maps a wire tag to a Status. Unknown tags are an error.
func ParseStatus(tag string) (Status, error) {
	switch tag {
	case "sending":
		return StatusSending, nil
	case "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read":
		return StatusRead, nil
	case "failed":
		return StatusFailed, nil
	case "deleted":
		return StatusDeleted, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, tag)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
