package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownMessageType is returned when a type tag does not name a known message type.
var ErrUnknownMessageType = errors.New("models: unknown message type")

// MessageType identifies the kind of content a message carries.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeVoice    MessageType = "voice"
	MessageTypeVideo    MessageType = "video"
	MessageTypeImage    MessageType = "image"
	MessageTypeDocument MessageType = "document"
	MessageTypeLocation MessageType = "location"
	MessageTypeContact  MessageType = "contact"
	MessageTypeEmoticon MessageType = "emoticon"
	MessageTypeReply    MessageType = "reply"
	MessageTypeSystem   MessageType = "system"
)

// ParseMessageType validates a message type tag.
func ParseMessageType(tag string) (MessageType, error) {
	switch t := MessageType(tag); t {
	case MessageTypeText, MessageTypeVoice, MessageTypeVideo, MessageTypeImage, MessageTypeDocument,
		MessageTypeLocation, MessageTypeContact, MessageTypeEmoticon, MessageTypeReply, MessageTypeSystem:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMessageType, tag)
	}
}

// Message is a chat message as seen by the local client. Messages are never
// removed; deletion sets StatusDeleted and DeletedAt.
type Message struct {
	ID               string            `json:"id"`
	ConversationID   string            `json:"conversation_id"`
	SenderID         string            `json:"sender_id"`
	RecipientID      string            `json:"recipient_id"`
	Type             MessageType       `json:"type"`
	Content          json.RawMessage   `json:"content"`
	Status           Status            `json:"status"`
	Timestamp        time.Time         `json:"timestamp"`
	DeliveredAt      *time.Time        `json:"delivered_at,omitempty"`
	ReadAt           *time.Time        `json:"read_at,omitempty"`
	DeletedAt        *time.Time        `json:"deleted_at,omitempty"`
	ReplyToMessageID string            `json:"reply_to_message_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Error            string            `json:"error,omitempty"`
}

// Outgoing reports whether the message was authored by selfID.
func (m *Message) Outgoing(selfID string) bool {
	return m.SenderID == selfID
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Content != nil {
		out.Content = append(json.RawMessage(nil), m.Content...)
	}
	out.DeliveredAt = cloneTime(m.DeliveredAt)
	out.ReadAt = cloneTime(m.ReadAt)
	out.DeletedAt = cloneTime(m.DeletedAt)
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Validate checks the fields every persisted message must carry.
func (m *Message) Validate() error {
	if m.ID == "" {
		return errors.New("message id is required")
	}
	if m.ConversationID == "" {
		return errors.New("conversation id is required")
	}
	if m.SenderID == "" {
		return errors.New("sender id is required")
	}
	if m.RecipientID == "" {
		return errors.New("recipient id is required")
	}
	if _, err := ParseMessageType(string(m.Type)); err != nil {
		return err
	}
	if !m.Status.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownStatus, int(m.Status))
	}
	if len(m.Content) == 0 || !json.Valid(m.Content) {
		return errors.New("content must be valid JSON")
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
