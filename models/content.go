package models

import (
	"encoding/json"
	"fmt"
)

// TextContent is the payload of text messages.
type TextContent struct {
	Text string `json:"text"`
}

// LocationContent is the payload of location messages.
type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label,omitempty"`
}

// ContactContent is a shared address-book entry.
type ContactContent struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// EmoticonContent carries a single emoticon or sticker code.
type EmoticonContent struct {
	Code string `json:"code"`
}

// ReplyContent quotes another message of the same conversation.
type ReplyContent struct {
	Text          string `json:"text"`
	QuotedPreview string `json:"quoted_preview,omitempty"`
}

// SystemContent is generated by the client itself (key changes, joins).
type SystemContent struct {
	Event  string `json:"event"`
	Detail string `json:"detail,omitempty"`
}

// NewContent marshals a typed payload for a message.
func NewContent(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	return raw, nil
}

// DecodeContent unmarshals the content of m into the struct matching its type.
func DecodeContent(m *Message) (any, error) {
	var target any
	switch m.Type {
	case MessageTypeText:
		target = &TextContent{}
	case MessageTypeVoice, MessageTypeVideo, MessageTypeImage, MessageTypeDocument:
		target = &MediaContent{}
	case MessageTypeLocation:
		target = &LocationContent{}
	case MessageTypeContact:
		target = &ContactContent{}
	case MessageTypeEmoticon:
		target = &EmoticonContent{}
	case MessageTypeReply:
		target = &ReplyContent{}
	case MessageTypeSystem:
		target = &SystemContent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}

	if err := json.Unmarshal(m.Content, target); err != nil {
		return nil, fmt.Errorf("decode %s content: %w", m.Type, err)
	}
	return target, nil
}
