package models

import "time"

// StatusUpdate is broadcast for every applied status transition.
type StatusUpdate struct {
	MessageID      string
	ConversationID string
	Status         Status
	Timestamp      time.Time
	Error          string
	// RemoteSenderID is set when the transition came from a remote receipt.
	RemoteSenderID string
}

// TypingUpdate is broadcast when a user's typing flag changes.
type TypingUpdate struct {
	ConversationID string
	UserID         string
	IsTyping       bool
	Timestamp      time.Time
}

// Conversation groups the messages exchanged between participants.
type Conversation struct {
	ID             string
	ParticipantIDs []string
	LastMessageID  string
	LastMessageAt  *time.Time
	UnreadCount    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
