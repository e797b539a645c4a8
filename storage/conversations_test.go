package storage

import (
	"errors"
	"testing"
	"time"

	"sechat/models"
)

func TestConversationSaveAndGet(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetConversation("conv-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	conversation := &models.Conversation{
		ID:             "conv-1",
		ParticipantIDs: []string{"alice", "bob"},
	}
	if err := store.SaveConversation(conversation); err != nil {
		t.Fatalf("SaveConversation failed: %v", err)
	}

	loaded, err := store.GetConversation("conv-1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if len(loaded.ParticipantIDs) != 2 || loaded.ParticipantIDs[0] != "alice" || loaded.ParticipantIDs[1] != "bob" {
		t.Fatalf("unexpected participants: %v", loaded.ParticipantIDs)
	}
	if loaded.LastMessageAt != nil || loaded.LastMessageID != "" {
		t.Fatalf("expected no last message, got %+v", loaded)
	}

	lastAt := time.Now().Truncate(time.Millisecond)
	loaded.LastMessageID = "msg-9"
	loaded.LastMessageAt = &lastAt
	loaded.UnreadCount = 3
	if err := store.SaveConversation(loaded); err != nil {
		t.Fatalf("SaveConversation update failed: %v", err)
	}

	updated, err := store.GetConversation("conv-1")
	if err != nil {
		t.Fatalf("GetConversation after update failed: %v", err)
	}
	if updated.LastMessageID != "msg-9" || updated.UnreadCount != 3 {
		t.Fatalf("unexpected updated conversation: %+v", updated)
	}
	if updated.LastMessageAt == nil || !updated.LastMessageAt.Equal(lastAt) {
		t.Fatalf("expected last_message_at %v, got %v", lastAt, updated.LastMessageAt)
	}
	if !updated.CreatedAt.Equal(conversation.CreatedAt.Truncate(time.Millisecond)) {
		t.Fatalf("created_at changed on update: %v vs %v", updated.CreatedAt, conversation.CreatedAt)
	}

	if err := store.SaveConversation(&models.Conversation{ID: "conv-2", ParticipantIDs: []string{"alice", "carol"}}); err != nil {
		t.Fatalf("SaveConversation conv-2 failed: %v", err)
	}
	all, err := store.ListConversations()
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(all))
	}
}

func TestSaveConversationRequiresParticipants(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveConversation(&models.Conversation{ID: "conv-1"}); err == nil {
		t.Fatalf("expected missing participants to be rejected")
	}
}
