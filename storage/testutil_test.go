package storage

import (
	"encoding/json"
	"testing"
	"time"

	"sechat/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func newTextMessage(t *testing.T, id, conversationID, from, to, text string, ts time.Time) *models.Message {
	t.Helper()

	content, err := json.Marshal(models.TextContent{Text: text})
	if err != nil {
		t.Fatalf("encode text content: %v", err)
	}
	return &models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       from,
		RecipientID:    to,
		Type:           models.MessageTypeText,
		Content:        content,
		Status:         models.StatusSending,
		Timestamp:      ts,
	}
}

func mustSaveMessage(t *testing.T, store *Store, message *models.Message) {
	t.Helper()

	if err := store.SaveMessage(message); err != nil {
		t.Fatalf("save message %q: %v", message.ID, err)
	}
}
