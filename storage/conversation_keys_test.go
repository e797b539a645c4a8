package storage

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestConversationKeyLifecycle(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().Truncate(time.Millisecond)
	material := bytes.Repeat([]byte{0x42}, 32)

	if err := store.SaveConversationKey(ConversationKey{
		ConversationID: "conv-live",
		Material:       material,
		CreatedAt:      now,
		ExpiresAt:      now.Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("SaveConversationKey live failed: %v", err)
	}
	if err := store.SaveConversationKey(ConversationKey{
		ConversationID: "conv-expired",
		Material:       material,
		CreatedAt:      now.Add(-25 * time.Hour),
		ExpiresAt:      now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("SaveConversationKey expired failed: %v", err)
	}

	key, err := store.GetConversationKey("conv-live")
	if err != nil {
		t.Fatalf("GetConversationKey failed: %v", err)
	}
	if !bytes.Equal(key.Material, material) {
		t.Fatalf("key material did not round trip")
	}
	if !key.ExpiresAt.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("unexpected expires_at %v", key.ExpiresAt)
	}

	removed, err := store.DeleteExpiredConversationKeys(now)
	if err != nil {
		t.Fatalf("DeleteExpiredConversationKeys failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 expired key removed, got %d", removed)
	}
	removed, err = store.DeleteExpiredConversationKeys(now)
	if err != nil {
		t.Fatalf("second DeleteExpiredConversationKeys failed: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected purge to be idempotent, removed %d", removed)
	}
	if _, err := store.GetConversationKey("conv-expired"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for purged key, got %v", err)
	}

	if err := store.DeleteConversationKey("conv-live"); err != nil {
		t.Fatalf("DeleteConversationKey failed: %v", err)
	}
	if err := store.DeleteConversationKey("conv-live"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestDeleteAllConversationKeys(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		if err := store.SaveConversationKey(ConversationKey{
			ConversationID: id,
			Material:       make([]byte, 32),
			ExpiresAt:      now.Add(time.Hour),
		}); err != nil {
			t.Fatalf("SaveConversationKey %q failed: %v", id, err)
		}
	}

	if err := store.DeleteAllConversationKeys(); err != nil {
		t.Fatalf("DeleteAllConversationKeys failed: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.GetConversationKey(id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected key %q to be gone, got %v", id, err)
		}
	}
}
