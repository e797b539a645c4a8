package transport

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case frame, ok := <-ch:
		require.True(t, ok, "inbox closed")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func TestLoopbackDeliversToRecipientOnly(t *testing.T) {
	ctx := context.Background()
	hub := NewLoopback()
	defer hub.Close()

	bob, cancelBob, err := hub.Subscribe(ctx, "bob")
	require.NoError(t, err)
	defer cancelBob()
	carol, cancelCarol, err := hub.Subscribe(ctx, "carol")
	require.NoError(t, err)
	defer cancelCarol()

	frame := []byte(`{"kind":"payload"}`)
	require.NoError(t, hub.Publish(ctx, "bob", frame))
	frame[0] = 'X'

	assert.Equal(t, `{"kind":"payload"}`, string(receive(t, bob)))
	select {
	case <-carol:
		t.Fatal("carol received bob's frame")
	default:
	}
}

func TestLoopbackCancelClosesInbox(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewLoopback()

	inbox, _, err := hub.Subscribe(ctx, "bob")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-inbox:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("inbox not closed after context cancel")
	}

	require.NoError(t, hub.Close())
	require.ErrorIs(t, hub.Publish(context.Background(), "bob", []byte("x")), ErrClosed)
	_, _, err = hub.Subscribe(context.Background(), "bob")
	require.ErrorIs(t, err, ErrClosed)
}

func TestRedisTransport(t *testing.T) {
	addr := os.Getenv("SECHAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SECHAT_TEST_REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	tr := NewRedisTransport(client, nil)
	user := "transport-test-" + time.Now().Format("150405.000000")
	inbox, stop, err := tr.Subscribe(ctx, user)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, tr.Publish(ctx, user, []byte("frame-1")))
	assert.Equal(t, "frame-1", string(receive(t, inbox)))
}
