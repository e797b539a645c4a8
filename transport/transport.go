// Package transport moves opaque frames between users. It knows nothing about
// envelopes or encryption.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport: closed")

// Transport delivers frames to a user's inbox.
type Transport interface {
	// Publish sends frame to recipientID's inbox.
	Publish(ctx context.Context, recipientID string, frame []byte) error
	// Subscribe returns the frames arriving in userID's inbox. The returned
	// cancel func stops the subscription and closes the channel.
	Subscribe(ctx context.Context, userID string) (<-chan []byte, func(), error)
}

func inboxChannel(userID string) string {
	return "inbox:" + userID
}
