package transport

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sechat/logging"
)

// RedisTransport delivers frames over Redis pub/sub channels inbox:{userID}.
type RedisTransport struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisTransport wraps client.
func NewRedisTransport(client redis.UniversalClient, logger *zap.Logger) *RedisTransport {
	return &RedisTransport{client: client, logger: logging.OrNop(logger).Named("transport")}
}

// Publish sends frame to recipientID's inbox channel.
func (t *RedisTransport) Publish(ctx context.Context, recipientID string, frame []byte) error {
	receivers, err := t.client.Publish(ctx, inboxChannel(recipientID), frame).Result()
	if err != nil {
		return fmt.Errorf("failed to publish frame: %w", err)
	}
	if receivers == 0 {
		t.logger.Debug("frame published with no subscriber", zap.String("recipient_id", recipientID))
	}
	return nil
}

// Subscribe listens on userID's inbox channel until ctx ends or cancel is called.
func (t *RedisTransport) Subscribe(ctx context.Context, userID string) (<-chan []byte, func(), error) {
	pubsub := t.client.Subscribe(ctx, inboxChannel(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to inbox: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan []byte, loopbackBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return out, cancel, nil
}
