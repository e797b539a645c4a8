package transport

import (
	"context"
	"sync"
)

const loopbackBuffer = 256

// Loopback is an in-process Transport. Frames published to a user with no
// subscriber, or whose inbox buffer is full, are dropped, matching pub/sub
// semantics.
type Loopback struct {
	mu     sync.Mutex
	inbox  map[string]map[*loopbackSub]struct{}
	closed bool
}

type loopbackSub struct {
	ch   chan []byte
	once sync.Once
}

func (s *loopbackSub) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewLoopback returns an empty hub.
func NewLoopback() *Loopback {
	return &Loopback{inbox: make(map[string]map[*loopbackSub]struct{})}
}

// Publish copies frame to every subscriber of recipientID.
func (l *Loopback) Publish(ctx context.Context, recipientID string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	for sub := range l.inbox[recipientID] {
		payload := append([]byte(nil), frame...)
		select {
		case sub.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers an inbox reader for userID.
func (l *Loopback) Subscribe(ctx context.Context, userID string) (<-chan []byte, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, nil, ErrClosed
	}

	sub := &loopbackSub{ch: make(chan []byte, loopbackBuffer)}
	if l.inbox[userID] == nil {
		l.inbox[userID] = make(map[*loopbackSub]struct{})
	}
	l.inbox[userID][sub] = struct{}{}

	cancel := func() {
		l.mu.Lock()
		delete(l.inbox[userID], sub)
		l.mu.Unlock()
		sub.close()
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return sub.ch, cancel, nil
}

// Close closes every subscription.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, subs := range l.inbox {
		for sub := range subs {
			sub.close()
		}
	}
	l.inbox = make(map[string]map[*loopbackSub]struct{})
	return nil
}
