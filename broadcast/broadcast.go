// Package broadcast fans values out to buffered subscriber channels without
// letting a slow subscriber block the publisher.
package broadcast

import "sync"

// DefaultBuffer is the channel capacity used when a subscriber asks for none.
const DefaultBuffer = 64

// Hub delivers every published value to all current subscribers in publish
// order. A subscriber whose buffer is full misses the value.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
	onDrop func(T)
}

// New returns a hub. onDrop, when set, is called for every value a subscriber missed.
func New[T any](onDrop func(T)) *Hub[T] {
	return &Hub[T]{
		subs:   make(map[*Subscription[T]]struct{}),
		onDrop: onDrop,
	}
}

// Subscription is one receiver registered on a Hub.
type Subscription[T any] struct {
	ch   chan T
	hub  *Hub[T]
	once sync.Once
}

// C returns the receive side of the subscription. It is closed by Close or
// when the hub closes.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription[T]) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if _, ok := s.hub.subs[s]; ok {
		delete(s.hub.subs, s)
	}
	s.closeChan()
}

func (s *Subscription[T]) closeChan() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribe registers a receiver with the given buffer size.
func (h *Hub[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription[T]{ch: make(chan T, buffer), hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closeChan()
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

// Publish sends v to every subscriber without blocking. It returns the number
// of subscribers that received it.
func (h *Hub[T]) Publish(v T) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0
	}

	delivered := 0
	for sub := range h.subs {
		select {
		case sub.ch <- v:
			delivered++
		default:
			if h.onDrop != nil {
				h.onDrop(v)
			}
		}
	}
	return delivered
}

// Len returns the number of live subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscription. Publishing after Close is a no-op.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		sub.closeChan()
		delete(h.subs, sub)
	}
}
