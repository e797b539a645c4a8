// Package typing tracks which users are typing in which conversation. A
// typing flag clears itself after a timeout unless it is refreshed.
package typing

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"sechat/broadcast"
	"sechat/logging"
	"sechat/metrics"
	"sechat/models"
)

// DefaultTimeout is how long a typing flag lives without a refresh.
const DefaultTimeout = 5 * time.Second

// Options configures a Bank.
type Options struct {
	Timeout time.Duration
	// Self is the local user id. Its updates are ignored when SuppressSelf is set.
	Self         string
	SuppressSelf bool
	Now          func() time.Time
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

type entryKey struct {
	conversationID string
	userID         string
}

type entry struct {
	timer      *time.Timer
	generation uint64
}

// Bank holds one countdown per (conversation, user) pair that is typing.
type Bank struct {
	timeout      time.Duration
	self         string
	suppressSelf bool
	now          func() time.Time
	logger       *zap.Logger
	metrics      *metrics.Metrics

	mu         sync.Mutex
	entries    map[entryKey]*entry
	generation uint64
	closed     bool
	hub        *broadcast.Hub[models.TypingUpdate]
}

// NewBank builds a Bank from opts.
func NewBank(opts Options) *Bank {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := logging.OrNop(opts.Logger).Named("typing")
	b := &Bank{
		timeout:      opts.Timeout,
		self:         opts.Self,
		suppressSelf: opts.SuppressSelf,
		now:          opts.Now,
		logger:       logger,
		metrics:      opts.Metrics,
		entries:      make(map[entryKey]*entry),
	}
	b.hub = broadcast.New(func(update models.TypingUpdate) {
		b.metrics.IncDropped("typing")
		logger.Warn("typing subscriber is full, dropping update",
			zap.String("conversation_id", update.ConversationID),
			zap.String("user_id", update.UserID))
	})
	return b
}

// Subscription receives TypingUpdate values.
type Subscription = broadcast.Subscription[models.TypingUpdate]

// Subscribe returns a subscription with the given channel buffer.
func (b *Bank) Subscribe(buffer int) *Subscription {
	return b.hub.Subscribe(buffer)
}

// SetTyping records a typing signal. true starts or restarts the countdown,
// false cancels it. An update is broadcast only when the flag changes.
func (b *Bank) SetTyping(conversationID, userID string, isTyping bool) {
	if b.suppressSelf && userID == b.self {
		return
	}

	key := entryKey{conversationID: conversationID, userID: userID}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	current, typing := b.entries[key]
	if isTyping {
		b.generation++
		gen := b.generation
		if typing {
			current.timer.Stop()
			current.generation = gen
			current.timer = time.AfterFunc(b.timeout, func() { b.expire(key, gen) })
			return
		}
		b.entries[key] = &entry{
			generation: gen,
			timer:      time.AfterFunc(b.timeout, func() { b.expire(key, gen) }),
		}
		b.emitLocked(key, true)
		return
	}

	if !typing {
		return
	}
	current.timer.Stop()
	delete(b.entries, key)
	b.emitLocked(key, false)
}

// Typing returns the users currently typing in a conversation, sorted.
func (b *Bank) Typing(conversationID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	users := make([]string, 0)
	for key := range b.entries {
		if key.conversationID == conversationID {
			users = append(users, key.userID)
		}
	}
	sort.Strings(users)
	return users
}

// Close cancels every countdown and closes all subscriptions.
func (b *Bank) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for key, e := range b.entries {
		e.timer.Stop()
		delete(b.entries, key)
	}
	b.mu.Unlock()

	b.hub.Close()
}

func (b *Bank) expire(key entryKey, gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.entries[key]
	if !ok || current.generation != gen || b.closed {
		return
	}
	delete(b.entries, key)
	b.logger.Debug("typing timed out",
		zap.String("conversation_id", key.conversationID),
		zap.String("user_id", key.userID))
	b.emitLocked(key, false)
}

func (b *Bank) emitLocked(key entryKey, isTyping bool) {
	b.metrics.Inc(metrics.TypingUpdates)
	b.hub.Publish(models.TypingUpdate{
		ConversationID: key.conversationID,
		UserID:         key.userID,
		IsTyping:       isTyping,
		Timestamp:      b.now(),
	})
}
