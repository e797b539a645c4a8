// Package keystore holds the per-conversation AES-256 keys used to seal
// envelopes. Keys are generated at most once per conversation, cached in
// memory, persisted through a Backend and expire after a fixed TTL.
package keystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sechat/crypto"
	"sechat/logging"
	"sechat/metrics"
	"sechat/storage"
)

// DefaultTTL is how long a generated conversation key stays valid.
const DefaultTTL = 24 * time.Hour

var (
	// ErrKeyExchangeFailed is returned when the recipient's public key could
	// not be obtained before generating a conversation key.
	ErrKeyExchangeFailed = errors.New("keystore: key exchange failed")
	// ErrNoKey is returned by Lookup when no valid key is held for a conversation.
	ErrNoKey = errors.New("keystore: no valid conversation key")
)

// ConversationKey is the symmetric key for one conversation. CreatedBy is
// the user that generated it.
type ConversationKey struct {
	ConversationID string
	Material       []byte
	CreatedBy      string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Valid reports whether the key can still be used at now.
func (k ConversationKey) Valid(now time.Time) bool {
	return now.Before(k.ExpiresAt)
}

// Precedes reports whether k wins over other when two different keys are
// held for the same conversation: the earlier creation (millisecond
// precision) wins, then the smaller creator id, then the smaller material.
// Both participants apply the same order, so they converge on one key.
func (k ConversationKey) Precedes(other ConversationKey) bool {
	if a, b := k.CreatedAt.UnixMilli(), other.CreatedAt.UnixMilli(); a != b {
		return a < b
	}
	if k.CreatedBy != other.CreatedBy {
		return k.CreatedBy < other.CreatedBy
	}
	return bytes.Compare(k.Material, other.Material) < 0
}

// Exchanger ensures the local client holds a recipient's public key.
type Exchanger interface {
	HasPublicKeyForUser(ctx context.Context, userID string) (bool, error)
	EnsureKeyExchangeWithUser(ctx context.Context, userID string) (bool, error)
}

// Backend persists conversation keys. *storage.Store satisfies it.
type Backend interface {
	SaveConversationKey(key storage.ConversationKey) error
	GetConversationKey(conversationID string) (*storage.ConversationKey, error)
	DeleteConversationKey(conversationID string) error
	DeleteExpiredConversationKeys(now time.Time) (int64, error)
	DeleteAllConversationKeys() error
}

// CreatedHook runs after a key is generated and persisted, before it is
// returned. A hook error discards the key.
type CreatedHook func(ctx context.Context, key ConversationKey, recipientID string) error

// Options configures a Store.
type Options struct {
	// Self is recorded as the creator of generated keys.
	Self         string
	TTL          time.Duration
	Backend      Backend
	Exchanger    Exchanger
	OnKeyCreated CreatedHook
	Now          func() time.Time
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// Store is the conversation key store. It is safe for concurrent use.
type Store struct {
	self      string
	ttl       time.Duration
	backend   Backend
	exchanger Exchanger
	onCreated CreatedHook
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu    sync.Mutex
	keys  map[string]ConversationKey
	locks map[string]*sync.Mutex

	// retired holds keys that lost a collision; they still open envelopes
	// sealed before the peers converged.
	retired map[string][]ConversationKey
}

// New builds a Store from opts.
func New(opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		self:      opts.Self,
		ttl:       opts.TTL,
		backend:   opts.Backend,
		exchanger: opts.Exchanger,
		onCreated: opts.OnKeyCreated,
		now:       opts.Now,
		logger:    logging.OrNop(opts.Logger).Named("keystore"),
		metrics:   opts.Metrics,
		keys:      make(map[string]ConversationKey),
		locks:     make(map[string]*sync.Mutex),
		retired:   make(map[string][]ConversationKey),
	}
}

// SetOnKeyCreated replaces the key creation hook.
func (s *Store) SetOnKeyCreated(hook CreatedHook) {
	s.mu.Lock()
	s.onCreated = hook
	s.mu.Unlock()
}

// GetOrCreateKey returns the valid key for conversationID, generating one if
// none exists. Concurrent callers for the same conversation observe the same
// key. When recipientID is set and no public key is held for it, a key
// exchange runs first; if it fails no key is generated.
func (s *Store) GetOrCreateKey(ctx context.Context, conversationID, recipientID string) (ConversationKey, error) {
	if conversationID == "" {
		return ConversationKey{}, errors.New("keystore: conversation id is required")
	}

	lock := s.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	now := s.now()
	if key, ok := s.cached(conversationID, now); ok {
		return key, nil
	}
	if key, ok, err := s.load(conversationID, now); err != nil {
		return ConversationKey{}, err
	} else if ok {
		return key, nil
	}

	if recipientID != "" && s.exchanger != nil {
		if err := s.ensureExchange(ctx, recipientID); err != nil {
			s.metrics.Inc(metrics.KeyExchangeFailures)
			s.logger.Warn("key exchange failed",
				zap.String("conversation_id", conversationID),
				zap.String("recipient_id", recipientID),
				zap.Error(err))
			return ConversationKey{}, err
		}
	}

	material, err := crypto.GenerateKey()
	if err != nil {
		return ConversationKey{}, fmt.Errorf("keystore: generate key: %w", err)
	}
	now = time.UnixMilli(s.now().UnixMilli())
	key := ConversationKey{
		ConversationID: conversationID,
		Material:       material,
		CreatedBy:      s.self,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}

	if s.backend != nil {
		if err := s.backend.SaveConversationKey(toRecord(key)); err != nil {
			return ConversationKey{}, fmt.Errorf("keystore: persist key: %w", err)
		}
	}

	s.mu.Lock()
	hook := s.onCreated
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, key, recipientID); err != nil {
			s.discard(conversationID)
			return ConversationKey{}, fmt.Errorf("keystore: key created hook: %w", err)
		}
	}

	s.mu.Lock()
	s.keys[conversationID] = key
	s.mu.Unlock()

	s.metrics.Inc(metrics.KeysGenerated)
	s.logger.Info("generated conversation key",
		zap.String("conversation_id", conversationID),
		zap.Time("expires_at", key.ExpiresAt))
	return key, nil
}

// Lookup returns the valid key for conversationID without creating one.
func (s *Store) Lookup(conversationID string) (ConversationKey, error) {
	lock := s.conversationLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	now := s.now()
	if key, ok := s.cached(conversationID, now); ok {
		return key, nil
	}
	key, ok, err := s.load(conversationID, now)
	if err != nil {
		return ConversationKey{}, err
	}
	if !ok {
		return ConversationKey{}, fmt.Errorf("%w: %s", ErrNoKey, conversationID)
	}
	return key, nil
}

// Install stores a key received from a peer and returns the key that is
// active for the conversation afterwards. When a different valid key is
// already held the one that Precedes the other stays active; the loser is
// retired and only used by DecryptionKeys until it expires.
func (s *Store) Install(key ConversationKey) (ConversationKey, error) {
	if key.ConversationID == "" {
		return ConversationKey{}, errors.New("keystore: conversation id is required")
	}
	if len(key.Material) != crypto.KeySize {
		return ConversationKey{}, fmt.Errorf("keystore: key must be %d bytes, got %d", crypto.KeySize, len(key.Material))
	}
	now := s.now()
	if !key.Valid(now) {
		return ConversationKey{}, fmt.Errorf("%w: installed key already expired", ErrNoKey)
	}

	lock := s.conversationLock(key.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	current, held := s.cached(key.ConversationID, now)
	if !held {
		var err error
		if current, held, err = s.load(key.ConversationID, now); err != nil {
			return ConversationKey{}, err
		}
	}
	if held && bytes.Equal(current.Material, key.Material) {
		return current, nil
	}
	if held && current.Precedes(key) {
		s.retire(key)
		s.logger.Info("kept existing conversation key",
			zap.String("conversation_id", key.ConversationID),
			zap.String("kept_created_by", current.CreatedBy),
			zap.String("rejected_created_by", key.CreatedBy))
		return current, nil
	}

	if s.backend != nil {
		if err := s.backend.SaveConversationKey(toRecord(key)); err != nil {
			return ConversationKey{}, fmt.Errorf("keystore: persist installed key: %w", err)
		}
	}

	s.mu.Lock()
	s.keys[key.ConversationID] = key
	s.mu.Unlock()
	if held {
		s.retire(current)
	}

	s.logger.Debug("installed conversation key",
		zap.String("conversation_id", key.ConversationID),
		zap.String("created_by", key.CreatedBy))
	return key, nil
}

// DecryptionKeys returns the active key followed by any retired keys that
// are still valid. The result is empty, with ErrNoKey, when none are held.
func (s *Store) DecryptionKeys(conversationID string) ([]ConversationKey, error) {
	var keys []ConversationKey
	active, err := s.Lookup(conversationID)
	switch {
	case err == nil:
		keys = append(keys, active)
	case !errors.Is(err, ErrNoKey):
		return nil, err
	}

	now := s.now()
	s.mu.Lock()
	for _, key := range s.retired[conversationID] {
		if key.Valid(now) {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoKey, conversationID)
	}
	return keys, nil
}

func (s *Store) retire(key ConversationKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, held := range s.retired[key.ConversationID] {
		if bytes.Equal(held.Material, key.Material) {
			return
		}
	}
	s.retired[key.ConversationID] = append(s.retired[key.ConversationID], key)
}

// PurgeExpired evicts every key whose expiry is at or before now from memory
// and the backend. It returns the number of in-memory keys removed.
func (s *Store) PurgeExpired() int {
	now := s.now()

	s.mu.Lock()
	removed := 0
	for id, key := range s.keys {
		if !key.Valid(now) {
			delete(s.keys, id)
			removed++
		}
	}
	for id, keys := range s.retired {
		kept := keys[:0]
		for _, key := range keys {
			if key.Valid(now) {
				kept = append(kept, key)
			}
		}
		if len(kept) == 0 {
			delete(s.retired, id)
		} else {
			s.retired[id] = kept
		}
	}
	s.mu.Unlock()

	if s.backend != nil {
		if n, err := s.backend.DeleteExpiredConversationKeys(now); err != nil {
			s.logger.Warn("purge expired conversation keys", zap.Error(err))
		} else if n > 0 {
			s.logger.Debug("purged persisted conversation keys", zap.Int64("count", n))
		}
	}

	s.metrics.Add(metrics.KeysPurged, removed)
	return removed
}

// InvalidateAll drops every key from memory and the backend.
func (s *Store) InvalidateAll() error {
	s.mu.Lock()
	s.keys = make(map[string]ConversationKey)
	s.retired = make(map[string][]ConversationKey)
	s.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.DeleteAllConversationKeys(); err != nil {
			return fmt.Errorf("keystore: invalidate keys: %w", err)
		}
	}
	s.logger.Info("invalidated all conversation keys")
	return nil
}

// Len returns the number of keys held in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

func (s *Store) ensureExchange(ctx context.Context, recipientID string) error {
	has, err := s.exchanger.HasPublicKeyForUser(ctx, recipientID)
	if err != nil {
		return fmt.Errorf("%w: check public key for %s: %v", ErrKeyExchangeFailed, recipientID, err)
	}
	if has {
		return nil
	}

	ok, err := s.exchanger.EnsureKeyExchangeWithUser(ctx, recipientID)
	if err != nil {
		return fmt.Errorf("%w: exchange with %s: %w", ErrKeyExchangeFailed, recipientID, err)
	}
	if !ok {
		return fmt.Errorf("%w: no public key for %s", ErrKeyExchangeFailed, recipientID)
	}
	return nil
}

func (s *Store) conversationLock(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[conversationID] = lock
	}
	return lock
}

func (s *Store) cached(conversationID string, now time.Time) (ConversationKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[conversationID]
	if !ok {
		return ConversationKey{}, false
	}
	if !key.Valid(now) {
		delete(s.keys, conversationID)
		return ConversationKey{}, false
	}
	return key, true
}

func (s *Store) load(conversationID string, now time.Time) (ConversationKey, bool, error) {
	if s.backend == nil {
		return ConversationKey{}, false, nil
	}

	record, err := s.backend.GetConversationKey(conversationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ConversationKey{}, false, nil
		}
		return ConversationKey{}, false, fmt.Errorf("keystore: load key: %w", err)
	}

	key := fromRecord(*record)
	if !key.Valid(now) {
		return ConversationKey{}, false, nil
	}

	s.mu.Lock()
	s.keys[conversationID] = key
	s.mu.Unlock()
	return key, true, nil
}

func (s *Store) discard(conversationID string) {
	if s.backend == nil {
		return
	}
	if err := s.backend.DeleteConversationKey(conversationID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("discard conversation key", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func toRecord(key ConversationKey) storage.ConversationKey {
	return storage.ConversationKey{
		ConversationID: key.ConversationID,
		Material:       key.Material,
		CreatedBy:      key.CreatedBy,
		CreatedAt:      key.CreatedAt,
		ExpiresAt:      key.ExpiresAt,
	}
}

func fromRecord(record storage.ConversationKey) ConversationKey {
	return ConversationKey{
		ConversationID: record.ConversationID,
		Material:       record.Material,
		CreatedBy:      record.CreatedBy,
		CreatedAt:      record.CreatedAt,
		ExpiresAt:      record.ExpiresAt,
	}
}
