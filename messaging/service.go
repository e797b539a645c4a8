// Package messaging wires the key store, envelope codec, status machine and
// typing bank into a send/receive pipeline over a Transport.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sechat/broadcast"
	"sechat/envelope"
	"sechat/keystore"
	"sechat/logging"
	"sechat/metrics"
	"sechat/models"
	"sechat/status"
	"sechat/storage"
	"sechat/transport"
	"sechat/typing"
)

// DefaultMaintenanceInterval is how often Run purges expired keys and old seen ids.
const DefaultMaintenanceInterval = time.Minute

// DefaultSeenIDRetention bounds how long received message ids are remembered.
const DefaultSeenIDRetention = 7 * 24 * time.Hour

// DefaultSecurityEventRetention bounds how long security events are kept.
const DefaultSecurityEventRetention = 90 * 24 * time.Hour

var (
	// ErrNotRetryable is returned by Retry for messages that did not fail.
	ErrNotRetryable = errors.New("messaging: only failed outgoing messages can be retried")
	// ErrNotParticipant is returned when acting on a message of another user.
	ErrNotParticipant = errors.New("messaging: not a participant of the message")
)

// Store is the persistence the pipeline needs. *storage.Store satisfies it.
type Store interface {
	SaveMessage(message *models.Message) error
	GetMessage(messageID string) (*models.Message, error)
	GetConversation(conversationID string) (*models.Conversation, error)
	SaveConversation(conversation *models.Conversation) error
	FailStaleSending(cutoff time.Time, reason string) (int64, error)
	SaveIncomingMessage(message *models.Message, receivedAt time.Time) (bool, error)
	PruneSeenIDs(cutoff time.Time) (int64, error)
	LogSecurityEvent(event storage.SecurityEvent) error
	PruneSecurityEvents(cutoff time.Time) (int64, error)
}

// Exchanger derives the pairwise wrap keys used for key distribution.
type Exchanger interface {
	EnsureKeyExchangeWithUser(ctx context.Context, userID string) (bool, error)
	WrapKey(userID, conversationID string) ([]byte, error)
}

// Options configures a Service.
type Options struct {
	Self      string
	Store     Store
	Keys      *keystore.Store
	Tracker   *status.Tracker
	Typing    *typing.Bank
	Exchanger Exchanger
	Transport transport.Transport
	Logger    *zap.Logger
	Metrics   *metrics.Metrics

	MaintenanceInterval    time.Duration
	SeenIDRetention        time.Duration
	SecurityEventRetention time.Duration
	Now                    func() time.Time
}

// SendRequest describes an outgoing message. Content is marshaled to JSON
// unless it already is a json.RawMessage.
type SendRequest struct {
	ConversationID   string
	RecipientID      string
	Type             models.MessageType
	Content          any
	ReplyToMessageID string
	Metadata         map[string]string
}

// Unreadable describes an inbound frame that could not be opened.
type Unreadable struct {
	From           string
	ConversationID string
	Kind           FrameKind
	Err            error
	ReceivedAt     time.Time
}

// Service is the messaging pipeline of one local user.
type Service struct {
	self      string
	store     Store
	keys      *keystore.Store
	tracker   *status.Tracker
	typing    *typing.Bank
	exchanger Exchanger
	transport transport.Transport
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	maintenanceInterval    time.Duration
	seenIDRetention        time.Duration
	securityEventRetention time.Duration

	messages   *broadcast.Hub[*models.Message]
	unreadable *broadcast.Hub[Unreadable]
}

// New validates opts, installs the service as the tracker's confirmer and as
// the key store's distribution hook, and returns it.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Self == "":
		return nil, errors.New("messaging: self user id is required")
	case opts.Store == nil:
		return nil, errors.New("messaging: store is required")
	case opts.Keys == nil:
		return nil, errors.New("messaging: key store is required")
	case opts.Tracker == nil:
		return nil, errors.New("messaging: status tracker is required")
	case opts.Typing == nil:
		return nil, errors.New("messaging: typing bank is required")
	case opts.Exchanger == nil:
		return nil, errors.New("messaging: key exchanger is required")
	case opts.Transport == nil:
		return nil, errors.New("messaging: transport is required")
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if opts.SeenIDRetention <= 0 {
		opts.SeenIDRetention = DefaultSeenIDRetention
	}
	if opts.SecurityEventRetention <= 0 {
		opts.SecurityEventRetention = DefaultSecurityEventRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger := logging.OrNop(opts.Logger).Named("messaging")
	s := &Service{
		self:                   opts.Self,
		store:                  opts.Store,
		keys:                   opts.Keys,
		tracker:                opts.Tracker,
		typing:                 opts.Typing,
		exchanger:              opts.Exchanger,
		transport:              opts.Transport,
		logger:                 logger,
		metrics:                opts.Metrics,
		now:                    opts.Now,
		maintenanceInterval:    opts.MaintenanceInterval,
		seenIDRetention:        opts.SeenIDRetention,
		securityEventRetention: opts.SecurityEventRetention,
	}
	s.messages = broadcast.New(func(m *models.Message) {
		s.metrics.IncDropped("messages")
		logger.Warn("message subscriber is full, dropping message", zap.String("message_id", m.ID))
	})
	s.unreadable = broadcast.New(func(u Unreadable) {
		s.metrics.IncDropped("unreadable")
	})

	s.tracker.SetConfirmer(s)
	s.keys.SetOnKeyCreated(s.distributeKey)
	return s, nil
}

// SubscribeMessages returns a subscription to incoming messages.
func (s *Service) SubscribeMessages(buffer int) *broadcast.Subscription[*models.Message] {
	return s.messages.Subscribe(buffer)
}

// SubscribeUnreadable returns a subscription to frames that could not be opened.
func (s *Service) SubscribeUnreadable(buffer int) *broadcast.Subscription[Unreadable] {
	return s.unreadable.Subscribe(buffer)
}

// SendMessage persists, encrypts and publishes a new message. Key and
// encryption errors are returned and leave the message failed.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*models.Message, error) {
	if req.RecipientID == "" {
		return nil, errors.New("messaging: recipient id is required")
	}
	if req.ConversationID == "" {
		req.ConversationID = DirectConversationID(s.self, req.RecipientID)
	}
	if req.Type == "" {
		req.Type = models.MessageTypeText
	}

	content, err := encodeContent(req.Content)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:               uuid.NewString(),
		ConversationID:   req.ConversationID,
		SenderID:         s.self,
		RecipientID:      req.RecipientID,
		Type:             req.Type,
		Content:          content,
		Status:           models.StatusSending,
		Timestamp:        s.now(),
		ReplyToMessageID: req.ReplyToMessageID,
		Metadata:         req.Metadata,
	}
	return s.send(ctx, msg)
}

// Retry re-sends a failed outgoing message under a new id.
func (s *Service) Retry(ctx context.Context, messageID string) (*models.Message, error) {
	original, err := s.store.GetMessage(messageID)
	if err != nil {
		return nil, fmt.Errorf("messaging: load message %s: %w", messageID, err)
	}
	if original.SenderID != s.self || original.Status != models.StatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRetryable, messageID, original.Status)
	}

	msg := original.Clone()
	msg.ID = uuid.NewString()
	msg.Status = models.StatusSending
	msg.Error = ""
	msg.Timestamp = s.now()
	msg.DeliveredAt, msg.ReadAt, msg.DeletedAt = nil, nil, nil
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	msg.Metadata["retry_of"] = original.ID

	return s.send(ctx, msg)
}

func (s *Service) send(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if err := s.store.SaveMessage(msg); err != nil {
		return nil, fmt.Errorf("messaging: save message: %w", err)
	}
	s.tracker.Track(msg)
	s.touchConversation(msg, false)

	if err := s.deliver(ctx, msg); err != nil {
		if markErr := s.tracker.MarkAsFailed(ctx, msg.ID, err); markErr != nil {
			s.logger.Warn("mark message failed", zap.String("message_id", msg.ID), zap.Error(markErr))
		}
		s.logger.Error("send message failed",
			zap.String("message_id", msg.ID),
			zap.String("recipient_id", msg.RecipientID),
			zap.Error(err))
		return s.current(msg), err
	}

	if err := s.tracker.MarkAsSent(ctx, msg.ID); err != nil {
		// A receipt may already have advanced the message past sent.
		s.logger.Debug("mark message sent", zap.String("message_id", msg.ID), zap.Error(err))
	}
	return s.current(msg), nil
}

func (s *Service) deliver(ctx context.Context, msg *models.Message) error {
	return s.sendPayload(ctx, msg.RecipientID, msg.ConversationID, &Payload{
		Kind:    PayloadKindMessage,
		Message: msg,
	})
}

// SendTyping tells recipientID whether the local user is typing.
func (s *Service) SendTyping(ctx context.Context, conversationID, recipientID string, isTyping bool) error {
	if conversationID == "" {
		conversationID = DirectConversationID(s.self, recipientID)
	}
	return s.sendPayload(ctx, recipientID, conversationID, &Payload{
		Kind:   PayloadKindTyping,
		Typing: &TypingSignal{ConversationID: conversationID, IsTyping: isTyping},
	})
}

// MarkRead marks an incoming message read, which sends a read receipt.
func (s *Service) MarkRead(ctx context.Context, messageID string) error {
	msg, err := s.tracker.Get(messageID)
	if err != nil {
		return err
	}
	if msg.RecipientID != s.self {
		return fmt.Errorf("%w: %s", ErrNotParticipant, messageID)
	}

	if err := s.tracker.MarkAsRead(ctx, messageID); err != nil {
		if errors.Is(err, status.ErrInvalidTransition) {
			s.logger.Debug("mark read ignored", zap.String("message_id", messageID), zap.Error(err))
			return nil
		}
		return err
	}

	conversation, err := s.store.GetConversation(msg.ConversationID)
	if err == nil && conversation.UnreadCount > 0 {
		conversation.UnreadCount--
		if err := s.store.SaveConversation(conversation); err != nil {
			s.logger.Warn("update unread count", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
		}
	}
	return nil
}

// DeleteMessage tombstones a message locally and tells the other participant.
func (s *Service) DeleteMessage(ctx context.Context, messageID string) error {
	msg, err := s.tracker.Get(messageID)
	if err != nil {
		return err
	}
	peer := msg.RecipientID
	if msg.RecipientID == s.self {
		peer = msg.SenderID
	} else if msg.SenderID != s.self {
		return fmt.Errorf("%w: %s", ErrNotParticipant, messageID)
	}

	if err := s.tracker.MarkAsDeleted(ctx, messageID); err != nil {
		if errors.Is(err, status.ErrInvalidTransition) {
			s.logger.Debug("delete ignored", zap.String("message_id", messageID), zap.Error(err))
			return nil
		}
		return err
	}
	return s.sendReceipt(ctx, peer, msg.ConversationID, messageID, models.StatusDeleted)
}

// SendDeliveryConfirmation implements status.Confirmer.
func (s *Service) SendDeliveryConfirmation(ctx context.Context, msg *models.Message) error {
	return s.sendReceipt(ctx, msg.SenderID, msg.ConversationID, msg.ID, models.StatusDelivered)
}

// SendReadReceipt implements status.Confirmer.
func (s *Service) SendReadReceipt(ctx context.Context, msg *models.Message) error {
	return s.sendReceipt(ctx, msg.SenderID, msg.ConversationID, msg.ID, models.StatusRead)
}

func (s *Service) sendReceipt(ctx context.Context, to, conversationID, messageID string, st models.Status) error {
	return s.sendPayload(ctx, to, conversationID, &Payload{
		Kind: PayloadKindStatus,
		Status: &StatusReceipt{
			MessageID: messageID,
			Status:    st.String(),
			At:        s.now().UnixMilli(),
		},
	})
}

func (s *Service) sendPayload(ctx context.Context, to, conversationID string, payload *Payload) error {
	key, err := s.keys.GetOrCreateKey(ctx, conversationID, to)
	if err != nil {
		return err
	}
	env, err := envelope.Encrypt(payload, conversationID, key.Material)
	if err != nil {
		return err
	}
	s.metrics.Inc(metrics.EnvelopesEncrypted)
	return s.publish(ctx, &Frame{Kind: FrameKindPayload, From: s.self, To: to, Envelope: env})
}

// distributeKey seals a freshly generated conversation key for the recipient.
func (s *Service) distributeKey(ctx context.Context, key keystore.ConversationKey, recipientID string) error {
	if recipientID == "" {
		return nil
	}
	wrap, err := s.exchanger.WrapKey(recipientID, key.ConversationID)
	if err != nil {
		return fmt.Errorf("messaging: derive wrap key for %s: %w", recipientID, err)
	}
	env, err := envelope.Encrypt(newKeyGrant(key), key.ConversationID, wrap)
	if err != nil {
		return err
	}
	s.metrics.Inc(metrics.EnvelopesEncrypted)
	if err := s.publish(ctx, &Frame{Kind: FrameKindKeyDistribution, From: s.self, To: recipientID, Envelope: env}); err != nil {
		return err
	}
	s.logger.Debug("distributed conversation key",
		zap.String("conversation_id", key.ConversationID),
		zap.String("recipient_id", recipientID))
	return nil
}

func (s *Service) publish(ctx context.Context, frame *Frame) error {
	raw, err := encodeFrame(frame)
	if err != nil {
		return fmt.Errorf("messaging: encode frame: %w", err)
	}
	if err := s.transport.Publish(ctx, frame.To, raw); err != nil {
		return fmt.Errorf("messaging: publish frame: %w", err)
	}
	return nil
}

// Recover fails messages left in sending by a previous run.
func (s *Service) Recover() error {
	n, err := s.store.FailStaleSending(s.now(), "interrupted before send completed")
	if err != nil {
		return fmt.Errorf("messaging: recover stale messages: %w", err)
	}
	if n > 0 {
		s.logger.Info("failed stale sending messages", zap.Int64("count", n))
	}
	return nil
}

// Logout drops every conversation key.
func (s *Service) Logout() error {
	return s.keys.InvalidateAll()
}

// Close ends all subscriptions held by the service.
func (s *Service) Close() {
	s.messages.Close()
	s.unreadable.Close()
}

func (s *Service) current(msg *models.Message) *models.Message {
	if latest, err := s.tracker.Get(msg.ID); err == nil {
		return latest
	}
	return msg.Clone()
}

func (s *Service) touchConversation(msg *models.Message, incoming bool) {
	conversation, err := s.store.GetConversation(msg.ConversationID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("load conversation", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
			return
		}
		participants := []string{msg.SenderID, msg.RecipientID}
		sort.Strings(participants)
		conversation = &models.Conversation{ID: msg.ConversationID, ParticipantIDs: participants}
	}

	ts := msg.Timestamp
	conversation.LastMessageID = msg.ID
	conversation.LastMessageAt = &ts
	if incoming {
		conversation.UnreadCount++
	}
	if err := s.store.SaveConversation(conversation); err != nil {
		s.logger.Warn("save conversation", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
	}
}
