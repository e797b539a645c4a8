package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"sechat/envelope"
	"sechat/keyexchange"
	"sechat/keystore"
	"sechat/metrics"
	"sechat/models"
	"sechat/status"
	"sechat/storage"
)

// ErrReplay is returned for a message id that was already received.
var ErrReplay = errors.New("messaging: replayed message")

// Run consumes the local inbox until ctx ends. It also purges expired
// conversation keys and old seen ids on a fixed interval.
func (s *Service) Run(ctx context.Context) error {
	done, err := s.Start(ctx)
	if err != nil {
		return err
	}
	<-done
	return nil
}

// Start subscribes to the local inbox and processes frames in the background
// until ctx ends. The returned channel closes when processing stops.
func (s *Service) Start(ctx context.Context) (<-chan struct{}, error) {
	inbox, cancel, err := s.transport.Subscribe(ctx, s.self)
	if err != nil {
		return nil, fmt.Errorf("messaging: subscribe inbox: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		s.loop(ctx, inbox)
	}()
	s.logger.Info("messaging started", zap.String("user_id", s.self))
	return done, nil
}

func (s *Service) loop(ctx context.Context, inbox <-chan []byte) {
	ticker := time.NewTicker(s.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maintain()
		case raw, ok := <-inbox:
			if !ok {
				return
			}
			if err := s.HandleFrame(ctx, raw); err != nil {
				s.logger.Debug("frame dropped", zap.Error(err))
			}
		}
	}
}

func (s *Service) maintain() {
	if n := s.keys.PurgeExpired(); n > 0 {
		s.logger.Info("purged expired conversation keys", zap.Int("count", n))
	}
	if _, err := s.store.PruneSeenIDs(s.now().Add(-s.seenIDRetention)); err != nil {
		s.logger.Warn("prune seen message ids", zap.Error(err))
	}
	if _, err := s.store.PruneSecurityEvents(s.now().Add(-s.securityEventRetention)); err != nil {
		s.logger.Warn("prune security events", zap.Error(err))
	}
}

// HandleFrame processes one raw inbound frame. Frames that cannot be opened
// are reported to SubscribeUnreadable and recorded as security events; the
// returned error is informational.
func (s *Service) HandleFrame(ctx context.Context, raw []byte) error {
	frame, err := decodeFrame(raw)
	if err != nil {
		s.logger.Warn("malformed frame", zap.Error(err))
		return err
	}
	if frame.To != s.self {
		return fmt.Errorf("%w: addressed to %s", ErrMalformedFrame, frame.To)
	}

	switch frame.Kind {
	case FrameKindKeyDistribution:
		return s.handleKeyDistribution(ctx, frame)
	default:
		return s.handlePayload(ctx, frame)
	}
}

func (s *Service) handleKeyDistribution(ctx context.Context, frame *Frame) error {
	conversationID := frame.Envelope.ConversationID
	if !s.isParticipant(conversationID, frame.From) {
		return s.unreadableFrame(frame, fmt.Errorf("%w: %s is not in conversation %s", ErrNotParticipant, frame.From, conversationID))
	}

	wrap, err := s.exchanger.WrapKey(frame.From, conversationID)
	if errors.Is(err, keyexchange.ErrUnknownContact) {
		var ok bool
		ok, err = s.exchanger.EnsureKeyExchangeWithUser(ctx, frame.From)
		if err == nil && !ok {
			err = fmt.Errorf("%w: %s", keystore.ErrKeyExchangeFailed, frame.From)
		}
		if err == nil {
			wrap, err = s.exchanger.WrapKey(frame.From, conversationID)
		}
	}
	if err != nil {
		return s.unreadableFrame(frame, fmt.Errorf("%w: %w", keystore.ErrNoKey, err))
	}

	var grant keyGrant
	if err := envelope.Decrypt(frame.Envelope, wrap, &grant); err != nil {
		return s.unreadableFrame(frame, err)
	}
	s.metrics.Inc(metrics.EnvelopesDecrypted)

	if grant.ConversationID != conversationID {
		return s.unreadableFrame(frame, fmt.Errorf("%w: grant for %s in envelope for %s", envelope.ErrDecryption, grant.ConversationID, conversationID))
	}
	key, err := grant.conversationKey()
	if err != nil {
		return s.unreadableFrame(frame, fmt.Errorf("%w: %v", envelope.ErrDecryption, err))
	}
	switch key.CreatedBy {
	case "":
		key.CreatedBy = frame.From
	case frame.From, s.self:
	default:
		return s.unreadableFrame(frame, fmt.Errorf("%w: key created by %s", ErrNotParticipant, key.CreatedBy))
	}

	active, err := s.keys.Install(key)
	if err != nil {
		return fmt.Errorf("messaging: install key for %s: %w", conversationID, err)
	}
	if !bytes.Equal(active.Material, key.Material) {
		// The sender holds a key that loses to ours; hand ours over so both
		// sides seal with the same key from now on.
		s.recordEvent(storage.EventKeyCollision, frame.From, conversationID, storage.SecuritySeverityInfo, map[string]string{
			"kept_created_by":     active.CreatedBy,
			"rejected_created_by": key.CreatedBy,
		})
		return s.distributeKey(ctx, active, frame.From)
	}
	s.logger.Info("installed conversation key",
		zap.String("conversation_id", conversationID),
		zap.String("from", frame.From))
	return nil
}

// isParticipant reports whether userID takes part in conversationID together
// with the local user.
func (s *Service) isParticipant(conversationID, userID string) bool {
	if conversationID == DirectConversationID(s.self, userID) {
		return true
	}
	conversation, err := s.store.GetConversation(conversationID)
	if err != nil {
		return false
	}
	return slices.Contains(conversation.ParticipantIDs, userID) && slices.Contains(conversation.ParticipantIDs, s.self)
}

func (s *Service) handlePayload(ctx context.Context, frame *Frame) error {
	keys, err := s.keys.DecryptionKeys(frame.Envelope.ConversationID)
	if err != nil {
		return s.unreadableFrame(frame, err)
	}

	var payload Payload
	for _, key := range keys {
		payload = Payload{}
		err = envelope.Decrypt(frame.Envelope, key.Material, &payload)
		if err == nil || errors.Is(err, envelope.ErrIntegrity) {
			break
		}
	}
	if err != nil {
		return s.unreadableFrame(frame, err)
	}
	s.metrics.Inc(metrics.EnvelopesDecrypted)

	switch payload.Kind {
	case PayloadKindMessage:
		return s.receiveMessage(ctx, frame, payload.Message)
	case PayloadKindTyping:
		if payload.Typing == nil {
			return fmt.Errorf("%w: empty typing payload", ErrMalformedFrame)
		}
		if payload.Typing.ConversationID != frame.Envelope.ConversationID {
			return fmt.Errorf("%w: typing for %s in envelope for %s", ErrMalformedFrame, payload.Typing.ConversationID, frame.Envelope.ConversationID)
		}
		s.typing.SetTyping(payload.Typing.ConversationID, frame.From, payload.Typing.IsTyping)
		return nil
	case PayloadKindStatus:
		return s.receiveStatus(ctx, frame, payload.Status)
	default:
		return fmt.Errorf("%w: unknown payload kind %q", ErrMalformedFrame, payload.Kind)
	}
}

func (s *Service) receiveMessage(ctx context.Context, frame *Frame, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: empty message payload", ErrMalformedFrame)
	}
	if msg.SenderID != frame.From || msg.RecipientID != s.self || msg.ConversationID != frame.Envelope.ConversationID {
		s.recordEvent(storage.EventSenderMismatch, frame.From, frame.Envelope.ConversationID, storage.SecuritySeverityCritical, map[string]string{
			"message_id":     msg.ID,
			"claimed_sender": msg.SenderID,
		})
		return fmt.Errorf("%w: message %s routing does not match frame", ErrMalformedFrame, msg.ID)
	}

	msg.Status = models.StatusSent
	msg.Error = ""
	msg.DeliveredAt, msg.ReadAt, msg.DeletedAt = nil, nil, nil
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	fresh, err := s.store.SaveIncomingMessage(msg, s.now())
	if err != nil {
		return fmt.Errorf("messaging: save incoming message: %w", err)
	}
	if !fresh {
		s.recordEvent(storage.EventReplayRejected, frame.From, msg.ConversationID, storage.SecuritySeverityWarning, map[string]string{
			"message_id": msg.ID,
		})
		return fmt.Errorf("%w: %s", ErrReplay, msg.ID)
	}
	s.tracker.Track(msg)
	s.touchConversation(msg, true)
	s.typing.SetTyping(msg.ConversationID, msg.SenderID, false)

	if err := s.tracker.MarkAsDelivered(ctx, msg.ID); err != nil {
		s.logger.Warn("mark incoming message delivered", zap.String("message_id", msg.ID), zap.Error(err))
	}

	delivered := s.current(msg)
	s.messages.Publish(delivered)
	s.logger.Debug("received message",
		zap.String("message_id", msg.ID),
		zap.String("conversation_id", msg.ConversationID),
		zap.String("from", frame.From))
	return nil
}

func (s *Service) receiveStatus(ctx context.Context, frame *Frame, receipt *StatusReceipt) error {
	if receipt == nil || receipt.MessageID == "" {
		return fmt.Errorf("%w: empty status payload", ErrMalformedFrame)
	}

	msg, err := s.tracker.Get(receipt.MessageID)
	if err != nil {
		s.logger.Debug("status for unknown message", zap.String("message_id", receipt.MessageID), zap.Error(err))
		return err
	}
	st, parseErr := models.ParseStatus(receipt.Status)
	if parseErr == nil && !acceptsReceipt(msg, frame.From, st) {
		s.recordEvent(storage.EventSenderMismatch, frame.From, frame.Envelope.ConversationID, storage.SecuritySeverityWarning, map[string]string{
			"message_id": receipt.MessageID,
			"status":     receipt.Status,
		})
		return fmt.Errorf("%w: %s may not report %s for %s", ErrNotParticipant, frame.From, receipt.Status, receipt.MessageID)
	}

	err = s.tracker.ApplyRemote(ctx, receipt.MessageID, receipt.Status, frame.From)
	var terr *status.TransitionError
	if errors.As(err, &terr) && terr.From == models.StatusSending && msg.Outgoing(s.self) {
		// A receipt can overtake the local MarkAsSent; it proves the send.
		if sentErr := s.tracker.MarkAsSent(ctx, receipt.MessageID); sentErr != nil {
			s.logger.Debug("mark message sent", zap.String("message_id", receipt.MessageID), zap.Error(sentErr))
		}
		err = s.tracker.ApplyRemote(ctx, receipt.MessageID, receipt.Status, frame.From)
	}
	if err != nil {
		s.logger.Warn("remote status rejected",
			zap.String("message_id", receipt.MessageID),
			zap.String("status", receipt.Status),
			zap.String("from", frame.From),
			zap.Error(err))
		return err
	}
	return nil
}

// acceptsReceipt reports whether from may report st for msg: delivery and
// read receipts come from the recipient, deletes from either participant.
func acceptsReceipt(msg *models.Message, from string, st models.Status) bool {
	switch st {
	case models.StatusDelivered, models.StatusRead:
		return msg.RecipientID == from
	case models.StatusDeleted:
		return msg.RecipientID == from || msg.SenderID == from
	default:
		return false
	}
}

func (s *Service) unreadableFrame(frame *Frame, cause error) error {
	eventType := storage.EventDecryptionFailed
	severity := storage.SecuritySeverityWarning
	switch {
	case errors.Is(cause, ErrNotParticipant):
		eventType = storage.EventSenderMismatch
		severity = storage.SecuritySeverityCritical
		s.metrics.Inc(metrics.DecryptionFailures)
	case errors.Is(cause, envelope.ErrIntegrity):
		eventType = storage.EventIntegrityFailed
		severity = storage.SecuritySeverityCritical
		s.metrics.Inc(metrics.IntegrityFailures)
	case errors.Is(cause, keystore.ErrNoKey):
		eventType = storage.EventMissingKey
		s.metrics.Inc(metrics.DecryptionFailures)
	default:
		s.metrics.Inc(metrics.DecryptionFailures)
	}

	s.logger.Warn("unreadable frame",
		zap.String("from", frame.From),
		zap.String("kind", string(frame.Kind)),
		zap.String("conversation_id", frame.Envelope.ConversationID),
		zap.Error(cause))
	s.recordEvent(eventType, frame.From, frame.Envelope.ConversationID, severity, map[string]string{
		"kind":  string(frame.Kind),
		"error": cause.Error(),
	})
	s.unreadable.Publish(Unreadable{
		From:           frame.From,
		ConversationID: frame.Envelope.ConversationID,
		Kind:           frame.Kind,
		Err:            cause,
		ReceivedAt:     s.now(),
	})
	return cause
}

func (s *Service) recordEvent(eventType storage.SecurityEventType, userID, conversationID string, severity storage.Severity, details map[string]string) {
	if err := s.store.LogSecurityEvent(storage.SecurityEvent{
		Type:           eventType,
		UserID:         userID,
		ConversationID: conversationID,
		Severity:       severity,
		Details:        details,
		At:             s.now(),
	}); err != nil {
		s.logger.Warn("record security event", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

func encodeContent(content any) (json.RawMessage, error) {
	switch c := content.(type) {
	case nil:
		return nil, errors.New("messaging: content is required")
	case json.RawMessage:
		if !json.Valid(c) {
			return nil, errors.New("messaging: content must be valid JSON")
		}
		return c, nil
	default:
		return models.NewContent(c)
	}
}
