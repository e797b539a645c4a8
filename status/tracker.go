// Package status implements the message status state machine.
//
// Statuses only move forward along
//
//	sending -> sent -> delivered -> read
//
// with failed reachable from sending and sent, and deleted reachable from any
// non-terminal status. read, failed and deleted are terminal. Every applied
// transition is persisted, cached and broadcast to subscribers in apply order.
package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sechat/broadcast"
	"sechat/logging"
	"sechat/metrics"
	"sechat/models"
	"sechat/storage"
)

var (
	// ErrMessageNotFound is returned for transitions on an unknown message id.
	ErrMessageNotFound = errors.New("status: message not found")
	// ErrInvalidTransition is wrapped by every *TransitionError.
	ErrInvalidTransition = errors.New("status: invalid transition")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	MessageID string
	From      models.Status
	To        models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("status: invalid transition %s -> %s for message %s", e.From, e.To, e.MessageID)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Policy decides how a transition that skips states is handled.
type Policy int

const (
	// PolicyReject refuses any transition that is not a direct edge.
	PolicyReject Policy = iota
	// PolicyAutoPromote applies the skipped intermediate states first.
	PolicyAutoPromote
)

// ParsePolicy maps a config value to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "reject":
		return PolicyReject, nil
	case "auto_promote":
		return PolicyAutoPromote, nil
	default:
		return PolicyReject, fmt.Errorf("status: unknown transition policy %q", name)
	}
}

// Store persists status changes. *storage.Store satisfies it.
type Store interface {
	GetMessage(messageID string) (*models.Message, error)
	UpdateMessageStatus(messageID string, status models.Status, at time.Time, errMsg string) error
}

// Confirmer tells a remote sender that one of their messages reached us.
type Confirmer interface {
	SendDeliveryConfirmation(ctx context.Context, msg *models.Message) error
	SendReadReceipt(ctx context.Context, msg *models.Message) error
}

// Options configures a Tracker.
type Options struct {
	// Self is the local user id, used to tell incoming from outgoing messages.
	Self      string
	Store     Store
	Confirmer Confirmer
	Policy    Policy
	Now       func() time.Time
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Tracker owns the status of every in-flight message.
type Tracker struct {
	self    string
	store   Store
	policy  Policy
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics

	confirmerMu sync.RWMutex
	confirmer   Confirmer

	mu       sync.Mutex
	messages map[string]*models.Message
	hub      *broadcast.Hub[models.StatusUpdate]
}

// NewTracker builds a Tracker from opts.
func NewTracker(opts Options) *Tracker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := logging.OrNop(opts.Logger).Named("status")
	t := &Tracker{
		self:      opts.Self,
		store:     opts.Store,
		policy:    opts.Policy,
		now:       opts.Now,
		logger:    logger,
		metrics:   opts.Metrics,
		confirmer: opts.Confirmer,
		messages:  make(map[string]*models.Message),
	}
	t.hub = broadcast.New(func(update models.StatusUpdate) {
		t.metrics.IncDropped("status")
		logger.Warn("status subscriber is full, dropping update",
			zap.String("message_id", update.MessageID),
			zap.Stringer("status", update.Status))
	})
	return t
}

// SetConfirmer installs the collaborator that sends receipts.
func (t *Tracker) SetConfirmer(c Confirmer) {
	t.confirmerMu.Lock()
	t.confirmer = c
	t.confirmerMu.Unlock()
}

// Subscription receives StatusUpdate values.
type Subscription = broadcast.Subscription[models.StatusUpdate]

// Subscribe returns a subscription with the given channel buffer.
func (t *Tracker) Subscribe(buffer int) *Subscription {
	return t.hub.Subscribe(buffer)
}

// Close closes every subscription.
func (t *Tracker) Close() {
	t.hub.Close()
}

// Track registers a message so later transitions need no store lookup.
func (t *Tracker) Track(msg *models.Message) {
	if msg == nil || msg.ID == "" {
		return
	}
	t.mu.Lock()
	t.messages[msg.ID] = msg.Clone()
	t.mu.Unlock()
}

// Get returns a copy of the current state of a message.
func (t *Tracker) Get(messageID string) (*models.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, err := t.lookupLocked(messageID)
	if err != nil {
		return nil, err
	}
	return msg.Clone(), nil
}

// MarkAsSent records that the envelope was handed to the transport.
func (t *Tracker) MarkAsSent(ctx context.Context, messageID string) error {
	return t.apply(ctx, messageID, models.StatusSent, "", "")
}

// MarkAsDelivered records delivery. For incoming messages a delivery
// confirmation is sent to the original sender.
func (t *Tracker) MarkAsDelivered(ctx context.Context, messageID string) error {
	return t.apply(ctx, messageID, models.StatusDelivered, "", "")
}

// MarkAsRead records that the message was read. For incoming messages a read
// receipt is sent to the original sender.
func (t *Tracker) MarkAsRead(ctx context.Context, messageID string) error {
	return t.apply(ctx, messageID, models.StatusRead, "", "")
}

// MarkAsFailed records a send failure with its cause.
func (t *Tracker) MarkAsFailed(ctx context.Context, messageID string, cause error) error {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	return t.apply(ctx, messageID, models.StatusFailed, reason, "")
}

// MarkAsDeleted tombstones a message.
func (t *Tracker) MarkAsDeleted(ctx context.Context, messageID string) error {
	return t.apply(ctx, messageID, models.StatusDeleted, "", "")
}

// ApplyRemote applies a status reported by a peer. Unknown status strings are
// rejected. No receipts are sent for remote updates.
func (t *Tracker) ApplyRemote(ctx context.Context, messageID, status, senderID string) error {
	target, err := models.ParseStatus(status)
	if err != nil {
		return err
	}
	if target == models.StatusSending {
		return &TransitionError{MessageID: messageID, From: models.StatusSending, To: target}
	}
	return t.apply(ctx, messageID, target, "", senderID)
}

func (t *Tracker) apply(ctx context.Context, messageID string, target models.Status, reason, remoteSender string) error {
	t.mu.Lock()
	msg, err := t.lookupLocked(messageID)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	path, err := t.path(msg, target)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	applied := make([]models.Status, 0, len(path))
	for _, step := range path {
		if err := t.stepLocked(msg, step, reason, remoteSender); err != nil {
			t.mu.Unlock()
			return err
		}
		applied = append(applied, step)
	}

	snapshot := msg.Clone()
	if msg.Status.Terminal() {
		delete(t.messages, messageID)
	}
	t.mu.Unlock()

	if remoteSender == "" {
		t.confirm(ctx, snapshot, applied)
	}
	return nil
}

// path returns the statuses to apply, in order, to move msg to target.
func (t *Tracker) path(msg *models.Message, target models.Status) ([]models.Status, error) {
	from := msg.Status
	if from == target {
		return nil, nil
	}
	reject := &TransitionError{MessageID: msg.ID, From: from, To: target}
	if from.Terminal() {
		return nil, reject
	}
	if allowed(from, target) {
		return []models.Status{target}, nil
	}
	if t.policy != PolicyAutoPromote {
		return nil, reject
	}

	fromRank, okFrom := chainRank(from)
	toRank, okTo := chainRank(target)
	if !okFrom || !okTo || toRank <= fromRank {
		return nil, reject
	}
	return append([]models.Status(nil), chain[fromRank+1:toRank+1]...), nil
}

func (t *Tracker) stepLocked(msg *models.Message, status models.Status, reason, remoteSender string) error {
	now := t.now()
	errMsg := ""
	if status == models.StatusFailed {
		errMsg = reason
	}

	if t.store != nil {
		if err := t.store.UpdateMessageStatus(msg.ID, status, now, errMsg); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrMessageNotFound, msg.ID)
			}
			return fmt.Errorf("status: persist %s for %s: %w", status, msg.ID, err)
		}
	}

	msg.Status = status
	msg.Error = errMsg
	switch status {
	case models.StatusDelivered:
		if msg.DeliveredAt == nil {
			msg.DeliveredAt = &now
		}
	case models.StatusRead:
		if msg.ReadAt == nil {
			msg.ReadAt = &now
		}
	case models.StatusDeleted:
		if msg.DeletedAt == nil {
			msg.DeletedAt = &now
		}
	}

	t.metrics.IncStatus(status.String())
	t.hub.Publish(models.StatusUpdate{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Status:         status,
		Timestamp:      now,
		Error:          errMsg,
		RemoteSenderID: remoteSender,
	})
	t.logger.Debug("status transition",
		zap.String("message_id", msg.ID),
		zap.Stringer("status", status),
		zap.String("remote_sender_id", remoteSender))
	return nil
}

func (t *Tracker) confirm(ctx context.Context, msg *models.Message, applied []models.Status) {
	if msg.Outgoing(t.self) {
		return
	}
	t.confirmerMu.RLock()
	confirmer := t.confirmer
	t.confirmerMu.RUnlock()
	if confirmer == nil {
		return
	}

	for _, status := range applied {
		var err error
		switch status {
		case models.StatusDelivered:
			err = confirmer.SendDeliveryConfirmation(ctx, msg)
		case models.StatusRead:
			err = confirmer.SendReadReceipt(ctx, msg)
		default:
			continue
		}
		if err != nil {
			t.logger.Warn("send receipt failed",
				zap.String("message_id", msg.ID),
				zap.String("sender_id", msg.SenderID),
				zap.Stringer("status", status),
				zap.Error(err))
		}
	}
}

func (t *Tracker) lookupLocked(messageID string) (*models.Message, error) {
	if msg, ok := t.messages[messageID]; ok {
		return msg, nil
	}
	if t.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}

	msg, err := t.store.GetMessage(messageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
		}
		return nil, fmt.Errorf("status: load message %s: %w", messageID, err)
	}
	if !msg.Status.Terminal() {
		t.messages[messageID] = msg
	}
	return msg, nil
}
