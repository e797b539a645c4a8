// Package keyexchange publishes the local identity bundle, pins contacts'
// public keys on first use and derives the per-conversation wrap keys used
// to hand conversation keys to a contact.
package keyexchange

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"sechat/crypto"
	"sechat/logging"
	"sechat/storage"
)

const wrapContext = "sechat-key-wrap"

var (
	// ErrIdentityChanged is returned when a contact presents an Ed25519 key
	// different from the one pinned locally.
	ErrIdentityChanged = errors.New("keyexchange: contact identity key changed")
	// ErrContactBlocked is returned for exchanges with a blocked contact.
	ErrContactBlocked = errors.New("keyexchange: contact is blocked")
	// ErrUnknownContact is returned when no public key is pinned for a user.
	ErrUnknownContact = errors.New("keyexchange: no pinned public key for contact")
)

// ContactStore pins contact keys. *storage.Store satisfies it.
type ContactStore interface {
	GetContact(userID string) (*storage.Contact, error)
	UpsertContact(contact storage.Contact) error
	LogSecurityEvent(event storage.SecurityEvent) error
}

// Options configures an Exchanger.
type Options struct {
	Self      string
	Identity  *crypto.Identity
	Directory Directory
	Contacts  ContactStore
	Now       func() time.Time
	Logger    *zap.Logger
}

// Exchanger runs trust-on-first-use key exchange against a Directory.
type Exchanger struct {
	self      string
	identity  *crypto.Identity
	directory Directory
	contacts  ContactStore
	now       func() time.Time
	logger    *zap.Logger
}

// NewExchanger validates opts and returns an Exchanger.
func NewExchanger(opts Options) (*Exchanger, error) {
	if opts.Self == "" {
		return nil, errors.New("keyexchange: self user id is required")
	}
	if opts.Identity == nil {
		return nil, errors.New("keyexchange: identity is required")
	}
	if opts.Directory == nil {
		return nil, errors.New("keyexchange: directory is required")
	}
	if opts.Contacts == nil {
		return nil, errors.New("keyexchange: contact store is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Exchanger{
		self:      opts.Self,
		identity:  opts.Identity,
		directory: opts.Directory,
		contacts:  opts.Contacts,
		now:       opts.Now,
		logger:    logging.OrNop(opts.Logger).Named("keyexchange"),
	}, nil
}

// Publish signs and publishes the local identity bundle.
func (e *Exchanger) Publish(ctx context.Context) error {
	bundle, err := NewBundle(e.self, e.identity, e.now())
	if err != nil {
		return err
	}
	if err := e.directory.Publish(ctx, bundle); err != nil {
		return fmt.Errorf("keyexchange: publish bundle: %w", err)
	}
	e.logger.Info("published identity bundle",
		zap.String("user_id", e.self),
		zap.String("fingerprint", crypto.FormatFingerprint(crypto.KeyFingerprint(e.identity.VerifyKey))))
	return nil
}

// HasPublicKeyForUser reports whether an active contact with an agreement key
// is pinned for userID.
func (e *Exchanger) HasPublicKeyForUser(_ context.Context, userID string) (bool, error) {
	contact, err := e.contacts.GetContact(userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("keyexchange: load contact %s: %w", userID, err)
	}
	return contact.Status == storage.ContactStatusActive && contact.X25519PublicKey != "", nil
}

// EnsureKeyExchangeWithUser fetches userID's bundle, verifies it and pins it.
// It returns false without error when the user has published nothing.
func (e *Exchanger) EnsureKeyExchangeWithUser(ctx context.Context, userID string) (bool, error) {
	bundle, err := e.directory.Fetch(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrBundleNotFound) {
			e.logger.Info("no identity bundle published", zap.String("user_id", userID))
			return false, nil
		}
		return false, fmt.Errorf("keyexchange: fetch bundle for %s: %w", userID, err)
	}

	if bundle.UserID != userID {
		e.recordEvent(storage.EventInvalidBundle, userID, storage.SecuritySeverityCritical, map[string]string{
			"reason":       "user id mismatch",
			"bundle_owner": bundle.UserID,
		})
		return false, fmt.Errorf("%w: bundle for %s published under %s", ErrInvalidBundle, bundle.UserID, userID)
	}
	if err := bundle.Verify(); err != nil {
		e.recordEvent(storage.EventInvalidBundle, userID, storage.SecuritySeverityCritical, map[string]string{
			"reason": err.Error(),
		})
		return false, err
	}
	fingerprint, err := bundle.Fingerprint()
	if err != nil {
		return false, err
	}

	existing, err := e.contacts.GetContact(userID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		existing = nil
	case err != nil:
		return false, fmt.Errorf("keyexchange: load contact %s: %w", userID, err)
	}

	contact := storage.Contact{
		UserID:           userID,
		Ed25519PublicKey: bundle.Ed25519PublicKey,
		X25519PublicKey:  bundle.X25519PublicKey,
		KeyFingerprint:   fingerprint,
		Status:           storage.ContactStatusActive,
	}
	if existing != nil {
		if existing.Status == storage.ContactStatusBlocked {
			return false, fmt.Errorf("%w: %s", ErrContactBlocked, userID)
		}
		if subtle.ConstantTimeCompare([]byte(existing.Ed25519PublicKey), []byte(bundle.Ed25519PublicKey)) != 1 {
			e.recordEvent(storage.EventIdentityChanged, userID, storage.SecuritySeverityCritical, map[string]string{
				"old_fingerprint": existing.KeyFingerprint,
				"new_fingerprint": fingerprint,
			})
			e.logger.Error("contact identity key changed",
				zap.String("user_id", userID),
				zap.String("old_fingerprint", existing.KeyFingerprint),
				zap.String("new_fingerprint", fingerprint))
			return false, fmt.Errorf("%w: %s", ErrIdentityChanged, userID)
		}
		if existing.X25519PublicKey != bundle.X25519PublicKey {
			e.recordEvent(storage.EventAgreementRotated, userID, storage.SecuritySeverityInfo, map[string]string{
				"fingerprint": fingerprint,
			})
		}
		contact.DisplayName = existing.DisplayName
		contact.Verified = existing.Verified
		contact.AddedTimestamp = existing.AddedTimestamp
	}
	seen := e.now().UnixMilli()
	contact.LastSeenTimestamp = &seen

	if err := e.contacts.UpsertContact(contact); err != nil {
		return false, fmt.Errorf("keyexchange: pin contact %s: %w", userID, err)
	}
	e.logger.Info("pinned contact identity",
		zap.String("user_id", userID),
		zap.String("fingerprint", crypto.FormatFingerprint(fingerprint)))
	return true, nil
}

// WrapKey derives the key that seals conversation keys exchanged with userID
// for conversationID. Both sides derive the same value.
func (e *Exchanger) WrapKey(userID, conversationID string) ([]byte, error) {
	contact, err := e.contacts.GetContact(userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownContact, userID)
		}
		return nil, fmt.Errorf("keyexchange: load contact %s: %w", userID, err)
	}
	if contact.Status == storage.ContactStatusBlocked {
		return nil, fmt.Errorf("%w: %s", ErrContactBlocked, userID)
	}

	raw, err := base64.StdEncoding.DecodeString(contact.X25519PublicKey)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: decode agreement key for %s: %w", userID, err)
	}
	peerKey, err := crypto.ParseX25519PublicKey(raw)
	if err != nil {
		return nil, err
	}
	secret, err := crypto.ComputeX25519SharedSecret(e.identity.AgreementKey, peerKey)
	if err != nil {
		return nil, err
	}
	return crypto.DeriveKey(secret, wrapInfo(e.self, userID, conversationID))
}

func wrapInfo(a, b, conversationID string) string {
	users := []string{a, b}
	sort.Strings(users)
	return strings.Join([]string{wrapContext, users[0], users[1], conversationID}, "|")
}

func (e *Exchanger) recordEvent(eventType storage.SecurityEventType, userID string, severity storage.Severity, details map[string]string) {
	if err := e.contacts.LogSecurityEvent(storage.SecurityEvent{
		Type:     eventType,
		UserID:   userID,
		Severity: severity,
		Details:  details,
		At:       e.now(),
	}); err != nil {
		e.logger.Warn("record security event", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}
