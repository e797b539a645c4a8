package keyexchange

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"sechat/crypto"
)

const identityContext = "sechat-identity"

// ErrInvalidBundle is returned when an identity bundle is malformed or its
// signature does not verify.
var ErrInvalidBundle = errors.New("keyexchange: invalid identity bundle")

// IdentityBundle is the signed set of public keys a user publishes so others
// can derive wrap keys for them.
type IdentityBundle struct {
	UserID           string `json:"user_id"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	X25519PublicKey  string `json:"x25519_public_key"`
	Signature        string `json:"signature"`
	PublishedAt      int64  `json:"published_at"`
}

// NewBundle signs the public half of identity for userID.
func NewBundle(userID string, identity *crypto.Identity, now time.Time) (*IdentityBundle, error) {
	if userID == "" {
		return nil, errors.New("keyexchange: user id is required")
	}
	if identity == nil || identity.AgreementKey == nil {
		return nil, errors.New("keyexchange: identity is required")
	}

	x25519 := base64.StdEncoding.EncodeToString(identity.AgreementKey.PublicKey().Bytes())
	signature, err := crypto.SignFields(identity.SigningKey, identityContext, userID, x25519)
	if err != nil {
		return nil, fmt.Errorf("keyexchange: sign bundle: %w", err)
	}

	return &IdentityBundle{
		UserID:           userID,
		Ed25519PublicKey: base64.StdEncoding.EncodeToString(identity.VerifyKey),
		X25519PublicKey:  x25519,
		Signature:        base64.StdEncoding.EncodeToString(signature),
		PublishedAt:      now.UnixMilli(),
	}, nil
}

// Verify checks the bundle's signature against its own Ed25519 key.
func (b *IdentityBundle) Verify() error {
	verifyKey, err := base64.StdEncoding.DecodeString(b.Ed25519PublicKey)
	if err != nil || len(verifyKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad ed25519 key", ErrInvalidBundle)
	}
	agreementKey, err := base64.StdEncoding.DecodeString(b.X25519PublicKey)
	if err != nil {
		return fmt.Errorf("%w: bad x25519 key encoding", ErrInvalidBundle)
	}
	if _, err := crypto.ParseX25519PublicKey(agreementKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	signature, err := base64.StdEncoding.DecodeString(b.Signature)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrInvalidBundle)
	}
	if !crypto.VerifyFields(verifyKey, signature, identityContext, b.UserID, b.X25519PublicKey) {
		return fmt.Errorf("%w: signature mismatch for %s", ErrInvalidBundle, b.UserID)
	}
	return nil
}

// Fingerprint returns the fingerprint of the bundle's Ed25519 key.
func (b *IdentityBundle) Fingerprint() (string, error) {
	verifyKey, err := base64.StdEncoding.DecodeString(b.Ed25519PublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: bad ed25519 key", ErrInvalidBundle)
	}
	return crypto.KeyFingerprint(verifyKey), nil
}
