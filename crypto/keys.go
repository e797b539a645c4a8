package crypto

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	x25519PrivatePEMType  = "X25519 PRIVATE KEY"
)

var x25519Curve = ecdh.X25519()

// Identity holds the long-term keys of the local user: Ed25519 for signing
// identity bundles and X25519 for key agreement with contacts.
type Identity struct {
	SigningKey   ed25519.PrivateKey
	VerifyKey    ed25519.PublicKey
	AgreementKey *ecdh.PrivateKey
}

// EnsureIdentity loads the identity keys from disk, generating any that are missing.
func EnsureIdentity(ed25519Path, x25519Path string) (*Identity, error) {
	signingKey, err := loadEd25519PrivateKey(ed25519Path)
	if errors.Is(err, fs.ErrNotExist) {
		_, signingKey, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
		}
		err = writePEM(ed25519Path, ed25519PrivatePEMType, signingKey)
	}
	if err != nil {
		return nil, err
	}

	agreementKey, err := loadX25519PrivateKey(x25519Path)
	if errors.Is(err, fs.ErrNotExist) {
		agreementKey, err = GenerateX25519PrivateKey()
		if err == nil {
			err = writePEM(x25519Path, x25519PrivatePEMType, agreementKey.Bytes())
		}
	}
	if err != nil {
		return nil, err
	}

	return &Identity{
		SigningKey:   signingKey,
		VerifyKey:    signingKey.Public().(ed25519.PublicKey),
		AgreementKey: agreementKey,
	}, nil
}

// NewEphemeralIdentity creates an in-memory identity; used by tests and guest sessions.
func NewEphemeralIdentity() (*Identity, error) {
	verifyKey, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	agreementKey, err := GenerateX25519PrivateKey()
	if err != nil {
		return nil, err
	}
	return &Identity{SigningKey: signingKey, VerifyKey: verifyKey, AgreementKey: agreementKey}, nil
}

// GenerateX25519PrivateKey creates a new X25519 private key.
func GenerateX25519PrivateKey() (*ecdh.PrivateKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 private key: %w", err)
	}
	return privateKey, nil
}

func loadEd25519PrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := readPEM(path, ed25519PrivatePEMType)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decode Ed25519 private PEM: invalid key size %d", len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

func loadX25519PrivateKey(path string) (*ecdh.PrivateKey, error) {
	raw, err := readPEM(path, x25519PrivatePEMType)
	if err != nil {
		return nil, err
	}
	privateKey, err := x25519Curve.NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 private key: %w", err)
	}
	return privateKey, nil
}

func readPEM(path, blockType string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(blockType), err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s: no PEM block", strings.ToLower(blockType))
	}
	if block.Type != blockType {
		return nil, fmt.Errorf("decode %s: unexpected type %q", strings.ToLower(blockType), block.Type)
	}
	return block.Bytes, nil
}

func writePEM(path, blockType string, key []byte) error {
	block := &pem.Block{Type: blockType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(blockType), err)
	}
	return nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}
