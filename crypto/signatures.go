package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
)

// SignFields signs the pipe-joined fields with an Ed25519 private key.
func SignFields(privateKey ed25519.PrivateKey, fields ...string) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(fields) == 0 {
		return nil, errors.New("data is required")
	}
	return ed25519.Sign(privateKey, []byte(strings.Join(fields, "|"))), nil
}

// VerifyFields verifies a signature produced by SignFields.
func VerifyFields(publicKey ed25519.PublicKey, signature []byte, fields ...string) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize || len(fields) == 0 {
		return false
	}
	return ed25519.Verify(publicKey, []byte(strings.Join(fields, "|")), signature)
}
