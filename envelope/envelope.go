// Package envelope implements the encrypted, checksummed wire form of chat
// payloads. A payload is serialized to JSON, base64 encoded, encrypted with
// AES-256-CBC under a conversation key and checksummed with SHA-256 over the
// base64 ciphertext. The checksum is always verified before decryption.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"sechat/crypto"
)

const (
	// Algorithm is the only cipher suite this codec produces and accepts.
	Algorithm = "AES-256-CBC"
	// Version is the envelope format version.
	Version = "1"
	// MaxPayloadSize bounds the serialized payload; there is no streaming mode.
	MaxPayloadSize = 1 << 20
)

var (
	// ErrIntegrity indicates the checksum does not match the ciphertext.
	ErrIntegrity = errors.New("envelope: integrity check failed")
	// ErrDecryption indicates a valid checksum but an undecryptable body.
	ErrDecryption = errors.New("envelope: decryption failed")
	// ErrUnsupportedEnvelope indicates an unknown algorithm or version tag.
	ErrUnsupportedEnvelope = errors.New("envelope: unsupported algorithm or version")
	// ErrPayloadTooLarge indicates the payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("envelope: payload too large")
)

// Envelope is the transport projection of one message or event. It is never persisted.
type Envelope struct {
	EncryptedData  string `json:"encrypted_data"`
	IV             string `json:"iv"`
	Checksum       string `json:"checksum"`
	ConversationID string `json:"conversation_id"`
	Timestamp      string `json:"timestamp"`
	Algorithm      string `json:"algorithm"`
	Version        string `json:"version"`
}

// Time parses the envelope timestamp (epoch milliseconds).
func (e *Envelope) Time() (time.Time, error) {
	ms, err := strconv.ParseInt(e.Timestamp, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse envelope timestamp %q: %w", e.Timestamp, err)
	}
	return time.UnixMilli(ms), nil
}

// Encrypt seals payload for conversationID under key.
func Encrypt(payload any, conversationID string, key []byte) (*Envelope, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if len(plaintext) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(plaintext))
	}

	encoded := base64.StdEncoding.EncodeToString(plaintext)
	ciphertext, iv, err := crypto.Encrypt(key, []byte(encoded))
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}

	encryptedData := base64.StdEncoding.EncodeToString(ciphertext)
	return &Envelope{
		EncryptedData:  encryptedData,
		IV:             base64.StdEncoding.EncodeToString(iv),
		Checksum:       crypto.Checksum(encryptedData),
		ConversationID: conversationID,
		Timestamp:      strconv.FormatInt(time.Now().UnixMilli(), 10),
		Algorithm:      Algorithm,
		Version:        Version,
	}, nil
}

// Verify checks the envelope tags and its checksum without decrypting.
func Verify(env *Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", ErrIntegrity)
	}
	if env.Algorithm != Algorithm || env.Version != Version {
		return fmt.Errorf("%w: %q v%q", ErrUnsupportedEnvelope, env.Algorithm, env.Version)
	}
	if !crypto.ChecksumEqual(crypto.Checksum(env.EncryptedData), env.Checksum) {
		return ErrIntegrity
	}
	return nil
}

// Decrypt verifies env, decrypts it with key and unmarshals the payload into out.
func Decrypt(env *Envelope, key []byte, out any) error {
	if err := Verify(env); err != nil {
		return err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.EncryptedData)
	if err != nil {
		return fmt.Errorf("%w: decode ciphertext: %v", ErrDecryption, err)
	}
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return fmt.Errorf("%w: decode iv: %v", ErrDecryption, err)
	}

	encoded, err := crypto.Decrypt(key, iv, ciphertext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	plaintext, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrDecryption, err)
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("%w: parse payload: %v", ErrDecryption, err)
	}
	return nil
}

// Marshal returns the JSON wire form of env.
func Marshal(env *Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return raw, nil
}

// Unmarshal parses the JSON wire form of an envelope.
func Unmarshal(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.EncryptedData == "" || env.IV == "" || env.Checksum == "" || env.ConversationID == "" {
		return nil, errors.New("parse envelope: missing required field")
	}
	return &env, nil
}
