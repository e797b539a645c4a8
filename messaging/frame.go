package messaging

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"sechat/envelope"
	"sechat/keystore"
	"sechat/models"
)

// ErrMalformedFrame is returned for frames that cannot be parsed.
var ErrMalformedFrame = errors.New("messaging: malformed frame")

// FrameKind tells the receiver which key opens the envelope.
type FrameKind string

const (
	// FrameKindPayload frames are sealed under the conversation key.
	FrameKindPayload FrameKind = "payload"
	// FrameKindKeyDistribution frames carry a conversation key sealed under
	// the pairwise wrap key.
	FrameKindKeyDistribution FrameKind = "key_distribution"
)

// Frame routes one envelope from a sender to a recipient.
type Frame struct {
	Kind     FrameKind          `json:"kind"`
	From     string             `json:"from"`
	To       string             `json:"to"`
	Envelope *envelope.Envelope `json:"envelope"`
}

func encodeFrame(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

func decodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.From == "" || f.To == "" || f.Envelope == nil {
		return nil, fmt.Errorf("%w: missing routing fields", ErrMalformedFrame)
	}
	switch f.Kind {
	case FrameKindPayload, FrameKindKeyDistribution:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedFrame, f.Kind)
	}
	return &f, nil
}

// PayloadKind identifies what a decrypted payload carries.
type PayloadKind string

const (
	PayloadKindMessage PayloadKind = "message"
	PayloadKindTyping  PayloadKind = "typing"
	PayloadKindStatus  PayloadKind = "status"
)

// Payload is the plaintext sealed inside a payload frame.
type Payload struct {
	Kind    PayloadKind     `json:"kind"`
	Message *models.Message `json:"message,omitempty"`
	Typing  *TypingSignal   `json:"typing,omitempty"`
	Status  *StatusReceipt  `json:"status,omitempty"`
}

// TypingSignal reports that the sender started or stopped typing.
type TypingSignal struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// StatusReceipt reports a status change of one message.
type StatusReceipt struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	At        int64  `json:"at"`
}

// keyGrant is the plaintext of a key distribution frame.
type keyGrant struct {
	ConversationID string `json:"conversation_id"`
	Key            string `json:"key"`
	CreatedBy      string `json:"created_by"`
	CreatedAt      int64  `json:"created_at"`
	ExpiresAt      int64  `json:"expires_at"`
}

func newKeyGrant(key keystore.ConversationKey) keyGrant {
	return keyGrant{
		ConversationID: key.ConversationID,
		Key:            base64.StdEncoding.EncodeToString(key.Material),
		CreatedBy:      key.CreatedBy,
		CreatedAt:      key.CreatedAt.UnixMilli(),
		ExpiresAt:      key.ExpiresAt.UnixMilli(),
	}
}

func (g keyGrant) conversationKey() (keystore.ConversationKey, error) {
	material, err := base64.StdEncoding.DecodeString(g.Key)
	if err != nil {
		return keystore.ConversationKey{}, fmt.Errorf("decode granted key: %w", err)
	}
	return keystore.ConversationKey{
		ConversationID: g.ConversationID,
		Material:       material,
		CreatedBy:      g.CreatedBy,
		CreatedAt:      time.UnixMilli(g.CreatedAt),
		ExpiresAt:      time.UnixMilli(g.ExpiresAt),
	}, nil
}

var conversationNamespace = uuid.MustParse("9a6b1f0e-3c55-4f2f-8d0c-5e1d4a7b2c10")

// DirectConversationID returns the stable conversation id shared by two users.
func DirectConversationID(a, b string) string {
	users := []string{a, b}
	sort.Strings(users)
	return uuid.NewSHA1(conversationNamespace, []byte(users[0]+"\x00"+users[1])).String()
}
