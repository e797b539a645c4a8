package envelope

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sechat/crypto"
)

func newKey(t *testing.T) []byte {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func TestRoundTrip(t *testing.T) {
	key := newKey(t)

	payloads := []any{
		map[string]any{"text": "hello"},
		map[string]any{"nested": map[string]any{"n": float64(42), "list": []any{"a", true, nil}}},
		"plain string",
		float64(3.5),
		[]any{},
		map[string]any{"unicode": "héllo wörld 👋"},
	}

	for _, payload := range payloads {
		env, err := Encrypt(payload, "conv1", key)
		require.NoError(t, err)

		var out any
		require.NoError(t, Decrypt(env, key, &out))
		assert.Equal(t, payload, out)
	}
}

func TestEnvelopeFields(t *testing.T) {
	key := newKey(t)
	env, err := Encrypt(map[string]string{"text": "hello"}, "conv1", key)
	require.NoError(t, err)

	assert.Equal(t, "conv1", env.ConversationID)
	assert.Equal(t, Algorithm, env.Algorithm)
	assert.Equal(t, Version, env.Version)
	assert.Equal(t, crypto.Checksum(env.EncryptedData), env.Checksum)

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	require.NoError(t, err)
	assert.Len(t, iv, 16)

	ts, err := env.Time()
	require.NoError(t, err)
	assert.False(t, ts.IsZero())

	other, err := Encrypt(map[string]string{"text": "hello"}, "conv1", key)
	require.NoError(t, err)
	assert.NotEqual(t, env.IV, other.IV)
	assert.NotEqual(t, env.EncryptedData, other.EncryptedData)
}

func TestScenarioHelloWithFreshAndForeignKey(t *testing.T) {
	key := newKey(t)
	env, err := Encrypt(map[string]string{"text": "hello"}, "conv1", key)
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, Decrypt(env, key, &out))
	assert.Equal(t, map[string]string{"text": "hello"}, out)

	var foreign map[string]string
	err = Decrypt(env, newKey(t), &foreign)
	require.Error(t, err)
	assert.True(t, errorsIsAny(err, ErrDecryption, ErrIntegrity), "unexpected error %v", err)
	assert.Nil(t, foreign)
}

func TestMutatingCiphertextOrChecksumFailsIntegrity(t *testing.T) {
	key := newKey(t)
	env, err := Encrypt(map[string]string{"text": "integrity"}, "conv1", key)
	require.NoError(t, err)

	for i := range env.EncryptedData {
		mutated := *env
		mutated.EncryptedData = flipByte(env.EncryptedData, i)
		var out any
		assert.ErrorIs(t, Decrypt(&mutated, key, &out), ErrIntegrity, "ciphertext byte %d", i)
		assert.Nil(t, out)
	}

	for i := range env.Checksum {
		mutated := *env
		mutated.Checksum = flipByte(env.Checksum, i)
		var out any
		assert.ErrorIs(t, Decrypt(&mutated, key, &out), ErrIntegrity, "checksum byte %d", i)
		assert.Nil(t, out)
	}
}

func TestCorruptedIVWithValidChecksumIsDecryptionError(t *testing.T) {
	key := newKey(t)
	env, err := Encrypt(map[string]string{"text": "x"}, "conv1", key)
	require.NoError(t, err)

	env.IV = base64.StdEncoding.EncodeToString([]byte("short"))
	var out any
	assert.ErrorIs(t, Decrypt(env, key, &out), ErrDecryption)
}

func TestUnsupportedTagsRejected(t *testing.T) {
	key := newKey(t)
	env, err := Encrypt("x", "conv1", key)
	require.NoError(t, err)

	env.Algorithm = "AES-256-GCM"
	var out any
	assert.ErrorIs(t, Decrypt(env, key, &out), ErrUnsupportedEnvelope)
}

func TestPayloadTooLarge(t *testing.T) {
	_, err := Encrypt(strings.Repeat("a", MaxPayloadSize), "conv1", newKey(t))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestMarshalUnmarshalWireForm(t *testing.T) {
	key := newKey(t)
	env, err := Encrypt(map[string]string{"text": "wire"}, "conv1", key)
	require.NoError(t, err)

	raw, err := Marshal(env)
	require.NoError(t, err)
	for _, field := range []string{"encrypted_data", "iv", "checksum", "conversation_id", "timestamp", "algorithm", "version"} {
		assert.Contains(t, string(raw), `"`+field+`":"`)
	}

	parsed, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, env, parsed)

	_, err = Unmarshal([]byte(`{"iv":"x"}`))
	assert.Error(t, err)
}

func flipByte(s string, i int) string {
	b := []byte(s)
	b[i] ^= 0x01
	return string(b)
}

func errorsIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
