package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sechat/crypto"
	"sechat/envelope"
	"sechat/keyexchange"
	"sechat/keystore"
	"sechat/models"
	"sechat/status"
	"sechat/storage"
	"sechat/transport"
	"sechat/typing"
)

const waitFor = 3 * time.Second

type recordingTransport struct {
	transport.Transport

	mu     sync.Mutex
	frames [][]byte
}

func (r *recordingTransport) Publish(ctx context.Context, recipientID string, frame []byte) error {
	r.mu.Lock()
	r.frames = append(r.frames, append([]byte(nil), frame...))
	r.mu.Unlock()
	return r.Transport.Publish(ctx, recipientID, frame)
}

func (r *recordingTransport) lastFrame(t *testing.T, kind FrameKind) *Frame {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.frames) - 1; i >= 0; i-- {
		frame, err := decodeFrame(r.frames[i])
		require.NoError(t, err)
		if frame.Kind == kind {
			return frame
		}
	}
	t.Fatalf("no %s frame recorded", kind)
	return nil
}

type peer struct {
	id        string
	store     *storage.Store
	keys      *keystore.Store
	tracker   *status.Tracker
	typing    *typing.Bank
	exchanger *keyexchange.Exchanger
	transport *recordingTransport
	svc       *Service
}

func newPeer(t *testing.T, id string, dir keyexchange.Directory, hub *transport.Loopback, opts ...func(*Options)) *peer {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	identity, err := crypto.NewEphemeralIdentity()
	require.NoError(t, err)
	exchanger, err := keyexchange.NewExchanger(keyexchange.Options{
		Self:      id,
		Identity:  identity,
		Directory: dir,
		Contacts:  store,
	})
	require.NoError(t, err)

	keys := keystore.New(keystore.Options{Self: id, Backend: store, Exchanger: exchanger})
	tracker := status.NewTracker(status.Options{Self: id, Store: store})
	bank := typing.NewBank(typing.Options{Self: id, SuppressSelf: true, Timeout: time.Minute})
	t.Cleanup(bank.Close)
	t.Cleanup(tracker.Close)

	tr := &recordingTransport{Transport: hub}
	options := Options{
		Self:      id,
		Store:     store,
		Keys:      keys,
		Tracker:   tracker,
		Typing:    bank,
		Exchanger: exchanger,
		Transport: tr,
	}
	for _, opt := range opts {
		opt(&options)
	}
	svc, err := New(options)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &peer{
		id:        id,
		store:     store,
		keys:      keys,
		tracker:   tracker,
		typing:    bank,
		exchanger: exchanger,
		transport: tr,
		svc:       svc,
	}
}

func (p *peer) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done, err := p.svc.Start(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newHub(t *testing.T) (keyexchange.Directory, *transport.Loopback) {
	t.Helper()
	hub := transport.NewLoopback()
	t.Cleanup(func() { _ = hub.Close() })
	return keyexchange.NewMemoryDirectory(), hub
}

func newPair(t *testing.T) (*peer, *peer) {
	t.Helper()
	dir, hub := newHub(t)

	alice := newPeer(t, "alice", dir, hub)
	bob := newPeer(t, "bob", dir, hub)
	alice.start(t)
	bob.start(t)
	return alice, bob
}

// inbox subscribes to userID's frames without a running service, so tests
// can feed them to HandleFrame one at a time.
func inbox(t *testing.T, hub *transport.Loopback, userID string) <-chan []byte {
	t.Helper()
	ch, cancel, err := hub.Subscribe(context.Background(), userID)
	require.NoError(t, err)
	t.Cleanup(cancel)
	return ch
}

func nextFrame(t *testing.T, frames <-chan []byte) []byte {
	t.Helper()
	select {
	case raw := <-frames:
		return raw
	case <-time.After(waitFor):
		t.Fatal("no frame received")
		return nil
	}
}

// drain handles every queued frame and reports how many there were.
func drain(t *testing.T, p *peer, frames <-chan []byte) int {
	t.Helper()
	n := 0
	for {
		select {
		case raw := <-frames:
			require.NoError(t, p.svc.HandleFrame(context.Background(), raw))
			n++
		default:
			return n
		}
	}
}

func publish(t *testing.T, peers ...*peer) {
	t.Helper()
	for _, p := range peers {
		require.NoError(t, p.exchanger.Publish(context.Background()))
	}
}

func nextMessage(t *testing.T, sub interface{ C() <-chan *models.Message }) *models.Message {
	t.Helper()
	select {
	case msg := <-sub.C():
		return msg
	case <-time.After(waitFor):
		t.Fatal("no message received")
		return nil
	}
}

// waitStatus collects updates for messageID until want is seen.
func waitStatus(t *testing.T, sub *status.Subscription, messageID string, want models.Status) []models.StatusUpdate {
	t.Helper()
	var seen []models.StatusUpdate
	deadline := time.After(waitFor)
	for {
		select {
		case u := <-sub.C():
			if u.MessageID != messageID {
				continue
			}
			seen = append(seen, u)
			if u.Status == want {
				return seen
			}
		case <-deadline:
			t.Fatalf("status %s not reached for %s; saw %+v", want, messageID, seen)
			return nil
		}
	}
}

func updateStatuses(updates []models.StatusUpdate) []models.Status {
	out := make([]models.Status, 0, len(updates))
	for _, u := range updates {
		out = append(out, u.Status)
	}
	return out
}

func TestSendReceiveWithReceipts(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPair(t)
	publish(t, alice, bob)

	aliceStatus := alice.tracker.Subscribe(32)
	bobMessages := bob.svc.SubscribeMessages(4)

	sent, err := alice.svc.SendMessage(ctx, SendRequest{
		RecipientID: "bob",
		Content:     models.TextContent{Text: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, DirectConversationID("alice", "bob"), sent.ConversationID)

	got := nextMessage(t, bobMessages)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "alice", got.SenderID)
	assert.Equal(t, models.StatusDelivered, got.Status)
	content, err := models.DecodeContent(got)
	require.NoError(t, err)
	assert.Equal(t, "hello", content.(*models.TextContent).Text)

	updates := waitStatus(t, aliceStatus, sent.ID, models.StatusDelivered)
	assert.Equal(t, []models.Status{models.StatusSent, models.StatusDelivered}, updateStatuses(updates))
	assert.Equal(t, "bob", updates[1].RemoteSenderID)

	conversation, err := bob.store.GetConversation(got.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 1, conversation.UnreadCount)

	require.NoError(t, bob.svc.MarkRead(ctx, got.ID))
	updates = waitStatus(t, aliceStatus, sent.ID, models.StatusRead)
	assert.Equal(t, []models.Status{models.StatusRead}, updateStatuses(updates))

	stored, err := alice.store.GetMessage(sent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRead, stored.Status)
	assert.NotNil(t, stored.ReadAt)

	conversation, err = bob.store.GetConversation(got.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 0, conversation.UnreadCount)

	require.ErrorIs(t, alice.svc.MarkRead(ctx, sent.ID), ErrNotParticipant)
}

func TestReplyInSameConversationReusesKey(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPair(t)
	publish(t, alice, bob)

	aliceMessages := alice.svc.SubscribeMessages(4)
	bobMessages := bob.svc.SubscribeMessages(4)

	first, err := alice.svc.SendMessage(ctx, SendRequest{RecipientID: "bob", Content: models.TextContent{Text: "ping"}})
	require.NoError(t, err)
	nextMessage(t, bobMessages)

	reply, err := bob.svc.SendMessage(ctx, SendRequest{
		RecipientID:      "alice",
		Type:             models.MessageTypeReply,
		Content:          models.ReplyContent{Text: "pong", QuotedPreview: "ping"},
		ReplyToMessageID: first.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, reply.ConversationID)

	got := nextMessage(t, aliceMessages)
	assert.Equal(t, reply.ID, got.ID)
	assert.Equal(t, first.ID, got.ReplyToMessageID)

	aliceKey, err := alice.keys.Lookup(first.ConversationID)
	require.NoError(t, err)
	bobKey, err := bob.keys.Lookup(first.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, aliceKey.Material, bobKey.Material)
}

func TestKeyExchangeFailureFailsMessageAndRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPair(t)
	publish(t, alice)

	failed, err := alice.svc.SendMessage(ctx, SendRequest{RecipientID: "bob", Content: models.TextContent{Text: "early"}})
	require.ErrorIs(t, err, keystore.ErrKeyExchangeFailed)
	require.NotNil(t, failed)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.NotEmpty(t, failed.Error)

	_, err = alice.keys.Lookup(failed.ConversationID)
	require.ErrorIs(t, err, keystore.ErrNoKey)

	publish(t, bob)
	bobMessages := bob.svc.SubscribeMessages(4)
	aliceStatus := alice.tracker.Subscribe(32)

	retried, err := alice.svc.Retry(ctx, failed.ID)
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID, retried.ID)
	assert.Equal(t, failed.ID, retried.Metadata["retry_of"])

	got := nextMessage(t, bobMessages)
	assert.Equal(t, retried.ID, got.ID)
	waitStatus(t, aliceStatus, retried.ID, models.StatusDelivered)

	_, err = alice.svc.Retry(ctx, retried.ID)
	require.ErrorIs(t, err, ErrNotRetryable)
}

func TestTypingReachesPeer(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPair(t)
	publish(t, alice, bob)

	bobTyping := bob.typing.Subscribe(4)
	require.NoError(t, alice.svc.SendTyping(ctx, "", "bob", true))

	select {
	case u := <-bobTyping.C():
		assert.Equal(t, "alice", u.UserID)
		assert.True(t, u.IsTyping)
		assert.Equal(t, DirectConversationID("alice", "bob"), u.ConversationID)
	case <-time.After(waitFor):
		t.Fatal("no typing update")
	}
	assert.Equal(t, []string{"alice"}, bob.typing.Typing(DirectConversationID("alice", "bob")))
}

func TestDeleteMessagePropagates(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPair(t)
	publish(t, alice, bob)

	bobMessages := bob.svc.SubscribeMessages(4)
	sent, err := alice.svc.SendMessage(ctx, SendRequest{RecipientID: "bob", Content: models.TextContent{Text: "oops"}})
	require.NoError(t, err)
	nextMessage(t, bobMessages)

	bobStatus := bob.tracker.Subscribe(8)
	require.NoError(t, alice.svc.DeleteMessage(ctx, sent.ID))

	updates := waitStatus(t, bobStatus, sent.ID, models.StatusDeleted)
	assert.Equal(t, "alice", updates[len(updates)-1].RemoteSenderID)

	stored, err := bob.store.GetMessage(sent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeleted, stored.Status)
	assert.NotNil(t, stored.DeletedAt)

	local, err := alice.store.GetMessage(sent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeleted, local.Status)
}

func TestTamperedFrameIsReportedUnreadable(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPair(t)
	publish(t, alice, bob)

	bobMessages := bob.svc.SubscribeMessages(4)
	unreadable := bob.svc.SubscribeUnreadable(4)

	_, err := alice.svc.SendMessage(ctx, SendRequest{RecipientID: "bob", Content: models.TextContent{Text: "hello"}})
	require.NoError(t, err)
	nextMessage(t, bobMessages)

	frame := alice.transport.lastFrame(t, FrameKindPayload)
	tampered := *frame.Envelope
	if tampered.Checksum[0] == 'a' {
		tampered.Checksum = "b" + tampered.Checksum[1:]
	} else {
		tampered.Checksum = "a" + tampered.Checksum[1:]
	}
	frame.Envelope = &tampered
	raw, err := json.Marshal(frame)
	require.NoError(t, err)

	err = bob.svc.HandleFrame(ctx, raw)
	require.ErrorIs(t, err, envelope.ErrIntegrity)

	select {
	case u := <-unreadable.C():
		assert.Equal(t, "alice", u.From)
		assert.ErrorIs(t, u.Err, envelope.ErrIntegrity)
	case <-time.After(waitFor):
		t.Fatal("no unreadable event")
	}

	events, err := bob.store.GetSecurityEvents(storage.SecurityEventFilter{Type: storage.EventIntegrityFailed})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestReplayedMessageIsDropped(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPair(t)
	publish(t, alice, bob)

	bobMessages := bob.svc.SubscribeMessages(4)
	sent, err := alice.svc.SendMessage(ctx, SendRequest{RecipientID: "bob", Content: models.TextContent{Text: "once"}})
	require.NoError(t, err)
	nextMessage(t, bobMessages)

	var replay *Frame
	alice.transport.mu.Lock()
	for _, raw := range alice.transport.frames {
		frame, err := decodeFrame(raw)
		require.NoError(t, err)
		if frame.Kind != FrameKindPayload {
			continue
		}
		key, err := alice.keys.Lookup(frame.Envelope.ConversationID)
		require.NoError(t, err)
		var payload Payload
		require.NoError(t, envelope.Decrypt(frame.Envelope, key.Material, &payload))
		if payload.Kind == PayloadKindMessage && payload.Message.ID == sent.ID {
			replay = frame
		}
	}
	alice.transport.mu.Unlock()
	require.NotNil(t, replay)

	raw, err := json.Marshal(replay)
	require.NoError(t, err)
	require.ErrorIs(t, bob.svc.HandleFrame(ctx, raw), ErrReplay)

	select {
	case msg := <-bobMessages.C():
		t.Fatalf("replayed message delivered: %s", msg.ID)
	default:
	}
}

func TestFrameWithoutKeyIsUnreadable(t *testing.T) {
	ctx := context.Background()
	_, bob := newPair(t)
	unreadable := bob.svc.SubscribeUnreadable(4)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	env, err := envelope.Encrypt(Payload{Kind: PayloadKindTyping, Typing: &TypingSignal{ConversationID: "conv-x", IsTyping: true}}, "conv-x", key)
	require.NoError(t, err)
	raw, err := encodeFrame(&Frame{Kind: FrameKindPayload, From: "mallory", To: "bob", Envelope: env})
	require.NoError(t, err)

	require.ErrorIs(t, bob.svc.HandleFrame(ctx, raw), keystore.ErrNoKey)
	select {
	case u := <-unreadable.C():
		assert.Equal(t, "conv-x", u.ConversationID)
	case <-time.After(waitFor):
		t.Fatal("no unreadable event")
	}
}

func TestHandleFrameRejectsMalformedInput(t *testing.T) {
	ctx := context.Background()
	alice, _ := newPair(t)

	require.ErrorIs(t, alice.svc.HandleFrame(ctx, []byte("not json")), ErrMalformedFrame)
	require.ErrorIs(t, alice.svc.HandleFrame(ctx, []byte(`{"kind":"payload","from":"bob","to":"alice"}`)), ErrMalformedFrame)
	require.ErrorIs(t, alice.svc.HandleFrame(ctx, []byte(`{"kind":"bogus","from":"bob","to":"alice","envelope":{}}`)), ErrMalformedFrame)
	require.ErrorIs(t, alice.svc.HandleFrame(ctx, []byte(`{"kind":"payload","from":"bob","to":"carol","envelope":{}}`)), ErrMalformedFrame)
}

func TestRecoverFailsStaleSendingMessages(t *testing.T) {
	alice, _ := newPair(t)

	stale := &models.Message{
		ID:             "stale-1",
		ConversationID: "conv-1",
		SenderID:       "alice",
		RecipientID:    "bob",
		Type:           models.MessageTypeText,
		Content:        json.RawMessage(`{"text":"stuck"}`),
		Status:         models.StatusSending,
		Timestamp:      time.Now().Add(-time.Minute),
	}
	require.NoError(t, alice.store.SaveMessage(stale))
	require.NoError(t, alice.svc.Recover())

	stored, err := alice.store.GetMessage("stale-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
}

func TestLogoutInvalidatesKeys(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPair(t)
	publish(t, alice, bob)

	sent, err := alice.svc.SendMessage(ctx, SendRequest{RecipientID: "bob", Content: models.TextContent{Text: "bye"}})
	require.NoError(t, err)
	_, err = alice.keys.Lookup(sent.ConversationID)
	require.NoError(t, err)

	require.NoError(t, alice.svc.Logout())
	_, err = alice.keys.Lookup(sent.ConversationID)
	require.ErrorIs(t, err, keystore.ErrNoKey)
}

func TestDirectConversationIDIsSymmetric(t *testing.T) {
	assert.Equal(t, DirectConversationID("alice", "bob"), DirectConversationID("bob", "alice"))
	assert.NotEqual(t, DirectConversationID("alice", "bob"), DirectConversationID("alice", "carol"))
}

func TestSimultaneousFirstSendsConvergeOnOneKey(t *testing.T) {
	ctx := context.Background()
	dir, hub := newHub(t)
	alice := newPeer(t, "alice", dir, hub)
	bob := newPeer(t, "bob", dir, hub)
	aliceInbox := inbox(t, hub, "alice")
	bobInbox := inbox(t, hub, "bob")
	publish(t, alice, bob)

	aliceMessages := alice.svc.SubscribeMessages(4)
	bobMessages := bob.svc.SubscribeMessages(4)

	// Both sides generate a key before either sees the other's grant.
	fromAlice, err := alice.svc.SendMessage(ctx, SendRequest{RecipientID: "bob", Content: models.TextContent{Text: "hi bob"}})
	require.NoError(t, err)
	fromBob, err := bob.svc.SendMessage(ctx, SendRequest{RecipientID: "alice", Content: models.TextContent{Text: "hi alice"}})
	require.NoError(t, err)
	require.Equal(t, fromAlice.ConversationID, fromBob.ConversationID)

	aliceKey, err := alice.keys.Lookup(fromAlice.ConversationID)
	require.NoError(t, err)
	bobKey, err := bob.keys.Lookup(fromBob.ConversationID)
	require.NoError(t, err)
	require.NotEqual(t, aliceKey.Material, bobKey.Material)
	winner := aliceKey
	if bobKey.Precedes(aliceKey) {
		winner = bobKey
	}

	for drain(t, alice, aliceInbox)+drain(t, bob, bobInbox) > 0 {
	}

	assert.Equal(t, fromBob.ID, nextMessage(t, aliceMessages).ID)
	assert.Equal(t, fromAlice.ID, nextMessage(t, bobMessages).ID)

	aliceKey, err = alice.keys.Lookup(fromAlice.ConversationID)
	require.NoError(t, err)
	bobKey, err = bob.keys.Lookup(fromBob.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, winner.Material, aliceKey.Material)
	assert.Equal(t, winner.Material, bobKey.Material)

	collisions, err := alice.store.GetSecurityEvents(storage.SecurityEventFilter{Type: storage.EventKeyCollision})
	require.NoError(t, err)
	more, err := bob.store.GetSecurityEvents(storage.SecurityEventFilter{Type: storage.EventKeyCollision})
	require.NoError(t, err)
	assert.Len(t, append(collisions, more...), 1)

	followUp, err := bob.svc.SendMessage(ctx, SendRequest{RecipientID: "alice", Content: models.TextContent{Text: "again"}})
	require.NoError(t, err)
	require.NoError(t, alice.svc.HandleFrame(ctx, nextFrame(t, aliceInbox)))
	got := nextMessage(t, aliceMessages)
	assert.Equal(t, followUp.ID, got.ID)
	content, err := models.DecodeContent(got)
	require.NoError(t, err)
	assert.Equal(t, "again", content.(*models.TextContent).Text)
}

func TestKeyGrantFromOutsiderIsRejected(t *testing.T) {
	ctx := context.Background()
	dir, hub := newHub(t)
	alice := newPeer(t, "alice", dir, hub)
	bob := newPeer(t, "bob", dir, hub)
	mallory := newPeer(t, "mallory", dir, hub)
	alice.start(t)
	bob.start(t)
	publish(t, alice, bob, mallory)

	bobMessages := bob.svc.SubscribeMessages(4)
	sent, err := alice.svc.SendMessage(ctx, SendRequest{RecipientID: "bob", Content: models.TextContent{Text: "private"}})
	require.NoError(t, err)
	nextMessage(t, bobMessages)
	before, err := alice.keys.Lookup(sent.ConversationID)
	require.NoError(t, err)

	// mallory holds a valid pairwise secret with alice, but is not part of
	// the alice/bob conversation.
	ok, err := mallory.exchanger.EnsureKeyExchangeWithUser(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	wrap, err := mallory.exchanger.WrapKey("alice", sent.ConversationID)
	require.NoError(t, err)
	material, err := crypto.GenerateKey()
	require.NoError(t, err)
	forged := keystore.ConversationKey{
		ConversationID: sent.ConversationID,
		Material:       material,
		CreatedBy:      "mallory",
		CreatedAt:      before.CreatedAt.Add(-time.Hour),
		ExpiresAt:      time.Now().Add(time.Hour),
	}
	env, err := envelope.Encrypt(newKeyGrant(forged), sent.ConversationID, wrap)
	require.NoError(t, err)
	raw, err := encodeFrame(&Frame{Kind: FrameKindKeyDistribution, From: "mallory", To: "alice", Envelope: env})
	require.NoError(t, err)

	unreadable := alice.svc.SubscribeUnreadable(4)
	require.ErrorIs(t, alice.svc.HandleFrame(ctx, raw), ErrNotParticipant)

	select {
	case u := <-unreadable.C():
		assert.Equal(t, "mallory", u.From)
		assert.Equal(t, FrameKindKeyDistribution, u.Kind)
		assert.ErrorIs(t, u.Err, ErrNotParticipant)
	case <-time.After(waitFor):
		t.Fatal("no unreadable event")
	}

	after, err := alice.keys.Lookup(sent.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, before.Material, after.Material)
	keys, err := alice.keys.DecryptionKeys(sent.ConversationID)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	events, err := alice.store.GetSecurityEvents(storage.SecurityEventFilter{
		Type:           storage.EventSenderMismatch,
		ConversationID: sent.ConversationID,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "mallory", events[0].UserID)
	assert.Equal(t, storage.SecuritySeverityCritical, events[0].Severity)
}

type flakyStore struct {
	Store

	mu       sync.Mutex
	failures int
}

func (f *flakyStore) SaveIncomingMessage(message *models.Message, receivedAt time.Time) (bool, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return false, errors.New("disk I/O error")
	}
	f.mu.Unlock()
	return f.Store.SaveIncomingMessage(message, receivedAt)
}

func TestRedeliveryAfterFailedSaveIsAccepted(t *testing.T) {
	ctx := context.Background()
	dir, hub := newHub(t)
	alice := newPeer(t, "alice", dir, hub)
	bob := newPeer(t, "bob", dir, hub, func(o *Options) {
		o.Store = &flakyStore{Store: o.Store, failures: 1}
	})
	alice.start(t)
	bobInbox := inbox(t, hub, "bob")
	publish(t, alice, bob)

	bobMessages := bob.svc.SubscribeMessages(4)
	sent, err := alice.svc.SendMessage(ctx, SendRequest{RecipientID: "bob", Content: models.TextContent{Text: "retry me"}})
	require.NoError(t, err)

	require.NoError(t, bob.svc.HandleFrame(ctx, nextFrame(t, bobInbox)))
	payload := nextFrame(t, bobInbox)

	err = bob.svc.HandleFrame(ctx, payload)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReplay)
	_, err = bob.store.GetMessage(sent.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, bob.svc.HandleFrame(ctx, payload))
	got := nextMessage(t, bobMessages)
	assert.Equal(t, sent.ID, got.ID)
	stored, err := bob.store.GetMessage(sent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, stored.Status)

	require.ErrorIs(t, bob.svc.HandleFrame(ctx, payload), ErrReplay)
}

func TestTypingForAnotherConversationIsRejected(t *testing.T) {
	ctx := context.Background()
	alice, bob := newPair(t)
	publish(t, alice, bob)

	bobMessages := bob.svc.SubscribeMessages(4)
	sent, err := alice.svc.SendMessage(ctx, SendRequest{RecipientID: "bob", Content: models.TextContent{Text: "hey"}})
	require.NoError(t, err)
	nextMessage(t, bobMessages)

	key, err := alice.keys.Lookup(sent.ConversationID)
	require.NoError(t, err)
	env, err := envelope.Encrypt(Payload{
		Kind:   PayloadKindTyping,
		Typing: &TypingSignal{ConversationID: "conv-elsewhere", IsTyping: true},
	}, sent.ConversationID, key.Material)
	require.NoError(t, err)
	raw, err := encodeFrame(&Frame{Kind: FrameKindPayload, From: "alice", To: "bob", Envelope: env})
	require.NoError(t, err)

	require.ErrorIs(t, bob.svc.HandleFrame(ctx, raw), ErrMalformedFrame)
	assert.Empty(t, bob.typing.Typing("conv-elsewhere"))
	assert.Empty(t, bob.typing.Typing(sent.ConversationID))
}
