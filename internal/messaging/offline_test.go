package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chatsync/internal/moderation"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject, data})
	return nil
}

type recordingHandler struct {
	mu      sync.Mutex
	online  []string
	signals []NewMessageSignal
}

func (h *recordingHandler) OnUserOnline(_ context.Context, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.online = append(h.online, userID)
	return nil
}

func (h *recordingHandler) HandleNewMessage(_ context.Context, recipientID, senderID, senderName string, isGroup bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, NewMessageSignal{
		RecipientID: recipientID, SenderID: senderID, SenderName: senderName, IsGroup: isGroup,
	})
	return nil
}

func fixedNotifier(pub Publisher) *OfflineNotifier {
	n := NewOfflineNotifier(pub)
	n.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return n
}

func TestOfflineNotifier_PublishesContract(t *testing.T) {
	pub := &fakePublisher{}
	n := fixedNotifier(pub)
	ctx := context.Background()

	require.NoError(t, n.OnUserOnline(ctx, "bob"))
	require.NoError(t, n.HandleNewMessage(ctx, "bob", "alice", "Alice", true))

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, SubjectUserOnline, pub.msgs[0].subject)
	assert.JSONEq(t, `{"userId":"bob","ts":1700000000000}`, string(pub.msgs[0].data))
	assert.Equal(t, SubjectNewMessage, pub.msgs[1].subject)
	assert.JSONEq(t,
		`{"recipientId":"bob","senderId":"alice","senderName":"Alice","isGroup":true,"ts":1700000000000}`,
		string(pub.msgs[1].data))
}

func TestOfflineNotifier_PublishError(t *testing.T) {
	n := fixedNotifier(&fakePublisher{err: errors.New("nats: connection closed")})
	err := n.OnUserOnline(context.Background(), "bob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), SubjectUserOnline)
}

func TestHandleOffline_RoundTrip(t *testing.T) {
	pub := &fakePublisher{}
	n := fixedNotifier(pub)
	ctx := context.Background()
	require.NoError(t, n.HandleNewMessage(ctx, "carol", "alice", "Alice", false))
	require.NoError(t, n.OnUserOnline(ctx, "carol"))

	h := &recordingHandler{}
	for _, m := range pub.msgs {
		require.NoError(t, HandleOffline(ctx, m.subject, m.data, h))
	}
	assert.Equal(t, []NewMessageSignal{{RecipientID: "carol", SenderID: "alice", SenderName: "Alice"}}, h.signals)
	assert.Equal(t, []string{"carol"}, h.online)
}

func TestHandleOffline_Rejects(t *testing.T) {
	h := &recordingHandler{}
	ctx := context.Background()

	assert.Error(t, HandleOffline(ctx, SubjectUserOnline, []byte(`{}`), h))
	assert.Error(t, HandleOffline(ctx, SubjectNewMessage, []byte(`{"recipientId":"x"}`), h))
	assert.Error(t, HandleOffline(ctx, SubjectNewMessage, []byte(`not json`), h))
	assert.Error(t, HandleOffline(ctx, "chat.other", []byte(`{}`), h))
	assert.Empty(t, h.online)
	assert.Empty(t, h.signals)
}

func TestFlagPublisher(t *testing.T) {
	pub := &fakePublisher{}
	p := NewFlagPublisher(pub)

	f := moderation.Flag{UserID: "u1", Reason: "spam_pattern", Term: "url", Offenses: 2}
	require.NoError(t, p.Flagged(context.Background(), f))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, SubjectModerationFlagged, pub.msgs[0].subject)
	var got moderation.Flag
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &got))
	assert.Equal(t, f, got)
}

// TestNATS_OfflineContract runs against a live server when NATS_URL is set.
func TestNATS_OfflineContract(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping live NATS test")
	}
	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.Name = "chatsync-test"
	client, err := NewNATSClient(cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("NATS unavailable: %v", err)
	}
	defer client.Close()

	h := &recordingHandler{}
	require.NoError(t, client.SubscribeOffline("chatsync-test", h, nil))
	require.NoError(t, client.Flush())

	require.NoError(t, NewOfflineNotifier(client).OnUserOnline(context.Background(), "live-user"))
	require.NoError(t, client.Flush())

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.online) == 1
	}, 2*time.Second, 20*time.Millisecond)
}
