package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chatsync/internal/blocking"
	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/ratelimit"
	"github.com/whisper/chatsync/internal/store/memory"
)

type delivery struct {
	to string
	ev protocol.Event
}

// recordingPusher treats every user in online as connected.
type recordingPusher struct {
	mu     sync.Mutex
	online map[string]bool
	sent   []delivery
}

func newPusher(online ...string) *recordingPusher {
	p := &recordingPusher{online: make(map[string]bool)}
	for _, id := range online {
		p.online[id] = true
	}
	return p
}

func (p *recordingPusher) SendEvent(_ context.Context, userID string, ev protocol.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online[userID] {
		return false
	}
	p.sent = append(p.sent, delivery{to: userID, ev: ev})
	return true
}

func (p *recordingPusher) SendEventToMany(ctx context.Context, userIDs []string, ev protocol.Event) []string {
	var out []string
	for _, id := range userIDs {
		if p.SendEvent(ctx, id, ev) {
			out = append(out, id)
		}
	}
	return out
}

func (p *recordingPusher) to(userID string) []protocol.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Event
	for _, d := range p.sent {
		if d.to == userID {
			out = append(out, d.ev)
		}
	}
	return out
}

type failingLister struct {
	chat.Store
	fail string
}

func (f failingLister) BlockedUsers(ctx context.Context, id string) ([]string, error) {
	if id == f.fail {
		return nil, errors.New("db down")
	}
	return f.Store.BlockedUsers(ctx, id)
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }

type fixture struct {
	store *memory.Store
	push  *recordingPusher
	r     *Router
}

func newFixture(t *testing.T, opts Options, online ...string) *fixture {
	t.Helper()
	st := memory.New()
	for _, id := range []string{"alice", "bob", "carol", "dave"} {
		require.NoError(t, st.UpsertUser(context.Background(), chat.User{ID: id, DisplayName: id}))
	}
	push := newPusher(online...)
	r := New(st, blocking.NewChecker(st), push, nil, opts, zerolog.Nop())
	return &fixture{store: st, push: push, r: r}
}

func (f *fixture) direct(t *testing.T, a, b string) *chat.Conversation {
	t.Helper()
	_, conv, err := f.store.CreateMessage(context.Background(), chat.NewMessage{ReceiverID: b, SenderID: a, Content: "hi"})
	require.NoError(t, err)
	return conv
}

func (f *fixture) group(t *testing.T, admin string, members ...string) *chat.Conversation {
	t.Helper()
	g, err := f.store.CreateGroup(context.Background(), "g", admin, members)
	require.NoError(t, err)
	return g
}

func TestTyping_DirectByReceiver(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob")

	f.r.Typing(context.Background(), "alice", protocol.TypingTarget{ReceiverID: "bob"})

	evs := f.push.to("bob")
	require.Len(t, evs, 1)
	assert.Equal(t, &protocol.UserTypingMsg{UserID: "alice", IsTyping: true}, evs[0])
	assert.Empty(t, f.push.to("alice"))
}

func TestTyping_DirectByConversation(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob")
	conv := f.direct(t, "alice", "bob")

	f.r.StopTyping(context.Background(), "bob", protocol.TypingTarget{ConversationID: conv.ID})

	evs := f.push.to("alice")
	require.Len(t, evs, 1)
	assert.Equal(t, &protocol.UserTypingMsg{UserID: "bob", IsTyping: false, ConversationID: conv.ID}, evs[0])
}

func TestTyping_BlockedEitherDirection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, "alice", "bob")
	require.NoError(t, f.store.Block(ctx, "alice", "bob"))

	// A blocks B; B typing toward A yields nothing, and vice versa.
	f.r.Typing(ctx, "bob", protocol.TypingTarget{ReceiverID: "alice"})
	f.r.Typing(ctx, "alice", protocol.TypingTarget{ReceiverID: "bob"})
	f.r.StopTyping(ctx, "bob", protocol.TypingTarget{ReceiverID: "alice"})

	assert.Empty(t, f.push.to("alice"))
	assert.Empty(t, f.push.to("bob"))
}

func TestTyping_BlockLookupFailureDrops(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		require.NoError(t, st.UpsertUser(ctx, chat.User{ID: id}))
	}
	push := newPusher("alice", "bob")
	r := New(st, blocking.NewChecker(failingLister{Store: st, fail: "bob"}), push, nil, Options{}, zerolog.Nop())

	r.Typing(ctx, "alice", protocol.TypingTarget{ReceiverID: "bob"})
	assert.Empty(t, push.to("bob"))
}

func TestTyping_GroupFiltersBlockedAndOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, "alice", "bob", "carol")
	g := f.group(t, "alice", "bob", "carol", "dave")
	require.NoError(t, f.store.Block(ctx, "carol", "alice"))

	f.r.Typing(ctx, "alice", protocol.TypingTarget{ConversationID: g.ID})

	require.Len(t, f.push.to("bob"), 1)
	assert.Empty(t, f.push.to("carol"), "carol blocked the sender")
	assert.Empty(t, f.push.to("dave"), "dave is offline")
	assert.Empty(t, f.push.to("alice"), "sender never receives its own typing")
}

func TestTyping_GroupNonParticipantDropped(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob", "dave")
	g := f.group(t, "alice", "bob")

	f.r.Typing(context.Background(), "dave", protocol.TypingTarget{ConversationID: g.ID})
	assert.Empty(t, f.push.to("alice"))
	assert.Empty(t, f.push.to("bob"))
}

func TestTyping_RateLimited(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		require.NoError(t, st.UpsertUser(ctx, chat.User{ID: id}))
	}
	push := newPusher("bob")
	r := New(st, blocking.NewChecker(st), push, denyLimiter{}, Options{}, zerolog.Nop())

	r.Typing(ctx, "alice", protocol.TypingTarget{ReceiverID: "bob"})
	assert.Empty(t, push.to("bob"))

	// stop_typing is never throttled so a burst always ends.
	r.StopTyping(ctx, "alice", protocol.TypingTarget{ReceiverID: "bob"})
	assert.Len(t, push.to("bob"), 1)
}

func TestConversationRead_PersistsAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, "alice", "bob", "carol")
	g := f.group(t, "alice", "bob", "carol", "dave")
	_, _, err := f.store.CreateMessage(ctx, chat.NewMessage{ConversationID: g.ID, SenderID: "alice", Content: "x"})
	require.NoError(t, err)

	readAt := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	f.r.SetClock(func() time.Time { return readAt })

	before := readAt
	conv, err := f.r.ConversationRead(ctx, "bob", g.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount["bob"])
	assert.False(t, conv.ReadAt["bob"].Before(before))

	for _, id := range []string{"alice", "carol"} {
		evs := f.push.to(id)
		require.Len(t, evs, 1, id)
		cr := evs[0].(*protocol.ConversationReadMsg)
		assert.Equal(t, g.ID, cr.ConversationID)
		assert.Equal(t, "bob", cr.ReadBy)
		assert.True(t, cr.IsGroup)
		assert.True(t, cr.ReadAt.Equal(readAt))
	}
	assert.Empty(t, f.push.to("bob"))
}

func TestConversationRead_NotParticipant(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob", "carol")
	conv := f.direct(t, "alice", "bob")

	_, err := f.r.ConversationRead(context.Background(), "carol", conv.ID)
	assert.ErrorIs(t, err, chat.ErrNotParticipant)
	assert.Empty(t, f.push.to("alice"))
}

func TestConversationRead_UnknownConversation(t *testing.T) {
	f := newFixture(t, Options{}, "alice")

	_, err := f.r.ConversationRead(context.Background(), "alice", "missing")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestConversationRead_BlockExemptByDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, "alice", "bob")
	conv := f.direct(t, "alice", "bob")
	require.NoError(t, f.store.Block(ctx, "alice", "bob"))

	_, err := f.r.ConversationRead(ctx, "bob", conv.ID)
	require.NoError(t, err)
	assert.Len(t, f.push.to("alice"), 1)
}

func TestConversationRead_FilteredWhenEnabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{FilterReadReceipts: true}, "alice", "bob")
	conv := f.direct(t, "alice", "bob")
	require.NoError(t, f.store.Block(ctx, "alice", "bob"))

	updated, err := f.r.ConversationRead(ctx, "bob", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.UnreadCount["bob"])
	assert.Empty(t, f.push.to("alice"))
}
