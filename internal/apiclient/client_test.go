package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chatsync/internal/api"
	"github.com/whisper/chatsync/internal/blocking"
	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/reconcile"
	"github.com/whisper/chatsync/internal/store/memory"
)

var _ reconcile.Backend = (*Client)(nil)

type tokenAuth struct{}

func (tokenAuth) Authenticate(_ context.Context, token string) (string, error) {
	id, ok := strings.CutPrefix(token, "tok-")
	if !ok {
		return "", errors.New("bad token")
	}
	return id, nil
}

type storeReads struct{ st chat.Store }

func (r storeReads) ConversationRead(ctx context.Context, userID, id string) (*chat.Conversation, error) {
	return r.st.MarkRead(ctx, id, userID, time.Now())
}

type nopNotifier struct{}

func (nopNotifier) NotifyNewMessage(context.Context, *chat.Conversation, chat.Message) error {
	return nil
}
func (nopNotifier) NotifyAccountBlocked(context.Context, string, string)                     {}
func (nopNotifier) NotifyBlockingUpdate(context.Context, string, string, chat.BlockAction)   {}
func (nopNotifier) NotifyGroupNameUpdated(context.Context, *chat.Conversation)               {}
func (nopNotifier) NotifyGroupPhotoUpdated(context.Context, *chat.Conversation)              {}
func (nopNotifier) NotifyUserLeftGroup(context.Context, *chat.Conversation, string)          {}
func (nopNotifier) NotifyMembersAdded(context.Context, *chat.Conversation, []string, string) {}
func (nopNotifier) NotifyGroupAdminChanged(context.Context, *chat.Conversation)              {}
func (nopNotifier) NotifyMemberRemoved(context.Context, *chat.Conversation, string, string)  {}

func newServer(t *testing.T) string {
	t.Helper()
	st := memory.New()
	for _, id := range []string{"alice", "bob", "carol"} {
		require.NoError(t, st.UpsertUser(context.Background(), chat.User{ID: id, DisplayName: id}))
	}
	srv := api.New(api.Deps{
		Store:  st,
		Blocks: blocking.NewChecker(st),
		Auth:   tokenAuth{},
		Reads:  storeReads{st},
		Notify: nopNotifier{},
		Log:    zerolog.Nop(),
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestClient_MessagingRoundTrip(t *testing.T) {
	base := newServer(t)
	ctx := context.Background()
	alice := New(base, "tok-alice", time.Second)
	bob := New(base, "tok-bob", time.Second)

	sent, err := alice.SendMessage(ctx, api.CreateMessageRequest{ReceiverID: "bob", Content: "hi bob"})
	require.NoError(t, err)
	convID := sent.Conversation.ID

	convs, err := bob.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].UnreadCount["bob"])

	msgs, err := bob.ListMessages(ctx, convID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi bob", msgs[0].Content)

	read, err := bob.MarkRead(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, 0, read.UnreadCount["bob"])

	n, err := alice.Online(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestClient_Blocking(t *testing.T) {
	base := newServer(t)
	ctx := context.Background()
	alice := New(base, "tok-alice", time.Second)
	bob := New(base, "tok-bob", time.Second)

	require.NoError(t, alice.Block(ctx, "bob"))
	ids, err := alice.BlockedUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, ids)

	status, err := bob.BlockStatus(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, chat.BlockStatus{BlockedMe: true}, status)

	_, err = bob.SendMessage(ctx, api.CreateMessageRequest{ReceiverID: "alice", Content: "hello?"})
	require.Error(t, err)
	assert.True(t, HasStatus(err, http.StatusForbidden))

	require.NoError(t, alice.Unblock(ctx, "bob"))
	_, err = bob.SendMessage(ctx, api.CreateMessageRequest{ReceiverID: "alice", Content: "hello?"})
	assert.NoError(t, err)
}

func TestClient_Groups(t *testing.T) {
	base := newServer(t)
	ctx := context.Background()
	alice := New(base, "tok-alice", time.Second)
	bob := New(base, "tok-bob", time.Second)

	g, err := alice.CreateGroup(ctx, "team", []string{"bob"})
	require.NoError(t, err)

	name := "renamed"
	g2, err := bob.UpdateGroup(ctx, g.ID, api.UpdateGroupRequest{GroupName: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", g2.GroupName)

	g3, err := alice.AddMembers(ctx, g.ID, []string{"carol"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, g3.ParticipantIDs())

	_, err = bob.RemoveMember(ctx, g.ID, "carol")
	assert.True(t, HasStatus(err, http.StatusForbidden))

	g4, err := alice.SetAdmin(ctx, g.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", g4.GroupAdmin)

	g5, err := bob.RemoveMember(ctx, g.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, g5.ParticipantIDs())

	require.NoError(t, alice.LeaveGroup(ctx, g.ID))
	_, err = alice.ListMessages(ctx, g.ID, 0)
	assert.True(t, HasStatus(err, http.StatusForbidden))
}

func TestClient_Errors(t *testing.T) {
	base := newServer(t)
	ctx := context.Background()

	_, err := New(base, "bad", time.Second).ListConversations(ctx)
	assert.True(t, HasStatus(err, http.StatusUnauthorized))

	_, err = New(base, "tok-alice", time.Second).ListMessages(ctx, "missing", 0)
	assert.ErrorIs(t, err, chat.ErrNotFound)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, chat.ErrNotFound.Error(), se.Msg)
}
