package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chatsync/internal/chat"
)

// newTestStore connects to DATABASE_URL and migrates it. Every test uses
// fresh user ids so runs against a shared database do not collide.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	require.NoError(t, Migrate(url))
	db, err := Open(url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func users(t *testing.T, s *Store, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = "u-" + uuid.NewString()
		require.NoError(t, s.UpsertUser(context.Background(), chat.User{ID: ids[i], DisplayName: ids[i][:6]}))
	}
	return ids
}

func TestCreateMessage_DirectConversationReused(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := users(t, s, 2)

	msg, conv, err := s.CreateMessage(ctx, chat.NewMessage{ReceiverID: u[1], SenderID: u[0], Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, conv.ID, msg.ConversationID)
	assert.False(t, conv.IsGroup)
	assert.Equal(t, []string{u[0], u[1]}, conv.ParticipantIDs())
	assert.Equal(t, 1, conv.UnreadCount[u[1]])
	assert.Equal(t, 0, conv.UnreadCount[u[0]])
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, msg.ID, conv.LastMessage.ID)

	_, again, err := s.CreateMessage(ctx, chat.NewMessage{ReceiverID: u[0], SenderID: u[1], Content: "yo"})
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)
}

func TestCreateMessage_Errors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := users(t, s, 3)

	_, _, err := s.CreateMessage(ctx, chat.NewMessage{ReceiverID: "ghost-" + uuid.NewString(), SenderID: u[0], Content: "x"})
	assert.ErrorIs(t, err, chat.ErrNotFound)

	_, conv, err := s.CreateMessage(ctx, chat.NewMessage{ReceiverID: u[1], SenderID: u[0], Content: "x"})
	require.NoError(t, err)
	_, _, err = s.CreateMessage(ctx, chat.NewMessage{ConversationID: conv.ID, SenderID: u[2], Content: "x"})
	assert.ErrorIs(t, err, chat.ErrNotParticipant)
}

func TestListMessages_NewestWindowInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := users(t, s, 2)

	_, conv, err := s.CreateMessage(ctx, chat.NewMessage{ReceiverID: u[1], SenderID: u[0], Content: "1"})
	require.NoError(t, err)
	for _, c := range []string{"2", "3"} {
		_, _, err := s.CreateMessage(ctx, chat.NewMessage{ConversationID: conv.ID, SenderID: u[1], Content: c})
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "2", msgs[0].Content)
	assert.Equal(t, "3", msgs[1].Content)

	all, err := s.ListMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMarkRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := users(t, s, 3)

	_, conv, err := s.CreateMessage(ctx, chat.NewMessage{ReceiverID: u[1], SenderID: u[0], Content: "1"})
	require.NoError(t, err)

	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	read, err := s.MarkRead(ctx, conv.ID, u[1], at)
	require.NoError(t, err)
	assert.Equal(t, 0, read.UnreadCount[u[1]])
	assert.True(t, read.ReadAt[u[1]].Equal(at))

	_, err = s.MarkRead(ctx, conv.ID, u[2], at)
	assert.ErrorIs(t, err, chat.ErrNotParticipant)
	_, err = s.MarkRead(ctx, "missing-"+uuid.NewString(), u[1], at)
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestBlocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := users(t, s, 2)

	require.NoError(t, s.Block(ctx, u[0], u[1]))
	require.NoError(t, s.Block(ctx, u[0], u[1]))
	blocked, err := s.BlockedUsers(ctx, u[0])
	require.NoError(t, err)
	assert.Equal(t, []string{u[1]}, blocked)

	user, err := s.GetUser(ctx, u[0])
	require.NoError(t, err)
	assert.Equal(t, []string{u[1]}, user.BlockedUsers)

	require.NoError(t, s.Unblock(ctx, u[0], u[1]))
	blocked, err = s.BlockedUsers(ctx, u[0])
	require.NoError(t, err)
	assert.Empty(t, blocked)

	assert.ErrorIs(t, s.Block(ctx, u[0], u[0]), chat.ErrInvalidTarget)
	assert.ErrorIs(t, s.Block(ctx, u[0], "ghost-"+uuid.NewString()), chat.ErrNotFound)
	_, err = s.BlockedUsers(ctx, "ghost-"+uuid.NewString())
	assert.ErrorIs(t, err, chat.ErrNotFound)
}

func TestGroupLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := users(t, s, 4)

	g, err := s.CreateGroup(ctx, "team", u[0], []string{u[1], u[0], u[2]})
	require.NoError(t, err)
	assert.True(t, g.IsGroup)
	assert.Equal(t, u[0], g.GroupAdmin)
	assert.Equal(t, []string{u[0], u[1], u[2]}, g.ParticipantIDs())

	name := "renamed"
	g, err = s.UpdateGroup(ctx, g.ID, chat.GroupPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", g.GroupName)
	assert.Equal(t, "", g.GroupPhoto)

	g, err = s.AddMembers(ctx, g.ID, []string{u[3], u[1]})
	require.NoError(t, err)
	assert.Equal(t, []string{u[0], u[1], u[2], u[3]}, g.ParticipantIDs())

	g, err = s.RemoveMember(ctx, g.ID, u[0])
	require.NoError(t, err)
	assert.Equal(t, u[1], g.GroupAdmin)
	assert.False(t, g.IsParticipant(u[0]))

	g, err = s.SetAdmin(ctx, g.ID, u[3])
	require.NoError(t, err)
	assert.Equal(t, u[3], g.GroupAdmin)

	_, err = s.SetAdmin(ctx, g.ID, u[0])
	assert.ErrorIs(t, err, chat.ErrNotParticipant)

	_, conv, err := s.CreateMessage(ctx, chat.NewMessage{ReceiverID: u[1], SenderID: u[0], Content: "1"})
	require.NoError(t, err)
	_, err = s.RemoveMember(ctx, conv.ID, u[1])
	assert.ErrorIs(t, err, chat.ErrNotGroup)
}

func TestListConversations_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := users(t, s, 3)

	_, first, err := s.CreateMessage(ctx, chat.NewMessage{ReceiverID: u[1], SenderID: u[0], Content: "1"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, second, err := s.CreateMessage(ctx, chat.NewMessage{ReceiverID: u[2], SenderID: u[0], Content: "2"})
	require.NoError(t, err)

	list, err := s.ListConversations(ctx, u[0])
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "2", list[0].LastMessage.Content)
}
