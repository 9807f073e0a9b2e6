package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chatsync/internal/chat"
)

func seeded(t *testing.T, ids ...string) *Store {
	t.Helper()
	s := New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	for _, id := range ids {
		require.NoError(t, s.UpsertUser(context.Background(), chat.User{ID: id, DisplayName: "User " + id}))
	}
	return s
}

func TestCreateMessage_VirtualDirectConversation(t *testing.T) {
	s := seeded(t, "a", "b")
	ctx := context.Background()

	msg, conv, err := s.CreateMessage(ctx, chat.NewMessage{ReceiverID: "b", SenderID: "a", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, conv.ID, msg.ConversationID)
	assert.False(t, conv.IsGroup)
	assert.Equal(t, []string{"a", "b"}, conv.ParticipantIDs())
	assert.Equal(t, 0, conv.UnreadCount["a"])
	assert.Equal(t, 1, conv.UnreadCount["b"])
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, msg.ID, conv.LastMessage.ID)
	assert.Equal(t, "User a", msg.Sender.DisplayName)

	// The reply from b lands in the same conversation.
	_, conv2, err := s.CreateMessage(ctx, chat.NewMessage{ReceiverID: "a", SenderID: "b", Content: "yo"})
	require.NoError(t, err)
	assert.Equal(t, conv.ID, conv2.ID)
	assert.Equal(t, 1, conv2.UnreadCount["a"])
	assert.Equal(t, 1, conv2.UnreadCount["b"])
}

func TestCreateMessage_Validation(t *testing.T) {
	s := seeded(t, "a", "b", "c")
	ctx := context.Background()

	_, _, err := s.CreateMessage(ctx, chat.NewMessage{SenderID: "a", Content: "x"})
	assert.ErrorIs(t, err, chat.ErrInvalidTarget)

	_, _, err = s.CreateMessage(ctx, chat.NewMessage{ReceiverID: "a", SenderID: "a", Content: "x"})
	assert.ErrorIs(t, err, chat.ErrInvalidTarget)

	_, _, err = s.CreateMessage(ctx, chat.NewMessage{ReceiverID: "zz", SenderID: "a", Content: "x"})
	assert.ErrorIs(t, err, chat.ErrNotFound)

	_, conv, err := s.CreateMessage(ctx, chat.NewMessage{ReceiverID: "b", SenderID: "a", Content: "x"})
	require.NoError(t, err)
	_, _, err = s.CreateMessage(ctx, chat.NewMessage{ConversationID: conv.ID, SenderID: "c", Content: "x"})
	assert.ErrorIs(t, err, chat.ErrNotParticipant)
}

func TestMarkRead_ResetsUnread(t *testing.T) {
	s := seeded(t, "a", "b")
	ctx := context.Background()

	_, conv, err := s.CreateMessage(ctx, chat.NewMessage{ReceiverID: "b", SenderID: "a", Content: "1"})
	require.NoError(t, err)
	_, _, err = s.CreateMessage(ctx, chat.NewMessage{ConversationID: conv.ID, SenderID: "a", Content: "2"})
	require.NoError(t, err)

	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	read, err := s.MarkRead(ctx, conv.ID, "b", at)
	require.NoError(t, err)
	assert.Equal(t, 0, read.UnreadCount["b"])
	assert.True(t, read.ReadAt["b"].Equal(at))

	_, err = s.MarkRead(ctx, conv.ID, "stranger", at)
	assert.ErrorIs(t, err, chat.ErrNotParticipant)
}

func TestReturnedConversationsAreCopies(t *testing.T) {
	s := seeded(t, "a", "b")
	ctx := context.Background()

	_, conv, err := s.CreateMessage(ctx, chat.NewMessage{ReceiverID: "b", SenderID: "a", Content: "1"})
	require.NoError(t, err)
	conv.UnreadCount["b"] = 99
	conv.Participants[0].ID = "mutated"

	fresh, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fresh.UnreadCount["b"])
	assert.Equal(t, "a", fresh.Participants[0].ID)
}

func TestListConversations_NewestFirst(t *testing.T) {
	s := seeded(t, "a", "b", "c")
	ctx := context.Background()

	_, first, err := s.CreateMessage(ctx, chat.NewMessage{ReceiverID: "b", SenderID: "a", Content: "1"})
	require.NoError(t, err)
	_, second, err := s.CreateMessage(ctx, chat.NewMessage{ReceiverID: "c", SenderID: "a", Content: "2"})
	require.NoError(t, err)

	list, err := s.ListConversations(ctx, "a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)

	list, err = s.ListConversations(ctx, "c")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestListMessages_Limit(t *testing.T) {
	s := seeded(t, "a", "b")
	ctx := context.Background()

	_, conv, err := s.CreateMessage(ctx, chat.NewMessage{ReceiverID: "b", SenderID: "a", Content: "1"})
	require.NoError(t, err)
	for _, c := range []string{"2", "3"} {
		_, _, err := s.CreateMessage(ctx, chat.NewMessage{ConversationID: conv.ID, SenderID: "b", Content: c})
		require.NoError(t, err)
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "2", msgs[0].Content)
	assert.Equal(t, "3", msgs[1].Content)
}

func TestBlockUnblock(t *testing.T) {
	s := seeded(t, "a", "b")
	ctx := context.Background()

	require.NoError(t, s.Block(ctx, "a", "b"))
	require.NoError(t, s.Block(ctx, "a", "b"))
	blocked, err := s.BlockedUsers(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, blocked)

	status, err := chat.BlockStatusBetween(ctx, s, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, chat.BlockStatus{BlockedByMe: false, BlockedMe: true}, status)
	assert.True(t, status.Mutual())

	require.NoError(t, s.Unblock(ctx, "a", "b"))
	blocked, _ = s.BlockedUsers(ctx, "a")
	assert.Empty(t, blocked)

	assert.ErrorIs(t, s.Block(ctx, "a", "a"), chat.ErrInvalidTarget)
	assert.ErrorIs(t, s.Block(ctx, "a", "ghost"), chat.ErrNotFound)
}

func TestGroupLifecycle(t *testing.T) {
	s := seeded(t, "a", "b", "c", "d")
	ctx := context.Background()

	g, err := s.CreateGroup(ctx, "team", "a", []string{"b", "a", "c"})
	require.NoError(t, err)
	assert.True(t, g.IsGroup)
	assert.Equal(t, "a", g.GroupAdmin)
	assert.Equal(t, []string{"a", "b", "c"}, g.ParticipantIDs())

	name, photo := "renamed", "p.png"
	g, err = s.UpdateGroup(ctx, g.ID, chat.GroupPatch{Name: &name, Photo: &photo})
	require.NoError(t, err)
	assert.Equal(t, "renamed", g.GroupName)
	assert.Equal(t, "p.png", g.GroupPhoto)

	g, err = s.AddMembers(ctx, g.ID, []string{"d", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, g.ParticipantIDs())

	g, err = s.RemoveMember(ctx, g.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, "b", g.GroupAdmin)
	assert.False(t, g.IsParticipant("a"))

	g, err = s.SetAdmin(ctx, g.ID, "d")
	require.NoError(t, err)
	assert.Equal(t, "d", g.GroupAdmin)

	_, err = s.SetAdmin(ctx, g.ID, "a")
	assert.ErrorIs(t, err, chat.ErrNotParticipant)
}

func TestGroupOpsOnDirectConversation(t *testing.T) {
	s := seeded(t, "a", "b")
	ctx := context.Background()

	_, conv, err := s.CreateMessage(ctx, chat.NewMessage{ReceiverID: "b", SenderID: "a", Content: "1"})
	require.NoError(t, err)

	name := "x"
	_, err = s.UpdateGroup(ctx, conv.ID, chat.GroupPatch{Name: &name})
	assert.ErrorIs(t, err, chat.ErrNotGroup)
	_, err = s.RemoveMember(ctx, conv.ID, "b")
	assert.ErrorIs(t, err, chat.ErrNotGroup)
}
