package chat

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("chat: not found")
	ErrNotParticipant = errors.New("chat: not a participant")
	ErrBlocked        = errors.New("chat: users are blocked")
	ErrNotGroup       = errors.New("chat: not a group conversation")
	ErrNotAdmin       = errors.New("chat: not the group admin")
	ErrInvalidTarget  = errors.New("chat: invalid message target")
)

// Store is the persistence collaborator. Implementations only patch the
// fields listed on each method; nothing here is transactional across
// documents.
type Store interface {
	// UpsertUser creates or updates a user's profile. Block lists are left
	// untouched.
	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, userID string) (*User, error)
	BlockedUsers(ctx context.Context, userID string) ([]string, error)
	Block(ctx context.Context, blockerID, blockedID string) error
	Unblock(ctx context.Context, blockerID, blockedID string) error

	GetConversation(ctx context.Context, conversationID string) (*Conversation, error)
	// ListConversations returns userID's conversations, most recently
	// updated first.
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	// ListMessages returns up to limit of the newest messages, oldest first.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)

	// CreateMessage persists msg, creating the direct conversation for a
	// ReceiverID target on first use, sets lastMessage and increments
	// unreadCount for every participant except the sender.
	CreateMessage(ctx context.Context, msg NewMessage) (*Message, *Conversation, error)

	// MarkRead sets readAt[userID]=at and unreadCount[userID]=0.
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) (*Conversation, error)

	CreateGroup(ctx context.Context, name, adminID string, memberIDs []string) (*Conversation, error)
	UpdateGroup(ctx context.Context, conversationID string, patch GroupPatch) (*Conversation, error)
	AddMembers(ctx context.Context, conversationID string, userIDs []string) (*Conversation, error)
	// RemoveMember drops userID from a group. If userID was the admin the
	// first remaining participant becomes admin.
	RemoveMember(ctx context.Context, conversationID, userID string) (*Conversation, error)
	SetAdmin(ctx context.Context, conversationID, userID string) (*Conversation, error)
}

// BlockStatusBetween loads both block lists and reports the edges between
// self and other.
func BlockStatusBetween(ctx context.Context, s Store, self, other string) (BlockStatus, error) {
	mine, err := s.BlockedUsers(ctx, self)
	if err != nil {
		return BlockStatus{}, err
	}
	theirs, err := s.BlockedUsers(ctx, other)
	if err != nil {
		return BlockStatus{}, err
	}
	return BlockStatus{
		BlockedByMe: contains(mine, other),
		BlockedMe:   contains(theirs, self),
	}, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
