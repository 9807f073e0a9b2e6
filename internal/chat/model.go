// Package chat holds the conversation, message and user model shared by the
// push core and the request/response API, together with the Store contract
// implemented by the persistence layer.
package chat

import (
	"slices"
	"time"
)

// Participant is the public projection of a user embedded in conversations
// and message sender fields.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Message is a persisted chat message.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Sender         Participant `json:"sender"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Conversation is a direct or group thread.
//
// UnreadCount[u] only drops back to zero through an explicit read by u and
// grows by one per delivered message for every participant except the
// sender.
type Conversation struct {
	ID           string               `json:"id"`
	Participants []Participant        `json:"participants"`
	IsGroup      bool                 `json:"isGroup"`
	GroupName    string               `json:"groupName,omitempty"`
	GroupPhoto   string               `json:"groupPhoto,omitempty"`
	GroupAdmin   string               `json:"groupAdmin,omitempty"`
	ReadAt       map[string]time.Time `json:"readAt"`
	UnreadCount  map[string]int       `json:"unreadCount"`
	LastMessage  *Message             `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

// IsParticipant reports whether userID belongs to the conversation.
func (c *Conversation) IsParticipant(userID string) bool {
	_, ok := c.Participant(userID)
	return ok
}

// Participant returns the participant entry for userID.
func (c *Conversation) Participant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// ParticipantIDs returns participant ids in conversation order.
func (c *Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

// OtherParticipantIDs returns every participant id except userID.
func (c *Conversation) OtherParticipantIDs(userID string) []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.ID != userID {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// Clone returns a deep copy so callers can patch a conversation without
// mutating a snapshot that someone else still holds.
func (c Conversation) Clone() Conversation {
	out := c
	out.Participants = slices.Clone(c.Participants)
	out.ReadAt = make(map[string]time.Time, len(c.ReadAt))
	for k, v := range c.ReadAt {
		out.ReadAt[k] = v
	}
	out.UnreadCount = make(map[string]int, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		out.UnreadCount[k] = v
	}
	if c.LastMessage != nil {
		m := *c.LastMessage
		out.LastMessage = &m
	}
	return out
}

// User is the subset of a user record this core reads.
type User struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"displayName"`
	Avatar       string   `json:"avatar,omitempty"`
	BlockedUsers []string `json:"blockedUsers,omitempty"`
}

// Ref returns the participant projection of u.
func (u User) Ref() Participant {
	return Participant{ID: u.ID, DisplayName: u.DisplayName, Avatar: u.Avatar}
}

// BlockAction is carried by blocking_update events.
type BlockAction string

const (
	BlockActionBlock   BlockAction = "block"
	BlockActionUnblock BlockAction = "unblock"
)

// BlockStatus describes the block edges between the caller and another user.
type BlockStatus struct {
	BlockedByMe bool `json:"blockedByMe"`
	BlockedMe   bool `json:"blockedMe"`
}

// Mutual reports whether either edge exists.
func (s BlockStatus) Mutual() bool {
	return s.BlockedByMe || s.BlockedMe
}

// NewMessage is the input of Store.CreateMessage. Exactly one of
// ConversationID or ReceiverID is set; a ReceiverID addresses a direct
// conversation that may not exist yet.
type NewMessage struct {
	ConversationID string
	ReceiverID     string
	SenderID       string
	Content        string
}

// GroupPatch updates group metadata; nil fields are left untouched.
type GroupPatch struct {
	Name  *string
	Photo *string
}
