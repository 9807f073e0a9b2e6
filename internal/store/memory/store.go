// Package memory implements chat.Store in process memory. It backs tests
// and single-node development runs without a database.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/chatsync/internal/chat"
)

// Store is a goroutine-safe in-memory chat.Store. Every read returns a copy.
type Store struct {
	mu       sync.RWMutex
	users    map[string]*chat.User
	convs    map[string]*chat.Conversation
	messages map[string][]chat.Message
	now      func() time.Time
}

var _ chat.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		users:    make(map[string]*chat.User),
		convs:    make(map[string]*chat.Conversation),
		messages: make(map[string][]chat.Message),
		now:      time.Now,
	}
}

// SetClock overrides the time source for message and update stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) UpsertUser(_ context.Context, u chat.User) error {
	if u.ID == "" {
		return chat.ErrInvalidTarget
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.users[u.ID]; ok {
		cur.DisplayName = u.DisplayName
		cur.Avatar = u.Avatar
		return nil
	}
	u.BlockedUsers = slices.Clone(u.BlockedUsers)
	s.users[u.ID] = &u
	return nil
}

func (s *Store) GetUser(_ context.Context, userID string) (*chat.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, chat.ErrNotFound
	}
	out := *u
	out.BlockedUsers = slices.Clone(u.BlockedUsers)
	return &out, nil
}

func (s *Store) BlockedUsers(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, chat.ErrNotFound
	}
	out := make([]string, len(u.BlockedUsers))
	copy(out, u.BlockedUsers)
	return out, nil
}

func (s *Store) Block(_ context.Context, blockerID, blockedID string) error {
	if blockerID == blockedID {
		return chat.ErrInvalidTarget
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[blockerID]
	if !ok {
		return chat.ErrNotFound
	}
	if _, ok := s.users[blockedID]; !ok {
		return chat.ErrNotFound
	}
	if !slices.Contains(u.BlockedUsers, blockedID) {
		u.BlockedUsers = append(u.BlockedUsers, blockedID)
	}
	return nil
}

func (s *Store) Unblock(_ context.Context, blockerID, blockedID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[blockerID]
	if !ok {
		return chat.ErrNotFound
	}
	u.BlockedUsers = slices.DeleteFunc(u.BlockedUsers, func(id string) bool { return id == blockedID })
	return nil
}

func (s *Store) GetConversation(_ context.Context, conversationID string) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return nil, chat.ErrNotFound
	}
	out := c.Clone()
	return &out, nil
}

func (s *Store) ListConversations(_ context.Context, userID string) ([]chat.Conversation, error) {
	s.mu.RLock()
	out := make([]chat.Conversation, 0)
	for _, c := range s.convs {
		if c.IsParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *Store) ListMessages(_ context.Context, conversationID string, limit int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.convs[conversationID]; !ok {
		return nil, chat.ErrNotFound
	}
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs), nil
}

// findDirect returns the direct conversation between a and b. Callers hold
// s.mu.
func (s *Store) findDirect(a, b string) *chat.Conversation {
	for _, c := range s.convs {
		if c.IsGroup || len(c.Participants) != 2 {
			continue
		}
		if c.IsParticipant(a) && c.IsParticipant(b) {
			return c
		}
	}
	return nil
}

func (s *Store) newConversation(participants []chat.Participant, now time.Time) *chat.Conversation {
	c := &chat.Conversation{
		ID:           uuid.NewString(),
		Participants: participants,
		ReadAt:       make(map[string]time.Time, len(participants)),
		UnreadCount:  make(map[string]int, len(participants)),
		UpdatedAt:    now,
	}
	for _, p := range participants {
		c.UnreadCount[p.ID] = 0
	}
	s.convs[c.ID] = c
	return c
}

func (s *Store) CreateMessage(_ context.Context, msg chat.NewMessage) (*chat.Message, *chat.Conversation, error) {
	if (msg.ConversationID == "") == (msg.ReceiverID == "") {
		return nil, nil, chat.ErrInvalidTarget
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sender, ok := s.users[msg.SenderID]
	if !ok {
		return nil, nil, chat.ErrNotFound
	}
	now := s.now().UTC()

	var conv *chat.Conversation
	if msg.ConversationID != "" {
		conv, ok = s.convs[msg.ConversationID]
		if !ok {
			return nil, nil, chat.ErrNotFound
		}
		if !conv.IsParticipant(msg.SenderID) {
			return nil, nil, chat.ErrNotParticipant
		}
	} else {
		if msg.ReceiverID == msg.SenderID {
			return nil, nil, chat.ErrInvalidTarget
		}
		receiver, ok := s.users[msg.ReceiverID]
		if !ok {
			return nil, nil, chat.ErrNotFound
		}
		conv = s.findDirect(msg.SenderID, msg.ReceiverID)
		if conv == nil {
			conv = s.newConversation([]chat.Participant{sender.Ref(), receiver.Ref()}, now)
		}
	}

	m := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Sender:         sender.Ref(),
		Content:        msg.Content,
		CreatedAt:      now,
	}
	s.messages[conv.ID] = append(s.messages[conv.ID], m)

	last := m
	conv.LastMessage = &last
	conv.UpdatedAt = now
	for _, p := range conv.Participants {
		if p.ID != msg.SenderID {
			conv.UnreadCount[p.ID]++
		}
	}

	out := conv.Clone()
	return &m, &out, nil
}

func (s *Store) MarkRead(_ context.Context, conversationID, userID string, at time.Time) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return nil, chat.ErrNotFound
	}
	if !conv.IsParticipant(userID) {
		return nil, chat.ErrNotParticipant
	}
	conv.ReadAt[userID] = at
	conv.UnreadCount[userID] = 0
	out := conv.Clone()
	return &out, nil
}

func (s *Store) CreateGroup(_ context.Context, name, adminID string, memberIDs []string) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	admin, ok := s.users[adminID]
	if !ok {
		return nil, chat.ErrNotFound
	}
	participants := []chat.Participant{admin.Ref()}
	seen := map[string]bool{adminID: true}
	for _, id := range memberIDs {
		if seen[id] {
			continue
		}
		u, ok := s.users[id]
		if !ok {
			return nil, chat.ErrNotFound
		}
		seen[id] = true
		participants = append(participants, u.Ref())
	}

	conv := s.newConversation(participants, s.now().UTC())
	conv.IsGroup = true
	conv.GroupName = name
	conv.GroupAdmin = adminID
	out := conv.Clone()
	return &out, nil
}

// group returns a group conversation for mutation. Callers hold s.mu.
func (s *Store) group(conversationID string) (*chat.Conversation, error) {
	conv, ok := s.convs[conversationID]
	if !ok {
		return nil, chat.ErrNotFound
	}
	if !conv.IsGroup {
		return nil, chat.ErrNotGroup
	}
	return conv, nil
}

func (s *Store) UpdateGroup(_ context.Context, conversationID string, patch chat.GroupPatch) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.group(conversationID)
	if err != nil {
		return nil, err
	}
	if patch.Name != nil {
		conv.GroupName = *patch.Name
	}
	if patch.Photo != nil {
		conv.GroupPhoto = *patch.Photo
	}
	conv.UpdatedAt = s.now().UTC()
	out := conv.Clone()
	return &out, nil
}

func (s *Store) AddMembers(_ context.Context, conversationID string, userIDs []string) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.group(conversationID)
	if err != nil {
		return nil, err
	}
	for _, id := range userIDs {
		if _, ok := s.users[id]; !ok {
			return nil, chat.ErrNotFound
		}
	}
	for _, id := range userIDs {
		if conv.IsParticipant(id) {
			continue
		}
		conv.Participants = append(conv.Participants, s.users[id].Ref())
		conv.UnreadCount[id] = 0
	}
	conv.UpdatedAt = s.now().UTC()
	out := conv.Clone()
	return &out, nil
}

func (s *Store) RemoveMember(_ context.Context, conversationID, userID string) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.group(conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsParticipant(userID) {
		return nil, chat.ErrNotParticipant
	}
	conv.Participants = slices.DeleteFunc(conv.Participants, func(p chat.Participant) bool { return p.ID == userID })
	delete(conv.UnreadCount, userID)
	delete(conv.ReadAt, userID)
	if conv.GroupAdmin == userID {
		conv.GroupAdmin = ""
		if len(conv.Participants) > 0 {
			conv.GroupAdmin = conv.Participants[0].ID
		}
	}
	conv.UpdatedAt = s.now().UTC()
	out := conv.Clone()
	return &out, nil
}

func (s *Store) SetAdmin(_ context.Context, conversationID, userID string) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.group(conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsParticipant(userID) {
		return nil, chat.ErrNotParticipant
	}
	conv.GroupAdmin = userID
	conv.UpdatedAt = s.now().UTC()
	out := conv.Clone()
	return &out, nil
}
