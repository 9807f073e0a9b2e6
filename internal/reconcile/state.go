// Package reconcile merges the server push stream into the client's local
// view of conversations, messages, typing and presence.
//
// State is the only writer of that view. Apply calls are serialized; readers
// get copies and never observe a half-applied event.
package reconcile

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/sched"
)

// DefaultTypingTTL bounds how long a typing entry survives without a
// refresh. It is longer than the sender's silence window so a lost
// stop_typing still clears the entry.
const DefaultTypingTTL = 5 * time.Second

// DefaultMessageLimit is the page size loaded on Select.
const DefaultMessageLimit = 50

// LoginRoute is where an account_blocked event sends the user.
const LoginRoute = "/login"

// Backend is the request/response collaborator, acting as the signed-in
// user.
type Backend interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]chat.Message, error)
	BlockStatus(ctx context.Context, userID string) (chat.BlockStatus, error)
}

// Effects are side effects State triggers outside the chat view. Nil
// fields are skipped.
type Effects struct {
	Logout   func()
	Navigate func(route string)
}

// Target is the active conversation. A direct chat with no persisted
// conversation yet has only PeerID set.
type Target struct {
	ConversationID string
	PeerID         string
}

func (t Target) empty() bool { return t.ConversationID == "" && t.PeerID == "" }

// TypingEntry is one peer currently typing in the active conversation.
type TypingEntry struct {
	UserID         string
	DisplayName    string
	ConversationID string
}

type typingSlot struct {
	entry TypingEntry
	seq   uint64
	timer sched.Task
}

// Options tunes State.
type Options struct {
	TypingTTL    time.Duration
	MessageLimit int
}

// State is the client-side chat view.
type State struct {
	backend Backend
	effects Effects
	sched   sched.Scheduler
	opts    Options
	log     zerolog.Logger

	// applyMu serializes Apply and Select, including their backend calls;
	// mu guards the fields below for readers.
	applyMu sync.Mutex
	mu      sync.Mutex

	self          string
	conversations []chat.Conversation
	active        Target
	messages      []chat.Message
	detailsOpen   bool
	typing        map[string]*typingSlot
	typingSeq     uint64
	online        map[string]struct{}
	blockTrigger  uint64
	terminated    bool

	blockWatchers  []func(uint64)
	changeWatchers []func()
}

// New creates an empty State.
func New(backend Backend, effects Effects, s sched.Scheduler, opts Options, log zerolog.Logger) *State {
	if s == nil {
		s = sched.Real{}
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = DefaultTypingTTL
	}
	if opts.MessageLimit <= 0 {
		opts.MessageLimit = DefaultMessageLimit
	}
	return &State{
		backend: backend,
		effects: effects,
		sched:   s,
		opts:    opts,
		log:     log,
		typing:  make(map[string]*typingSlot),
		online:  make(map[string]struct{}),
	}
}

// OnBlockTrigger registers fn to run whenever block state may have changed.
// fn receives the new trigger value and is expected to re-fetch block status
// through BlockStatus rather than trust the push payload.
func (s *State) OnBlockTrigger(fn func(n uint64)) {
	s.mu.Lock()
	s.blockWatchers = append(s.blockWatchers, fn)
	s.mu.Unlock()
}

// OnChange registers fn to run after every applied mutation.
func (s *State) OnChange(fn func()) {
	s.mu.Lock()
	s.changeWatchers = append(s.changeWatchers, fn)
	s.mu.Unlock()
}

func (s *State) changed() {
	s.mu.Lock()
	ws := slices.Clone(s.changeWatchers)
	s.mu.Unlock()
	for _, w := range ws {
		w()
	}
}

// Handle applies ev with a background context. It matches client.Handler.
func (s *State) Handle(ev protocol.Event) {
	if err := s.Apply(context.Background(), ev); err != nil {
		s.log.Warn().Err(err).Str("type", string(ev.EventType())).Msg("apply event")
	}
}

// Apply merges one server event into the view.
func (s *State) Apply(ctx context.Context, ev protocol.Event) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if s.Terminated() {
		return nil
	}

	var err error
	switch e := ev.(type) {
	case *protocol.ConnectionMsg:
		s.mu.Lock()
		s.self = e.UserID
		s.mu.Unlock()
	case *protocol.OnlineUsersListMsg:
		s.setOnline(e.Users)
	case *protocol.UserStatusMsg:
		s.setStatus(e.UserID, e.Online)
	case *protocol.NewMessageMsg:
		err = s.applyNewMessage(ctx, e.Message, e.IsGroup)
	case *protocol.UserTypingMsg:
		s.applyTyping(e)
	case *protocol.ConversationReadMsg:
		if e.ReadAt != nil {
			at := *e.ReadAt
			s.patch(e.ConversationID, func(c *chat.Conversation) {
				c.ReadAt[e.ReadBy] = at
			})
		}
	case *protocol.GroupNameUpdatedMsg:
		s.patch(e.ConversationID, func(c *chat.Conversation) { c.GroupName = e.GroupName })
	case *protocol.GroupPhotoUpdatedMsg:
		s.patch(e.ConversationID, func(c *chat.Conversation) { c.GroupPhoto = e.GroupPhoto })
	case *protocol.GroupAdminChangedMsg:
		s.patch(e.ConversationID, func(c *chat.Conversation) { c.GroupAdmin = e.GroupAdmin })
	case *protocol.MembersAddedToGroupMsg:
		err = s.applyMembersAdded(ctx, e)
	case *protocol.MemberRemovedFromGroupMsg:
		if e.RemovedUserID == s.Self() {
			s.drop(e.ConversationID)
			break
		}
		s.patch(e.ConversationID, func(c *chat.Conversation) {
			setParticipants(c, e.Participants, e.RemovedUserID)
		})
	case *protocol.UserLeftGroupMsg:
		if e.UserID == s.Self() {
			s.drop(e.ConversationID)
			break
		}
		s.patch(e.ConversationID, func(c *chat.Conversation) {
			setParticipants(c, e.Participants, e.UserID)
		})
	case *protocol.RemovedFromGroupMsg:
		s.drop(e.ConversationID)
	case *protocol.BlockingUpdateMsg, *protocol.BlockedByUserMsg, *protocol.UnblockedByUserMsg:
		s.bumpBlockTrigger()
	case *protocol.AccountBlockedMsg:
		s.terminate()
	default:
		s.log.Debug().Str("type", string(ev.EventType())).Msg("ignoring event")
		return nil
	}

	s.changed()
	return err
}

// Resync reloads the conversation list and asks block watchers to refresh.
// It runs after every (re)connect since events may have been missed.
func (s *State) Resync(ctx context.Context) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if s.Terminated() {
		return nil
	}
	err := s.reload(ctx)
	s.bumpBlockTrigger()
	s.changed()
	return err
}

// Select makes target the active conversation and loads its recent
// messages. A virtual direct target starts with no messages.
func (s *State) Select(ctx context.Context, target Target) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if s.Terminated() {
		return nil
	}

	var msgs []chat.Message
	if target.ConversationID != "" {
		var err error
		msgs, err = s.backend.ListMessages(ctx, target.ConversationID, s.opts.MessageLimit)
		if err != nil {
			return fmt.Errorf("reconcile: load messages %s: %w", target.ConversationID, err)
		}
	}

	s.mu.Lock()
	s.active = target
	s.messages = msgs
	s.clearTypingLocked()
	s.mu.Unlock()
	s.changed()
	return nil
}

// ShowDetails toggles the group/contact detail pane.
func (s *State) ShowDetails(open bool) {
	s.mu.Lock()
	s.detailsOpen = open && !s.active.empty()
	s.mu.Unlock()
	s.changed()
}

// BlockStatus fetches the authoritative block status with userID.
func (s *State) BlockStatus(ctx context.Context, userID string) (chat.BlockStatus, error) {
	return s.backend.BlockStatus(ctx, userID)
}

func (s *State) applyNewMessage(ctx context.Context, msg chat.Message, isGroup bool) error {
	s.mu.Lock()
	peer := msg.Sender.ID
	if isGroup || s.isKnownGroupLocked(msg.ConversationID) {
		// A peer's group message never lands in the direct chat with them.
		peer = ""
	}
	if s.belongsToActiveLocked(msg.ConversationID, peer) {
		if s.active.ConversationID == "" {
			s.active.ConversationID = msg.ConversationID
		}
		if !slices.ContainsFunc(s.messages, func(m chat.Message) bool { return m.ID == msg.ID }) {
			s.messages = append(slices.Clone(s.messages), msg)
		}
	}
	s.removeTypingLocked(msg.Sender.ID)
	s.mu.Unlock()

	// Ordering and unread counts come from the backend, never from local
	// arithmetic.
	return s.reload(ctx)
}

// belongsToActiveLocked matches by conversation id, or by peer id while the
// active direct chat has no conversation yet.
func (s *State) belongsToActiveLocked(conversationID, peerID string) bool {
	if s.active.ConversationID != "" {
		return s.active.ConversationID == conversationID
	}
	return s.active.PeerID != "" && s.active.PeerID == peerID
}

func (s *State) applyTyping(e *protocol.UserTypingMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.UserID == s.self {
		return
	}
	if e.ConversationID == "" {
		if s.active.PeerID == "" || s.active.PeerID != e.UserID {
			return
		}
	} else if !s.belongsToActiveLocked(e.ConversationID, "") {
		return
	}

	if !e.IsTyping {
		s.removeTypingLocked(e.UserID)
		return
	}

	slot, ok := s.typing[e.UserID]
	if !ok {
		slot = &typingSlot{}
		s.typing[e.UserID] = slot
	} else if slot.timer != nil {
		slot.timer.Stop()
	}
	s.typingSeq++
	seq := s.typingSeq
	slot.seq = seq
	slot.entry = TypingEntry{
		UserID:         e.UserID,
		DisplayName:    s.displayNameLocked(e.UserID),
		ConversationID: e.ConversationID,
	}
	userID := e.UserID
	slot.timer = s.sched.AfterFunc(s.opts.TypingTTL, func() { s.expireTyping(userID, seq) })
}

func (s *State) expireTyping(userID string, seq uint64) {
	s.mu.Lock()
	slot, ok := s.typing[userID]
	if !ok || slot.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.typing, userID)
	s.mu.Unlock()
	s.changed()
}

func (s *State) removeTypingLocked(userID string) {
	if slot, ok := s.typing[userID]; ok {
		if slot.timer != nil {
			slot.timer.Stop()
		}
		delete(s.typing, userID)
	}
}

func (s *State) clearTypingLocked() {
	for id := range s.typing {
		s.removeTypingLocked(id)
	}
}

// displayNameLocked prefers the active conversation's participant entry,
// then any cached conversation, then the raw id.
func (s *State) displayNameLocked(userID string) string {
	var fallback string
	for i := range s.conversations {
		p, ok := s.conversations[i].Participant(userID)
		if !ok || p.DisplayName == "" {
			continue
		}
		if s.conversations[i].ID == s.active.ConversationID {
			return p.DisplayName
		}
		if fallback == "" {
			fallback = p.DisplayName
		}
	}
	if fallback != "" {
		return fallback
	}
	return userID
}

func (s *State) applyMembersAdded(ctx context.Context, e *protocol.MembersAddedToGroupMsg) error {
	if !s.has(e.ConversationID) {
		// We are one of the new members.
		return s.reload(ctx)
	}
	s.patch(e.ConversationID, func(c *chat.Conversation) {
		if e.Participants != nil {
			c.Participants = slices.Clone(e.Participants)
			return
		}
		for _, id := range e.AddedUserIDs {
			if !c.IsParticipant(id) {
				c.Participants = append(c.Participants, chat.Participant{ID: id})
			}
		}
	})
	return nil
}

func setParticipants(c *chat.Conversation, updated []chat.Participant, gone string) {
	if updated != nil {
		c.Participants = slices.Clone(updated)
	} else {
		c.Participants = slices.DeleteFunc(c.Participants, func(p chat.Participant) bool { return p.ID == gone })
	}
	delete(c.UnreadCount, gone)
	delete(c.ReadAt, gone)
}

func (s *State) reload(ctx context.Context) error {
	convs, err := s.backend.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: reload conversations: %w", err)
	}
	s.mu.Lock()
	s.conversations = convs
	s.mu.Unlock()
	return nil
}

func (s *State) has(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexLocked(conversationID) >= 0
}

func (s *State) isKnownGroupLocked(conversationID string) bool {
	i := s.indexLocked(conversationID)
	return i >= 0 && s.conversations[i].IsGroup
}

func (s *State) indexLocked(conversationID string) int {
	return slices.IndexFunc(s.conversations, func(c chat.Conversation) bool { return c.ID == conversationID })
}

// patch replaces one conversation with a modified copy. The list itself is
// rebuilt so earlier snapshots stay untouched.
func (s *State) patch(conversationID string, fn func(c *chat.Conversation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(conversationID)
	if i < 0 {
		return
	}
	c := s.conversations[i].Clone()
	if c.ReadAt == nil {
		c.ReadAt = make(map[string]time.Time)
	}
	fn(&c)
	next := slices.Clone(s.conversations)
	next[i] = c
	s.conversations = next
}

// drop removes a conversation we no longer belong to.
func (s *State) drop(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(conversationID); i >= 0 {
		s.conversations = slices.Delete(slices.Clone(s.conversations), i, i+1)
	}
	if s.active.ConversationID == conversationID {
		s.active = Target{}
		s.messages = nil
		s.detailsOpen = false
		s.clearTypingLocked()
	}
}

func (s *State) setOnline(users []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = make(map[string]struct{}, len(users))
	for _, id := range users {
		s.online[id] = struct{}{}
	}
}

func (s *State) setStatus(userID string, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if online {
		s.online[userID] = struct{}{}
	} else {
		delete(s.online, userID)
		s.removeTypingLocked(userID)
	}
}

func (s *State) bumpBlockTrigger() {
	s.mu.Lock()
	s.blockTrigger++
	n := s.blockTrigger
	ws := slices.Clone(s.blockWatchers)
	s.mu.Unlock()
	for _, w := range ws {
		w(n)
	}
}

func (s *State) terminate() {
	s.mu.Lock()
	s.terminated = true
	s.self = ""
	s.conversations = nil
	s.active = Target{}
	s.messages = nil
	s.detailsOpen = false
	s.clearTypingLocked()
	s.online = make(map[string]struct{})
	s.mu.Unlock()

	s.log.Warn().Msg("account blocked, signing out")
	if s.effects.Logout != nil {
		s.effects.Logout()
	}
	if s.effects.Navigate != nil {
		s.effects.Navigate(LoginRoute)
	}
}

// Self returns the user id acknowledged by the server.
func (s *State) Self() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Conversations returns the cached conversation list, newest first as
// served by the backend.
func (s *State) Conversations() []chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.conversations)
}

// Conversation returns one cached conversation.
func (s *State) Conversation(id string) (chat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.conversations[i].Clone(), true
	}
	return chat.Conversation{}, false
}

// Active returns the selected conversation.
func (s *State) Active() Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Messages returns the active conversation's messages.
func (s *State) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// DetailsOpen reports whether the detail pane is shown.
func (s *State) DetailsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detailsOpen
}

// Typing returns the peers typing in the active conversation, by user id.
func (s *State) Typing() []TypingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TypingEntry, 0, len(s.typing))
	for _, slot := range s.typing {
		out = append(out, slot.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// IsOnline reports whether userID has a live connection as last reported.
func (s *State) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.online[userID]
	return ok
}

// OnlineUsers returns the presence set, sorted.
func (s *State) OnlineUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.online))
	for id := range s.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// BlockTrigger returns the block-change counter.
func (s *State) BlockTrigger() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockTrigger
}

// Terminated reports whether account_blocked was received.
func (s *State) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}
