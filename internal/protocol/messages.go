// Package protocol defines the WebSocket events exchanged between the push
// server and its clients. Every frame is a JSON object carrying a "type"
// discriminator; each type has exactly one payload struct that validates its
// own required fields at decode time.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/whisper/chatsync/internal/chat"
)

// Type is the "type" discriminator of a frame.
type Type string

// Client -> Server event types.
const (
	TypeTyping           Type = "typing"
	TypeStopTyping       Type = "stop_typing"
	TypeConversationRead Type = "conversation_read"
)

// Server -> Client event types. TypeConversationRead is also sent by the
// server as the read-receipt broadcast.
const (
	TypeConnection             Type = "connection"
	TypeOnlineUsersList        Type = "online_users_list"
	TypeUserStatus             Type = "user_status"
	TypeUserTyping             Type = "user_typing"
	TypeNewMessage             Type = "new_message"
	TypeGroupNameUpdated       Type = "group_name_updated"
	TypeGroupPhotoUpdated      Type = "group_photo_updated"
	TypeUserLeftGroup          Type = "user_left_group"
	TypeMembersAddedToGroup    Type = "members_added_to_group"
	TypeGroupAdminChanged      Type = "group_admin_changed"
	TypeMemberRemovedFromGroup Type = "member_removed_from_group"
	TypeRemovedFromGroup       Type = "removed_from_group"
	TypeBlockingUpdate         Type = "blocking_update"
	TypeBlockedByUser          Type = "blocked_by_user"
	TypeUnblockedByUser        Type = "unblocked_by_user"
	TypeAccountBlocked         Type = "account_blocked"
)

var (
	ErrUnknownType    = errors.New("protocol: unknown event type")
	ErrInvalidEvent   = errors.New("protocol: invalid event")
	ErrWrongDirection = errors.New("protocol: event not allowed in this direction")
)

// Event is implemented by every payload struct.
type Event interface {
	EventType() Type
	Validate() error
}

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type Type            `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("%w: missing or empty \"type\" field", ErrInvalidEvent)
	}
	e.Type = partial.Type
	return nil
}

func missing(t Type, field string) error {
	return fmt.Errorf("%w: %s requires %q", ErrInvalidEvent, t, field)
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// TypingTarget addresses a typing signal: a group or existing conversation
// by ConversationID, or a direct peer by ReceiverID.
type TypingTarget struct {
	ConversationID string `json:"conversationId,omitempty"`
	ReceiverID     string `json:"receiverId,omitempty"`
}

func (t TypingTarget) validate(typ Type) error {
	if t.ConversationID == "" && t.ReceiverID == "" {
		return missing(typ, "conversationId or receiverId")
	}
	return nil
}

// TypingMsg is sent on the first keystroke of a burst.
type TypingMsg struct {
	TypingTarget
}

func (*TypingMsg) EventType() Type   { return TypeTyping }
func (m *TypingMsg) Validate() error { return m.validate(TypeTyping) }

// StopTypingMsg ends a typing burst.
type StopTypingMsg struct {
	TypingTarget
}

func (*StopTypingMsg) EventType() Type   { return TypeStopTyping }
func (m *StopTypingMsg) Validate() error { return m.validate(TypeStopTyping) }

// ConversationReadMsg is both the client's read request (ConversationID only)
// and the server's read-receipt broadcast (all fields).
type ConversationReadMsg struct {
	ConversationID string     `json:"conversationId"`
	ReadBy         string     `json:"readBy,omitempty"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	IsGroup        bool       `json:"isGroup,omitempty"`
}

func (*ConversationReadMsg) EventType() Type { return TypeConversationRead }

func (m *ConversationReadMsg) Validate() error {
	if m.ConversationID == "" {
		return missing(TypeConversationRead, "conversationId")
	}
	return nil
}

// validateReceipt applies the stricter checks for the server-side broadcast.
func (m *ConversationReadMsg) validateReceipt() error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.ReadBy == "" {
		return missing(TypeConversationRead, "readBy")
	}
	if m.ReadAt == nil {
		return missing(TypeConversationRead, "readAt")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// ConnectionMsg acknowledges an authenticated upgrade.
type ConnectionMsg struct {
	UserID string `json:"userId"`
}

func (*ConnectionMsg) EventType() Type { return TypeConnection }

func (m *ConnectionMsg) Validate() error {
	if m.UserID == "" {
		return missing(TypeConnection, "userId")
	}
	return nil
}

// OnlineUsersListMsg is the one-time presence snapshot sent after register.
type OnlineUsersListMsg struct {
	Users []string `json:"users"`
}

func (*OnlineUsersListMsg) EventType() Type { return TypeOnlineUsersList }

func (m *OnlineUsersListMsg) Validate() error {
	if m.Users == nil {
		return missing(TypeOnlineUsersList, "users")
	}
	return nil
}

// UserStatusMsg announces a presence transition.
type UserStatusMsg struct {
	UserID     string `json:"userId"`
	Online     bool   `json:"online"`
	LastActive int64  `json:"lastActive,omitempty"`
}

func (*UserStatusMsg) EventType() Type { return TypeUserStatus }

func (m *UserStatusMsg) Validate() error {
	if m.UserID == "" {
		return missing(TypeUserStatus, "userId")
	}
	return nil
}

// UserTypingMsg relays a peer's typing state. ConversationID is empty for a
// direct target that has no conversation yet.
type UserTypingMsg struct {
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
	ConversationID string `json:"conversationId,omitempty"`
}

func (*UserTypingMsg) EventType() Type { return TypeUserTyping }

func (m *UserTypingMsg) Validate() error {
	if m.UserID == "" {
		return missing(TypeUserTyping, "userId")
	}
	return nil
}

// NewMessageMsg carries a freshly persisted message.
type NewMessageMsg struct {
	Message chat.Message `json:"message"`
	IsGroup bool         `json:"isGroup,omitempty"`
}

func (*NewMessageMsg) EventType() Type { return TypeNewMessage }

func (m *NewMessageMsg) Validate() error {
	if m.Message.ID == "" {
		return missing(TypeNewMessage, "message.id")
	}
	if m.Message.ConversationID == "" {
		return missing(TypeNewMessage, "message.conversationId")
	}
	if m.Message.Sender.ID == "" {
		return missing(TypeNewMessage, "message.sender.id")
	}
	return nil
}

// GroupNameUpdatedMsg announces a rename.
type GroupNameUpdatedMsg struct {
	ConversationID string `json:"conversationId"`
	GroupName      string `json:"groupName"`
}

func (*GroupNameUpdatedMsg) EventType() Type { return TypeGroupNameUpdated }

func (m *GroupNameUpdatedMsg) Validate() error {
	if m.ConversationID == "" {
		return missing(TypeGroupNameUpdated, "conversationId")
	}
	if m.GroupName == "" {
		return missing(TypeGroupNameUpdated, "groupName")
	}
	return nil
}

// GroupPhotoUpdatedMsg announces a new group photo. An empty photo clears it.
type GroupPhotoUpdatedMsg struct {
	ConversationID string `json:"conversationId"`
	GroupPhoto     string `json:"groupPhoto"`
}

func (*GroupPhotoUpdatedMsg) EventType() Type { return TypeGroupPhotoUpdated }

func (m *GroupPhotoUpdatedMsg) Validate() error {
	if m.ConversationID == "" {
		return missing(TypeGroupPhotoUpdated, "conversationId")
	}
	return nil
}

// UserLeftGroupMsg tells remaining members (and the leaver) that UserID left.
type UserLeftGroupMsg struct {
	ConversationID string             `json:"conversationId"`
	UserID         string             `json:"userId"`
	Participants   []chat.Participant `json:"participants"`
}

func (*UserLeftGroupMsg) EventType() Type { return TypeUserLeftGroup }

func (m *UserLeftGroupMsg) Validate() error {
	if m.ConversationID == "" {
		return missing(TypeUserLeftGroup, "conversationId")
	}
	if m.UserID == "" {
		return missing(TypeUserLeftGroup, "userId")
	}
	return nil
}

// MembersAddedToGroupMsg carries the updated participant list.
type MembersAddedToGroupMsg struct {
	ConversationID string             `json:"conversationId"`
	AddedUserIDs   []string           `json:"addedUserIds"`
	AddedBy        string             `json:"addedBy"`
	Participants   []chat.Participant `json:"participants"`
}

func (*MembersAddedToGroupMsg) EventType() Type { return TypeMembersAddedToGroup }

func (m *MembersAddedToGroupMsg) Validate() error {
	if m.ConversationID == "" {
		return missing(TypeMembersAddedToGroup, "conversationId")
	}
	if len(m.AddedUserIDs) == 0 {
		return missing(TypeMembersAddedToGroup, "addedUserIds")
	}
	return nil
}

// GroupAdminChangedMsg names the new admin.
type GroupAdminChangedMsg struct {
	ConversationID string `json:"conversationId"`
	GroupAdmin     string `json:"groupAdmin"`
}

func (*GroupAdminChangedMsg) EventType() Type { return TypeGroupAdminChanged }

func (m *GroupAdminChangedMsg) Validate() error {
	if m.ConversationID == "" {
		return missing(TypeGroupAdminChanged, "conversationId")
	}
	if m.GroupAdmin == "" {
		return missing(TypeGroupAdminChanged, "groupAdmin")
	}
	return nil
}

// MemberRemovedFromGroupMsg goes to the members that remain.
type MemberRemovedFromGroupMsg struct {
	ConversationID string             `json:"conversationId"`
	RemovedUserID  string             `json:"removedUserId"`
	RemovedBy      string             `json:"removedBy"`
	Participants   []chat.Participant `json:"participants"`
}

func (*MemberRemovedFromGroupMsg) EventType() Type { return TypeMemberRemovedFromGroup }

func (m *MemberRemovedFromGroupMsg) Validate() error {
	if m.ConversationID == "" {
		return missing(TypeMemberRemovedFromGroup, "conversationId")
	}
	if m.RemovedUserID == "" {
		return missing(TypeMemberRemovedFromGroup, "removedUserId")
	}
	return nil
}

// RemovedFromGroupMsg goes to the removed member only.
type RemovedFromGroupMsg struct {
	ConversationID string `json:"conversationId"`
	RemovedBy      string `json:"removedBy"`
}

func (*RemovedFromGroupMsg) EventType() Type { return TypeRemovedFromGroup }

func (m *RemovedFromGroupMsg) Validate() error {
	if m.ConversationID == "" {
		return missing(TypeRemovedFromGroup, "conversationId")
	}
	return nil
}

// BlockingUpdateMsg is sent to both parties of a block edge change.
type BlockingUpdateMsg struct {
	Action    chat.BlockAction `json:"action"`
	BlockerID string           `json:"blockerId"`
	BlockedID string           `json:"blockedId"`
}

func (*BlockingUpdateMsg) EventType() Type { return TypeBlockingUpdate }

func (m *BlockingUpdateMsg) Validate() error {
	if m.Action != chat.BlockActionBlock && m.Action != chat.BlockActionUnblock {
		return fmt.Errorf("%w: %s action %q", ErrInvalidEvent, TypeBlockingUpdate, m.Action)
	}
	if m.BlockerID == "" {
		return missing(TypeBlockingUpdate, "blockerId")
	}
	if m.BlockedID == "" {
		return missing(TypeBlockingUpdate, "blockedId")
	}
	return nil
}

// BlockedByUserMsg tells the blocked party who blocked them.
type BlockedByUserMsg struct {
	UserID string `json:"userId"`
}

func (*BlockedByUserMsg) EventType() Type { return TypeBlockedByUser }

func (m *BlockedByUserMsg) Validate() error {
	if m.UserID == "" {
		return missing(TypeBlockedByUser, "userId")
	}
	return nil
}

// UnblockedByUserMsg tells the formerly blocked party who lifted the block.
type UnblockedByUserMsg struct {
	UserID string `json:"userId"`
}

func (*UnblockedByUserMsg) EventType() Type { return TypeUnblockedByUser }

func (m *UnblockedByUserMsg) Validate() error {
	if m.UserID == "" {
		return missing(TypeUnblockedByUser, "userId")
	}
	return nil
}

// AccountBlockedMsg precedes a policy-violation close.
type AccountBlockedMsg struct {
	Reason string `json:"reason,omitempty"`
}

func (*AccountBlockedMsg) EventType() Type { return TypeAccountBlocked }
func (*AccountBlockedMsg) Validate() error { return nil }

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Direction tells which side may originate an event type.
type Direction uint8

const (
	ClientToServer Direction = 1 << iota
	ServerToClient
)

type variant struct {
	dir Direction
	new func() Event
}

var variants = map[Type]variant{
	TypeTyping:                 {ClientToServer, func() Event { return &TypingMsg{} }},
	TypeStopTyping:             {ClientToServer, func() Event { return &StopTypingMsg{} }},
	TypeConversationRead:       {ClientToServer | ServerToClient, func() Event { return &ConversationReadMsg{} }},
	TypeConnection:             {ServerToClient, func() Event { return &ConnectionMsg{} }},
	TypeOnlineUsersList:        {ServerToClient, func() Event { return &OnlineUsersListMsg{} }},
	TypeUserStatus:             {ServerToClient, func() Event { return &UserStatusMsg{} }},
	TypeUserTyping:             {ServerToClient, func() Event { return &UserTypingMsg{} }},
	TypeNewMessage:             {ServerToClient, func() Event { return &NewMessageMsg{} }},
	TypeGroupNameUpdated:       {ServerToClient, func() Event { return &GroupNameUpdatedMsg{} }},
	TypeGroupPhotoUpdated:      {ServerToClient, func() Event { return &GroupPhotoUpdatedMsg{} }},
	TypeUserLeftGroup:          {ServerToClient, func() Event { return &UserLeftGroupMsg{} }},
	TypeMembersAddedToGroup:    {ServerToClient, func() Event { return &MembersAddedToGroupMsg{} }},
	TypeGroupAdminChanged:      {ServerToClient, func() Event { return &GroupAdminChangedMsg{} }},
	TypeMemberRemovedFromGroup: {ServerToClient, func() Event { return &MemberRemovedFromGroupMsg{} }},
	TypeRemovedFromGroup:       {ServerToClient, func() Event { return &RemovedFromGroupMsg{} }},
	TypeBlockingUpdate:         {ServerToClient, func() Event { return &BlockingUpdateMsg{} }},
	TypeBlockedByUser:          {ServerToClient, func() Event { return &BlockedByUserMsg{} }},
	TypeUnblockedByUser:        {ServerToClient, func() Event { return &UnblockedByUserMsg{} }},
	TypeAccountBlocked:         {ServerToClient, func() Event { return &AccountBlockedMsg{} }},
}

// Types returns every event type that may travel in direction dir.
func Types(dir Direction) []Type {
	out := make([]Type, 0, len(variants))
	for t, v := range variants {
		if v.dir&dir != 0 {
			out = append(out, t)
		}
	}
	return out
}

// ParseClientEvent parses a frame received by the server. Only the
// client-originated types are accepted.
func ParseClientEvent(data []byte) (Event, error) {
	return decode(data, ClientToServer)
}

// ParseServerEvent parses a frame received by a client.
func ParseServerEvent(data []byte) (Event, error) {
	ev, err := decode(data, ServerToClient)
	if err != nil {
		return nil, err
	}
	if cr, ok := ev.(*ConversationReadMsg); ok {
		if err := cr.validateReceipt(); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

func decode(data []byte, dir Direction) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}

	v, ok := variants[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if v.dir&dir == 0 {
		return nil, fmt.Errorf("%w: %q", ErrWrongDirection, env.Type)
	}

	ev := v.new()
	if err := json.Unmarshal(env.Raw, ev); err != nil {
		return nil, fmt.Errorf("%w: failed to decode %q payload: %v", ErrInvalidEvent, env.Type, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Encode validates ev and returns its JSON frame with the "type" field
// injected.
func Encode(ev Event) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return NewMessage(ev.EventType(), ev)
}

// NewMessage marshals payload to JSON and injects msgType under the "type"
// key. Keys come out sorted, so equal payloads always encode identically.
func NewMessage(msgType Type, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{}, 1)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}
