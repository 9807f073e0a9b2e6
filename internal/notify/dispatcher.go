// Package notify turns persisted changes (new messages, block edges, group
// membership, account blocks) into push events, falling back to the offline
// notifier for recipients without a live connection.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/chatsync/internal/blocking"
	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/sched"
)

// OfflineNotifier is the offline-notification collaborator. Its timing and
// batching are its own business.
type OfflineNotifier interface {
	OnUserOnline(ctx context.Context, userID string) error
	HandleNewMessage(ctx context.Context, recipientID, senderID, senderName string, isGroup bool) error
}

// Pusher is the registry subset the dispatcher needs.
type Pusher interface {
	SendEvent(ctx context.Context, userID string, ev protocol.Event) bool
	SendEventToMany(ctx context.Context, userIDs []string, ev protocol.Event) []string
	CloseUser(ctx context.Context, userID string, code protocol.CloseCode, reason string) bool
}

// Options tunes the dispatcher.
type Options struct {
	// AccountBlockedGrace is the delay between the account_blocked push and
	// the policy-violation close, so the client can render the notice.
	AccountBlockedGrace time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{AccountBlockedGrace: time.Second}
}

// Dispatcher fans persisted changes out to connected users.
type Dispatcher struct {
	push    Pusher
	blocks  *blocking.Checker
	offline OfflineNotifier
	sched   sched.Scheduler
	opts    Options
	log     zerolog.Logger

	mu      sync.Mutex
	closing map[string]sched.Task
}

// New creates a Dispatcher. offline may be nil, in which case offline
// recipients are skipped.
func New(push Pusher, blocks *blocking.Checker, offline OfflineNotifier, s sched.Scheduler, opts Options, log zerolog.Logger) *Dispatcher {
	if s == nil {
		s = sched.Real{}
	}
	return &Dispatcher{
		push:    push,
		blocks:  blocks,
		offline: offline,
		sched:   s,
		opts:    opts,
		log:     log,
		closing: make(map[string]sched.Task),
	}
}

// OnUserOnline forwards a registration to the offline notifier so it can
// cancel pending notices. It matches presence.OnlineHook.
func (d *Dispatcher) OnUserOnline(ctx context.Context, userID string) {
	if d.offline == nil {
		return
	}
	if err := d.offline.OnUserOnline(ctx, userID); err != nil {
		d.log.Warn().Err(err).Str("user_id", userID).Msg("offline notifier online signal failed")
	}
}

func (d *Dispatcher) signalOffline(ctx context.Context, recipientID string, msg chat.Message, isGroup bool) {
	if d.offline == nil {
		return
	}
	if err := d.offline.HandleNewMessage(ctx, recipientID, msg.Sender.ID, msg.Sender.DisplayName, isGroup); err != nil {
		d.log.Warn().Err(err).
			Str("recipient_id", recipientID).
			Str("message_id", msg.ID).
			Msg("offline notification failed")
		return
	}
	metrics.OfflineNotifications.Inc()
}

// NotifyNewMessage delivers msg to every participant of conv except the
// sender.
func (d *Dispatcher) NotifyNewMessage(ctx context.Context, conv *chat.Conversation, msg chat.Message) error {
	if conv.IsGroup {
		return d.NotifyGroup(ctx, conv.ParticipantIDs(), msg)
	}
	for _, id := range conv.OtherParticipantIDs(msg.Sender.ID) {
		d.NotifyDirect(ctx, id, msg)
	}
	return nil
}

// NotifyDirect pushes new_message to recipientID, or signals the offline
// notifier when the recipient has no live connection.
func (d *Dispatcher) NotifyDirect(ctx context.Context, recipientID string, msg chat.Message) {
	if recipientID == msg.Sender.ID {
		return
	}
	if d.push.SendEvent(ctx, recipientID, &protocol.NewMessageMsg{Message: msg}) {
		return
	}
	d.signalOffline(ctx, recipientID, msg, false)
}

// NotifyGroup delivers msg to the participants with no block edge against
// the sender. If the sender's block list cannot be read nobody is
// notified.
func (d *Dispatcher) NotifyGroup(ctx context.Context, participantIDs []string, msg chat.Message) error {
	recipients, err := d.blocks.Filter(ctx, msg.Sender.ID, participantIDs)
	if err != nil {
		d.log.Warn().Err(err).
			Str("conversation_id", msg.ConversationID).
			Str("message_id", msg.ID).
			Msg("group fan-out skipped")
		return fmt.Errorf("notify: group fan-out: %w", err)
	}
	if blocked := len(participantIDs) - 1 - len(recipients); blocked > 0 {
		metrics.EventsTotal.WithLabelValues(string(protocol.TypeNewMessage), "blocked").Add(float64(blocked))
	}

	ev := &protocol.NewMessageMsg{Message: msg, IsGroup: true}
	for _, id := range recipients {
		if !d.push.SendEvent(ctx, id, ev) {
			d.signalOffline(ctx, id, msg, true)
		}
	}
	return nil
}

// NotifyAccountBlocked pushes account_blocked to userID and, after the
// grace delay, closes the connection with a policy-violation code.
func (d *Dispatcher) NotifyAccountBlocked(ctx context.Context, userID, reason string) {
	d.push.SendEvent(ctx, userID, &protocol.AccountBlockedMsg{Reason: reason})

	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.closing[userID]; ok {
		prev.Stop()
	}
	var task sched.Task
	task = d.sched.AfterFunc(d.opts.AccountBlockedGrace, func() {
		d.mu.Lock()
		if d.closing[userID] == task {
			delete(d.closing, userID)
		}
		d.mu.Unlock()

		if d.push.CloseUser(context.Background(), userID, protocol.ClosePolicyViolation, "account blocked") {
			metrics.Evictions.WithLabelValues("account_blocked").Inc()
			d.log.Info().Str("user_id", userID).Msg("blocked account disconnected")
		}
	})
	d.closing[userID] = task
}

// NotifyBlockingUpdate tells both parties about a block edge change. The
// blocked party also receives blocked_by_user or unblocked_by_user.
func (d *Dispatcher) NotifyBlockingUpdate(ctx context.Context, blockerID, blockedID string, action chat.BlockAction) {
	d.push.SendEventToMany(ctx, []string{blockerID, blockedID}, &protocol.BlockingUpdateMsg{
		Action:    action,
		BlockerID: blockerID,
		BlockedID: blockedID,
	})

	var ev protocol.Event
	switch action {
	case chat.BlockActionBlock:
		ev = &protocol.BlockedByUserMsg{UserID: blockerID}
	case chat.BlockActionUnblock:
		ev = &protocol.UnblockedByUserMsg{UserID: blockerID}
	default:
		return
	}
	d.push.SendEvent(ctx, blockedID, ev)
}

// ---------------------------------------------------------------------------
// Group events. These go to every participant; blocking does not hide group
// structure.
// ---------------------------------------------------------------------------

// NotifyGroupNameUpdated announces conv's current name.
func (d *Dispatcher) NotifyGroupNameUpdated(ctx context.Context, conv *chat.Conversation) {
	d.push.SendEventToMany(ctx, conv.ParticipantIDs(), &protocol.GroupNameUpdatedMsg{
		ConversationID: conv.ID,
		GroupName:      conv.GroupName,
	})
}

// NotifyGroupPhotoUpdated announces conv's current photo.
func (d *Dispatcher) NotifyGroupPhotoUpdated(ctx context.Context, conv *chat.Conversation) {
	d.push.SendEventToMany(ctx, conv.ParticipantIDs(), &protocol.GroupPhotoUpdatedMsg{
		ConversationID: conv.ID,
		GroupPhoto:     conv.GroupPhoto,
	})
}

// NotifyUserLeftGroup tells the remaining participants of conv, and the
// leaver, that leaverID left.
func (d *Dispatcher) NotifyUserLeftGroup(ctx context.Context, conv *chat.Conversation, leaverID string) {
	recipients := append(conv.ParticipantIDs(), leaverID)
	d.push.SendEventToMany(ctx, recipients, &protocol.UserLeftGroupMsg{
		ConversationID: conv.ID,
		UserID:         leaverID,
		Participants:   conv.Participants,
	})
}

// NotifyMembersAdded tells every participant of conv, new members
// included, that addedIDs joined.
func (d *Dispatcher) NotifyMembersAdded(ctx context.Context, conv *chat.Conversation, addedIDs []string, addedBy string) {
	d.push.SendEventToMany(ctx, conv.ParticipantIDs(), &protocol.MembersAddedToGroupMsg{
		ConversationID: conv.ID,
		AddedUserIDs:   addedIDs,
		AddedBy:        addedBy,
		Participants:   conv.Participants,
	})
}

// NotifyGroupAdminChanged announces conv's current admin.
func (d *Dispatcher) NotifyGroupAdminChanged(ctx context.Context, conv *chat.Conversation) {
	d.push.SendEventToMany(ctx, conv.ParticipantIDs(), &protocol.GroupAdminChangedMsg{
		ConversationID: conv.ID,
		GroupAdmin:     conv.GroupAdmin,
	})
}

// NotifyMemberRemoved sends removed_from_group to removedID and
// member_removed_from_group, with the updated participant list, to the
// remaining participants.
func (d *Dispatcher) NotifyMemberRemoved(ctx context.Context, conv *chat.Conversation, removedID, removedBy string) {
	d.push.SendEvent(ctx, removedID, &protocol.RemovedFromGroupMsg{
		ConversationID: conv.ID,
		RemovedBy:      removedBy,
	})
	d.push.SendEventToMany(ctx, conv.ParticipantIDs(), &protocol.MemberRemovedFromGroupMsg{
		ConversationID: conv.ID,
		RemovedUserID:  removedID,
		RemovedBy:      removedBy,
		Participants:   conv.Participants,
	})
}
