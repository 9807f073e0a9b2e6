// Package router handles the events clients push over their connection:
// typing signals and read receipts. Typing is relayed only between users
// with no block edge; read receipts are persisted and then broadcast.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/chatsync/internal/blocking"
	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/ratelimit"
)

// ConversationStore is the persistence subset the router needs.
type ConversationStore interface {
	GetConversation(ctx context.Context, conversationID string) (*chat.Conversation, error)
	MarkRead(ctx context.Context, conversationID, userID string, at time.Time) (*chat.Conversation, error)
}

// Pusher delivers events to online users.
type Pusher interface {
	SendEvent(ctx context.Context, userID string, ev protocol.Event) bool
	SendEventToMany(ctx context.Context, userIDs []string, ev protocol.Event) []string
}

// Limiter throttles typing relays per sender.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Options tunes router behavior.
type Options struct {
	// FilterReadReceipts applies the block filter to read-receipt
	// broadcasts. Off by default: read state is visible to every other
	// participant.
	FilterReadReceipts bool
}

// Router relays typing signals and read receipts.
type Router struct {
	store   ConversationStore
	blocks  *blocking.Checker
	push    Pusher
	limiter Limiter
	opts    Options
	now     func() time.Time
	log     zerolog.Logger
}

// New creates a Router. limiter may be nil to disable typing throttling.
func New(store ConversationStore, blocks *blocking.Checker, push Pusher, limiter Limiter, opts Options, log zerolog.Logger) *Router {
	return &Router{
		store:   store,
		blocks:  blocks,
		push:    push,
		limiter: limiter,
		opts:    opts,
		now:     time.Now,
		log:     log,
	}
}

// SetClock overrides the time source used for readAt.
func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// Typing relays isTyping=true from senderID to target.
func (r *Router) Typing(ctx context.Context, senderID string, target protocol.TypingTarget) {
	r.relayTyping(ctx, senderID, target, true)
}

// StopTyping relays isTyping=false from senderID to target.
func (r *Router) StopTyping(ctx context.Context, senderID string, target protocol.TypingTarget) {
	r.relayTyping(ctx, senderID, target, false)
}

// relayTyping never reports errors to the sender: every failure path drops
// the signal silently.
func (r *Router) relayTyping(ctx context.Context, senderID string, target protocol.TypingTarget, isTyping bool) {
	log := r.log.With().
		Str("sender_id", senderID).
		Str("conversation_id", target.ConversationID).
		Str("receiver_id", target.ReceiverID).
		Bool("is_typing", isTyping).
		Logger()

	if isTyping && r.limiter != nil {
		if ok, _ := r.limiter.Allow(ctx, senderID, ratelimit.RuleTyping); !ok {
			log.Debug().Msg("typing rate limited")
			metrics.EventsTotal.WithLabelValues(string(protocol.TypeTyping), "dropped").Inc()
			return
		}
	}

	recipients, err := r.typingRecipients(ctx, senderID, target)
	if err != nil {
		log.Debug().Err(err).Msg("typing dropped")
		metrics.EventsTotal.WithLabelValues(string(protocol.TypeUserTyping), "blocked").Inc()
		return
	}

	r.push.SendEventToMany(ctx, recipients, &protocol.UserTypingMsg{
		UserID:         senderID,
		IsTyping:       isTyping,
		ConversationID: target.ConversationID,
	})
}

var errBlocked = errors.New("router: users are blocked")

func (r *Router) typingRecipients(ctx context.Context, senderID string, target protocol.TypingTarget) ([]string, error) {
	receiverID := target.ReceiverID

	if target.ConversationID != "" {
		conv, err := r.store.GetConversation(ctx, target.ConversationID)
		if err != nil {
			return nil, err
		}
		if !conv.IsParticipant(senderID) {
			return nil, chat.ErrNotParticipant
		}
		if conv.IsGroup {
			return r.blocks.Filter(ctx, senderID, conv.OtherParticipantIDs(senderID))
		}
		others := conv.OtherParticipantIDs(senderID)
		if len(others) != 1 {
			return nil, fmt.Errorf("router: direct conversation %s has %d peers", conv.ID, len(others))
		}
		receiverID = others[0]
	}

	if receiverID == "" || receiverID == senderID {
		return nil, chat.ErrInvalidTarget
	}
	blocked, err := r.blocks.Blocked(ctx, senderID, receiverID)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, errBlocked
	}
	return []string{receiverID}, nil
}

// ConversationRead marks conversationID read by senderID and broadcasts the
// receipt to the other online participants. It returns the updated
// conversation.
func (r *Router) ConversationRead(ctx context.Context, senderID, conversationID string) (*chat.Conversation, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("router: load conversation %s: %w", conversationID, err)
	}
	if !conv.IsParticipant(senderID) {
		return nil, chat.ErrNotParticipant
	}

	at := r.now().UTC()
	updated, err := r.store.MarkRead(ctx, conversationID, senderID, at)
	if err != nil {
		return nil, fmt.Errorf("router: mark read %s: %w", conversationID, err)
	}

	recipients := conv.OtherParticipantIDs(senderID)
	if r.opts.FilterReadReceipts {
		recipients, err = r.blocks.Filter(ctx, senderID, recipients)
		if err != nil {
			// Persisted already; only the relay is skipped.
			r.log.Debug().Err(err).Str("conversation_id", conversationID).Msg("read receipt relay skipped")
			return updated, nil
		}
	}

	r.push.SendEventToMany(ctx, recipients, &protocol.ConversationReadMsg{
		ConversationID: conversationID,
		ReadBy:         senderID,
		ReadAt:         &at,
		IsGroup:        conv.IsGroup,
	})
	return updated, nil
}
