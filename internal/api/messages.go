package api

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/moderation"
	"github.com/whisper/chatsync/internal/ratelimit"
)

// CreateMessageRequest targets either an existing conversation or, for a
// first direct message, the receiver.
type CreateMessageRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	ReceiverID     string `json:"receiverId,omitempty"`
	Content        string `json:"content"`
}

// MessageResponse is returned by POST /api/messages.
type MessageResponse struct {
	Message      chat.Message      `json:"message"`
	Conversation chat.Conversation `json:"conversation"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, userID string) {
	convs, err := s.Store.ListConversations(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]chat.Conversation{"conversations": convs})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	conv, err := s.Store.GetConversation(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !conv.IsParticipant(userID) {
		s.fail(w, r, chat.ErrNotParticipant)
		return
	}
	msgs, err := s.Store.ListMessages(r.Context(), id, pageLimit(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]chat.Message{"messages": msgs})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, userID string) {
	conv, err := s.Reads.ConversationRead(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request, userID string) {
	ctx := r.Context()
	var req CreateMessageRequest
	if !decode(w, r, &req) {
		return
	}
	if (req.ConversationID == "") == (req.ReceiverID == "") {
		writeError(w, http.StatusBadRequest, "exactly one of conversationId or receiverId is required")
		return
	}
	if err := chat.ValidateMessage(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.Limiter != nil {
		allowed, err := s.Limiter.Allow(ctx, userID, ratelimit.RuleMessage)
		if err != nil {
			s.Log.Warn().Err(err).Str("user_id", userID).Msg("rate limit check failed")
		}
		if !allowed {
			if ra, ok := s.Limiter.(retryAfterer); ok {
				if d := ra.RetryAfter(ctx, userID, ratelimit.RuleMessage); d > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
				}
			}
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	if s.Filter != nil {
		if res := s.Filter.Check(req.Content); res.Blocked {
			s.flag(ctx, userID, req.ConversationID, res)
			writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "message rejected", Reason: res.Reason})
			return
		}
	}

	if err := s.checkDirectBlock(ctx, userID, req); err != nil {
		s.fail(w, r, err)
		return
	}

	msg, conv, err := s.Store.CreateMessage(ctx, chat.NewMessage{
		ConversationID: req.ConversationID,
		ReceiverID:     req.ReceiverID,
		SenderID:       userID,
		Content:        req.Content,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	// The message is persisted; a failed fan-out is not the sender's error.
	if err := s.Notify.NotifyNewMessage(ctx, conv, *msg); err != nil {
		s.Log.Warn().Err(err).Str("message_id", msg.ID).Msg("notify new message")
	}
	writeJSON(w, http.StatusCreated, MessageResponse{Message: *msg, Conversation: *conv})
}

// checkDirectBlock refuses a direct message when either side has blocked
// the other. Group messages are filtered per recipient at fan-out instead.
func (s *Server) checkDirectBlock(ctx context.Context, senderID string, req CreateMessageRequest) error {
	peer := req.ReceiverID
	if peer == "" {
		conv, err := s.Store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return err
		}
		if conv.IsGroup {
			return nil
		}
		others := conv.OtherParticipantIDs(senderID)
		if len(others) != 1 {
			return nil
		}
		peer = others[0]
	}
	if peer == senderID {
		return chat.ErrInvalidTarget
	}

	blocked, err := s.Blocks.Blocked(ctx, senderID, peer)
	if err != nil {
		if _, uerr := s.Store.GetUser(ctx, peer); uerr != nil {
			return uerr
		}
		return fmt.Errorf("%w: %v", errUnavailable, err)
	}
	if blocked {
		return chat.ErrBlocked
	}
	return nil
}

// flag records a moderation offense, publishes it and, when the offense
// count crosses the threshold, blocks the account and disconnects it.
func (s *Server) flag(ctx context.Context, userID, conversationID string, res moderation.FilterResult) {
	f := moderation.Flag{
		UserID:         userID,
		ConversationID: conversationID,
		Reason:         res.Reason,
		Term:           res.Term,
		Ts:             s.now().UnixMilli(),
	}

	if s.Bans != nil {
		blocked, d, err := s.Bans.RecordOffense(ctx, userID, res.Reason)
		if err != nil {
			s.Log.Warn().Err(err).Str("user_id", userID).Msg("record offense")
		}
		if n, err := s.Bans.OffenseCount(ctx, userID); err == nil {
			f.Offenses = n
		}
		if blocked {
			f.BlockedFor = d.Milliseconds()
			s.Log.Info().Str("user_id", userID).Dur("duration", d).Msg("account auto-blocked")
			s.Notify.NotifyAccountBlocked(ctx, userID, res.Reason)
		}
	}

	if s.Flags != nil {
		if err := s.Flags.Flagged(ctx, f); err != nil {
			s.Log.Warn().Err(err).Str("user_id", userID).Msg("publish flag")
		}
	}
}
