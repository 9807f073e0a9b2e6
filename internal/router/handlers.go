package router

import (
	"context"

	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/ws"
)

// Routes registers the client event handlers on d.
func (r *Router) Routes(d *ws.Dispatcher) {
	d.Register(protocol.TypeTyping, func(ctx context.Context, conn *ws.Connection, ev protocol.Event) {
		m, ok := ev.(*protocol.TypingMsg)
		if !ok {
			return
		}
		r.Typing(ctx, conn.UserID, m.TypingTarget)
	})

	d.Register(protocol.TypeStopTyping, func(ctx context.Context, conn *ws.Connection, ev protocol.Event) {
		m, ok := ev.(*protocol.StopTypingMsg)
		if !ok {
			return
		}
		r.StopTyping(ctx, conn.UserID, m.TypingTarget)
	})

	d.Register(protocol.TypeConversationRead, func(ctx context.Context, conn *ws.Connection, ev protocol.Event) {
		m, ok := ev.(*protocol.ConversationReadMsg)
		if !ok {
			return
		}
		if _, err := r.ConversationRead(ctx, conn.UserID, m.ConversationID); err != nil {
			r.log.Info().Err(err).
				Str("user_id", conn.UserID).
				Str("conversation_id", m.ConversationID).
				Msg("conversation_read rejected")
		}
	})
}
