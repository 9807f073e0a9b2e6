package ws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/protocol"
)

// Handler handles one parsed client event. ctx is cancelled when the
// dispatcher's handler timeout expires.
type Handler func(ctx context.Context, conn *Connection, ev protocol.Event)

// DefaultHandlerTimeout bounds a single handler invocation.
const DefaultHandlerTimeout = 5 * time.Second

// Dispatcher routes inbound frames to the handler registered for their
// event type. Malformed frames and unknown types are logged and dropped;
// no error frame is sent back.
type Dispatcher struct {
	handlers map[protocol.Type]Handler
	timeout  time.Duration
	log      zerolog.Logger
}

// NewDispatcher creates an empty Dispatcher. A non-positive timeout selects
// DefaultHandlerTimeout.
func NewDispatcher(timeout time.Duration, log zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	return &Dispatcher{
		handlers: make(map[protocol.Type]Handler),
		timeout:  timeout,
		log:      log,
	}
}

// Register associates a Handler with an event type, replacing any previous
// handler for it.
func (d *Dispatcher) Register(t protocol.Type, h Handler) {
	d.handlers[t] = h
}

// Validate reports every client event type without a handler.
func (d *Dispatcher) Validate() error {
	var missing []protocol.Type
	for _, t := range protocol.Types(protocol.ClientToServer) {
		if _, ok := d.handlers[t]; !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("ws: no handler for %v", missing)
	}
	return nil
}

// Dispatch is the server's message callback. It parses data as a client
// event and runs the matching handler.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	ev, err := protocol.ParseClientEvent(data)
	if err != nil {
		outcome := "invalid"
		if errors.Is(err, protocol.ErrUnknownType) || errors.Is(err, protocol.ErrWrongDirection) {
			outcome = "unsupported"
		}
		metrics.EventsTotal.WithLabelValues("unknown", outcome).Inc()
		d.log.Debug().Err(err).
			Str("conn_id", conn.ID).
			Str("user_id", conn.UserID).
			Msg("dropping inbound frame")
		return
	}

	t := ev.EventType()
	handler, ok := d.handlers[t]
	if !ok {
		metrics.EventsTotal.WithLabelValues(string(t), "unsupported").Inc()
		d.log.Debug().Str("type", string(t)).Str("conn_id", conn.ID).Msg("no handler registered")
		return
	}
	metrics.EventsTotal.WithLabelValues(string(t), "received").Inc()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	start := time.Now()
	handler(ctx, conn, ev)
	metrics.HandlerLatency.WithLabelValues(string(t)).Observe(time.Since(start).Seconds())
}
