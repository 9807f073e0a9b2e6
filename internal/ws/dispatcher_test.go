package ws

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chatsync/internal/protocol"
)

func mustRequest(t *testing.T, authHeader, token string) *http.Request {
	t.Helper()
	u := &url.URL{Path: "/ws"}
	if token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}
	r, err := http.NewRequest(http.MethodGet, u.String(), nil)
	require.NoError(t, err)
	if authHeader != "" {
		r.Header.Set("Authorization", authHeader)
	}
	return r
}

func pipeConnection(t *testing.T) *Connection {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	c := NewConnection(server, "alice", 4, time.Second, zerolog.Nop())
	t.Cleanup(func() { _ = c.Close(protocol.CloseNormal, "") })
	return c
}

func TestDispatcher_RoutesByType(t *testing.T) {
	d := NewDispatcher(0, zerolog.Nop())

	var got protocol.Event
	var gotUser string
	var hadDeadline bool
	d.Register(protocol.TypeTyping, func(ctx context.Context, conn *Connection, ev protocol.Event) {
		got = ev
		gotUser = conn.UserID
		_, hadDeadline = ctx.Deadline()
	})

	d.Dispatch(pipeConnection(t), []byte(`{"type":"typing","conversationId":"c1"}`))

	require.NotNil(t, got)
	tm := got.(*protocol.TypingMsg)
	assert.Equal(t, "c1", tm.ConversationID)
	assert.Equal(t, "alice", gotUser)
	assert.True(t, hadDeadline)
}

func TestDispatcher_DropsInvalidFrames(t *testing.T) {
	d := NewDispatcher(time.Second, zerolog.Nop())
	calls := 0
	for _, typ := range protocol.Types(protocol.ClientToServer) {
		d.Register(typ, func(context.Context, *Connection, protocol.Event) { calls++ })
	}

	c := pipeConnection(t)
	for _, frame := range []string{
		`not json`,
		`{"type":"typing"}`,
		`{"type":"account_blocked"}`,
		`{"type":"nope"}`,
		`{"conversationId":"c1"}`,
	} {
		d.Dispatch(c, []byte(frame))
	}
	assert.Zero(t, calls)
}

func TestDispatcher_Validate(t *testing.T) {
	d := NewDispatcher(0, zerolog.Nop())
	d.Register(protocol.TypeTyping, func(context.Context, *Connection, protocol.Event) {})

	err := d.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(protocol.TypeStopTyping))
	assert.Contains(t, err.Error(), string(protocol.TypeConversationRead))

	noop := func(context.Context, *Connection, protocol.Event) {}
	d.Register(protocol.TypeStopTyping, noop)
	d.Register(protocol.TypeConversationRead, noop)
	assert.NoError(t, d.Validate())
}
