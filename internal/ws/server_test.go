package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chatsync/internal/protocol"
)

type tokenAuth map[string]string

func (a tokenAuth) Authenticate(_ context.Context, token string) (string, error) {
	id, ok := a[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return id, nil
}

type banList map[string]bool

func (b banList) IsBlocked(_ context.Context, userID string) (bool, error) {
	return b[userID], nil
}

type testServer struct {
	*Server
	addr         string
	connected    chan *Connection
	disconnected chan *Connection
	messages     chan []byte
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		connected:    make(chan *Connection, 8),
		disconnected: make(chan *Connection, 8),
		messages:     make(chan []byte, 8),
	}
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 4
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = time.Second
	cfg.Heartbeat.Interval = 0

	auth := tokenAuth{"tok-alice": "alice", "tok-bob": "bob"}
	ts.Server = NewServer(cfg, auth, func(_ *Connection, data []byte) {
		ts.messages <- data
	}, zerolog.Nop())
	ts.SetBanChecker(banList{"bob": true})
	ts.SetOnConnect(func(_ context.Context, c *Connection) { ts.connected <- c })
	ts.SetOnDisconnect(func(c *Connection) { ts.disconnected <- c })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ts.addr = ln.Addr().String()
	go func() { _ = ts.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ts.Shutdown(ctx)
	})
	return ts
}

type clientConn struct {
	net.Conn
	r io.Reader
}

func dial(t *testing.T, addr, token string) *clientConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, "ws://"+addr+"/ws?token="+token)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	return &clientConn{Conn: conn, r: r}
}

func (c *clientConn) readFrame(t *testing.T) ws.Frame {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := ws.ReadFrame(c.r)
	require.NoError(t, err)
	return f
}

func waitConn(t *testing.T, ch <-chan *Connection) *Connection {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection callback")
		return nil
	}
}

func TestServer_AuthenticatedConnect(t *testing.T) {
	ts := startServer(t)
	cc := dial(t, ts.addr, "tok-alice")

	f := cc.readFrame(t)
	require.Equal(t, ws.OpText, f.Header.OpCode)
	ev, err := protocol.ParseServerEvent(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, &protocol.ConnectionMsg{UserID: "alice"}, ev)

	c := waitConn(t, ts.connected)
	assert.Equal(t, "alice", c.UserID)
	assert.Equal(t, 1, ts.Connections().Count())
}

func TestServer_BearerHeaderAuth(t *testing.T) {
	ts := startServer(t)

	d := ws.Dialer{Header: ws.HandshakeHeaderHTTP{"Authorization": []string{"Bearer tok-alice"}}}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, _, err := d.Dial(ctx, "ws://"+ts.addr+"/ws")
	require.NoError(t, err)
	defer conn.Close()

	c := waitConn(t, ts.connected)
	assert.Equal(t, "alice", c.UserID)
}

func TestServer_InboundFrameReachesCallback(t *testing.T) {
	ts := startServer(t)
	cc := dial(t, ts.addr, "tok-alice")
	waitConn(t, ts.connected)

	require.NoError(t, wsutil.WriteClientText(cc, []byte(`{"type":"typing","receiverId":"bob"}`)))

	select {
	case data := <-ts.messages:
		assert.JSONEq(t, `{"type":"typing","receiverId":"bob"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("message never dispatched")
	}
}

func TestServer_RejectsUnknownToken(t *testing.T) {
	ts := startServer(t)
	cc := dial(t, ts.addr, "nope")

	f := cc.readFrame(t)
	require.Equal(t, ws.OpClose, f.Header.OpCode)
	code, _ := ws.ParseCloseFrameData(f.Payload)
	assert.Equal(t, ws.StatusCode(protocol.ClosePolicyViolation), code)
	assert.Equal(t, 0, ts.Connections().Count())
}

func TestServer_RejectsBlockedAccount(t *testing.T) {
	ts := startServer(t)
	cc := dial(t, ts.addr, "tok-bob")

	f := cc.readFrame(t)
	require.Equal(t, ws.OpClose, f.Header.OpCode)
	code, reason := ws.ParseCloseFrameData(f.Payload)
	assert.Equal(t, ws.StatusCode(protocol.ClosePolicyViolation), code)
	assert.Equal(t, "account blocked", reason)
}

func TestServer_ClientCloseRunsDisconnectOnce(t *testing.T) {
	ts := startServer(t)
	cc := dial(t, ts.addr, "tok-alice")
	c := waitConn(t, ts.connected)

	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "bye")
	require.NoError(t, ws.WriteFrame(cc, ws.MaskFrameInPlace(ws.NewCloseFrame(body))))

	got := waitConn(t, ts.disconnected)
	assert.Same(t, c, got)

	select {
	case <-ts.disconnected:
		t.Fatal("disconnect callback ran twice")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, ts.Connections().Count())
}

func TestServer_CloseFromApplication(t *testing.T) {
	ts := startServer(t)
	cc := dial(t, ts.addr, "tok-alice")
	c := waitConn(t, ts.connected)
	cc.readFrame(t) // connection event

	require.NoError(t, c.Send([]byte(`{"type":"account_blocked"}`)))
	require.NoError(t, c.Close(protocol.ClosePolicyViolation, "account blocked"))

	f := cc.readFrame(t)
	assert.Equal(t, ws.OpText, f.Header.OpCode, "queued frames flush before the close frame")
	f = cc.readFrame(t)
	require.Equal(t, ws.OpClose, f.Header.OpCode)
	code, _ := ws.ParseCloseFrameData(f.Payload)
	assert.Equal(t, ws.StatusCode(protocol.ClosePolicyViolation), code)

	waitConn(t, ts.disconnected)
}

func TestConnection_SendAfterClose(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	go func() { _, _ = io.Copy(io.Discard, client) }()

	c := NewConnection(server, "alice", 4, time.Second, zerolog.Nop())
	require.NoError(t, c.Close(protocol.CloseNormal, ""))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop")
	}
	assert.ErrorIs(t, c.Send([]byte("x")), ErrConnectionClosed)
}

func TestConnection_WritesInOrder(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	c := NewConnection(server, "alice", 8, time.Second, zerolog.Nop())
	for _, s := range []string{"one", "two", "three"} {
		require.NoError(t, c.Send([]byte(s)))
	}

	rd := bufio.NewReader(client)
	for _, want := range []string{"one", "two", "three"} {
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		f, err := ws.ReadFrame(rd)
		require.NoError(t, err)
		assert.Equal(t, want, string(f.Payload))
	}
	_ = c.Close(protocol.CloseNormal, "")
}

func TestCheckConnections_EvictsStale(t *testing.T) {
	s := NewServer(DefaultServerConfig(), tokenAuth{}, nil, zerolog.Nop())
	gone := make(chan *Connection, 2)
	s.SetOnDisconnect(func(c *Connection) { gone <- c })

	staleSrv, staleCli := net.Pipe()
	freshSrv, freshCli := net.Pipe()
	defer staleCli.Close()
	defer freshCli.Close()
	go func() { _, _ = io.Copy(io.Discard, staleCli) }()
	go func() { _, _ = io.Copy(io.Discard, freshCli) }()

	stale := NewConnection(staleSrv, "alice", 4, time.Second, zerolog.Nop())
	fresh := NewConnection(freshSrv, "bob", 4, time.Second, zerolog.Nop())
	s.conns.Add(stale)
	s.conns.Add(fresh)

	cfg := HeartbeatConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second}
	stale.lastSeen.Store(time.Now().Add(-time.Minute).UnixNano())

	checkConnections(s, cfg, time.Now())

	select {
	case c := <-gone:
		assert.Same(t, stale, c)
	default:
		t.Fatal("stale connection not evicted")
	}
	assert.Equal(t, 1, s.Connections().Count())
	assert.Same(t, fresh, s.Connections().GetByConn(fresh.Conn))
}

func TestServer_HealthReportsDependencies(t *testing.T) {
	s := NewServer(DefaultServerConfig(), tokenAuth{}, nil, zerolog.Nop())

	get := func() (int, map[string]any) {
		rec := httptest.NewRecorder()
		s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return rec.Code, body
	}

	code, body := get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.NotContains(t, body, "dependencies")

	natsUp := true
	s.AddHealthCheck("redis", func() bool { return true })
	s.AddHealthCheck("nats", func() bool { return natsUp })
	code, body = get()
	assert.Equal(t, http.StatusOK, code)

	natsUp = false
	code, body = get()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"redis": "ok", "nats": "down"}, body["dependencies"])
}

func TestTokenFromRequest(t *testing.T) {
	cases := []struct {
		header, query, want string
	}{
		{"Bearer abc", "", "abc"},
		{"", "xyz", "xyz"},
		{"Bearer hdr", "qry", "hdr"},
		{"Basic zzz", "", ""},
	}
	for _, tc := range cases {
		r := mustRequest(t, tc.header, tc.query)
		assert.Equal(t, tc.want, tokenFromRequest(r))
	}
}
