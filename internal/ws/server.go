// Package ws serves the push endpoint: it upgrades authenticated HTTP
// requests to WebSocket, multiplexes reads through epoll and a bounded
// worker pool, and hands inbound frames to a Dispatcher.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/ratelimit"
)

// maxFrameSize caps a single inbound frame.
const maxFrameSize = 64 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	OutboxSize     int           // queued frames per connection
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		OutboxSize:     DefaultOutboxSize,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// BanChecker reports whether an account is blocked.
type BanChecker interface {
	IsBlocked(ctx context.Context, userID string) (bool, error)
}

// ConnectLimiter throttles upgrades per remote address.
type ConnectLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server is the WebSocket push server built on gobwas/ws and epoll.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	auth         Authenticator
	bans         BanChecker
	limiter      ConnectLimiter
	workerPool   chan struct{}                               // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)         // inbound frame callback
	onConnect    func(ctx context.Context, conn *Connection) // after the connection event is queued
	onDisconnect func(conn *Connection)                      // once per removed connection
	mux          *http.ServeMux
	mu           sync.Mutex // guards epoll and httpServer against Shutdown
	httpServer   *http.Server
	done         chan struct{}
	doneOnce     sync.Once
	startedAt    time.Time
	checks       map[string]func() bool // guarded by mu
	log          zerolog.Logger
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete data frame read from a client.
func NewServer(config ServerConfig, auth Authenticator, onMessage func(conn *Connection, data []byte), log zerolog.Logger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		auth:       auth,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
		log:        log,
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// SetBanChecker rejects upgrades for blocked accounts.
func (s *Server) SetBanChecker(b BanChecker) { s.bans = b }

// SetConnectLimiter throttles upgrades per remote address.
func (s *Server) SetConnectLimiter(l ConnectLimiter) { s.limiter = l }

// SetOnConnect registers the callback run after a connection is accepted.
func (s *Server) SetOnConnect(fn func(ctx context.Context, conn *Connection)) { s.onConnect = fn }

// SetOnDisconnect registers a callback invoked exactly once when a
// connection is removed, whatever the cause.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) { s.onDisconnect = fn }

// AddHealthCheck reports a dependency under name in /health. A failing
// check turns the response into 503.
func (s *Server) AddHealthCheck(name string, ok func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checks == nil {
		s.checks = make(map[string]func() bool)
	}
	s.checks[name] = ok
}

// Handle mounts an additional HTTP handler next to /ws and /health.
func (s *Server) Handle(pattern string, h http.Handler) { s.mux.Handle(pattern, h) }

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve initializes epoll, starts the event loop and heartbeat, and serves
// HTTP on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	ep, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.mu.Lock()
	s.epoll = ep
	s.startedAt = time.Now()
	s.httpServer = &http.Server{Handler: s.mux}
	srv := s.httpServer
	s.mu.Unlock()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleUpgrade upgrades the request, authenticates the token and admits
// the connection. Rejected upgrades are closed with a policy-violation
// close frame so clients do not reconnect.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections && s.config.MaxConnections > 0 {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(ctx, clientIP(r), ratelimit.RuleConnect); !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	token := tokenFromRequest(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	userID, err := s.auth.Authenticate(ctx, token)
	if err != nil || userID == "" {
		s.log.Info().Err(err).Str("remote", clientIP(r)).Msg("unauthenticated upgrade rejected")
		s.reject(conn, protocol.ClosePolicyViolation, "unauthorized")
		return
	}

	if s.bans != nil {
		blocked, err := s.bans.IsBlocked(ctx, userID)
		if err != nil {
			s.log.Error().Err(err).Str("user_id", userID).Msg("account status unavailable")
			s.reject(conn, protocol.CloseInternalError, "account status unavailable")
			return
		}
		if blocked {
			s.log.Info().Str("user_id", userID).Msg("blocked account rejected")
			s.reject(conn, protocol.ClosePolicyViolation, "account blocked")
			return
		}
	}

	c := NewConnection(conn, userID, s.config.OutboxSize, s.config.WriteTimeout, s.log)
	c.onClose = s.RemoveConnection

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		s.log.Error().Err(err).Str("conn_id", c.ID).Msg("epoll add failed")
		s.conns.Remove(c)
		c.shutdown(protocol.CloseInternalError, "")
		return
	}
	metrics.ConnectionsTotal.Inc()

	hello, err := protocol.Encode(&protocol.ConnectionMsg{UserID: userID})
	if err == nil {
		_ = c.Send(hello)
	}

	if s.onConnect != nil {
		s.onConnect(context.Background(), c)
	}

	s.log.Info().
		Str("conn_id", c.ID).
		Str("user_id", userID).
		Int("fd", c.Fd).
		Int("total", s.conns.Count()).
		Msg("new connection")
}

func (s *Server) reject(conn net.Conn, code protocol.CloseCode, reason string) {
	if s.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	_ = writeCloseFrame(conn, code, reason)
	_ = conn.Close()
}

// handleHealth reports connection count, uptime and each registered
// dependency check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	deps := make(map[string]string, len(s.checks))
	status, code := "ok", http.StatusOK
	for name, check := range s.checks {
		if check() {
			deps[name] = "ok"
			continue
		}
		deps[name] = "down"
		status, code = "degraded", http.StatusServiceUnavailable
	}
	s.mu.Unlock()

	resp := struct {
		Status       string            `json:"status"`
		Connections  int               `json:"connections"`
		Uptime       string            `json:"uptime"`
		Dependencies map[string]string `json:"dependencies,omitempty"`
	}{
		Status:       status,
		Connections:  s.conns.Count(),
		Uptime:       time.Since(s.startedAt).Round(time.Second).String(),
		Dependencies: deps,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. Each ready connection is read by
// a worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Error().Err(err).Msg("epoll wait error")
				continue
			}
		}

		for _, conn := range conns {
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one WebSocket frame from a ready connection. Control
// frames are answered in place; data frames go to onMessage. Any read
// failure removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.epoll.Resume(netConn)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	rd := &wsutil.Reader{
		Source:       s.epoll.Reader(netConn),
		State:        ws.StateServerSide,
		CheckUTF8:    true,
		MaxFrameSize: maxFrameSize,
	}
	header, err := rd.NextFrame()
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c, protocol.CloseAbnormal, "")
		return
	}

	payload, err := io.ReadAll(rd)
	_ = netConn.SetReadDeadline(time.Time{})
	if err != nil {
		s.RemoveConnection(c, protocol.CloseAbnormal, "")
		return
	}

	// Any frame proves the connection is alive.
	c.touch()

	if header.OpCode.IsControl() {
		s.handleControl(c, header, payload)
		return
	}

	if len(payload) == 0 || s.onMessage == nil {
		return
	}
	s.onMessage(c, payload)
}

func (s *Server) handleControl(c *Connection, header ws.Header, payload []byte) {
	switch header.OpCode {
	case ws.OpClose:
		code, reason := ws.ParseCloseFrameData(payload)
		reply := protocol.CloseCode(code)
		if !reply.Sendable() || code.Empty() {
			reply = protocol.CloseNormal
		}
		s.log.Debug().Str("conn_id", c.ID).Uint16("code", uint16(code)).Str("reason", reason).Msg("client closed")
		s.RemoveConnection(c, reply, "")
	case ws.OpPing:
		c.writeMu.Lock()
		c.setWriteDeadline()
		err := ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
		c.clearWriteDeadline()
		c.writeMu.Unlock()
		if err != nil {
			s.RemoveConnection(c, protocol.CloseAbnormal, "")
		}
	}
}

// RemoveConnection detaches c from epoll and the connection manager, closes
// it with code and runs the disconnect callback. Only the first caller for
// a given connection runs the callback.
func (s *Server) RemoveConnection(c *Connection, code protocol.CloseCode, reason string) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	removed := s.conns.Remove(c)
	c.shutdown(code, reason)
	if !removed {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.log.Info().
		Str("conn_id", c.ID).
		Str("user_id", c.UserID).
		Uint16("code", uint16(code)).
		Int("total", s.conns.Count()).
		Msg("connection closed")
}

// Connections returns the ConnectionManager for external access to
// connection state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop to exit and
// closes every connection with the going-away code.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down server")
	s.doneOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	srv, ep := s.httpServer, s.epoll
	s.mu.Unlock()

	var err error
	if srv != nil {
		if err = srv.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown error")
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c, protocol.CloseGoingAway, "server shutdown")
	}

	if ep != nil {
		if n := ep.Len(); n > 0 {
			s.log.Warn().Int("watched", n).Msg("sockets still registered at shutdown")
		}
		_ = ep.Close()
	}

	s.log.Info().Msg("server stopped, all connections closed")
	return err
}
