package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/protocol"
)

// Connection is one authenticated push connection. Outbound frames go
// through a bounded outbox drained by a single writer goroutine, so Send
// never blocks on a slow peer.
type Connection struct {
	ID        string   // connection ID (UUID)
	UserID    string   // authenticated user
	Conn      net.Conn // underlying TCP connection
	Fd        int      // file descriptor for epoll lookups, -1 off linux
	CreatedAt time.Time

	lastSeen     atomic.Int64 // unix nanos of the last frame read
	writeMu      sync.Mutex   // serializes writes to Conn
	processing   int32        // atomic flag: 0 = idle, 1 = being read by handleConn
	writeTimeout time.Duration

	outbox    *outbox
	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	closeCode protocol.CloseCode
	closeMsg  string

	// onClose detaches the connection from its server. Nil for connections
	// not owned by a server.
	onClose func(c *Connection, code protocol.CloseCode, reason string)
	log     zerolog.Logger
}

// NewConnection wraps an upgraded net.Conn for userID and starts its writer.
func NewConnection(conn net.Conn, userID string, outboxSize int, writeTimeout time.Duration, log zerolog.Logger) *Connection {
	id := uuid.New().String()
	fd, _ := socketFD(conn)
	c := &Connection{
		ID:           id,
		UserID:       userID,
		Conn:         conn,
		Fd:           int(fd),
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		outbox:       newOutbox(outboxSize),
		done:         make(chan struct{}),
		closed:       make(chan struct{}),
		log:          log.With().Str("conn_id", id).Str("user_id", userID).Logger(),
	}
	c.touch()
	go c.writeLoop()
	return c
}

// Send queues a text frame. A full outbox discards its oldest frame.
func (c *Connection) Send(data []byte) error {
	dropped, err := c.outbox.push(data)
	if err != nil {
		return err
	}
	if dropped {
		metrics.OutboxDropped.Inc()
		c.log.Debug().Msg("outbox full, dropped oldest frame")
	}
	return nil
}

// Close sends a close frame with code, after any frames already queued,
// and releases the connection. It is safe to call more than once.
func (c *Connection) Close(code protocol.CloseCode, reason string) error {
	if c.onClose != nil {
		c.onClose(c, code, reason)
		return nil
	}
	c.shutdown(code, reason)
	return nil
}

// Done is closed once the connection has been shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// LastSeen returns when a frame was last read from the peer.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// shutdown stops the outbox and hands the close to the writer goroutine.
func (c *Connection) shutdown(code protocol.CloseCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeMsg = reason
		c.outbox.close()
		close(c.done)
	})
}

func (c *Connection) writeLoop() {
	defer close(c.closed)
	for {
		select {
		case <-c.outbox.ready:
			if err := c.flush(); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				_ = c.Close(protocol.CloseAbnormal, "")
			}
		case <-c.done:
			_ = c.flush()
			if c.closeCode.Sendable() {
				if err := c.writeClose(c.closeCode, c.closeMsg); err != nil {
					c.log.Debug().Err(err).Msg("close frame not delivered")
				}
			}
			_ = c.Conn.Close()
			return
		}
	}
}

func (c *Connection) flush() error {
	for _, frame := range c.outbox.drain() {
		if err := c.WriteMessage(frame); err != nil {
			return err
		}
	}
	return nil
}

// WriteMessage writes a WebSocket text frame directly, bypassing the
// outbox. The write mutex keeps concurrent frames from interleaving.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.clearWriteDeadline()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

func (c *Connection) writeClose(code protocol.CloseCode, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return writeCloseFrame(c.Conn, code, reason)
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

func (c *Connection) clearWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Time{})
	}
}

func writeCloseFrame(conn net.Conn, code protocol.CloseCode, reason string) error {
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	return ws.WriteFrame(conn, ws.NewCloseFrame(body))
}

// ConnectionManager is a thread-safe index of open connections by ID and
// by net.Conn.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection // conn_id -> Connection
	byConn map[net.Conn]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove drops conn from both lookup maps. It returns false if the
// connection was already gone, which lets racing removers agree on a single
// cleanup.
func (cm *ConnectionManager) Remove(conn *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cur, ok := cm.byID[conn.ID]
	if !ok || cur != conn {
		return false
	}
	delete(cm.byID, conn.ID)
	delete(cm.byConn, conn.Conn)
	return true
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of open connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
