// Package client keeps one push connection to the chat server alive: it
// dials, dispatches inbound events to subscribers, and reconnects with
// exponential backoff unless the close was intentional.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/sched"
)

// ErrNotConnected is returned by Send while no connection is open.
var ErrNotConnected = errors.New("client: not connected")

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config configures a Manager.
type Config struct {
	URL                  string
	Token                string
	ReconnectBase        time.Duration // delay before the first retry
	MaxReconnectAttempts int
	DialTimeout          time.Duration
}

// DefaultConfig returns the production reconnect policy: five attempts at
// 1s, 2s, 4s, 8s and 16s.
func DefaultConfig(url, token string) Config {
	return Config{
		URL:                  url,
		Token:                token,
		ReconnectBase:        time.Second,
		MaxReconnectAttempts: 5,
		DialTimeout:          10 * time.Second,
	}
}

// Backoff returns the delay before reconnect attempt n (1-based).
func Backoff(base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return base << (n - 1)
}

// Handler receives every decoded server event.
type Handler func(ev protocol.Event)

// Hook runs after each successful connect.
type Hook func(ctx context.Context)

type subscriber struct {
	id int
	fn Handler
}

// Manager owns the client's push connection.
type Manager struct {
	cfg   Config
	dial  Dialer
	sched sched.Scheduler
	log   zerolog.Logger

	mu        sync.Mutex
	state     State
	conn      Transport
	gen       uint64 // bumps on every new or abandoned connection
	attempts  int
	manual    bool
	reconnect sched.Task
	subs      []subscriber
	nextSub   int
	hooks     []Hook
	watchers  []func(State)
}

// NewManager creates a disconnected Manager.
func NewManager(cfg Config, dial Dialer, s sched.Scheduler, log zerolog.Logger) *Manager {
	if s == nil {
		s = sched.Real{}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Manager{cfg: cfg, dial: dial, sched: s, log: log}
}

// Subscribe registers h for inbound events and returns its cancel func.
func (m *Manager) Subscribe(h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	id := m.nextSub
	m.subs = append(m.subs, subscriber{id: id, fn: h})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// OnConnect registers a hook run after every successful connect, such as
// reloading block lists that may have changed while offline.
func (m *Manager) OnConnect(h Hook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

// OnStateChange registers fn for state transitions.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.watchers = append(m.watchers, fn)
	m.mu.Unlock()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of consecutive failed reconnects.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// setStateLocked records s and returns the watchers to notify once the lock
// is released.
func (m *Manager) setStateLocked(s State) func() {
	if m.state == s {
		return func() {}
	}
	m.state = s
	watchers := append([]func(State){}, m.watchers...)
	return func() {
		for _, w := range watchers {
			w(s)
		}
	}
}

// Connect opens the connection. It resets the retry budget; a failed dial
// is treated like an abnormal close and schedules a retry.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.manual = false
	m.attempts = 0
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	notify()

	return m.open(ctx)
}

func (m *Manager) open(ctx context.Context) error {
	conn, err := m.dial(ctx, m.cfg.URL, m.cfg.Token)

	m.mu.Lock()
	if m.manual {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close(protocol.CloseNormal, "client closed")
		}
		return ErrNotConnected
	}
	if err != nil {
		notify := m.lostLocked(protocol.CloseAbnormal)
		m.mu.Unlock()
		notify()
		m.log.Warn().Err(err).Int("attempt", m.Attempts()).Msg("connect failed")
		return err
	}

	m.gen++
	gen := m.gen
	m.conn = conn
	m.attempts = 0
	hooks := append([]Hook{}, m.hooks...)
	notify := m.setStateLocked(StateConnected)
	m.mu.Unlock()
	notify()

	m.log.Info().Str("url", m.cfg.URL).Msg("connected")

	go m.readLoop(gen, conn)
	for _, h := range hooks {
		h(ctx)
	}
	return nil
}

func (m *Manager) readLoop(gen uint64, conn Transport) {
	for {
		data, err := conn.Read()
		if err != nil {
			m.connectionLost(gen, closeCodeOf(err))
			return
		}

		ev, err := protocol.ParseServerEvent(data)
		if err != nil {
			m.log.Debug().Err(err).Msg("dropping inbound frame")
			continue
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		subs := append([]subscriber{}, m.subs...)
		m.mu.Unlock()

		for _, s := range subs {
			s.fn(ev)
		}
	}
}

func (m *Manager) connectionLost(gen uint64, code protocol.CloseCode) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	notify := m.lostLocked(code)
	m.mu.Unlock()
	notify()
	m.log.Info().Uint16("code", uint16(code)).Msg("connection closed")
}

// lostLocked applies the reconnect policy after a close with code.
func (m *Manager) lostLocked(code protocol.CloseCode) func() {
	if m.manual || code.SuppressesReconnect() {
		return m.setStateLocked(StateDisconnected)
	}

	m.attempts++
	if m.attempts > m.cfg.MaxReconnectAttempts {
		m.log.Warn().Int("attempts", m.attempts-1).Msg("giving up reconnecting")
		return m.setStateLocked(StateDisconnected)
	}

	delay := Backoff(m.cfg.ReconnectBase, m.attempts)
	m.reconnect = m.sched.AfterFunc(delay, m.retry)
	m.log.Debug().Int("attempt", m.attempts).Dur("delay", delay).Msg("reconnect scheduled")
	return m.setStateLocked(StateReconnecting)
}

func (m *Manager) retry() {
	m.mu.Lock()
	if m.manual || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnect = nil
	notify := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	notify()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	defer cancel()
	_ = m.open(ctx)
}

// Send encodes ev and writes it. Nothing is queued while disconnected.
func (m *Manager) Send(ev protocol.Event) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if state != StateConnected || conn == nil {
		m.log.Debug().Str("type", string(ev.EventType())).Msg("send while disconnected")
		return ErrNotConnected
	}

	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	if err := conn.Write(data); err != nil {
		return fmt.Errorf("client: send %s: %w", ev.EventType(), err)
	}
	return nil
}

// Destroy closes the connection for good: no reconnect follows until the
// next Connect.
func (m *Manager) Destroy() {
	m.mu.Lock()
	m.manual = true
	m.attempts = m.cfg.MaxReconnectAttempts
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	conn := m.conn
	m.conn = nil
	m.gen++
	notify := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	notify()

	if conn != nil {
		if err := conn.Close(protocol.CloseNormal, "client closed"); err != nil {
			m.log.Debug().Err(err).Msg("close")
		}
	}
}
