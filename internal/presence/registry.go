// Package presence holds the process-wide connection registry: one live
// push connection per user, the derived online set, and the presence
// broadcasts that accompany every registration change.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/protocol"
)

// Conn is a push connection handle.
type Conn interface {
	// Send queues a frame. It fails once the connection is closed.
	Send(data []byte) error
	// Close sends a close frame with code and releases the connection.
	Close(code protocol.CloseCode, reason string) error
}

// LastActiveStore persists last-active timestamps.
type LastActiveStore interface {
	TouchLastActive(ctx context.Context, userID string, at time.Time) error
}

// OnlineHook is called after a user registers.
type OnlineHook func(ctx context.Context, userID string)

// Registry maps user ids to their single live connection. A second
// registration for the same user evicts the first. Every registration
// change is stamped with a generation; a user_status broadcast whose
// generation has been superseded is dropped, so peers never see a stale
// status after a newer one.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Conn
	gen     uint64
	current map[string]uint64

	// announceMu orders status broadcasts. Sends are non-blocking queue
	// pushes; evictions run after it is released.
	announceMu sync.Mutex

	lastActive LastActiveStore
	onOnline   OnlineHook
	now        func() time.Time
	log        zerolog.Logger
}

// NewRegistry creates an empty registry. lastActive may be nil.
func NewRegistry(lastActive LastActiveStore, log zerolog.Logger) *Registry {
	return &Registry{
		entries:    make(map[string]Conn),
		current:    make(map[string]uint64),
		lastActive: lastActive,
		now:        time.Now,
		log:        log,
	}
}

// SetOnlineHook registers the callback run on every successful Register.
// It must be called before connections are accepted.
func (r *Registry) SetOnlineHook(fn OnlineHook) {
	r.onOnline = fn
}

// SetClock overrides the time source used for last-active stamps.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

type peer struct {
	id   string
	conn Conn
}

// Register stores conn as userID's connection. Any previous connection is
// closed with the normal close code. Every other registered user receives
// user_status{online:true}, and conn receives the online_users_list of all
// other registered ids.
func (r *Registry) Register(ctx context.Context, userID string, conn Conn) {
	r.mu.Lock()
	old := r.entries[userID]
	r.entries[userID] = conn
	seq := r.stampLocked(userID)
	others := r.peersLocked(userID)
	n := len(r.entries)
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(n))

	if old != nil && old != conn {
		metrics.Evictions.WithLabelValues("replaced").Inc()
		if err := old.Close(protocol.CloseNormal, "replaced by a newer connection"); err != nil {
			r.log.Debug().Err(err).Str("user_id", userID).Msg("close replaced connection")
		}
	}

	r.touch(ctx, userID)

	if r.onOnline != nil {
		r.onOnline(ctx, userID)
	}

	r.announce(ctx, userID, seq, &protocol.UserStatusMsg{UserID: userID, Online: true})

	ids := make([]string, 0, len(others))
	for _, p := range others {
		ids = append(ids, p.id)
	}
	r.SendEvent(ctx, userID, &protocol.OnlineUsersListMsg{Users: ids})

	r.log.Info().Str("user_id", userID).Int("online", n).Bool("replaced", old != nil).Msg("registered")
}

// Unregister removes userID's entry regardless of which connection it
// holds. It reports false, and broadcasts nothing, when userID was not
// registered.
func (r *Registry) Unregister(ctx context.Context, userID string) bool {
	r.mu.Lock()
	_, ok := r.entries[userID]
	var seq uint64
	if ok {
		delete(r.entries, userID)
		seq = r.stampLocked(userID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.wentOffline(ctx, userID, seq)
	return true
}

// UnregisterConn removes userID's entry only if conn is still the current
// connection. A connection that was already replaced is a no-op.
func (r *Registry) UnregisterConn(ctx context.Context, userID string, conn Conn) bool {
	r.mu.Lock()
	cur, ok := r.entries[userID]
	ok = ok && cur == conn
	var seq uint64
	if ok {
		delete(r.entries, userID)
		seq = r.stampLocked(userID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.wentOffline(ctx, userID, seq)
	return true
}

// CloseUser force-closes userID's connection with code and unregisters it.
func (r *Registry) CloseUser(ctx context.Context, userID string, code protocol.CloseCode, reason string) bool {
	r.mu.Lock()
	conn, ok := r.entries[userID]
	var seq uint64
	if ok {
		delete(r.entries, userID)
		seq = r.stampLocked(userID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if err := conn.Close(code, reason); err != nil {
		r.log.Debug().Err(err).Str("user_id", userID).Msg("close connection")
	}
	r.wentOffline(ctx, userID, seq)
	return true
}

func (r *Registry) wentOffline(ctx context.Context, userID string, seq uint64) {
	metrics.OnlineUsers.Set(float64(r.Count()))
	at := r.touch(ctx, userID)

	r.announce(ctx, userID, seq, &protocol.UserStatusMsg{
		UserID:     userID,
		Online:     false,
		LastActive: at.UnixMilli(),
	})
	r.log.Info().Str("user_id", userID).Msg("unregistered")
}

// stampLocked records a registration change for userID and returns its
// generation. Callers hold r.mu.
func (r *Registry) stampLocked(userID string) uint64 {
	r.gen++
	r.current[userID] = r.gen
	return r.gen
}

func (r *Registry) touch(ctx context.Context, userID string) time.Time {
	at := r.now()
	if r.lastActive == nil {
		return at
	}
	if err := r.lastActive.TouchLastActive(ctx, userID, at); err != nil {
		r.log.Warn().Err(err).Str("user_id", userID).Msg("persist last active failed")
	}
	return at
}

// peersLocked snapshots every entry except exclude. Callers hold r.mu.
func (r *Registry) peersLocked(exclude string) []peer {
	out := make([]peer, 0, len(r.entries))
	for id, c := range r.entries {
		if id != exclude {
			out = append(out, peer{id: id, conn: c})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// announce sends ev to every other registered user unless a later change
// for userID superseded seq. Peers are snapshotted under the announce lock,
// so a peer registering meanwhile gets either the status or a list that
// already reflects it.
func (r *Registry) announce(ctx context.Context, userID string, seq uint64, ev *protocol.UserStatusMsg) {
	data, err := protocol.Encode(ev)
	if err != nil {
		r.log.Error().Err(err).Str("type", string(ev.EventType())).Msg("encode broadcast")
		return
	}

	r.announceMu.Lock()
	r.mu.Lock()
	latest := r.current[userID] == seq
	var peers []peer
	if latest {
		peers = r.peersLocked(userID)
		if !ev.Online {
			delete(r.current, userID)
		}
	}
	r.mu.Unlock()

	var dead []peer
	for _, p := range peers {
		if err := p.conn.Send(data); err != nil {
			dead = append(dead, p)
			continue
		}
		metrics.EventsTotal.WithLabelValues(string(ev.EventType()), "sent").Inc()
	}
	r.announceMu.Unlock()

	if !latest {
		r.log.Debug().Str("user_id", userID).Bool("online", ev.Online).Msg("status superseded")
		return
	}
	for _, p := range dead {
		r.log.Debug().Str("user_id", p.id).Msg("send failed, evicting")
		metrics.Evictions.WithLabelValues("send_failed").Inc()
		r.UnregisterConn(ctx, p.id, p.conn)
	}
}

// IsOnline reports whether userID has a registered connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	_, ok := r.entries[userID]
	r.mu.RUnlock()
	return ok
}

// List returns the registered user ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Send pushes a raw frame to userID. It reports false if the user is
// offline or the connection turned out to be dead, in which case the entry
// is evicted.
func (r *Registry) Send(ctx context.Context, userID string, data []byte) bool {
	r.mu.RLock()
	conn, ok := r.entries[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.deliver(ctx, userID, conn, data, "")
}

// SendEvent encodes ev and pushes it to userID.
func (r *Registry) SendEvent(ctx context.Context, userID string, ev protocol.Event) bool {
	data, err := protocol.Encode(ev)
	if err != nil {
		r.log.Error().Err(err).Str("type", string(ev.EventType())).Msg("encode event")
		return false
	}
	r.mu.RLock()
	conn, ok := r.entries[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.deliver(ctx, userID, conn, data, ev.EventType())
}

// SendEventToMany pushes ev to every online user in userIDs and returns the
// ids it was delivered to.
func (r *Registry) SendEventToMany(ctx context.Context, userIDs []string, ev protocol.Event) []string {
	data, err := protocol.Encode(ev)
	if err != nil {
		r.log.Error().Err(err).Str("type", string(ev.EventType())).Msg("encode event")
		return nil
	}
	delivered := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		r.mu.RLock()
		conn, ok := r.entries[id]
		r.mu.RUnlock()
		if ok && r.deliver(ctx, id, conn, data, ev.EventType()) {
			delivered = append(delivered, id)
		}
	}
	return delivered
}

func (r *Registry) deliver(ctx context.Context, userID string, conn Conn, data []byte, typ protocol.Type) bool {
	if err := conn.Send(data); err != nil {
		r.log.Debug().Err(err).Str("user_id", userID).Msg("send failed, evicting")
		metrics.Evictions.WithLabelValues("send_failed").Inc()
		r.UnregisterConn(ctx, userID, conn)
		return false
	}
	if typ != "" {
		metrics.EventsTotal.WithLabelValues(string(typ), "sent").Inc()
	}
	return true
}
