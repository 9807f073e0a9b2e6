package ws

import (
	"errors"
	"sync"
)

// DefaultOutboxSize is the number of frames queued per connection before
// the oldest queued frame is discarded.
const DefaultOutboxSize = 256

// ErrConnectionClosed is returned by Send once a connection is closed.
var ErrConnectionClosed = errors.New("ws: connection closed")

// outbox is a fixed-size circular queue of outbound frames. When full, a
// push overwrites the oldest frame. The writer goroutine is woken through
// ready, which never holds more than one pending signal.
type outbox struct {
	mu     sync.Mutex
	items  [][]byte
	pos    int
	count  int
	closed bool
	ready  chan struct{}
}

func newOutbox(size int) *outbox {
	if size <= 0 {
		size = DefaultOutboxSize
	}
	return &outbox{
		items: make([][]byte, size),
		ready: make(chan struct{}, 1),
	}
}

// push queues frame. It reports whether an older frame had to be dropped.
func (o *outbox) push(frame []byte) (dropped bool, err error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false, ErrConnectionClosed
	}
	size := len(o.items)
	o.items[o.pos] = frame
	o.pos = (o.pos + 1) % size
	if o.count < size {
		o.count++
	} else {
		dropped = true
	}
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return dropped, nil
}

// drain removes and returns every queued frame, oldest first.
func (o *outbox) drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.count == 0 {
		return nil
	}
	size := len(o.items)
	out := make([][]byte, o.count)
	start := (o.pos - o.count + size) % size
	for i := 0; i < o.count; i++ {
		idx := (start + i) % size
		out[i] = o.items[idx]
		o.items[idx] = nil
	}
	o.count = 0
	return out
}

// len returns the number of queued frames.
func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

// close rejects further pushes. Frames already queued stay drainable.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
}
