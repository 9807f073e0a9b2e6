//go:build !linux

package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
)

// Epoll is a goroutine-per-connection stand-in for platforms without
// epoll. Each watcher peeks through a buffered reader so no frame bytes are
// lost, and waits for Resume before peeking again.
type Epoll struct {
	mu        sync.RWMutex
	conns     map[net.Conn]*watch
	readyCh   chan net.Conn // receives connections with pending data
	done      chan struct{}
	closeOnce sync.Once
}

type watch struct {
	rd     *bufio.Reader
	resume chan struct{}
	gone   chan struct{}
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching conn.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watch{
		rd:     bufio.NewReader(conn),
		resume: make(chan struct{}, 1),
		gone:   make(chan struct{}),
	}
	e.mu.Lock()
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

// monitor reports conn as ready whenever a byte is buffered or the read
// fails, then parks until the reader is done with it.
func (e *Epoll) monitor(conn net.Conn, w *watch) {
	for {
		_, err := w.rd.Peek(1)

		select {
		case e.readyCh <- conn:
		case <-w.gone:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.resume:
		case <-w.gone:
			return
		case <-e.done:
			return
		}
	}
}

// Remove stops watching conn.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.conns[conn]
	if ok {
		delete(e.conns, conn)
	}
	e.mu.Unlock()
	if ok {
		close(w.gone)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading and
// returns every connection ready at that point.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Len returns the number of watched connections.
func (e *Epoll) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.conns)
}

// Reader returns the buffered reader the watcher peeks through, so frames
// are read from the same buffer.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return conn
	}
	return w.rd
}

// Resume lets the watcher of conn look for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.closeOnce.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*watch)
	e.mu.Unlock()
	return nil
}

// socketFD is meaningless for the goroutine-based fallback.
func socketFD(net.Conn) (int32, error) {
	return -1, nil
}
