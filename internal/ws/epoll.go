//go:build linux

package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds one epoll_wait so the event loop notices shutdown
// even when no socket becomes ready.
const waitTimeoutMs = 500

// Epoll reports which push connections have bytes to read. Sockets are
// level-triggered: a connection stays ready until a worker drains it.
type Epoll struct {
	fd int

	mu     sync.RWMutex
	byFD   map[int32]net.Conn
	byConn map[net.Conn]int32 // kept so Remove works after the conn is closed

	events []unix.EpollEvent // reused by Wait; only the event loop calls Wait
}

// NewEpoll opens an epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		byFD:   make(map[int32]net.Conn),
		byConn: make(map[net.Conn]int32),
		events: make([]unix.EpollEvent, 256),
	}, nil
}

// Add watches conn for input and for the peer hanging up.
func (e *Epoll) Add(conn net.Conn) error {
	fd, err := socketFD(conn)
	if err != nil {
		return err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP, Fd: fd}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		return err
	}

	e.mu.Lock()
	e.byFD[fd] = conn
	e.byConn[conn] = fd
	e.mu.Unlock()
	return nil
}

// Remove stops watching conn. Unknown connections are ignored.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	fd, ok := e.byConn[conn]
	delete(e.byConn, conn)
	delete(e.byFD, fd)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, int(fd), nil)
	if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) {
		// The socket was closed first; the kernel already dropped it.
		return nil
	}
	return err
}

// Wait returns the connections that are ready, or none after the wait
// timeout. Interrupted waits are retried. A connection removed while the
// kernel reported it is skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var n int
	for {
		var err error
		n, err = unix.EpollWait(e.fd, e.events, waitTimeoutMs)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}
	if n == 0 {
		return nil, nil
	}

	ready := make([]net.Conn, 0, n)
	e.mu.RLock()
	for _, ev := range e.events[:n] {
		if conn, ok := e.byFD[ev.Fd]; ok {
			ready = append(ready, conn)
		}
	}
	e.mu.RUnlock()
	return ready, nil
}

// Len returns the number of watched connections.
func (e *Epoll) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.byFD)
}

// Reader returns where conn's frames are read from. epoll never consumes
// bytes, so that is the socket itself.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	return conn
}

// Resume is a no-op: level-triggered readiness needs no re-arming.
func (e *Epoll) Resume(net.Conn) {}

// Close releases the epoll descriptor. Watched sockets stay open.
func (e *Epoll) Close() error {
	e.mu.Lock()
	clear(e.byFD)
	clear(e.byConn)
	e.mu.Unlock()
	return unix.Close(e.fd)
}

// socketFD reads conn's descriptor through SyscallConn, which unlike
// File does not dup it.
func socketFD(conn net.Conn) (int32, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, errors.New("ws: connection does not expose a socket")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := int32(-1)
	if err := raw.Control(func(s uintptr) { fd = int32(s) }); err != nil {
		return -1, err
	}
	return fd, nil
}
