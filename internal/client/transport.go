package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/chatsync/internal/protocol"
)

// CloseError reports why a connection ended. Code is CloseAbnormal when no
// close frame was received.
type CloseError struct {
	Code   protocol.CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("client: connection closed (%d %s)", e.Code, e.Reason)
}

// closeCodeOf extracts the close code from a Transport.Read error.
func closeCodeOf(err error) protocol.CloseCode {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return protocol.CloseAbnormal
}

// Transport is one established push connection.
type Transport interface {
	// Read blocks for the next data frame. It returns a *CloseError when
	// the connection ends.
	Read() ([]byte, error)
	Write(data []byte) error
	Close(code protocol.CloseCode, reason string) error
}

// Dialer opens a Transport to url authenticated with token.
type Dialer func(ctx context.Context, url, token string) (Transport, error)

// WebSocketDialer dials with gobwas/ws, sending token as a bearer header.
func WebSocketDialer(writeTimeout time.Duration) Dialer {
	return func(ctx context.Context, url, token string) (Transport, error) {
		d := ws.Dialer{
			Header: ws.HandshakeHeaderHTTP(http.Header{
				"Authorization": []string{"Bearer " + token},
			}),
		}
		conn, br, _, err := d.Dial(ctx, url)
		if err != nil {
			return nil, fmt.Errorf("client: dial %s: %w", url, err)
		}
		var r io.Reader = conn
		if br != nil {
			r = io.MultiReader(br, conn)
		}
		return &wsTransport{conn: conn, r: r, writeTimeout: writeTimeout}, nil
	}
}

type wsTransport struct {
	conn         net.Conn
	r            io.Reader
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// rw routes control-frame replies through the write mutex.
type rw struct {
	io.Reader
	t *wsTransport
}

func (x rw) Write(p []byte) (int, error) {
	x.t.writeMu.Lock()
	defer x.t.writeMu.Unlock()
	return x.t.conn.Write(p)
}

func (t *wsTransport) Read() ([]byte, error) {
	data, _, err := wsutil.ReadServerData(rw{Reader: t.r, t: t})
	if err != nil {
		var closed wsutil.ClosedError
		if errors.As(err, &closed) {
			return nil, &CloseError{Code: protocol.CloseCode(closed.Code), Reason: closed.Reason}
		}
		return nil, &CloseError{Code: protocol.CloseAbnormal, Reason: err.Error()}
	}
	return data, nil
}

func (t *wsTransport) Write(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientText(t.conn, data)
}

func (t *wsTransport) Close(code protocol.CloseCode, reason string) error {
	t.writeMu.Lock()
	if code.Sendable() {
		_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
		_ = ws.WriteFrame(t.conn, ws.MaskFrameInPlace(ws.NewCloseFrame(body)))
	}
	t.writeMu.Unlock()
	return t.conn.Close()
}
