package signaling

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 1 * time.Second

// Transport is the relay's view of a single client connection. All methods
// must be safe for concurrent use.
type Transport interface {
	Send(payload []byte) error
	Ping() error
	Close(code int, reason string)
	Open() bool
}

// wsTransport serializes writes to a gorilla connection, which supports at
// most one concurrent writer.
type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  atomic.Bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(payload []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.closed.Store(true)
		return err
	}
	return nil
}

func (t *wsTransport) Ping() error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
		t.closed.Store(true)
		return err
	}
	return nil
}

// Close sends a close frame and tears down the connection. Only the first
// call has any effect.
func (t *wsTransport) Close(code int, reason string) {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.writeMu.Lock()
	writeClose(t.conn, code, reason)
	t.writeMu.Unlock()
	_ = t.conn.Close()
}

func (t *wsTransport) Open() bool {
	return !t.closed.Load()
}

func (t *wsTransport) markClosed() {
	t.closed.Store(true)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
