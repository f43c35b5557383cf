package steamcm

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// wsReadLimit caps a single inbound frame. CM responses, multi bundles
// included, stay well under this.
const wsReadLimit = 1 << 20

// Connection is one framed transport to a CM server. Write and Read
// carry whole CM packets; Read blocks until a frame arrives or ctx is
// cancelled.
type Connection interface {
	Write(ctx context.Context, data []byte) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
	RemoteAddr() string
}

type wsConn struct {
	conn *websocket.Conn
	addr string
}

// dialWebSocket opens the CM WebSocket endpoint on host ("host:port").
func dialWebSocket(ctx context.Context, host string) (*wsConn, error) {
	conn, _, err := websocket.Dial(ctx, "wss://"+host+"/cmsocket/", nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host, err)
	}
	conn.SetReadLimit(wsReadLimit)
	return &wsConn{conn: conn, addr: host}, nil
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageBinary, data)
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

// Close tears the socket down without a close handshake; readLoop may
// still be blocked in Read and the handshake would wait on it.
func (w *wsConn) Close() error {
	return w.conn.CloseNow()
}

func (w *wsConn) RemoteAddr() string {
	return w.addr
}
