package hub

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// WebsocketConn adapts a websocket connection to Conn. Messages are written as JSON text frames.
type WebsocketConn struct {
	id   string
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

func NewWebsocketConn(c *websocket.Conn) *WebsocketConn {
	return &WebsocketConn{id: uuid.NewString(), conn: c}
}

func (w *WebsocketConn) ID() string { return w.id }

func (w *WebsocketConn) Send(ctx context.Context, msg *Message) error {
	return wsjson.Write(ctx, w.conn, msg)
}

func (w *WebsocketConn) Close() error {
	w.closeOnce.Do(func() {
		w.closeErr = w.conn.Close(websocket.StatusNormalClosure, "")
	})
	return w.closeErr
}
