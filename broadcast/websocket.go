package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const wsReadLimit = 4096

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// observers are dashboards on other origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebsocketConn is an observer connected over a websocket. Writes are serialised.
type WebsocketConn struct {
	id        string
	ws        *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func NewWebsocketConn(ws *websocket.Conn) *WebsocketConn {
	return &WebsocketConn{
		id: "ws-" + uuid.NewString(),
		ws: ws,
	}
}

func (c *WebsocketConn) ID() string { return c.id }

func (c *WebsocketConn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *WebsocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// ServeWS upgrades the request and registers the observer with hub until the peer goes
// away. Anything the peer sends is read and discarded.
func ServeWS(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			// Upgrade has already written an HTTP error
			logger.Warn().Err(err).Str("ip", req.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		conn := NewWebsocketConn(ws)
		if err := hub.Register(req.Context(), conn); err != nil {
			logger.Warn().Err(err).Str("conn", conn.ID()).Msg("failed to register observer")
			conn.Close()
			return
		}
		ws.SetReadLimit(wsReadLimit)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				break
			}
		}
		hub.Unregister(conn.ID())
	}
}
