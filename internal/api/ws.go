package api

import (
	"net/http"
	"time"

	"lostfound-board/backend/internal/hub"
	apperrors "lostfound-board/backend/pkg/errors"
	"lostfound-board/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // same-origin enforcement happens at the proxy
	},
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
}

// RoomSocket handles GET /conversations/:id/ws: the same event stream as
// the SSE endpoint, for clients that prefer a websocket transport. The
// socket is push-only; the client still sends messages over HTTP.
func (h *EventsHandler) RoomSocket(c *gin.Context) {
	conversationID := c.Param("id")
	userID := CurrentUserID(c)

	ok, err := h.service.IsMember(conversationID, userID)
	if err != nil {
		c.Error(err)
		return
	}
	if !ok {
		c.Error(apperrors.ErrForbidden())
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.FromContext(c).LogError(err, "websocket upgrade", "conversation_id", conversationID)
		return
	}

	sub := h.rooms.Subscribe(conversationID)

	go h.socketWritePump(conn, sub)
	go socketReadPump(conn, sub)
}

// socketWritePump owns all writes on the connection: hub events as JSON
// text frames plus periodic pings. Any write error ends the subscription.
func (h *EventsHandler) socketWritePump(conn *websocket.Conn, sub *hub.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
	}()

	ready, err := hub.EncodeJSON(hub.Ready{})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, ready); err != nil {
		return
	}

	for {
		select {
		case <-sub.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case e := <-sub.Events():
			if _, isHeartbeat := e.(hub.Heartbeat); isHeartbeat {
				continue // websocket liveness uses pings instead
			}
			data, err := hub.EncodeJSON(e)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// socketReadPump discards inbound frames but keeps the pong handler
// running so dead peers are detected.
func socketReadPump(conn *websocket.Conn, sub *hub.Subscription) {
	defer func() {
		sub.Close()
		conn.Close()
	}()

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
