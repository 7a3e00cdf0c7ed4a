package livehub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards are served from arbitrary origins behind the ingress.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

// subscribeRequest is what the dashboard sends to start or stop watching a
// device.
type subscribeRequest struct {
	Action   string `json:"action"` // "subscribe" or "unsubscribe"
	DeviceID string `json:"deviceId"`
}

// ServeWS upgrades the request and runs the connection until either side
// closes it.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		zap.S().Warnf("Websocket upgrade failed: %s", err)
		return
	}

	cl := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	liveConnections.Inc()
	go cl.writePump()
	go cl.readPump()
}

func (c *client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.closeOnce.Do(func() { close(c.send) })
		_ = c.conn.Close()
		liveConnections.Dec()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zap.S().Debugf("Live connection closed: %s", err)
			}
			return
		}

		var req subscribeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		deviceID, err := uuid.Parse(req.DeviceID)
		if err != nil {
			continue
		}
		switch req.Action {
		case "subscribe":
			c.hub.subscribe(c, deviceID)
		case "unsubscribe":
			c.hub.unsubscribe(c, deviceID)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
