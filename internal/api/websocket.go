package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"equity-trading-engine/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The surface binds to localhost or sits behind a proxy that owns
		// origin policy.
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// wsClient streams one subscriber's event queue over a websocket. Each client
// gets its own bounded queue from the bus, so one slow browser tab drops its
// own events and nobody else's.
type wsClient struct {
	conn *websocket.Conn
	sub  *events.Subscription
	bus  *events.Bus
}

// handleWebSocket upgrades the connection and starts the pumps.
func (s *Server) handleWebSocket(c *gin.Context) {
	if s.d.Bus == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event stream not available"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		sub:  s.d.Bus.Subscribe(),
		bus:  s.d.Bus,
	}
	go client.writePump()
	go client.readPump()

	welcome := events.Event{
		Type:      events.EventSystemStatus,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"connected": true},
	}
	if data, err := json.Marshal(welcome); err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.C():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump exists to surface disconnects; clients never send anything the
// engine acts on.
func (c *wsClient) readPump() {
	defer func() {
		c.bus.Unsubscribe(c.sub)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
