package webview

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"rally/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inboundMessage is the wire shape of a browser-originated command:
// submit_input addresses the UI/Input boundary's SubmitInput, and
// interrupt addresses its Interrupt.
type inboundMessage struct {
	Type  string `json:"type"`
	TabID string `json:"tab_id"`
	Text  string `json:"text,omitempty"`
}

// Client represents one connected browser websocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	onSubmitInput func(tabID, text string) error
	onInterrupt   func(tabID string) error
}

// NewClient creates a Client bound to hub, with the two callbacks the
// server wires to the UI/Input boundary.
func NewClient(hub *Hub, conn *websocket.Conn, onSubmitInput func(tabID, text string) error, onInterrupt func(tabID string) error) *Client {
	return &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, 64),
		id:            uuid.New().String(),
		onSubmitInput: onSubmitInput,
		onInterrupt:   onInterrupt,
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debugf("webview: client %s read error: %v", c.id, err)
			}
			return
		}
		c.handleMessage(raw)
	}
}

func (c *Client) handleMessage(raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Warnf("webview: client %s sent malformed message: %v", c.id, err)
		return
	}

	switch msg.Type {
	case "submit_input":
		if msg.TabID == "" || msg.Text == "" || c.onSubmitInput == nil {
			return
		}
		if err := c.onSubmitInput(msg.TabID, msg.Text); err != nil {
			logger.Warnf("webview: submit_input for tab %s: %v", msg.TabID, err)
		}
	case "interrupt":
		if msg.TabID == "" || c.onInterrupt == nil {
			return
		}
		if err := c.onInterrupt(msg.TabID); err != nil {
			logger.Warnf("webview: interrupt for tab %s: %v", msg.TabID, err)
		}
	default:
		logger.Debugf("webview: client %s sent unknown message type %q", c.id, msg.Type)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// ServeWs upgrades r to a websocket, registers the resulting Client
// with hub, and starts its read/write pumps.
func ServeWs(hub *Hub, onSubmitInput func(tabID, text string) error, onInterrupt func(tabID string) error, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("webview: upgrade failed: %v", err)
		return
	}

	c := NewClient(hub, conn, onSubmitInput, onInterrupt)
	hub.Register(c)

	go c.writePump()
	go c.readPump()
}
