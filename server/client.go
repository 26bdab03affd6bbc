package server

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alimasry/go-collab-docs/presence"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 64 * 1024
)

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	UserID string
	Name   string
	Color  string

	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	// The session this client is currently in (nil if not joined).
	mu      sync.Mutex
	session *Session
	closed  bool
	gone    bool // read pump exited
}

var (
	adjectives = []string{"Red", "Blue", "Green", "Gold", "Silver", "Purple", "Orange", "Teal", "Coral", "Jade"}
	animals    = []string{"Fox", "Owl", "Bear", "Wolf", "Hawk", "Deer", "Lynx", "Crow", "Dove", "Seal"}
)

func randomName() string {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	return adjectives[r.Intn(len(adjectives))] + " " + animals[r.Intn(len(animals))]
}

func newClient(hub *Hub, conn *websocket.Conn, userID, name string) *Client {
	id := uuid.NewString()
	if name == "" {
		name = randomName()
	}
	return &Client{
		ID:      id,
		UserID:  userID,
		Name:    name,
		Color:   presence.ColorFor(id),
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		limiter: hub.newLimiter(),
	}
}

func (c *Client) currentSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// claim binds the client to s unless it is already in a session or has
// disconnected.
func (c *Client) claim(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone || c.session != nil {
		return false
	}
	c.session = s
	return true
}

func (c *Client) release(s *Session) {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()
}

func (c *Client) isGone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gone
}

// ReadPump reads messages from the WebSocket and routes them.
func (c *Client) ReadPump() {
	clientsConnected.Inc()
	defer func() {
		clientsConnected.Dec()
		c.mu.Lock()
		c.gone = true
		s := c.session
		c.mu.Unlock()
		if s != nil {
			s.removeClient(c)
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("client read error", zap.String("client", c.ID), zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}

		if msg.Type == MsgJoin {
			if c.currentSession() != nil {
				c.sendError("already joined to a document")
				continue
			}
			c.hub.Join(c, msg.DocID)
			continue
		}

		s := c.currentSession()
		if s == nil {
			c.sendError("not joined to a document")
			continue
		}
		if (msg.Type == MsgOp || msg.Type == MsgEdit) && c.limiter != nil && !c.limiter.Allow() {
			opsTotal.WithLabelValues("limited").Inc()
			c.sendError("rate limited, resync before sending more edits")
			continue
		}
		s.submit(clientMessage{client: c, msg: msg})
	}
}

// WritePump writes messages from the send channel to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
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

func (c *Client) sendRaw(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Too slow to keep up. The write pump hangs up, and the read
		// pump then takes the client out of its session.
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendMsg(msg ServerMessage) {
	c.sendRaw(msg.Encode())
}

func (c *Client) sendError(message string) {
	c.sendMsg(ServerMessage{Type: MsgError, Message: message})
}

// close ends the write pump. Later sends are ignored.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.session = nil
	close(c.send)
}

func (c *Client) Info() ClientInfo {
	return ClientInfo{ID: c.ID, Name: c.Name, Color: c.Color}
}
