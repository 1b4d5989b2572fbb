package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Role is the kind of party holding a connection.
type Role string

const (
	RoleVisitor  Role = "visitor"
	RoleOperator Role = "operator"
)

// Conn is one websocket connection. Only the write pump writes data frames to ws.
type Conn struct {
	id      string
	role    Role
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	log     *zap.Logger

	mu         sync.Mutex
	tenantID   string
	visitorID  string
	operatorID string
	chatID     string
	rooms      map[string]struct{}
	sites      map[string]bool

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id string, role Role, ws *websocket.Conn, buffer int, limiter *rate.Limiter, log *zap.Logger) *Conn {
	if buffer <= 0 {
		buffer = 64
	}
	return &Conn{
		id:      id,
		role:    role,
		ws:      ws,
		send:    make(chan []byte, buffer),
		limiter: limiter,
		log:     log,
		rooms:   make(map[string]struct{}),
		sites:   make(map[string]bool),
		done:    make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// enqueue hands data to the write pump. It reports false when the connection is closed
// or its buffer is full.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close stops the write pump and closes the socket. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

func (c *Conn) setChat(chatID string) (changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed = c.chatID != chatID
	c.chatID = chatID
	return changed
}

func (c *Conn) chat() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

func (c *Conn) visitor() (tenantID, visitorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tenantID, c.visitorID
}

func (c *Conn) siteAllowed(siteID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sites[siteID]
}

func (c *Conn) allowSite(siteID string) {
	c.mu.Lock()
	c.sites[siteID] = true
	c.mu.Unlock()
}

func (c *Conn) addRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; ok {
		return false
	}
	c.rooms[room] = struct{}{}
	return true
}

func (c *Conn) removeRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[room]; !ok {
		return false
	}
	delete(c.rooms, room)
	return true
}

func (c *Conn) roomList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	return out
}

// writePump drains the send buffer and keeps the connection alive with pings.
func (c *Conn) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("Websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.log.Debug("Websocket ping failed", zap.Error(err))
				return
			}
		}
	}
}
