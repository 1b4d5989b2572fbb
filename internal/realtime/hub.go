package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/livechat-router/internal/observer"
	"gitlab.com/timkado/api/livechat-router/pkg/logger"
)

// VisitorRoom is the room shared by every tab of one visitor.
func VisitorRoom(tenantID, visitorID string) string {
	return fmt.Sprintf("chat:%s:%s", tenantID, visitorID)
}

// OperatorRoom is the room shared by every operator session of a site.
func OperatorRoom(tenantID string) string {
	return "operators:" + tenantID
}

// Hub tracks room membership of the connections attached to this instance and fans
// frames out to them. Emits are mirrored to other instances through the relay.
type Hub struct {
	instanceID string
	relay      Relay

	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
	conns map[*Conn]struct{}
}

// NewHub creates a hub. A nil relay keeps fan-out local.
func NewHub(instanceID string, relay Relay) *Hub {
	if relay == nil {
		relay = nopRelay{}
	}
	return &Hub{
		instanceID: instanceID,
		relay:      relay,
		rooms:      make(map[string]map[*Conn]struct{}),
		conns:      make(map[*Conn]struct{}),
	}
}

// Register tracks a connection so Shutdown can close it.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	observer.AddActiveConnections(string(c.role), 1)
}

// Unregister removes the connection from every room. It returns the rooms that became
// empty on this instance.
func (h *Hub) Unregister(c *Conn) []string {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return nil
	}
	delete(h.conns, c)
	h.mu.Unlock()
	observer.AddActiveConnections(string(c.role), -1)

	var emptied []string
	for _, room := range c.roomList() {
		if h.Leave(room, c) == 0 {
			emptied = append(emptied, room)
		}
	}
	return emptied
}

// Join adds c to room. It reports whether c was not a member before.
func (h *Hub) Join(room string, c *Conn) bool {
	if !c.addRoom(room) {
		return false
	}
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	h.mu.Unlock()
	return true
}

// Leave removes c from room and returns the number of local members left.
func (h *Hub) Leave(room string, c *Conn) int {
	c.removeRoom(room)
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
		return 0
	}
	return len(members)
}

// RoomSize returns the number of local members of room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Members returns a snapshot of the local members of room.
func (h *Hub) Members(room string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		out = append(out, c)
	}
	return out
}

// OnlineVisitors lists the visitors of a site with a connection on this instance.
func (h *Hub) OnlineVisitors(tenantID string) []PresenceEvent {
	prefix := VisitorRoom(tenantID, "")
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []PresenceEvent
	for room, members := range h.rooms {
		if !strings.HasPrefix(room, prefix) {
			continue
		}
		for c := range members {
			_, visitorID := c.visitor()
			out = append(out, PresenceEvent{SiteID: tenantID, VisitorID: visitorID, ChatID: c.chat()})
			break
		}
	}
	return out
}

// Emit delivers frame to the local members of room and relays it to other instances.
func (h *Hub) Emit(ctx context.Context, room string, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to encode frame", zap.String("type", frame.Type), zap.Error(err))
		return
	}
	h.deliver(room, data)

	env := RelayEnvelope{Origin: h.instanceID, Room: room, Payload: data}
	if err := h.relay.Publish(ctx, env); err != nil {
		logger.FromContext(ctx).Warn("Failed to relay room emit",
			zap.String("room", room), zap.String("type", frame.Type), zap.Error(err))
		return
	}
	observer.IncRelayMessages("out")
}

// EmitLocal delivers frame to the local members of room only. Used for events every
// instance receives on its own, like delivery events.
func (h *Hub) EmitLocal(ctx context.Context, room string, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to encode frame", zap.String("type", frame.Type), zap.Error(err))
		return
	}
	h.deliver(room, data)
}

// HandleRelay delivers an emit published by another instance.
func (h *Hub) HandleRelay(env RelayEnvelope) {
	if env.Origin == h.instanceID {
		return
	}
	observer.IncRelayMessages("in")
	h.deliver(env.Room, env.Payload)
}

// Send writes frame to a single connection.
func (h *Hub) Send(c *Conn, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("Failed to encode frame", zap.String("type", frame.Type), zap.Error(err))
		return
	}
	if !c.enqueue(data) && !c.Closed() {
		c.log.Warn("Send buffer full, closing slow connection")
		c.Close()
	}
}

func (h *Hub) deliver(room string, data []byte) {
	for _, c := range h.Members(room) {
		if !c.enqueue(data) && !c.Closed() {
			c.log.Warn("Send buffer full, closing slow connection", zap.String("room", room))
			c.Close()
		}
	}
}

// Shutdown closes every tracked connection.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}

// Connections returns the number of tracked connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
