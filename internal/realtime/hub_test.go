package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRelay struct {
	mu   sync.Mutex
	envs []RelayEnvelope
	err  error
}

func (f *fakeRelay) Publish(_ context.Context, env RelayEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	return f.err
}

func (f *fakeRelay) Envelopes() []RelayEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RelayEnvelope(nil), f.envs...)
}

func testConn(role Role, buffer int) *Conn {
	return newConn("c-"+string(role), role, nil, buffer, nil, zap.NewNop())
}

func drain(t *testing.T, c *Conn) []Frame {
	t.Helper()
	var out []Frame
	for {
		select {
		case data := <-c.send:
			var f Frame
			require.NoError(t, json.Unmarshal(data, &f))
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestRoomNames(t *testing.T) {
	assert.Equal(t, "chat:site-1:v-1", VisitorRoom("site-1", "v-1"))
	assert.Equal(t, "operators:site-1", OperatorRoom("site-1"))
}

func TestHubJoinLeave(t *testing.T) {
	hub := NewHub("node-a", nil)
	a, b := testConn(RoleVisitor, 4), testConn(RoleVisitor, 4)
	room := VisitorRoom("site-1", "v-1")

	assert.True(t, hub.Join(room, a))
	assert.False(t, hub.Join(room, a), "second join of the same connection is a no-op")
	assert.True(t, hub.Join(room, b))
	assert.Equal(t, 2, hub.RoomSize(room))

	assert.Equal(t, 1, hub.Leave(room, a))
	assert.Equal(t, 0, hub.Leave(room, b))
	assert.Equal(t, 0, hub.RoomSize(room))
}

func TestHubEmitDeliversAndRelays(t *testing.T) {
	relay := &fakeRelay{}
	hub := NewHub("node-a", relay)
	member, outsider := testConn(RoleOperator, 4), testConn(RoleOperator, 4)
	hub.Join(OperatorRoom("site-1"), member)
	hub.Join(OperatorRoom("site-2"), outsider)

	frame, err := newFrame(EventUnreadCountUpdate, "", UnreadCountEvent{SiteID: "site-1", Count: 3})
	require.NoError(t, err)
	hub.Emit(context.Background(), OperatorRoom("site-1"), frame)

	got := drain(t, member)
	require.Len(t, got, 1)
	assert.Equal(t, EventUnreadCountUpdate, got[0].Type)
	assert.JSONEq(t, `{"siteId":"site-1","count":3}`, string(got[0].Data))
	assert.Empty(t, drain(t, outsider))

	envs := relay.Envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, "node-a", envs[0].Origin)
	assert.Equal(t, OperatorRoom("site-1"), envs[0].Room)
}

func TestHubEmitSurvivesRelayFailure(t *testing.T) {
	hub := NewHub("node-a", &fakeRelay{err: errors.New("redis down")})
	c := testConn(RoleOperator, 4)
	hub.Join(OperatorRoom("site-1"), c)

	hub.Emit(context.Background(), OperatorRoom("site-1"), Frame{Type: EventPresenceOnline})
	assert.Len(t, drain(t, c), 1)
}

func TestHubEmitLocalDoesNotRelay(t *testing.T) {
	relay := &fakeRelay{}
	hub := NewHub("node-a", relay)
	c := testConn(RoleVisitor, 4)
	hub.Join(VisitorRoom("site-1", "v-1"), c)

	hub.EmitLocal(context.Background(), VisitorRoom("site-1", "v-1"), Frame{Type: EventMessageFromOperator})
	assert.Len(t, drain(t, c), 1)
	assert.Empty(t, relay.Envelopes())
}

func TestHubHandleRelay(t *testing.T) {
	hub := NewHub("node-a", nil)
	c := testConn(RoleOperator, 4)
	hub.Join(OperatorRoom("site-1"), c)
	payload := json.RawMessage(`{"type":"presence.offline"}`)

	hub.HandleRelay(RelayEnvelope{Origin: "node-a", Room: OperatorRoom("site-1"), Payload: payload})
	assert.Empty(t, drain(t, c), "own emits are already delivered locally")

	hub.HandleRelay(RelayEnvelope{Origin: "node-b", Room: OperatorRoom("site-1"), Payload: payload})
	got := drain(t, c)
	require.Len(t, got, 1)
	assert.Equal(t, EventPresenceOffline, got[0].Type)
}

func TestHubClosesSlowConnections(t *testing.T) {
	hub := NewHub("node-a", nil)
	slow := testConn(RoleOperator, 1)
	hub.Join(OperatorRoom("site-1"), slow)

	hub.EmitLocal(context.Background(), OperatorRoom("site-1"), Frame{Type: "a"})
	assert.False(t, slow.Closed())
	hub.EmitLocal(context.Background(), OperatorRoom("site-1"), Frame{Type: "b"})
	assert.True(t, slow.Closed())
}

func TestHubUnregisterReportsEmptiedRooms(t *testing.T) {
	hub := NewHub("node-a", nil)
	tab1, tab2 := testConn(RoleVisitor, 4), testConn(RoleVisitor, 4)
	room := VisitorRoom("site-1", "v-1")
	for _, c := range []*Conn{tab1, tab2} {
		hub.Register(c)
		hub.Join(room, c)
	}
	require.Equal(t, 2, hub.Connections())

	assert.Empty(t, hub.Unregister(tab1), "other tab still in the room")
	assert.Equal(t, []string{room}, hub.Unregister(tab2))
	assert.Nil(t, hub.Unregister(tab2), "unregistering twice is harmless")
	assert.Equal(t, 0, hub.Connections())
}

func TestHubOnlineVisitors(t *testing.T) {
	hub := NewHub("node-a", nil)
	v1 := testConn(RoleVisitor, 4)
	v1.tenantID, v1.visitorID, v1.chatID = "site-1", "v-1", "chat-1"
	v2 := testConn(RoleVisitor, 4)
	v2.tenantID, v2.visitorID = "site-2", "v-2"
	hub.Join(VisitorRoom("site-1", "v-1"), v1)
	hub.Join(VisitorRoom("site-2", "v-2"), v2)

	assert.Equal(t, []PresenceEvent{{SiteID: "site-1", VisitorID: "v-1", ChatID: "chat-1"}}, hub.OnlineVisitors("site-1"))
}

func TestHubShutdownClosesConnections(t *testing.T) {
	hub := NewHub("node-a", nil)
	c := testConn(RoleOperator, 4)
	hub.Register(c)
	hub.Shutdown()
	assert.True(t, c.Closed())
	assert.False(t, c.enqueue([]byte("{}")))
}
