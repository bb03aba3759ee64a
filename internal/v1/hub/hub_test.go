package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/agentmesh-dev/agentmesh/internal/v1/auth"
	"github.com/agentmesh-dev/agentmesh/internal/v1/project"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// gorilla/websocket's upgrader pool and httptest keep-alives settle
		// slightly after test completion.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type mockConn struct {
	mu     sync.Mutex
	closed bool
}

func (m *mockConn) ReadMessage() (int, []byte, error)       { select {} }
func (m *mockConn) WriteMessage(int, []byte) error          { return nil }
func (m *mockConn) SetWriteDeadline(time.Time) error        { return nil }
func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func newAuthenticator(t *testing.T) (*auth.Authenticator, *auth.HS256Validator) {
	t.Helper()
	v := auth.NewHS256Validator("hub-test-secret-123", "agentmesh-test", "agentmesh-clients", time.Hour)
	projects := project.NewRegistry(project.Config{MaxQueueSize: 100})
	return auth.NewAuthenticator(v, projects), v
}

// fakeClient joins a room without running pumps; events are read straight
// off the send channel.
func fakeClient(r *Room, id string, buffer int) *Client {
	c := &Client{
		conn: &mockConn{},
		send: make(chan []byte, buffer),
		room: r,
		ID:   id,
	}
	r.handleConnect(c)
	return c
}

func drainEvents(t *testing.T, c *Client) []Event {
	t.Helper()
	var out []Event
	for {
		select {
		case data := <-c.send:
			var ev Event
			require.NoError(t, json.Unmarshal(data, &ev))
			out = append(out, ev)
		default:
			return out
		}
	}
}

func lastEvent(t *testing.T, c *Client) Event {
	t.Helper()
	evs := drainEvents(t, c)
	require.NotEmpty(t, evs)
	return evs[len(evs)-1]
}

func TestMeetingRoomBroadcast(t *testing.T) {
	a, _ := newAuthenticator(t)
	h := NewHub(KindMeeting, a, Options{})
	room := h.getOrCreateRoom("m1")

	alice := fakeClient(room, "alice", 8)
	bob := fakeClient(room, "bob", 8)
	drainEvents(t, alice) // join announcements
	drainEvents(t, bob)

	room.route(context.Background(), alice, &Event{
		Type:    "opinion_request",
		Payload: json.RawMessage(`{"topic": "deploy?"}`),
	})

	ev := lastEvent(t, bob)
	assert.Equal(t, "opinion_request", ev.Type)
	assert.Equal(t, "alice", ev.SenderID)
	assert.Equal(t, "m1", ev.RoomID)
	assert.False(t, ev.Timestamp.IsZero())

	// The sender does not hear its own event.
	assert.Empty(t, drainEvents(t, alice))
}

func TestJoinAndLeaveAnnouncements(t *testing.T) {
	a, _ := newAuthenticator(t)
	h := NewHub(KindChat, a, Options{})
	room := h.getOrCreateRoom("c1")

	alice := fakeClient(room, "alice", 8)
	bob := fakeClient(room, "bob", 8)

	ev := lastEvent(t, alice)
	assert.Equal(t, "participant_joined", ev.Type)
	assert.Equal(t, "bob", ev.SenderID)

	room.handleDisconnect(bob)
	ev = lastEvent(t, alice)
	assert.Equal(t, "participant_left", ev.Type)
	assert.Equal(t, "bob", ev.SenderID)
}

func TestUnsupportedEventBouncesError(t *testing.T) {
	a, _ := newAuthenticator(t)
	h := NewHub(KindChat, a, Options{})
	room := h.getOrCreateRoom("c1")
	alice := fakeClient(room, "alice", 8)

	room.route(context.Background(), alice, &Event{Type: "opinion"})
	ev := lastEvent(t, alice)
	assert.Equal(t, "error", ev.Type)
	assert.Contains(t, string(ev.Payload), "unsupported")
}

func TestStatusHubControlEvents(t *testing.T) {
	a, _ := newAuthenticator(t)
	h := NewHub(KindStatus, a, Options{AllowGuests: true})
	room := h.getOrCreateRoom(StatusRoom)
	guest := fakeClient(room, "guest", 8)
	guest.Guest = true

	// Connect greeting.
	evs := drainEvents(t, guest)
	require.NotEmpty(t, evs)
	assert.Equal(t, "connected", evs[0].Type)

	room.route(context.Background(), guest, &Event{Type: "ping"})
	assert.Equal(t, "pong", lastEvent(t, guest).Type)

	room.route(context.Background(), guest, &Event{Type: "subscribe"})
	assert.Equal(t, "subscribed", lastEvent(t, guest).Type)
}

func TestGuestsCannotPublish(t *testing.T) {
	a, _ := newAuthenticator(t)
	h := NewHub(KindChat, a, Options{AllowGuests: true})
	room := h.getOrCreateRoom("c1")

	guest := fakeClient(room, "guest", 8)
	guest.Guest = true
	other := fakeClient(room, "other", 8)
	drainEvents(t, guest)
	drainEvents(t, other)

	room.route(context.Background(), guest, &Event{Type: "message", Payload: json.RawMessage(`{"text":"hi"}`)})
	assert.Equal(t, "error", lastEvent(t, guest).Type)
	assert.Empty(t, drainEvents(t, other))
}

func TestSlowClientEvicted(t *testing.T) {
	a, _ := newAuthenticator(t)
	h := NewHub(KindChat, a, Options{})
	room := h.getOrCreateRoom("c1")

	alice := fakeClient(room, "alice", 8)
	// Zero buffer: the first frame already fails to queue.
	slow := fakeClient(room, "slow", 0)

	room.route(context.Background(), alice, &Event{Type: "message", Payload: json.RawMessage(`{"text":"hi"}`)})

	assert.NotContains(t, room.Participants(), "slow")
	assert.Contains(t, room.Participants(), "alice")
	assert.True(t, slow.conn.(*mockConn).closed)
}

func TestNotifyReachesSubscribers(t *testing.T) {
	a, _ := newAuthenticator(t)
	h := NewHub(KindStatus, a, Options{AllowGuests: true})
	room := h.getOrCreateRoom(StatusRoom)
	sub := fakeClient(room, "watcher", 8)
	drainEvents(t, sub)

	h.Notify(context.Background(), "", &Event{
		Type:    "agent_registered",
		Payload: json.RawMessage(`{"session_id": "agent-1"}`),
	})
	ev := lastEvent(t, sub)
	assert.Equal(t, "agent_registered", ev.Type)
	assert.Equal(t, StatusRoom, ev.RoomID)
}

func TestEventHookObservesInbound(t *testing.T) {
	a, _ := newAuthenticator(t)
	var seen []string
	h := NewHub(KindMeeting, a, Options{
		OnEvent: func(ctx context.Context, roomID string, c *Client, ev *Event) {
			seen = append(seen, ev.Type)
		},
	})
	room := h.getOrCreateRoom("m1")
	alice := fakeClient(room, "alice", 8)

	room.route(context.Background(), alice, &Event{Type: "opinion", Payload: json.RawMessage(`{}`)})
	room.route(context.Background(), alice, &Event{Type: "nonsense"})

	assert.Equal(t, []string{"opinion"}, seen)
}

// End-to-end over a real WebSocket: authenticate, greet, ping, close.
func TestServeWsEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a, v := newAuthenticator(t)
	h := NewHub(KindStatus, a, Options{AllowGuests: true})

	r := gin.New()
	r.GET("/ws/status", h.ServeWs)
	srv := httptest.NewServer(r)
	defer srv.Close()

	token, err := v.IssueToken("agent-1", "p1", "agent")
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/status?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "connected", ev.Type)

	require.NoError(t, conn.WriteJSON(Event{Type: "ping"}))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "pong", ev.Type)
}

func TestServeWsRejectsMissingCredentials(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a, _ := newAuthenticator(t)
	h := NewHub(KindMeeting, a, Options{})

	r := gin.New()
	r.GET("/ws/meetings/:roomId", h.ServeWs)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/meetings/m1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestTypingStateTrackedAndPurgedOnDisconnect(t *testing.T) {
	a, _ := newAuthenticator(t)
	h := NewHub(KindChat, a, Options{})
	room := h.getOrCreateRoom("c1")

	alice := fakeClient(room, "alice", 8)
	bob := fakeClient(room, "bob", 8)
	drainEvents(t, alice)
	drainEvents(t, bob)

	room.route(context.Background(), alice, &Event{Type: "typing", Payload: json.RawMessage(`{"typing": true}`)})
	assert.Equal(t, []string{"alice"}, room.Typing())
	assert.Equal(t, "typing", lastEvent(t, bob).Type)

	// An explicit stop clears the flag.
	room.route(context.Background(), alice, &Event{Type: "typing", Payload: json.RawMessage(`{"typing": false}`)})
	assert.Empty(t, room.Typing())
	drainEvents(t, bob)

	// Disconnecting mid-composition purges the flag and tells the room.
	room.route(context.Background(), alice, &Event{Type: "typing", Payload: json.RawMessage(`{"typing": true}`)})
	require.Equal(t, []string{"alice"}, room.Typing())
	drainEvents(t, bob)

	room.handleDisconnect(alice)
	assert.Empty(t, room.Typing())

	evs := drainEvents(t, bob)
	require.NotEmpty(t, evs)
	assert.Equal(t, "typing", evs[0].Type)
	assert.Equal(t, "alice", evs[0].SenderID)
	assert.JSONEq(t, `{"typing": false}`, string(evs[0].Payload))
	assert.Equal(t, "participant_left", evs[len(evs)-1].Type)
}
