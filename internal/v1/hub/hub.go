// Package hub implements the real-time WebSocket layer: meeting rooms for
// structured discussions, chat rooms for free-form messaging, and a global
// status feed. Rooms are created on demand and cleaned up after a grace
// period once empty.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmesh-dev/agentmesh/internal/v1/auth"
	"github.com/agentmesh-dev/agentmesh/internal/v1/logging"
	"github.com/agentmesh-dev/agentmesh/internal/v1/metrics"
)

// Kind selects a hub flavor; each flavor accepts a different event set.
type Kind string

const (
	KindMeeting Kind = "meeting"
	KindChat    Kind = "chat"
	KindStatus  Kind = "status"
)

// StatusRoom is the single room of the status hub.
const StatusRoom = "global"

// Event is the JSON frame exchanged on every hub connection.
type Event struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"room_id,omitempty"`
	SenderID  string          `json:"sender_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Origin    string          `json:"origin,omitempty"` // publishing instance, for bus echo suppression
}

// BusService fans events out across server instances. Nil means
// single-instance mode.
type BusService interface {
	Publish(ctx context.Context, room string, ev *Event) error
	Subscribe(ctx context.Context, room string, handler func(*Event))
	Close() error
}

// inbound event types per kind. Everything else bounces back as an error
// event.
var inboundEvents = map[Kind]map[string]bool{
	KindMeeting: {
		"opinion_request":   true,
		"opinion":           true,
		"consensus_request": true,
		"consensus_vote":    true,
	},
	KindChat: {
		"message": true,
		"typing":  true,
	},
	KindStatus: {
		"ping":      true,
		"subscribe": true,
	},
}

// EventHook observes every accepted inbound event, letting callers bridge
// hub traffic into other components.
type EventHook func(ctx context.Context, roomID string, c *Client, ev *Event)

// Hub coordinates the rooms of one kind and upgrades incoming connections.
type Hub struct {
	kind          Kind
	authenticator *auth.Authenticator

	mu              sync.Mutex
	rooms           map[string]*Room
	pendingCleanups map[string]*time.Timer

	allowedOrigins     []string
	allowGuests        bool
	cleanupGracePeriod time.Duration
	bus                BusService
	instanceID         string
	onEvent            EventHook
}

// Options configures a hub.
type Options struct {
	AllowedOrigins []string
	// AllowGuests admits unauthenticated read-only connections. Only the
	// status hub sets this.
	AllowGuests bool
	Bus         BusService
	OnEvent     EventHook
}

// NewHub creates a hub of the given kind.
func NewHub(kind Kind, authenticator *auth.Authenticator, opts Options) *Hub {
	return &Hub{
		kind:               kind,
		authenticator:      authenticator,
		rooms:              make(map[string]*Room),
		pendingCleanups:    make(map[string]*time.Timer),
		allowedOrigins:     opts.AllowedOrigins,
		allowGuests:        opts.AllowGuests,
		cleanupGracePeriod: 5 * time.Second,
		bus:                opts.Bus,
		instanceID:         uuid.NewString(),
		onEvent:            opts.OnEvent,
	}
}

// ServeWs upgrades the request and joins the client to its room. The
// connection is authenticated after the upgrade so the client receives a
// proper close frame (policy violation) instead of a bare HTTP error.
func (h *Hub) ServeWs(c *gin.Context) {
	upgrader := websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return
	}

	principal, err := h.authenticate(c)
	if err != nil {
		deadline := time.Now().Add(writeWait)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication required"),
			deadline)
		conn.Close()
		return
	}

	roomID := c.Param("roomId")
	if h.kind == KindStatus {
		roomID = StatusRoom
	}
	room := h.getOrCreateRoom(roomID)

	client := &Client{
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		room:        room,
		ID:          principal.Subject,
		DisplayName: principal.Name,
		ProjectID:   principal.ProjectID,
		Guest:       principal.Guest,
	}
	if client.DisplayName == "" {
		client.DisplayName = client.ID
	}

	metrics.HubConnections.WithLabelValues(string(h.kind)).Inc()
	room.handleConnect(client)

	go client.writePump()
	go client.readPump()
}

// authenticate resolves the connection's principal: JWT first, API key
// second, guest last when the hub allows it.
func (h *Hub) authenticate(c *gin.Context) (*auth.Principal, error) {
	if token := c.Query("token"); token != "" {
		return h.authenticator.FromToken(token)
	}
	apiKey := c.Query("api_key")
	if apiKey == "" {
		apiKey = c.GetHeader("X-API-Key")
	}
	if apiKey != "" {
		return h.authenticator.FromAPIKey(c.Request.Context(), apiKey)
	}
	if h.allowGuests {
		return h.authenticator.Guest(), nil
	}
	return nil, errNoCredentials
}

var errNoCredentials = &noCredentialsError{}

type noCredentialsError struct{}

func (*noCredentialsError) Error() string { return "no credentials provided" }

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// Notify pushes a server-generated event to every subscriber of a room. The
// status hub uses this for lifecycle announcements.
func (h *Hub) Notify(ctx context.Context, roomID string, ev *Event) {
	if h.kind == KindStatus {
		roomID = StatusRoom
	}
	h.mu.Lock()
	room, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.RoomID = roomID
	room.broadcast(ev, nil)
	h.publish(ctx, roomID, ev)
	metrics.HubEvents.WithLabelValues(string(h.kind), ev.Type).Inc()
}

func (h *Hub) publish(ctx context.Context, roomID string, ev *Event) {
	if h.bus == nil {
		return
	}
	cp := *ev
	cp.Origin = h.instanceID
	if err := h.bus.Publish(ctx, string(h.kind)+":"+roomID, &cp); err != nil {
		logging.Warn(ctx, "Failed to publish hub event to bus",
			zap.String("room_id", roomID), zap.Error(err))
	}
}

// getOrCreateRoom returns the room, creating it and wiring the bus
// subscription on first use. Pending cleanups are cancelled on reconnect.
func (h *Hub) getOrCreateRoom(roomID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if room, ok := h.rooms[roomID]; ok {
		if timer, pending := h.pendingCleanups[roomID]; pending {
			timer.Stop()
			delete(h.pendingCleanups, roomID)
		}
		return room
	}

	room := newRoom(h, roomID)
	h.rooms[roomID] = room

	if h.bus != nil {
		h.bus.Subscribe(context.Background(), string(h.kind)+":"+roomID, func(ev *Event) {
			if ev.Origin == h.instanceID {
				return
			}
			room.broadcast(ev, nil)
		})
	}

	logging.Info(context.Background(), "Hub room created",
		zap.String("hub", string(h.kind)), zap.String("room_id", roomID))
	return room
}

// removeRoom schedules an empty room for deletion after the grace period, so
// a refreshing client does not lose the room.
func (h *Hub) removeRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if timer, ok := h.pendingCleanups[roomID]; ok {
		timer.Stop()
		delete(h.pendingCleanups, roomID)
	}

	timer := time.AfterFunc(h.cleanupGracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if room, ok := h.rooms[roomID]; ok && room.empty() {
			delete(h.rooms, roomID)
			delete(h.pendingCleanups, roomID)
			logging.Info(context.Background(), "Removed empty hub room",
				zap.String("hub", string(h.kind)), zap.String("room_id", roomID))
		} else {
			delete(h.pendingCleanups, roomID)
		}
	})
	h.pendingCleanups[roomID] = timer
}
