package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh-dev/agentmesh/internal/v1/logging"
	"github.com/agentmesh-dev/agentmesh/internal/v1/metrics"
)

// Room is one broadcast domain within a hub. Broadcasts complete before the
// triggering call returns; a client whose buffer is full is evicted rather
// than allowed to stall the room.
type Room struct {
	hub *Hub
	id  string

	mu      sync.Mutex
	clients map[*Client]bool
	// typing tracks which chat participants are mid-composition, keyed by
	// sender ID. Cleared when the participant stops or disconnects.
	typing map[string]bool
}

func newRoom(h *Hub, id string) *Room {
	return &Room{
		hub:     h,
		id:      id,
		clients: make(map[*Client]bool),
		typing:  make(map[string]bool),
	}
}

func (r *Room) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients) == 0
}

// Participants returns the IDs of current subscribers.
func (r *Room) Participants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.clients))
	for c := range r.clients {
		out = append(out, c.ID)
	}
	return out
}

// handleConnect registers the client and announces it to the room.
func (r *Room) handleConnect(c *Client) {
	r.mu.Lock()
	r.clients[c] = true
	r.mu.Unlock()

	now := time.Now()
	switch r.hub.kind {
	case KindStatus:
		c.sendEvent(&Event{Type: "connected", RoomID: r.id, Timestamp: now})
	case KindChat:
		r.announce(c, "participant_joined", now)
	case KindMeeting:
		r.announce(c, "join", now)
	}

	logging.Info(context.Background(), "Client joined room",
		zap.String("hub", string(r.hub.kind)),
		zap.String("room_id", r.id),
		zap.String("client_id", c.ID))
}

// handleDisconnect removes the client, announces the departure, and
// schedules room cleanup when it was the last one.
func (r *Room) handleDisconnect(c *Client) {
	r.mu.Lock()
	if !r.clients[c] {
		r.mu.Unlock()
		return
	}
	delete(r.clients, c)
	remaining := len(r.clients)
	r.mu.Unlock()

	close(c.send)
	metrics.HubConnections.WithLabelValues(string(r.hub.kind)).Dec()

	now := time.Now()
	switch r.hub.kind {
	case KindChat:
		r.clearTyping(c, now)
		r.announce(c, "participant_left", now)
	case KindMeeting:
		r.announce(c, "leave", now)
	}

	if remaining == 0 {
		r.hub.removeRoom(r.id)
	}
}

// announce broadcasts a membership event about the given client.
func (r *Room) announce(c *Client, eventType string, at time.Time) {
	payload, _ := json.Marshal(map[string]string{
		"client_id":    c.ID,
		"display_name": c.DisplayName,
	})
	ev := &Event{
		Type:      eventType,
		RoomID:    r.id,
		SenderID:  c.ID,
		Payload:   payload,
		Timestamp: at,
	}
	r.broadcast(ev, c)
	r.hub.publish(context.Background(), r.id, ev)
	metrics.HubEvents.WithLabelValues(string(r.hub.kind), eventType).Inc()
}

// route handles one inbound client event.
func (r *Room) route(ctx context.Context, c *Client, ev *Event) {
	if !inboundEvents[r.hub.kind][ev.Type] {
		c.sendEvent(&Event{
			Type:      "error",
			RoomID:    r.id,
			Payload:   errorPayload("unsupported event type " + ev.Type),
			Timestamp: time.Now(),
		})
		return
	}
	if c.Guest && ev.Type != "ping" && ev.Type != "subscribe" {
		c.sendEvent(&Event{
			Type:      "error",
			RoomID:    r.id,
			Payload:   errorPayload("guests are read-only"),
			Timestamp: time.Now(),
		})
		return
	}

	ev.SenderID = c.ID
	ev.RoomID = r.id
	ev.Timestamp = time.Now()
	metrics.HubEvents.WithLabelValues(string(r.hub.kind), ev.Type).Inc()

	if r.hub.kind == KindChat && ev.Type == "typing" {
		r.setTyping(c.ID, ev.Payload)
	}

	// Control events are answered directly, everything else fans out.
	switch ev.Type {
	case "ping":
		c.sendEvent(&Event{Type: "pong", RoomID: r.id, Timestamp: ev.Timestamp})
	case "subscribe":
		c.sendEvent(&Event{Type: "subscribed", RoomID: r.id, Timestamp: ev.Timestamp})
	default:
		r.broadcast(ev, c)
		r.hub.publish(ctx, r.id, ev)
	}

	if r.hub.onEvent != nil {
		r.hub.onEvent(ctx, r.id, c, ev)
	}
}

// Typing returns the IDs of participants currently marked as typing.
func (r *Room) Typing() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.typing))
	for id := range r.typing {
		out = append(out, id)
	}
	return out
}

// setTyping updates the sender's typing flag. A payload without an explicit
// typing field counts as typing.
func (r *Room) setTyping(senderID string, payload json.RawMessage) {
	var body struct {
		Typing *bool `json:"typing"`
	}
	_ = json.Unmarshal(payload, &body)
	active := body.Typing == nil || *body.Typing

	r.mu.Lock()
	if active {
		r.typing[senderID] = true
	} else {
		delete(r.typing, senderID)
	}
	r.mu.Unlock()
}

// clearTyping drops the departing client's typing flag and tells the room,
// so no indicator outlives its connection.
func (r *Room) clearTyping(c *Client, at time.Time) {
	r.mu.Lock()
	wasTyping := r.typing[c.ID]
	delete(r.typing, c.ID)
	r.mu.Unlock()
	if !wasTyping {
		return
	}

	payload, _ := json.Marshal(map[string]bool{"typing": false})
	ev := &Event{
		Type:      "typing",
		RoomID:    r.id,
		SenderID:  c.ID,
		Payload:   payload,
		Timestamp: at,
	}
	r.broadcast(ev, c)
	r.hub.publish(context.Background(), r.id, ev)
	metrics.HubEvents.WithLabelValues(string(r.hub.kind), ev.Type).Inc()
}

func errorPayload(msg string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return data
}

// broadcast sends the event to every subscriber except the given one. A
// subscriber that cannot accept the frame is evicted on the spot.
func (r *Room) broadcast(ev *Event, except *Client) {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal event", zap.Error(err))
		return
	}

	r.mu.Lock()
	var dead []*Client
	for c := range r.clients {
		if c == except {
			continue
		}
		if !c.trySend(data) {
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		delete(r.clients, c)
	}
	remaining := len(r.clients)
	r.mu.Unlock()

	if len(dead) > 0 && remaining == 0 {
		r.hub.removeRoom(r.id)
	}
	for _, c := range dead {
		logging.Warn(context.Background(), "Evicting unresponsive client",
			zap.String("hub", string(r.hub.kind)),
			zap.String("room_id", r.id),
			zap.String("client_id", c.ID))
		close(c.send)
		c.conn.Close()
		metrics.HubConnections.WithLabelValues(string(r.hub.kind)).Dec()
	}
}
