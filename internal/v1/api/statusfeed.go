package api

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/agentmesh-dev/agentmesh/internal/v1/hub"
	"github.com/agentmesh-dev/agentmesh/internal/v1/session"
	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

// StatusNotifier is the slice of the status hub the feed publishes through.
type StatusNotifier interface {
	Notify(ctx context.Context, roomID string, ev *hub.Event)
}

// StatusFeed translates session lifecycle changes, message deliveries, and
// meeting-room activity into events on the global status room. The hub is
// attached late because it is constructed after the components that feed it.
type StatusFeed struct {
	mu  sync.RWMutex
	hub StatusNotifier
}

// NewStatusFeed creates a feed without a hub; events are dropped until
// SetHub.
func NewStatusFeed() *StatusFeed {
	return &StatusFeed{}
}

// SetHub attaches the status hub.
func (f *StatusFeed) SetHub(h StatusNotifier) {
	f.mu.Lock()
	f.hub = h
	f.mu.Unlock()
}

func (f *StatusFeed) notify(ev *hub.Event) {
	f.mu.RLock()
	h := f.hub
	f.mu.RUnlock()
	if h == nil {
		return
	}
	h.Notify(context.Background(), hub.StatusRoom, ev)
}

// SessionLifecycle publishes agent_registered, agent_unregistered, and
// agent_status_change events. Installed as session.Options.OnLifecycle.
func (f *StatusFeed) SessionLifecycle(ev session.LifecycleEvent) {
	kind := "agent_status_change"
	switch ev.Kind {
	case session.LifecycleRegistered:
		kind = "agent_registered"
	case session.LifecycleUnregistered:
		kind = "agent_unregistered"
	}
	payload, _ := json.Marshal(map[string]string{
		"project_id": ev.ProjectID,
		"agent_id":   ev.SessionID,
		"status":     string(ev.Status),
	})
	f.notify(&hub.Event{Type: kind, Payload: payload})
}

// Delivery publishes a new_communication event. Installed as the router's
// delivery observer.
func (f *StatusFeed) Delivery(projectID string, msg *types.Message, outcome string) {
	payload, _ := json.Marshal(map[string]string{
		"project_id":   projectID,
		"sender_id":    msg.SenderID,
		"recipient_id": msg.RecipientID,
		"protocol":     msg.ProtocolName + "@" + msg.ProtocolVersion,
		"outcome":      outcome,
	})
	f.notify(&hub.Event{Type: "new_communication", Payload: payload})
}

// MeetingActivity republishes accepted meeting-room events as meeting_event.
// Installed as (part of) the meeting hub's event hook.
func (f *StatusFeed) MeetingActivity(ctx context.Context, roomID string, c *hub.Client, ev *hub.Event) {
	payload, _ := json.Marshal(map[string]string{
		"room_id":   roomID,
		"event":     ev.Type,
		"sender_id": c.ID,
	})
	f.notify(&hub.Event{Type: "meeting_event", Payload: payload})
}
