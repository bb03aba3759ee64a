package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmesh-dev/agentmesh/internal/v1/logging"
)

// wsConnection is the subset of *websocket.Conn the client needs. Tests
// substitute mock connections.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// roomer is the room surface a client talks to.
type roomer interface {
	route(ctx context.Context, c *Client, ev *Event)
	handleDisconnect(c *Client)
}

// Client is one WebSocket subscriber in a room. Two goroutines per client:
// readPump for inbound frames, writePump draining the buffered send channel.
type Client struct {
	conn wsConnection
	send chan []byte
	room roomer

	ID          string
	DisplayName string
	ProjectID   string
	Guest       bool
}

const (
	sendBuffer = 256
	writeWait  = 10 * time.Second
)

// readPump processes inbound frames until the connection drops. Frames are
// JSON text; anything else is ignored.
func (c *Client) readPump() {
	defer func() {
		c.room.handleDisconnect(c)
		c.conn.Close()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			logging.Warn(context.Background(), "Failed to unmarshal event",
				zap.String("client_id", c.ID), zap.Error(err))
			continue
		}

		c.room.route(context.Background(), c, &ev)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logging.Error(context.Background(), "Error writing message", zap.Error(err))
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// trySend queues a frame without blocking. A false return means the client's
// buffer is full; the room treats that as a dead peer.
func (c *Client) trySend(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// sendEvent marshals and queues one event for this client only.
func (c *Client) sendEvent(ev *Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Error(context.Background(), "Failed to marshal event", zap.Error(err))
		return true
	}
	return c.trySend(data)
}
