package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"auction-live/internal/auctionerrors"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

// Envelope is the frame exchanged in both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// client is one websocket connection. It implements registry.Handle.
type client struct {
	id      string
	subject string // token subject, empty when token checks are off
	conn    *websocket.Conn
	send    chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id, subject string, conn *websocket.Conn) *client {
	return &client{
		id:      id,
		subject: subject,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
	}
}

func (c *client) ID() string { return c.id }

// Send queues an event for the write pump. It waits at most until ctx is done.
func (c *client) Send(ctx context.Context, event string, payload any) error {
	msg, err := json.Marshal(outbound{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("socket: encode %s: %w", event, err)
	}

	select {
	case <-c.done:
		return auctionerrors.ErrConnectionClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return auctionerrors.ErrConnectionClosed
	case <-ctx.Done():
		return fmt.Errorf("socket: send %s to %s: %w: %w", event, c.id, auctionerrors.ErrDelivery, ctx.Err())
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump drains the send queue and keeps the connection alive with pings
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
