// Package socket carries the live-bidding events over websockets.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"auction-live/internal/auctionerrors"
	"auction-live/internal/live"
	model "auction-live/internal/models"
	"auction-live/internal/registry"
	"auction-live/internal/resolver"
	"auction-live/internal/token"
	"auction-live/utils"

	"github.com/gorilla/websocket"
)

// Outbound events emitted by the transport itself
const (
	EventJoined = "joined"
	EventError  = "error"
)

// Core is the live-bidding service the hub dispatches inbound events to
type Core interface {
	Join(userID string, h registry.Handle) error
	Disconnect(h registry.Handle)
	BidPlaced(ctx context.Context, ev model.BidEvent) error
	SelectWinner(ctx context.Context, auctionID string) (resolver.Result, error)
}

var _ Core = (*live.Service)(nil)

// Hub upgrades HTTP requests and runs one read and one write pump per connection
type Hub struct {
	core     Core
	maker    token.Maker
	upgrader websocket.Upgrader
	timeout  time.Duration

	mu      sync.Mutex
	clients map[*client]struct{}
	wg      sync.WaitGroup
}

type Option func(*Hub)

// WithTokenMaker requires a valid access token on every upgrade
func WithTokenMaker(m token.Maker) Option {
	return func(h *Hub) { h.maker = m }
}

// WithAllowedOrigins restricts browser origins. "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = checkOrigin(origins)
	}
}

// WithEventTimeout bounds the handling of one inbound event
func WithEventTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewHub creates a Hub dispatching to core
func NewHub(core Core, opts ...Option) *Hub {
	h := &Hub{
		core: core,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(nil),
		},
		timeout: 30 * time.Second,
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// HandleWS upgrades the request and starts the connection pumps.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	subject := ""
	if h.maker != nil {
		payload, err := h.maker.VerifyToken(tokenFromRequest(r))
		if err != nil {
			utils.Warn("socket: rejected upgrade", map[string]any{"error": err.Error()})
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		subject = payload.Subject
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		utils.Warn("socket: upgrade failed", map[string]any{"error": err.Error()})
		return
	}

	c := newClient(utils.GenerateID(), subject, conn)

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	utils.Debug("socket: connection opened", map[string]any{
		"connection_id": c.id,
		"remote_addr":   r.RemoteAddr,
	})

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		h.readPump(c)
	}()
}

func tokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// readPump decodes inbound envelopes until the connection goes away
func (h *Hub) readPump(c *client) {
	defer func() {
		h.core.Disconnect(c)
		c.close()
		_ = c.conn.Close()

		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()

		utils.Debug("socket: connection closed", map[string]any{"connection_id": c.id})
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				utils.Warn("socket: unexpected close", map[string]any{
					"connection_id": c.id,
					"error":         err.Error(),
				})
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			h.replyError(c, "", fmt.Errorf("%w: malformed envelope", auctionerrors.ErrInvalidEvent))
			continue
		}

		if env.Event == live.EventDisconnect {
			return
		}
		if err := h.dispatch(c, env); err != nil {
			h.replyError(c, env.Event, err)
		}
	}
}

func (h *Hub) dispatch(c *client, env Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	switch env.Event {
	case live.EventJoin:
		userID, err := decodeID(env.Data, "user_id")
		if err != nil {
			return err
		}
		if c.subject != "" && userID != c.subject {
			return fmt.Errorf("%w: cannot join as another user", auctionerrors.ErrUnauthorized)
		}
		if err := h.core.Join(userID, c); err != nil {
			return err
		}
		return c.Send(ctx, EventJoined, map[string]string{"user_id": userID})

	case live.EventBidPlaced:
		var ev model.BidEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return fmt.Errorf("%w: bad bid event: %v", auctionerrors.ErrInvalidEvent, err)
		}
		if c.subject != "" && ev.BidderID != c.subject {
			return fmt.Errorf("%w: cannot relay another user's bid", auctionerrors.ErrUnauthorized)
		}
		return h.core.BidPlaced(ctx, ev)

	case live.EventSelectWinner:
		auctionID, err := decodeID(env.Data, "auction_id")
		if err != nil {
			return err
		}
		_, err = h.core.SelectWinner(ctx, auctionID)
		return err

	default:
		return fmt.Errorf("%w: unknown event %q", auctionerrors.ErrInvalidEvent, env.Event)
	}
}

// decodeID accepts either a bare JSON string or an object holding the id under key
func decodeID(data json.RawMessage, key string) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil && id != "" {
		return id, nil
	}

	var obj map[string]string
	if err := json.Unmarshal(data, &obj); err == nil && obj[key] != "" {
		return obj[key], nil
	}
	return "", fmt.Errorf("%w: missing %s", auctionerrors.ErrInvalidEvent, key)
}

func (h *Hub) replyError(c *client, event string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	body := map[string]string{"event": event, "message": err.Error()}
	if sendErr := c.Send(ctx, EventError, body); sendErr != nil && !errors.Is(sendErr, auctionerrors.ErrConnectionClosed) {
		utils.Warn("socket: error reply failed", map[string]any{
			"connection_id": c.id,
			"error":         sendErr.Error(),
		})
	}
}

// Len returns the number of open connections
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close closes every open connection and waits for the pumps to exit or ctx to end
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	for c := range h.clients {
		// the write pump sends a close frame and closes the conn, which ends ReadMessage
		c.close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
