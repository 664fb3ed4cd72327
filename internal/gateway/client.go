package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/agentworld/agentworld/internal/world"
	"github.com/agentworld/agentworld/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// clientSub is one active world subscription held by a client.
type clientSub struct {
	id      string
	worldID string
	busID   string
}

// Client is one connected WebSocket peer.
type Client struct {
	id   string
	conn *websocket.Conn
	srv  *Server

	send    chan []byte
	limiter *rate.Limiter // nil when rate limiting is disabled

	mu     sync.Mutex
	subs   map[string]*clientSub
	closed bool
}

func newClient(id string, conn *websocket.Conn, srv *Server) *Client {
	c := &Client{
		id:   id,
		conn: conn,
		srv:  srv,
		send: make(chan []byte, sendBuffer),
		subs: make(map[string]*clientSub),
	}
	if rpm := srv.cfg.Gateway.RateLimitRPM; rpm > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
	}
	return c
}

// Run drives the connection: a write pump goroutine plus the read loop
// on the caller's goroutine. Returns when the peer disconnects.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump(ctx)
	c.readLoop(ctx)
}

func (c *Client) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read failed", "client", c.id, "error", err)
			}
			return
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendResponse(protocol.NewErrorResponse("", protocol.ErrKindValidation, "malformed request frame"))
			continue
		}
		if req.Type != protocol.FrameRequest {
			c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrKindValidation, "expected a req frame"))
			continue
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.sendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrKindBusy, "rate limit exceeded"))
			continue
		}

		c.sendResponse(c.srv.dispatch(ctx, c, &req))
	}
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// SendEvent queues one bus event for delivery. A client that cannot
// keep up loses events rather than blocking the publisher; replay on
// reconnect recovers them.
func (c *Client) SendEvent(evt world.Event) {
	frame := protocol.EventFrame{
		Type:      protocol.FrameEvent,
		WorldID:   evt.WorldID,
		ChatID:    evt.ChatID,
		Channel:   evt.Channel,
		Seq:       evt.Seq,
		Payload:   evt.Payload,
		CreatedAt: evt.CreatedAt.Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("marshal event frame", "client", c.id, "error", err)
		return
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	select {
	case c.send <- data:
	default:
		slog.Warn("client send buffer full, dropping event",
			"client", c.id, "seq", evt.Seq, "channel", evt.Channel)
	}
}

func (c *Client) sendResponse(res *protocol.ResponseFrame) {
	if res == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		slog.Error("marshal response frame", "client", c.id, "error", err)
		return
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	select {
	case c.send <- data:
	case <-time.After(writeWait):
		slog.Warn("client send buffer stuck, dropping response", "client", c.id)
	}
}

// addSub records an attached subscription.
func (c *Client) addSub(sub *clientSub) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[sub.id] = sub
}

// takeSub removes and returns a subscription by id.
func (c *Client) takeSub(id string) (*clientSub, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	return sub, ok
}

// Close detaches all subscriptions and closes the connection. The
// worlds the client was holding may unload.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := make([]*clientSub, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = nil
	c.mu.Unlock()

	// The send channel stays open; the write pump exits with Run's
	// context once the read loop sees the closed connection.
	for _, sub := range subs {
		c.srv.detach(sub)
	}
	_ = c.conn.Close()
}
