package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wallstreetsim/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Authenticator resolves an API key presented over the socket.
type Authenticator interface {
	AgentByAPIKey(ctx context.Context, apiKey string) (*types.Agent, error)
}

// Hub manages WebSocket clients, their channel subscriptions, and fanout.
type Hub struct {
	register   chan *Client
	unregister chan *Client

	mu        sync.Mutex
	clients   map[*Client]bool
	byChannel map[string]map[*Client]bool

	auth     Authenticator
	replayer *Replayer
	logger   *slog.Logger

	onConnect    func(delta int)
	onDroppedMsg func()
}

// NewHub creates a hub. replayer may be nil to disable recovery.
func NewHub(auth Authenticator, replayer *Replayer, logger *slog.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		byChannel:  make(map[string]map[*Client]bool),
		auth:       auth,
		replayer:   replayer,
		logger:     logger.With("component", "ws-hub"),
	}
}

// SetGauges installs optional metric hooks: connection count delta and
// dropped-frame counter.
func (h *Hub) SetGauges(onConnect func(delta int), onDropped func()) {
	h.onConnect = onConnect
	h.onDroppedMsg = onDropped
}

// Run processes connect/disconnect until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			if h.onConnect != nil {
				h.onConnect(1)
			}
			h.logger.Info("client connected", "count", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				h.dropLocked(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			if h.onConnect != nil {
				h.onConnect(-1)
			}
			h.logger.Info("client disconnected", "count", n)
		}
	}
}

// dropLocked removes the client from every index and closes its queue.
func (h *Hub) dropLocked(c *Client) {
	delete(h.clients, c)
	for ch := range c.subs {
		if set := h.byChannel[ch]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byChannel, ch)
			}
		}
	}
	close(c.send)
}

// drop closes a client from outside the Run loop. Frames already queued
// still flush before the close message goes out.
func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		h.dropLocked(c)
	}
}

// Publish delivers an event to every subscriber of channel. A subscriber
// whose queue is full either loses the frame (droppable types) or is
// closed so its client reconnects and replays.
func (h *Hub) Publish(channel string, ev Event) {
	out := outbound{ev: ev}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.byChannel[channel] {
		select {
		case c.send <- out:
		default:
			if droppable(ev.Type) {
				if h.onDroppedMsg != nil {
					h.onDroppedMsg()
				}
				continue
			}
			h.logger.Warn("subscriber cannot keep up, closing",
				"channel", channel, "agent", c.agentID)
			h.dropLocked(c)
		}
	}
}

func (h *Hub) subscribe(c *Client, channels []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var accepted []string
	for _, ch := range channels {
		if !c.mayJoin(ch) {
			continue
		}
		set := h.byChannel[ch]
		if set == nil {
			set = make(map[*Client]bool)
			h.byChannel[ch] = set
		}
		set[c] = true
		c.subs[ch] = true
		accepted = append(accepted, ch)
	}
	return accepted
}

func (h *Hub) unsubscribe(c *Client, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range channels {
		delete(c.subs, ch)
		if set := h.byChannel[ch]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(h.byChannel, ch)
			}
		}
	}
}

// outbound is one queued frame-to-be. Sequence is stamped by writePump so
// frames leave in strictly increasing order per connection. Replayed frames
// share the same counter; the replay flag, not the sequence, is what marks
// a frame as historical.
type outbound struct {
	ev     Event
	replay bool
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan outbound

	seq uint64 // writePump only

	mu      sync.Mutex
	agentID string // empty until AUTH succeeds
	subs    map[string]bool
}

// NewClient registers the connection and starts its pumps.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan outbound, sendBuffer),
		subs: make(map[string]bool),
	}
	hub.register <- c
	go c.writePump()
	go c.readPump()
	return c
}

// mayJoin gates private channels behind AUTH. Public channels are open.
func (c *Client) mayJoin(channel string) bool {
	const agentPrefix = "agent:"
	if len(channel) > len(agentPrefix) && channel[:len(agentPrefix)] == agentPrefix {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.agentID != "" && channel == AgentChannel(c.agentID)
	}
	return true
}

// enqueue pushes a frame onto the client's own queue, bypassing channel
// fanout. Used for control replies and replay.
func (c *Client) enqueue(ev Event, replay bool) bool {
	select {
	case c.send <- outbound{ev: ev, replay: replay}:
		return true
	default:
		return false
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case out, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.seq++
			data, err := json.Marshal(newFrame(out.ev, c.seq, out.replay))
			if err != nil {
				c.hub.logger.Error("failed to marshal frame", "type", out.ev.Type, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// inbound is the wire shape of client-to-server control messages.
type inbound struct {
	Type     string   `json:"type"`
	APIKey   string   `json:"apiKey,omitempty"`
	Channels []string `json:"channels,omitempty"`
	LastTick int64    `json:"lastTick,omitempty"`
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.enqueue(NewEvent(EventError, map[string]any{
				"code":        "BAD_MESSAGE",
				"message":     "malformed control message",
				"recoverable": true,
			}), false)
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg inbound) {
	switch msg.Type {
	case "AUTH":
		c.handleAuth(msg.APIKey)
	case "SUBSCRIBE":
		accepted := c.hub.subscribe(c, msg.Channels)
		c.enqueue(NewEvent("SUBSCRIBED", map[string]any{"channels": accepted}), false)
	case "UNSUBSCRIBE":
		c.hub.unsubscribe(c, msg.Channels)
		c.enqueue(NewEvent("UNSUBSCRIBED", map[string]any{"channels": msg.Channels}), false)
	case "PING":
		c.enqueue(NewEvent("PONG", nil), false)
	case "RECOVER":
		c.handleRecover(msg.LastTick)
	default:
		c.enqueue(NewEvent(EventError, map[string]any{
			"code":        "BAD_MESSAGE",
			"message":     "unknown message type",
			"recoverable": true,
		}), false)
	}
}

func (c *Client) handleAuth(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent, err := c.hub.auth.AgentByAPIKey(ctx, apiKey)
	if err != nil {
		// The error frame flushes first, then the connection closes.
		c.enqueue(NewEvent(EventError, map[string]any{
			"code":        "AUTH_FAILED",
			"message":     "invalid API key",
			"recoverable": false,
		}), false)
		c.hub.drop(c)
		return
	}

	c.mu.Lock()
	c.agentID = agent.ID
	c.mu.Unlock()
	c.enqueue(NewEvent("AUTH_OK", map[string]any{"agentId": agent.ID}), false)
}

// handleRecover runs the reconnect catch-up protocol on this connection's
// queue: WORLD_STATE, PORTFOLIO when authed, then every retained tick batch
// after lastTick flagged as replay, then RECOVERY_COMPLETE.
func (c *Client) handleRecover(lastTick int64) {
	if c.hub.replayer == nil {
		c.enqueue(NewEvent(EventError, map[string]any{
			"code":        "RECOVERY_UNAVAILABLE",
			"message":     "recovery is not enabled",
			"recoverable": false,
		}), false)
		return
	}

	c.mu.Lock()
	agentID := c.agentID
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c.hub.replayer.Run(ctx, c, agentID, lastTick)
}
