// Package bus distributes realtime events to subscribers: the WebSocket
// hub for dashboards and agent UIs, plus any in-process sink. Every frame
// written to a socket carries a per-connection monotonic sequence number;
// a gap on the client side means frames were dropped and the client should
// run recovery.
package bus

import (
	"time"
)

// Event types.
const (
	EventTrade            = "TRADE"
	EventNews             = "NEWS"
	EventPriceUpdate      = "PRICE_UPDATE"
	EventTickUpdate       = "TICK_UPDATE"
	EventAlert            = "ALERT"
	EventOrderFilled      = "ORDER_FILLED"
	EventInvestigation    = "INVESTIGATION"
	EventMarginCall       = "MARGIN_CALL"
	EventMarketUpdate     = "MARKET_UPDATE"
	EventWorldState       = "WORLD_STATE"
	EventPortfolio        = "PORTFOLIO"
	EventRecoveryComplete = "RECOVERY_COMPLETE"
	EventError            = "ERROR"
)

// Channel names. Per-symbol and per-agent channels are derived.
const (
	ChannelTrades = "trades"
	ChannelNews   = "news"
	ChannelEvents = "events"
	ChannelPrices = "prices"
	ChannelTicks  = "tick_updates"
	MarketAll     = "market:all"
)

// MarketChannel is the per-symbol market feed (trades + price moves).
func MarketChannel(symbol string) string { return "market:" + symbol }

// SymbolChannel is the per-symbol news/event feed.
func SymbolChannel(symbol string) string { return "symbol:" + symbol }

// AgentChannel is the private per-agent feed (fills, margin calls,
// alerts). Subscribing requires a successful AUTH for that agent.
func AgentChannel(agentID string) string { return "agent:" + agentID }

// Event is one payload headed for subscribers. Sequence is stamped per
// connection at write time, not here.
type Event struct {
	Type      string
	Timestamp time.Time
	Payload   any
}

// NewEvent timestamps an event now.
func NewEvent(eventType string, payload any) Event {
	return Event{Type: eventType, Timestamp: time.Now(), Payload: payload}
}

// droppable reports whether a frame of this type may be silently dropped
// under backpressure. Anything else forces the slow connection closed so
// the client reconnects and replays, keeping the sequence gap detectable.
func droppable(eventType string) bool {
	return eventType == EventPriceUpdate
}

// frame is the wire shape of one delivered event.
type frame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Sequence  uint64 `json:"sequence"`
	Replay    bool   `json:"replay,omitempty"`
	Payload   any    `json:"payload"`
}

func newFrame(ev Event, seq uint64, replay bool) frame {
	return frame{
		Type:      ev.Type,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Sequence:  seq,
		Replay:    replay,
		Payload:   ev.Payload,
	}
}

// Broker is the publish side of the bus. The hub is the in-process
// implementation; Multi fans out to several sinks.
type Broker interface {
	Publish(channel string, ev Event)
}

// Multi publishes to every sink in order.
type Multi []Broker

func (m Multi) Publish(channel string, ev Event) {
	for _, b := range m {
		b.Publish(channel, ev)
	}
}
