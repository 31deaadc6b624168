package bus

import (
	"context"
	"errors"
	"log/slog"

	"wallstreetsim/internal/store"
	"wallstreetsim/pkg/types"
)

// ErrHorizonExceeded reports a reconnect whose last known tick is older
// than the retained journal. The client must resync from a full snapshot.
var ErrHorizonExceeded = errors.New("last known tick is older than the replay horizon")

// WorldSource is the read side of world state needed for recovery.
// world.State satisfies it.
type WorldSource interface {
	Snapshot() types.WorldState
	Tick() int64
}

// Replayer runs the reconnect catch-up protocol against the durable
// tick-event journal. A client that reconnects with the last tick it saw
// receives current world state, its portfolio when authenticated, every
// retained tick batch it missed, then a completion marker.
type Replayer struct {
	store  store.Gateway
	world  WorldSource
	logger *slog.Logger
}

// NewReplayer creates a replayer over the journal.
func NewReplayer(gw store.Gateway, world WorldSource, logger *slog.Logger) *Replayer {
	return &Replayer{store: gw, world: world, logger: logger.With("component", "replay")}
}

// Run streams the recovery sequence onto c's queue. Failures to enqueue
// mean the client cannot keep up; recovery aborts and the client must
// reconnect.
func (r *Replayer) Run(ctx context.Context, c *Client, agentID string, lastTick int64) {
	current := r.world.Tick()

	oldest, err := r.store.OldestRetainedTick(ctx)
	if err != nil {
		r.sendError(c, "RECOVERY_FAILED", "journal unavailable", true)
		return
	}
	if err := checkHorizon(lastTick, oldest, current); errors.Is(err, ErrHorizonExceeded) {
		c.enqueue(NewEvent(EventError, map[string]any{
			"code":        "REPLAY_HORIZON_EXCEEDED",
			"message":     "requested tick is older than the replay horizon",
			"recoverable": true,
			"oldestTick":  oldest,
			"currentTick": current,
		}), false)
		return
	}

	if !c.enqueue(NewEvent(EventWorldState, r.world.Snapshot()), false) {
		return
	}

	if agentID != "" {
		if !r.sendPortfolio(ctx, c, agentID) {
			return
		}
	}

	records, err := r.store.TickEventsSince(ctx, lastTick, current)
	if err != nil {
		r.sendError(c, "RECOVERY_FAILED", "journal read failed", true)
		return
	}
	for _, rec := range records {
		ev := NewEvent(EventMarketUpdate, map[string]any{
			"tick":         rec.Tick,
			"trades":       rec.Trades,
			"news":         rec.News,
			"priceUpdates": rec.PriceUpdates,
		})
		if !c.enqueue(ev, true) {
			r.logger.Warn("recovery aborted, client queue full",
				"agent", agentID, "tick", rec.Tick)
			return
		}
	}

	c.enqueue(NewEvent(EventRecoveryComplete, map[string]any{
		"fromTick": lastTick,
		"toTick":   current,
		"batches":  len(records),
	}), false)
}

// checkHorizon verifies that the journal, which holds (oldest, current],
// still covers everything after lastTick.
func checkHorizon(lastTick, oldest, current int64) error {
	if lastTick < oldest && lastTick < current {
		return ErrHorizonExceeded
	}
	return nil
}

func (r *Replayer) sendPortfolio(ctx context.Context, c *Client, agentID string) bool {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		r.sendError(c, "RECOVERY_FAILED", "agent lookup failed", true)
		return false
	}
	holdings, err := r.store.ListHoldings(ctx, agentID)
	if err != nil {
		r.sendError(c, "RECOVERY_FAILED", "holdings lookup failed", true)
		return false
	}
	return c.enqueue(NewEvent(EventPortfolio, map[string]any{
		"agent":    agent,
		"holdings": holdings,
	}), false)
}

func (r *Replayer) sendError(c *Client, code, message string, recoverable bool) {
	c.enqueue(NewEvent(EventError, map[string]any{
		"code":        code,
		"message":     message,
		"recoverable": recoverable,
	}), false)
}
