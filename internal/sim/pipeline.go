package sim

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"wallstreetsim/internal/book"
	"wallstreetsim/internal/bus"
	"wallstreetsim/internal/config"
	"wallstreetsim/internal/retry"
	"wallstreetsim/internal/store"
	"wallstreetsim/internal/webhook"
	"wallstreetsim/internal/world"
	"wallstreetsim/pkg/types"
)

// Enforcement timing: ticks from open → charged, charged → convicted, and
// the sentence length.
const (
	chargeAfterTicks  = 100
	convictAfterTicks = 50
	sentenceTicks     = 500
)

// Notifier is the webhook side of the pipeline. The dispatcher satisfies
// it; nil disables webhook scheduling.
type Notifier interface {
	Enqueue(agentID string, note webhook.Notification)
}

// Pipeline executes one tick to completion: drain queued actions, match,
// settle, reprice, evolve the world, publish, persist, notify. It is the
// single writer for world state, books, and settlement rows.
type Pipeline struct {
	cfg    *config.Config
	store  store.Gateway
	engine *book.Engine
	world  *world.State
	intake *Intake
	broker bus.Broker
	notify Notifier
	news   NewsInjector
	logger *slog.Logger

	onTickDone func(d time.Duration)
	onTrades   func(n int)
}

// NewPipeline wires the pipeline. notify and news may be nil.
func NewPipeline(cfg *config.Config, gw store.Gateway, engine *book.Engine, w *world.State,
	intake *Intake, broker bus.Broker, notify Notifier, news NewsInjector, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		store:  gw,
		engine: engine,
		world:  w,
		intake: intake,
		broker: broker,
		notify: notify,
		news:   news,
		logger: logger.With("component", "tick"),
	}
}

// SetObservers installs optional metric hooks.
func (p *Pipeline) SetObservers(onTickDone func(time.Duration), onTrades func(int)) {
	p.onTickDone = onTickDone
	p.onTrades = onTrades
}

// accum collects everything one tick produced, published and persisted at
// the end so no subscriber fanout happens under engine or world locks.
type accum struct {
	trades    []types.Trade
	news      []types.NewsArticle
	updates   []types.PriceUpdate
	outbox    []delivery
	fills     map[string][]any // agentID → ORDER_FILLED payloads
	volume    map[string]int64
	lastPrice map[string]decimal.Decimal
	agents    map[string]*types.Agent // settlement working set
}

type delivery struct {
	channels []string
	ev       bus.Event
}

func newAccum() *accum {
	return &accum{
		fills:     make(map[string][]any),
		volume:    make(map[string]int64),
		lastPrice: make(map[string]decimal.Decimal),
		agents:    make(map[string]*types.Agent),
	}
}

func (a *accum) emit(ev bus.Event, channels ...string) {
	a.outbox = append(a.outbox, delivery{channels: channels, ev: ev})
}

// agent returns the settlement working copy, loading it once per tick.
func (a *accum) agent(ctx context.Context, gw store.Gateway, id string) (*types.Agent, error) {
	if ag, ok := a.agents[id]; ok {
		return ag, nil
	}
	ag, err := gw.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	a.agents[id] = ag
	return ag, nil
}

// Tick runs the full pipeline once and returns the new tick number. The
// tick always completes: persistence failures are retried, then logged and
// carried past.
func (p *Pipeline) Tick(ctx context.Context) (int64, error) {
	started := time.Now()

	// 1. Advance the logical clock.
	tick := p.world.AdvanceTick(started)
	p.engine.SetTick(tick)
	acc := newAccum()

	// 2+3. Drain queued orders, match synchronously, settle fills.
	for _, o := range p.intake.Drain() {
		p.place(ctx, tick, o, acc)
	}
	p.fireStops(ctx, tick, acc)

	// 4. Margin and solvency for every agent touched by settlement.
	p.enforceMargins(ctx, tick, acc)

	// 5. Reprice every symbol from this tick's trades (or the book mid).
	p.reprice(ctx, acc)

	// 6. World evolution: event decay, exogenous news, regime, enforcement.
	p.evolveWorld(ctx, tick, acc)

	// 7. Publish everything the tick produced.
	p.publish(tick, acc)

	// 8. Persist the tick record and checkpoint, then schedule webhooks.
	p.persist(ctx, tick, started, acc)
	p.scheduleWebhooks(ctx, tick, acc)

	if p.onTickDone != nil {
		p.onTickDone(time.Since(started))
	}
	if p.onTrades != nil && len(acc.trades) > 0 {
		p.onTrades(len(acc.trades))
	}
	p.logger.Debug("tick complete",
		"tick", tick, "trades", len(acc.trades), "elapsed", time.Since(started))
	return tick, nil
}

// place routes one drained order: STOP orders park in the stop ledger,
// everything else goes straight to the book.
func (p *Pipeline) place(ctx context.Context, tick int64, o *types.Order, acc *accum) {
	if o.Type == types.STOP {
		o.Status = types.OrderOpen
		p.engine.AddStop(o)
		p.updateOrder(ctx, o)
		return
	}
	p.submit(ctx, tick, o, acc)
}

// submit matches one order and settles its fills.
func (p *Pipeline) submit(ctx context.Context, tick int64, o *types.Order, acc *accum) {
	res := p.engine.SubmitOrder(o)

	switch {
	case o.Remaining() == 0:
		o.Status = types.OrderFilled
	case o.Type == types.LIMIT:
		if o.FilledQuantity > 0 {
			o.Status = types.OrderPartial
		} else {
			o.Status = types.OrderOpen
		}
	default:
		// MARKET remainder never rests.
		o.Status = types.OrderCancelled
	}
	p.updateOrder(ctx, o)

	for i := range res.Fills {
		p.settleTrade(ctx, &res.Fills[i], acc)
	}
	for _, aff := range res.Affected {
		p.settleResting(ctx, aff, acc)
	}
	if o.FilledQuantity > 0 {
		acc.fills[o.AgentID] = append(acc.fills[o.AgentID], map[string]any{
			"orderId":        o.ID,
			"symbol":         o.Symbol,
			"side":           o.Side,
			"filledQuantity": o.FilledQuantity,
			"quantity":       o.Quantity,
			"status":         o.Status,
		})
	}
}

// fireStops converts stop orders whose trigger printed this tick into
// MARKET submissions, repeating while fresh trades keep triggering more.
func (p *Pipeline) fireStops(ctx context.Context, tick int64, acc *accum) {
	for rounds := 0; rounds < 8; rounds++ {
		fired := false
		for sym, last := range acc.lastPrice {
			for _, o := range p.engine.TriggeredStops(sym, last) {
				fired = true
				o.Type = types.MARKET
				o.Price = decimal.Zero
				p.submit(ctx, tick, o, acc)
			}
		}
		if !fired {
			return
		}
	}
}

// settleTrade moves cash and inventory for both parties of one fill.
func (p *Pipeline) settleTrade(ctx context.Context, t *types.Trade, acc *accum) {
	acc.trades = append(acc.trades, *t)
	acc.volume[t.Symbol] += t.Quantity
	acc.lastPrice[t.Symbol] = t.Price
	notional := t.Notional()

	if buyer, err := acc.agent(ctx, p.store, t.BuyerID); err == nil {
		buyer.Cash = buyer.Cash.Sub(notional)
		p.applyPosition(ctx, t.BuyerID, t.Symbol, t.Quantity, t.Price)
	} else {
		p.logger.Error("settlement: buyer missing", "trade", t.ID, "error", err)
	}
	if seller, err := acc.agent(ctx, p.store, t.SellerID); err == nil {
		seller.Cash = seller.Cash.Add(notional)
		p.applyPosition(ctx, t.SellerID, t.Symbol, -t.Quantity, t.Price)
	} else {
		p.logger.Error("settlement: seller missing", "trade", t.ID, "error", err)
	}
}

// applyPosition folds a signed quantity delta into a holding. Extending a
// position reweights the average price; reducing keeps it; crossing zero
// restarts it at the fill price.
func (p *Pipeline) applyPosition(ctx context.Context, agentID, symbol string, delta int64, price decimal.Decimal) {
	h, err := p.store.GetHolding(ctx, agentID, symbol)
	if err != nil {
		h = &types.Holding{AgentID: agentID, Symbol: symbol}
	}

	oldQty := h.Quantity
	newQty := oldQty + delta
	switch {
	case oldQty == 0 || (oldQty > 0) != (newQty > 0) && newQty != 0:
		h.AvgPrice = price
	case (oldQty > 0) == (delta > 0):
		oldAbs := decimal.NewFromInt(abs(oldQty))
		deltaAbs := decimal.NewFromInt(abs(delta))
		total := h.AvgPrice.Mul(oldAbs).Add(price.Mul(deltaAbs))
		h.AvgPrice = total.Div(oldAbs.Add(deltaAbs))
	}
	h.Quantity = newQty

	if err := p.store.UpsertHolding(ctx, h); err != nil {
		p.logger.Error("settlement: holding update failed",
			"agent", agentID, "symbol", symbol, "error", err)
	}
}

// settleResting updates the resting order's row and queues its owner's
// ORDER_FILLED notification.
func (p *Pipeline) settleResting(ctx context.Context, aff book.AffectedOrder, acc *accum) {
	o, err := p.store.GetOrder(ctx, aff.OrderID)
	if err != nil {
		p.logger.Error("settlement: resting order missing", "order", aff.OrderID, "error", err)
		return
	}
	o.FilledQuantity = aff.CumulativeFilled
	if o.Remaining() == 0 {
		o.Status = types.OrderFilled
	} else {
		o.Status = types.OrderPartial
	}
	p.updateOrder(ctx, o)

	acc.fills[aff.AgentID] = append(acc.fills[aff.AgentID], map[string]any{
		"orderId":        aff.OrderID,
		"symbol":         o.Symbol,
		"side":           o.Side,
		"filledDelta":    aff.FilledDelta,
		"filledQuantity": aff.CumulativeFilled,
		"quantity":       aff.TotalQuantity,
		"avgFillPrice":   aff.AvgFillPrice,
		"status":         o.Status,
	})
}

// enforceMargins recomputes margin for every agent settlement touched,
// flushes their working copies, and handles margin calls and bankruptcy.
func (p *Pipeline) enforceMargins(ctx context.Context, tick int64, acc *accum) {
	for id, agent := range acc.agents {
		holdings, err := p.store.ListHoldings(ctx, id)
		if err != nil {
			p.logger.Error("margin: holdings unavailable", "agent", id, "error", err)
			continue
		}

		longValue, shortNotional := decimal.Zero, decimal.Zero
		for _, h := range holdings {
			c := p.world.Company(h.Symbol)
			if c == nil {
				continue
			}
			value := c.CurrentPrice.Mul(decimal.NewFromInt(abs(h.Quantity)))
			if h.Quantity > 0 {
				longValue = longValue.Add(value)
			} else {
				shortNotional = shortNotional.Add(value)
			}
		}

		equity := agent.Cash.Add(longValue).Sub(shortNotional)
		borrowed := decimal.Zero
		if agent.Cash.IsNegative() {
			borrowed = agent.Cash.Neg()
		}
		agent.MarginUsed = shortNotional.Add(borrowed)
		agent.MarginLimit = equity.
			Mul(decimal.NewFromFloat(p.cfg.Limits.MaxLeverage)).
			Mul(decimal.NewFromFloat(p.cfg.Limits.MarginRequirement))

		switch {
		case equity.LessThanOrEqual(decimal.Zero) && agent.Status == types.AgentActive:
			agent.Status = types.AgentBankrupt
			p.cancelOpenOrders(ctx, id)
			acc.emit(bus.NewEvent(bus.EventAlert, map[string]any{
				"kind":    "BANKRUPTCY",
				"agentId": id,
				"equity":  equity,
				"tick":    tick,
			}), bus.ChannelEvents, bus.AgentChannel(id))
			p.logger.Warn("agent bankrupt", "agent", id, "tick", tick)

		case agent.MarginUsed.GreaterThan(agent.MarginLimit):
			acc.emit(bus.NewEvent(bus.EventMarginCall, map[string]any{
				"agentId":     id,
				"marginUsed":  agent.MarginUsed,
				"marginLimit": agent.MarginLimit,
				"tick":        tick,
			}), bus.AgentChannel(id))
		}

		if err := p.store.UpdateAgent(ctx, agent); err != nil {
			p.logger.Error("settlement: agent update failed", "agent", id, "error", err)
		}
	}
}

func (p *Pipeline) cancelOpenOrders(ctx context.Context, agentID string) {
	orders, err := p.store.ListOpenOrders(ctx, agentID)
	if err != nil {
		p.logger.Error("failed to list open orders", "agent", agentID, "error", err)
		return
	}
	for _, o := range orders {
		p.intake.Cancel(o.Symbol, o.ID)
		o.Status = types.OrderCancelled
		p.updateOrder(ctx, o)
	}
}

// reprice moves every symbol to its last trade price, or toward the book
// mid when nothing printed.
func (p *Pipeline) reprice(ctx context.Context, acc *accum) {
	for _, c := range p.world.Companies() {
		price, traded := acc.lastPrice[c.Symbol]
		if !traded {
			price = p.engine.MidPrice(c.Symbol, c.CurrentPrice)
			if price.Equal(c.CurrentPrice) {
				continue
			}
		}
		u := p.world.UpdatePrice(c.Symbol, price, acc.volume[c.Symbol])
		if u == nil {
			continue
		}
		acc.updates = append(acc.updates, *u)

		if fresh := p.world.Company(c.Symbol); fresh != nil {
			if err := p.store.UpsertCompany(ctx, fresh); err != nil {
				p.logger.Error("failed to persist company", "symbol", c.Symbol, "error", err)
			}
		}
	}
}

// evolveWorld decays market events, injects news, advances enforcement and
// lets the regime policy observe the tick's moves.
func (p *Pipeline) evolveWorld(ctx context.Context, tick int64, acc *accum) {
	for _, ev := range p.world.DecayEvents() {
		acc.emit(bus.NewEvent(bus.EventMarketUpdate, map[string]any{
			"kind":    "EVENT_EXPIRED",
			"eventId": ev.ID,
			"type":    ev.Type,
		}), bus.ChannelEvents)
	}

	if p.news != nil {
		for _, article := range p.news.Inject(tick, p.world.Companies()) {
			if err := p.store.InsertNews(ctx, article); err != nil {
				p.logger.Error("failed to persist news", "error", err)
				continue
			}
			acc.news = append(acc.news, *article)
		}
	}

	p.advanceInvestigations(ctx, tick, acc)

	regime, changed := p.world.ObserveMoves(acc.updates)
	if changed {
		acc.emit(bus.NewEvent(bus.EventMarketUpdate, map[string]any{
			"kind":   "REGIME_CHANGE",
			"regime": regime,
			"tick":   tick,
		}), bus.ChannelEvents, bus.MarketAll)
		p.logger.Info("regime change", "regime", regime, "tick", tick)
	}
}

// advanceInvestigations walks open cases through charged to convicted on a
// fixed timetable. Conviction fines a tenth of cash on hand and imprisons.
func (p *Pipeline) advanceInvestigations(ctx context.Context, tick int64, acc *accum) {
	cases, err := p.store.ListInvestigations(ctx)
	if err != nil {
		p.logger.Error("enforcement: investigations unavailable", "error", err)
		return
	}
	for _, inv := range cases {
		switch inv.Status {
		case types.InvestigationOpen:
			if tick-inv.TickOpened < chargeAfterTicks {
				continue
			}
			inv.Status = types.InvestigationCharged
			inv.TickCharged = tick
			p.updateInvestigation(ctx, inv)
			acc.emit(bus.NewEvent(bus.EventInvestigation, map[string]any{
				"investigationId": inv.ID,
				"agentId":         inv.TargetAgentID,
				"crimeType":       inv.Crime,
				"status":          inv.Status,
			}), bus.ChannelEvents, bus.AgentChannel(inv.TargetAgentID))

		case types.InvestigationCharged:
			if tick-inv.TickCharged < convictAfterTicks {
				continue
			}
			p.convict(ctx, tick, inv, acc)
		}
	}
}

func (p *Pipeline) convict(ctx context.Context, tick int64, inv *types.Investigation, acc *accum) {
	agent, err := p.store.GetAgent(ctx, inv.TargetAgentID)
	if err != nil {
		p.logger.Error("enforcement: convict target missing", "agent", inv.TargetAgentID, "error", err)
		return
	}
	// Fled agents are beyond reach; the case stays charged.
	if agent.Status == types.AgentFled {
		return
	}

	inv.Status = types.InvestigationConvicted
	inv.FineAmount = agent.Cash.Div(decimal.NewFromInt(10))
	if inv.FineAmount.IsNegative() {
		inv.FineAmount = decimal.Zero
	}
	inv.ImprisonedUntilTick = tick + sentenceTicks
	p.updateInvestigation(ctx, inv)

	agent.Cash = agent.Cash.Sub(inv.FineAmount)
	agent.Status = types.AgentImprisoned
	if err := p.store.UpdateAgent(ctx, agent); err != nil {
		p.logger.Error("enforcement: agent update failed", "agent", agent.ID, "error", err)
	}
	p.cancelOpenOrders(ctx, agent.ID)

	acc.emit(bus.NewEvent(bus.EventInvestigation, map[string]any{
		"investigationId": inv.ID,
		"agentId":         inv.TargetAgentID,
		"crimeType":       inv.Crime,
		"status":          inv.Status,
		"fine":            inv.FineAmount,
		"untilTick":       inv.ImprisonedUntilTick,
	}), bus.ChannelEvents, bus.AgentChannel(inv.TargetAgentID))
	p.logger.Info("agent convicted",
		"agent", agent.ID, "crime", inv.Crime, "untilTick", inv.ImprisonedUntilTick)
}

// publish flushes the tick's outbox plus the standing per-tick feeds.
func (p *Pipeline) publish(tick int64, acc *accum) {
	ws := p.world.Snapshot()
	p.broker.Publish(bus.ChannelTicks, bus.NewEvent(bus.EventTickUpdate, map[string]any{
		"tick":       tick,
		"marketOpen": ws.MarketOpen,
		"regime":     ws.Regime,
		"trades":     len(acc.trades),
	}))

	for i := range acc.trades {
		t := &acc.trades[i]
		ev := bus.NewEvent(bus.EventTrade, t)
		p.broker.Publish(bus.ChannelTrades, ev)
		p.broker.Publish(bus.MarketAll, ev)
		p.broker.Publish(bus.MarketChannel(t.Symbol), ev)
	}
	if len(acc.updates) > 0 {
		// The prices channel carries one frame per tick batching every
		// symbol that moved; symbol channels get their own update.
		p.broker.Publish(bus.ChannelPrices, bus.NewEvent(bus.EventPriceUpdate, map[string]any{
			"tick":    tick,
			"updates": acc.updates,
		}))
		for i := range acc.updates {
			u := &acc.updates[i]
			p.broker.Publish(bus.MarketChannel(u.Symbol), bus.NewEvent(bus.EventPriceUpdate, u))
		}
	}
	for i := range acc.news {
		n := &acc.news[i]
		ev := bus.NewEvent(bus.EventNews, n)
		p.broker.Publish(bus.ChannelNews, ev)
		for _, sym := range n.Symbols {
			p.broker.Publish(bus.SymbolChannel(sym), ev)
		}
	}
	for agentID, fills := range acc.fills {
		for _, payload := range fills {
			p.broker.Publish(bus.AgentChannel(agentID), bus.NewEvent(bus.EventOrderFilled, payload))
		}
	}
	for _, d := range acc.outbox {
		for _, ch := range d.channels {
			p.broker.Publish(ch, d.ev)
		}
	}
}

// persist writes the tick-event record, the trade rows and the world
// checkpoint, retrying with the database profile. Failures are logged and
// the tick completes anyway.
func (p *Pipeline) persist(ctx context.Context, tick int64, started time.Time, acc *accum) {
	anyErr := func(error) bool { return true }

	if len(acc.trades) > 0 {
		err := retry.Do(ctx, retry.DatabaseProfile, anyErr, func(ctx context.Context) error {
			return p.store.InsertTrades(ctx, acc.trades)
		})
		if err != nil {
			p.logger.Error("failed to persist trades", "tick", tick, "error", err)
		}
	}

	rec := &types.TickEventRecord{
		Tick:         tick,
		Timestamp:    started,
		Trades:       acc.trades,
		News:         acc.news,
		PriceUpdates: acc.updates,
	}
	err := retry.Do(ctx, retry.DatabaseProfile, anyErr, func(ctx context.Context) error {
		return p.store.AppendTickEvents(ctx, rec)
	})
	if err != nil {
		p.logger.Error("failed to persist tick events", "tick", tick, "error", err)
	}

	ws := p.world.Snapshot()
	err = retry.Do(ctx, retry.DatabaseProfile, anyErr, func(ctx context.Context) error {
		return p.store.SaveWorldState(ctx, &ws)
	})
	if err != nil {
		p.logger.Error("failed to checkpoint world state", "tick", tick, "error", err)
	}
}

// scheduleWebhooks queues one notification per webhook-registered agent
// carrying the tick summary and that agent's fills.
func (p *Pipeline) scheduleWebhooks(ctx context.Context, tick int64, acc *accum) {
	if p.notify == nil {
		return
	}
	agents, err := p.store.ListAgents(ctx)
	if err != nil {
		p.logger.Error("failed to list agents for webhooks", "error", err)
		return
	}

	ws := p.world.Snapshot()
	for _, agent := range agents {
		if agent.WebhookURL == "" {
			continue
		}
		p.notify.Enqueue(agent.ID, webhook.Notification{
			Type:      "TICK",
			Tick:      tick,
			Timestamp: time.Now(),
			Payload: map[string]any{
				"marketOpen": ws.MarketOpen,
				"regime":     ws.Regime,
				"fills":      acc.fills[agent.ID],
			},
		})
	}
}

func (p *Pipeline) updateOrder(ctx context.Context, o *types.Order) {
	if err := p.store.UpdateOrder(ctx, o); err != nil {
		p.logger.Error("failed to persist order", "order", o.ID, "error", err)
	}
}

func (p *Pipeline) updateInvestigation(ctx context.Context, inv *types.Investigation) {
	if err := p.store.UpdateInvestigation(ctx, inv); err != nil {
		p.logger.Error("failed to persist investigation", "investigation", inv.ID, "error", err)
	}
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
