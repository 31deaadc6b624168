// Package world owns the global simulation state: the logical clock's
// public face (tick, marketOpen), the macro knobs (interest, inflation,
// GDP), the market regime, per-symbol price aggregates with trading-day
// rotation, and the active market-event set.
//
// The tick pipeline is the only writer; subscribers read snapshots.
package world

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"wallstreetsim/pkg/types"
)

// Clock describes the trading-day geometry.
type Clock struct {
	TicksPerTradingDay int64
	TicksAfterHours    int64
	MarketOpenTick     int64
	MarketCloseTick    int64
}

// dayLength is one full day including after-hours ticks.
func (c Clock) dayLength() int64 {
	return c.TicksPerTradingDay + c.TicksAfterHours
}

// State is the world-state holder.
type State struct {
	mu        sync.RWMutex
	ws        types.WorldState
	clock     Clock
	policy    RegimePolicy
	companies map[string]*types.Company
	events    []*types.MarketEvent
}

// NewState creates a world at tick 0 in the normal regime.
func NewState(clock Clock, policy RegimePolicy) *State {
	if policy == nil {
		policy = &StaticPolicy{Regime: types.RegimeNormal}
	}
	return &State{
		ws: types.WorldState{
			Regime:        types.RegimeNormal,
			InterestRate:  0.05,
			InflationRate: 0.02,
			GDPGrowth:     0.025,
		},
		clock:     clock,
		policy:    policy,
		companies: make(map[string]*types.Company),
	}
}

// Restore replaces the world state (boot from a persisted checkpoint).
func (s *State) Restore(ws types.WorldState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ws = ws
}

// LoadCompanies seeds the instrument table.
func (s *State) LoadCompanies(companies []*types.Company) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range companies {
		cp := *c
		s.companies[c.Symbol] = &cp
	}
}

// Symbols returns all loaded symbols.
func (s *State) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.companies))
	for sym := range s.companies {
		out = append(out, sym)
	}
	return out
}

// Snapshot returns a copy of the current world state.
func (s *State) Snapshot() types.WorldState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ws
}

// Company returns a copy of one instrument, or nil if unknown.
func (s *State) Company(symbol string) *types.Company {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.companies[symbol]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// Companies returns copies of all instruments.
func (s *State) Companies() []*types.Company {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Company, 0, len(s.companies))
	for _, c := range s.companies {
		cp := *c
		out = append(out, &cp)
	}
	return out
}

// AdvanceTick moves the logical clock forward one tick, rotating the
// trading day at the boundary (previousClose and open roll over, high/low
// reset) and recomputing marketOpen from the intra-day position.
func (s *State) AdvanceTick(now time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ws.Tick++
	s.ws.LastTickAt = now

	pos := s.ws.Tick % s.clock.dayLength()
	s.ws.MarketOpen = pos >= s.clock.MarketOpenTick && pos < s.clock.MarketCloseTick

	if pos == 0 {
		for _, c := range s.companies {
			c.PreviousClose = c.CurrentPrice
			c.Open = c.CurrentPrice
			c.High = c.CurrentPrice
			c.Low = c.CurrentPrice
		}
	}
	return s.ws.Tick
}

// Tick returns the current tick.
func (s *State) Tick() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ws.Tick
}

// UpdatePrice moves one symbol to newPrice, maintains the day's high/low
// and market cap, and returns the resulting PriceUpdate. Unknown symbols
// return nil.
func (s *State) UpdatePrice(symbol string, newPrice decimal.Decimal, volume int64) *types.PriceUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.companies[symbol]
	if !ok {
		return nil
	}

	old := c.CurrentPrice
	c.CurrentPrice = newPrice
	if c.High.IsZero() || newPrice.GreaterThan(c.High) {
		c.High = newPrice
	}
	if c.Low.IsZero() || newPrice.LessThan(c.Low) {
		c.Low = newPrice
	}
	c.MarketCap = newPrice.Mul(decimal.NewFromInt(c.SharesOutstanding))

	change := newPrice.Sub(old)
	var pct float64
	if !old.IsZero() {
		pct, _ = change.Div(old).Mul(decimal.NewFromInt(100)).Float64()
	}
	return &types.PriceUpdate{
		Symbol:        symbol,
		OldPrice:      old,
		NewPrice:      newPrice,
		Change:        change,
		ChangePercent: pct,
		Volume:        volume,
	}
}

// AddEvent activates a market event.
func (s *State) AddEvent(ev *types.MarketEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	if cp.Remaining == 0 {
		cp.Remaining = cp.Duration
	}
	s.events = append(s.events, &cp)
}

// DecayEvents decrements every active event's remaining duration and
// drops the ones that expire, returning them.
func (s *State) DecayEvents() []*types.MarketEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*types.MarketEvent
	var active []*types.MarketEvent
	for _, ev := range s.events {
		ev.Remaining--
		if ev.Remaining <= 0 {
			expired = append(expired, ev)
		} else {
			active = append(active, ev)
		}
	}
	s.events = active
	return expired
}

// ActiveEvents returns copies of all events with remaining duration.
func (s *State) ActiveEvents() []*types.MarketEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.MarketEvent, 0, len(s.events))
	for _, ev := range s.events {
		cp := *ev
		out = append(out, &cp)
	}
	return out
}

// ObserveMoves feeds this tick's price updates to the regime policy and
// applies any transition. Returns the regime and whether it changed.
func (s *State) ObserveMoves(updates []types.PriceUpdate) (types.Regime, bool) {
	var sum float64
	for _, u := range updates {
		sum += u.ChangePercent
	}
	var mean float64
	if len(updates) > 0 {
		mean = sum / float64(len(updates))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.policy.Next(s.ws.Regime, mean)
	changed := next != s.ws.Regime
	s.ws.Regime = next
	return next, changed
}
