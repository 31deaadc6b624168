package world

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"wallstreetsim/pkg/types"
)

func testClock() Clock {
	return Clock{
		TicksPerTradingDay: 10,
		TicksAfterHours:    2,
		MarketOpenTick:     0,
		MarketCloseTick:    10,
	}
}

func testState() *State {
	s := NewState(testClock(), nil)
	s.LoadCompanies([]*types.Company{{
		Symbol:            "ACME",
		Name:              "Acme Industrial",
		CurrentPrice:      decimal.NewFromInt(50),
		PreviousClose:     decimal.NewFromInt(50),
		Open:              decimal.NewFromInt(50),
		High:              decimal.NewFromInt(50),
		Low:               decimal.NewFromInt(50),
		SharesOutstanding: 1000,
		IsPublic:          true,
	}})
	return s
}

func TestAdvanceTickMarketWindow(t *testing.T) {
	t.Parallel()
	s := testState()
	now := time.Now()

	// Day length 12, open window [0, 10). Ticks 1..9 are open, 10 and 11
	// are after hours, 12 wraps to position 0 and reopens.
	for i := 0; i < 9; i++ {
		s.AdvanceTick(now)
		if !s.Snapshot().MarketOpen {
			t.Fatalf("tick %d should be inside the open window", s.Tick())
		}
	}
	s.AdvanceTick(now) // tick 10
	s.AdvanceTick(now) // tick 11
	if s.Snapshot().MarketOpen {
		t.Error("after-hours ticks should be closed")
	}
	s.AdvanceTick(now) // tick 12, new day
	if !s.Snapshot().MarketOpen {
		t.Error("new day should reopen the market")
	}
}

func TestDayRotationResetsAggregates(t *testing.T) {
	t.Parallel()
	s := testState()
	now := time.Now()

	s.AdvanceTick(now)
	s.UpdatePrice("ACME", decimal.NewFromInt(60), 100)
	s.UpdatePrice("ACME", decimal.NewFromInt(45), 100)

	c := s.Company("ACME")
	if !c.High.Equal(decimal.NewFromInt(60)) || !c.Low.Equal(decimal.NewFromInt(45)) {
		t.Fatalf("high/low = %s/%s, want 60/45", c.High, c.Low)
	}

	// Advance to the next day boundary (position 0).
	for s.Tick()%12 != 0 {
		s.AdvanceTick(now)
	}

	c = s.Company("ACME")
	last := decimal.NewFromInt(45)
	if !c.PreviousClose.Equal(last) || !c.Open.Equal(last) {
		t.Errorf("previousClose/open = %s/%s, want %s", c.PreviousClose, c.Open, last)
	}
	if !c.High.Equal(last) || !c.Low.Equal(last) {
		t.Errorf("high/low = %s/%s, want reset to %s", c.High, c.Low, last)
	}
}

func TestUpdatePrice(t *testing.T) {
	t.Parallel()
	s := testState()

	u := s.UpdatePrice("ACME", decimal.NewFromInt(55), 300)
	if u == nil {
		t.Fatal("update = nil")
	}
	if !u.OldPrice.Equal(decimal.NewFromInt(50)) || !u.NewPrice.Equal(decimal.NewFromInt(55)) {
		t.Errorf("prices = %s -> %s", u.OldPrice, u.NewPrice)
	}
	if u.ChangePercent != 10 {
		t.Errorf("changePercent = %v, want 10", u.ChangePercent)
	}
	if u.Volume != 300 {
		t.Errorf("volume = %d, want 300", u.Volume)
	}

	c := s.Company("ACME")
	if !c.MarketCap.Equal(decimal.NewFromInt(55_000)) {
		t.Errorf("marketCap = %s, want 55000", c.MarketCap)
	}

	if s.UpdatePrice("NOPE", decimal.NewFromInt(1), 1) != nil {
		t.Error("unknown symbol should return nil")
	}
}

func TestEventDecay(t *testing.T) {
	t.Parallel()
	s := testState()

	s.AddEvent(&types.MarketEvent{ID: "e1", Duration: 2})
	s.AddEvent(&types.MarketEvent{ID: "e2", Duration: 1})

	expired := s.DecayEvents()
	if len(expired) != 1 || expired[0].ID != "e2" {
		t.Fatalf("expired = %+v, want e2", expired)
	}
	if active := s.ActiveEvents(); len(active) != 1 || active[0].ID != "e1" {
		t.Fatalf("active = %+v, want e1", active)
	}

	expired = s.DecayEvents()
	if len(expired) != 1 || expired[0].ID != "e1" {
		t.Errorf("expired = %+v, want e1", expired)
	}
	if len(s.ActiveEvents()) != 0 {
		t.Error("all events should have expired")
	}
}

func TestStaticPolicyNeverTransitions(t *testing.T) {
	t.Parallel()
	s := NewState(testClock(), &StaticPolicy{Regime: types.RegimeNormal})

	regime, changed := s.ObserveMoves([]types.PriceUpdate{{ChangePercent: 50}})
	if regime != types.RegimeNormal || changed {
		t.Errorf("regime = %s changed=%v, want static normal", regime, changed)
	}
}

func TestWindowedPolicyTransitions(t *testing.T) {
	t.Parallel()
	p := NewWindowedMovePolicy()

	regime := types.RegimeNormal
	// Sustained large negative moves push the window mean below -4%.
	for i := 0; i < 20; i++ {
		regime = p.Next(regime, -5)
	}
	if regime != types.RegimeBear {
		t.Fatalf("regime = %s, want bear", regime)
	}

	// Violent moves escalate to crash.
	for i := 0; i < 20; i++ {
		regime = p.Next(regime, -10)
	}
	if regime != types.RegimeCrash {
		t.Fatalf("regime = %s, want crash", regime)
	}

	// Calm decays back to normal after the calm streak.
	for i := 0; i < 30; i++ {
		regime = p.Next(regime, 0)
	}
	if regime != types.RegimeNormal {
		t.Errorf("regime = %s, want normal after calm", regime)
	}
}

func TestWindowedPolicyBubbleNeedsBull(t *testing.T) {
	t.Parallel()
	p := NewWindowedMovePolicy()

	regime := types.RegimeNormal
	for i := 0; i < 20; i++ {
		regime = p.Next(regime, 5)
	}
	if regime != types.RegimeBull {
		t.Fatalf("regime = %s, want bull", regime)
	}

	// Moderate rising moves in a bull market inflate a bubble.
	for i := 0; i < 20; i++ {
		regime = p.Next(regime, 3)
	}
	if regime != types.RegimeBubble {
		t.Errorf("regime = %s, want bubble", regime)
	}
}

func TestRestoreAndSnapshot(t *testing.T) {
	t.Parallel()
	s := testState()

	s.Restore(types.WorldState{Tick: 99, Regime: types.RegimeBear, MarketOpen: true})
	ws := s.Snapshot()
	if ws.Tick != 99 || ws.Regime != types.RegimeBear || !ws.MarketOpen {
		t.Errorf("snapshot = %+v", ws)
	}
	if s.Tick() != 99 {
		t.Errorf("tick = %d, want 99", s.Tick())
	}
}
