package book

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wallstreetsim/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newOrder(agentID string, side types.Side, typ types.OrderType, qty int64, price string) *types.Order {
	o := &types.Order{
		ID:       uuid.NewString(),
		AgentID:  agentID,
		Symbol:   "ACME",
		Side:     side,
		Type:     typ,
		Quantity: qty,
		Status:   types.OrderPending,
	}
	if price != "" {
		o.Price = dec(price)
	}
	return o
}

func newTestEngine() *Engine {
	e := NewEngine()
	e.Initialize([]string{"ACME"})
	return e
}

func TestPriceTimePriority(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	first := newOrder("maker-a", types.SELL, types.LIMIT, 100, "50")
	second := newOrder("maker-b", types.SELL, types.LIMIT, 100, "50")
	e.SubmitOrder(first)
	e.SubmitOrder(second)

	taker := newOrder("taker", types.BUY, types.MARKET, 150, "")
	res := e.SubmitOrder(taker)

	if len(res.Fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(res.Fills))
	}
	if res.Fills[0].SellerOrderID != first.ID || res.Fills[0].Quantity != 100 {
		t.Errorf("first fill should exhaust the earlier order: %+v", res.Fills[0])
	}
	if res.Fills[1].SellerOrderID != second.ID || res.Fills[1].Quantity != 50 {
		t.Errorf("second fill should take 50 from the later order: %+v", res.Fills[1])
	}
	for _, f := range res.Fills {
		if !f.Price.Equal(dec("50")) {
			t.Errorf("trade price = %s, want maker price 50", f.Price)
		}
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}
}

func TestLimitPartialFillRestsRemainder(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	e.SubmitOrder(newOrder("maker", types.SELL, types.LIMIT, 4, "49"))

	taker := newOrder("taker", types.BUY, types.LIMIT, 10, "50")
	res := e.SubmitOrder(taker)

	if len(res.Fills) != 1 || res.Fills[0].Quantity != 4 {
		t.Fatalf("fills = %+v, want one fill of 4", res.Fills)
	}
	if !res.Fills[0].Price.Equal(dec("49")) {
		t.Errorf("trade price = %s, want 49", res.Fills[0].Price)
	}
	if res.Remaining != 6 {
		t.Errorf("remaining = %d, want 6", res.Remaining)
	}

	bid, ask := e.BestBidAsk("ACME")
	if bid == nil || !bid.Equal(dec("50")) {
		t.Errorf("best bid = %v, want 50 (remainder rested)", bid)
	}
	if ask != nil {
		t.Errorf("best ask = %v, want empty", ask)
	}
}

func TestNoCrossNoFills(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	e.SubmitOrder(newOrder("maker", types.SELL, types.LIMIT, 5, "50"))
	res := e.SubmitOrder(newOrder("taker", types.BUY, types.LIMIT, 10, "45"))

	if len(res.Fills) != 0 {
		t.Fatalf("fills = %+v, want none", res.Fills)
	}
	bid, ask := e.BestBidAsk("ACME")
	if bid == nil || !bid.Equal(dec("45")) {
		t.Errorf("best bid = %v, want 45", bid)
	}
	if ask == nil || !ask.Equal(dec("50")) {
		t.Errorf("best ask = %v, want 50", ask)
	}
}

func TestMarketWalksBestPriceFirst(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	e.SubmitOrder(newOrder("m1", types.SELL, types.LIMIT, 5, "51"))
	e.SubmitOrder(newOrder("m2", types.SELL, types.LIMIT, 5, "50"))
	e.SubmitOrder(newOrder("m3", types.SELL, types.LIMIT, 5, "52"))

	res := e.SubmitOrder(newOrder("taker", types.BUY, types.MARKET, 15, ""))

	want := []string{"50", "51", "52"}
	if len(res.Fills) != 3 {
		t.Fatalf("fills = %d, want 3", len(res.Fills))
	}
	for i, f := range res.Fills {
		if !f.Price.Equal(dec(want[i])) {
			t.Errorf("fill %d price = %s, want %s", i, f.Price, want[i])
		}
	}
}

func TestLimitHaltsAtWorseLevel(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	e.SubmitOrder(newOrder("m1", types.SELL, types.LIMIT, 5, "50"))
	e.SubmitOrder(newOrder("m2", types.SELL, types.LIMIT, 5, "52"))

	res := e.SubmitOrder(newOrder("taker", types.BUY, types.LIMIT, 10, "51"))

	if len(res.Fills) != 1 || res.Fills[0].Quantity != 5 {
		t.Fatalf("fills = %+v, want one fill of 5 at 50", res.Fills)
	}
	if res.Remaining != 5 {
		t.Errorf("remaining = %d, want 5 rested at 51", res.Remaining)
	}
}

func TestAffectedRestingOrders(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	maker := newOrder("maker", types.SELL, types.LIMIT, 100, "50")
	e.SubmitOrder(maker)
	e.SubmitOrder(newOrder("t1", types.BUY, types.MARKET, 30, ""))
	res := e.SubmitOrder(newOrder("t2", types.BUY, types.MARKET, 20, ""))

	if len(res.Affected) != 1 {
		t.Fatalf("affected = %d, want 1", len(res.Affected))
	}
	aff := res.Affected[0]
	if aff.OrderID != maker.ID || aff.FilledDelta != 20 || aff.CumulativeFilled != 50 || aff.TotalQuantity != 100 {
		t.Errorf("affected = %+v, want delta 20 cum 50 of 100", aff)
	}
	if !aff.AvgFillPrice.Equal(dec("50")) {
		t.Errorf("avg fill price = %s, want 50", aff.AvgFillPrice)
	}
}

func TestUnknownSymbolNoOp(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	o := newOrder("taker", types.BUY, types.MARKET, 10, "")
	o.Symbol = "NOPE"
	res := e.SubmitOrder(o)

	if len(res.Fills) != 0 || res.Remaining != 10 {
		t.Errorf("unknown symbol should be a no-op: %+v", res)
	}
}

func TestCancelTwice(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	o := newOrder("maker", types.SELL, types.LIMIT, 5, "50")
	e.SubmitOrder(o)

	if !e.CancelOrder("ACME", o.ID) {
		t.Fatal("first cancel should succeed")
	}
	if e.CancelOrder("ACME", o.ID) {
		t.Fatal("second cancel should fail")
	}
	if _, ask := e.BestBidAsk("ACME"); ask != nil {
		t.Errorf("ask side should be empty after cancel, got %v", ask)
	}
}

func TestStopLedgerTriggering(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	buyStop := newOrder("a", types.BUY, types.STOP, 10, "55")
	sellStop := newOrder("b", types.SELL, types.STOP, 10, "45")
	e.AddStop(buyStop)
	e.AddStop(sellStop)

	if got := e.TriggeredStops("ACME", dec("50")); len(got) != 0 {
		t.Fatalf("no stop should fire at 50, got %d", len(got))
	}
	fired := e.TriggeredStops("ACME", dec("56"))
	if len(fired) != 1 || fired[0].ID != buyStop.ID {
		t.Fatalf("buy stop should fire at 56, got %+v", fired)
	}
	// Fired stops leave the ledger.
	if got := e.TriggeredStops("ACME", dec("56")); len(got) != 0 {
		t.Fatalf("stop fired twice")
	}
	if !e.RemoveStop("ACME", sellStop.ID) {
		t.Fatal("remove should find the parked sell stop")
	}
}

func TestDepthAndSnapshot(t *testing.T) {
	t.Parallel()
	e := newTestEngine()

	e.SubmitOrder(newOrder("m1", types.BUY, types.LIMIT, 10, "49"))
	e.SubmitOrder(newOrder("m2", types.SELL, types.LIMIT, 4, "51"))

	bidDepth, askDepth := e.Depth("ACME")
	if !bidDepth.Equal(dec("490")) {
		t.Errorf("bid depth = %s, want 490", bidDepth)
	}
	if !askDepth.Equal(dec("204")) {
		t.Errorf("ask depth = %s, want 204", askDepth)
	}

	snap := e.OrderBook("ACME")
	if len(snap.Bids) != 1 || len(snap.Asks) != 1 {
		t.Fatalf("snapshot levels = %d/%d, want 1/1", len(snap.Bids), len(snap.Asks))
	}
	if snap.Bids[0].Quantity != 10 || snap.Asks[0].Quantity != 4 {
		t.Errorf("snapshot quantities = %+v", snap)
	}
}
