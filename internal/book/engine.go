package book

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"wallstreetsim/pkg/types"
)

// AffectedOrder reports a resting order touched by one matching call,
// for downstream notification and persistence. AvgFillPrice is the
// volume-weighted average across this call.
type AffectedOrder struct {
	OrderID          string          `json:"orderId"`
	AgentID          string          `json:"agentId"`
	FilledDelta      int64           `json:"filledDelta"`
	CumulativeFilled int64           `json:"cumulativeFilled"`
	TotalQuantity    int64           `json:"totalQuantity"`
	AvgFillPrice     decimal.Decimal `json:"avgFillPrice"`
}

// SubmitResult is everything one SubmitOrder call produced.
type SubmitResult struct {
	Fills     []types.Trade
	Affected  []AffectedOrder
	Remaining int64
}

// Engine owns every symbol's book. Submit/cancel for a symbol are
// serialized by that symbol's mutex (single-writer per symbol); reads take
// the same lock briefly and return copies. The engine assumes upstream
// validation — it never rejects on quantity or price.
type Engine struct {
	mu    sync.RWMutex // guards the books map itself
	books map[string]*slot
	tick  atomic.Int64
	stops struct {
		sync.Mutex
		bySymbol map[string][]*types.Order
	}
}

type slot struct {
	mu   sync.Mutex
	book *Book
}

// NewEngine creates an engine with no books.
func NewEngine() *Engine {
	e := &Engine{books: make(map[string]*slot)}
	e.stops.bySymbol = make(map[string][]*types.Order)
	return e
}

// Initialize allocates an empty book per symbol. Idempotent: existing
// books are left untouched.
func (e *Engine) Initialize(symbols []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sym := range symbols {
		if _, ok := e.books[sym]; !ok {
			e.books[sym] = &slot{book: newBook(sym)}
		}
	}
}

// SetTick sets the tick stamped on subsequent trades.
func (e *Engine) SetTick(t int64) {
	e.tick.Store(t)
}

func (e *Engine) slot(symbol string) *slot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.books[symbol]
}

// SubmitOrder matches an incoming order and rests any LIMIT remainder.
// An unknown symbol is a no-op success: empty fills, full remaining.
func (e *Engine) SubmitOrder(o *types.Order) SubmitResult {
	s := e.slot(o.Symbol)
	if s == nil {
		return SubmitResult{Remaining: o.Remaining()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fills, affected := s.book.match(o, e.tick.Load(), time.Now())

	if o.Type == types.LIMIT && o.Remaining() > 0 {
		s.book.insert(&resting{
			id:       o.ID,
			agentID:  o.AgentID,
			side:     o.Side,
			price:    o.Price,
			quantity: o.Quantity,
			filled:   o.FilledQuantity,
		})
	}

	return SubmitResult{Fills: fills, Affected: affected, Remaining: o.Remaining()}
}

// CancelOrder removes a resting order. Returns false if the symbol or the
// order is unknown — cancelling twice returns true then false.
func (e *Engine) CancelOrder(symbol, orderID string) bool {
	s := e.slot(symbol)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book.remove(orderID)
}

// BestBidAsk returns the best quote on each side; a nil side is empty.
func (e *Engine) BestBidAsk(symbol string) (bid, ask *decimal.Decimal) {
	s := e.slot(symbol)
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if lvl := s.book.bestBid(); lvl != nil {
		p := lvl.price
		bid = &p
	}
	if lvl := s.book.bestAsk(); lvl != nil {
		p := lvl.price
		ask = &p
	}
	return bid, ask
}

// MidPrice returns the mid of best bid/ask, or fallback when either side
// is empty.
func (e *Engine) MidPrice(symbol string, fallback decimal.Decimal) decimal.Decimal {
	bid, ask := e.BestBidAsk(symbol)
	if bid == nil || ask == nil {
		return fallback
	}
	return bid.Add(*ask).Div(decimal.NewFromInt(2))
}

// Depth returns Σ price×quantity per side.
func (e *Engine) Depth(symbol string) (bidDepth, askDepth decimal.Decimal) {
	s := e.slot(symbol)
	if s == nil {
		return decimal.Zero, decimal.Zero
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lvl := range s.book.bids {
		bidDepth = bidDepth.Add(lvl.price.Mul(decimal.NewFromInt(lvl.totalRemaining())))
	}
	for _, lvl := range s.book.asks {
		askDepth = askDepth.Add(lvl.price.Mul(decimal.NewFromInt(lvl.totalRemaining())))
	}
	return bidDepth, askDepth
}

// OrderBook returns a copy of the book's levels.
func (e *Engine) OrderBook(symbol string) Snapshot {
	s := e.slot(symbol)
	if s == nil {
		return Snapshot{Symbol: symbol}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book.snapshot()
}

// ClearAll drops every book and pending stop.
func (e *Engine) ClearAll() {
	e.mu.Lock()
	e.books = make(map[string]*slot)
	e.mu.Unlock()

	e.stops.Lock()
	e.stops.bySymbol = make(map[string][]*types.Order)
	e.stops.Unlock()
}

// AddStop parks a STOP order until its trigger price prints.
func (e *Engine) AddStop(o *types.Order) {
	e.stops.Lock()
	defer e.stops.Unlock()
	e.stops.bySymbol[o.Symbol] = append(e.stops.bySymbol[o.Symbol], o)
}

// RemoveStop cancels a parked STOP order by id.
func (e *Engine) RemoveStop(symbol, orderID string) bool {
	e.stops.Lock()
	defer e.stops.Unlock()
	list := e.stops.bySymbol[symbol]
	for i, o := range list {
		if o.ID == orderID {
			e.stops.bySymbol[symbol] = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// TriggeredStops removes and returns stop orders whose trigger the last
// trade price has crossed: BUY stops trigger at or above their price,
// SELL stops at or below.
func (e *Engine) TriggeredStops(symbol string, lastPrice decimal.Decimal) []*types.Order {
	e.stops.Lock()
	defer e.stops.Unlock()

	var triggered []*types.Order
	var remaining []*types.Order
	for _, o := range e.stops.bySymbol[symbol] {
		fired := (o.Side == types.BUY && lastPrice.GreaterThanOrEqual(o.Price)) ||
			(o.Side == types.SELL && lastPrice.LessThanOrEqual(o.Price))
		if fired {
			triggered = append(triggered, o)
		} else {
			remaining = append(remaining, o)
		}
	}
	e.stops.bySymbol[symbol] = remaining
	return triggered
}
