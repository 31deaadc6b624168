// Package book implements the in-memory per-symbol limit order books and
// the matching engine that drives them.
//
// Each side of a book is a slice of price levels kept best-first (bids
// descending, asks ascending); each level is a FIFO queue of resting
// orders, giving price-time priority. An order-id map per book makes
// cancellation O(1) lookups. The engine exclusively owns all books; the
// per-symbol mutex in Engine guarantees serializability of submit/cancel,
// and read accessors return copies.
package book

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wallstreetsim/pkg/types"
)

// resting is one order sitting in a book awaiting a counterparty.
type resting struct {
	id       string
	agentID  string
	side     types.Side
	price    decimal.Decimal
	quantity int64
	filled   int64
	arrival  uint64 // monotonic arrival stamp; ties within a level resolve by it
}

func (r *resting) remaining() int64 { return r.quantity - r.filled }

// priceLevel is a FIFO queue of resting orders at one price.
type priceLevel struct {
	price  decimal.Decimal
	orders []*resting
}

func (l *priceLevel) totalRemaining() int64 {
	var sum int64
	for _, o := range l.orders {
		sum += o.remaining()
	}
	return sum
}

// Book holds both sides for one symbol. Not safe for concurrent use on its
// own; the Engine serializes access per symbol.
type Book struct {
	symbol  string
	bids    []*priceLevel // sorted by price descending
	asks    []*priceLevel // sorted by price ascending
	byID    map[string]*resting
	arrival uint64
}

func newBook(symbol string) *Book {
	return &Book{symbol: symbol, byID: make(map[string]*resting)}
}

// insert places a resting order preserving price-time priority.
func (b *Book) insert(o *resting) {
	b.arrival++
	o.arrival = b.arrival
	b.byID[o.id] = o

	levels := &b.asks
	better := func(a, p decimal.Decimal) bool { return a.LessThan(p) }
	if o.side == types.BUY {
		levels = &b.bids
		better = func(a, p decimal.Decimal) bool { return a.GreaterThan(p) }
	}

	idx := sort.Search(len(*levels), func(i int) bool {
		return !better((*levels)[i].price, o.price)
	})
	if idx < len(*levels) && (*levels)[idx].price.Equal(o.price) {
		(*levels)[idx].orders = append((*levels)[idx].orders, o)
		return
	}
	lvl := &priceLevel{price: o.price, orders: []*resting{o}}
	*levels = append(*levels, nil)
	copy((*levels)[idx+1:], (*levels)[idx:])
	(*levels)[idx] = lvl
}

// remove deletes an order from its level, dropping the level when empty.
func (b *Book) remove(id string) bool {
	o, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)

	levels := &b.asks
	if o.side == types.BUY {
		levels = &b.bids
	}
	for li, lvl := range *levels {
		if !lvl.price.Equal(o.price) {
			continue
		}
		for oi, ro := range lvl.orders {
			if ro.id == id {
				lvl.orders = append(lvl.orders[:oi], lvl.orders[oi+1:]...)
				if len(lvl.orders) == 0 {
					*levels = append((*levels)[:li], (*levels)[li+1:]...)
				}
				return true
			}
		}
	}
	return false
}

// bestBid returns the highest bid level, or nil.
func (b *Book) bestBid() *priceLevel {
	if len(b.bids) == 0 {
		return nil
	}
	return b.bids[0]
}

// bestAsk returns the lowest ask level, or nil.
func (b *Book) bestAsk() *priceLevel {
	if len(b.asks) == 0 {
		return nil
	}
	return b.asks[0]
}

// LevelSnapshot is one aggregated price level in a book snapshot.
type LevelSnapshot struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Snapshot is a copy of one book's levels, safe to hand to subscribers.
type Snapshot struct {
	Symbol string          `json:"symbol"`
	Bids   []LevelSnapshot `json:"bids"`
	Asks   []LevelSnapshot `json:"asks"`
}

func (b *Book) snapshot() Snapshot {
	snap := Snapshot{Symbol: b.symbol}
	for _, lvl := range b.bids {
		snap.Bids = append(snap.Bids, LevelSnapshot{Price: lvl.price, Quantity: lvl.totalRemaining(), Orders: len(lvl.orders)})
	}
	for _, lvl := range b.asks {
		snap.Asks = append(snap.Asks, LevelSnapshot{Price: lvl.price, Quantity: lvl.totalRemaining(), Orders: len(lvl.orders)})
	}
	return snap
}

// match fills an incoming order against the book. LIMIT orders halt once
// the next level is worse than their limit; MARKET orders walk every level.
// Trades print at the resting order's price.
func (b *Book) match(incoming *types.Order, tick int64, now time.Time) ([]types.Trade, []AffectedOrder) {
	var fills []types.Trade
	touched := make(map[string]*affectedAccum)
	var order []string // preserve first-touch ordering of affected entries

	opposing := &b.asks
	priceOK := func(level decimal.Decimal) bool {
		return incoming.Type == types.MARKET || level.LessThanOrEqual(incoming.Price)
	}
	if incoming.Side == types.SELL {
		opposing = &b.bids
		priceOK = func(level decimal.Decimal) bool {
			return incoming.Type == types.MARKET || level.GreaterThanOrEqual(incoming.Price)
		}
	}

	for incoming.Remaining() > 0 && len(*opposing) > 0 {
		top := (*opposing)[0]
		if !priceOK(top.price) {
			break
		}

		maker := top.orders[0]
		qty := incoming.Remaining()
		if rem := maker.remaining(); rem < qty {
			qty = rem
		}

		maker.filled += qty
		incoming.FilledQuantity += qty

		trade := types.Trade{
			ID:         uuid.NewString(),
			Symbol:     b.symbol,
			Price:      maker.price,
			Quantity:   qty,
			Tick:       tick,
			ExecutedAt: now,
		}
		if incoming.Side == types.BUY {
			trade.BuyerID = incoming.AgentID
			trade.BuyerOrderID = incoming.ID
			trade.SellerID = maker.agentID
			trade.SellerOrderID = maker.id
		} else {
			trade.SellerID = incoming.AgentID
			trade.SellerOrderID = incoming.ID
			trade.BuyerID = maker.agentID
			trade.BuyerOrderID = maker.id
		}
		fills = append(fills, trade)

		acc, ok := touched[maker.id]
		if !ok {
			acc = &affectedAccum{orderID: maker.id, agentID: maker.agentID, total: maker.quantity}
			touched[maker.id] = acc
			order = append(order, maker.id)
		}
		acc.delta += qty
		acc.cumFilled = maker.filled
		acc.notional = acc.notional.Add(maker.price.Mul(decimal.NewFromInt(qty)))

		if maker.remaining() == 0 {
			top.orders = top.orders[1:]
			delete(b.byID, maker.id)
			if len(top.orders) == 0 {
				*opposing = (*opposing)[1:]
			}
		}
	}

	affected := make([]AffectedOrder, 0, len(order))
	for _, id := range order {
		acc := touched[id]
		affected = append(affected, AffectedOrder{
			OrderID:          acc.orderID,
			AgentID:          acc.agentID,
			FilledDelta:      acc.delta,
			CumulativeFilled: acc.cumFilled,
			TotalQuantity:    acc.total,
			AvgFillPrice:     acc.notional.Div(decimal.NewFromInt(acc.delta)),
		})
	}
	return fills, affected
}

// affectedAccum accumulates per-resting-order fill stats for one matching
// call (the VWAP in AffectedOrder is across this call only).
type affectedAccum struct {
	orderID   string
	agentID   string
	delta     int64
	cumFilled int64
	total     int64
	notional  decimal.Decimal
}
