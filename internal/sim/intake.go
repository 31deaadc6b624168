// Package sim drives the simulation: the tick scheduler, the eight-step
// tick pipeline, and the intake queue between the action processor and the
// matching engine. Matching is synchronous inside the pipeline; the
// processor only validates, persists and enqueues.
package sim

import (
	"sync"

	"wallstreetsim/internal/book"
	"wallstreetsim/pkg/types"
)

// Intake is the handoff between action processing and matching. Orders
// accepted by the processor wait here until the next tick drains them.
type Intake struct {
	engine *book.Engine

	mu      sync.Mutex
	pending []*types.Order
}

// NewIntake creates an empty queue in front of engine.
func NewIntake(engine *book.Engine) *Intake {
	return &Intake{engine: engine}
}

// Enqueue accepts a validated order for the next tick.
func (q *Intake) Enqueue(o *types.Order) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, o)
}

// Cancel removes an order wherever it currently lives: the pending queue,
// the stop ledger, or the book.
func (q *Intake) Cancel(symbol, orderID string) bool {
	q.mu.Lock()
	for i, o := range q.pending {
		if o.ID == orderID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			q.mu.Unlock()
			return true
		}
	}
	q.mu.Unlock()

	if q.engine.RemoveStop(symbol, orderID) {
		return true
	}
	return q.engine.CancelOrder(symbol, orderID)
}

// Drain returns and clears everything queued.
func (q *Intake) Drain() []*types.Order {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

// Len reports the queue depth.
func (q *Intake) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
