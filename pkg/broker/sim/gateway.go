// Package sim provides an in-memory broker gateway. It backs DRY_RUN mode
// and doubles as the scriptable fake for tests: market orders fill at the
// current quote, protective orders trigger off injected quotes, and every
// gateway call is logged with start/end timestamps.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"options-core/pkg/broker"
)

// Call records one gateway invocation, for assertions on serialization.
type Call struct {
	Method  string
	OrderID string
	Start   time.Time
	End     time.Time
}

type simOrder struct {
	req       broker.OrderRequest
	status    broker.OrderStatus
	filledQty int
	avgPrice  float64
}

type position struct {
	qty      int
	avgPrice float64
}

// Gateway is an in-memory broker.
type Gateway struct {
	mu        sync.Mutex
	seq       int
	quotes    map[string]float64
	orders    map[string]*simOrder
	positions map[string]*position
	calls     []Call

	// Test knobs.
	RejectTypes map[broker.OrderType]bool // placements of these types are rejected
	StallFills  bool                      // market orders stay pending (entry retry tests)
	Latency     time.Duration             // simulated per-call latency
}

func New() *Gateway {
	return &Gateway{
		quotes:      make(map[string]float64),
		orders:      make(map[string]*simOrder),
		positions:   make(map[string]*position),
		RejectTypes: make(map[broker.OrderType]bool),
	}
}

// SetQuote updates a symbol's last price and sweeps resting orders whose
// trigger conditions the new price satisfies.
func (g *Gateway) SetQuote(symbol string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quotes[symbol] = price
	g.sweepLocked(symbol, price)
}

func (g *Gateway) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	done := g.record("PlaceOrder", "")
	defer done()

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.RejectTypes[req.Type] {
		return broker.OrderAck{Status: broker.StatusRejected}, fmt.Errorf("sim: %s orders rejected", req.Type)
	}

	g.seq++
	id := fmt.Sprintf("SIM-%06d", g.seq)
	o := &simOrder{req: req, status: broker.StatusPending}
	g.orders[id] = o

	if req.Type == broker.OrderTypeMarket && !g.StallFills {
		if ltp, ok := g.quotes[req.Symbol]; ok {
			g.fillLocked(o, req.Qty, ltp)
		}
	} else if ltp, ok := g.quotes[req.Symbol]; ok {
		g.maybeTriggerLocked(o, ltp)
	}

	return broker.OrderAck{OrderID: id, Status: broker.StatusPending}, nil
}

func (g *Gateway) OrderStatus(ctx context.Context, orderID string) (broker.OrderState, error) {
	done := g.record("OrderStatus", orderID)
	defer done()

	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[orderID]
	if !ok {
		return broker.OrderState{}, fmt.Errorf("sim order %s: %w", orderID, broker.ErrOrderNotFound)
	}
	return broker.OrderState{
		OrderID:   orderID,
		Status:    o.status,
		FilledQty: o.filledQty,
		AvgPrice:  o.avgPrice,
	}, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	done := g.record("CancelOrder", orderID)
	defer done()

	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[orderID]
	if !ok {
		return fmt.Errorf("sim order %s: %w", orderID, broker.ErrOrderNotFound)
	}
	if !o.status.Terminal() {
		o.status = broker.StatusCancelled
	}
	return nil
}

func (g *Gateway) Quote(ctx context.Context, symbol, exchange string) (broker.Quote, error) {
	done := g.record("Quote", "")
	defer done()

	g.mu.Lock()
	defer g.mu.Unlock()

	ltp, ok := g.quotes[symbol]
	if !ok {
		return broker.Quote{}, fmt.Errorf("sim: no quote for %s", symbol)
	}
	return broker.Quote{Symbol: symbol, LastPrice: ltp}, nil
}

func (g *Gateway) PositionBook(ctx context.Context) ([]broker.NetPosition, error) {
	done := g.record("PositionBook", "")
	defer done()

	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]broker.NetPosition, 0, len(g.positions))
	for sym, p := range g.positions {
		if p.qty == 0 {
			continue
		}
		out = append(out, broker.NetPosition{Symbol: sym, NetQty: p.qty, AvgPrice: p.avgPrice})
	}
	return out, nil
}

// Fill scripts a (possibly partial) fill on a resting order.
func (g *Gateway) Fill(orderID string, qty int, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.orders[orderID]; ok && !o.status.Terminal() {
		g.fillLocked(o, qty, price)
	}
}

// Reject scripts a rejection on a resting order.
func (g *Gateway) Reject(orderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.orders[orderID]; ok && !o.status.Terminal() {
		o.status = broker.StatusRejected
	}
}

// SetPosition seeds the position book directly (reconciliation tests).
func (g *Gateway) SetPosition(symbol string, qty int, avgPrice float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[symbol] = &position{qty: qty, avgPrice: avgPrice}
}

// Calls returns a copy of the call log.
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}

// OpenOrders returns ids of orders that are not terminal.
func (g *Gateway) OpenOrders() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []string
	for id, o := range g.orders {
		if !o.status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (g *Gateway) record(method, orderID string) func() {
	start := time.Now()
	if g.Latency > 0 {
		time.Sleep(g.Latency)
	}
	return func() {
		g.mu.Lock()
		g.calls = append(g.calls, Call{Method: method, OrderID: orderID, Start: start, End: time.Now()})
		g.mu.Unlock()
	}
}

func (g *Gateway) fillLocked(o *simOrder, qty int, price float64) {
	remaining := o.req.Qty - o.filledQty
	if qty > remaining {
		qty = remaining
	}
	if qty <= 0 {
		return
	}
	total := o.avgPrice*float64(o.filledQty) + price*float64(qty)
	o.filledQty += qty
	o.avgPrice = total / float64(o.filledQty)
	if o.filledQty >= o.req.Qty {
		o.status = broker.StatusComplete
	} else {
		o.status = broker.StatusPartial
	}
	g.applyFillLocked(o.req.Symbol, o.req.Side, qty, price)
}

func (g *Gateway) applyFillLocked(symbol string, side broker.Side, qty int, price float64) {
	p := g.positions[symbol]
	if p == nil {
		p = &position{}
		g.positions[symbol] = p
	}
	if side == broker.SideBuy {
		total := p.avgPrice*float64(p.qty) + price*float64(qty)
		p.qty += qty
		if p.qty > 0 {
			p.avgPrice = total / float64(p.qty)
		}
	} else {
		p.qty -= qty
		if p.qty <= 0 {
			p.qty = 0
			p.avgPrice = 0
		}
	}
}

// maybeTriggerLocked fills resting protective orders whose condition the
// given price already satisfies.
func (g *Gateway) maybeTriggerLocked(o *simOrder, ltp float64) {
	if o.status.Terminal() {
		return
	}
	switch {
	case o.req.Type == broker.OrderTypeLimit && o.req.Side == broker.SideSell && ltp >= o.req.Price:
		g.fillLocked(o, o.req.Qty-o.filledQty, o.req.Price)
	case o.req.Type == broker.OrderTypeStopMarket && o.req.Side == broker.SideSell && ltp <= o.req.TriggerPrice:
		g.fillLocked(o, o.req.Qty-o.filledQty, o.req.TriggerPrice)
	case o.req.Type == broker.OrderTypeLimit && o.req.Side == broker.SideBuy && ltp <= o.req.Price:
		g.fillLocked(o, o.req.Qty-o.filledQty, o.req.Price)
	}
}

func (g *Gateway) sweepLocked(symbol string, ltp float64) {
	for _, o := range g.orders {
		if o.req.Symbol == symbol {
			g.maybeTriggerLocked(o, ltp)
		}
	}
}
