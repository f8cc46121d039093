package exits

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"options-core/internal/events"
	"options-core/internal/leg"
	"options-core/internal/monitor"
	"options-core/pkg/broker"
	"options-core/pkg/db"

	"github.com/google/uuid"
)

// Reasons recorded in the realization journal.
const (
	ReasonTarget    = "target"
	ReasonStoploss  = "stoploss"
	ReasonSquareOff = "squareoff"
)

// PlacementError reports a partially armed protective pair. The leg stays
// live and degraded; the poll loop retries the missing side.
type PlacementError struct {
	Key   leg.Key
	TPErr error
	SLErr error
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("exit placement incomplete for %s (tp: %v, sl: %v)", e.Key, e.TPErr, e.SLErr)
}

// Costs is the per-trade friction charged at realization.
type Costs struct {
	BrokeragePerOrder float64
	SlippagePerTrip   float64
}

// RoundTrip is the total cost deducted from one realized leg.
func (c Costs) RoundTrip() float64 {
	return 2*c.BrokeragePerOrder + c.SlippagePerTrip
}

// Supervisor owns the protective order pair of every leg: placement,
// polling, the one-cancels-other resolution, stop replacement for the
// trailing ratchet, and exactly-once realization.
//
// Lock order is always ExitMu before SubmitMu. ExitMu serializes exit
// decisions per process; SubmitMu serializes broker submissions.
type Supervisor struct {
	Gateway  broker.Gateway
	Registry *leg.Registry
	Store    *db.Database
	Bus      *events.Bus
	Metrics  *monitor.Metrics

	ExitMu   *sync.Mutex
	SubmitMu *sync.Mutex

	Costs Costs

	mu     sync.Mutex
	arming map[leg.Key]bool
}

// ArmExits places the TP limit order and the SL stop order for a filled
// leg. It is idempotent: already-armed legs and legs with an arm in flight
// return nil, and a partially armed leg only gets its missing side placed.
func (s *Supervisor) ArmExits(ctx context.Context, key leg.Key) error {
	s.mu.Lock()
	if s.arming == nil {
		s.arming = make(map[leg.Key]bool)
	}
	if s.arming[key] {
		s.mu.Unlock()
		return nil
	}
	s.arming[key] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.arming, key)
		s.mu.Unlock()
	}()

	s.ExitMu.Lock()
	defer s.ExitMu.Unlock()
	return s.armLocked(ctx, key)
}

// ArmExitsLocked is ArmExits for callers that already hold ExitMu.
func (s *Supervisor) ArmExitsLocked(ctx context.Context, key leg.Key) error {
	return s.armLocked(ctx, key)
}

func (s *Supervisor) armLocked(ctx context.Context, key leg.Key) error {
	rec, ok := s.Registry.Get(key)
	if !ok {
		return fmt.Errorf("arm exits: no leg for %s", key)
	}
	if rec.ExitsArmed {
		return nil
	}
	qty := rec.UncoveredQty()
	if qty <= 0 {
		return fmt.Errorf("arm exits: %s has no uncovered quantity", key)
	}

	var tpErr, slErr error
	tpID, slID := rec.TPOrderID, rec.SLOrderID

	if tpID == "" {
		ack, err := s.placeExit(ctx, broker.OrderRequest{
			Symbol:   rec.Symbol,
			Exchange: rec.Exchange,
			Side:     broker.SideSell,
			Type:     broker.OrderTypeLimit,
			Qty:      qty,
			Price:    rec.TPLevel,
			ClientID: uuid.NewString(),
		})
		if err != nil {
			tpErr = err
		} else {
			tpID = ack.OrderID
		}
	}
	if slID == "" {
		ack, err := s.placeExit(ctx, broker.OrderRequest{
			Symbol:       rec.Symbol,
			Exchange:     rec.Exchange,
			Side:         broker.SideSell,
			Type:         broker.OrderTypeStopMarket,
			Qty:          qty,
			TriggerPrice: rec.SLLevel,
			ClientID:     uuid.NewString(),
		})
		if err != nil {
			slErr = err
		} else {
			slID = ack.OrderID
		}
	}

	armed := tpID != "" && slID != ""
	updated, _ := s.Registry.Update(key, func(r *leg.Record) {
		r.TPOrderID = tpID
		r.SLOrderID = slID
		r.ExitsArmed = armed
	})
	s.persist(ctx, updated)

	if !armed {
		log.Printf("exits: %s degraded, protection incomplete (tp=%q sl=%q)", key, tpID, slID)
		if s.Bus != nil {
			s.Bus.Publish(events.EventExitDegraded, key.String())
		}
		return &PlacementError{Key: key, TPErr: tpErr, SLErr: slErr}
	}

	log.Printf("exits: %s armed tp %s @ %.2f, sl %s @ %.2f for qty %d",
		key, tpID, updated.TPLevel, slID, updated.SLLevel, qty)
	if s.Bus != nil {
		s.Bus.Publish(events.EventExitsArmed, updated)
	}
	return nil
}

// Poll reads the state of both exit orders and drives the leg forward:
// re-arms degraded or rejected sides, books partial fills, repairs
// quantity drift between the pair, and resolves the OCO when a side
// completes.
func (s *Supervisor) Poll(ctx context.Context, key leg.Key) error {
	rec, ok := s.Registry.Get(key)
	if !ok {
		return nil
	}
	if !rec.ExitsArmed {
		return s.ArmExits(ctx, key)
	}

	// Status reads happen outside the exit lock; the decision below
	// re-reads the record under it.
	tpID, slID := rec.TPOrderID, rec.SLOrderID
	tpState, tpErr := s.Gateway.OrderStatus(ctx, tpID)
	slState, slErr := s.Gateway.OrderStatus(ctx, slID)
	if errors.Is(tpErr, broker.ErrUnavailable) || errors.Is(slErr, broker.ErrUnavailable) {
		// Gateway unreachable. Leave the leg frozen; protective orders
		// rest at the broker regardless.
		return fmt.Errorf("poll %s: %w", key, broker.ErrUnavailable)
	}

	s.ExitMu.Lock()
	defer s.ExitMu.Unlock()

	rec, ok = s.Registry.Get(key)
	if !ok || !rec.ExitsArmed {
		return nil
	}
	if rec.TPOrderID != tpID || rec.SLOrderID != slID {
		// The pair was replaced (reconcile resize, stop move) while the
		// statuses were in flight; they describe orders that no longer
		// protect this leg.
		return nil
	}

	tpDone := tpErr == nil && tpState.Status == broker.StatusComplete
	slDone := slErr == nil && slState.Status == broker.StatusComplete

	switch {
	case tpDone && slDone:
		// Both sides filled before either cancel landed. The position is
		// over-sold; the target side is authoritative for the journal.
		log.Printf("exits: CRITICAL %s both tp and sl filled, position over-sold, realizing on target", key)
		if s.Bus != nil {
			s.Bus.Publish(events.EventOCORace, key.String())
		}
		return s.realizeLocked(ctx, key, tpState.AvgPrice, ReasonTarget)
	case tpDone:
		s.cancelQuiet(ctx, rec.Symbol, rec.SLOrderID)
		return s.realizeLocked(ctx, key, tpState.AvgPrice, ReasonTarget)
	case slDone:
		s.cancelQuiet(ctx, rec.Symbol, rec.TPOrderID)
		return s.realizeLocked(ctx, key, slState.AvgPrice, ReasonStoploss)
	}

	// Rejected or vanished sides are cleared so the re-arm path replaces them.
	redo := false
	tpGone := errors.Is(tpErr, broker.ErrOrderNotFound) || (tpErr == nil && (tpState.Status == broker.StatusRejected || tpState.Status == broker.StatusCancelled))
	slGone := errors.Is(slErr, broker.ErrOrderNotFound) || (slErr == nil && (slState.Status == broker.StatusRejected || slState.Status == broker.StatusCancelled))

	updated, _ := s.Registry.Update(key, func(r *leg.Record) {
		if tpErr == nil {
			r.TPFilledQty = tpState.FilledQty
		}
		if slErr == nil {
			r.SLFilledQty = slState.FilledQty
		}
		if tpGone {
			r.TPOrderID = ""
			r.ExitsArmed = false
			redo = true
		}
		if slGone {
			r.SLOrderID = ""
			r.ExitsArmed = false
			redo = true
		}
	})
	s.persist(ctx, updated)

	if redo {
		log.Printf("exits: %s lost a protective side, re-arming", key)
		if s.Bus != nil {
			s.Bus.Publish(events.EventExitDegraded, key.String())
		}
		return s.armLocked(ctx, key)
	}

	// Partial exit fills shrink the open quantity. The filled chunk is
	// realized right away and the pair is re-placed for the remainder,
	// so both resting orders always cover exactly what is held. When the
	// chunks already cover everything the leg is flat and settles now.
	if updated.ExitFilledQty() > 0 {
		if updated.UncoveredQty() == 0 {
			return s.settleLocked(ctx, key, updated, tpState.AvgPrice, slState.AvgPrice)
		}
		return s.resizeLocked(ctx, key, updated, tpState.AvgPrice, slState.AvgPrice)
	}
	return nil
}

// settleLocked closes the book on a leg whose partial exit fills sum to
// the full held quantity without either order completing. Remainders of
// both orders are cancelled, each filled chunk is journaled at its own
// price, and the leg is removed. Costs are charged once, on the final
// chunk. Caller holds ExitMu.
func (s *Supervisor) settleLocked(ctx context.Context, key leg.Key, rec leg.Record, tpPrice, slPrice float64) error {
	// Without a usable price for a filled chunk the journal entry would be
	// garbage; leave the leg for the next poll.
	if (rec.TPFilledQty > 0 && tpPrice <= 0) || (rec.SLFilledQty > 0 && slPrice <= 0) {
		return nil
	}

	log.Printf("exits: %s exit fills cover the position (tp %d, sl %d), settling flat",
		key, rec.TPFilledQty, rec.SLFilledQty)
	s.cancelQuiet(ctx, rec.Symbol, rec.TPOrderID)
	s.cancelQuiet(ctx, rec.Symbol, rec.SLOrderID)

	finalQty, finalPrice, finalReason := rec.SLFilledQty, slPrice, ReasonStoploss
	if rec.SLFilledQty == 0 {
		finalQty, finalPrice, finalReason = rec.TPFilledQty, tpPrice, ReasonTarget
	} else if rec.TPFilledQty > 0 {
		s.journalPartial(ctx, rec, rec.TPFilledQty, tpPrice, ReasonTarget)
	}

	s.Registry.Update(key, func(r *leg.Record) {
		r.FilledQty = finalQty
		r.RequestedQty = finalQty
		r.TPFilledQty = 0
		r.SLFilledQty = 0
	})
	return s.realizeLocked(ctx, key, finalPrice, finalReason)
}

// resizeLocked journals the partially filled exit quantity, shrinks the
// record to the remaining position, then cancels and re-places both
// protective orders for it. Caller holds ExitMu.
func (s *Supervisor) resizeLocked(ctx context.Context, key leg.Key, rec leg.Record, tpPrice, slPrice float64) error {
	log.Printf("exits: %s partial exit fills (tp %d, sl %d), resizing protection to %d",
		key, rec.TPFilledQty, rec.SLFilledQty, rec.UncoveredQty())

	if rec.TPFilledQty > 0 && tpPrice > 0 {
		s.journalPartial(ctx, rec, rec.TPFilledQty, tpPrice, ReasonTarget)
	}
	if rec.SLFilledQty > 0 && slPrice > 0 {
		s.journalPartial(ctx, rec, rec.SLFilledQty, slPrice, ReasonStoploss)
	}

	remaining := rec.UncoveredQty()
	s.cancelQuiet(ctx, rec.Symbol, rec.TPOrderID)
	s.cancelQuiet(ctx, rec.Symbol, rec.SLOrderID)
	s.Registry.Update(key, func(r *leg.Record) {
		r.FilledQty = remaining
		r.RequestedQty = remaining
		r.TPFilledQty = 0
		r.SLFilledQty = 0
		r.TPOrderID = ""
		r.SLOrderID = ""
		r.ExitsArmed = false
	})
	return s.armLocked(ctx, key)
}

// journalPartial books the P&L of a partially exited chunk. Costs are
// charged once, on the final realization of the leg rather than per chunk.
func (s *Supervisor) journalPartial(ctx context.Context, rec leg.Record, qty int, exitPrice float64, reason string) {
	if s.Store == nil {
		return
	}
	gross := (exitPrice - rec.EntryPrice) * float64(qty)
	trade := db.RealizedTrade{
		ID:         uuid.NewString(),
		Symbol:     rec.Symbol,
		OptionType: rec.Type.String(),
		Qty:        qty,
		EntryPrice: rec.EntryPrice,
		ExitPrice:  exitPrice,
		Gross:      gross,
		PnL:        gross,
		Reason:     reason,
		EnteredAt:  rec.EnteredAt,
		ExitedAt:   time.Now(),
	}
	if err := s.Store.InsertRealized(ctx, trade); err != nil {
		log.Printf("exits: journal partial %s failed (non-fatal): %v", rec.Key(), err)
	}
}

// MoveStop replaces the resting SL with one at newSL. Moves that do not
// raise the stop are refused, which keeps the ratchet monotonic.
func (s *Supervisor) MoveStop(ctx context.Context, key leg.Key, newSL float64) error {
	s.ExitMu.Lock()
	defer s.ExitMu.Unlock()

	rec, ok := s.Registry.Get(key)
	if !ok {
		return fmt.Errorf("move stop: no leg for %s", key)
	}
	if newSL <= rec.SLLevel {
		return nil
	}
	if !rec.ExitsArmed || rec.SLOrderID == "" {
		return fmt.Errorf("move stop: %s exits not armed", key)
	}

	if err := s.cancel(ctx, rec.Symbol, rec.SLOrderID); err != nil {
		return fmt.Errorf("move stop: cancel %s: %w", rec.SLOrderID, err)
	}

	ack, err := s.placeExit(ctx, broker.OrderRequest{
		Symbol:       rec.Symbol,
		Exchange:     rec.Exchange,
		Side:         broker.SideSell,
		Type:         broker.OrderTypeStopMarket,
		Qty:          rec.UncoveredQty(),
		TriggerPrice: newSL,
		ClientID:     uuid.NewString(),
	})
	if err != nil {
		// Old stop is cancelled and the new one failed: the leg is
		// unprotected on the downside until the poll loop re-arms it.
		s.Registry.Update(key, func(r *leg.Record) {
			r.SLOrderID = ""
			r.SLLevel = newSL
			r.ExitsArmed = false
		})
		log.Printf("exits: CRITICAL %s stop replacement failed, leg unprotected: %v", key, err)
		if s.Bus != nil {
			s.Bus.Publish(events.EventExitDegraded, key.String())
		}
		return fmt.Errorf("move stop: replace: %w", err)
	}

	old := rec.SLLevel
	updated, _ := s.Registry.Update(key, func(r *leg.Record) {
		r.SLOrderID = ack.OrderID
		r.SLLevel = newSL
	})
	s.persist(ctx, updated)

	if s.Metrics != nil {
		s.Metrics.IncrementStopMoves()
	}
	log.Printf("exits: %s stop moved %.2f -> %.2f (order %s)", key, old, newSL, ack.OrderID)
	if s.Bus != nil {
		s.Bus.Publish(events.EventStopMoved, updated)
	}
	return nil
}

// Realize closes the book on a leg at exitPrice. Safe to call more than
// once; only the first caller journals.
func (s *Supervisor) Realize(ctx context.Context, key leg.Key, exitPrice float64, reason string) error {
	s.ExitMu.Lock()
	defer s.ExitMu.Unlock()
	return s.realizeLocked(ctx, key, exitPrice, reason)
}

// realizeLocked removes the leg from the registry, journals the P&L and
// deletes the persisted snapshot. Registry.Remove hands the record to
// exactly one caller, which is what makes realization exactly-once.
// Caller holds ExitMu.
func (s *Supervisor) realizeLocked(ctx context.Context, key leg.Key, exitPrice float64, reason string) error {
	rec, ok := s.Registry.Remove(key)
	if !ok {
		return nil
	}

	qty := rec.FilledQty
	gross := (exitPrice - rec.EntryPrice) * float64(qty)
	costs := s.Costs.RoundTrip()
	pnl := gross - costs

	trade := db.RealizedTrade{
		ID:         uuid.NewString(),
		Symbol:     rec.Symbol,
		OptionType: rec.Type.String(),
		Qty:        qty,
		EntryPrice: rec.EntryPrice,
		ExitPrice:  exitPrice,
		Gross:      gross,
		Costs:      costs,
		PnL:        pnl,
		Reason:     reason,
		EnteredAt:  rec.EnteredAt,
		ExitedAt:   time.Now(),
	}
	if s.Store != nil {
		if err := s.Store.InsertRealized(ctx, trade); err != nil {
			log.Printf("exits: journal %s failed (non-fatal): %v", key, err)
		}
		if err := s.Store.DeleteLeg(ctx, rec.Symbol, rec.Type.String()); err != nil {
			log.Printf("exits: delete snapshot %s failed (non-fatal): %v", key, err)
		}
	}

	if s.Metrics != nil {
		s.Metrics.IncrementRealized()
	}
	log.Printf("exits: %s realized %s qty %d entry %.2f exit %.2f pnl %.2f",
		key, reason, qty, rec.EntryPrice, exitPrice, pnl)
	if s.Bus != nil {
		s.Bus.Publish(events.EventLegRealized, trade)
	}
	return nil
}

// SquareOff force-closes a leg: cancels both protective orders, sells the
// uncovered quantity at market and realizes on the fill. A leg whose exit
// cannot be confirmed is left in the registry for reconciliation.
func (s *Supervisor) SquareOff(ctx context.Context, key leg.Key) error {
	s.ExitMu.Lock()
	defer s.ExitMu.Unlock()

	rec, ok := s.Registry.Get(key)
	if !ok {
		return nil
	}

	s.cancelQuiet(ctx, rec.Symbol, rec.TPOrderID)
	s.cancelQuiet(ctx, rec.Symbol, rec.SLOrderID)

	qty := rec.UncoveredQty()
	if qty <= 0 {
		return s.realizeLocked(ctx, key, rec.EntryPrice, ReasonSquareOff)
	}

	ack, err := s.placeExit(ctx, broker.OrderRequest{
		Symbol:   rec.Symbol,
		Exchange: rec.Exchange,
		Side:     broker.SideSell,
		Type:     broker.OrderTypeMarket,
		Qty:      qty,
		ClientID: uuid.NewString(),
	})
	if err != nil {
		log.Printf("exits: square-off sell for %s failed, leg left for reconciliation: %v", key, err)
		return fmt.Errorf("square off %s: %w", key, err)
	}

	state, err := s.awaitFill(ctx, ack.OrderID)
	if err != nil {
		log.Printf("exits: square-off fill for %s unconfirmed, leg left for reconciliation: %v", key, err)
		return fmt.Errorf("square off %s: %w", key, err)
	}

	if s.Bus != nil {
		s.Bus.Publish(events.EventSquareOff, key.String())
	}
	return s.realizeLocked(ctx, key, state.AvgPrice, ReasonSquareOff)
}

// awaitFill polls a freshly placed market order until it completes.
func (s *Supervisor) awaitFill(ctx context.Context, orderID string) (broker.OrderState, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		state, err := s.Gateway.OrderStatus(ctx, orderID)
		if err == nil && state.Status == broker.StatusComplete && state.AvgPrice > 0 {
			return state, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("order %s still %s", orderID, state.Status)
		}
		select {
		case <-ctx.Done():
			return broker.OrderState{}, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return broker.OrderState{}, lastErr
}

func (s *Supervisor) placeExit(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	s.SubmitMu.Lock()
	defer s.SubmitMu.Unlock()
	start := time.Now()
	ack, err := s.Gateway.PlaceOrder(ctx, req)
	if s.Metrics != nil {
		s.Metrics.OrderLatency.RecordDuration(time.Since(start))
	}
	return ack, err
}

func (s *Supervisor) cancel(ctx context.Context, symbol, orderID string) error {
	if orderID == "" {
		return nil
	}
	s.SubmitMu.Lock()
	defer s.SubmitMu.Unlock()
	err := s.Gateway.CancelOrder(ctx, symbol, orderID)
	if errors.Is(err, broker.ErrOrderNotFound) {
		return nil
	}
	return err
}

func (s *Supervisor) cancelQuiet(ctx context.Context, symbol, orderID string) {
	if err := s.cancel(ctx, symbol, orderID); err != nil {
		log.Printf("exits: cancel %s for %s failed: %v", orderID, symbol, err)
	}
}

func (s *Supervisor) persist(ctx context.Context, rec leg.Record) {
	if s.Store == nil || rec.Symbol == "" {
		return
	}
	if err := s.Store.SaveLeg(ctx, rec.ToDB()); err != nil {
		log.Printf("exits: persist %s failed (non-fatal): %v", rec.Key(), err)
	}
}
