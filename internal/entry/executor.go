package entry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"options-core/internal/events"
	"options-core/internal/leg"
	"options-core/internal/monitor"
	"options-core/pkg/broker"
	"options-core/pkg/db"
	"options-core/pkg/symbols"

	"github.com/google/uuid"
)

// Failure reports that a signal could not be converted into a position.
// The signal is dropped; no leg record exists afterwards.
type Failure struct {
	Key      leg.Key
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("entry failed for %s after %d attempts: %v", f.Key, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// ExitArmer places the protective pair for a freshly created leg.
type ExitArmer interface {
	ArmExits(ctx context.Context, key leg.Key) error
}

// Params are the per-symbol offsets applied to the fill price.
type Params struct {
	TargetOffset float64
	StopOffset   float64
	TickSize     float64
}

// Executor turns signals into filled legs. It holds the order-submission
// lock across the place + fill-confirmation sequence so that multi-leg
// entries hit the broker strictly one at a time.
type Executor struct {
	Gateway  broker.Gateway
	Registry *leg.Registry
	Store    *db.Database
	Bus      *events.Bus
	Metrics  *monitor.Metrics
	SubmitMu *sync.Mutex

	Exchange string

	RetryCount   int
	RetryBackoff time.Duration
	RetryFactor  float64
}

// Enter places a market buy for key and polls until the broker confirms a
// fill, then records the leg and arms its exits. On failure no record is
// created and the error is a *Failure.
func (e *Executor) Enter(ctx context.Context, key leg.Key, qty int, p Params) (leg.Record, error) {
	if qty <= 0 {
		return leg.Record{}, &Failure{Key: key, Err: fmt.Errorf("quantity %d is not positive", qty)}
	}
	if _, exists := e.Registry.Get(key); exists {
		return leg.Record{}, &Failure{Key: key, Err: fmt.Errorf("leg already active")}
	}

	state, orderID, attempts, err := e.placeAndConfirm(ctx, key, qty)
	if err != nil {
		if e.Bus != nil {
			e.Bus.Publish(events.EventEntryFailed, key.String())
		}
		// The entry order may still be live at the broker; reconciliation
		// adopts the position if it fills later.
		log.Printf("entry: %s order %s unconfirmed after %d attempts: %v", key, orderID, attempts, err)
		return leg.Record{}, &Failure{Key: key, Attempts: attempts, Err: err}
	}

	now := time.Now()
	rec := leg.Record{
		Symbol:        key.Symbol,
		Exchange:      e.Exchange,
		Type:          key.Type,
		Side:          string(broker.SideBuy),
		EntryPrice:    state.AvgPrice,
		RequestedQty:  qty,
		FilledQty:     state.FilledQty,
		EntryOrderID:  orderID,
		TPLevel:       symbols.RoundToTick(state.AvgPrice+p.TargetOffset, p.TickSize),
		SLLevel:       symbols.RoundToTick(state.AvgPrice-p.StopOffset, p.TickSize),
		HighWaterMark: state.AvgPrice,
		TrailActive:   false,
		EnteredAt:     now,
	}
	rec.OriginalSL = rec.SLLevel

	if err := rec.Validate(); err != nil {
		return leg.Record{}, &Failure{Key: key, Attempts: attempts, Err: err}
	}
	if err := e.Registry.Insert(rec); err != nil {
		return leg.Record{}, &Failure{Key: key, Attempts: attempts, Err: err}
	}
	e.persist(ctx, rec)

	log.Printf("entry: %s filled %d/%d @ %.2f (tp %.2f, sl %.2f)",
		key, rec.FilledQty, rec.RequestedQty, rec.EntryPrice, rec.TPLevel, rec.SLLevel)
	if e.Bus != nil {
		e.Bus.Publish(events.EventLegOpened, rec)
	}

	return rec, nil
}

// EnterAndArm runs Enter and then hands the leg to the exit supervisor.
// An arming failure leaves the leg degraded (the poll loop repairs it) and
// is reported as a warning, not an entry failure.
func (e *Executor) EnterAndArm(ctx context.Context, armer ExitArmer, key leg.Key, qty int, p Params) (leg.Record, error) {
	rec, err := e.Enter(ctx, key, qty, p)
	if err != nil {
		return leg.Record{}, err
	}
	if armErr := armer.ArmExits(ctx, key); armErr != nil {
		log.Printf("entry: %s entered but exits not armed: %v", key, armErr)
	}
	if updated, ok := e.Registry.Get(key); ok {
		return updated, nil
	}
	return rec, nil
}

// placeAndConfirm submits the market buy and polls the order with bounded
// multiplicative backoff until a fill with a usable average price shows up.
func (e *Executor) placeAndConfirm(ctx context.Context, key leg.Key, qty int) (broker.OrderState, string, int, error) {
	e.SubmitMu.Lock()
	defer e.SubmitMu.Unlock()

	start := time.Now()
	ack, err := e.Gateway.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   key.Symbol,
		Exchange: e.Exchange,
		Side:     broker.SideBuy,
		Type:     broker.OrderTypeMarket,
		Qty:      qty,
		ClientID: uuid.NewString(),
	})
	if e.Metrics != nil {
		e.Metrics.OrderLatency.RecordDuration(time.Since(start))
	}
	if err != nil {
		return broker.OrderState{}, "", 0, fmt.Errorf("place entry order: %w", err)
	}

	retries := e.RetryCount
	if retries <= 0 {
		retries = 5
	}
	backoff := e.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	factor := e.RetryFactor
	if factor < 1 {
		factor = 2
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		state, err := e.Gateway.OrderStatus(ctx, ack.OrderID)
		switch {
		case err != nil:
			lastErr = err
		case state.Status == broker.StatusRejected || state.Status == broker.StatusCancelled:
			return broker.OrderState{}, ack.OrderID, attempt, fmt.Errorf("entry order %s %s", ack.OrderID, state.Status)
		case state.FilledQty > 0 && state.AvgPrice > 0:
			return state, ack.OrderID, attempt, nil
		default:
			lastErr = fmt.Errorf("order %s still %s", ack.OrderID, state.Status)
		}

		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return broker.OrderState{}, ack.OrderID, attempt, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * factor)
	}
	return broker.OrderState{}, ack.OrderID, retries, fmt.Errorf("no fill confirmation: %w", lastErr)
}

func (e *Executor) persist(ctx context.Context, rec leg.Record) {
	if e.Store == nil {
		return
	}
	if err := e.Store.SaveLeg(ctx, rec.ToDB()); err != nil {
		log.Printf("entry: persist %s failed (non-fatal): %v", rec.Key(), err)
	}
}
