package controller

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"options-core/internal/entry"
	"options-core/internal/events"
	"options-core/internal/exits"
	"options-core/internal/leg"
	"options-core/internal/monitor"
	"options-core/internal/reconcile"
	"options-core/internal/trailing"
	"options-core/pkg/broker"
	"options-core/pkg/cache"
	"options-core/pkg/config"
	"options-core/pkg/db"
	"options-core/pkg/symbols"
)

// Controller is the composition root of the leg lifecycle: it owns the two
// process-wide locks, wires the entry executor, exit supervisor, trailing
// ratchet and reconciler together, and drives the periodic loops.
type Controller struct {
	cfg         *config.Config
	instruments []config.Instrument

	Gateway  broker.Gateway
	Registry *leg.Registry
	Store    *db.Database
	Bus      *events.Bus

	Entry     *entry.Executor
	Exits     *exits.Supervisor
	Trailing  *trailing.Controller
	Reconcile *reconcile.Service
	Metrics   *monitor.Metrics

	exitMu   sync.Mutex
	submitMu sync.Mutex

	mu       sync.Mutex
	entering map[leg.Key]bool

	quotes    *cache.QuoteCache
	startedAt time.Time
}

// New wires a controller from its dependencies.
func New(cfg *config.Config, instruments []config.Instrument, gw broker.Gateway, store *db.Database, bus *events.Bus) *Controller {
	c := &Controller{
		cfg:         cfg,
		instruments: instruments,
		Gateway:     gw,
		Registry:    leg.NewRegistry(),
		Store:       store,
		Bus:         bus,
		entering:    make(map[leg.Key]bool),
		quotes:      cache.NewQuoteCache(),
		startedAt:   time.Now(),
	}
	c.Metrics = monitor.NewMetrics()

	c.Exits = &exits.Supervisor{
		Gateway:  gw,
		Registry: c.Registry,
		Store:    store,
		Bus:      bus,
		Metrics:  c.Metrics,
		ExitMu:   &c.exitMu,
		SubmitMu: &c.submitMu,
		Costs: exits.Costs{
			BrokeragePerOrder: cfg.BrokeragePerOrder,
			SlippagePerTrip:   cfg.SlippagePerTrip,
		},
	}
	c.Entry = &entry.Executor{
		Gateway:      gw,
		Registry:     c.Registry,
		Store:        store,
		Bus:          bus,
		Metrics:      c.Metrics,
		SubmitMu:     &c.submitMu,
		Exchange:     cfg.Exchange,
		RetryCount:   cfg.FillRetryCount,
		RetryBackoff: cfg.FillRetryBackoff,
		RetryFactor:  cfg.FillRetryFactor,
	}
	c.Trailing = &trailing.Controller{
		Registry:      c.Registry,
		Mover:         c.Exits,
		Store:         store,
		Bus:           bus,
		ActivationPct: cfg.TrailActivationPct,
		LockPct:       cfg.TrailLockPct,
	}
	c.Reconcile = &reconcile.Service{
		Gateway:  gw,
		Registry: c.Registry,
		Store:    store,
		Bus:      bus,
		Metrics:  c.Metrics,
		Exits:    c.Exits,
		ExitMu:   &c.exitMu,
		SubmitMu: &c.submitMu,
		Exchange: cfg.Exchange,
		ParamsFor: func(symbol string) reconcile.Params {
			target, stop, tick, _ := cfg.Offsets(symbol, instruments)
			return reconcile.Params{TargetOffset: target, StopOffset: stop, TickSize: tick}
		},
		ActiveInterval: cfg.ReconcileActiveInterval,
		IdleInterval:   cfg.ReconcileIdleInterval,
	}
	return c
}

// Run starts the poll loop, the reconciler and the square-off timer, and
// blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	go c.Reconcile.Run(ctx)
	if c.cfg.SquareOffAt != "" {
		go c.squareOffTimer(ctx)
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

// OnSignal accepts a trade signal for one or more option symbols and fires
// entries asynchronously. Symbols already live or mid-entry are skipped.
// In pair mode a single symbol is expanded to its PE/CE complement.
func (c *Controller) OnSignal(ctx context.Context, syms ...string) {
	targets := c.expand(syms)
	for _, symbol := range targets {
		key, err := leg.KeyFor(symbol)
		if err != nil {
			log.Printf("controller: signal skipped, %v", err)
			continue
		}
		if !c.claimEntry(key) {
			log.Printf("controller: signal for %s ignored, leg active or entering", key)
			continue
		}
		c.Metrics.IncrementSignals()

		go func(key leg.Key) {
			defer c.releaseEntry(key)
			target, stop, tick, qty := c.cfg.Offsets(key.Symbol, c.instruments)
			_, err := c.Entry.EnterAndArm(ctx, c.Exits, key, qty, entry.Params{
				TargetOffset: target,
				StopOffset:   stop,
				TickSize:     tick,
			})
			if err != nil {
				c.Metrics.IncrementEntryFailures()
				log.Printf("controller: %v", err)
				return
			}
			c.Metrics.IncrementEntries()
		}(key)
	}
}

// expand applies the symbol mode: pair mode trades both sides of the
// strike, explicit mode trades exactly what was signalled.
func (c *Controller) expand(syms []string) []string {
	if c.cfg.SymbolMode != "pair" {
		return syms
	}
	seen := make(map[string]bool)
	var out []string
	for _, s := range syms {
		pe, ce, err := symbols.Pair(s)
		if err != nil {
			log.Printf("controller: cannot pair %q: %v", s, err)
			continue
		}
		for _, sym := range []string{pe, ce} {
			if !seen[sym] {
				seen[sym] = true
				out = append(out, sym)
			}
		}
	}
	return out
}

func (c *Controller) claimEntry(key leg.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entering[key] {
		return false
	}
	if _, live := c.Registry.Get(key); live {
		return false
	}
	c.entering[key] = true
	return true
}

func (c *Controller) releaseEntry(key leg.Key) {
	c.mu.Lock()
	delete(c.entering, key)
	c.mu.Unlock()
}

// pollOnce runs one pass over every live leg: quote feed into the trailing
// ratchet first, then the exit pair poll.
func (c *Controller) pollOnce(ctx context.Context) {
	for _, key := range c.Registry.Keys() {
		rec, ok := c.Registry.Get(key)
		if !ok {
			continue
		}

		ltp, ok := c.price(ctx, rec.Symbol, rec.Exchange)
		if ok {
			target, _, tick, _ := c.cfg.Offsets(rec.Symbol, c.instruments)
			if err := c.Trailing.Update(ctx, key, ltp, trailing.Params{
				TargetOffset: target,
				TickSize:     tick,
			}); err != nil {
				log.Printf("controller: trail %s failed: %v", key, err)
			}
		}

		if err := c.Exits.Poll(ctx, key); err != nil {
			if errors.Is(err, broker.ErrUnavailable) {
				log.Printf("controller: %s frozen, broker unreachable", key)
			} else {
				log.Printf("controller: poll %s failed: %v", key, err)
			}
		}
		if _, live := c.Registry.Get(key); !live {
			c.quotes.Delete(rec.Symbol)
		}
	}
}

// price fetches a fresh quote, falling back to a recently cached one when
// the gateway hiccups.
func (c *Controller) price(ctx context.Context, symbol, exchange string) (float64, bool) {
	quote, err := c.Gateway.Quote(ctx, symbol, exchange)
	if err == nil {
		c.quotes.Set(symbol, quote.LastPrice)
		return quote.LastPrice, true
	}
	if ltp, ok := c.quotes.Fresh(symbol, 3*c.cfg.PollInterval); ok {
		log.Printf("controller: quote %s failed (%v), using cached price %.2f", symbol, err, ltp)
		return ltp, true
	}
	log.Printf("controller: quote %s failed: %v", symbol, err)
	return 0, false
}

// Restore rebuilds the registry from persisted snapshots and validates
// each leg's protective orders against the broker before the loops start.
func (c *Controller) Restore(ctx context.Context) error {
	if c.Store == nil {
		return nil
	}
	rows, err := c.Store.ListLegs(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		rec := leg.FromDB(row)
		if err := rec.Validate(); err != nil {
			log.Printf("controller: restore skipped invalid snapshot: %v", err)
			continue
		}
		if err := c.Registry.Insert(rec); err != nil {
			log.Printf("controller: restore %s: %v", rec.Key(), err)
			continue
		}
		c.validateExitOrders(ctx, rec.Key())
	}
	if n := c.Registry.Len(); n > 0 {
		log.Printf("controller: restored %d leg(s) from snapshot", n)
	}
	return nil
}

// validateExitOrders checks a restored leg's TP/SL order ids against the
// broker: completed sides resolve the leg, vanished ids are cleared so the
// poll loop re-arms.
func (c *Controller) validateExitOrders(ctx context.Context, key leg.Key) {
	rec, ok := c.Registry.Get(key)
	if !ok {
		return
	}

	check := func(orderID string) (state broker.OrderState, gone bool) {
		if orderID == "" {
			return broker.OrderState{}, false
		}
		state, err := c.Gateway.OrderStatus(ctx, orderID)
		if errors.Is(err, broker.ErrOrderNotFound) {
			return broker.OrderState{}, true
		}
		if err != nil {
			log.Printf("controller: restore status %s failed: %v", orderID, err)
			return broker.OrderState{}, false
		}
		if state.Status == broker.StatusCancelled || state.Status == broker.StatusRejected {
			return state, true
		}
		return state, false
	}

	tpState, tpGone := check(rec.TPOrderID)
	slState, slGone := check(rec.SLOrderID)

	// A side that filled while this process was down settles the leg now.
	if tpState.Status == broker.StatusComplete {
		if err := c.Exits.Realize(ctx, key, tpState.AvgPrice, exits.ReasonTarget); err != nil {
			log.Printf("controller: restore realize %s: %v", key, err)
		}
		return
	}
	if slState.Status == broker.StatusComplete {
		if err := c.Exits.Realize(ctx, key, slState.AvgPrice, exits.ReasonStoploss); err != nil {
			log.Printf("controller: restore realize %s: %v", key, err)
		}
		return
	}

	if tpGone || slGone {
		log.Printf("controller: restore %s has stale exit orders, disarming for re-placement", key)
		c.Registry.Update(key, func(r *leg.Record) {
			if tpGone {
				r.TPOrderID = ""
			}
			if slGone {
				r.SLOrderID = ""
			}
			r.ExitsArmed = false
		})
	}
}

// SquareOffAll force-closes every live leg.
func (c *Controller) SquareOffAll(ctx context.Context) {
	keys := c.Registry.Keys()
	if len(keys) == 0 {
		return
	}
	log.Printf("controller: squaring off %d leg(s)", len(keys))
	for _, key := range keys {
		if err := c.Exits.SquareOff(ctx, key); err != nil {
			log.Printf("controller: square off %s: %v", key, err)
		}
	}
}

// squareOffTimer fires SquareOffAll once per day at the configured HH:MM.
func (c *Controller) squareOffTimer(ctx context.Context) {
	at, err := time.Parse("15:04", c.cfg.SquareOffAt)
	if err != nil {
		log.Printf("controller: bad SQUARE_OFF_AT %q: %v", c.cfg.SquareOffAt, err)
		return
	}
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, now.Location())
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			log.Printf("controller: square-off time %s reached", c.cfg.SquareOffAt)
			c.SquareOffAll(ctx)
		}
	}
}

// Status is the ops-facing view of the controller.
type Status struct {
	StartedAt time.Time        `json:"started_at"`
	DryRun    bool             `json:"dry_run"`
	LiveLegs  int              `json:"live_legs"`
	Entering  int              `json:"entering"`
	Reconcile reconcile.Report `json:"reconcile"`
}

// Status reports the current controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	entering := len(c.entering)
	c.mu.Unlock()
	return Status{
		StartedAt: c.startedAt,
		DryRun:    c.cfg.DryRun,
		LiveLegs:  c.Registry.Len(),
		Entering:  entering,
		Reconcile: c.Reconcile.LastReport(),
	}
}
