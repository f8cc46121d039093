package reconcile

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
)

// Armer places the protective pair for a leg the reconciler created or
// repaired. The reconciler already holds the exit lock when it calls.
type Armer interface {
	ArmExitsLocked(ctx context.Context, key leg.Key) error
}

// Params are the offsets used when adopting a position found at the broker.
type Params struct {
	TargetOffset float64
	StopOffset   float64
	TickSize     float64
}

// Report summarizes the most recent reconciliation pass.
type Report struct {
	RanAt     time.Time `json:"ran_at"`
	Adopted   int       `json:"adopted"`
	Flattened int       `json:"flattened"`
	Resized   int       `json:"resized"`
	InSync    int       `json:"in_sync"`
	Err       string    `json:"error,omitempty"`
}

// Service periodically compares local leg records against the broker's
// position book and repairs drift in one pass: unknown broker positions
// are adopted, locally tracked positions the broker no longer holds are
// flattened, and quantity mismatches are resized.
type Service struct {
	Gateway  broker.Gateway
	Registry *leg.Registry
	Store    *db.Database
	Bus      *events.Bus
	Metrics  *monitor.Metrics
	Exits    Armer

	// ExitMu is shared with the exit supervisor so repairs never race an
	// in-flight OCO resolution. SubmitMu is the shared order-submission
	// lock; every outbound mutating broker call takes it, cancellations
	// included. Lock order is always ExitMu before SubmitMu.
	ExitMu   *sync.Mutex
	SubmitMu *sync.Mutex

	Exchange string

	// ParamsFor resolves the offsets for a symbol being adopted.
	ParamsFor func(symbol string) Params

	ActiveInterval time.Duration
	IdleInterval   time.Duration

	mu   sync.Mutex
	last Report
}

// Run drives reconciliation on an adaptive cadence: a tight interval while
// legs are live, a relaxed one when the book is flat.
func (s *Service) Run(ctx context.Context) {
	for {
		interval := s.IdleInterval
		if s.Registry.Len() > 0 {
			interval = s.ActiveInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if err := s.Reconcile(ctx); err != nil {
			log.Printf("reconcile: pass failed: %v", err)
		}
	}
}

// Reconcile performs one full pass. The broker's position book is the
// source of truth for what is held; local records are the source of truth
// for protection levels.
func (s *Service) Reconcile(ctx context.Context) error {
	book, err := s.Gateway.PositionBook(ctx)
	if err != nil {
		s.setReport(Report{RanAt: time.Now(), Err: err.Error()})
		return fmt.Errorf("position book: %w", err)
	}

	held := make(map[string]broker.NetPosition)
	for _, pos := range book {
		if pos.NetQty <= 0 || !symbols.IsOption(pos.Symbol) {
			continue
		}
		if s.Exchange != "" && pos.Exchange != "" && pos.Exchange != s.Exchange {
			continue
		}
		held[pos.Symbol] = pos
	}

	s.ExitMu.Lock()
	defer s.ExitMu.Unlock()

	rep := Report{RanAt: time.Now()}

	for _, rec := range s.Registry.Snapshot() {
		key := rec.Key()
		pos, onBook := held[rec.Symbol]
		delete(held, rec.Symbol)

		switch {
		case !onBook:
			s.flattenLocked(ctx, key, rec)
			rep.Flattened++
		case pos.NetQty != rec.UncoveredQty():
			if err := s.resizeLocked(ctx, key, pos.NetQty); err != nil {
				log.Printf("reconcile: resize %s failed: %v", key, err)
			} else {
				rep.Resized++
			}
		default:
			rep.InSync++
		}
	}

	for symbol, pos := range held {
		if err := s.adoptLocked(ctx, symbol, pos); err != nil {
			log.Printf("reconcile: adopt %s failed: %v", symbol, err)
		} else {
			rep.Adopted++
		}
	}

	if repaired := rep.Adopted + rep.Flattened + rep.Resized; repaired > 0 {
		log.Printf("reconcile: adopted %d, flattened %d, resized %d, in sync %d",
			rep.Adopted, rep.Flattened, rep.Resized, rep.InSync)
		if s.Metrics != nil {
			s.Metrics.AddRepairs(uint64(repaired))
		}
		if s.Bus != nil {
			s.Bus.Publish(events.EventReconcileRepair, rep)
		}
	}
	s.setReport(rep)
	return nil
}

// flattenLocked drops a leg the broker no longer holds. The position was
// closed outside this process, so nothing is journaled.
func (s *Service) flattenLocked(ctx context.Context, key leg.Key, rec leg.Record) {
	if _, ok := s.Registry.Remove(key); !ok {
		return
	}
	log.Printf("reconcile: %s externally closed, dropping record without P&L", key)
	s.cancelQuiet(ctx, rec.Symbol, rec.TPOrderID)
	s.cancelQuiet(ctx, rec.Symbol, rec.SLOrderID)
	if s.Store != nil {
		if err := s.Store.DeleteLeg(ctx, rec.Symbol, rec.Type.String()); err != nil {
			log.Printf("reconcile: delete snapshot %s failed (non-fatal): %v", key, err)
		}
	}
}

// resizeLocked aligns the local fill bookkeeping with the broker's held
// quantity and re-places the protective pair for it.
func (s *Service) resizeLocked(ctx context.Context, key leg.Key, brokerQty int) error {
	rec, ok := s.Registry.Get(key)
	if !ok {
		return nil
	}
	log.Printf("reconcile: %s broker holds %d, local uncovered %d, repairing", key, brokerQty, rec.UncoveredQty())

	s.cancelQuiet(ctx, rec.Symbol, rec.TPOrderID)
	s.cancelQuiet(ctx, rec.Symbol, rec.SLOrderID)
	updated, _ := s.Registry.Update(key, func(r *leg.Record) {
		r.FilledQty = brokerQty + r.ExitFilledQty()
		if r.RequestedQty < r.FilledQty {
			r.RequestedQty = r.FilledQty
		}
		r.TPOrderID = ""
		r.SLOrderID = ""
		r.ExitsArmed = false
	})
	s.persist(ctx, updated)
	return s.Exits.ArmExitsLocked(ctx, key)
}

// adoptLocked builds a leg record for a position held at the broker that
// this process has no record of, then protects it.
func (s *Service) adoptLocked(ctx context.Context, symbol string, pos broker.NetPosition) error {
	key, err := leg.KeyFor(symbol)
	if err != nil {
		return err
	}
	if pos.AvgPrice <= 0 {
		return fmt.Errorf("adopt %s: no usable average price", symbol)
	}

	p := Params{TickSize: 0.05}
	if s.ParamsFor != nil {
		p = s.ParamsFor(symbol)
	}

	now := time.Now()
	rec := leg.Record{
		Symbol:        symbol,
		Exchange:      s.Exchange,
		Type:          key.Type,
		Side:          string(broker.SideBuy),
		EntryPrice:    pos.AvgPrice,
		RequestedQty:  pos.NetQty,
		FilledQty:     pos.NetQty,
		TPLevel:       symbols.RoundToTick(pos.AvgPrice+p.TargetOffset, p.TickSize),
		SLLevel:       symbols.RoundToTick(pos.AvgPrice-p.StopOffset, p.TickSize),
		HighWaterMark: pos.AvgPrice,
		EnteredAt:     now,
	}
	rec.OriginalSL = rec.SLLevel

	if err := rec.Validate(); err != nil {
		return err
	}
	if err := s.Registry.Insert(rec); err != nil {
		return err
	}
	s.persist(ctx, rec)

	log.Printf("reconcile: adopted %s qty %d @ %.2f (tp %.2f, sl %.2f)",
		key, rec.FilledQty, rec.EntryPrice, rec.TPLevel, rec.SLLevel)
	return s.Exits.ArmExitsLocked(ctx, key)
}

// LastReport returns the result of the most recent pass.
func (s *Service) LastReport() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) setReport(rep Report) {
	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()
}

func (s *Service) cancelQuiet(ctx context.Context, symbol, orderID string) {
	if orderID == "" {
		return
	}
	s.SubmitMu.Lock()
	err := s.Gateway.CancelOrder(ctx, symbol, orderID)
	s.SubmitMu.Unlock()
	if err != nil {
		log.Printf("reconcile: cancel %s for %s failed: %v", orderID, symbol, err)
	}
}

func (s *Service) persist(ctx context.Context, rec leg.Record) {
	if s.Store == nil {
		return
	}
	if err := s.Store.SaveLeg(ctx, rec.ToDB()); err != nil {
		log.Printf("reconcile: persist %s failed (non-fatal): %v", rec.Key(), err)
	}
}
