package trailing

import (
	"context"
	"log"

	"options-core/internal/events"
	"options-core/internal/leg"
	"options-core/pkg/db"
	"options-core/pkg/symbols"
)

// StopMover replaces a leg's resting stop order with one at a higher level.
type StopMover interface {
	MoveStop(ctx context.Context, key leg.Key, newSL float64) error
}

// Params are the per-symbol inputs for one update.
type Params struct {
	TargetOffset float64
	TickSize     float64
}

// Controller ratchets stops upward as price runs. It activates once a leg
// shows enough open profit and from then on locks in a fraction of the
// high-water-mark gain. Stops only ever move up.
type Controller struct {
	Registry *leg.Registry
	Mover    StopMover
	Store    *db.Database
	Bus      *events.Bus

	// ActivationPct is the fraction of the target offset the open profit
	// must reach before trailing starts. LockPct is the fraction of the
	// high-water-mark gain the stop then protects.
	ActivationPct float64
	LockPct       float64
}

// Update feeds one price observation into the ratchet for key. It raises
// the high-water mark, activates trailing at the profit threshold and
// moves the stop when the locked level climbs past the current one.
func (c *Controller) Update(ctx context.Context, key leg.Key, ltp float64, p Params) error {
	rec, ok := c.Registry.Get(key)
	if !ok || !rec.ExitsArmed || ltp <= 0 {
		return nil
	}

	changed, activated := false, false
	rec, _ = c.Registry.Update(key, func(r *leg.Record) {
		if ltp > r.HighWaterMark {
			r.HighWaterMark = ltp
			changed = true
		}
		profit := r.HighWaterMark - r.EntryPrice
		if !r.TrailActive && profit >= p.TargetOffset*c.ActivationPct {
			r.TrailActive = true
			changed = true
			activated = true
		}
	})
	if activated {
		log.Printf("trailing: %s activated at hwm %.2f (entry %.2f)", key, rec.HighWaterMark, rec.EntryPrice)
		if c.Bus != nil {
			c.Bus.Publish(events.EventTrailActivated, rec)
		}
	}
	if changed {
		c.persist(ctx, rec)
	}

	if !rec.TrailActive {
		return nil
	}

	profit := rec.HighWaterMark - rec.EntryPrice
	locked := symbols.RoundToTick(rec.EntryPrice+profit*c.LockPct, p.TickSize)
	if locked <= rec.SLLevel {
		return nil
	}
	return c.Mover.MoveStop(ctx, key, locked)
}

func (c *Controller) persist(ctx context.Context, rec leg.Record) {
	if c.Store == nil {
		return
	}
	if err := c.Store.SaveLeg(ctx, rec.ToDB()); err != nil {
		log.Printf("trailing: persist %s failed (non-fatal): %v", rec.Key(), err)
	}
}
