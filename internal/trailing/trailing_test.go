package trailing

import (
	"context"
	"fmt"
	"math"
	"testing"

	"options-core/internal/leg"
)

const testSymbol = "NIFTY28OCT2525200CE"

// fakeMover applies accepted stop moves straight to the registry.
type fakeMover struct {
	reg   *leg.Registry
	moves []float64
}

func (m *fakeMover) MoveStop(ctx context.Context, key leg.Key, newSL float64) error {
	rec, ok := m.reg.Get(key)
	if !ok || newSL <= rec.SLLevel {
		return nil
	}
	m.moves = append(m.moves, newSL)
	m.reg.Update(key, func(r *leg.Record) {
		r.SLLevel = newSL
		r.SLOrderID = fmt.Sprintf("SL-%d", len(m.moves))
	})
	return nil
}

func testSetup(t *testing.T) (*Controller, *fakeMover, *leg.Registry, leg.Key) {
	t.Helper()
	reg := leg.NewRegistry()
	key, _ := leg.KeyFor(testSymbol)
	rec := leg.Record{
		Symbol:        testSymbol,
		Exchange:      "NFO",
		Type:          key.Type,
		Side:          "BUY",
		EntryPrice:    150,
		RequestedQty:  75,
		FilledQty:     75,
		TPLevel:       155,
		SLOrderID:     "SL-0",
		SLLevel:       147,
		OriginalSL:    147,
		HighWaterMark: 150,
		ExitsArmed:    true,
	}
	if err := reg.Insert(rec); err != nil {
		t.Fatal(err)
	}

	mover := &fakeMover{reg: reg}
	c := &Controller{
		Registry:      reg,
		Mover:         mover,
		ActivationPct: 0.5,
		LockPct:       0.75,
	}
	return c, mover, reg, key
}

func update(t *testing.T, c *Controller, key leg.Key, ltp float64) leg.Record {
	t.Helper()
	if err := c.Update(context.Background(), key, ltp, Params{TargetOffset: 5, TickSize: 0.05}); err != nil {
		t.Fatalf("update at %.2f: %v", ltp, err)
	}
	rec, ok := c.Registry.Get(key)
	if !ok {
		t.Fatalf("leg vanished")
	}
	return rec
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestBelowActivationDoesNothing(t *testing.T) {
	c, mover, _, key := testSetup(t)

	// Activation needs profit >= 5 * 0.5 = 2.5.
	rec := update(t, c, key, 152)
	if rec.TrailActive {
		t.Error("trailing active below the threshold")
	}
	if rec.SLLevel != 147 || len(mover.moves) != 0 {
		t.Errorf("sl = %.2f (moves %v), want untouched 147", rec.SLLevel, mover.moves)
	}
	if rec.HighWaterMark != 152 {
		t.Errorf("hwm = %.2f, want 152", rec.HighWaterMark)
	}
}

func TestRatchetLocksProfit(t *testing.T) {
	c, _, _, key := testSetup(t)

	// Price runs to 160: hwm 160, profit 10, stop locks 75% of it.
	rec := update(t, c, key, 160)
	if !rec.TrailActive {
		t.Fatal("trailing should be active")
	}
	if !near(rec.SLLevel, 157.5) {
		t.Errorf("sl = %.4f, want 157.50", rec.SLLevel)
	}
	// The ratcheted stop legitimately sits above the original target.
	if rec.SLLevel <= rec.TPLevel {
		t.Errorf("expected stop %.2f above target %.2f here", rec.SLLevel, rec.TPLevel)
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("record invalid after ratchet: %v", err)
	}
}

func TestRatchetIsMonotonic(t *testing.T) {
	c, mover, reg, key := testSetup(t)

	update(t, c, key, 160)
	before, _ := reg.Get(key)

	// A pullback must move neither the high-water mark nor the stop.
	rec := update(t, c, key, 152)
	if rec.HighWaterMark != 160 {
		t.Errorf("hwm = %.2f, want 160", rec.HighWaterMark)
	}
	if !near(rec.SLLevel, before.SLLevel) || rec.SLOrderID != before.SLOrderID {
		t.Errorf("stop moved on a pullback: %.2f -> %.2f", before.SLLevel, rec.SLLevel)
	}
	if len(mover.moves) != 1 {
		t.Errorf("moves = %v, want exactly one", mover.moves)
	}

	// A new high ratchets further.
	rec = update(t, c, key, 162)
	if !near(rec.SLLevel, 159) {
		t.Errorf("sl = %.4f, want 159.00", rec.SLLevel)
	}
	if rec.SLLevel < before.SLLevel {
		t.Error("stop went down")
	}
}

func TestActivationAtExactThreshold(t *testing.T) {
	c, _, _, key := testSetup(t)

	rec := update(t, c, key, 152.5)
	if !rec.TrailActive {
		t.Error("profit equal to the threshold should activate trailing")
	}
	if rec.SLLevel <= 147 {
		t.Errorf("sl = %.4f, want raised above 147", rec.SLLevel)
	}
}

func TestUnarmedLegIgnored(t *testing.T) {
	c, _, reg, key := testSetup(t)
	reg.Update(key, func(r *leg.Record) { r.ExitsArmed = false })

	rec := update(t, c, key, 160)
	if rec.TrailActive || rec.HighWaterMark != 150 {
		t.Errorf("unarmed leg mutated: %+v", rec)
	}
}
