package db

import (
	"context"
	"testing"
	"time"
)

func testDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := ApplyMigrations(d); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return d
}

func sampleLeg() Leg {
	return Leg{
		Symbol:       "NIFTY28OCT2525200CE",
		OptionType:   "CALL",
		Exchange:     "NFO",
		Side:         "BUY",
		EntryPrice:   150,
		RequestedQty: 75,
		FilledQty:    75,
		EntryOrderID: "E-1",
		TPOrderID:    "T-1",
		TPLevel:      155,
		SLOrderID:    "S-1",
		SLLevel:      147,
		OriginalSL:   147,
		ExitsArmed:   true,
		EnteredAt:    time.Now(),
	}
}

func TestSaveLegRoundTrip(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if err := d.SaveLeg(ctx, sampleLeg()); err != nil {
		t.Fatalf("save: %v", err)
	}

	legs, err := d.ListLegs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(legs) != 1 {
		t.Fatalf("got %d legs, want 1", len(legs))
	}
	got := legs[0]
	if got.Symbol != "NIFTY28OCT2525200CE" || got.TPLevel != 155 || got.SLLevel != 147 || !got.ExitsArmed {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestSaveLegUpsert(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	l := sampleLeg()
	if err := d.SaveLeg(ctx, l); err != nil {
		t.Fatal(err)
	}
	l.SLLevel = 151.5
	l.TrailActive = true
	if err := d.SaveLeg(ctx, l); err != nil {
		t.Fatal(err)
	}

	legs, err := d.ListLegs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(legs) != 1 {
		t.Fatalf("upsert created %d rows, want 1", len(legs))
	}
	if legs[0].SLLevel != 151.5 || !legs[0].TrailActive {
		t.Errorf("upsert lost changes: %+v", legs[0])
	}
}

func TestDeleteLeg(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if err := d.SaveLeg(ctx, sampleLeg()); err != nil {
		t.Fatal(err)
	}
	if err := d.DeleteLeg(ctx, "NIFTY28OCT2525200CE", "CALL"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	legs, err := d.ListLegs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(legs) != 0 {
		t.Errorf("got %d legs after delete, want 0", len(legs))
	}
}

func TestRealizedJournal(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	first := RealizedTrade{
		ID: "r1", Symbol: "NIFTY28OCT2525200CE", OptionType: "CALL",
		Qty: 75, EntryPrice: 150, ExitPrice: 155,
		Gross: 375, Costs: 40, PnL: 335, Reason: "target",
		EnteredAt: time.Now().Add(-time.Hour), ExitedAt: time.Now().Add(-time.Minute),
	}
	second := first
	second.ID = "r2"
	second.Reason = "stoploss"
	second.ExitedAt = time.Now()

	if err := d.InsertRealized(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := d.InsertRealized(ctx, second); err != nil {
		t.Fatal(err)
	}

	trades, err := d.ListRealized(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(trades))
	}
	if trades[0].ID != "r2" {
		t.Errorf("newest first: got %s", trades[0].ID)
	}
	if trades[1].PnL != 335 {
		t.Errorf("pnl = %.2f, want 335", trades[1].PnL)
	}
}

func TestMeta(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if v, err := d.GetMeta(ctx, "instance_id"); err != nil || v != "" {
		t.Fatalf("missing key: got %q, %v", v, err)
	}
	if err := d.SetMeta(ctx, "instance_id", "abc"); err != nil {
		t.Fatal(err)
	}
	if err := d.SetMeta(ctx, "instance_id", "def"); err != nil {
		t.Fatal(err)
	}
	v, err := d.GetMeta(ctx, "instance_id")
	if err != nil || v != "def" {
		t.Errorf("got %q, %v; want def", v, err)
	}
}
