package controller

import (
	"context"
	"sort"
	"testing"
	"time"

	"options-core/internal/leg"
	"options-core/pkg/broker"
	"options-core/pkg/broker/sim"
	"options-core/pkg/config"
	"options-core/pkg/db"
)

const (
	ceSymbol = "NIFTY28OCT2525200CE"
	peSymbol = "NIFTY28OCT2525200PE"
)

func testConfig() *config.Config {
	return &config.Config{
		Exchange:                "NFO",
		TargetOffset:            5,
		StopOffset:              3,
		TickSize:                0.05,
		Quantity:                75,
		TrailActivationPct:      0.5,
		TrailLockPct:            0.75,
		PollInterval:            time.Second,
		ReconcileActiveInterval: time.Second,
		ReconcileIdleInterval:   time.Minute,
		FillRetryCount:          3,
		FillRetryBackoff:        time.Millisecond,
		FillRetryFactor:         2,
		SymbolMode:              "pair",
	}
}

func testStore(t *testing.T) *db.Database {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	if err := db.ApplyMigrations(d); err != nil {
		t.Fatal(err)
	}
	return d
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSignalEntersBothSides(t *testing.T) {
	g := sim.New()
	g.Latency = 2 * time.Millisecond
	g.SetQuote(ceSymbol, 150)
	g.SetQuote(peSymbol, 120)

	ctrl := New(testConfig(), nil, g, testStore(t), nil)
	ctrl.OnSignal(context.Background(), ceSymbol)

	waitFor(t, func() bool { return ctrl.Registry.Len() == 2 })

	for _, symbol := range []string{ceSymbol, peSymbol} {
		key, _ := leg.KeyFor(symbol)
		rec, ok := ctrl.Registry.Get(key)
		if !ok {
			t.Fatalf("no leg for %s", symbol)
		}
		waitFor(t, func() bool {
			rec, _ = ctrl.Registry.Get(key)
			return rec.ExitsArmed
		})
		if rec.FilledQty != 75 {
			t.Errorf("%s filled = %d, want 75", symbol, rec.FilledQty)
		}
	}

	// Order submissions must never overlap: the submission lock serializes
	// every placement, entry fills included.
	var placements []sim.Call
	for _, c := range g.Calls() {
		if c.Method == "PlaceOrder" {
			placements = append(placements, c)
		}
	}
	if len(placements) < 6 { // 2 entries + 2 protective pairs
		t.Fatalf("placements = %d, want >= 6", len(placements))
	}
	sort.Slice(placements, func(i, j int) bool { return placements[i].Start.Before(placements[j].Start) })
	for i := 1; i < len(placements); i++ {
		if placements[i].Start.Before(placements[i-1].End) {
			t.Fatalf("placements %d and %d overlap", i-1, i)
		}
	}
}

func TestSignalIgnoredWhileActive(t *testing.T) {
	g := sim.New()
	g.SetQuote(ceSymbol, 150)

	cfg := testConfig()
	cfg.SymbolMode = "explicit"
	ctrl := New(cfg, nil, g, testStore(t), nil)

	ctrl.OnSignal(context.Background(), ceSymbol)
	waitFor(t, func() bool { return ctrl.Registry.Len() == 1 })

	ctrl.OnSignal(context.Background(), ceSymbol)
	time.Sleep(50 * time.Millisecond)
	if ctrl.Registry.Len() != 1 {
		t.Errorf("repeat signal created %d legs, want 1", ctrl.Registry.Len())
	}

	key, _ := leg.KeyFor(ceSymbol)
	waitFor(t, func() bool {
		rec, _ := ctrl.Registry.Get(key)
		return rec.ExitsArmed
	})

	// One entry plus one protective pair, nothing more.
	entryCount := 0
	for _, c := range g.Calls() {
		if c.Method == "PlaceOrder" {
			entryCount++
		}
	}
	if entryCount != 3 {
		t.Errorf("placements = %d, want 3", entryCount)
	}
}

func TestRestoreClearsStaleOrders(t *testing.T) {
	g := sim.New()
	store := testStore(t)
	ctx := context.Background()

	snapshot := db.Leg{
		Symbol:       ceSymbol,
		OptionType:   "CALL",
		Exchange:     "NFO",
		Side:         "BUY",
		EntryPrice:   150,
		RequestedQty: 75,
		FilledQty:    75,
		TPOrderID:    "GONE-1",
		TPLevel:      155,
		SLOrderID:    "GONE-2",
		SLLevel:      147,
		OriginalSL:   147,
		ExitsArmed:   true,
		EnteredAt:    time.Now(),
	}
	if err := store.SaveLeg(ctx, snapshot); err != nil {
		t.Fatal(err)
	}

	ctrl := New(testConfig(), nil, g, store, nil)
	if err := ctrl.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}

	key, _ := leg.KeyFor(ceSymbol)
	rec, ok := ctrl.Registry.Get(key)
	if !ok {
		t.Fatal("leg not restored")
	}
	if rec.ExitsArmed || rec.TPOrderID != "" || rec.SLOrderID != "" {
		t.Errorf("stale order ids survived restore: %+v", rec)
	}
}

func TestRestoreRealizesCompletedExit(t *testing.T) {
	g := sim.New()
	store := testStore(t)
	ctx := context.Background()

	// The tp order filled while the process was down.
	g.SetQuote(ceSymbol, 150)
	ack, err := g.PlaceOrder(ctx, broker.OrderRequest{
		Symbol: ceSymbol, Exchange: "NFO", Side: broker.SideSell,
		Type: broker.OrderTypeLimit, Qty: 75, Price: 155,
	})
	if err != nil {
		t.Fatal(err)
	}
	g.Fill(ack.OrderID, 75, 155)

	snapshot := db.Leg{
		Symbol:       ceSymbol,
		OptionType:   "CALL",
		Exchange:     "NFO",
		Side:         "BUY",
		EntryPrice:   150,
		RequestedQty: 75,
		FilledQty:    75,
		TPOrderID:    ack.OrderID,
		TPLevel:      155,
		SLOrderID:    "GONE-2",
		SLLevel:      147,
		OriginalSL:   147,
		ExitsArmed:   true,
		EnteredAt:    time.Now(),
	}
	if err := store.SaveLeg(ctx, snapshot); err != nil {
		t.Fatal(err)
	}

	ctrl := New(testConfig(), nil, g, store, nil)
	if err := ctrl.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if ctrl.Registry.Len() != 0 {
		t.Fatal("completed leg should be realized during restore")
	}
	trades, err := store.ListRealized(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 || trades[0].ExitPrice != 155 {
		t.Fatalf("trades = %+v", trades)
	}
}
