package main

import (
	"context"
	"log"
	"time"

	"options-core/internal/controller"
	"options-core/internal/events"
	"options-core/pkg/broker/sim"
	"options-core/pkg/config"
	"options-core/pkg/db"
)

// dry_run_demo drives a full leg lifecycle against the in-memory broker
// simulator. It does not touch a real broker or a file-backed database.
//
// Usage:
//   go run ./scripts/dry_run_demo
//
// It will:
//   1) Signal an entry, watch it fill and get its TP/SL pair armed.
//   2) Walk the quote up so the trailing stop activates and ratchets.
//   3) Hit the target and show the realized trade with costs applied.
//   4) Square off a second leg manually before any exit fires.

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("=== dry-run demo starting ===")

	cfg := &config.Config{
		Exchange:                "NFO",
		DryRun:                  true,
		TargetOffset:            5.0,
		StopOffset:              3.0,
		TickSize:                0.05,
		Quantity:                75,
		TrailActivationPct:      0.5,
		TrailLockPct:            0.75,
		BrokeragePerOrder:       20,
		SlippagePerTrip:         10,
		PollInterval:            25 * time.Millisecond,
		ReconcileActiveInterval: time.Hour,
		ReconcileIdleInterval:   time.Hour,
		FillRetryCount:          5,
		FillRetryBackoff:        20 * time.Millisecond,
		FillRetryFactor:         2,
		SymbolMode:              "explicit",
	}

	database, err := db.New(":memory:")
	if err != nil {
		log.Fatalf("db init error: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations error: %v", err)
	}

	bus := events.NewBus()
	logEvents(bus,
		events.EventLegOpened,
		events.EventExitsArmed,
		events.EventTrailActivated,
		events.EventStopMoved,
		events.EventLegRealized,
		events.EventSquareOff,
	)

	gw := sim.New()
	ctrl := controller.New(cfg, nil, gw, database, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	const ceSymbol = "NIFTY24500CE"
	const peSymbol = "NIFTY24500PE"

	log.Printf("[SCENARIO 1] entry, trail and target on %s", ceSymbol)
	gw.SetQuote(ceSymbol, 150.0)
	ctrl.OnSignal(ctx, ceSymbol)
	waitFor("exits armed", func() bool {
		for _, rec := range ctrl.Registry.Snapshot() {
			if rec.Symbol == ceSymbol && rec.ExitsArmed {
				return true
			}
		}
		return false
	})

	// Profit crosses half the target offset here, which turns trailing on.
	for _, px := range []float64{151.0, 152.5, 153.5, 154.0} {
		gw.SetQuote(ceSymbol, px)
		time.Sleep(4 * cfg.PollInterval)
	}

	// Sweep through the target; the limit sell fills and the poller
	// cancels the stop and books the trade.
	gw.SetQuote(ceSymbol, 155.2)
	waitFor("target realized", func() bool {
		return ctrl.Registry.Len() == 0
	})

	log.Printf("[SCENARIO 2] manual square-off on %s", peSymbol)
	gw.SetQuote(peSymbol, 120.0)
	ctrl.OnSignal(ctx, peSymbol)
	waitFor("exits armed", func() bool {
		for _, rec := range ctrl.Registry.Snapshot() {
			if rec.Symbol == peSymbol && rec.ExitsArmed {
				return true
			}
		}
		return false
	})
	gw.SetQuote(peSymbol, 120.5)
	ctrl.SquareOffAll(ctx)
	waitFor("square-off realized", func() bool {
		return ctrl.Registry.Len() == 0
	})

	trades, err := database.ListRealized(ctx, 10)
	if err != nil {
		log.Fatalf("list realized error: %v", err)
	}
	log.Println("=== realized trades ===")
	for _, t := range trades {
		log.Printf("  %s %s qty %d entry %.2f exit %.2f reason %-9s pnl %+.2f",
			t.Symbol, t.OptionType, t.Qty, t.EntryPrice, t.ExitPrice, t.Reason, t.PnL)
	}

	snap := ctrl.Metrics.Snapshot()
	log.Printf("=== metrics: signals %d entries %d realized %d stop moves %d ===",
		snap.Signals, snap.Entries, snap.Realized, snap.StopMoves)
	log.Println("=== dry-run demo finished ===")
}

func logEvents(bus *events.Bus, evs ...events.Event) {
	stream, _ := bus.Subscribe(64, evs...)
	go func() {
		for msg := range stream {
			log.Printf("[EVENT] %s: %+v", msg.Event, msg.Payload)
		}
	}()
}

func waitFor(what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			log.Printf("[WAIT] %s", what)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	log.Fatalf("timed out waiting for %s", what)
}
