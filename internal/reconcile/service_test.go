package reconcile

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"options-core/internal/exits"
	"options-core/internal/leg"
	"options-core/pkg/broker"
	"options-core/pkg/broker/sim"
	"options-core/pkg/db"
)

const (
	ceSymbol = "NIFTY28OCT2525200CE"
	peSymbol = "NIFTY28OCT2525200PE"
)

func testService(t *testing.T) (*Service, *sim.Gateway, *leg.Registry, *exits.Supervisor) {
	t.Helper()

	g := sim.New()
	reg := leg.NewRegistry()
	store, err := db.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatal(err)
	}

	exitMu := &sync.Mutex{}
	submitMu := &sync.Mutex{}
	sup := &exits.Supervisor{
		Gateway:  g,
		Registry: reg,
		Store:    store,
		ExitMu:   exitMu,
		SubmitMu: submitMu,
	}
	svc := &Service{
		Gateway:  g,
		Registry: reg,
		Store:    store,
		Exits:    sup,
		ExitMu:   exitMu,
		SubmitMu: submitMu,
		Exchange: "NFO",
		ParamsFor: func(string) Params {
			return Params{TargetOffset: 5, StopOffset: 3, TickSize: 0.05}
		},
		ActiveInterval: time.Second,
		IdleInterval:   time.Minute,
	}
	return svc, g, reg, sup
}

func seedLeg(t *testing.T, reg *leg.Registry, sup *exits.Supervisor, g *sim.Gateway, symbol string, filled, requested int) leg.Key {
	t.Helper()
	g.SetQuote(symbol, 150)
	key, _ := leg.KeyFor(symbol)
	rec := leg.Record{
		Symbol:        symbol,
		Exchange:      "NFO",
		Type:          key.Type,
		Side:          "BUY",
		EntryPrice:    150,
		RequestedQty:  requested,
		FilledQty:     filled,
		TPLevel:       155,
		SLLevel:       147,
		OriginalSL:    147,
		HighWaterMark: 150,
	}
	if err := reg.Insert(rec); err != nil {
		t.Fatal(err)
	}
	if err := sup.ArmExits(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	return key
}

func TestAdoptUnknownPosition(t *testing.T) {
	svc, g, reg, _ := testService(t)
	g.SetQuote(ceSymbol, 150)
	g.SetPosition(ceSymbol, 75, 150)

	if err := svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	key, _ := leg.KeyFor(ceSymbol)
	rec, ok := reg.Get(key)
	if !ok {
		t.Fatal("position not adopted")
	}
	if rec.EntryPrice != 150 || rec.FilledQty != 75 {
		t.Errorf("adopted = %+v", rec)
	}
	if rec.TPLevel != 155 || rec.SLLevel != 147 {
		t.Errorf("levels = tp %.2f sl %.2f, want 155/147", rec.TPLevel, rec.SLLevel)
	}
	if !rec.ExitsArmed {
		t.Error("adopted leg should be protected")
	}
	if svc.LastReport().Adopted != 1 {
		t.Errorf("report = %+v", svc.LastReport())
	}
}

func TestFlattenExternallyClosed(t *testing.T) {
	svc, g, reg, sup := testService(t)
	key := seedLeg(t, reg, sup, g, ceSymbol, 75, 75)
	// Broker book stays empty: the position was closed outside this process.

	if err := svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if _, live := reg.Get(key); live {
		t.Fatal("leg should be dropped")
	}
	if n := len(g.OpenOrders()); n != 0 {
		t.Errorf("open orders = %d, want protective pair cancelled", n)
	}

	// Externally closed books no P&L.
	trades, err := sup.Store.ListRealized(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 0 {
		t.Errorf("journal rows = %d, want 0", len(trades))
	}
	if svc.LastReport().Flattened != 1 {
		t.Errorf("report = %+v", svc.LastReport())
	}
}

func TestResizeQuantityDrift(t *testing.T) {
	svc, g, reg, sup := testService(t)
	key := seedLeg(t, reg, sup, g, ceSymbol, 75, 75)
	before, _ := reg.Get(key)
	g.SetPosition(ceSymbol, 40, 150)

	if err := svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	rec, _ := reg.Get(key)
	if rec.FilledQty != 40 || rec.UncoveredQty() != 40 {
		t.Errorf("filled = %d (uncovered %d), want 40", rec.FilledQty, rec.UncoveredQty())
	}
	if !rec.ExitsArmed || rec.TPOrderID == before.TPOrderID || rec.SLOrderID == before.SLOrderID {
		t.Errorf("pair not re-placed: %+v", rec)
	}
	if svc.LastReport().Resized != 1 {
		t.Errorf("report = %+v", svc.LastReport())
	}
}

func TestPartialEntryInSync(t *testing.T) {
	svc, g, reg, sup := testService(t)
	// Entry requested 75 but only 50 filled; the record already says 50 and
	// the broker agrees, so nothing should be repaired.
	key := seedLeg(t, reg, sup, g, ceSymbol, 50, 75)
	before, _ := reg.Get(key)
	g.SetPosition(ceSymbol, 50, 150)

	if err := svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	rec, _ := reg.Get(key)
	if rec.FilledQty != 50 || rec.TPOrderID != before.TPOrderID || rec.SLOrderID != before.SLOrderID {
		t.Errorf("in-sync leg was touched: %+v", rec)
	}
	rep := svc.LastReport()
	if rep.InSync != 1 || rep.Resized != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestOnePassConvergence(t *testing.T) {
	svc, g, reg, sup := testService(t)
	// One leg the broker dropped, one position the controller never saw.
	dropped := seedLeg(t, reg, sup, g, ceSymbol, 75, 75)
	g.SetQuote(peSymbol, 120)
	g.SetPosition(peSymbol, 75, 120)

	if err := svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if _, live := reg.Get(dropped); live {
		t.Error("dropped leg still tracked")
	}
	adopted, _ := leg.KeyFor(peSymbol)
	if _, live := reg.Get(adopted); !live {
		t.Error("broker position not adopted")
	}
	rep := svc.LastReport()
	if rep.Adopted != 1 || rep.Flattened != 1 {
		t.Errorf("report = %+v", rep)
	}

	// The next pass finds nothing to repair.
	if err := svc.Reconcile(context.Background()); err != nil {
		t.Fatal(err)
	}
	rep = svc.LastReport()
	if rep.Adopted != 0 || rep.Flattened != 0 || rep.Resized != 0 || rep.InSync != 1 {
		t.Errorf("second pass not converged: %+v", rep)
	}
}

func TestCancelsHoldSubmissionLock(t *testing.T) {
	svc, g, reg, sup := testService(t)
	// Broker book stays empty, so the pass flattens and cancels the pair.
	seedLeg(t, reg, sup, g, ceSymbol, 75, 75)
	g.Latency = 2 * time.Millisecond

	// A concurrent entry path placing orders under the submission lock.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			svc.SubmitMu.Lock()
			g.PlaceOrder(context.Background(), broker.OrderRequest{
				Symbol: peSymbol,
				Side:   broker.SideBuy,
				Type:   broker.OrderTypeMarket,
				Qty:    75,
			})
			svc.SubmitMu.Unlock()
		}
	}()

	if err := svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	<-done

	var mutating []sim.Call
	for _, c := range g.Calls() {
		if c.Method == "PlaceOrder" || c.Method == "CancelOrder" {
			mutating = append(mutating, c)
		}
	}
	sort.Slice(mutating, func(i, j int) bool { return mutating[i].Start.Before(mutating[j].Start) })
	for i := 1; i < len(mutating); i++ {
		if mutating[i].Start.Before(mutating[i-1].End) {
			t.Fatalf("broker calls overlap: %s [%v-%v] vs %s [%v-%v]",
				mutating[i-1].Method, mutating[i-1].Start, mutating[i-1].End,
				mutating[i].Method, mutating[i].Start, mutating[i].End)
		}
	}
}

func TestNonOptionPositionsIgnored(t *testing.T) {
	svc, g, reg, _ := testService(t)
	g.SetPosition("NIFTY-FUT", 50, 22000)

	if err := svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("non-option position adopted: %d legs", reg.Len())
	}
}
