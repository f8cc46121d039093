package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"options-core/internal/api"
	"options-core/internal/controller"
	"options-core/internal/events"
	"options-core/pkg/broker"
	"options-core/pkg/broker/sim"
	"options-core/pkg/config"
	"options-core/pkg/db"
	"options-core/pkg/instance"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("leg controller starting (port %s, exchange %s, dry_run=%v)", cfg.Port, cfg.Exchange, cfg.DryRun)

	var instruments []config.Instrument
	if cfg.InstrumentsFile != "" {
		instruments, err = config.LoadInstruments(cfg.InstrumentsFile)
		if err != nil {
			log.Fatalf("instruments file %s: %v", cfg.InstrumentsFile, err)
		}
		log.Printf("loaded %d instrument override(s)", len(instruments))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("db migrations failed: %v", err)
	}

	instanceID := instance.ID()
	log.Printf("instance id %s", instanceID)
	if err := database.SetMeta(ctx, "instance_id", instanceID); err != nil {
		log.Printf("meta write failed (non-fatal): %v", err)
	}

	var gw broker.Gateway
	if cfg.DryRun {
		log.Println("dry run: orders go to the in-memory simulator")
		gw = sim.New()
	} else {
		gw = broker.NewClient(cfg.BrokerBaseURL, cfg.BrokerAPIKey, cfg.BrokerRPS)
	}

	ctrl := controller.New(cfg, instruments, gw, database, bus)

	// Snapshots first, then one broker pass so the registry is trustworthy
	// before the loops start trading against it.
	if err := ctrl.Restore(ctx); err != nil {
		log.Fatalf("restore failed: %v", err)
	}
	if err := ctrl.Reconcile.Reconcile(ctx); err != nil {
		log.Printf("startup reconcile failed (loops will retry): %v", err)
	}

	go ctrl.Run(ctx)

	server := api.NewServer(bus, database, ctrl, cfg.JWTSecret, cfg.OperatorKey)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")

	if cfg.SquareOffOnShutdown {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		ctrl.SquareOffAll(shutdownCtx)
		shutdownCancel()
	}
	cancel()
}
