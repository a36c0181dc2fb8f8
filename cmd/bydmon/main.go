// Command-line monitor for the BYD push feed.
//
// Subscribes to the vehicle push channel, folds every report into the
// in-memory state store and periodically prints per-vehicle snapshots.
// Optionally journals events to SQLite, exports to ClickHouse/Postgres and
// serves a read-only diagnostics API.
// All engine logic lives in internal/; this is wiring only.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"bydlink/internal/api"
	"bydlink/internal/journal"
	"bydlink/internal/push"
	"bydlink/internal/state"
	"bydlink/internal/storage"
)

func main() {
	natsURL := flag.String("nats", "nats://localhost:4222", "NATS server URL")
	subject := flag.String("subject", "byd.vehicle.>", "push feed subject")
	journalPath := flag.String("journal", "", "SQLite journal path (empty = no journal)")
	export := flag.Bool("export", false, "export to ClickHouse/Postgres (local defaults)")
	apiPort := flag.Int("api", 0, "diagnostics API port (0 = disabled)")
	interval := flag.Duration("interval", 30*time.Second, "snapshot print interval")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := state.New(state.DefaultConfig())

	var j *journal.Journal
	if *journalPath != "" {
		var err error
		j, err = journal.Open(*journalPath)
		if err != nil {
			log.Fatalf("open journal: %v", err)
		}
		defer func() { _ = j.Close() }()
		j.Attach(store)
		log.Printf("Journaling events to %s", *journalPath)
	}

	var db *storage.DB
	if *export {
		var err error
		db, err = storage.Open(ctx, storage.DefaultConfig())
		if err != nil {
			log.Fatalf("open export databases: %v", err)
		}
		defer func() { _ = db.Close() }()
		rec := storage.NewRecorder(storage.DefaultRecorderConfig(), db)
		rec.Attach(store)
		rec.Start(ctx)
		defer rec.Stop()
		log.Printf("Exporting to ClickHouse and Postgres")
	}

	natsCfg := push.DefaultNATSConfig()
	natsCfg.URL = *natsURL
	natsCfg.Subject = *subject

	coord := push.NewCoordinator(push.DefaultConfig(), store, push.NewNATSSubscription(natsCfg))
	if err := coord.EnsureStarted(ctx); err != nil {
		log.Fatalf("start push coordinator: %v", err)
	}
	defer coord.Stop()

	if *apiPort > 0 {
		srv := api.NewServer(store, j, api.Config{Port: *apiPort})
		if db != nil {
			srv.AttachExport(db.CH, db.PG)
		}
		go func() {
			if err := srv.Run(); err != nil {
				log.Fatalf("diagnostics API: %v", err)
			}
		}()
	}

	log.Printf("Listening on %s (%s)", *natsURL, *subject)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			printSnapshots(store, store.VINs())
		case <-ctx.Done():
			log.Printf("Shutting down")
			return
		}
	}
}

func printSnapshots(store *state.Store, vins []string) {
	sort.Strings(vins)

	for _, vin := range vins {
		snap := store.Snapshot(vin)
		out, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			continue
		}
		fmt.Fprintf(os.Stdout, "=== %s ===\n%s\n", vin, out)
	}
}
