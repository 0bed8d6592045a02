package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/offbit-ai/zeal-sync/internal/client"
	"github.com/offbit-ai/zeal-sync/internal/clock"
	"github.com/offbit-ai/zeal-sync/internal/identity"
	"github.com/offbit-ai/zeal-sync/internal/metrics"
	"github.com/offbit-ai/zeal-sync/internal/migration"
	"github.com/offbit-ai/zeal-sync/internal/persistence"
	"github.com/offbit-ai/zeal-sync/internal/server"
)

var (
	addr        = flag.String("addr", ":8023", "server listen address")
	dataDir     = flag.String("data-dir", "./data", "data directory for persistent state")
	authToken   = flag.String("auth-token", "", "required client auth token (empty disables auth)")
	metricsAddr = flag.String("metrics-addr", "", "prometheus metrics address (empty disables)")

	// Client mode flags
	clientMode = flag.Bool("client", false, "run as a sync client")
	serverURL  = flag.String("url", "ws://127.0.0.1:8023/sync", "server URL (client mode)")
	room       = flag.String("room", "", "room to join (client mode)")
	userName   = flag.String("user", "", "display name (client mode, defaults to persisted identity)")

	// Migration flags
	migrate      = flag.Bool("migrate", false, "run a full legacy-to-replicated migration and exit")
	migratePhase = flag.String("migrate-phase", "", "advance the migration phase and exit")
	legacyPath   = flag.String("legacy-db", "", "legacy workflow database (defaults to <data-dir>/legacy.db)")
)

func main() {
	flag.Parse()

	if *migrate || *migratePhase != "" {
		if err := runMigration(); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		return
	}

	if *clientMode {
		if *room == "" {
			fmt.Fprintln(os.Stderr, "Usage: syncd -client -url <ws://host/sync> -room <name>")
			os.Exit(1)
		}
		if err := runClient(); err != nil {
			log.Fatalf("Client failed: %v", err)
		}
		return
	}

	runServer()
}

func runServer() {
	store, err := persistence.NewBadgerStore(&persistence.Config{
		Path:         filepath.Join(*dataDir, "docs"),
		MaxSnapshots: 50,
	}, clock.System)
	if err != nil {
		// Storage failure degrades the server to memory-only instead of
		// refusing to start.
		log.Printf("Warning: persistent store unavailable, running memory-only: %v", err)
		store = nil
	}

	var srvStore persistence.Store
	if store != nil {
		srvStore = store
	}
	srv := server.New(&server.Config{Addr: *addr, AuthToken: *authToken}, srvStore, clock.System)

	var exporter *metrics.Exporter
	if *metricsAddr != "" {
		exporter = metrics.NewExporter(*metricsAddr)
		go func() {
			if err := exporter.Start(); err != nil {
				log.Printf("Metrics exporter stopped: %v", err)
			}
		}()
	}

	go func() {
		log.Printf("Sync server listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")

	if exporter != nil {
		if err := exporter.Stop(); err != nil {
			log.Printf("Error stopping metrics exporter: %v", err)
		}
	}
	if err := srv.Close(); err != nil {
		log.Printf("Error stopping server: %v", err)
	}
	if store != nil {
		if err := store.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
	}
}

func runClient() error {
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	kv, err := identity.OpenBoltKV(filepath.Join(*dataDir, "identity.db"))
	if err != nil {
		return err
	}
	defer kv.Close()

	var provider identity.Provider = identity.NewStoreProvider(kv)
	if *userName != "" || *authToken != "" {
		base, err := provider.Identity()
		if err != nil {
			return err
		}
		if *userName != "" {
			base.UserName = *userName
		}
		if *authToken != "" {
			base.Token = *authToken
		}
		provider = identity.Static{ID: base}
	}

	store, err := persistence.NewBadgerStore(&persistence.Config{
		Path:         filepath.Join(*dataDir, "docs"),
		MaxSnapshots: 50,
	}, clock.System)
	if err != nil {
		log.Printf("Warning: persistent store unavailable, running memory-only: %v", err)
	}
	var docStore persistence.Store
	if store != nil {
		docStore = store
	}

	fatal := make(chan error, 1)
	p, err := client.New(client.Options{
		URL:      *serverURL,
		Room:     *room,
		Identity: provider,
		Store:    docStore,
		OnFatal:  func(err error) { fatal <- err },
	})
	if err != nil {
		return err
	}

	if err := p.Connect(context.Background()); err != nil {
		log.Printf("Initial connect failed, retrying in background: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-fatal:
		log.Printf("Connection abandoned: %v", err)
	case <-sigCh:
		log.Println("Shutting down...")
	}

	p.Close()
	if store != nil {
		if err := store.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
	}
	return nil
}

func runMigration() error {
	cfg, err := migration.NewPhaseConfig(*dataDir)
	if err != nil {
		return err
	}

	if *migratePhase != "" {
		phase, err := migration.ParsePhase(*migratePhase)
		if err != nil {
			return err
		}
		if err := cfg.SetPhase(phase); err != nil {
			return err
		}
		log.Printf("Migration phase is now %s", phase)
		return nil
	}

	legacyDB := *legacyPath
	if legacyDB == "" {
		legacyDB = filepath.Join(*dataDir, "legacy.db")
	}
	legacy, err := migration.OpenLegacyStore(legacyDB)
	if err != nil {
		return err
	}
	defer legacy.Close()

	store, err := persistence.NewBadgerStore(&persistence.Config{
		Path:         filepath.Join(*dataDir, "docs"),
		MaxSnapshots: 50,
	}, clock.System)
	if err != nil {
		return err
	}
	defer store.Close()

	ctrl := migration.NewController(cfg, legacy, migration.NewReplicatedStore(store))
	return ctrl.RunFullMigration(context.Background(), nil, func(current, total int) {
		log.Printf("Migrated %d/%d workflows", current, total)
	})
}
