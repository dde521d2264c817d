package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wikireplica/wikireplica/internal/config"
	"github.com/wikireplica/wikireplica/internal/coordinator"
	"github.com/wikireplica/wikireplica/internal/httpapi"
	"github.com/wikireplica/wikireplica/internal/replica"
	"github.com/wikireplica/wikireplica/internal/replicarpc"
	"github.com/wikireplica/wikireplica/internal/store"
	"github.com/wikireplica/wikireplica/internal/txnlog"
)

func main() {
	configPath := flag.String("config", "wikireplica.toml", "path to node TOML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "wikireplica: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := txnlog.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening transaction log: %w", err)
	}
	defer log.Close()

	snapshotPath := store.SnapshotPath(cfg.DataDir)
	st, err := store.Load(snapshotPath)
	if err != nil {
		return fmt.Errorf("loading store snapshot: %w", err)
	}
	// The snapshot is a fast-path warm start, not the durability guarantee:
	// replaying the committed log on top of it is always safe since every
	// upsert is idempotent, and it is what makes the log authoritative.
	replica.Rebuild(log, st)

	participant := replica.New(cfg.ListenAddr(), log, st)

	router := chi.NewRouter()
	httpapi.NewReplicaHandlers(participant, st).Mount(router)

	if cfg.IsCoordinator() {
		rpc := replicarpc.New(cfg.PrepareTimeout)
		driver := coordinator.New(log, cfg.Replicas, rpc)

		recoverCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		driver.Recover(recoverCtx)
		cancel()

		httpapi.NewCoordinatorHandlers(driver).Mount(router)
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	fmt.Printf("wikireplica node listening on %s (coordinator=%v)\n", cfg.ListenAddr(), cfg.IsCoordinator())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		fmt.Printf("received signal %v, shutting down\n", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return err
		}
		if err := st.Save(snapshotPath); err != nil {
			return fmt.Errorf("saving store snapshot: %w", err)
		}
		return nil
	}
}
