// Command oosync-edge is the stateless edge sync server: it loads its
// config from SYNC_* environment variables, connects to the authoritative
// Postgres database, applies pending control-plane migrations, and serves
// POST /api/sync until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/oosync/oosync/internal/edge"
	"github.com/oosync/oosync/internal/edgedb"
	"github.com/oosync/oosync/internal/hostdb"
	"github.com/oosync/oosync/internal/registry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := edge.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := edgedb.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	migrator, err := edgedb.NewMigrator(cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		migrator.Close()
		return fmt.Errorf("run migrations: %w", err)
	}
	migrator.Close()
	logger.Info("migrations applied")

	reg := registry.New()
	for _, t := range hostdb.Tables() {
		reg.Register(t)
	}

	rules := edge.TableRules{
		"accounts": {Table: "accounts", Pull: edge.EqUserID{Column: "id"}},
		"notes":    {Table: "notes", Pull: edge.EqUserID{Column: "account_id"}},
		"widgets":  {Table: "widgets", Pull: edge.EqUserID{Column: "owner_id"}},
	}

	server := edge.NewServer(cfg, pool, reg, rules, nil, logger)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	logger.Info("oosync-edge ready", "addr", cfg.ListenAddr)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}
