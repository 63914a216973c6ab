package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/durq/internal/config"
	"github.com/you/durq/internal/storage/postgres"
	"github.com/you/durq/internal/worker"
)

// Standalone worker fleet. Runs the same runners cmd/api embeds, for
// deployments that scale processing separately from the HTTP tier.
func main() {
	cfg := config.Load()
	log, _ := zap.NewProduction()
	if cfg.AppEnv == "dev" {
		log, _ = zap.NewDevelopment()
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("postgres connect failed", zap.Error(err))
	}
	defer db.Close()

	store := postgres.New(db)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.WorkerCount; i++ {
		runner := worker.New(store, worker.Simulated, log)
		g.Go(func() error {
			runner.Run(gctx)
			return nil
		})
	}

	_ = g.Wait()
	log.Info("worker fleet stopped")
}
