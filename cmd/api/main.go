package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/durq/internal/api"
	"github.com/you/durq/internal/config"
	"github.com/you/durq/internal/query"
	"github.com/you/durq/internal/ratelimit"
	"github.com/you/durq/internal/storage/postgres"
	"github.com/you/durq/internal/submit"
	"github.com/you/durq/internal/worker"
)

type redisPinger struct{ rdb *r.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

func newLogger(appEnv string) *zap.Logger {
	if appEnv == "dev" {
		log, _ := zap.NewDevelopment()
		return log
	}
	log, _ := zap.NewProduction()
	return log
}

func main() {
	cfg := config.Load()
	log := newLogger(cfg.AppEnv)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := postgres.Migrate(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}

	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("postgres connect failed", zap.Error(err))
	}
	defer db.Close()

	redisOpts, err := r.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal("bad REDIS_URL", zap.Error(err))
	}
	rdb := r.NewClient(redisOpts)
	defer rdb.Close()

	store := postgres.New(db)
	gate := ratelimit.New(rdb, log)
	server := api.NewServer(
		submit.New(store, gate, log),
		query.New(store),
		log,
		store,
		redisPinger{rdb},
	)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.WorkerCount; i++ {
		runner := worker.New(store, worker.Simulated, log)
		g.Go(func() error {
			runner.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		log.Info("http listening", zap.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("exited with error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
