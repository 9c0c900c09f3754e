package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/LeventeLantos/message-dispatcher/internal/api"
	"github.com/LeventeLantos/message-dispatcher/internal/cache"
	"github.com/LeventeLantos/message-dispatcher/internal/client"
	"github.com/LeventeLantos/message-dispatcher/internal/config"
	"github.com/LeventeLantos/message-dispatcher/internal/lock"
	"github.com/LeventeLantos/message-dispatcher/internal/metrics"
	"github.com/LeventeLantos/message-dispatcher/internal/repo"
	"github.com/LeventeLantos/message-dispatcher/internal/service"
	"github.com/LeventeLantos/message-dispatcher/internal/session"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("dispatcher exited with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	owner := uuid.NewString()
	logger = logger.With("instance", owner)

	logger.Info("message dispatcher starting",
		"addr", cfg.Server.Address,
		"interval", cfg.Dispatch.Interval.String(),
		"batch", cfg.Dispatch.BatchSize,
		"redis", cfg.Redis.Enabled,
	)

	store, err := repo.Open(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []service.Option{
		service.WithInterval(cfg.Dispatch.Interval),
		service.WithBatchSize(cfg.Dispatch.BatchSize),
		service.WithRateLimit(cfg.Dispatch.RateLimit),
		service.WithLogger(logger),
		service.WithMetrics(metrics.NewDispatch(reg)),
		service.WithOwner(owner),
	}

	var receipts *cache.RedisCache
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}

		leader, err := lock.NewLeaderLock(rdb, lock.DefaultKey, owner, cfg.Redis.LockTTL)
		if err != nil {
			return err
		}
		receipts = cache.NewRedisCache(rdb, cfg.Redis.TTL)
		opts = append(opts,
			service.WithCache(receipts),
			service.WithLeaderLock(leader),
		)
	}

	gw := client.NewGatewayClient(cfg.Gateway.URL, cfg.Gateway.Timeout)
	sess, err := session.New(gw, cfg.Gateway.PollInterval,
		session.WithRecorder(store),
		session.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	disp, err := service.NewDispatcher(store, sess, opts...)
	if err != nil {
		return err
	}

	enq, err := service.NewEnqueuer(store, cfg.Dispatch.MaxAttempts, cfg.Dispatch.ContentMax)
	if err != nil {
		return err
	}

	reconciler, err := newReconciler(disp, cfg.Reconcile.Schedule, cfg.Reconcile.StaleAfter, logger)
	if err != nil {
		return err
	}
	reconciler.runOnce(ctx)

	h := api.NewHandler(disp, sess, enq, store)
	if receipts != nil {
		h.WithReceipts(receipts)
	}
	srv := &http.Server{
		Addr: cfg.Server.Address,
		Handler: loggingMiddleware(api.Router(h, api.RouterOptions{
			EnqueueLimiter: rate.NewLimiter(rate.Limit(cfg.API.RatePerSecond), cfg.API.Burst),
			Gatherer:       reg,
		})),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sess.Start()
	disp.Start()
	reconciler.start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		disp.Stop()
		reconciler.stop()
		sess.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
