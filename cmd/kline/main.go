package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"swapkline/config"
	"swapkline/internal/aggregator"
	"swapkline/internal/broadcast"
	"swapkline/internal/ingest"
	"swapkline/internal/query"
	"swapkline/internal/registry"
	"swapkline/internal/relay"
	"swapkline/internal/server"
	"swapkline/internal/store"
	"swapkline/logger"
	"swapkline/pkg/storage/postgres"
	"swapkline/pkg/swap"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var _ store.Repository = (*postgres.PostgresClient)(nil)

const shutdownTimeout = 10 * time.Second

func main() {
	// viper config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// zap logger
	zl, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer zl.Sync()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("kline engine failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	intervals, err := cfg.KlineIntervals()
	if err != nil {
		return err
	}

	var bg sync.WaitGroup
	defer bg.Wait()
	defer stop()

	// closed-bar storage
	repo, closeRepo, err := openRepository(ctx, cfg, log, &bg)
	if err != nil {
		return err
	}
	defer closeRepo()
	klineStore := store.NewKlineStore(repo)

	// live fan-out, optionally relayed through redis
	hub := broadcast.NewBroadcaster(cfg.Kline.QueueSize, log)
	var publisher aggregator.Publisher = hub
	if cfg.Redis.Enabled {
		rdb, err := relay.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()

		pub := relay.NewPublisher(rdb, cfg.Redis.Channel, cfg.Redis.Buffer, log)
		sub := relay.NewSubscriber(rdb, cfg.Redis.Channel, log)
		bg.Add(2)
		go func() {
			defer bg.Done()
			_ = pub.Run(ctx)
		}()
		go func() {
			defer bg.Done()
			if err := sub.Run(ctx, hub); err != nil {
				log.Error("relay subscriber stopped", zap.Error(err))
			}
		}()
		publisher = pub
	}

	agg := aggregator.New(klineStore, publisher, intervals, log)

	// ingestion
	reg := registry.New()
	source := swap.NewRESTClient(cfg.Swap.Host, cfg.Swap.ApplicationID, cfg.Swap.Timeout)
	runner := ingest.NewRunner(ingest.Config{
		Timeout:      cfg.Swap.Timeout,
		PollInterval: cfg.Swap.PollInterval,
		PoolRefresh:  cfg.Swap.PoolRefresh,
		Tick:         cfg.Kline.Tick,
		BackoffMin:   cfg.Swap.BackoffMin,
		BackoffMax:   cfg.Swap.BackoffMax,
		Retention:    cfg.Kline.Retention,
	}, source, reg, agg, klineStore, log)

	if cfg.Server.AutoStart {
		if _, err := runner.Start(ctx); err != nil {
			return err
		}
	}
	defer runner.Stop()

	// http + websocket
	if cfg.Log.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := server.New(query.NewService(reg, klineStore, intervals), hub, reg, runner, intervals, log)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errCh:
		log.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		log.Warn("http shutdown", zap.Error(serr))
	}
	runner.Stop()
	stop()
	bg.Wait()

	stats := agg.Stats()
	log.Info("aggregator stats",
		zap.Int64("accepted", stats.Accepted),
		zap.Int64("duplicates", stats.Duplicates),
		zap.Int64("late", stats.Late),
		zap.Int64("closed_bars", stats.ClosedBars),
		zap.Int64("store_errors", stats.StoreErrors))
	return err
}

// openRepository returns the configured closed-bar repository and its closer.
func openRepository(ctx context.Context, cfg *config.Config, log *zap.Logger, bg *sync.WaitGroup) (store.Repository, func(), error) {
	if cfg.Kline.Storage == config.StorageMemory {
		repo := store.NewMemoryRepository()

		// Periodically print stored bar count for visibility
		bg.Add(1)
		go func() {
			defer bg.Done()
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					log.Info("current saved bars", zap.Int("count", repo.CountAll()))
				}
			}
		}()
		return repo, func() {}, nil
	}

	client, err := postgres.InitializeAndMigrate(cfg.Postgres, cfg.Log.Environment, cfg.Log.Environment != "prod")
	if err != nil {
		return nil, nil, err
	}
	return client, func() {
		if err := client.Close(); err != nil {
			log.Warn("failed to close postgres", zap.Error(err))
		}
	}, nil
}
