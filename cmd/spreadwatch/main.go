package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"spreadwatch/internal/api"
	"spreadwatch/internal/arbitrage"
	"spreadwatch/internal/config"
	"spreadwatch/internal/database"
	"spreadwatch/internal/exchange"
	"spreadwatch/internal/fx"
	"spreadwatch/internal/metrics"
	"spreadwatch/internal/paper"
	"spreadwatch/internal/pricecache"
	"spreadwatch/internal/redisfeed"
	"spreadwatch/internal/ticks"
)

func main() {
	configDir := flag.String("config", ".", "directory holding config.yaml")
	autostart := flag.Bool("autostart", true, "start the arbitrage loop on boot")
	flag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log.Level)
	if err := run(logger, cfg, *autostart); err != nil {
		logger.Error("Exiting with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(logger *slog.Logger, cfg config.Config, autostart bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openRepository(ctx, logger, cfg.Database)
	if err != nil {
		return err
	}
	defer repo.Close()

	sinks := ticks.Fanout{repo}
	if cfg.Redis.Addr != "" {
		pub := redisfeed.NewPublisher(cfg.Redis)
		defer pub.Close()
		if err := pub.Ping(ctx); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("Publishing opportunities to Redis", "addr", cfg.Redis.Addr, "stream", cfg.Redis.Stream)
		sinks = append(sinks, pub)
	}

	feeds, err := exchange.NewFeeds(logger, cfg.Feeds)
	if err != nil {
		return err
	}

	cache := pricecache.New(cfg.Feeds.MaxQuoteAge)
	rates := fx.NewService(logger, cfg.FX)
	queue := ticks.NewQueue(cfg.Loop.TickQueueSize)
	buffer := ticks.NewBuffer(cfg.Loop.TickBufferSize, queue)
	writer := ticks.NewWriter(logger, queue, sinks, cfg.Loop.WriteTimeout, cfg.Loop.DrainTimeout)

	engine := arbitrage.NewArbitrageEngine(logger, cfg.Loop, arbitrage.Deps{
		Quotes:   cache,
		Rates:    rates,
		Executor: paper.NewLedger(cfg.Paper),
		Buffer:   buffer,
		Queue:    queue,
		Settings: config.NewStore(cfg.Trading),
	})
	server := api.NewServer(logger, cfg.HTTP.Addr, engine, buffer, repo)

	// The writer outlives the loop so the final flush is persisted.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan error, 1)
	go func() { writerDone <- writer.Run(writerCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range feeds {
		g.Go(func() error { return f.Run(gctx, cache) })
	}
	g.Go(func() error { return rates.Run(gctx) })
	g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Addr, nil, logger) })
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		if err := engine.Stop(); err != nil && !errors.Is(err, arbitrage.ErrNotRunning) {
			logger.Warn("Failed to stop arbitrage loop", "error", err)
		}
		stopWriter()
		return <-writerDone
	})

	if autostart {
		if err := engine.Start(gctx); err != nil {
			return err
		}
	}
	logger.Info("Spreadwatch started", "mode", cfg.Loop.Mode, "api", cfg.HTTP.Addr, "metrics", cfg.Metrics.Addr)

	err = g.Wait()
	written, failed := writer.Stats()
	logger.Info("Spreadwatch stopped", "persisted", written, "persist_failures", failed, "dropped", queue.Dropped())
	return err
}

func openRepository(ctx context.Context, logger *slog.Logger, cfg config.DatabaseConfig) (database.Repository, error) {
	var (
		repo database.Repository
		err  error
	)
	if cfg.UsePostgres() {
		logger.Info("Using Postgres opportunity store", "host", cfg.Host, "db", cfg.DBName)
		repo, err = database.NewPostgresRepository(ctx, cfg.DSN())
	} else {
		logger.Info("Using SQLite opportunity store", "path", cfg.SQLitePath)
		repo, err = database.NewSQLiteRepository(cfg.SQLitePath)
	}
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(ctx); err != nil {
		_ = repo.Close()
		return nil, err
	}
	return repo, nil
}
