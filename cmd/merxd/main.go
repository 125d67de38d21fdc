package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"merx/config"
	"merx/core/events"
	"merx/gateway"
	gwmiddleware "merx/gateway/middleware"
	"merx/native/ledger"
	"merx/native/market"
	"merx/native/registry"
	"merx/observability/logging"
	"merx/storage"
)

func main() {
	configPath := flag.String("config", "merx.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("merxd", "dev").Error("load configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.Setup("merxd", cfg.Environment)

	admin, err := cfg.Admin()
	if err != nil {
		logger.Error("parse admin address", "err", err)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("open database", "path", cfg.DataDir, "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("close database", "err", err)
		}
	}()

	book := ledger.NewBook(db)
	reg := registry.NewStore(db)
	feed := events.NewRingEmitter(cfg.EventBuffer)

	engine := market.NewEngine(market.NewStoreState(db, book, reg), book)
	engine.SetRegistry(reg)
	engine.SetEmitter(feed)

	// Seeding the admin is idempotent across restarts.
	if err := engine.Initialize(admin); err != nil && !errors.Is(err, market.ErrAlreadyInitialized) {
		logger.Error("initialize engine", "err", err)
		os.Exit(1)
	}

	limiter := gwmiddleware.NewRateLimiter(cfg.RatePerMinute, cfg.RateBurst)
	server := gateway.NewServer(engine, reg, feed, limiter, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddress)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", "err", err)
	}
	logger.Info("stopped")
}
