// Package main wires together the scan service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rankwatch/rankwatch/internal/api"
	"github.com/rankwatch/rankwatch/internal/catalog"
	"github.com/rankwatch/rankwatch/internal/clock/system"
	"github.com/rankwatch/rankwatch/internal/config"
	"github.com/rankwatch/rankwatch/internal/events"
	iduuid "github.com/rankwatch/rankwatch/internal/id/uuid"
	"github.com/rankwatch/rankwatch/internal/logging"
	"github.com/rankwatch/rankwatch/internal/prefetch"
	"github.com/rankwatch/rankwatch/internal/ratelimit"
	"github.com/rankwatch/rankwatch/internal/runner"
	"github.com/rankwatch/rankwatch/internal/scan"
	"github.com/rankwatch/rankwatch/internal/storage/memory"
	"github.com/rankwatch/rankwatch/internal/storage/postgres"
	"github.com/rankwatch/rankwatch/internal/watchdog"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	ids := iduuid.NewGenerator()

	var store scan.Store
	if cfg.DB.DSN != "" {
		pgStore, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			logger.Fatal("postgres store init failed", zap.Error(err))
		}
		defer pgStore.Close()
		store = pgStore
		logger.Info("using postgres store")
	} else {
		store = memory.New()
		logger.Warn("db.dsn not set, using in-memory store")
	}

	bus := events.NewBus(events.Config{
		IdleTimeout: cfg.StreamIdleTimeout(),
	}, store, logger.Named("events"))

	pacer := ratelimit.New(clock, logger.Named("pacer"))
	client := catalog.NewClient(catalog.Config{
		BaseURL:        cfg.Catalog.BaseURL,
		TokenURL:       cfg.Catalog.TokenURL,
		ClientID:       cfg.Catalog.ClientID,
		ClientSecret:   cfg.Catalog.ClientSecret,
		Timeout:        cfg.CatalogTimeout(),
		MaxAttempts:    cfg.Catalog.MaxAttempts,
		RetryAfterCap:  time.Duration(cfg.Catalog.RetryAfterCapSecs) * time.Second,
		BackoffInitial: time.Duration(cfg.Catalog.BackoffInitialMs) * time.Millisecond,
		TargetRPS:      cfg.Scan.RPS,
		CallBudget:     cfg.Scan.CallBudget,
		BudgetSleep:    time.Duration(cfg.Scan.BudgetSleepMs) * time.Millisecond,
		FetchLimit:     cfg.Scan.FetchLimit,
	}, pacer, clock, logger.Named("catalog"))

	prefetcher := prefetch.New(prefetch.Config{
		Workers: cfg.Prefetch.Workers,
		Delay:   time.Duration(cfg.Prefetch.DelayMs) * time.Millisecond,
	}, clock, logger.Named("prefetch"))

	scanRunner := runner.New(
		store,
		bus,
		client,
		prefetcher,
		clock,
		ids,
		logger.Named("runner"),
		runner.Config{TopN: cfg.Scan.TopN},
	)

	dog := watchdog.New(watchdog.Config{
		Interval: cfg.WatchdogInterval(),
		Stuck:    cfg.WatchdogStuck(),
	}, store, bus, clock, logger.Named("watchdog"))
	go dog.Run(ctx)

	apiServer := api.NewServer(store, scanRunner, bus, clock, ids, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
