// Command paperexec is the process entrypoint: it opens the three
// stores, wires the services and background loops, and serves the HTTP
// surface until interrupted. Exit codes: 0 clean exit, 2 config error,
// 3 store-open failure, 130 interrupted.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ksred/paperexec/internal/api"
	"github.com/ksred/paperexec/internal/auth"
	"github.com/ksred/paperexec/internal/clockwork"
	"github.com/ksred/paperexec/internal/config"
	"github.com/ksred/paperexec/internal/coordinator"
	"github.com/ksred/paperexec/internal/execution"
	"github.com/ksred/paperexec/internal/obslog"
	"github.com/ksred/paperexec/internal/pending"
	"github.com/ksred/paperexec/internal/priceapi"
	"github.com/ksred/paperexec/internal/pyramid"
	"github.com/ksred/paperexec/internal/resilience"
	"github.com/ksred/paperexec/internal/sot"
	"github.com/ksred/paperexec/internal/ts"
	"github.com/rs/zerolog"
)

const (
	exitOK            = 0
	exitConfigError   = 2
	exitStoreOpenFail = 3
	exitInterrupted   = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := os.Getenv("PAPEREXEC_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		startupLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		startupLogger.Error().Err(err).Msg("config load failed")
		return exitConfigError
	}

	logger := obslog.Setup(cfg.Logging)

	sotStore, err := sot.Open(cfg.Store.SOTPath, cfg.Store.MaxOpenConnections, cfg.Store.MaxIdleConnections)
	if err != nil {
		logger.Error().Err(err).Msg("opening SOT store failed")
		return exitStoreOpenFail
	}
	defer sotStore.Close()

	tsStore, err := ts.Open(cfg.Store.TSPath, cfg.Store.MaxOpenConnections, cfg.Store.MaxIdleConnections)
	if err != nil {
		logger.Error().Err(err).Msg("opening TS store failed")
		return exitStoreOpenFail
	}
	defer tsStore.Close()

	pyramidStore, err := pyramid.Open(cfg.Store.PyramidPath, cfg.Store.MaxOpenConnections, cfg.Store.MaxIdleConnections)
	if err != nil {
		logger.Error().Err(err).Msg("opening pyramid store failed")
		return exitStoreOpenFail
	}
	defer pyramidStore.Close()

	clock := clockwork.NewSystemClock()
	rng := clockwork.NewSystemRandomSource(time.Now().UnixNano())
	prices := priceapi.NewMockSource(
		time.Duration(cfg.Price.CacheTTLSeconds)*time.Second,
		time.Duration(cfg.Price.FetchTimeoutMillis)*time.Millisecond,
	)

	engine := execution.New(sotStore, tsStore, prices, clock, rng, execution.Config{
		DefaultFillPct:     cfg.Execution.DefaultFillPct,
		DefaultSlippagePct: cfg.Execution.DefaultSlippagePct,
		DefaultMakerFee:    cfg.Execution.DefaultMakerFee,
		DefaultTakerFee:    cfg.Execution.DefaultTakerFee,
		DefaultLatencyMs:   cfg.Execution.DefaultLatencyMs,
		RandomLatencyMs:    cfg.Execution.RandomLatencyMs,
		StopScanInterval:   time.Duration(cfg.Execution.StopScanIntervalMs) * time.Millisecond,
	})

	pendingSvc := pending.New(sotStore, tsStore, prices, engine, pending.RiskConfig{
		PipMultiplier:      cfg.Risk.PipMultiplier,
		MaxPositionSizePct: cfg.Risk.MaxPositionSizePct,
		MaxDailyLossPct:    cfg.Risk.MaxDailyLossPct,
		StartingEquity:     cfg.Risk.StartingEquity,
	})

	pyramidMgr := pyramid.New(pyramidStore, sotStore, prices, pendingSvc, clock,
		time.Duration(cfg.Pyramid.TimerIntervalMs)*time.Millisecond)
	if err := pyramidMgr.Restore(); err != nil {
		logger.Error().Err(err).Msg("pyramid restore failed")
	}

	breaker := resilience.New("coordinator", resilience.DefaultConfig())
	coord := coordinator.New(sotStore, tsStore, pyramidMgr, breaker)

	authSvc := auth.NewService(cfg.HTTP.JWTSecret)
	authSvc.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	scanner := execution.NewScanner(engine)
	dispatcher := execution.NewDispatcher(engine, time.Duration(cfg.Execution.StopScanIntervalMs)*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go scanner.Start(ctx)
	go dispatcher.Start(ctx)
	go pyramidMgr.Run(ctx)
	go coord.Run(ctx)

	server := api.NewServer(pendingSvc, pyramidMgr, authSvc, cfg.HTTP.JWTSecret)
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: server.Router(),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()
	logger.Info().Str("addr", cfg.HTTP.Addr).Msg("paperexec listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server forced shutdown")
	}

	return exitInterrupted
}
