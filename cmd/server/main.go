// Package main is the entry point for the lotkeeper cost-basis ledger
// service. It tracks transactions, FIFO lots and sale allocations per
// (account, symbol), derives positions, and snapshots daily P&L against
// market close prices.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/lotkeeper/internal/clients/stooq"
	"github.com/aristath/lotkeeper/internal/config"
	"github.com/aristath/lotkeeper/internal/database"
	"github.com/aristath/lotkeeper/internal/modules/allocation"
	"github.com/aristath/lotkeeper/internal/modules/ledger"
	ledgerhandlers "github.com/aristath/lotkeeper/internal/modules/ledger/handlers"
	"github.com/aristath/lotkeeper/internal/modules/portfolio"
	portfoliohandlers "github.com/aristath/lotkeeper/internal/modules/portfolio/handlers"
	"github.com/aristath/lotkeeper/internal/modules/valuation"
	valuationhandlers "github.com/aristath/lotkeeper/internal/modules/valuation/handlers"
	"github.com/aristath/lotkeeper/internal/scheduler"
	"github.com/aristath/lotkeeper/internal/server"
	"github.com/aristath/lotkeeper/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting lotkeeper")

	// The ledger database is the append-only audit trail; the portfolio
	// database holds derived state that can be rebuilt from it
	ledgerDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open ledger database")
	}
	defer ledgerDB.Close()

	portfolioDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "portfolio.db"),
		Profile: database.ProfileStandard,
		Name:    "portfolio",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open portfolio database")
	}
	defer portfolioDB.Close()

	for _, db := range []*database.DB{ledgerDB, portfolioDB} {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("database", db.Name()).Msg("Failed to apply schema")
		}
	}

	// Repositories
	txRepo := ledger.NewTransactionRepository(ledgerDB.Conn(), log)
	lotRepo := ledger.NewLotRepository(ledgerDB.Conn(), log)
	allocRepo := ledger.NewAllocationRepository(ledgerDB.Conn(), log)
	positionRepo := portfolio.NewPositionRepository(portfolioDB.Conn(), log)
	snapshotRepo := valuation.NewSnapshotRepository(portfolioDB.Conn(), log)

	// Services
	engine := allocation.NewEngine(nil, log)
	positionService := portfolio.NewService(lotRepo, txRepo, positionRepo, log)
	ledgerService := ledger.NewService(ledgerDB.Conn(), txRepo, lotRepo, allocRepo, engine, positionService, log)
	valuationService := valuation.NewService(positionRepo, allocRepo, snapshotRepo, log)
	priceClient := stooq.NewClient(cfg.PriceFeedBaseURL, log)

	// Scheduler with the daily valuation job
	sched := scheduler.New(log)
	snapshotJob := scheduler.NewSnapshotJob(positionRepo, priceClient, valuationService, log)
	if cfg.SnapshotEnabled {
		if err := sched.AddJob(cfg.SnapshotSchedule, snapshotJob); err != nil {
			log.Fatal().Err(err).Msg("Failed to register valuation job")
		}
		sched.Start()
		defer sched.Stop()
	} else {
		log.Warn().Msg("Scheduled valuation snapshots disabled")
	}

	srv := server.New(server.Config{
		Log:               log,
		LedgerDB:          ledgerDB,
		PortfolioDB:       portfolioDB,
		Config:            cfg,
		LedgerHandlers:    ledgerhandlers.NewHandler(ledgerService, cfg.DefaultAccount, log),
		PortfolioHandlers: portfoliohandlers.NewHandler(positionService, cfg.DefaultAccount, log),
		ValuationHandlers: valuationhandlers.NewHandler(valuationService, priceClient, cfg.DefaultAccount, log),
		SnapshotJob:       snapshotJob,
		Scheduler:         sched,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatal().Err(err).Msg("HTTP server failed")
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}

	// Flush WAL files before closing so restarts recover quickly
	for _, db := range []*database.DB{ledgerDB, portfolioDB} {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
		}
	}

	log.Info().Msg("Shutdown complete")
}
