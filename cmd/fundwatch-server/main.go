package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bobmcallan/fundwatch/internal/clients/calendar"
	"github.com/bobmcallan/fundwatch/internal/clients/eastmoney"
	"github.com/bobmcallan/fundwatch/internal/common"
	"github.com/bobmcallan/fundwatch/internal/services/navsync"
	"github.com/bobmcallan/fundwatch/internal/services/scheduler"
	"github.com/bobmcallan/fundwatch/internal/storage/surrealdb"
)

func main() {
	syncOnce := flag.Bool("sync", false, "run one full sync pass and exit")
	flag.Parse()

	configPath := os.Getenv("FUNDWATCH_CONFIG")
	if configPath == "" {
		configPath = "fundwatch.toml"
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	common.LoadVersionFromFile()
	logger := common.NewLogger(config.Logging.Level)
	common.PrintBanner(config, logger)

	storage, err := surrealdb.NewManager(logger, config)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to storage")
	}

	historyClient := eastmoney.NewClient(
		eastmoney.WithBaseURL(config.Clients.Eastmoney.BaseURL),
		eastmoney.WithRateLimit(config.Clients.Eastmoney.RateLimit),
		eastmoney.WithTimeout(config.Clients.Eastmoney.GetTimeout()),
		eastmoney.WithLogger(logger),
	)
	classifier := calendar.NewClient(
		calendar.WithBaseURL(config.Clients.Calendar.BaseURL),
		calendar.WithTimeout(config.Clients.Calendar.GetTimeout()),
		calendar.WithLogger(logger),
	)
	workday := calendar.NewWorkdayChecker(classifier,
		calendar.WithRetries(config.Clients.Calendar.MaxRetries, config.Clients.Calendar.GetRetryDelay()),
		calendar.WithCheckerLogger(logger),
	)

	navSync := navsync.NewService(storage, historyClient, logger, config)
	sched := scheduler.NewScheduler(navSync, workday, logger, config)

	if *syncOnce {
		stats, err := sched.SyncNow(context.Background(), flag.Args(), true)
		if closeErr := storage.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("Storage close failed")
		}
		if err != nil {
			logger.Fatal().Err(err).Msg("Sync failed")
		}
		logger.Info().
			Int("funds_total", stats.FundsTotal).
			Int("funds_synced", stats.FundsSynced).
			Int("nav_rows_upserted", stats.NavRowsUpserted).
			Msg("Sync finished")
		return
	}

	sched.EnsureScheduled()

	logger.Info().
		Str("version", common.GetFullVersion()).
		Str("environment", config.Environment).
		Msg("Fundwatch ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received")

	sched.Stop()
	if err := storage.Close(); err != nil {
		logger.Error().Err(err).Msg("Storage close failed")
	}
	common.PrintShutdownBanner(logger)
}
