// Command retention purges old odds snapshots and refreshes the hourly
// rollups once, for use from cron when the collector's own maintenance
// jobs are disabled.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Alias1177/OddsCollector/internal/clock"
	"github.com/Alias1177/OddsCollector/internal/config"
	"github.com/Alias1177/OddsCollector/internal/database"
	"github.com/Alias1177/OddsCollector/internal/platform/logging"
	"github.com/Alias1177/OddsCollector/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	age := flag.Duration("age", cfg.RetentionAge, "delete snapshots older than this")
	lookback := flag.Duration("lookback", cfg.RollupLookback, "rebuild rollups for hours within this window")
	skipRollup := flag.Bool("skip-rollup", false, "only purge")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	db, err := database.New(ctx, database.ConnectionParams{
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		DBName:   cfg.DB.Name,
		SSLMode:  cfg.DB.SSLMode,
		MaxOpen:  cfg.DB.MaxOpen,
		MaxIdle:  cfg.DB.MaxIdle,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	oddsStore := store.New(db, nil, clock.Real{}, store.Options{})

	deleted, err := oddsStore.PurgeOlderThan(ctx, *age)
	if err != nil {
		log.Fatal().Err(err).Msg("Purge failed")
	}
	log.Info().Int64("deleted", deleted).Dur("age", *age).Msg("Old snapshots purged")

	if *skipRollup {
		return
	}
	rows, err := oddsStore.RefreshRollups(ctx, *lookback)
	if err != nil {
		log.Fatal().Err(err).Msg("Rollup refresh failed")
	}
	log.Info().Int64("rows", rows).Dur("lookback", *lookback).Msg("Hourly rollups refreshed")
}
