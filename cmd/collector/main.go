package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Alias1177/OddsCollector/internal/alert"
	"github.com/Alias1177/OddsCollector/internal/broadcast"
	"github.com/Alias1177/OddsCollector/internal/clock"
	"github.com/Alias1177/OddsCollector/internal/collector"
	"github.com/Alias1177/OddsCollector/internal/config"
	"github.com/Alias1177/OddsCollector/internal/database"
	"github.com/Alias1177/OddsCollector/internal/matching"
	"github.com/Alias1177/OddsCollector/internal/normalize"
	"github.com/Alias1177/OddsCollector/internal/platform/logging"
	"github.com/Alias1177/OddsCollector/internal/providers"
	"github.com/Alias1177/OddsCollector/internal/providers/catalog"
	"github.com/Alias1177/OddsCollector/internal/resilience"
	"github.com/Alias1177/OddsCollector/internal/scheduler"
	"github.com/Alias1177/OddsCollector/internal/server"
	"github.com/Alias1177/OddsCollector/internal/store"
	"github.com/Alias1177/OddsCollector/internal/validation"
	"github.com/Alias1177/OddsCollector/models"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Collector exited with error")
	}
	log.Info().Msg("Collector stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	clk := clock.Real{}

	// Storage and entity lookup
	var (
		repo   store.Repository
		lookup matching.EntityLookup
	)
	switch cfg.StoreBackend {
	case "postgres":
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
			return err
		}
		defer db.Close()
		repo, lookup = db, db
	case "memory":
		static := matching.NewStaticLookup()
		if cfg.FixturesFile != "" {
			loaded, err := matching.LoadStaticLookup(cfg.FixturesFile)
			if err != nil {
				return err
			}
			static = loaded
		}
		repo, lookup = store.NewMemoryRepository(), static
		log.Warn().Msg("Using in-memory storage, odds are lost on restart")
	}

	// Providers
	providerConfigs, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		return err
	}
	registry, err := catalog.Build(providerConfigs, catalog.Options{
		RequestTimeout: cfg.RequestTimeout,
		MaxRetries:     cfg.MaxRetries,
	}, clk)
	if err != nil {
		return err
	}

	// Alerts
	alerter, err := buildAlerter(cfg)
	if err != nil {
		return err
	}
	registry.OnBreakerStateChange(func(provider string, from, to resilience.State) {
		if err := alerter.Alert(context.Background(), alert.BreakerAlert(provider, from, to, clk.Now())); err != nil {
			log.Warn().Err(err).Str("provider", provider).Msg("Failed to send breaker alert")
		}
	})

	// Broadcast
	var redisClient *redis.Client
	if cfg.BroadcastBus == "redis" || cfg.QueueBackend == "redis" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
	}
	bus, err := buildBus(cfg, redisClient)
	if err != nil {
		return err
	}
	if bus != nil {
		defer bus.Close()
	}
	broadcaster := broadcast.New(broadcast.NewHub(broadcast.DefaultSubscriberBuffer), bus, clk)

	// Pipeline
	oddsStore := store.New(repo, broadcaster, clk, store.Options{
		DedupWindow: cfg.DedupWindow,
		BatchSize:   cfg.BatchSize,
	})
	validatorCfg := validation.DefaultConfig()
	validatorCfg.AnomalyThresholdPercent = cfg.AnomalyThresholdPercent
	pipeline, err := collector.New(collector.Config{
		Fetcher:    registry,
		Normalizer: normalize.New(normalize.Options{Markets: []string{normalize.MarketWin}}),
		Matcher:    matching.New(lookup, clk),
		Validator:  validation.New(validatorCfg, oddsStore, clk),
		Writer:     oddsStore,
		Alerter:    alerter,
		Request: providers.OddsRequest{
			Sport:   cfg.Sport,
			Regions: cfg.Regions,
			Markets: []string{normalize.MarketWin, normalize.MarketPlace},
		},
		Clock: clk,
	})
	if err != nil {
		return err
	}

	// Scheduler
	var queue scheduler.Queue = scheduler.NewMemoryQueue(0)
	if cfg.QueueBackend == "redis" {
		queue = scheduler.NewRedisQueue(redisClient, cfg.QueueKey)
	}
	sched := scheduler.New(scheduler.Config{
		Workers:            cfg.Workers,
		Providers:          providerSchedules(providerConfigs),
		CollectAllInterval: cfg.CollectAllInterval,
		RetentionInterval:  cfg.RetentionInterval,
		RetentionAge:       cfg.RetentionAge,
		RollupInterval:     cfg.RollupInterval,
		RollupLookback:     cfg.RollupLookback,
		MaxAttempts:        cfg.JobMaxAttempts,
		InitialBackoff:     cfg.JobInitialBackoff,
		JobTimeout:         cfg.JobTimeout,
	}, queue, pipeline, oddsStore, scheduler.NewLogObserver(), clk)

	srv := server.New(server.Options{
		Addr:           cfg.HTTPAddr,
		AllowedOrigins: cfg.CORSOrigins,
		MinConfidence:  cfg.BestOddsMinConfidence,
	}, registry, sched, oddsStore, broadcaster.Hub())

	log.Info().
		Str("store", cfg.StoreBackend).
		Str("bus", cfg.BroadcastBus).
		Str("queue", cfg.QueueBackend).
		Strs("providers", registry.ActiveProviders()).
		Msg("Starting odds collector")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return broadcaster.Start(gctx) })
	g.Go(func() error {
		if err := sched.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildAlerter(cfg *config.Config) (alert.Alerter, error) {
	minSeverity, err := alert.ParseSeverity(cfg.AlertMinSeverity)
	if err != nil {
		return nil, fmt.Errorf("ALERT_MIN_SEVERITY: %w", err)
	}

	sinks := alert.Multi{alert.NewLogAlerter()}
	if cfg.TelegramBotToken != "" {
		chatIDs, err := alert.ParseChatIDs(cfg.TelegramChatIDs)
		if err != nil {
			return nil, fmt.Errorf("TELEGRAM_CHAT_IDS: %w", err)
		}
		tg, err := alert.NewTelegramAlerter(cfg.TelegramBotToken, chatIDs)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, tg)
	}
	return alert.NewGate(sinks, minSeverity), nil
}

func buildBus(cfg *config.Config, redisClient *redis.Client) (broadcast.Bus, error) {
	switch cfg.BroadcastBus {
	case "redis":
		return broadcast.NewRedisBus(redisClient, cfg.BroadcastChannel), nil
	case "amqp":
		return broadcast.NewAMQPBus(cfg.AMQPURL, cfg.BroadcastChannel)
	}
	return nil, nil
}

func providerSchedules(configs []models.ProviderConfig) []scheduler.ProviderSchedule {
	out := make([]scheduler.ProviderSchedule, 0, len(configs))
	for _, c := range configs {
		if !c.Enabled {
			continue
		}
		out = append(out, scheduler.ProviderSchedule{ID: c.ID, Interval: c.PollInterval})
	}
	return out
}
