package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/charhubai/charhub/internal/backends"
	"github.com/charhubai/charhub/internal/backends/fsstore"
	"github.com/charhubai/charhub/internal/backends/sdimage"
	"github.com/charhubai/charhub/internal/clock"
	"github.com/charhubai/charhub/internal/config"
	"github.com/charhubai/charhub/internal/database"
	"github.com/charhubai/charhub/internal/logger"
	"github.com/charhubai/charhub/internal/services/jobs"
	"github.com/charhubai/charhub/internal/services/ledger"
	"github.com/charhubai/charhub/internal/services/llm"
	"github.com/charhubai/charhub/internal/services/usagepipe"
)

func main() {
	configPath := flag.String("config", "", "path to config directory")
	concurrency := flag.Int("concurrency", 0, "worker goroutines (overrides config)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	db, err := database.Open(&database.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatal("invalid redis url", zap.Error(err))
		}
		if cfg.Redis.Password != "" {
			opt.Password = cfg.Redis.Password
		}
		if cfg.Redis.DB != 0 {
			opt.DB = cfg.Redis.DB
		}
		redisClient = redis.NewClient(opt)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
	} else {
		log.Warn("redis not configured, job progress events will not be published")
	}

	led := ledger.NewService(&ledger.Config{
		DB:              db,
		Cache:           redisClient,
		Logger:          log,
		BalanceCacheTTL: cfg.Credits.BalanceCacheTTL,
		DailyReward:     cfg.Credits.DailyRewardAmount,
		InitialGrant:    cfg.Credits.InitialGrant,
	})

	costs := usagepipe.NewCostTable(db, log, 0)
	if err := costs.Start(ctx); err != nil {
		log.Fatal("failed to load service costs", zap.Error(err))
	}
	defer costs.Stop()

	pipeline := usagepipe.NewPipeline(&usagepipe.Config{
		DB:     db,
		Ledger: led,
		Costs:  costs,
		Logger: log,
	})
	pipeline.Start(ctx)
	defer pipeline.Stop()

	engine := jobs.NewEngine(&jobs.EngineConfig{
		DB:                db,
		Redis:             redisClient,
		Logger:            log,
		Reservations:      led,
		VisibilityTimeout: cfg.Jobs.VisibilityTimeout,
		DefaultAttempts:   cfg.Jobs.MaxAttempts,
		BackoffBase:       cfg.Jobs.BackoffBase,
		BackoffCap:        cfg.Jobs.BackoffCap,
	})

	store, err := fsstore.New(cfg.Storage.Path)
	if err != nil {
		log.Fatal("failed to open object store", zap.Error(err))
	}
	images := sdimage.NewClient(cfg.Images)

	clients := make([]backends.LLMClient, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		clients = append(clients, llm.NewOpenAIClient(p))
	}
	broker := llm.NewBroker(&llm.BrokerConfig{
		Clients: clients,
		Tools:   llm.NewToolRegistry(&llm.ToolRegistryConfig{Cache: redisClient, Logger: log}),
		Logger:  log,
	})

	workers := cfg.Jobs.WorkerCount
	if *concurrency > 0 {
		workers = *concurrency
	}
	pool := jobs.NewPool(&jobs.PoolConfig{
		Engine:       engine,
		Logger:       log,
		Concurrency:  workers,
		PollInterval: cfg.Jobs.PollInterval,
	})
	pool.Register(jobs.NewDatasetHandler(db, images, store, pipeline, log))
	pool.Register(jobs.NewGrantsHandler(db, led, clock.New(), log))
	pool.Register(newAutogenFromConfig(cfg, broker, pipeline, log))
	pool.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down worker")
	pool.Stop()
	cancel()
}

// newAutogenFromConfig points character autogeneration at the first
// configured provider's first model.
func newAutogenFromConfig(cfg *config.Config, broker *llm.Broker, pipeline *usagepipe.Pipeline, log *zap.Logger) *jobs.AutogenHandler {
	provider := ""
	model := ""
	if len(cfg.Providers) > 0 {
		provider = cfg.Providers[0].Name
		if len(cfg.Providers[0].Models) > 0 {
			model = cfg.Providers[0].Models[0]
		}
	}
	return jobs.NewAutogenHandler(broker, pipeline, provider, model, log)
}
