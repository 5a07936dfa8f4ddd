package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/charhubai/charhub/internal/auth"
	"github.com/charhubai/charhub/internal/backends"
	"github.com/charhubai/charhub/internal/config"
	"github.com/charhubai/charhub/internal/database"
	"github.com/charhubai/charhub/internal/logger"
	"github.com/charhubai/charhub/internal/router"
	"github.com/charhubai/charhub/internal/services/hub"
	"github.com/charhubai/charhub/internal/services/jobs"
	"github.com/charhubai/charhub/internal/services/ledger"
	"github.com/charhubai/charhub/internal/services/llm"
	"github.com/charhubai/charhub/internal/services/membership"
	"github.com/charhubai/charhub/internal/services/orchestrator"
	"github.com/charhubai/charhub/internal/services/policy"
	"github.com/charhubai/charhub/internal/services/progress"
	"github.com/charhubai/charhub/internal/services/ratelimit"
	"github.com/charhubai/charhub/internal/services/translate"
	"github.com/charhubai/charhub/internal/services/usagepipe"
)

func main() {
	configPath := flag.String("config", "", "path to config directory")
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

	if err := database.Migrate(db); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := connectRedis(ctx, cfg, log)

	authSvc := auth.NewService(&auth.Config{
		Secret:      cfg.Auth.JWTSecret,
		Issuer:      cfg.Auth.JWTIssuer,
		TokenExpiry: cfg.Auth.TokenExpiry,
		InviteTTL:   cfg.Auth.InviteTokenTTL,
	})

	led := ledger.NewService(&ledger.Config{
		DB:              db,
		Cache:           redisClient,
		Logger:          log,
		BalanceCacheTTL: cfg.Credits.BalanceCacheTTL,
		DailyReward:     cfg.Credits.DailyRewardAmount,
		InitialGrant:    cfg.Credits.InitialGrant,
	})

	costs := usagepipe.NewCostTable(db, log, 0)
	if len(cfg.Credits.ServiceCosts) > 0 {
		if err := costs.Seed(ctx, cfg.Credits.ServiceCosts); err != nil {
			log.Fatal("failed to seed service costs", zap.Error(err))
		}
	}
	if err := costs.Start(ctx); err != nil {
		log.Fatal("failed to load service costs", zap.Error(err))
	}
	defer costs.Stop()

	gate := policy.NewGate(&policy.Config{
		DB:             db,
		Limiter:        newLimiter(redisClient, cfg, log),
		Ledger:         led,
		Logger:         log,
		Limits:         gateLimits(cfg),
		ReservationTTL: cfg.Credits.ReservationTTL,
	})

	members := membership.NewService(&membership.Config{DB: db, Auth: authSvc, Logger: log})

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

	pipeline := usagepipe.NewPipeline(&usagepipe.Config{
		DB:     db,
		Ledger: led,
		Costs:  costs,
		Logger: log,
	})

	clients := make([]backends.LLMClient, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		clients = append(clients, llm.NewOpenAIClient(p))
	}
	broker := llm.NewBroker(&llm.BrokerConfig{
		Clients: clients,
		Tools:   llm.NewToolRegistry(&llm.ToolRegistryConfig{Cache: redisClient, Logger: log}),
		Logger:  log,
	})

	h := hub.NewHub(log)
	chat := hub.NewChatFlow(&hub.ChatFlowConfig{
		DB:           db,
		Hub:          h,
		Members:      members,
		Gate:         gate,
		Orchestrator: orchestrator.New(),
		Broker:       broker,
		Usage:        pipeline,
		Costs:        costs,
		Logger:       log,
	})
	ws := hub.NewServer(&hub.ServerConfig{
		Hub:     h,
		Auth:    authSvc,
		Members: members,
		Chat:    chat,
		Logger:  log,
	})

	if redisClient != nil {
		if err := progress.NewRouter(redisClient, h, log).Start(ctx); err != nil {
			log.Fatal("failed to start progress router", zap.Error(err))
		}
	} else {
		log.Warn("redis unavailable, job progress will not reach websocket clients")
	}

	handler := router.New(&router.Deps{
		Config:  cfg,
		Logger:  log,
		DB:      db,
		Redis:   redisClient,
		Auth:    authSvc,
		Ledger:  led,
		Costs:   costs,
		Members: members,
		Gate:    gate,
		Engine:  engine,
		Chat:    chat,
		WS:      ws,

		Translator: translate.Noop{},
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsPort > 0 && cfg.Server.MetricsPort != cfg.Server.Port {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler: mux,
		}
		go func() {
			log.Info("metrics server listening", zap.Int("port", cfg.Server.MetricsPort))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	go func() {
		log.Info("server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	cancel()
	log.Info("server stopped")
}

// connectRedis returns nil when no redis is configured; the ledger cache,
// progress router, and rate limiter all degrade without it.
func connectRedis(ctx context.Context, cfg *config.Config, log *zap.Logger) *redis.Client {
	if cfg.Redis.URL == "" {
		return nil
	}
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
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	return client
}

func newLimiter(redisClient *redis.Client, cfg *config.Config, log *zap.Logger) ratelimit.Limiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	if redisClient != nil {
		return ratelimit.NewRedisLimiter(redisClient, log)
	}
	return ratelimit.NewInMemoryLimiter()
}

func gateLimits(cfg *config.Config) map[string]policy.ActionLimit {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	return map[string]policy.ActionLimit{
		policy.ActionSendMessage: {Limit: cfg.RateLimit.MessagesPerMin, Window: time.Minute},
		policy.ActionEnqueueJob:  {Limit: cfg.RateLimit.JobsPerMin, Window: time.Minute},
		policy.ActionDailyReward: {Limit: cfg.RateLimit.RewardsPerMin, Window: time.Minute},
	}
}
