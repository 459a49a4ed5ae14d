package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	mqcontracts "forecast-service/contracts/mq"
	"forecast-service/internal/ai"
	"forecast-service/internal/config"
	"forecast-service/internal/forecast"
	"forecast-service/internal/handler"
	"forecast-service/internal/httpserver"
	"forecast-service/internal/mqhandler"
	"forecast-service/internal/provider"
	"forecast-service/internal/repository"
	"forecast-service/internal/service"
	"forecast-service/pkg/db"
	"forecast-service/pkg/logger"
	"forecast-service/pkg/mq"
	"forecast-service/pkg/otel"
	"forecast-service/pkg/outbox"
	"forecast-service/pkg/redis"
	"forecast-service/pkg/util"
)

const serviceVersion = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.NewLogger(cfg.Env, cfg.Log.Level)
	defer log.Sync()

	log.Info("Starting forecast service...", zap.String("env", cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// OpenTelemetry
	shutdownOTel, err := otel.Init(otel.Config{
		ServiceName:    cfg.OTel.ServiceName,
		ServiceVersion: serviceVersion,
		Endpoint:       cfg.OTel.Endpoint,
		Enabled:        cfg.OTel.Endpoint != "",
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize OpenTelemetry", zap.Error(err))
	}
	defer shutdownOTel()

	// DB
	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB connection failed", zap.Error(err))
	}
	defer pool.Close()
	log.Info("DB ready")

	// Redis
	rdb, err := redis.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		// 去重和缓存在 Redis 不可用时降级，不阻止启动
		log.Warn("Redis not reachable, dedup and history cache degraded", zap.Error(err))
	}
	defer rdb.Close()

	deduper := util.NewDeduperWithLogger(rdb, cfg.RiskScan.DedupTTL, log)
	retryCounter := util.NewRetryCounter(rdb, cfg.RiskScan.RetryTTL)

	// repositories
	statsRepo := repository.NewProjectStatsRepository(pool, log)
	outboxRepo := outbox.NewRepository(pool)
	riskRepo := repository.NewPostgresRiskRepository(pool, outboxRepo, log)
	history := provider.NewCachedHistoryProvider(statsRepo, rdb, cfg.Forecast.HistoryCacheTTL, log)

	engine := forecast.NewEngine(forecast.Config{
		DefaultVelocity:         cfg.Forecast.DefaultVelocity,
		Trials:                  cfg.Forecast.MonteCarloTrials,
		TeamMemberVelocityShare: cfg.Forecast.TeamMemberVelocityShare,
	})

	var opts []service.Option
	if cfg.AI.Enabled() {
		aiClient, err := ai.NewClient(ai.Config{
			BaseURL:       cfg.AI.BaseURL,
			APIKey:        cfg.AI.APIKey,
			Model:         cfg.AI.Model,
			RatePerSecond: cfg.AI.RatePerSecond,
		}, log)
		if err != nil {
			log.Fatal("AI client init failed", zap.Error(err))
		}
		opts = append(opts, service.WithEstimator(aiClient))
		if cfg.AI.Narrative {
			opts = append(opts, service.WithNarrator(aiClient))
		}
		log.Info("AI estimator enabled", zap.String("model", cfg.AI.Model))
	} else {
		log.Info("AI estimator disabled, using Monte Carlo forecasts")
	}

	orchestrator := service.NewForecastOrchestrator(
		history, statsRepo, statsRepo, engine, riskRepo,
		service.Config{
			HistoryWindow:     cfg.Forecast.Window(),
			AIEstimateTimeout: cfg.Forecast.AIEstimateTimeout,
			NarrativeTimeout:  cfg.Forecast.NarrativeTimeout,
		},
		log, opts...,
	)

	// -------------------------
	// Outbox Dispatcher
	// -------------------------
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("MQ publisher init failed", zap.Error(err))
	}
	defer publisher.Close()

	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log)
	go dispatcher.Start(ctx)

	// -------------------------
	// Risk Scan Consumer
	// -------------------------
	log.Info("Init consumer", zap.String("queue", cfg.RiskScan.Queue))
	consumer, err := mq.NewConsumer(
		cfg.MQ.URL,
		cfg.RiskScan.Queue,
		mqcontracts.RoutingRiskScanRequested,
		log,
	)
	if err != nil {
		log.Fatal("Risk scan consumer init failed", zap.Error(err))
	}
	scanHandler := mqhandler.NewRiskScanHandler(orchestrator, deduper, retryCounter, log)
	consumer.SetHandler(scanHandler.Handle)

	go func() {
		if err := consumer.StartConsuming(); err != nil {
			log.Error("Risk scan consumer stopped", zap.Error(err))
			stop()
		}
	}()
	defer consumer.Close()

	// -------------------------
	// History Refresh Consumer
	// -------------------------
	log.Info("Init consumer", zap.String("queue", cfg.HistoryRefresh.Queue))
	refreshConsumer, err := mq.NewConsumer(
		cfg.MQ.URL,
		cfg.HistoryRefresh.Queue,
		mqcontracts.RoutingTaskCompleted,
		log,
	)
	if err != nil {
		log.Fatal("History refresh consumer init failed", zap.Error(err))
	}
	refreshConsumer.SetHandler(mqhandler.NewHistoryRefreshHandler(history, log).Handle)

	go func() {
		if err := refreshConsumer.StartConsuming(); err != nil {
			log.Error("History refresh consumer stopped", zap.Error(err))
			stop()
		}
	}()
	defer refreshConsumer.Close()

	// -------------------------
	// HTTP
	// -------------------------
	router := httpserver.NewRouter(
		handler.NewForecastHandler(orchestrator, log),
		handler.NewAdminHandler(outboxRepo, log),
		func(ctx context.Context) error { return pool.Ping(ctx) },
		log,
	)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down forecast service...")

	consumer.Stop()
	refreshConsumer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}

	log.Info("Forecast service stopped")
}
