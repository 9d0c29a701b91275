package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/syncbridge/backend/internal/application/alerting"
	"github.com/syncbridge/backend/internal/application/orchestrator"
	"github.com/syncbridge/backend/internal/domain/conflict"
	syncdomain "github.com/syncbridge/backend/internal/domain/sync"
	"github.com/syncbridge/backend/internal/infrastructure/archive"
	"github.com/syncbridge/backend/internal/infrastructure/auth"
	"github.com/syncbridge/backend/internal/infrastructure/broker"
	"github.com/syncbridge/backend/internal/infrastructure/config"
	"github.com/syncbridge/backend/internal/infrastructure/connector"
	"github.com/syncbridge/backend/internal/infrastructure/lock"
	"github.com/syncbridge/backend/internal/infrastructure/logger"
	"github.com/syncbridge/backend/internal/infrastructure/persistence"
	"github.com/syncbridge/backend/internal/infrastructure/resilience"
	"github.com/syncbridge/backend/internal/infrastructure/telemetry"
	"github.com/syncbridge/backend/internal/interfaces/http/handler"
	"github.com/syncbridge/backend/internal/interfaces/http/middleware"
	"github.com/syncbridge/backend/internal/interfaces/http/router"
	"github.com/syncbridge/backend/internal/interfaces/realtime"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.FromSettings(cfg.App.Env, cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	log.Info("Starting SyncBridge",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	// Postgres backs the audit trail and the alert store.
	gormLogger := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level))
	db, err := persistence.NewDatabaseWithLogger(&cfg.Database, gormLogger)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if err := db.Migrate(); err != nil {
		log.Fatal("Failed to migrate database", zap.Error(err))
	}
	historyRepo := persistence.NewGormHistoryRepository(db.DB)
	alertRepo := persistence.NewGormAlertRepository(db.DB)

	// Redis backs the queues, status tracking, the event stream, advisory
	// locks and rate-limit counters.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	cancelPing()
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Error("Error closing Redis client", zap.Error(err))
		}
	}()

	queueStore := broker.NewRedisQueueStore(redisClient, broker.WithQueueStoreLogger(log.Named("queue")))
	statusStore := broker.NewRedisStatusStore(redisClient, cfg.Broker.StatusTTL)
	eventStream := broker.NewRedisEventStream(redisClient, broker.WithStreamLogger(log.Named("stream")))
	locker := lock.NewRedisLocker(redisClient)

	// Dead letters go to the S3-compatible archive when configured.
	var archiver archive.Archiver = archive.NewStubArchiver()
	if cfg.Archive.Enabled {
		s3Archiver, err := archive.NewS3Archiver(&cfg.Archive, archive.WithArchiveLogger(log.Named("archive")))
		if err != nil {
			log.Fatal("Failed to initialize dead-letter archive", zap.Error(err))
		}
		archiver = s3Archiver
	}

	evaluatorOpts := []alerting.EvaluatorOption{
		alerting.WithEvaluatorLogger(log.Named("alerting")),
	}
	if !cfg.Alerting.Enabled {
		evaluatorOpts = append(evaluatorOpts, alerting.WithEvaluatorDisabled())
	}
	evaluator := alerting.NewEvaluator(
		alerting.DefaultRules(cfg.Alerting.DeadLetterThreshold, int(cfg.Alerting.QueueDepthThreshold), cfg.Alerting.Cooldown),
		alertRepo,
		eventStream,
		evaluatorOpts...,
	)

	msgBroker := broker.NewBroker(queueStore, statusStore, eventStream,
		broker.WithBrokerLogger(log.Named("broker")),
		broker.WithPollInterval(cfg.Broker.PollInterval),
		broker.WithRetryPolicy(resilience.RetryPolicy{
			BaseDelay:      cfg.Resilience.RetryBaseDelay,
			MaxDelay:       cfg.Resilience.RetryMaxDelay,
			RateLimitFloor: cfg.Resilience.RateLimitFloor,
			Jitter:         cfg.Resilience.RetryJitter,
		}),
		broker.WithDeadLetterHook(func(ctx context.Context, entry *broker.DeadLetterEntry) {
			if err := archiver.Archive(ctx, entry); err != nil {
				log.Error("Failed to archive dead letter",
					zap.String("job_id", entry.JobID.String()),
					zap.Error(err),
				)
			}
		}),
		broker.WithDeadLetterHook(evaluator.HandleDeadLetter),
	)

	// One REST connector per configured external system.
	if len(cfg.Systems) == 0 {
		log.Fatal("No external systems configured")
	}
	adapters := make([]syncdomain.SystemAdapter, 0, len(cfg.Systems))
	for _, system := range cfg.Systems {
		adapters = append(adapters, connector.NewRESTConnector(
			system.Name, system.BaseURL, system.APIKey,
			connector.WithConnectorLogger(log.Named("connector")),
		))
		log.Info("Registered external system", zap.String("system", system.Name))
	}

	// The first configured system is the system of record for inventory.
	resolver := conflict.NewResolver(conflict.DefaultRegistry(cfg.Systems[0].Name))

	syncMetrics, err := telemetry.NewSyncMetrics(telemetry.SyncMetricsConfig{
		Meter:         otel.Meter("syncbridge"),
		Logger:        log.Named("telemetry"),
		DepthProvider: msgBroker,
	})
	if err != nil {
		log.Fatal("Failed to initialize metrics", zap.Error(err))
	}

	orch := orchestrator.New(
		orchestrator.Config{
			HealthCheckInterval: cfg.Orchestrator.HealthCheckInterval,
			IncrementalInterval: cfg.Orchestrator.IncrementalInterval,
			FullResyncHour:      cfg.Orchestrator.FullResyncHour,
			CleanupInterval:     cfg.Orchestrator.CleanupInterval,
			HistoryRetention:    cfg.Orchestrator.HistoryRetention,
			LockTTL:             cfg.Orchestrator.LockTTL,
			LowStockThreshold:   cfg.Orchestrator.LowStockThreshold,
		},
		msgBroker,
		resolver,
		adapters,
		orchestrator.WithLogger(log.Named("orchestrator")),
		orchestrator.WithHistory(historyRepo),
		orchestrator.WithConflictStore(orchestrator.NewRedisConflictStore(redisClient)),
		orchestrator.WithWatermarkStore(orchestrator.NewRedisWatermarkStore(redisClient)),
		orchestrator.WithLocker(locker),
		orchestrator.WithEventPublisher(eventStream),
		orchestrator.WithEvaluator(evaluator),
		orchestrator.WithMetrics(syncMetrics),
		orchestrator.WithBreakerConfig(resilience.CircuitBreakerConfig{
			FailureThreshold:     cfg.Resilience.BreakerFailureThreshold,
			RecoveryTimeout:      cfg.Resilience.BreakerResetTimeout,
			MonitoringWindow:     time.Minute,
			MinSamples:           cfg.Resilience.BreakerMinSamples,
			FailureRateThreshold: 0.5,
		}),
	)
	if err := orch.RegisterProcessors(); err != nil {
		log.Fatal("Failed to register queue processors", zap.Error(err))
	}

	hub := realtime.NewHub(eventStream, realtime.WithHubLogger(log.Named("realtime")))

	jwtService := auth.NewJWTService(cfg.JWT)

	var limiter resilience.Limiter
	if cfg.HTTP.RateLimitEnabled {
		limiter = resilience.NewFixedWindowLimiter(
			resilience.NewRedisCounterStore(redisClient, "syncbridge:ratelimit"),
			cfg.HTTP.RateLimitRequests,
			cfg.HTTP.RateLimitWindow,
			log.Named("ratelimit"),
		)
		log.Info("Rate limiting enabled",
			zap.Int("requests", cfg.HTTP.RateLimitRequests),
			zap.Duration("window", cfg.HTTP.RateLimitWindow),
		)
	}

	corsCfg := middleware.DefaultCORSConfig()
	corsCfg.AllowOrigins = cfg.HTTP.CORSAllowOrigins

	systemHandler := handler.NewSystemHandler(version,
		handler.HealthCheck{Name: "redis", Probe: msgBroker.Ping},
		handler.HealthCheck{Name: "postgres", Probe: func(context.Context) error { return db.Ping() }},
	)

	r := router.New(router.Config{
		Logger:      log,
		JWTService:  jwtService,
		RateLimiter: limiter,
		CORS:        &corsCfg,
	})
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := r.Engine().SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Fatal("Invalid trusted proxies", zap.Error(err))
		}
	}
	engine := r.
		RegisterPublic(systemHandler).
		Register(systemHandler).
		Register(handler.NewSyncHandler(orch)).
		Register(handler.NewQueueHandler(msgBroker)).
		Register(handler.NewAlertHandler(evaluator)).
		Register(realtime.NewSSEHandler(hub, log.Named("sse"))).
		Setup()

	// Start the pipeline: hub first so no events are missed, then workers,
	// then the scheduled loops.
	runCtx := context.Background()
	if err := hub.Start(runCtx); err != nil {
		log.Fatal("Failed to start realtime hub", zap.Error(err))
	}
	if err := msgBroker.Start(runCtx); err != nil {
		log.Fatal("Failed to start broker", zap.Error(err))
	}
	if err := orch.Start(runCtx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := orch.Stop(ctx); err != nil {
		log.Error("Error stopping orchestrator", zap.Error(err))
	}
	if err := msgBroker.Stop(ctx); err != nil {
		log.Error("Error stopping broker", zap.Error(err))
	}
	hub.Shutdown()

	log.Info("Server exited gracefully")
}
