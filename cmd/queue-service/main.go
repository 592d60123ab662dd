package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/gamegen-queue/internal/api/handler"
	"github.com/cuongbtq/gamegen-queue/internal/api/router"
	"github.com/cuongbtq/gamegen-queue/internal/artifacts"
	"github.com/cuongbtq/gamegen-queue/internal/bridge"
	"github.com/cuongbtq/gamegen-queue/internal/config"
	"github.com/cuongbtq/gamegen-queue/internal/generation"
	"github.com/cuongbtq/gamegen-queue/internal/intake"
	"github.com/cuongbtq/gamegen-queue/internal/pipeline"
	"github.com/cuongbtq/gamegen-queue/internal/platform/aiclient"
	"github.com/cuongbtq/gamegen-queue/internal/progress"
	"github.com/cuongbtq/gamegen-queue/internal/queue"
	"github.com/cuongbtq/gamegen-queue/internal/store"
	"github.com/cuongbtq/gamegen-queue/internal/worker"
	"github.com/cuongbtq/gamegen-queue/shared/logger"
	"github.com/cuongbtq/gamegen-queue/shared/postgresql"
	"github.com/cuongbtq/gamegen-queue/shared/rabbitmq"
	"github.com/cuongbtq/gamegen-queue/shared/redis"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("QUEUE_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/queue-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	lg := appLogger.With(slog.String("service", cfg.App.Name)).Logger

	lg.Info("Starting queue service",
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthChecks := map[string]handler.HealthCheck{}

	jobStore, closeStore, err := initStore(ctx, cfg, lg, healthChecks)
	if err != nil {
		return err
	}
	defer closeStore()

	artifactStore, closeArtifacts, err := initArtifacts(ctx, &cfg.Artifacts, lg)
	if err != nil {
		return err
	}
	defer closeArtifacts()

	provider, err := aiclient.New(&aiclient.Config{
		BaseURL:    cfg.Provider.BaseURL,
		APIKey:     cfg.Provider.APIKey,
		TextModel:  cfg.Provider.TextModel,
		ImageModel: cfg.Provider.ImageModel,
		ImageSize:  cfg.Provider.ImageSize,
		Timeout:    cfg.Provider.Timeout,
		MaxRetries: cfg.Provider.MaxRetries,
		Logger:     lg,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize provider: %w", err)
	}

	registry := pipeline.NewRegistry()
	if err := generation.Register(registry, generation.Deps{
		Provider:          provider,
		Artifacts:         artifactStore,
		RenderConcurrency: cfg.Provider.RenderConcurrency,
		ProviderTimeout:   cfg.Provider.Timeout,
	}); err != nil {
		return fmt.Errorf("failed to register pipelines: %w", err)
	}

	emitter := progress.NewEmitter(cfg.Queue.SubscriberBuffer, lg)
	runner := pipeline.NewRunner(&pipeline.RunnerConfig{
		Store:        jobStore,
		Events:       emitter,
		Logger:       lg,
		StageTimeout: cfg.Queue.StageTimeout,
		LogRetention: cfg.Queue.LogRetention,
	})
	scheduler := worker.NewScheduler(&worker.Config{
		Logger:      lg,
		Store:       jobStore,
		Registry:    registry,
		Runner:      runner,
		Events:      emitter,
		Concurrency: cfg.Queue.Concurrency,
		Name:        cfg.App.Name,
	})
	controller := queue.NewController(&queue.Config{
		Logger:    lg,
		Store:     jobStore,
		Registry:  registry,
		Scheduler: scheduler,
		Emitter:   emitter,
		LogTail:   cfg.Queue.LogTail,
	})

	if cfg.Queue.Recover {
		if _, err := controller.Recover(ctx); err != nil {
			return fmt.Errorf("failed to recover jobs: %w", err)
		}
	}
	scheduler.Start(context.WithoutCancel(ctx))

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := initRabbitMQ(ctx, &cfg.RabbitMQ, lg)
		if err != nil {
			return err
		}
		defer rabbitClient.Close()
		healthChecks["rabbitmq"] = func(context.Context) error {
			if !rabbitClient.IsConnected() {
				return rabbitmq.ErrNotConnected
			}
			return nil
		}

		if cfg.RabbitMQ.IntakeQueue != "" {
			consumer := intake.NewConsumer(&intake.Config{
				Logger:    lg,
				Source:    rabbitClient,
				Submitter: controller,
				Queue:     cfg.RabbitMQ.IntakeQueue,
				Name:      cfg.App.Name,
			})
			g.Go(func() error { return consumer.Run(gctx) })
		}
		if cfg.RabbitMQ.ProgressExchange != "" {
			fwd := bridge.NewForwarder(bridge.NewRabbitMQSink(rabbitClient, cfg.RabbitMQ.ProgressExchange), 0, lg)
			sub := controller.Subscribe("")
			g.Go(func() error { return fwd.Run(gctx, sub) })
		}
	}

	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(ctx, &redis.Config{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		}, lg)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		defer redisClient.Close()
		healthChecks["redis"] = redisClient.Ping

		fwd := bridge.NewForwarder(bridge.NewRedisSink(redisClient, cfg.Redis.ChannelPrefix), 0, lg)
		sub := controller.Subscribe("")
		g.Go(func() error { return fwd.Run(gctx, sub) })
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := router.SetupRouter(&handler.Dependencies{
		Logger:         lg,
		Queue:          controller,
		ServiceName:    cfg.App.Name,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		HealthChecks:   healthChecks,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g.Go(func() error {
		lg.Info("Starting HTTP server", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		lg.Info("Shutting down queue service")

		httpCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			lg.Warn("HTTP server forced to shutdown", slog.String("error", err.Error()))
		}

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout)
		defer cancelDrain()
		if err := controller.Shutdown(drainCtx); err != nil {
			lg.Warn("Queue drain timed out, running jobs were interrupted",
				slog.String("error", err.Error()),
			)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		lg.Error("Queue service stopped with error", slog.String("error", err.Error()))
		return err
	}

	stats := controller.QueueStats()
	lg.Info("Queue service shutdown complete",
		slog.Int("completed", stats.CompletedCount),
		slog.Int("failed", stats.FailedCount),
		slog.Int("cancelled", stats.CancelledCount),
		slog.Int("queued", stats.QueuedCount),
	)
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initStore opens the configured job store
func initStore(ctx context.Context, cfg *config.Config, lg *slog.Logger, checks map[string]handler.HealthCheck) (store.Store, func(), error) {
	if cfg.Database.Driver == config.StoreMemory {
		lg.Warn("Using in-memory job store; jobs are lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	dbClient, err := postgresql.NewClient(ctx, &postgresql.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, lg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	pg := store.NewPostgresStore(dbClient.DB(), lg)
	if err := pg.EnsureSchema(ctx); err != nil {
		dbClient.Close()
		return nil, nil, err
	}
	checks["database"] = dbClient.HealthCheck
	return pg, func() { dbClient.Close() }, nil
}

// initArtifacts opens the configured artifact store
func initArtifacts(ctx context.Context, cfg *config.ArtifactsConfig, lg *slog.Logger) (artifacts.Store, func(), error) {
	if cfg.Driver == config.ArtifactsGCS {
		gcs, err := artifacts.NewGCSStore(ctx, artifacts.GCSConfig{
			Bucket:          cfg.GCS.Bucket,
			Prefix:          cfg.GCS.Prefix,
			CredentialsFile: cfg.GCS.CredentialsFile,
			UploadTimeout:   cfg.GCS.UploadTimeout,
		}, lg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize GCS artifacts: %w", err)
		}
		return gcs, func() { gcs.Close() }, nil
	}

	dir, err := artifacts.NewDirStore(cfg.Dir, lg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize artifact dir: %w", err)
	}
	return dir, func() {}, nil
}

// initRabbitMQ connects and declares the intake queue and progress exchange
func initRabbitMQ(ctx context.Context, cfg *config.RabbitMQConfig, lg *slog.Logger) (*rabbitmq.Client, error) {
	client, err := rabbitmq.NewClient(ctx, &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	if cfg.ProgressExchange != "" {
		if err := client.DeclareExchange(cfg.ProgressExchange, "topic"); err != nil {
			client.Close()
			return nil, err
		}
	}
	if cfg.IntakeQueue != "" {
		if err := client.DeclareQueue(cfg.IntakeQueue, "", ""); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}
