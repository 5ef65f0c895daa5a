// Command orchestrator-server runs the HTTP boundary (execute/status/admin
// API, webhook ingress, /metrics), the queue reaper, and the async
// completion poller. The Pipeline Workers and webhook dispatcher run in the
// separate orchestrator-worker binary so each can be scaled independently
// (spec.md §4.5 "one worker process per operation topic").
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mediaforge/orchestrator/internal/api"
	"github.com/mediaforge/orchestrator/internal/config"
	"github.com/mediaforge/orchestrator/internal/db"
	"github.com/mediaforge/orchestrator/internal/gateway"
	"github.com/mediaforge/orchestrator/internal/logging"
	"github.com/mediaforge/orchestrator/internal/orchestrator"
	"github.com/mediaforge/orchestrator/internal/provider"
	"github.com/mediaforge/orchestrator/internal/queue"
	"github.com/mediaforge/orchestrator/internal/repositories"
	"github.com/mediaforge/orchestrator/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config.Config{}

	root := &cobra.Command{
		Use:   "orchestrator-server",
		Short: "Media workflow execution orchestrator — API, gateway, and queue reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orchestrator-server %s (commit: %s)\n", version, commit)
		},
	})

	root.PersistentFlags().StringVar(&cfg.HTTPAddr, "http-addr", config.EnvOrDefault("MEDIAFORGE_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.DBDriver, "db-driver", config.EnvOrDefault("MEDIAFORGE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.DBDSN, "db-dsn", config.EnvOrDefault("MEDIAFORGE_DB_DSN", "./orchestrator.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.SecretKey, "secret-key", config.EnvOrDefault("MEDIAFORGE_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", config.EnvOrDefault("MEDIAFORGE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.RedisAddr, "redis-addr", config.EnvOrDefault("MEDIAFORGE_REDIS_ADDR", ""), "Redis address for queue wake-up pub/sub (empty disables)")
	root.PersistentFlags().StringVar(&cfg.S3Bucket, "s3-bucket", config.EnvOrDefault("MEDIAFORGE_S3_BUCKET", ""), "S3 bucket for job output storage")
	root.PersistentFlags().StringVar(&cfg.S3Region, "s3-region", config.EnvOrDefault("MEDIAFORGE_S3_REGION", "us-east-1"), "S3 region")
	root.PersistentFlags().StringVar(&cfg.S3Endpoint, "s3-endpoint", config.EnvOrDefault("MEDIAFORGE_S3_ENDPOINT", ""), "S3-compatible endpoint override (empty = AWS)")

	return root
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.Build(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.SecretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or MEDIAFORGE_SECRET_KEY")
	}

	logger.Info("starting orchestrator server",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("db_driver", cfg.DBDriver),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.SecretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	gormDB, err := db.New(db.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	executionRepo := repositories.NewExecutionRepository(gormDB)
	jobNodeRepo := repositories.NewJobNodeRepository(gormDB)
	ticketRepo := repositories.NewQueueTicketRepository(gormDB)
	eventLogRepo := repositories.NewJobEventLogRepository(gormDB)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	q := queue.New(ticketRepo, queue.Config{RedisClient: redisClient}, logger)

	orch := orchestrator.New(executionRepo, jobNodeRepo, q, logger)

	store, err := storage.NewS3Storage(ctx, storage.S3Config{
		Bucket:   cfg.S3Bucket,
		Region:   cfg.S3Region,
		Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	providers := provider.NewRegistry()

	gw := gateway.New(jobNodeRepo, eventLogRepo, providers, store, orch, logger)

	reaper, err := queue.NewReaper(ticketRepo, logger)
	if err != nil {
		return fmt.Errorf("failed to create queue reaper: %w", err)
	}
	if err := reaper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start queue reaper: %w", err)
	}
	defer func() {
		if err := reaper.Stop(); err != nil {
			logger.Warn("reaper shutdown error", zap.Error(err))
		}
	}()

	poller, err := gateway.NewPoller(gw, logger)
	if err != nil {
		return fmt.Errorf("failed to create poller: %w", err)
	}
	if err := poller.Start(ctx); err != nil {
		return fmt.Errorf("failed to start poller: %w", err)
	}
	defer func() {
		if err := poller.Stop(); err != nil {
			logger.Warn("poller shutdown error", zap.Error(err))
		}
	}()

	if err := orch.Recover(ctx); err != nil {
		logger.Error("execution recovery pass failed", zap.Error(err))
	}

	router := api.NewRouter(api.RouterConfig{
		Orchestrator: orch,
		Gateway:      gw,
		Executions:   executionRepo,
		JobNodes:     jobNodeRepo,
		EventLogs:    eventLogRepo,
		Logger:       logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down orchestrator server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("orchestrator server stopped")
	return nil
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}
