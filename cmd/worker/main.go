// Command orchestrator-worker runs Pipeline Worker loops (one goroutine per
// configured topic) and the webhook dispatcher. Run one or many instances of
// this binary per operation topic for horizontal scaling (spec.md §4.5).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mediaforge/orchestrator/internal/config"
	"github.com/mediaforge/orchestrator/internal/db"
	"github.com/mediaforge/orchestrator/internal/handlers"
	"github.com/mediaforge/orchestrator/internal/logging"
	"github.com/mediaforge/orchestrator/internal/mediaservice"
	"github.com/mediaforge/orchestrator/internal/orchestrator"
	"github.com/mediaforge/orchestrator/internal/provider"
	"github.com/mediaforge/orchestrator/internal/queue"
	"github.com/mediaforge/orchestrator/internal/repositories"
	"github.com/mediaforge/orchestrator/internal/storage"
	"github.com/mediaforge/orchestrator/internal/webhook"
	"github.com/mediaforge/orchestrator/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
)

// allOperationTopics is the default worker topic set when --topics is
// unset: every OperationKind spec.md §6 defines.
var allOperationTopics = []string{
	"generate", "generateImage", "generateAudio", "transcribe", "merge",
	"layer", "addSubtitles", "reframe", "lipSync", "removeBackground",
	"removeImageBackground",
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config.Config{}
	var topicsFlag string

	root := &cobra.Command{
		Use:   "orchestrator-worker",
		Short: "Pipeline Worker and webhook dispatcher for the media workflow orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if topicsFlag != "" {
				cfg.WorkerTopics = strings.Split(topicsFlag, ",")
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orchestrator-worker %s (commit: %s)\n", version, commit)
		},
	})

	root.PersistentFlags().StringVar(&cfg.DBDriver, "db-driver", config.EnvOrDefault("MEDIAFORGE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.DBDSN, "db-dsn", config.EnvOrDefault("MEDIAFORGE_DB_DSN", "./orchestrator.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.SecretKey, "secret-key", config.EnvOrDefault("MEDIAFORGE_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", config.EnvOrDefault("MEDIAFORGE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.RedisAddr, "redis-addr", config.EnvOrDefault("MEDIAFORGE_REDIS_ADDR", ""), "Redis address for queue wake-up pub/sub (empty disables)")
	root.PersistentFlags().StringVar(&cfg.S3Bucket, "s3-bucket", config.EnvOrDefault("MEDIAFORGE_S3_BUCKET", ""), "S3 bucket for job output storage")
	root.PersistentFlags().StringVar(&cfg.S3Region, "s3-region", config.EnvOrDefault("MEDIAFORGE_S3_REGION", "us-east-1"), "S3 region")
	root.PersistentFlags().StringVar(&cfg.S3Endpoint, "s3-endpoint", config.EnvOrDefault("MEDIAFORGE_S3_ENDPOINT", ""), "S3-compatible endpoint override (empty = AWS)")
	root.PersistentFlags().StringVar(&cfg.MediaServiceURL, "media-service-url", config.EnvOrDefault("MEDIAFORGE_MEDIA_SERVICE_URL", "http://localhost:9100"), "Base URL of the media composition microservice")
	root.PersistentFlags().IntVar(&cfg.WorkerPollWait, "poll-wait-seconds", config.EnvOrDefaultInt("MEDIAFORGE_WORKER_POLL_WAIT", 10), "Seconds a worker waits on an empty topic before retrying")
	root.PersistentFlags().StringVar(&topicsFlag, "topics", config.EnvOrDefault("MEDIAFORGE_WORKER_TOPICS", ""), "Comma-separated operation topics to serve (default: all)")

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

	topics := cfg.WorkerTopics
	if len(topics) == 0 {
		topics = allOperationTopics
	}

	logger.Info("starting orchestrator worker", zap.String("version", version), zap.Strings("topics", topics))

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
	usageLogRepo := repositories.NewUsageLogRepository(gormDB)
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

	media := mediaservice.New(cfg.MediaServiceURL)
	providers := provider.NewRegistry()

	registry := handlers.NewRegistry()
	handlers.RegisterAll(registry, providers, media, store)

	workerID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate worker id: %w", err)
	}

	pollWait := time.Duration(cfg.WorkerPollWait) * time.Second
	for _, topic := range topics {
		w := worker.New(workerID.String(), topic, q, jobNodeRepo, usageLogRepo, eventLogRepo, registry, orch, pollWait, logger)
		go w.Run(ctx)
	}

	dispatcher := webhook.New("webhook-dispatcher-"+workerID.String(), q, executionRepo, jobNodeRepo, logger)
	go dispatcher.RunExecutionDeliveries(ctx)
	go dispatcher.RunJobDeliveries(ctx)

	<-ctx.Done()
	logger.Info("shutting down orchestrator worker")
	time.Sleep(200 * time.Millisecond) // let in-flight loop iterations observe ctx.Done
	logger.Info("orchestrator worker stopped")
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
