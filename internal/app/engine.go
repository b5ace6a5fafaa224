package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/alexnthnz/notification-engine/internal/channels"
	"github.com/alexnthnz/notification-engine/internal/config"
	"github.com/alexnthnz/notification-engine/internal/database"
	"github.com/alexnthnz/notification-engine/internal/monitoring"
	"github.com/alexnthnz/notification-engine/internal/notification"
	"github.com/alexnthnz/notification-engine/internal/queue"
)

// Engine bundles the wired notification components shared by the service binaries
type Engine struct {
	Service    *notification.Service
	Analytics  *notification.Analytics
	Scheduler  *notification.Scheduler
	Dispatcher *notification.Dispatcher
	Metrics    *monitoring.Metrics

	postgres *database.PostgresDB
	redis    *database.RedisClient
	producer *queue.Producer
	logger   *zap.Logger
}

// NewEngine connects to PostgreSQL, Redis and Kafka and builds the engine
func NewEngine(ctx context.Context, cfg *config.Config, metrics *monitoring.Metrics, logger *zap.Logger) (*Engine, error) {
	postgres, err := database.NewPostgresDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := postgres.InitSchema(ctx); err != nil {
		postgres.Close()
		return nil, err
	}
	logger.Info("Database connected and schema initialized")

	redis, err := database.NewRedisClient(cfg.Redis)
	if err != nil {
		postgres.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("Redis connected")

	sinks, err := channels.NewManagerFromConfig(ctx, cfg.Channels, logger)
	if err != nil {
		redis.Close()
		postgres.Close()
		return nil, err
	}

	e := &Engine{Metrics: metrics, postgres: postgres, redis: redis, logger: logger}

	var events notification.EventPublisher
	if cfg.Kafka.PublishDeliveries {
		e.producer = queue.NewProducer(cfg.Kafka, logger)
		events = e.producer
		logger.Info("Kafka delivery producer initialized", zap.String("topic", cfg.Kafka.DeliveryTopic))
	}

	repo := notification.NewPostgresRepository(postgres)
	directory := notification.NewPostgresDirectory(postgres)
	prefs := notification.NewCachedPreferences(
		notification.NewPostgresPreferences(postgres), redis, cfg.Engine.PreferenceCacheTTL, logger)
	templates := notification.NewCachedTemplates(
		notification.NewPostgresTemplates(postgres), redis, cfg.Engine.TemplateCacheTTL)

	e.Dispatcher = notification.NewDispatcher(repo, prefs, sinks, notification.NewRenderer(templates, logger), metrics, logger,
		notification.DispatcherOptions{
			Workers: cfg.Engine.DispatchWorkers,
			Policy: notification.DispatchPolicy{
				InAppAlways:            cfg.Engine.InAppAlways,
				CriticalBypassesOptOut: cfg.Engine.CriticalBypassesOptOut,
			},
			Events: events,
		})
	e.Service = notification.NewService(repo, directory, e.Dispatcher, templates, metrics, logger)
	e.Analytics = notification.NewAnalytics(repo)
	e.Scheduler = notification.NewScheduler(repo, directory, e.Dispatcher, metrics, logger, cfg.Engine.ClaimBatchSize)

	logger.Info("Notification engine initialized")
	return e, nil
}

// Drain waits for in-flight dispatch batches so none is left SENDING when connections close
func (e *Engine) Drain(ctx context.Context) {
	if err := e.Dispatcher.Drain(ctx); err != nil {
		e.logger.Warn("Dispatch batches still running at shutdown", zap.Error(err))
		return
	}
	e.logger.Info("In-flight dispatches finished")
}

// Close releases connections in reverse order of creation
func (e *Engine) Close() {
	if e.producer != nil {
		if err := e.producer.Close(); err != nil {
			e.logger.Warn("Failed to close Kafka producer", zap.Error(err))
		}
	}
	if err := e.redis.Close(); err != nil {
		e.logger.Warn("Failed to close Redis", zap.Error(err))
	}
	if err := e.postgres.Close(); err != nil {
		e.logger.Warn("Failed to close PostgreSQL", zap.Error(err))
	}
}
