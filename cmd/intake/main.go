package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/notification-engine/internal/app"
	"github.com/alexnthnz/notification-engine/internal/config"
	"github.com/alexnthnz/notification-engine/internal/monitoring"
	"github.com/alexnthnz/notification-engine/internal/notification"
	"github.com/alexnthnz/notification-engine/internal/queue"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting Notification Intake Service")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	// Initialize metrics
	metrics := monitoring.NewMetrics()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := app.NewEngine(ctx, cfg, metrics, logger)
	if err != nil {
		logger.Fatal("Failed to initialize notification engine", zap.Error(err))
	}
	defer engine.Close()

	// Initialize Kafka consumer
	consumer := queue.NewConsumer(cfg.Kafka, logger)
	defer consumer.Close()
	logger.Info("Kafka consumer initialized", zap.String("topic", cfg.Kafka.SubmitTopic))

	// Start consuming submit requests
	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("Starting to consume submit requests")
		err := consumer.ConsumeSubmissions(ctx, func(ctx context.Context, msg queue.SubmitMessage) error {
			return processSubmission(ctx, engine.Service, metrics, logger, msg)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Consumer error", zap.Error(err))
		}
	}()

	// Start metrics server if enabled
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		metricsServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
		defer metricsServer.Close()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down intake service...")
	cancel()
	<-done

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	engine.Drain(drainCtx)

	logger.Info("Intake service exited")
}

// processSubmission submits one request; invalid requests are dropped since redelivery cannot fix them
func processSubmission(
	ctx context.Context,
	service *notification.Service,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
	msg queue.SubmitMessage,
) error {
	start := time.Now()
	defer func() {
		metrics.RecordProcessingDuration("kafka", "submit", time.Since(start).Seconds())
	}()

	receipt, err := service.Submit(ctx, msg.SubmitRequest)
	if err != nil {
		if notification.IsValidation(err) {
			logger.Warn("Dropping invalid submit request",
				zap.String("request_id", msg.RequestID), zap.Error(err))
			return nil
		}
		return fmt.Errorf("failed to submit request %s: %w", msg.RequestID, err)
	}

	logger.Info("Submit request accepted",
		zap.String("request_id", msg.RequestID),
		zap.String("notification_id", receipt.NotificationID),
		zap.Int("total_targets", receipt.TotalTargets),
	)
	return nil
}
