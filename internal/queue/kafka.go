package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/alexnthnz/notification-engine/internal/config"
	"github.com/alexnthnz/notification-engine/internal/notification"
)

// SubmitMessage is a submit request published by an originating module
type SubmitMessage struct {
	RequestID string `json:"request_id"`
	notification.SubmitRequest
}

// DeliveryEvent is published for every delivery log write
type DeliveryEvent struct {
	NotificationID string                      `json:"notification_id"`
	TenantID       string                      `json:"tenant_id"`
	UserID         string                      `json:"user_id"`
	Channel        notification.Channel        `json:"channel"`
	Status         notification.DeliveryStatus `json:"status"`
	ProviderRef    string                      `json:"provider_ref,omitempty"`
	ErrorMessage   string                      `json:"error_message,omitempty"`
	Type           notification.Type           `json:"type"`
	Priority       notification.Priority       `json:"priority"`
	OccurredAt     time.Time                   `json:"occurred_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Producer handles publishing delivery events to Kafka
type Producer struct {
	writer messageWriter
	logger *zap.Logger
}

var _ notification.EventPublisher = (*Producer)(nil)

// Consumer handles consuming submit requests from Kafka
type Consumer struct {
	reader messageReader
	logger *zap.Logger
}

// NewProducer creates a new Kafka producer on the delivery topic
func NewProducer(cfg config.KafkaConfig, logger *zap.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.DeliveryTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
		Async:        false, // Synchronous for reliability
	}

	return &Producer{writer: writer, logger: logger}
}

// NewConsumer creates a new Kafka consumer on the submit topic
func NewConsumer(cfg config.KafkaConfig, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.SubmitTopic,
		GroupID:     cfg.GroupID,
		MinBytes:    10e3, // 10KB
		MaxBytes:    10e6, // 10MB
		MaxWait:     1 * time.Second,
		StartOffset: kafka.LastOffset,
	})

	return &Consumer{reader: reader, logger: logger}
}

// PublishDelivery publishes one delivery log entry, keyed by notification id
func (p *Producer) PublishDelivery(ctx context.Context, n *notification.Notification, entry *notification.DeliveryLog) error {
	event := DeliveryEvent{
		NotificationID: entry.NotificationID,
		TenantID:       n.TenantID,
		UserID:         entry.UserID,
		Channel:        entry.Channel,
		Status:         entry.Status,
		ProviderRef:    entry.ProviderRef,
		ErrorMessage:   entry.ErrorMessage,
		Type:           n.Type,
		Priority:       n.Priority,
		OccurredAt:     entry.UpdatedAt,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery event: %w", err)
	}

	kafkaMsg := kafka.Message{
		Key:   []byte(event.NotificationID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "channel", Value: []byte(event.Channel)},
			{Key: "status", Value: []byte(event.Status)},
		},
		Time: time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, kafkaMsg); err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}
	return nil
}

// ConsumeSubmissions reads submit requests until ctx ends. Malformed messages and handler
// failures are logged and skipped.
func (c *Consumer) ConsumeSubmissions(ctx context.Context, handler func(context.Context, SubmitMessage) error) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				// reader closed
				return nil
			}
			c.logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		var submit SubmitMessage
		if err := json.Unmarshal(msg.Value, &submit); err != nil {
			c.logger.Error("Error unmarshaling submit message",
				zap.Error(err), zap.Int64("offset", msg.Offset))
			continue
		}

		if err := handler(ctx, submit); err != nil {
			c.logger.Error("Error processing submit message",
				zap.Error(err), zap.String("request_id", submit.RequestID))
			continue
		}

		c.logger.Debug("Processed submit message", zap.String("request_id", submit.RequestID))
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}
