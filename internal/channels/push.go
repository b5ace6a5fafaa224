package channels

import (
	"context"
	"fmt"
	"os"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/alexnthnz/notification-engine/internal/config"
	"github.com/alexnthnz/notification-engine/internal/notification"
)

// PushChannel handles push notifications using Firebase Cloud Messaging
type PushChannel struct {
	client *messaging.Client
	logger *zap.Logger
}

// NewPushChannel creates a new push notification channel
func NewPushChannel(ctx context.Context, cfg config.FirebaseConfig, logger *zap.Logger) (*PushChannel, error) {
	// Check if credentials file exists
	if _, err := os.Stat(cfg.CredentialsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("firebase credentials file not found at %s", cfg.CredentialsPath)
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.CredentialsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Firebase messaging client: %w", err)
	}

	return &PushChannel{client: client, logger: logger}, nil
}

// Send sends a push notification to the recipient's device token
func (p *PushChannel) Send(ctx context.Context, msg notification.Message) notification.Outcome {
	response, err := p.client.Send(ctx, buildPushMessage(msg))
	if err != nil {
		return failed(fmt.Errorf("fcm: %w", err))
	}

	p.logger.Debug("Push sent",
		zap.String("notification_id", msg.NotificationID),
		zap.String("response", response),
	)
	return sent(response)
}

// ChannelType returns the channel type
func (p *PushChannel) ChannelType() notification.Channel {
	return notification.ChannelPush
}

func buildPushMessage(msg notification.Message) *messaging.Message {
	data := make(map[string]string, len(msg.Data)+3)
	for k, v := range msg.Data {
		data[k] = v
	}
	data["notification_id"] = msg.NotificationID
	data["user_id"] = msg.UserID
	data["type"] = string(msg.Type)

	androidPriority, apnsPriority := "normal", "5"
	notificationPriority := messaging.PriorityDefault
	if msg.Priority == notification.PriorityHigh || msg.Priority == notification.PriorityUrgent ||
		msg.Priority == notification.PriorityCritical {
		androidPriority, apnsPriority = "high", "10"
		notificationPriority = messaging.PriorityHigh
	}

	return &messaging.Message{
		Token: msg.Contact,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: androidPriority,
			Notification: &messaging.AndroidNotification{
				Priority: notificationPriority,
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority": apnsPriority,
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: msg.Title,
						Body:  msg.Body,
					},
					Sound: "default",
				},
			},
		},
	}
}
