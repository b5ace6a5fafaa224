package channels

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/alexnthnz/notification-engine/internal/config"
	"github.com/alexnthnz/notification-engine/internal/notification"
)

// Channel represents a notification channel sink
type Channel interface {
	Send(ctx context.Context, msg notification.Message) notification.Outcome
	ChannelType() notification.Channel
}

// ChannelManager manages all notification channels
type ChannelManager struct {
	mu       sync.RWMutex
	channels map[notification.Channel]Channel
}

var _ notification.SinkRegistry = (*ChannelManager)(nil)

// NewChannelManager creates a new channel manager
func NewChannelManager() *ChannelManager {
	return &ChannelManager{
		channels: make(map[notification.Channel]Channel),
	}
}

// RegisterChannel registers a channel with the manager, replacing any sink of the same type
func (cm *ChannelManager) RegisterChannel(channel Channel) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.channels[channel.ChannelType()] = channel
}

// GetChannel retrieves a channel by type
func (cm *ChannelManager) GetChannel(channelType notification.Channel) (Channel, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	channel, exists := cm.channels[channelType]
	return channel, exists
}

// Sink implements notification.SinkRegistry
func (cm *ChannelManager) Sink(channelType notification.Channel) (notification.Sink, bool) {
	channel, exists := cm.GetChannel(channelType)
	if !exists {
		return nil, false
	}
	return channel, true
}

// Channels returns the registered channel types
func (cm *ChannelManager) Channels() []notification.Channel {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	types := make([]notification.Channel, 0, len(cm.channels))
	for t := range cm.channels {
		types = append(types, t)
	}
	return types
}

func sent(ref string) notification.Outcome {
	return notification.Outcome{Status: notification.DeliverySent, ProviderRef: ref}
}

func failed(err error) notification.Outcome {
	return notification.Outcome{Status: notification.DeliveryFailed, Err: err}
}

// NewManagerFromConfig registers every sink the configuration provides credentials for.
// Channels left unconfigured have no sink and their deliveries are recorded as failed.
func NewManagerFromConfig(ctx context.Context, cfg config.ChannelsConfig, logger *zap.Logger) (*ChannelManager, error) {
	cm := NewChannelManager()

	if cfg.SendGrid.APIKey != "" || cfg.Resend.APIKey != "" {
		email, err := NewEmailSink(cfg, logger)
		if err != nil {
			return nil, err
		}
		cm.RegisterChannel(email)
	}

	if cfg.Twilio.AccountSID != "" {
		cm.RegisterChannel(NewSMSChannel(cfg.Twilio, logger))
	}

	if cfg.Firebase.CredentialsPath != "" {
		push, err := NewPushChannel(ctx, cfg.Firebase, logger)
		if err != nil {
			logger.Warn("Push channel disabled", zap.Error(err))
		} else {
			cm.RegisterChannel(push)
		}
	}

	cm.RegisterChannel(NewWebhookChannel(cfg.Webhook, logger))

	logger.Info("Channel sinks registered", zap.Int("count", len(cm.Channels())))
	return cm, nil
}
