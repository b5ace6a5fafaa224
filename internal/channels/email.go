package channels

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/alexnthnz/notification-engine/internal/config"
	"github.com/alexnthnz/notification-engine/internal/notification"
)

// EmailChannel handles email notifications using SendGrid
type EmailChannel struct {
	client *sendgrid.Client
	config config.SendGridConfig
	logger *zap.Logger
}

// NewEmailChannel creates a new email channel
func NewEmailChannel(cfg config.SendGridConfig, logger *zap.Logger) *EmailChannel {
	return &EmailChannel{
		client: sendgrid.NewSendClient(cfg.APIKey),
		config: cfg,
		logger: logger,
	}
}

// Send sends an email notification
func (e *EmailChannel) Send(ctx context.Context, msg notification.Message) notification.Outcome {
	from := mail.NewEmail(e.config.FromName, e.config.FromEmail)
	to := mail.NewEmail("", msg.Contact)
	message := mail.NewSingleEmail(from, msg.Title, to, msg.Body, msg.Body)

	// Custom headers for tracking
	message.SetHeader("X-Notification-ID", msg.NotificationID)
	message.SetHeader("X-User-ID", msg.UserID)

	response, err := e.client.SendWithContext(ctx, message)
	if err != nil {
		return failed(fmt.Errorf("sendgrid: %w", err))
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		var messageID string
		if ids, ok := response.Headers["X-Message-Id"]; ok && len(ids) > 0 {
			messageID = ids[0]
		}
		e.logger.Debug("Email sent",
			zap.String("notification_id", msg.NotificationID),
			zap.String("message_id", messageID),
		)
		return sent(messageID)
	}

	return failed(fmt.Errorf("sendgrid returned status %d: %s", response.StatusCode, response.Body))
}

// ChannelType returns the channel type
func (e *EmailChannel) ChannelType() notification.Channel {
	return notification.ChannelEmail
}

// ResendChannel handles email notifications using Resend
type ResendChannel struct {
	client *resend.Client
	from   string
	logger *zap.Logger
}

// NewResendChannel creates a new Resend email channel
func NewResendChannel(cfg config.ResendConfig, logger *zap.Logger) *ResendChannel {
	return &ResendChannel{
		client: resend.NewClient(cfg.APIKey),
		from:   cfg.From,
		logger: logger,
	}
}

// Send sends an email notification
func (r *ResendChannel) Send(ctx context.Context, msg notification.Message) notification.Outcome {
	params := &resend.SendEmailRequest{
		From:    r.from,
		To:      []string{msg.Contact},
		Subject: msg.Title,
		Text:    msg.Body,
		Headers: map[string]string{
			"X-Notification-ID": msg.NotificationID,
			"X-User-ID":         msg.UserID,
		},
	}

	resp, err := r.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return failed(fmt.Errorf("failed to send email via Resend: %w", err))
	}

	r.logger.Debug("Email sent",
		zap.String("notification_id", msg.NotificationID),
		zap.String("message_id", resp.Id),
	)
	return sent(resp.Id)
}

// ChannelType returns the channel type
func (r *ResendChannel) ChannelType() notification.Channel {
	return notification.ChannelEmail
}

// NewEmailSink picks the email provider named in the configuration
func NewEmailSink(cfg config.ChannelsConfig, logger *zap.Logger) (Channel, error) {
	switch cfg.EmailProvider {
	case "", "sendgrid":
		return NewEmailChannel(cfg.SendGrid, logger), nil
	case "resend":
		return NewResendChannel(cfg.Resend, logger), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.EmailProvider)
	}
}
