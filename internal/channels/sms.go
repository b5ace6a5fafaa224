package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/notification-engine/internal/config"
	"github.com/alexnthnz/notification-engine/internal/notification"
)

// SMSChannel handles SMS notifications using Twilio
type SMSChannel struct {
	config config.TwilioConfig
	client *http.Client
	logger *zap.Logger
}

// NewSMSChannel creates a new SMS channel
func NewSMSChannel(cfg config.TwilioConfig, logger *zap.Logger) *SMSChannel {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	return &SMSChannel{
		config: cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

// TwilioResponse represents the response from Twilio API
type TwilioResponse struct {
	SID          string  `json:"sid"`
	Status       string  `json:"status"`
	ErrorCode    *int    `json:"code,omitempty"`
	ErrorMessage *string `json:"message,omitempty"`
}

// Send sends an SMS notification
func (s *SMSChannel) Send(ctx context.Context, msg notification.Message) notification.Outcome {
	data := url.Values{}
	data.Set("To", msg.Contact)
	data.Set("From", s.config.FromNumber)
	data.Set("Body", smsBody(msg))

	twilioURL := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(s.config.BaseURL, "/"), s.config.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, twilioURL, strings.NewReader(data.Encode()))
	if err != nil {
		return failed(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(s.config.AccountSID, s.config.AuthToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return failed(fmt.Errorf("twilio: %w", err))
	}
	defer resp.Body.Close()

	var twilioResp TwilioResponse
	if err := json.NewDecoder(resp.Body).Decode(&twilioResp); err != nil {
		return failed(fmt.Errorf("failed to parse Twilio response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		s.logger.Debug("SMS sent",
			zap.String("notification_id", msg.NotificationID),
			zap.String("sid", twilioResp.SID),
		)
		return sent(twilioResp.SID)
	}

	errorMsg := fmt.Sprintf("status %d", resp.StatusCode)
	if twilioResp.ErrorMessage != nil {
		errorMsg = *twilioResp.ErrorMessage
	}
	return failed(fmt.Errorf("twilio error: %s", errorMsg))
}

// ChannelType returns the channel type
func (s *SMSChannel) ChannelType() notification.Channel {
	return notification.ChannelSMS
}

// smsBody prefixes the title when there is one; SMS has no subject line
func smsBody(msg notification.Message) string {
	if msg.Title == "" {
		return msg.Body
	}
	return msg.Title + ": " + msg.Body
}
