package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/notification-engine/internal/config"
	"github.com/alexnthnz/notification-engine/internal/notification"
)

const (
	// SignatureHeader carries hex(HMAC-SHA256(secret, timestamp + "." + body))
	SignatureHeader = "X-Notification-Signature"
	TimestampHeader = "X-Notification-Timestamp"
)

// WebhookPayload is the JSON body posted to recipient webhooks
type WebhookPayload struct {
	NotificationID string            `json:"notification_id"`
	UserID         string            `json:"user_id"`
	Type           string            `json:"type"`
	Priority       string            `json:"priority"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Data           map[string]string `json:"data,omitempty"`
	SentAt         time.Time         `json:"sent_at"`
}

// WebhookChannel posts notifications to a per-recipient HTTP endpoint
type WebhookChannel struct {
	secret []byte
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewWebhookChannel creates a new webhook channel
func NewWebhookChannel(cfg config.WebhookConfig, logger *zap.Logger) *WebhookChannel {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		secret: []byte(cfg.Secret),
		client: &http.Client{Timeout: timeout},
		logger: logger,
		now:    time.Now,
	}
}

// Send posts the notification; any 2xx response counts as sent
func (w *WebhookChannel) Send(ctx context.Context, msg notification.Message) notification.Outcome {
	now := w.now().UTC()
	body, err := json.Marshal(WebhookPayload{
		NotificationID: msg.NotificationID,
		UserID:         msg.UserID,
		Type:           string(msg.Type),
		Priority:       string(msg.Priority),
		Title:          msg.Title,
		Body:           msg.Body,
		Data:           msg.Data,
		SentAt:         now,
	})
	if err != nil {
		return failed(fmt.Errorf("failed to marshal webhook payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Contact, bytes.NewReader(body))
	if err != nil {
		return failed(fmt.Errorf("invalid webhook url: %w", err))
	}
	timestamp := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notification-ID", msg.NotificationID)
	req.Header.Set(TimestampHeader, timestamp)
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(w.secret, timestamp, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return failed(fmt.Errorf("webhook: %w", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failed(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}

	w.logger.Debug("Webhook delivered",
		zap.String("notification_id", msg.NotificationID),
		zap.Int("status_code", resp.StatusCode),
	)
	return sent(resp.Header.Get("X-Request-ID"))
}

// ChannelType returns the channel type
func (w *WebhookChannel) ChannelType() notification.Channel {
	return notification.ChannelWebhook
}

// Sign computes the webhook signature for a timestamp and body
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a webhook signature in constant time
func Verify(secret []byte, timestamp string, body []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
