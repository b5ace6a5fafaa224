package channels

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/alexnthnz/notification-engine/internal/config"
	"github.com/alexnthnz/notification-engine/internal/notification"
)

func TestWebhookChannelSend(t *testing.T) {
	secret := "s3cret"
	var (
		gotPayload  WebhookPayload
		signatureOK bool
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		signatureOK = Verify([]byte(secret), r.Header.Get(TimestampHeader), body, r.Header.Get(SignatureHeader))
		json.Unmarshal(body, &gotPayload)
		w.Header().Set("X-Request-ID", "req-42")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	ch := NewWebhookChannel(config.WebhookConfig{Secret: secret, Timeout: time.Second}, zaptest.NewLogger(t))
	ch.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }

	outcome := ch.Send(context.Background(), notification.Message{
		NotificationID: "n1",
		UserID:         "u1",
		Contact:        server.URL,
		Title:          "Bus delayed",
		Body:           "Route 4 is 20 minutes late",
		Type:           notification.TypeTransport,
		Priority:       notification.PriorityHigh,
		Data:           map[string]string{"route": "4"},
	})

	if outcome.Status != notification.DeliverySent || outcome.ProviderRef != "req-42" || outcome.Err != nil {
		t.Fatalf("Send() = %+v, want SENT with request id", outcome)
	}
	if !signatureOK {
		t.Error("signature did not verify")
	}
	if gotPayload.NotificationID != "n1" || gotPayload.Type != "TRANSPORT" || gotPayload.Data["route"] != "4" {
		t.Errorf("payload = %+v", gotPayload)
	}
}

func TestWebhookChannelFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	ch := NewWebhookChannel(config.WebhookConfig{}, zaptest.NewLogger(t))

	tests := []struct {
		name    string
		contact string
		wantErr string
	}{
		{"non-2xx response", server.URL, "status 500"},
		{"unreachable endpoint", "http://127.0.0.1:1", "webhook"},
		{"invalid url", "://bad", "invalid webhook url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := ch.Send(context.Background(), notification.Message{NotificationID: "n1", Contact: tt.contact})
			if outcome.Status != notification.DeliveryFailed {
				t.Fatalf("Status = %s, want FAILED", outcome.Status)
			}
			if outcome.Err == nil || !strings.Contains(outcome.Err.Error(), tt.wantErr) {
				t.Errorf("Err = %v, want it to contain %q", outcome.Err, tt.wantErr)
			}
		})
	}
}

func TestSignVerify(t *testing.T) {
	secret := []byte("key")
	body := []byte(`{"a":1}`)
	sig := Sign(secret, "1700000000", body)

	tests := []struct {
		name      string
		secret    []byte
		timestamp string
		body      []byte
		signature string
		want      bool
	}{
		{"valid", secret, "1700000000", body, sig, true},
		{"wrong secret", []byte("other"), "1700000000", body, sig, false},
		{"replayed timestamp", secret, "1700000001", body, sig, false},
		{"tampered body", secret, "1700000000", []byte(`{"a":2}`), sig, false},
		{"not hex", secret, "1700000000", body, "zz", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.secret, tt.timestamp, tt.body, tt.signature); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}
