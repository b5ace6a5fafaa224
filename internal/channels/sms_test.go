package channels

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/alexnthnz/notification-engine/internal/config"
	"github.com/alexnthnz/notification-engine/internal/notification"
)

func TestSMSChannelSend(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		response   string
		wantStatus notification.DeliveryStatus
		wantRef    string
		wantErr    string
	}{
		{
			name:       "accepted",
			status:     http.StatusCreated,
			response:   `{"sid":"SM123","status":"queued"}`,
			wantStatus: notification.DeliverySent,
			wantRef:    "SM123",
		},
		{
			name:       "provider error",
			status:     http.StatusBadRequest,
			response:   `{"code":21211,"message":"Invalid 'To' Phone Number"}`,
			wantStatus: notification.DeliveryFailed,
			wantErr:    "Invalid 'To' Phone Number",
		},
		{
			name:       "unparseable response",
			status:     http.StatusBadGateway,
			response:   `<html>`,
			wantStatus: notification.DeliveryFailed,
			wantErr:    "failed to parse Twilio response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var form map[string]string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/2010-04-01/Accounts/AC1/Messages.json" {
					t.Errorf("path = %s", r.URL.Path)
				}
				if user, pass, ok := r.BasicAuth(); !ok || user != "AC1" || pass != "token" {
					t.Errorf("basic auth = %q %q %v", user, pass, ok)
				}
				r.ParseForm()
				form = map[string]string{"To": r.Form.Get("To"), "From": r.Form.Get("From"), "Body": r.Form.Get("Body")}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.response))
			}))
			defer server.Close()

			ch := NewSMSChannel(config.TwilioConfig{
				AccountSID: "AC1",
				AuthToken:  "token",
				FromNumber: "+15550000",
				BaseURL:    server.URL + "/",
			}, zaptest.NewLogger(t))

			outcome := ch.Send(context.Background(), notification.Message{
				NotificationID: "n1",
				Contact:        "+15551234",
				Title:          "Closure",
				Body:           "School closed today",
			})

			if outcome.Status != tt.wantStatus || outcome.ProviderRef != tt.wantRef {
				t.Errorf("Send() = %+v", outcome)
			}
			if tt.wantErr != "" && (outcome.Err == nil || !strings.Contains(outcome.Err.Error(), tt.wantErr)) {
				t.Errorf("Err = %v, want it to contain %q", outcome.Err, tt.wantErr)
			}
			if form["To"] != "+15551234" || form["From"] != "+15550000" || form["Body"] != "Closure: School closed today" {
				t.Errorf("form = %v", form)
			}
		})
	}
}

func TestSMSBody(t *testing.T) {
	if got := smsBody(notification.Message{Body: "only body"}); got != "only body" {
		t.Errorf("smsBody() = %q", got)
	}
	if got := smsBody(notification.Message{Title: "T", Body: "B"}); got != "T: B" {
		t.Errorf("smsBody() = %q", got)
	}
}
