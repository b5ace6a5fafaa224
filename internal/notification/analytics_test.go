package notification

import (
	"context"
	"testing"
	"time"
)

func TestAnalyticsStats(t *testing.T) {
	env := newTestEnv(t, DefaultDispatchPolicy())
	env.email.setSend(func(msg Message) Outcome {
		if msg.UserID == "u2" {
			return Outcome{Err: errBoom}
		}
		return Outcome{Status: DeliverySent}
	})
	from := env.clock.Now().Add(-time.Hour)
	to := env.clock.Now().Add(time.Hour)
	ctx := context.Background()

	announcement := env.submit(SubmitRequest{Target: specificUsers("u1", "u2", "u3"), Channels: []string{"IN_APP", "EMAIL"}})
	env.wait(announcement.Dispatch)
	event := env.submit(SubmitRequest{
		Target:   specificUsers("u1"),
		Channels: []string{"SMS"},
		Type:     string(TypeEvent),
		Priority: string(PriorityHigh),
	})
	env.wait(event.Dispatch)
	if _, err := env.service.MarkRead(ctx, testTenant, announcement.NotificationID, "u1"); err != nil {
		t.Fatal(err)
	}

	stats, err := env.analytics.Stats(ctx, testTenant, from, to)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}

	wantSummary := Summary{
		Notifications:        2,
		Recipients:           4,
		DeliveredRecipients:  4,
		ReadRecipients:       1,
		Deliveries:           7,
		SuccessfulDeliveries: 6,
		FailedDeliveries:     1,
		DeliveryRate:         float64(6) / float64(7),
		ReadRate:             0.25,
	}
	if stats.Summary != wantSummary {
		t.Errorf("Summary = %+v, want %+v", stats.Summary, wantSummary)
	}

	if got := stats.ByType[TypeAnnouncement]; got != (GroupStats{Notifications: 1, Recipients: 3, Delivered: 3, Read: 1}) {
		t.Errorf("ByType[ANNOUNCEMENT] = %+v", got)
	}
	if got := stats.ByPriority[PriorityHigh]; got.Notifications != 1 || got.Recipients != 1 {
		t.Errorf("ByPriority[HIGH] = %+v", got)
	}
	if got := stats.ByChannel[ChannelInApp]; got != (ChannelStats{Total: 3, Delivered: 2, Read: 1}) {
		t.Errorf("ByChannel[IN_APP] = %+v", got)
	}
	if got := stats.ByChannel[ChannelEmail]; got != (ChannelStats{Total: 3, Sent: 2, Failed: 1}) {
		t.Errorf("ByChannel[EMAIL] = %+v", got)
	}
}

func TestAnalyticsEmptyWindow(t *testing.T) {
	env := newTestEnv(t, DefaultDispatchPolicy())
	receipt := env.submit(SubmitRequest{Target: specificUsers("u1")})
	env.wait(receipt.Dispatch)

	// a window entirely before anything happened
	to := env.clock.Now().Add(-time.Hour)
	stats, err := env.analytics.Stats(context.Background(), testTenant, to.Add(-time.Hour), to)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Summary != (Summary{}) {
		t.Errorf("Summary = %+v, want zero", stats.Summary)
	}
	if len(stats.ByType) != 0 || len(stats.ByChannel) != 0 {
		t.Errorf("breakdowns not empty: %+v", stats)
	}

	other, err := env.analytics.Stats(context.Background(), "other-tenant", to, env.clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if other.Summary.Notifications != 0 {
		t.Errorf("other tenant sees %d notifications", other.Summary.Notifications)
	}
}

func TestAnalyticsRejectsInvertedWindow(t *testing.T) {
	env := newTestEnv(t, DefaultDispatchPolicy())
	now := env.clock.Now()

	for _, to := range []time.Time{now, now.Add(-time.Minute)} {
		if _, err := env.analytics.Stats(context.Background(), testTenant, now, to); !IsValidation(err) {
			t.Errorf("Stats(%v, %v) error = %v, want ValidationError", now, to, err)
		}
	}
}
