package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/alexnthnz/notification-engine/internal/config"
	"github.com/alexnthnz/notification-engine/internal/database"
)

// newPostgresRepository starts a throwaway PostgreSQL container with the engine schema
func newPostgresRepository(t *testing.T) *PostgresRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("notifications"),
		tcpostgres.WithUsername("engine"),
		tcpostgres.WithPassword("engine"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	host, err := ctr.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatal(err)
	}
	db, err := database.NewPostgresDB(config.DatabaseConfig{
		Host:     host,
		Port:     port.Int(),
		User:     "engine",
		Password: "engine",
		Database: "notifications",
		SSLMode:  "disable",
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(ctx); err != nil {
		t.Fatal(err)
	}
	return NewPostgresRepository(db)
}

func TestPostgresRepository(t *testing.T) {
	repo := newPostgresRepository(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	due := now.Add(-time.Minute)

	plain := &Notification{
		ID:        "n-plain",
		TenantID:  testTenant,
		Title:     "Sports day",
		Body:      "Friday on the field",
		Type:      TypeEvent,
		Priority:  PriorityNormal,
		Category:  CategoryEvents,
		Channels:  []Channel{ChannelInApp, ChannelEmail},
		Target:    specificUsers("u1", "u2"),
		Status:    StatusSending,
		CreatedBy: "admin",
		CreatedAt: now,
		UpdatedAt: now,
	}
	templated := &Notification{
		ID:           "n-templated",
		TenantID:     testTenant,
		Type:         TypeAnnouncement,
		Priority:     PriorityHigh,
		Category:     CategoryGeneral,
		Channels:     []Channel{ChannelInApp},
		Target:       specificUsers("u3"),
		TemplateRef:  "welcome",
		TemplateData: map[string]string{"school": "Oak"},
		ScheduledAt:  &due,
		Status:       StatusScheduled,
		CreatedBy:    "admin",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	t.Run("create without template", func(t *testing.T) {
		if err := repo.CreateNotification(ctx, plain, []string{"u1", "u2"}); err != nil {
			t.Fatalf("CreateNotification() error = %v", err)
		}
		got, err := repo.GetNotification(ctx, testTenant, plain.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.TemplateRef != "" || got.TemplateData != nil || got.TotalTargets != 2 {
			t.Errorf("notification = ref %q data %v targets %d", got.TemplateRef, got.TemplateData, got.TotalTargets)
		}
		if got.Target.Kind != TargetSpecificUsers || len(got.Target.UserIDs) != 2 || len(got.Channels) != 2 {
			t.Errorf("target %+v channels %v", got.Target, got.Channels)
		}
	})

	t.Run("create with template data", func(t *testing.T) {
		if err := repo.CreateNotification(ctx, templated, []string{"u3"}); err != nil {
			t.Fatalf("CreateNotification() error = %v", err)
		}
		got, err := repo.GetNotification(ctx, testTenant, templated.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.TemplateRef != "welcome" || got.TemplateData["school"] != "Oak" || got.ScheduledAt == nil {
			t.Errorf("notification = ref %q data %v scheduled %v", got.TemplateRef, got.TemplateData, got.ScheduledAt)
		}
		if _, err := repo.GetNotification(ctx, "other-tenant", templated.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("cross-tenant get error = %v, want ErrNotFound", err)
		}
	})

	t.Run("claim due once", func(t *testing.T) {
		claimed, err := repo.ClaimDue(ctx, now, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(claimed) != 1 || claimed[0].ID != templated.ID || claimed[0].Status != StatusSending {
			t.Fatalf("claimed = %+v", claimed)
		}
		again, err := repo.ClaimDue(ctx, now, 10)
		if err != nil || len(again) != 0 {
			t.Errorf("second claim = %d, %v", len(again), err)
		}
	})

	t.Run("inbox shows rendered content", func(t *testing.T) {
		if err := repo.SetContent(ctx, plain.ID, "u1", "Hi Ada", "Sports day is Friday, Ada"); err != nil {
			t.Fatal(err)
		}
		if err := repo.SetContent(ctx, plain.ID, "nobody", "x", "y"); !errors.Is(err, ErrNotFound) {
			t.Errorf("SetContent() for a missing record = %v, want ErrNotFound", err)
		}

		tests := []struct {
			user  string
			title string
		}{
			{"u1", "Hi Ada"},
			{"u2", "Sports day"},
		}
		for _, tt := range tests {
			items, unread, err := repo.UserNotifications(ctx, InboxFilter{TenantID: testTenant, UserID: tt.user, Now: now})
			if err != nil {
				t.Fatal(err)
			}
			if len(items) != 1 || unread != 1 || items[0].Title != tt.title {
				t.Errorf("inbox of %s = %d items, %d unread, want title %q", tt.user, len(items), unread, tt.title)
			}
		}
	})

	t.Run("delivered and read move counters once", func(t *testing.T) {
		for i, want := range []bool{true, false} {
			if changed, err := repo.MarkDelivered(ctx, plain.ID, "u1", now); err != nil || changed != want {
				t.Errorf("MarkDelivered() call %d = %v, %v", i, changed, err)
			}
			if changed, err := repo.MarkRead(ctx, testTenant, plain.ID, "u1", now); err != nil || changed != want {
				t.Errorf("MarkRead() call %d = %v, %v", i, changed, err)
			}
		}
		if _, err := repo.MarkRead(ctx, testTenant, plain.ID, "u9", now); !errors.Is(err, ErrNotFound) {
			t.Errorf("MarkRead() for a non-recipient = %v, want ErrNotFound", err)
		}

		got, err := repo.Recount(ctx, plain.ID, false)
		if err != nil {
			t.Fatal(err)
		}
		want := Counters{TotalTargets: 2, DeliveredCount: 1, ReadCount: 1}
		if got != want {
			t.Errorf("Recount() = %+v, want %+v", got, want)
		}
		n, _ := repo.GetNotification(ctx, testTenant, plain.ID)
		if n.DeliveredCount != 1 || n.ReadCount != 1 {
			t.Errorf("stored counters = delivered %d read %d", n.DeliveredCount, n.ReadCount)
		}
	})

	t.Run("delivery log upsert keeps one entry", func(t *testing.T) {
		for _, status := range []DeliveryStatus{DeliveryFailed, DeliverySent} {
			entry := &DeliveryLog{
				NotificationID: plain.ID,
				UserID:         "u2",
				Contact:        "ben@example.com",
				Channel:        ChannelEmail,
				Status:         status,
				UpdatedAt:      now,
			}
			if err := repo.UpsertDeliveryLog(ctx, entry); err != nil {
				t.Fatal(err)
			}
		}
		logs, err := repo.DeliveryLogs(ctx, plain.ID)
		if err != nil {
			t.Fatal(err)
		}
		if len(logs) != 1 || logs[0].Attempts != 2 || logs[0].Status != DeliverySent {
			t.Errorf("logs = %+v", logs)
		}
	})
}
