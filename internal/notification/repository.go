package notification

import (
	"context"
	"time"
)

// Repository persists notifications, fan-out records and delivery logs.
// Implementations must make TransitionStatus, ClaimDue and the read markers atomic.
type Repository interface {
	// CreateNotification stores n and one fan-out record per recipient in one unit
	CreateNotification(ctx context.Context, n *Notification, recipientIDs []string) error
	GetNotification(ctx context.Context, tenantID, id string) (*Notification, error)
	ListNotifications(ctx context.Context, f ListFilter) ([]*Notification, int, error)

	// TransitionStatus moves id from one status to another only if it is currently in from
	TransitionStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error)
	// ClaimDue moves up to limit due SCHEDULED notifications to SENDING and returns them
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Notification, error)

	RecipientIDs(ctx context.Context, notificationID string) ([]string, error)
	// SetContent stores the title and body rendered for one recipient
	SetContent(ctx context.Context, notificationID, userID, title, body string) error
	// MarkDelivered sets the fan-out delivered flag, returning whether it changed
	MarkDelivered(ctx context.Context, notificationID, userID string, at time.Time) (bool, error)
	// MarkRead sets the fan-out read flag, returning whether it changed
	MarkRead(ctx context.Context, tenantID, notificationID, userID string, at time.Time) (bool, error)
	MarkAllRead(ctx context.Context, tenantID, userID string, at time.Time) (int, error)

	// UpsertDeliveryLog writes the single active entry for (notification, user, channel)
	UpsertDeliveryLog(ctx context.Context, entry *DeliveryLog) error
	DeliveryLogs(ctx context.Context, notificationID string) ([]*DeliveryLog, error)
	ChannelStats(ctx context.Context, notificationIDs []string) (map[string]map[Channel]ChannelStats, error)

	UserNotifications(ctx context.Context, f InboxFilter) ([]*InboxItem, int, error)

	// Recount recomputes counters from fan-out records; repair overwrites the stored counters
	Recount(ctx context.Context, notificationID string, repair bool) (Counters, error)

	CountNotifications(ctx context.Context, tenantID string, from, to time.Time) ([]NotificationCount, error)
	CountDeliveries(ctx context.Context, tenantID string, from, to time.Time) ([]DeliveryCount, error)
}

// NotificationCount is one (type, priority) group of notifications in a window
type NotificationCount struct {
	Type          Type
	Priority      Priority
	Notifications int
	Recipients    int
	Delivered     int
	Read          int
}

// DeliveryCount is one (channel, status) group of delivery logs in a window
type DeliveryCount struct {
	Channel Channel
	Status  DeliveryStatus
	Count   int
}
