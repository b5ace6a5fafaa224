package notification

import (
	"context"
	"fmt"
	"time"
)

// GroupStats counts notifications and their recipients in one group
type GroupStats struct {
	Notifications int `json:"notifications"`
	Recipients    int `json:"recipients"`
	Delivered     int `json:"delivered"`
	Read          int `json:"read"`
}

func (g *GroupStats) add(c NotificationCount) {
	g.Notifications += c.Notifications
	g.Recipients += c.Recipients
	g.Delivered += c.Delivered
	g.Read += c.Read
}

// Summary holds window totals and derived rates
type Summary struct {
	Notifications        int     `json:"notifications"`
	Recipients           int     `json:"recipients"`
	DeliveredRecipients  int     `json:"delivered_recipients"`
	ReadRecipients       int     `json:"read_recipients"`
	Deliveries           int     `json:"deliveries"`
	SuccessfulDeliveries int     `json:"successful_deliveries"`
	FailedDeliveries     int     `json:"failed_deliveries"`
	DeliveryRate         float64 `json:"delivery_rate"`
	ReadRate             float64 `json:"read_rate"`
}

// Stats is the analytics view of a tenant over a time window
type Stats struct {
	From       time.Time                `json:"from"`
	To         time.Time                `json:"to"`
	ByType     map[Type]GroupStats      `json:"by_type"`
	ByPriority map[Priority]GroupStats  `json:"by_priority"`
	ByChannel  map[Channel]ChannelStats `json:"by_channel"`
	Summary    Summary                  `json:"summary"`
}

// Analytics aggregates delivery and read figures; it never writes
type Analytics struct {
	repo Repository
}

// NewAnalytics creates a new analytics aggregator
func NewAnalytics(repo Repository) *Analytics {
	return &Analytics{repo: repo}
}

// Stats computes breakdowns for notifications created in [from, to) and deliveries attempted in it.
// Delivery rate is successful deliveries over all deliveries; read rate is read recipients over
// delivered recipients. Empty denominators yield 0.
func (a *Analytics) Stats(ctx context.Context, tenantID string, from, to time.Time) (*Stats, error) {
	if !to.After(from) {
		return nil, invalid("to", "must be after from")
	}

	notifications, err := a.repo.CountNotifications(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate notifications: %w", err)
	}
	deliveries, err := a.repo.CountDeliveries(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate deliveries: %w", err)
	}

	stats := &Stats{
		From:       from,
		To:         to,
		ByType:     make(map[Type]GroupStats),
		ByPriority: make(map[Priority]GroupStats),
		ByChannel:  make(map[Channel]ChannelStats),
	}

	for _, c := range notifications {
		byType := stats.ByType[c.Type]
		byType.add(c)
		stats.ByType[c.Type] = byType

		byPriority := stats.ByPriority[c.Priority]
		byPriority.add(c)
		stats.ByPriority[c.Priority] = byPriority

		stats.Summary.Notifications += c.Notifications
		stats.Summary.Recipients += c.Recipients
		stats.Summary.DeliveredRecipients += c.Delivered
		stats.Summary.ReadRecipients += c.Read
	}

	for _, c := range deliveries {
		byChannel := stats.ByChannel[c.Channel]
		byChannel.add(c.Status, c.Count)
		stats.ByChannel[c.Channel] = byChannel

		stats.Summary.Deliveries += c.Count
		if c.Status.Successful() {
			stats.Summary.SuccessfulDeliveries += c.Count
		} else if c.Status == DeliveryFailed {
			stats.Summary.FailedDeliveries += c.Count
		}
	}

	stats.Summary.DeliveryRate = rate(stats.Summary.SuccessfulDeliveries, stats.Summary.Deliveries)
	stats.Summary.ReadRate = rate(stats.Summary.ReadRecipients, stats.Summary.DeliveredRecipients)
	return stats, nil
}

func rate(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}
