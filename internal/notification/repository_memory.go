package notification

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository guarded by a single RWMutex.
// Every compare-and-swap happens under the write lock.
type MemoryRepository struct {
	mutex         sync.RWMutex
	notifications map[string]*Notification
	recipients    map[string][]string
	fanout        map[string]map[string]*UserNotification
	logs          map[logKey]*DeliveryLog
}

var _ Repository = (*MemoryRepository)(nil)

type logKey struct {
	notificationID string
	userID         string
	channel        Channel
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		notifications: make(map[string]*Notification),
		recipients:    make(map[string][]string),
		fanout:        make(map[string]map[string]*UserNotification),
		logs:          make(map[logKey]*DeliveryLog),
	}
}

func copyNotification(n *Notification) *Notification {
	c := *n
	c.Channels = append([]Channel(nil), n.Channels...)
	if n.TemplateData != nil {
		c.TemplateData = make(map[string]string, len(n.TemplateData))
		for k, v := range n.TemplateData {
			c.TemplateData[k] = v
		}
	}
	return &c
}

// visibleStatus reports whether recipients can see the notification in their inbox
func visibleStatus(s Status) bool {
	return s == StatusSending || s == StatusSent || s == StatusFailed
}

func (m *MemoryRepository) CreateNotification(ctx context.Context, n *Notification, recipientIDs []string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	stored := copyNotification(n)
	stored.TotalTargets = len(recipientIDs)
	m.notifications[n.ID] = stored
	m.recipients[n.ID] = append([]string(nil), recipientIDs...)

	records := make(map[string]*UserNotification, len(recipientIDs))
	for _, uid := range recipientIDs {
		records[uid] = &UserNotification{NotificationID: n.ID, UserID: uid, CreatedAt: n.CreatedAt}
	}
	m.fanout[n.ID] = records
	n.TotalTargets = stored.TotalTargets
	return nil
}

func (m *MemoryRepository) GetNotification(ctx context.Context, tenantID, id string) (*Notification, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	n, ok := m.notifications[id]
	if !ok || (tenantID != "" && n.TenantID != tenantID) {
		return nil, ErrNotFound
	}
	return copyNotification(n), nil
}

func (m *MemoryRepository) ListNotifications(ctx context.Context, f ListFilter) ([]*Notification, int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var matched []*Notification
	for _, n := range m.notifications {
		if n.TenantID != f.TenantID {
			continue
		}
		if (f.Type != "" && n.Type != f.Type) ||
			(f.Category != "" && n.Category != f.Category) ||
			(f.Status != "" && n.Status != f.Status) ||
			(f.Priority != "" && n.Priority != f.Priority) ||
			(f.CreatedBy != "" && n.CreatedBy != f.CreatedBy) {
			continue
		}
		if f.From != nil && n.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !n.CreatedAt.Before(*f.To) {
			continue
		}
		matched = append(matched, n)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (f.Page - 1) * f.PageSize
	if start > total {
		start = total
	}
	end := start + f.PageSize
	if end > total {
		end = total
	}

	page := make([]*Notification, 0, end-start)
	for _, n := range matched[start:end] {
		page = append(page, copyNotification(n))
	}
	return page, total, nil
}

func (m *MemoryRepository) TransitionStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	n, ok := m.notifications[id]
	if !ok {
		return false, ErrNotFound
	}
	if n.Status != from || !CanTransition(from, to) {
		return false, nil
	}
	n.Status = to
	n.UpdatedAt = at
	if to.Terminal() {
		t := at
		n.CompletedAt = &t
	}
	return true, nil
}

func (m *MemoryRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Notification, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var due []*Notification
	for _, n := range m.notifications {
		if n.Status == StatusScheduled && n.ScheduledAt != nil && !n.ScheduledAt.After(now) {
			due = append(due, n)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(*due[j].ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Notification, 0, len(due))
	for _, n := range due {
		n.Status = StatusSending
		n.UpdatedAt = now
		claimed = append(claimed, copyNotification(n))
	}
	return claimed, nil
}

func (m *MemoryRepository) RecipientIDs(ctx context.Context, notificationID string) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	ids, ok := m.recipients[notificationID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]string(nil), ids...), nil
}

func (m *MemoryRepository) SetContent(ctx context.Context, notificationID, userID, title, body string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	rec, ok := m.fanout[notificationID][userID]
	if !ok {
		return ErrNotFound
	}
	rec.Title = title
	rec.Body = body
	return nil
}

func (m *MemoryRepository) MarkDelivered(ctx context.Context, notificationID, userID string, at time.Time) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	rec, ok := m.fanout[notificationID][userID]
	if !ok {
		return false, ErrNotFound
	}
	if rec.IsDelivered {
		return false, nil
	}
	t := at
	rec.IsDelivered = true
	rec.DeliveredAt = &t
	m.notifications[notificationID].DeliveredCount++
	return true, nil
}

func (m *MemoryRepository) MarkRead(ctx context.Context, tenantID, notificationID, userID string, at time.Time) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	n, ok := m.notifications[notificationID]
	if !ok || n.TenantID != tenantID || !visibleStatus(n.Status) {
		return false, ErrNotFound
	}
	rec, ok := m.fanout[notificationID][userID]
	if !ok {
		return false, ErrNotFound
	}
	return m.markReadLocked(n, rec, at), nil
}

func (m *MemoryRepository) markReadLocked(n *Notification, rec *UserNotification, at time.Time) bool {
	if rec.IsRead {
		return false
	}
	t := at
	rec.IsRead = true
	rec.ReadAt = &t
	n.ReadCount++

	if entry, ok := m.logs[logKey{n.ID, rec.UserID, ChannelInApp}]; ok && entry.Status.Successful() {
		entry.Status = DeliveryRead
		entry.UpdatedAt = at
	}
	return true
}

func (m *MemoryRepository) MarkAllRead(ctx context.Context, tenantID, userID string, at time.Time) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	changed := 0
	for id, records := range m.fanout {
		n := m.notifications[id]
		if n.TenantID != tenantID || !visibleStatus(n.Status) {
			continue
		}
		if rec, ok := records[userID]; ok && m.markReadLocked(n, rec, at) {
			changed++
		}
	}
	return changed, nil
}

func (m *MemoryRepository) UpsertDeliveryLog(ctx context.Context, entry *DeliveryLog) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	key := logKey{entry.NotificationID, entry.UserID, entry.Channel}
	if existing, ok := m.logs[key]; ok {
		existing.Status = entry.Status
		existing.Contact = entry.Contact
		existing.ProviderRef = entry.ProviderRef
		existing.ErrorMessage = entry.ErrorMessage
		existing.Attempts++
		existing.UpdatedAt = entry.UpdatedAt
		*entry = *existing
		return nil
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	stored := *entry
	stored.Attempts = 1
	m.logs[key] = &stored
	entry.Attempts = 1
	return nil
}

func (m *MemoryRepository) DeliveryLogs(ctx context.Context, notificationID string) ([]*DeliveryLog, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var entries []*DeliveryLog
	for key, entry := range m.logs {
		if key.notificationID == notificationID {
			c := *entry
			entries = append(entries, &c)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].UserID == entries[j].UserID {
			return entries[i].Channel < entries[j].Channel
		}
		return entries[i].UserID < entries[j].UserID
	})
	return entries, nil
}

func (m *MemoryRepository) ChannelStats(ctx context.Context, notificationIDs []string) (map[string]map[Channel]ChannelStats, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	wanted := make(map[string]bool, len(notificationIDs))
	for _, id := range notificationIDs {
		wanted[id] = true
	}

	out := make(map[string]map[Channel]ChannelStats, len(notificationIDs))
	for key, entry := range m.logs {
		if !wanted[key.notificationID] {
			continue
		}
		byChannel, ok := out[key.notificationID]
		if !ok {
			byChannel = make(map[Channel]ChannelStats)
			out[key.notificationID] = byChannel
		}
		stats := byChannel[key.channel]
		stats.add(entry.Status, 1)
		byChannel[key.channel] = stats
	}
	return out, nil
}

func (m *MemoryRepository) UserNotifications(ctx context.Context, f InboxFilter) ([]*InboxItem, int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var (
		items  []*InboxItem
		unread int
	)
	for id, records := range m.fanout {
		rec, ok := records[f.UserID]
		if !ok {
			continue
		}
		n := m.notifications[id]
		if n.TenantID != f.TenantID || !visibleStatus(n.Status) || n.Expired(f.Now) {
			continue
		}
		if !rec.IsRead {
			unread++
		}
		if (f.UnreadOnly && rec.IsRead) ||
			(f.Type != "" && n.Type != f.Type) ||
			(f.Category != "" && n.Category != f.Category) {
			continue
		}
		title, body := n.Title, n.Body
		if rec.Title != "" || rec.Body != "" {
			title, body = rec.Title, rec.Body
		}
		items = append(items, &InboxItem{
			NotificationID: n.ID,
			Title:          title,
			Body:           body,
			Type:           n.Type,
			Priority:       n.Priority,
			Category:       n.Category,
			IsRead:         rec.IsRead,
			ReadAt:         rec.ReadAt,
			IsDelivered:    rec.IsDelivered,
			DeliveredAt:    rec.DeliveredAt,
			CreatedAt:      n.CreatedAt,
		})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].NotificationID < items[j].NotificationID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Offset > len(items) {
		f.Offset = len(items)
	}
	items = items[f.Offset:]
	if f.Limit > 0 && len(items) > f.Limit {
		items = items[:f.Limit]
	}
	return items, unread, nil
}

func (m *MemoryRepository) Recount(ctx context.Context, notificationID string, repair bool) (Counters, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	n, ok := m.notifications[notificationID]
	if !ok {
		return Counters{}, ErrNotFound
	}
	var c Counters
	for _, rec := range m.fanout[notificationID] {
		c.TotalTargets++
		if rec.IsDelivered {
			c.DeliveredCount++
		}
		if rec.IsRead {
			c.ReadCount++
		}
	}
	if repair {
		n.TotalTargets = c.TotalTargets
		n.DeliveredCount = c.DeliveredCount
		n.ReadCount = c.ReadCount
	}
	return c, nil
}

func (m *MemoryRepository) CountNotifications(ctx context.Context, tenantID string, from, to time.Time) ([]NotificationCount, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	type group struct {
		t Type
		p Priority
	}
	groups := make(map[group]*NotificationCount)
	for _, n := range m.notifications {
		if n.TenantID != tenantID || n.CreatedAt.Before(from) || !n.CreatedAt.Before(to) {
			continue
		}
		g := group{n.Type, n.Priority}
		c, ok := groups[g]
		if !ok {
			c = &NotificationCount{Type: n.Type, Priority: n.Priority}
			groups[g] = c
		}
		c.Notifications++
		c.Recipients += n.TotalTargets
		c.Delivered += n.DeliveredCount
		c.Read += n.ReadCount
	}

	out := make([]NotificationCount, 0, len(groups))
	for _, c := range groups {
		out = append(out, *c)
	}
	return out, nil
}

func (m *MemoryRepository) CountDeliveries(ctx context.Context, tenantID string, from, to time.Time) ([]DeliveryCount, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	type group struct {
		c Channel
		s DeliveryStatus
	}
	groups := make(map[group]int)
	for key, entry := range m.logs {
		n := m.notifications[key.notificationID]
		if n == nil || n.TenantID != tenantID || entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		groups[group{entry.Channel, entry.Status}]++
	}

	out := make([]DeliveryCount, 0, len(groups))
	for g, count := range groups {
		out = append(out, DeliveryCount{Channel: g.c, Status: g.s, Count: count})
	}
	return out, nil
}
