package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alexnthnz/notification-engine/internal/monitoring"
)

// ErrNotRetryable is returned when retrying a notification whose dispatch has not finished
var ErrNotRetryable = errors.New("notification is not retryable")

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Service owns notification state: submission, status transitions and read/delivery bookkeeping
type Service struct {
	repo       Repository
	resolver   *Resolver
	directory  Directory
	dispatcher *Dispatcher
	templates  TemplateStore
	metrics    *monitoring.Metrics
	logger     *zap.Logger
	validate   *validator.Validate
	now        func() time.Time
}

// NewService creates a new notification service
func NewService(
	repo Repository,
	directory Directory,
	dispatcher *Dispatcher,
	templates TemplateStore,
	metrics *monitoring.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		repo:       repo,
		resolver:   NewResolver(directory),
		directory:  directory,
		dispatcher: dispatcher,
		templates:  templates,
		metrics:    metrics,
		logger:     logger,
		validate:   validator.New(),
		now:        time.Now,
	}
}

// Submit validates the request, resolves its targets and persists the notification with one
// fan-out record per recipient before returning. Immediate notifications are dispatched in the
// background; the receipt carries the batch handle.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Receipt, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, &ValidationError{Reason: err.Error(), Err: err}
	}
	if err := ValidateTarget(req.Target); err != nil {
		return nil, err
	}

	now := s.now()
	sendAt := now
	scheduled := req.ScheduledAt != nil && req.ScheduledAt.After(now)
	if scheduled {
		sendAt = *req.ScheduledAt
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(sendAt) {
		return nil, invalid("expires_at", "must be after the send time")
	}

	channels, err := s.channelsFor(ctx, req)
	if err != nil {
		return nil, err
	}

	recipients, err := s.resolver.Resolve(ctx, req.TenantID, req.Target)
	if err != nil {
		if IsValidation(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to resolve targets: %w", err)
	}

	n := &Notification{
		ID:           uuid.New().String(),
		TenantID:     req.TenantID,
		Title:        req.Title,
		Body:         req.Body,
		Type:         Type(req.Type),
		Priority:     PriorityNormal,
		Category:     CategoryGeneral,
		Channels:     channels,
		Target:       req.Target,
		TemplateRef:  req.TemplateRef,
		TemplateData: req.TemplateData,
		ExpiresAt:    req.ExpiresAt,
		CreatedBy:    req.CreatedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.Priority != "" {
		n.Priority = Priority(req.Priority)
	}
	if req.Category != "" {
		n.Category = Category(req.Category)
	}

	switch {
	case scheduled:
		n.Status = StatusScheduled
		n.ScheduledAt = req.ScheduledAt
	case len(recipients) == 0:
		// nobody to reach is not a failure
		n.Status = StatusSent
		n.CompletedAt = &now
	default:
		n.Status = StatusSending
	}

	ids := make([]string, len(recipients))
	for i, r := range recipients {
		ids[i] = r.ID
	}
	if err := s.repo.CreateNotification(ctx, n, ids); err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}

	s.metrics.RecordSubmitted(string(n.Type), string(n.Priority))
	s.metrics.ObserveFanout(len(ids))
	s.logger.Info("Notification submitted",
		zap.String("notification_id", n.ID),
		zap.String("tenant_id", n.TenantID),
		zap.String("status", string(n.Status)),
		zap.Int("total_targets", len(ids)),
	)

	receipt := &Receipt{NotificationID: n.ID, Status: n.Status, TotalTargets: len(ids)}
	if n.Status == StatusSending {
		receipt.Dispatch = s.dispatcher.Dispatch(ctx, n, recipients)
	}
	return receipt, nil
}

// channelsFor parses and deduplicates requested channels, defaulting to the template's channels or IN_APP
func (s *Service) channelsFor(ctx context.Context, req SubmitRequest) ([]Channel, error) {
	seen := make(map[Channel]bool)
	var channels []Channel
	for _, raw := range req.Channels {
		ch := Channel(raw)
		if !ch.Valid() {
			return nil, invalid("channels", "unknown channel %q", raw)
		}
		if !seen[ch] {
			seen[ch] = true
			channels = append(channels, ch)
		}
	}
	if len(channels) > 0 {
		return channels, nil
	}

	if req.TemplateRef != "" && s.templates != nil {
		if tmpl, err := s.templates.Template(ctx, req.TenantID, req.TemplateRef); err == nil && len(tmpl.DefaultChannels) > 0 {
			return tmpl.DefaultChannels, nil
		}
	}
	return []Channel{ChannelInApp}, nil
}

// GetNotification returns one notification with its per-channel delivery counts
func (s *Service) GetNotification(ctx context.Context, tenantID, id string) (*NotificationWithStats, error) {
	n, err := s.repo.GetNotification(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.repo.ChannelStats(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	return &NotificationWithStats{Notification: n, ChannelStats: nonNil(stats[id])}, nil
}

// ListNotifications returns a filtered page of notifications with stats attached
func (s *Service) ListNotifications(ctx context.Context, f ListFilter) (*NotificationPage, error) {
	if err := validateFilter(f.Type, f.Category, f.Status, f.Priority); err != nil {
		return nil, err
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}

	items, total, err := s.repo.ListNotifications(ctx, f)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(items))
	for i, n := range items {
		ids[i] = n.ID
	}
	stats, err := s.repo.ChannelStats(ctx, ids)
	if err != nil {
		return nil, err
	}

	page := &NotificationPage{Items: make([]*NotificationWithStats, len(items)), Total: total, Page: f.Page, PageSize: f.PageSize}
	for i, n := range items {
		page.Items[i] = &NotificationWithStats{Notification: n, ChannelStats: nonNil(stats[n.ID])}
	}
	return page, nil
}

// validateFilter rejects enum filters outside their closed sets; empty means unfiltered
func validateFilter(t Type, c Category, st Status, p Priority) error {
	switch {
	case t != "" && !t.Valid():
		return invalid("type", "unknown type %q", t)
	case c != "" && !c.Valid():
		return invalid("category", "unknown category %q", c)
	case st != "" && !st.Valid():
		return invalid("status", "unknown status %q", st)
	case p != "" && !p.Valid():
		return invalid("priority", "unknown priority %q", p)
	}
	return nil
}

func nonNil(stats map[Channel]ChannelStats) map[Channel]ChannelStats {
	if stats == nil {
		return map[Channel]ChannelStats{}
	}
	return stats
}

// DeliveryLogs returns every delivery log entry of a notification
func (s *Service) DeliveryLogs(ctx context.Context, tenantID, id string) ([]*DeliveryLog, error) {
	if _, err := s.repo.GetNotification(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.repo.DeliveryLogs(ctx, id)
}

// UserNotifications returns a user's visible, unexpired notifications and the unread total
func (s *Service) UserNotifications(ctx context.Context, f InboxFilter) (*Inbox, error) {
	if err := validateFilter(f.Type, f.Category, "", ""); err != nil {
		return nil, err
	}
	f.Now = s.now()
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	items, unread, err := s.repo.UserNotifications(ctx, f)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*InboxItem{}
	}
	return &Inbox{Items: items, UnreadCount: unread}, nil
}

// Cancel moves a SCHEDULED notification to CANCELLED; any other status is ErrNotCancellable
func (s *Service) Cancel(ctx context.Context, tenantID, id string) error {
	n, err := s.repo.GetNotification(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if n.Status != StatusScheduled {
		return fmt.Errorf("%w: status is %s", ErrNotCancellable, n.Status)
	}

	ok, err := s.repo.TransitionStatus(ctx, id, StatusScheduled, StatusCancelled, s.now())
	if err != nil {
		return fmt.Errorf("failed to cancel notification: %w", err)
	}
	if !ok {
		// the scheduler claimed it between the read and the swap
		return fmt.Errorf("%w: dispatch already started", ErrNotCancellable)
	}

	s.logger.Info("Notification cancelled", zap.String("notification_id", id))
	return nil
}

// MarkRead is idempotent: it reports whether this call changed the record
func (s *Service) MarkRead(ctx context.Context, tenantID, id, userID string) (bool, error) {
	changed, err := s.repo.MarkRead(ctx, tenantID, id, userID, s.now())
	if err != nil {
		return false, err
	}
	return changed, nil
}

// MarkAllRead marks every unread visible notification of the user and returns how many changed
func (s *Service) MarkAllRead(ctx context.Context, tenantID, userID string) (int, error) {
	return s.repo.MarkAllRead(ctx, tenantID, userID, s.now())
}

// RetryFailed re-sends every FAILED external delivery of a finished notification.
// Entries are updated in place; a nil batch means nothing needed retrying.
func (s *Service) RetryFailed(ctx context.Context, tenantID, id string) (*Batch, error) {
	n, err := s.repo.GetNotification(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if n.Status != StatusSent && n.Status != StatusFailed {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRetryable, n.Status)
	}

	entries, err := s.repo.DeliveryLogs(ctx, id)
	if err != nil {
		return nil, err
	}
	targets := make(map[string][]Channel)
	var ids []string
	for _, e := range entries {
		if e.Status != DeliveryFailed || !e.Channel.External() {
			continue
		}
		if _, ok := targets[e.UserID]; !ok {
			ids = append(ids, e.UserID)
		}
		targets[e.UserID] = append(targets[e.UserID], e.Channel)
		s.metrics.RecordRetry(string(e.Channel))
	}
	if len(targets) == 0 {
		return nil, nil
	}

	recipients, err := lookupRecipients(ctx, s.directory, n.TenantID, ids)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Retrying failed deliveries", zap.String("notification_id", id), zap.Int("recipients", len(ids)))
	return s.dispatcher.Redeliver(ctx, n, targets, recipients), nil
}

// Reconcile recomputes the counters from fan-out records and repairs them on drift
func (s *Service) Reconcile(ctx context.Context, tenantID, id string) (Counters, bool, error) {
	n, err := s.repo.GetNotification(ctx, tenantID, id)
	if err != nil {
		return Counters{}, false, err
	}
	actual, err := s.repo.Recount(ctx, id, false)
	if err != nil {
		return Counters{}, false, err
	}
	stored := Counters{TotalTargets: n.TotalTargets, DeliveredCount: n.DeliveredCount, ReadCount: n.ReadCount}
	if stored == actual {
		return actual, false, nil
	}

	s.logger.Warn("Counter drift detected",
		zap.String("notification_id", id),
		zap.Any("stored", stored),
		zap.Any("actual", actual),
	)
	if _, err := s.repo.Recount(ctx, id, true); err != nil {
		return actual, true, err
	}
	return actual, true, nil
}
