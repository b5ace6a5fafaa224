package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/alexnthnz/notification-engine/internal/database"
)

// PostgresRepository implements Repository on PostgreSQL
type PostgresRepository struct {
	db *database.PostgresDB
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *database.PostgresDB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const notificationColumns = `id, tenant_id, title, body, type, priority, category, channels, target,
	template_ref, template_data, scheduled_at, expires_at, status, total_targets, delivered_count,
	read_count, created_by, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var (
		n            Notification
		channels     []string
		target       []byte
		templateData []byte
		scheduledAt  sql.NullTime
		expiresAt    sql.NullTime
		completedAt  sql.NullTime
	)
	err := row.Scan(
		&n.ID, &n.TenantID, &n.Title, &n.Body, &n.Type, &n.Priority, &n.Category, pq.Array(&channels), &target,
		&n.TemplateRef, &templateData, &scheduledAt, &expiresAt, &n.Status, &n.TotalTargets, &n.DeliveredCount,
		&n.ReadCount, &n.CreatedBy, &n.CreatedAt, &n.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, c := range channels {
		n.Channels = append(n.Channels, Channel(c))
	}
	if len(target) > 0 {
		if err := json.Unmarshal(target, &n.Target); err != nil {
			return nil, fmt.Errorf("failed to decode target: %w", err)
		}
	}
	if len(templateData) > 0 {
		if err := json.Unmarshal(templateData, &n.TemplateData); err != nil {
			return nil, fmt.Errorf("failed to decode template data: %w", err)
		}
	}
	if scheduledAt.Valid {
		n.ScheduledAt = &scheduledAt.Time
	}
	if expiresAt.Valid {
		n.ExpiresAt = &expiresAt.Time
	}
	if completedAt.Valid {
		n.CompletedAt = &completedAt.Time
	}
	return &n, nil
}

func channelStrings(channels []Channel) []string {
	out := make([]string, len(channels))
	for i, c := range channels {
		out[i] = string(c)
	}
	return out
}

// CreateNotification inserts the notification and bulk-copies its fan-out records in one transaction
func (r *PostgresRepository) CreateNotification(ctx context.Context, n *Notification, recipientIDs []string) error {
	target, err := json.Marshal(n.Target)
	if err != nil {
		return fmt.Errorf("failed to encode target: %w", err)
	}
	// jsonb parameters go as text; lib/pq would send []byte as bytea
	var templateData sql.NullString
	if n.TemplateData != nil {
		raw, err := json.Marshal(n.TemplateData)
		if err != nil {
			return fmt.Errorf("failed to encode template data: %w", err)
		}
		templateData = sql.NullString{String: string(raw), Valid: true}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	n.TotalTargets = len(recipientIDs)
	query := `
		INSERT INTO notifications (id, tenant_id, title, body, type, priority, category, channels, target,
			template_ref, template_data, scheduled_at, expires_at, status, total_targets, delivered_count,
			read_count, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 0, 0, $16, $17, $18)
	`
	_, err = tx.ExecContext(ctx, query,
		n.ID, n.TenantID, n.Title, n.Body, n.Type, n.Priority, n.Category, pq.Array(channelStrings(n.Channels)),
		string(target), n.TemplateRef, templateData, n.ScheduledAt, n.ExpiresAt, n.Status, n.TotalTargets,
		n.CreatedBy, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}

	if len(recipientIDs) > 0 {
		stmt, err := tx.PrepareContext(ctx, pq.CopyIn("user_notifications", "notification_id", "user_id", "created_at"))
		if err != nil {
			return fmt.Errorf("failed to prepare fan-out copy: %w", err)
		}
		for _, uid := range recipientIDs {
			if _, err := stmt.ExecContext(ctx, n.ID, uid, n.CreatedAt); err != nil {
				stmt.Close()
				return fmt.Errorf("failed to copy fan-out record: %w", err)
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to flush fan-out records: %w", err)
		}
		if err := stmt.Close(); err != nil {
			return fmt.Errorf("failed to close fan-out copy: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit notification: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetNotification(ctx context.Context, tenantID, id string) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1 AND ($2 = '' OR tenant_id = $2)`

	n, err := scanNotification(r.db.QueryRowContext(ctx, query, id, tenantID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) ListNotifications(ctx context.Context, f ListFilter) ([]*Notification, int, error) {
	where := []string{"tenant_id = $1"}
	args := []interface{}{f.TenantID}
	add := func(clause string, value interface{}) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Priority != "" {
		add("priority = $%d", f.Priority)
	}
	if f.CreatedBy != "" {
		add("created_by = $%d", f.CreatedBy)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at < $%d", *f.To)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM notifications WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
	}

	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)
	query := fmt.Sprintf(`SELECT %s FROM notifications WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		notificationColumns, clause, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

func (r *PostgresRepository) TransitionStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	if !CanTransition(from, to) {
		return false, nil
	}
	query := `
		UPDATE notifications
		SET status = $1, updated_at = $2, completed_at = CASE WHEN $4 THEN $2 ELSE completed_at END
		WHERE id = $3 AND status = $5
	`
	res, err := r.db.ExecContext(ctx, query, to, at, id, to.Terminal(), from)
	if err != nil {
		return false, fmt.Errorf("failed to update notification status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM notifications WHERE id = $1)`, id).Scan(&exists); err != nil {
			return false, fmt.Errorf("failed to check notification: %w", err)
		}
		if !exists {
			return false, ErrNotFound
		}
	}
	return affected == 1, nil
}

// ClaimDue is a single UPDATE over SKIP LOCKED rows, so concurrent claimers never share a row
func (r *PostgresRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Notification, error) {
	query := `
		UPDATE notifications SET status = 'SENDING', updated_at = $1
		WHERE id IN (
			SELECT id FROM notifications
			WHERE status = 'SCHEDULED' AND scheduled_at <= $1
			ORDER BY scheduled_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) AND status = 'SCHEDULED'
		RETURNING ` + notificationColumns

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due notifications: %w", err)
	}
	defer rows.Close()

	var claimed []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed notification: %w", err)
		}
		claimed = append(claimed, n)
	}
	return claimed, rows.Err()
}

func (r *PostgresRepository) RecipientIDs(ctx context.Context, notificationID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM user_notifications WHERE notification_id = $1 ORDER BY user_id`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get recipients: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) SetContent(ctx context.Context, notificationID, userID, title, body string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE user_notifications SET title = $3, body = $4 WHERE notification_id = $1 AND user_id = $2`,
		notificationID, userID, title, body)
	if err != nil {
		return fmt.Errorf("failed to store rendered content: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) MarkDelivered(ctx context.Context, notificationID, userID string, at time.Time) (bool, error) {
	query := `
		WITH marked AS (
			UPDATE user_notifications SET is_delivered = TRUE, delivered_at = $3
			WHERE notification_id = $1 AND user_id = $2 AND NOT is_delivered
			RETURNING notification_id
		)
		UPDATE notifications SET delivered_count = delivered_count + 1
		WHERE id IN (SELECT notification_id FROM marked)
	`
	res, err := r.db.ExecContext(ctx, query, notificationID, userID, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark delivered: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected == 1, nil
}

// MarkRead flips is_read only when it is false, so the counter moves at most once per record
func (r *PostgresRepository) MarkRead(ctx context.Context, tenantID, notificationID, userID string, at time.Time) (bool, error) {
	query := `
		WITH marked AS (
			UPDATE user_notifications un SET is_read = TRUE, read_at = $4
			FROM notifications n
			WHERE un.notification_id = n.id AND n.id = $1 AND n.tenant_id = $2 AND un.user_id = $3
			  AND NOT un.is_read AND n.status IN ('SENDING', 'SENT', 'FAILED')
			RETURNING un.notification_id
		), logs AS (
			UPDATE delivery_logs SET status = 'READ', updated_at = $4
			WHERE notification_id IN (SELECT notification_id FROM marked) AND user_id = $3
			  AND channel = 'IN_APP' AND status IN ('SENT', 'DELIVERED')
		)
		UPDATE notifications SET read_count = read_count + 1
		WHERE id IN (SELECT notification_id FROM marked)
	`
	res, err := r.db.ExecContext(ctx, query, notificationID, tenantID, userID, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 1 {
		return true, nil
	}

	var exists bool
	err = r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM user_notifications un JOIN notifications n ON n.id = un.notification_id
			WHERE n.id = $1 AND n.tenant_id = $2 AND un.user_id = $3 AND n.status IN ('SENDING', 'SENT', 'FAILED')
		)`, notificationID, tenantID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check fan-out record: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (r *PostgresRepository) MarkAllRead(ctx context.Context, tenantID, userID string, at time.Time) (int, error) {
	query := `
		WITH marked AS (
			UPDATE user_notifications un SET is_read = TRUE, read_at = $3
			FROM notifications n
			WHERE un.notification_id = n.id AND n.tenant_id = $1 AND un.user_id = $2
			  AND NOT un.is_read AND n.status IN ('SENDING', 'SENT', 'FAILED')
			RETURNING un.notification_id
		), counted AS (
			UPDATE notifications SET read_count = read_count + 1
			WHERE id IN (SELECT notification_id FROM marked)
		), logs AS (
			UPDATE delivery_logs SET status = 'READ', updated_at = $3
			WHERE notification_id IN (SELECT notification_id FROM marked) AND user_id = $2
			  AND channel = 'IN_APP' AND status IN ('SENT', 'DELIVERED')
		)
		SELECT COUNT(*) FROM marked
	`
	var changed int
	if err := r.db.QueryRowContext(ctx, query, tenantID, userID, at).Scan(&changed); err != nil {
		return 0, fmt.Errorf("failed to mark all read: %w", err)
	}
	return changed, nil
}

func (r *PostgresRepository) UpsertDeliveryLog(ctx context.Context, entry *DeliveryLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	query := `
		INSERT INTO delivery_logs (id, notification_id, user_id, contact, channel, status, provider_ref,
			error_message, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $9)
		ON CONFLICT (notification_id, user_id, channel) DO UPDATE SET
			status = EXCLUDED.status,
			contact = EXCLUDED.contact,
			provider_ref = EXCLUDED.provider_ref,
			error_message = EXCLUDED.error_message,
			attempts = delivery_logs.attempts + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING id, attempts, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		entry.ID, entry.NotificationID, entry.UserID, entry.Contact, entry.Channel, entry.Status,
		entry.ProviderRef, entry.ErrorMessage, entry.UpdatedAt,
	).Scan(&entry.ID, &entry.Attempts, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert delivery log: %w", err)
	}
	return nil
}

func (r *PostgresRepository) DeliveryLogs(ctx context.Context, notificationID string) ([]*DeliveryLog, error) {
	query := `
		SELECT id, notification_id, user_id, contact, channel, status, provider_ref, error_message,
		       attempts, created_at, updated_at
		FROM delivery_logs WHERE notification_id = $1 ORDER BY user_id, channel
	`
	rows, err := r.db.QueryContext(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery logs: %w", err)
	}
	defer rows.Close()

	var entries []*DeliveryLog
	for rows.Next() {
		var e DeliveryLog
		if err := rows.Scan(&e.ID, &e.NotificationID, &e.UserID, &e.Contact, &e.Channel, &e.Status,
			&e.ProviderRef, &e.ErrorMessage, &e.Attempts, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery log: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (r *PostgresRepository) ChannelStats(ctx context.Context, notificationIDs []string) (map[string]map[Channel]ChannelStats, error) {
	out := make(map[string]map[Channel]ChannelStats, len(notificationIDs))
	if len(notificationIDs) == 0 {
		return out, nil
	}

	query := `
		SELECT notification_id, channel, status, COUNT(*)
		FROM delivery_logs WHERE notification_id = ANY($1)
		GROUP BY notification_id, channel, status
	`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(notificationIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to get channel stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id      string
			channel Channel
			status  DeliveryStatus
			count   int
		)
		if err := rows.Scan(&id, &channel, &status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan channel stats: %w", err)
		}
		byChannel, ok := out[id]
		if !ok {
			byChannel = make(map[Channel]ChannelStats)
			out[id] = byChannel
		}
		stats := byChannel[channel]
		stats.add(status, count)
		byChannel[channel] = stats
	}
	return out, rows.Err()
}

func (r *PostgresRepository) UserNotifications(ctx context.Context, f InboxFilter) ([]*InboxItem, int, error) {
	base := `
		FROM user_notifications un JOIN notifications n ON n.id = un.notification_id
		WHERE n.tenant_id = $1 AND un.user_id = $2 AND n.status IN ('SENDING', 'SENT', 'FAILED')
		  AND (n.expires_at IS NULL OR n.expires_at > $3)
	`
	args := []interface{}{f.TenantID, f.UserID, f.Now}

	var unread int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) "+base+" AND NOT un.is_read", args...).Scan(&unread); err != nil {
		return nil, 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}

	filtered := base
	if f.UnreadOnly {
		filtered += " AND NOT un.is_read"
	}
	if f.Type != "" {
		args = append(args, f.Type)
		filtered += fmt.Sprintf(" AND n.type = $%d", len(args))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		filtered += fmt.Sprintf(" AND n.category = $%d", len(args))
	}
	limit := "ALL"
	if f.Limit > 0 {
		limit = fmt.Sprintf("%d", f.Limit)
	}
	query := fmt.Sprintf(`
		SELECT n.id, COALESCE(un.title, n.title), COALESCE(un.body, n.body), n.type, n.priority, n.category, un.is_read, un.read_at,
		       un.is_delivered, un.delivered_at, n.created_at
		%s ORDER BY n.created_at DESC, n.id LIMIT %s OFFSET %d`, filtered, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get user notifications: %w", err)
	}
	defer rows.Close()

	var items []*InboxItem
	for rows.Next() {
		var (
			item        InboxItem
			readAt      sql.NullTime
			deliveredAt sql.NullTime
		)
		if err := rows.Scan(&item.NotificationID, &item.Title, &item.Body, &item.Type, &item.Priority,
			&item.Category, &item.IsRead, &readAt, &item.IsDelivered, &deliveredAt, &item.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan user notification: %w", err)
		}
		if readAt.Valid {
			item.ReadAt = &readAt.Time
		}
		if deliveredAt.Valid {
			item.DeliveredAt = &deliveredAt.Time
		}
		items = append(items, &item)
	}
	return items, unread, rows.Err()
}

func (r *PostgresRepository) Recount(ctx context.Context, notificationID string, repair bool) (Counters, error) {
	var c Counters
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_delivered),
		       COUNT(*) FILTER (WHERE is_read)
		FROM user_notifications WHERE notification_id = $1
	`
	if err := r.db.QueryRowContext(ctx, query, notificationID).Scan(&c.TotalTargets, &c.DeliveredCount, &c.ReadCount); err != nil {
		return c, fmt.Errorf("failed to recount notification: %w", err)
	}
	if !repair {
		return c, nil
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET total_targets = $2, delivered_count = $3, read_count = $4 WHERE id = $1`,
		notificationID, c.TotalTargets, c.DeliveredCount, c.ReadCount)
	if err != nil {
		return c, fmt.Errorf("failed to repair counters: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return c, ErrNotFound
	}
	return c, nil
}

func (r *PostgresRepository) CountNotifications(ctx context.Context, tenantID string, from, to time.Time) ([]NotificationCount, error) {
	query := `
		SELECT type, priority, COUNT(*), COALESCE(SUM(total_targets), 0),
		       COALESCE(SUM(delivered_count), 0), COALESCE(SUM(read_count), 0)
		FROM notifications
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY type, priority
	`
	rows, err := r.db.QueryContext(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to count notifications: %w", err)
	}
	defer rows.Close()

	var out []NotificationCount
	for rows.Next() {
		var c NotificationCount
		if err := rows.Scan(&c.Type, &c.Priority, &c.Notifications, &c.Recipients, &c.Delivered, &c.Read); err != nil {
			return nil, fmt.Errorf("failed to scan notification counts: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) CountDeliveries(ctx context.Context, tenantID string, from, to time.Time) ([]DeliveryCount, error) {
	query := `
		SELECT d.channel, d.status, COUNT(*)
		FROM delivery_logs d JOIN notifications n ON n.id = d.notification_id
		WHERE n.tenant_id = $1 AND d.created_at >= $2 AND d.created_at < $3
		GROUP BY d.channel, d.status
	`
	rows, err := r.db.QueryContext(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to count deliveries: %w", err)
	}
	defer rows.Close()

	var out []DeliveryCount
	for rows.Next() {
		var c DeliveryCount
		if err := rows.Scan(&c.Channel, &c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan delivery counts: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
