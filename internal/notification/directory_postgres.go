package notification

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/alexnthnz/notification-engine/internal/database"
)

// PostgresDirectory reads users, roles and class rosters owned by the surrounding school platform
type PostgresDirectory struct {
	db *database.PostgresDB
}

var _ Directory = (*PostgresDirectory)(nil)

// NewPostgresDirectory creates a new directory over the shared database
func NewPostgresDirectory(db *database.PostgresDB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

const userColumns = `u.id, u.name, u.email, COALESCE(u.phone, ''), COALESCE(u.push_token, ''), COALESCE(u.webhook_url, '')`

func (d *PostgresDirectory) queryUsers(ctx context.Context, query string, args ...interface{}) ([]Recipient, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []Recipient
	for rows.Next() {
		var u Recipient
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.PushToken, &u.WebhookURL); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (d *PostgresDirectory) ActiveUsers(ctx context.Context, tenantID string) ([]Recipient, error) {
	users, err := d.queryUsers(ctx,
		`SELECT `+userColumns+` FROM users u WHERE u.tenant_id = $1 AND u.active`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	return users, nil
}

func (d *PostgresDirectory) UsersByIDs(ctx context.Context, tenantID string, ids []string) ([]Recipient, error) {
	users, err := d.queryUsers(ctx,
		`SELECT `+userColumns+` FROM users u WHERE u.tenant_id = $1 AND u.active AND u.id = ANY($2)`,
		tenantID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	return users, nil
}

func (d *PostgresDirectory) UsersByRoles(ctx context.Context, tenantID string, roles []string) ([]Recipient, error) {
	users, err := d.queryUsers(ctx, `
		SELECT DISTINCT `+userColumns+`
		FROM users u JOIN user_roles r ON r.user_id = u.id
		WHERE u.tenant_id = $1 AND u.active AND r.role = ANY($2)`,
		tenantID, pq.Array(roles))
	if err != nil {
		return nil, fmt.Errorf("failed to get users by role: %w", err)
	}
	return users, nil
}

// ClassMembers returns students enrolled in the classes and their guardians
func (d *PostgresDirectory) ClassMembers(ctx context.Context, tenantID string, classIDs []string) ([]Recipient, error) {
	var known int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT id) FROM classes WHERE tenant_id = $1 AND id = ANY($2)`,
		tenantID, pq.Array(classIDs)).Scan(&known)
	if err != nil {
		return nil, fmt.Errorf("failed to check classes: %w", err)
	}
	if known != countDistinct(classIDs) {
		return nil, ErrUnknownClass
	}

	users, err := d.queryUsers(ctx, `
		SELECT DISTINCT `+userColumns+`
		FROM users u JOIN class_members m ON m.user_id = u.id
		WHERE u.tenant_id = $1 AND u.active AND m.class_id = ANY($2)`,
		tenantID, pq.Array(classIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to get class members: %w", err)
	}
	return users, nil
}

func (d *PostgresDirectory) Lookup(ctx context.Context, tenantID string, ids []string) ([]Recipient, error) {
	users, err := d.queryUsers(ctx,
		`SELECT `+userColumns+` FROM users u WHERE u.tenant_id = $1 AND u.id = ANY($2)`,
		tenantID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to look up users: %w", err)
	}
	return users, nil
}

func countDistinct(values []string) int {
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		seen[v] = struct{}{}
	}
	return len(seen)
}

// PostgresPreferences reads user_preferences rows
type PostgresPreferences struct {
	db *database.PostgresDB
}

var _ PreferenceStore = (*PostgresPreferences)(nil)

// NewPostgresPreferences creates a new preference store
func NewPostgresPreferences(db *database.PostgresDB) *PostgresPreferences {
	return &PostgresPreferences{db: db}
}

func (p *PostgresPreferences) ChannelPreferences(ctx context.Context, tenantID string, userIDs []string, category Category) (map[string]ChannelPrefs, error) {
	query := `
		SELECT user_id, channel, enabled
		FROM user_preferences
		WHERE tenant_id = $1 AND user_id = ANY($2) AND category = $3
	`
	rows, err := p.db.QueryContext(ctx, query, tenantID, pq.Array(userIDs), category)
	if err != nil {
		return nil, fmt.Errorf("failed to get user preferences: %w", err)
	}
	defer rows.Close()

	out := make(map[string]ChannelPrefs, len(userIDs))
	for rows.Next() {
		var (
			userID  string
			channel Channel
			enabled bool
		)
		if err := rows.Scan(&userID, &channel, &enabled); err != nil {
			return nil, fmt.Errorf("failed to scan user preference: %w", err)
		}
		prefs, ok := out[userID]
		if !ok {
			prefs = ChannelPrefs{}
			out[userID] = prefs
		}
		prefs[channel] = enabled
	}
	return out, rows.Err()
}

// PostgresTemplates reads notification_templates rows
type PostgresTemplates struct {
	db *database.PostgresDB
}

var _ TemplateStore = (*PostgresTemplates)(nil)

// NewPostgresTemplates creates a new template store
func NewPostgresTemplates(db *database.PostgresDB) *PostgresTemplates {
	return &PostgresTemplates{db: db}
}

// Template loads by id or by name within the tenant
func (p *PostgresTemplates) Template(ctx context.Context, tenantID, ref string) (*Template, error) {
	query := `
		SELECT id, tenant_id, name, title_template, body_template, default_channels, created_at, updated_at
		FROM notification_templates
		WHERE tenant_id = $1 AND (id::text = $2 OR name = $2)
		LIMIT 1
	`
	var (
		t        Template
		channels []string
	)
	err := p.db.QueryRowContext(ctx, query, tenantID, ref).Scan(
		&t.ID, &t.TenantID, &t.Name, &t.TitleTemplate, &t.BodyTemplate, pq.Array(&channels), &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("template %q not found", ref)
		}
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	for _, c := range channels {
		t.DefaultChannels = append(t.DefaultChannels, Channel(c))
	}
	return &t, nil
}
