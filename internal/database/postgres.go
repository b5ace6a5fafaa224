package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/alexnthnz/notification-engine/internal/config"
)

// PostgresDB wraps sql.DB for PostgreSQL operations
type PostgresDB struct {
	*sql.DB
}

// NewPostgresDB creates a new PostgreSQL database connection
func NewPostgresDB(cfg config.DatabaseConfig) (*PostgresDB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{DB: db}, nil
}

// InitSchema initializes the database schema
func (db *PostgresDB) InitSchema(ctx context.Context) error {
	schema := `
	-- Directory: users, roles and classes are owned by other modules and read here
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		email VARCHAR(255) NOT NULL DEFAULT '',
		phone VARCHAR(32) NOT NULL DEFAULT '',
		push_token VARCHAR(500) NOT NULL DEFAULT '',
		webhook_url VARCHAR(1000) NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE TABLE IF NOT EXISTS user_roles (
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role VARCHAR(100) NOT NULL,
		PRIMARY KEY (user_id, role)
	);

	CREATE TABLE IF NOT EXISTS classes (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS class_members (
		class_id TEXT NOT NULL REFERENCES classes(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		PRIMARY KEY (class_id, user_id)
	);

	-- Per-category channel opt-outs; a missing row means enabled
	CREATE TABLE IF NOT EXISTS user_preferences (
		tenant_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		category VARCHAR(50) NOT NULL,
		channel VARCHAR(50) NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (tenant_id, user_id, category, channel)
	);

	CREATE TABLE IF NOT EXISTS notification_templates (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name VARCHAR(255) NOT NULL,
		title_template TEXT NOT NULL,
		body_template TEXT NOT NULL,
		default_channels TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (tenant_id, name)
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		type VARCHAR(50) NOT NULL,
		priority VARCHAR(20) NOT NULL,
		category VARCHAR(50) NOT NULL,
		channels TEXT[] NOT NULL,
		target JSONB NOT NULL,
		template_ref VARCHAR(255) NOT NULL DEFAULT '',
		template_data JSONB,
		scheduled_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ,
		status VARCHAR(20) NOT NULL,
		total_targets INTEGER NOT NULL DEFAULT 0,
		delivered_count INTEGER NOT NULL DEFAULT 0,
		read_count INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	);

	-- Fan-out: one row per resolved recipient
	CREATE TABLE IF NOT EXISTS user_notifications (
		notification_id TEXT NOT NULL REFERENCES notifications(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		title TEXT,
		body TEXT,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		read_at TIMESTAMPTZ,
		is_delivered BOOLEAN NOT NULL DEFAULT FALSE,
		delivered_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (notification_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS delivery_logs (
		id TEXT PRIMARY KEY,
		notification_id TEXT NOT NULL REFERENCES notifications(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		contact VARCHAR(1000) NOT NULL DEFAULT '',
		channel VARCHAR(20) NOT NULL,
		status VARCHAR(20) NOT NULL,
		provider_ref VARCHAR(255) NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (notification_id, user_id, channel)
	);

	ALTER TABLE user_notifications ADD COLUMN IF NOT EXISTS title TEXT;
	ALTER TABLE user_notifications ADD COLUMN IF NOT EXISTS body TEXT;

	-- Create indexes for better performance
	CREATE INDEX IF NOT EXISTS idx_users_tenant ON users(tenant_id) WHERE active;
	CREATE INDEX IF NOT EXISTS idx_user_roles_role ON user_roles(role);
	CREATE INDEX IF NOT EXISTS idx_class_members_user ON class_members(user_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_tenant_created ON notifications(tenant_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_notifications_due ON notifications(scheduled_at) WHERE status = 'SCHEDULED';
	CREATE INDEX IF NOT EXISTS idx_user_notifications_user ON user_notifications(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_user_notifications_unread ON user_notifications(user_id) WHERE NOT is_read;
	CREATE INDEX IF NOT EXISTS idx_delivery_logs_created ON delivery_logs(created_at);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *PostgresDB) Close() error {
	return db.DB.Close()
}
