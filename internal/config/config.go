package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the notification engine
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	API      APIConfig      `mapstructure:"api"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Channels ChannelsConfig `mapstructure:"channels"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Engine   EngineConfig   `mapstructure:"engine"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds Kafka configuration
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	SubmitTopic   string   `mapstructure:"submit_topic"`
	DeliveryTopic string   `mapstructure:"delivery_topic"`
	GroupID       string   `mapstructure:"group_id"`
	// PublishDeliveries turns on the delivery event stream
	PublishDeliveries bool `mapstructure:"publish_deliveries"`
}

// APIConfig holds API server configuration
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// APIKey, when set, is required as a bearer token on every /api/v1 request
	APIKey string `mapstructure:"api_key"`
}

// ChannelsConfig holds third-party provider configurations
type ChannelsConfig struct {
	EmailProvider string         `mapstructure:"email_provider"`
	SendGrid      SendGridConfig `mapstructure:"sendgrid"`
	Resend        ResendConfig   `mapstructure:"resend"`
	Twilio        TwilioConfig   `mapstructure:"twilio"`
	Firebase      FirebaseConfig `mapstructure:"firebase"`
	Webhook       WebhookConfig  `mapstructure:"webhook"`
}

// SendGridConfig holds SendGrid email configuration
type SendGridConfig struct {
	APIKey    string `mapstructure:"api_key"`
	FromEmail string `mapstructure:"from_email"`
	FromName  string `mapstructure:"from_name"`
}

// ResendConfig holds Resend email configuration
type ResendConfig struct {
	APIKey string `mapstructure:"api_key"`
	From   string `mapstructure:"from"`
}

// TwilioConfig holds Twilio SMS configuration
type TwilioConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	FromNumber string `mapstructure:"from_number"`
	BaseURL    string `mapstructure:"base_url"`
}

// FirebaseConfig holds Firebase push notification configuration
type FirebaseConfig struct {
	CredentialsPath string `mapstructure:"credentials_path"`
}

// WebhookConfig holds outbound webhook configuration
type WebhookConfig struct {
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MetricsConfig holds monitoring configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// EngineConfig holds dispatch and scheduling knobs
type EngineConfig struct {
	DispatchWorkers        int           `mapstructure:"dispatch_workers"`
	SchedulerInterval      time.Duration `mapstructure:"scheduler_interval"`
	ClaimBatchSize         int           `mapstructure:"claim_batch_size"`
	CriticalBypassesOptOut bool          `mapstructure:"critical_bypasses_opt_out"`
	InAppAlways            bool          `mapstructure:"in_app_always"`
	PreferenceCacheTTL     time.Duration `mapstructure:"preference_cache_ttl"`
	TemplateCacheTTL       time.Duration `mapstructure:"template_cache_ttl"`
}

// LoadConfig loads configuration from environment variables and config files
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Set default values
	setDefaults(v)

	// Read from environment variables
	v.AutomaticEnv()

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Println("Config file not found, using environment variables and defaults")
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "notifications")
	v.SetDefault("database.ssl_mode", "disable")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Kafka defaults
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.submit_topic", "notification-requests")
	v.SetDefault("kafka.delivery_topic", "notification-deliveries")
	v.SetDefault("kafka.group_id", "notification-intake")
	v.SetDefault("kafka.publish_deliveries", true)

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)

	// Channel defaults
	v.SetDefault("channels.email_provider", "sendgrid")
	v.SetDefault("channels.sendgrid.from_email", "noreply@example.com")
	v.SetDefault("channels.sendgrid.from_name", "Notifications")
	v.SetDefault("channels.resend.from", "noreply@example.com")
	v.SetDefault("channels.twilio.base_url", "https://api.twilio.com")
	v.SetDefault("channels.webhook.timeout", 10*time.Second)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9091)
	v.SetDefault("metrics.path", "/metrics")

	// Engine defaults
	v.SetDefault("engine.dispatch_workers", 16)
	v.SetDefault("engine.scheduler_interval", 30*time.Second)
	v.SetDefault("engine.claim_batch_size", 100)
	v.SetDefault("engine.critical_bypasses_opt_out", true)
	v.SetDefault("engine.in_app_always", true)
	v.SetDefault("engine.preference_cache_ttl", 5*time.Minute)
	v.SetDefault("engine.template_cache_ttl", 30*time.Minute)

	// Map environment variables
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.database", "DB_NAME")
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.group_id", "KAFKA_GROUP_ID")
	v.BindEnv("auth.api_key", "API_KEY")
	v.BindEnv("channels.email_provider", "EMAIL_PROVIDER")
	v.BindEnv("channels.sendgrid.api_key", "SENDGRID_API_KEY")
	v.BindEnv("channels.resend.api_key", "RESEND_API_KEY")
	v.BindEnv("channels.twilio.account_sid", "TWILIO_ACCOUNT_SID")
	v.BindEnv("channels.twilio.auth_token", "TWILIO_AUTH_TOKEN")
	v.BindEnv("channels.twilio.from_number", "TWILIO_FROM_NUMBER")
	v.BindEnv("channels.firebase.credentials_path", "FIREBASE_CREDENTIALS_PATH")
	v.BindEnv("channels.webhook.secret", "WEBHOOK_SECRET")
	v.BindEnv("engine.dispatch_workers", "DISPATCH_WORKERS")
	v.BindEnv("engine.scheduler_interval", "SCHEDULER_INTERVAL")
}
