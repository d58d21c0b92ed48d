package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Microsoft  MicrosoftConfig  `mapstructure:"microsoft"`
	Google     OAuthAppConfig   `mapstructure:"google"`
	GoTo       GoToConfig       `mapstructure:"goto"`
	Twilio     TwilioConfig     `mapstructure:"twilio"`
	Resend     ResendConfig     `mapstructure:"resend"`
	VAPI       VAPIConfig       `mapstructure:"vapi"`
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Webhooks   WebhooksConfig   `mapstructure:"webhooks"`
	Prompts    PromptsConfig    `mapstructure:"prompts"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	BaseURL         string        `mapstructure:"base_url"`
	AppURL          string        `mapstructure:"app_url"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
	WriteWorkers    int           `mapstructure:"write_workers"`
	WriteQueueSize  int           `mapstructure:"write_queue_size"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWTIssuer     string        `mapstructure:"jwt_issuer"`
	SessionCookie string        `mapstructure:"session_cookie"`
	SessionTTL    time.Duration `mapstructure:"session_ttl"`
	SkipAuth      bool          `mapstructure:"skip_auth"`
	DevUserID     string        `mapstructure:"dev_user_id"`
}

type EncryptionConfig struct {
	Secret string `mapstructure:"secret"`
}

// OAuthAppConfig holds the client registration for one provider.
type OAuthAppConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
}

// Enabled reports whether the provider has credentials.
func (o OAuthAppConfig) Enabled() bool { return o.ClientID != "" && o.ClientSecret != "" }

type MicrosoftConfig struct {
	OAuthAppConfig `mapstructure:",squash"`
	TenantID       string `mapstructure:"tenant_id"`
	GraphBaseURL   string `mapstructure:"graph_base_url"`
}

type GoToConfig struct {
	OAuthAppConfig `mapstructure:",squash"`
	APIBaseURL     string `mapstructure:"api_base_url"`
	WebhookToken   string `mapstructure:"webhook_token"`
}

type TwilioConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	FromNumber string `mapstructure:"from_number"`
	APIBaseURL string `mapstructure:"api_base_url"`
	// WebhookURL is the public URL Twilio signs; it must match exactly.
	WebhookURL string `mapstructure:"webhook_url"`
}

type ResendConfig struct {
	APIKey     string `mapstructure:"api_key"`
	From       string `mapstructure:"from"`
	APIBaseURL string `mapstructure:"api_base_url"`
}

type VAPIConfig struct {
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type AnthropicConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	BaseURL   string        `mapstructure:"base_url"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type IngestConfig struct {
	Workers      int           `mapstructure:"workers"`
	QueueSize    int           `mapstructure:"queue_size"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
	SyncLookback time.Duration `mapstructure:"sync_lookback"`
}

type StorageConfig struct {
	Dir         string `mapstructure:"dir"`
	MaxUploadMB int64  `mapstructure:"max_upload_mb"`
}

type WebhooksConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

type PromptsConfig struct {
	Dir string `mapstructure:"dir"`
}

type PolicyConfig struct {
	Path     string        `mapstructure:"path"`
	Mode     string        `mapstructure:"mode"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Endpoint    string `mapstructure:"endpoint"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.app_url", "http://localhost:3000")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "opshub")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.idle_connections", 5)
	v.SetDefault("database.max_lifetime", 5*time.Minute)
	v.SetDefault("database.write_workers", 4)
	v.SetDefault("database.write_queue_size", 512)

	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("auth.jwt_issuer", "opshub")
	v.SetDefault("auth.session_cookie", "sb-access-token")
	v.SetDefault("auth.session_ttl", 12*time.Hour)

	v.SetDefault("microsoft.tenant_id", "common")
	v.SetDefault("microsoft.graph_base_url", "https://graph.microsoft.com/v1.0")
	v.SetDefault("microsoft.scopes", []string{
		"offline_access", "User.Read", "Mail.Read", "Mail.Send", "Calendars.ReadWrite",
	})
	v.SetDefault("google.scopes", []string{"https://www.googleapis.com/auth/calendar"})
	v.SetDefault("goto.api_base_url", "https://api.goto.com")
	v.SetDefault("goto.scopes", []string{"call-events.v1.notifications.manage", "cr.v1.read"})
	v.SetDefault("twilio.api_base_url", "https://api.twilio.com")
	v.SetDefault("resend.api_base_url", "https://api.resend.com")

	v.SetDefault("anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.timeout", 60*time.Second)

	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.queue_size", 256)
	v.SetDefault("ingest.job_timeout", 2*time.Minute)
	v.SetDefault("ingest.sync_lookback", 24*time.Hour)

	v.SetDefault("storage.dir", "./data/files")
	v.SetDefault("storage.max_upload_mb", 25)
	v.SetDefault("webhooks.retention_days", 30)
	v.SetDefault("policy.mode", "enforce")
	v.SetDefault("policy.cache_ttl", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("tracing.service_name", "opshub")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("rate_limit.requests_per_minute", 120)
}

// Load reads defaults, then the YAML file at path (or OPSHUB_CONFIG) when
// one exists, then OPSHUB_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OPSHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if path == "" {
		path = os.Getenv("OPSHUB_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Server.CORSOrigins = splitList(strings.Join(cfg.Server.CORSOrigins, ","))
	return &cfg, nil
}

// bindEnv registers keys without defaults so AutomaticEnv sees them during
// Unmarshal.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"database.url", "database.password",
		"auth.jwt_secret", "auth.skip_auth", "auth.dev_user_id",
		"encryption.secret",
		"microsoft.client_id", "microsoft.client_secret",
		"google.client_id", "google.client_secret",
		"goto.client_id", "goto.client_secret", "goto.webhook_token",
		"twilio.account_sid", "twilio.auth_token", "twilio.from_number", "twilio.webhook_url",
		"resend.api_key", "resend.from",
		"vapi.webhook_secret",
		"anthropic.api_key", "anthropic.base_url",
		"prompts.dir", "policy.path", "tracing.enabled",
	} {
		_ = v.BindEnv(key)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if !c.Auth.SkipAuth && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required unless auth.skip_auth is set"))
	}
	if c.Auth.SkipAuth && c.Auth.DevUserID == "" {
		errs = append(errs, errors.New("auth.dev_user_id is required when auth.skip_auth is set"))
	}
	if c.Encryption.Secret != "" && len(c.Encryption.Secret) < 32 {
		errs = append(errs, errors.New("encryption.secret must be at least 32 characters"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Ingest.Workers <= 0 {
		errs = append(errs, errors.New("ingest.workers must be positive"))
	}
	if c.Ingest.QueueSize < 0 {
		errs = append(errs, errors.New("ingest.queue_size must not be negative"))
	}
	if c.Webhooks.RetentionDays <= 0 {
		errs = append(errs, errors.New("webhooks.retention_days must be positive"))
	}
	switch c.Policy.Mode {
	case "enforce", "dry-run", "off":
	default:
		errs = append(errs, fmt.Errorf("policy.mode %q must be enforce, dry-run or off", c.Policy.Mode))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// OAuthConfigured reports whether token encryption is available.
func (c *Config) OAuthConfigured() bool { return c.Encryption.Secret != "" }
