// Package config loads the maildigest configuration from a YAML file plus
// MAILDIGEST_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the digest service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Mail      MailConfig      `mapstructure:"mail"`
	AI        AIConfig        `mapstructure:"ai"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug           bool          `mapstructure:"debug"`
	LogLevel        string        `mapstructure:"log_level"`
	Timezone        string        `mapstructure:"timezone"`
	PipelineTimeout time.Duration `mapstructure:"pipeline_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	QueueSize       int           `mapstructure:"queue_size"`
}

// MailConfig configures the mail accounts and the outgoing digest.
type MailConfig struct {
	Accounts        []MailAccount `mapstructure:"accounts"`
	MaxEmailsPerRun int           `mapstructure:"max_emails_per_run"`
	DigestRecipient string        `mapstructure:"digest_recipient"`
	SMTPHost        string        `mapstructure:"smtp_host"`
	SMTPPort        int           `mapstructure:"smtp_port"`
	SMTPUsername    string        `mapstructure:"smtp_username"`
	SMTPPassword    string        `mapstructure:"smtp_password"`
	DetectionCutoff float64       `mapstructure:"detection_cutoff"`
}

// MailAccount describes one mailbox to collect from.
type MailAccount struct {
	Name            string `mapstructure:"name"`
	Kind            string `mapstructure:"kind"` // gmail, outlook, memory
	CredentialsPath string `mapstructure:"credentials_path"`
	Address         string `mapstructure:"address"`
}

// AIConfig configures the summarization provider.
type AIConfig struct {
	Provider    string        `mapstructure:"provider"` // openai
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// SchedulerConfig configures the built-in jobs.
type SchedulerConfig struct {
	DailyDigestTime string        `mapstructure:"daily_digest_time"` // "HH:MM" local to General.Timezone
	HealthCheckCron string        `mapstructure:"health_check_cron"`
	MisfireGrace    time.Duration `mapstructure:"misfire_grace"`
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
}

// StorageConfig contains the database settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig configures the primary store.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a postgres connection string from the configured fields.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig configures the optional scheduler lock backend.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// TelemetryConfig controls metrics collection.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads the configuration. path may be empty, in which case the default
// search locations are used. A validation failure here is fatal at process
// start.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("maildigest")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.maildigest")
		v.AddConfigPath("/etc/maildigest")
	}
	v.SetEnvPrefix("MAILDIGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.timezone", "UTC")
	v.SetDefault("general.pipeline_timeout", "5m")
	v.SetDefault("general.poll_interval", "2s")
	v.SetDefault("general.queue_size", 1024)

	v.SetDefault("mail.max_emails_per_run", 50)
	v.SetDefault("mail.smtp_port", 587)
	v.SetDefault("mail.detection_cutoff", 0.5)

	v.SetDefault("ai.provider", "openai")
	v.SetDefault("ai.model", "gpt-4o-mini")
	v.SetDefault("ai.max_tokens", 4096)
	v.SetDefault("ai.temperature", 0.2)
	v.SetDefault("ai.timeout", "30s")

	v.SetDefault("scheduler.daily_digest_time", "08:00")
	v.SetDefault("scheduler.health_check_cron", "0 * * * *")
	v.SetDefault("scheduler.misfire_grace", "5m")
	v.SetDefault("scheduler.tick_interval", "1s")
	v.SetDefault("scheduler.lock_ttl", "2m")

	v.SetDefault("server.address", ":8080")
}

// Validate checks invariants that must hold before the process is allowed to
// come up.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.General.Timezone); err != nil {
		return fmt.Errorf("invalid general.timezone %q: %w", c.General.Timezone, err)
	}
	if c.General.PipelineTimeout <= 0 {
		return fmt.Errorf("general.pipeline_timeout must be positive")
	}
	if c.General.PollInterval <= 0 {
		return fmt.Errorf("general.poll_interval must be positive")
	}
	if _, _, err := ParseDailyTime(c.Scheduler.DailyDigestTime); err != nil {
		return fmt.Errorf("invalid scheduler.daily_digest_time %q: %w", c.Scheduler.DailyDigestTime, err)
	}
	if c.Mail.DetectionCutoff < 0 || c.Mail.DetectionCutoff > 1 {
		return fmt.Errorf("mail.detection_cutoff must be within [0,1]")
	}
	return nil
}

// Location resolves the configured timezone. Validate guarantees it parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.General.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseDailyTime parses an "HH:MM" clock time.
func ParseDailyTime(s string) (hour, minute int, err error) {
	if _, err = fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("expected HH:MM: %w", err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("clock time out of range: %s", s)
	}
	return hour, minute, nil
}
