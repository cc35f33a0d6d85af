// Package config loads process settings from the environment, an optional
// .env file and an optional config file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jason-s-yu/cambia-lobby/internal/database"
	"github.com/jason-s-yu/cambia-lobby/internal/models"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config is the full process configuration.
type Config struct {
	StoreBackend string
	DatabaseURL  string
	Postgres     struct {
		User     string
		Password string
		Host     string
		Port     string
		Database string
	}

	Redis struct {
		Addr string
		DB   int
	}
	Outbox struct {
		Enabled   bool
		QueueName string
	}

	SessionTimeout       time.Duration
	SessionReapInterval  time.Duration
	MatchTimeout         time.Duration
	QueueProcessInterval time.Duration
	DefaultQueueMax      int

	Retry struct {
		MaxAttempts int
		BaseDelay   time.Duration
		MaxDelay    time.Duration
	}

	LogLevel logrus.Level
	// LogJSON selects the JSON formatter. LOG_FORMAT=json.
	LogJSON bool
}

var defaults = map[string]any{
	"store_backend":             BackendMemory,
	"database_url":              "",
	"postgres_user":             "postgres",
	"postgres_password":         "",
	"pg_host":                   "localhost",
	"pg_port":                   "5432",
	"pg_database":               "cambia",
	"redis_addr":                "localhost:6379",
	"redis_db":                  0,
	"outbox_enabled":            false,
	"outbox_queue_name":         "cambia_lobby_events",
	"session_timeout":           "30m",
	"session_reap_interval":     "1m",
	"match_timeout":             "30s",
	"queue_process_interval":    "5s",
	"default_queue_max_players": 4,
	"db_max_retries":            3,
	"db_retry_base_delay":       "100ms",
	"db_retry_max_delay":        "2s",
	"log_level":                 "info",
	"log_format":                "text",
}

// Options controls where Load looks for settings besides the environment.
type Options struct {
	// EnvFiles are .env files to read. Missing files are skipped. Defaults
	// to ".env".
	EnvFiles []string
	// ConfigFile is an optional YAML/JSON/TOML file. The CONFIG_FILE
	// environment variable is used when empty.
	ConfigFile string
}

// Load resolves settings. Precedence, highest first: environment, .env
// files, config file, defaults.
func Load(opts Options) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	configFile := opts.ConfigFile
	if configFile == "" {
		configFile = v.GetString("config_file")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		values, err := godotenv.Read(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read env file %s: %w", f, err)
		}
		merged := make(map[string]any, len(values))
		for k, val := range values {
			merged[strings.ToLower(k)] = val
		}
		if err := v.MergeConfigMap(merged); err != nil {
			return nil, fmt.Errorf("failed to merge env file %s: %w", f, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	c := &Config{}
	c.StoreBackend = strings.ToLower(v.GetString("store_backend"))
	c.DatabaseURL = v.GetString("database_url")
	c.Postgres.User = v.GetString("postgres_user")
	c.Postgres.Password = v.GetString("postgres_password")
	c.Postgres.Host = v.GetString("pg_host")
	c.Postgres.Port = v.GetString("pg_port")
	c.Postgres.Database = v.GetString("pg_database")

	c.Redis.Addr = v.GetString("redis_addr")
	c.Redis.DB = v.GetInt("redis_db")
	c.Outbox.Enabled = v.GetBool("outbox_enabled")
	c.Outbox.QueueName = v.GetString("outbox_queue_name")

	c.SessionTimeout = v.GetDuration("session_timeout")
	c.SessionReapInterval = v.GetDuration("session_reap_interval")
	c.MatchTimeout = v.GetDuration("match_timeout")
	c.QueueProcessInterval = v.GetDuration("queue_process_interval")
	c.DefaultQueueMax = v.GetInt("default_queue_max_players")

	c.Retry.MaxAttempts = v.GetInt("db_max_retries")
	c.Retry.BaseDelay = v.GetDuration("db_retry_base_delay")
	c.Retry.MaxDelay = v.GetDuration("db_retry_max_delay")

	level, err := logrus.ParseLevel(v.GetString("log_level"))
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	c.LogLevel = level
	switch format := strings.ToLower(v.GetString("log_format")); format {
	case "text":
	case "json":
		c.LogJSON = true
	default:
		return nil, fmt.Errorf("LOG_FORMAT must be text or json, got %q", format)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.StoreBackend)
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"SESSION_TIMEOUT", c.SessionTimeout},
		{"SESSION_REAP_INTERVAL", c.SessionReapInterval},
		{"MATCH_TIMEOUT", c.MatchTimeout},
		{"QUEUE_PROCESS_INTERVAL", c.QueueProcessInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}
	if c.DefaultQueueMax < models.MinLobbyPlayers || c.DefaultQueueMax > models.MaxLobbyPlayers {
		return fmt.Errorf("DEFAULT_QUEUE_MAX_PLAYERS must be between %d and %d, got %d",
			models.MinLobbyPlayers, models.MaxLobbyPlayers, c.DefaultQueueMax)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("DB_MAX_RETRIES must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Outbox.Enabled && c.Outbox.QueueName == "" {
		return errors.New("OUTBOX_QUEUE_NAME is required when the outbox is enabled")
	}
	return nil
}

// PostgresURL returns DATABASE_URL, or a URL built from the PG_* settings.
func (c *Config) PostgresURL() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return database.ConnString(c.Postgres.User, c.Postgres.Password, c.Postgres.Host, c.Postgres.Port, c.Postgres.Database)
}

// RetryOptions converts the DB_* settings for the lobby manager.
func (c *Config) RetryOptions(log logrus.FieldLogger) database.RetryOptions {
	return database.RetryOptions{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay,
		MaxDelay:    c.Retry.MaxDelay,
		Logger:      log,
	}
}
