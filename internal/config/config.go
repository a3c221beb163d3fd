package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultBindAddr        = "127.0.0.1:18790"
	defaultTimeoutSeconds  = 30
	defaultIntervalSeconds = 10
)

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	// Path is the SQLite file; empty means <home>/missionctl.db.
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn"`
}

type HeartbeatConfig struct {
	AgentTimeoutSeconds int `yaml:"agent_timeout_seconds"`
	TaskTimeoutSeconds  int `yaml:"task_timeout_seconds"`
	IntervalSeconds     int `yaml:"interval_seconds"`
	// Schedule overrides IntervalSeconds with a cron expression.
	Schedule string `yaml:"schedule"`
}

type TasksConfig struct {
	// PayloadSchema is a JSON Schema file every task payload must satisfy.
	PayloadSchema string `yaml:"payload_schema"`
}

type TelegramConfig struct {
	Enabled bool    `yaml:"enabled"`
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
	// MinLevel drops alerts below this level: info, warn or error.
	MinLevel string `yaml:"min_level"`
}

type AlertsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel     string   `yaml:"log_level"`
	BindAddr     string   `yaml:"bind_addr"`
	AuthToken    string   `yaml:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Database  DatabaseConfig  `yaml:"database"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Telemetry TelemetryConfig `yaml:"otel"`
}

// AgentTimeout is the heartbeat age after which a READY or BUSY agent is
// marked offline.
func (c Config) AgentTimeout() time.Duration {
	return time.Duration(c.Heartbeat.AgentTimeoutSeconds) * time.Second
}

// TaskTimeout is the heartbeat age after which a held task is reclaimed.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Heartbeat.TaskTimeoutSeconds) * time.Second
}

func (c Config) MonitorInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}

// DatabasePath returns the SQLite file, resolved against the home dir.
func (c Config) DatabasePath() string {
	p := c.Database.Path
	if p == "" {
		return filepath.Join(c.HomeDir, "missionctl.db")
	}
	if !filepath.IsAbs(p) {
		return filepath.Join(c.HomeDir, p)
	}
	return p
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect runtime
// behaviour. Secrets are left out.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|hb=%d/%d/%d/%s|schema=%s|origins=%v|tg=%t",
		c.BindAddr, c.LogLevel, c.Database.Driver,
		c.Heartbeat.AgentTimeoutSeconds, c.Heartbeat.TaskTimeoutSeconds, c.Heartbeat.IntervalSeconds, c.Heartbeat.Schedule,
		c.Tasks.PayloadSchema, c.AllowOrigins, c.Alerts.Telegram.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		BindAddr: defaultBindAddr,
		Database: DatabaseConfig{Driver: DriverSQLite},
		Heartbeat: HeartbeatConfig{
			AgentTimeoutSeconds: defaultTimeoutSeconds,
			TaskTimeoutSeconds:  defaultTimeoutSeconds,
			IntervalSeconds:     defaultIntervalSeconds,
		},
		Alerts:    AlertsConfig{Telegram: TelegramConfig{MinLevel: "warn"}},
		RateLimit: RateLimitConfig{RequestsPerMinute: 600, BurstSize: 50},
	}
}

func HomeDir() string {
	if override := os.Getenv("MISSIONCTL_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".missionctl")
}

// Load reads <home>/config.yaml, applies env overrides and fills defaults.
// A missing file is not an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create missionctl home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaultBindAddr
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" || cfg.Database.Driver == "sqlite3" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.Driver == "postgresql" {
		cfg.Database.Driver = DriverPostgres
	}
	if cfg.Heartbeat.AgentTimeoutSeconds <= 0 {
		cfg.Heartbeat.AgentTimeoutSeconds = defaultTimeoutSeconds
	}
	if cfg.Heartbeat.TaskTimeoutSeconds <= 0 {
		cfg.Heartbeat.TaskTimeoutSeconds = defaultTimeoutSeconds
	}
	if cfg.Heartbeat.IntervalSeconds <= 0 {
		cfg.Heartbeat.IntervalSeconds = defaultIntervalSeconds
	}
	cfg.Heartbeat.Schedule = strings.TrimSpace(cfg.Heartbeat.Schedule)
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 50
	}
	if cfg.Alerts.Telegram.MinLevel == "" {
		cfg.Alerts.Telegram.MinLevel = "warn"
	}
}

func validate(cfg Config) error {
	switch cfg.Database.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", DriverPostgres)
		}
	default:
		return fmt.Errorf("unknown database.driver %q", cfg.Database.Driver)
	}
	if cfg.Alerts.Telegram.Enabled && cfg.Alerts.Telegram.Token == "" {
		return fmt.Errorf("alerts.telegram.enabled requires a token")
	}
	return nil
}

// EnvOverrides lists the environment variables Load consults.
var EnvOverrides = []string{
	"MISSIONCTL_LOG_LEVEL",
	"MISSIONCTL_BIND_ADDR",
	"MISSIONCTL_AUTH_TOKEN",
	"MISSIONCTL_DB_DRIVER",
	"MISSIONCTL_DB_DSN",
	"MISSIONCTL_HEARTBEAT_TIMEOUT",
	"MISSIONCTL_TELEGRAM_TOKEN",
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MISSIONCTL_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MISSIONCTL_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("MISSIONCTL_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("MISSIONCTL_DB_DRIVER"); raw != "" {
		cfg.Database.Driver = raw
	}
	if raw := os.Getenv("MISSIONCTL_DB_DSN"); raw != "" {
		cfg.Database.DSN = raw
	}
	if raw := os.Getenv("MISSIONCTL_HEARTBEAT_TIMEOUT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Heartbeat.AgentTimeoutSeconds = v
			cfg.Heartbeat.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("MISSIONCTL_TELEGRAM_TOKEN"); raw != "" {
		cfg.Alerts.Telegram.Token = raw
	}
}
