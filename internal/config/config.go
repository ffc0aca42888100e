package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rewired-gh/polyboard/internal/models"
	"github.com/rewired-gh/polyboard/internal/monitor"
)

// Config represents the complete application configuration
type Config struct {
	Scraper  ScraperConfig  `mapstructure:"scraper"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Usage    UsageConfig    `mapstructure:"usage"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ScraperConfig holds the activity page polling configuration
type ScraperConfig struct {
	URL            string        `mapstructure:"url"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// HorizonConfig names one ranking window
type HorizonConfig struct {
	Name   string        `mapstructure:"name"`
	Window time.Duration `mapstructure:"window"`
}

// ThresholdsConfig holds the alert tier boundaries
type ThresholdsConfig struct {
	Tier5  float64 `mapstructure:"tier5"`
	Tier10 float64 `mapstructure:"tier10"`
	Tier30 float64 `mapstructure:"tier30"`
}

// MonitorConfig holds aggregation and alerting configuration
type MonitorConfig struct {
	MaxHistory         time.Duration    `mapstructure:"max_history"`
	Horizons           []HorizonConfig  `mapstructure:"horizons"`
	LongSides          []string         `mapstructure:"long_sides"`
	NeutralSentiment   float64          `mapstructure:"neutral_sentiment"`
	DiffMode           string           `mapstructure:"diff_mode"`
	Thresholds         ThresholdsConfig `mapstructure:"thresholds"`
	TopK               int              `mapstructure:"top_k"`
	NotifyMinTier      int              `mapstructure:"notify_min_tier"`
	CooldownMultiplier int              `mapstructure:"cooldown_multiplier"`
	CheckpointInterval int              `mapstructure:"checkpoint_interval"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds snapshot and alert log persistence configuration
type StorageConfig struct {
	Backend     string        `mapstructure:"backend"`
	DBPath      string        `mapstructure:"db_path"`
	MaxAlerts   int           `mapstructure:"max_alerts"`
	RedisURL    string        `mapstructure:"redis_url"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

// UsageConfig holds the network user stats query configuration
type UsageConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	SeasonStart    string        `mapstructure:"season_start"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// ServerConfig holds the HTTP feed configuration
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	setDefaults(v)

	// POLYBOARD_SCRAPER_URL overrides scraper.url
	v.SetEnvPrefix("POLYBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Scraper defaults
	v.SetDefault("scraper.url", "https://opinionanalytics.xyz/activity")
	v.SetDefault("scraper.poll_interval", "15s")
	v.SetDefault("scraper.timeout", "20s")
	v.SetDefault("scraper.max_retries", 3)
	v.SetDefault("scraper.retry_delay_base", "1s")
	v.SetDefault("scraper.user_agent", "polyboard/1.0")

	// Monitor defaults
	v.SetDefault("monitor.max_history", "30m")
	v.SetDefault("monitor.horizons", []map[string]interface{}{
		{"name": "1m", "window": "1m"},
		{"name": "10m", "window": "10m"},
		{"name": "30m", "window": "30m"},
	})
	v.SetDefault("monitor.long_sides", []string{models.SideBuy, models.SideYes})
	v.SetDefault("monitor.neutral_sentiment", 0.5)
	v.SetDefault("monitor.diff_mode", string(models.DiffAbsolute))
	v.SetDefault("monitor.thresholds.tier5", 5.0)
	v.SetDefault("monitor.thresholds.tier10", 10.0)
	v.SetDefault("monitor.thresholds.tier30", 30.0)
	v.SetDefault("monitor.top_k", 10)
	v.SetDefault("monitor.notify_min_tier", 30)
	v.SetDefault("monitor.cooldown_multiplier", 5)
	v.SetDefault("monitor.checkpoint_interval", 4)

	// Telegram defaults
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "2s")

	// Storage defaults
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.db_path", "./data/polyboard.db")
	v.SetDefault("storage.max_alerts", 1000)
	v.SetDefault("storage.redis_url", "redis://localhost:6379/0")
	v.SetDefault("storage.key_prefix", "polyboard")
	v.SetDefault("storage.snapshot_ttl", "1h")

	// Usage defaults
	v.SetDefault("usage.enabled", false)
	v.SetDefault("usage.url", "https://api.dune.com/api/v1/query/6048188/results?limit=1000")
	v.SetDefault("usage.api_key", "")
	v.SetDefault("usage.timeout", "10s")
	v.SetDefault("usage.cache_ttl", "10m")
	v.SetDefault("usage.season_start", "2025-12-22")
	v.SetDefault("usage.max_retries", 2)
	v.SetDefault("usage.retry_delay_base", "1s")

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Scraper config
	if c.Scraper.URL == "" {
		return fmt.Errorf("scraper.url is required")
	}
	if _, err := url.ParseRequestURI(c.Scraper.URL); err != nil {
		return fmt.Errorf("scraper.url is invalid: %w", err)
	}
	if c.Scraper.PollInterval < time.Second {
		return fmt.Errorf("scraper.poll_interval must be at least 1 second")
	}
	if c.Scraper.Timeout <= 0 {
		return fmt.Errorf("scraper.timeout must be positive")
	}
	if c.Scraper.MaxRetries < 0 {
		return fmt.Errorf("scraper.max_retries must not be negative")
	}

	// Validate Monitor config
	if c.Monitor.MaxHistory < time.Minute {
		return fmt.Errorf("monitor.max_history must be at least 1 minute")
	}
	if len(c.Monitor.Horizons) == 0 {
		return fmt.Errorf("monitor.horizons must contain at least one horizon")
	}
	seen := make(map[string]bool, len(c.Monitor.Horizons))
	for _, h := range c.Monitor.Horizons {
		if h.Name == "" {
			return fmt.Errorf("monitor.horizons entries require a name")
		}
		if seen[h.Name] {
			return fmt.Errorf("monitor.horizons name %q is duplicated", h.Name)
		}
		seen[h.Name] = true
		if h.Window <= 0 || h.Window > c.Monitor.MaxHistory {
			return fmt.Errorf("monitor.horizons %q window must be within (0, max_history]", h.Name)
		}
	}
	if len(c.Monitor.LongSides) == 0 {
		return fmt.Errorf("monitor.long_sides must contain at least one side")
	}
	if c.Monitor.NeutralSentiment < 0 || c.Monitor.NeutralSentiment > 1 {
		return fmt.Errorf("monitor.neutral_sentiment must be between 0.0 and 1.0")
	}
	if !models.DiffMode(c.Monitor.DiffMode).Valid() {
		return fmt.Errorf("monitor.diff_mode must be one of: absolute, percent")
	}
	t := c.Monitor.Thresholds
	if t.Tier5 <= 0 || t.Tier10 <= t.Tier5 || t.Tier30 <= t.Tier10 {
		return fmt.Errorf("monitor.thresholds must be positive and strictly increasing")
	}
	if c.Monitor.TopK < 1 {
		return fmt.Errorf("monitor.top_k must be at least 1")
	}
	switch models.Tier(c.Monitor.NotifyMinTier) {
	case models.Tier5, models.Tier10, models.Tier30:
	default:
		return fmt.Errorf("monitor.notify_min_tier must be one of: 5, 10, 30")
	}
	if c.Monitor.CooldownMultiplier < 1 {
		return fmt.Errorf("monitor.cooldown_multiplier must be at least 1")
	}
	if c.Monitor.CheckpointInterval < 1 {
		return fmt.Errorf("monitor.checkpoint_interval must be at least 1")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Storage config
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage.db_path is required for the sqlite backend")
		}
	case "redis":
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("storage.redis_url is required for the redis backend")
		}
	case "none":
	default:
		return fmt.Errorf("storage.backend must be one of: sqlite, redis, none")
	}
	if c.Storage.MaxAlerts < 0 {
		return fmt.Errorf("storage.max_alerts must not be negative")
	}

	// Validate Usage config
	if c.Usage.Enabled {
		if c.Usage.APIKey == "" {
			return fmt.Errorf("usage.api_key is required when usage is enabled")
		}
		if _, err := url.ParseRequestURI(c.Usage.URL); err != nil {
			return fmt.Errorf("usage.url is invalid: %w", err)
		}
		if c.Usage.Timeout <= 0 {
			return fmt.Errorf("usage.timeout must be positive")
		}
		if c.Usage.CacheTTL < time.Minute {
			return fmt.Errorf("usage.cache_ttl must be at least 1 minute")
		}
		if _, err := c.SeasonStart(); err != nil {
			return fmt.Errorf("usage.season_start must be a YYYY-MM-DD date: %w", err)
		}
		if c.Usage.MaxRetries < 0 {
			return fmt.Errorf("usage.max_retries must not be negative")
		}
	}

	// Validate Server config
	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required when the server is enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// MonitorSettings converts the monitor section into monitor.Config.
func (c *Config) MonitorSettings() monitor.Config {
	horizons := make([]monitor.Horizon, 0, len(c.Monitor.Horizons))
	for _, h := range c.Monitor.Horizons {
		horizons = append(horizons, monitor.Horizon{Name: h.Name, Window: h.Window})
	}
	longSides := make([]string, 0, len(c.Monitor.LongSides))
	for _, s := range c.Monitor.LongSides {
		longSides = append(longSides, strings.ToUpper(strings.TrimSpace(s)))
	}
	return monitor.Config{
		MaxHistory:       c.Monitor.MaxHistory,
		Horizons:         horizons,
		LongSides:        longSides,
		NeutralSentiment: c.Monitor.NeutralSentiment,
		Alerts: monitor.AlertConfig{
			Mode: models.DiffMode(c.Monitor.DiffMode),
			Thresholds: monitor.Thresholds{
				Low:  c.Monitor.Thresholds.Tier5,
				Mid:  c.Monitor.Thresholds.Tier10,
				High: c.Monitor.Thresholds.Tier30,
			},
		},
		TopK:               c.Monitor.TopK,
		CooldownMultiplier: c.Monitor.CooldownMultiplier,
		CheckpointInterval: c.Monitor.CheckpointInterval,
	}
}

// NotifyMinTier is the lowest alert tier forwarded to Telegram.
func (c *Config) NotifyMinTier() models.Tier {
	return models.Tier(c.Monitor.NotifyMinTier)
}

// SeasonStart parses usage.season_start as a UTC date.
func (c *Config) SeasonStart() (time.Time, error) {
	return time.Parse("2006-01-02", c.Usage.SeasonStart)
}
