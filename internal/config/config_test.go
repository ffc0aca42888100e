package config

import (
	"os"
	"testing"
	"time"

	"github.com/rewired-gh/polyboard/internal/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, `
scraper:
  url: "https://example.com/activity"
  poll_interval: 30s

monitor:
  max_history: 20m
  horizons:
    - name: short
      window: 2m
    - name: long
      window: 20m
  long_sides: [buy, yes]
  diff_mode: percent
  thresholds:
    tier5: 2
    tier10: 4
    tier30: 8
  notify_min_tier: 10

telegram:
  bot_token: "test_token"
  chat_id: "test_chat_id"
  enabled: true

storage:
  backend: sqlite
  db_path: "./data/test.db"

logging:
  level: "info"
  format: "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Scraper.PollInterval != 30*time.Second {
		t.Errorf("Unexpected poll interval: %v", cfg.Scraper.PollInterval)
	}
	if cfg.Scraper.MaxRetries != 3 {
		t.Errorf("Expected default max_retries 3, got %d", cfg.Scraper.MaxRetries)
	}
	if len(cfg.Monitor.Horizons) != 2 || cfg.Monitor.Horizons[1].Window != 20*time.Minute {
		t.Errorf("Unexpected horizons: %+v", cfg.Monitor.Horizons)
	}
	if cfg.Monitor.NeutralSentiment != 0.5 {
		t.Errorf("Expected default neutral sentiment, got %f", cfg.Monitor.NeutralSentiment)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	mc := cfg.MonitorSettings()
	if mc.MaxHistory != 20*time.Minute {
		t.Errorf("Unexpected max history: %v", mc.MaxHistory)
	}
	if mc.Alerts.Mode != models.DiffPercent {
		t.Errorf("Unexpected diff mode: %s", mc.Alerts.Mode)
	}
	if mc.Alerts.Thresholds.High != 8 {
		t.Errorf("Unexpected high threshold: %f", mc.Alerts.Thresholds.High)
	}
	if mc.LongSides[0] != "BUY" || mc.LongSides[1] != "YES" {
		t.Errorf("Long sides not normalized: %v", mc.LongSides)
	}
	if mc.Horizons[0].Name != "short" || mc.Horizons[0].Window != 2*time.Minute {
		t.Errorf("Unexpected first horizon: %+v", mc.Horizons[0])
	}
	if cfg.NotifyMinTier() != models.Tier10 {
		t.Errorf("Unexpected notify tier: %d", cfg.NotifyMinTier())
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: debug\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if len(cfg.Monitor.Horizons) != 3 {
		t.Fatalf("Expected 3 default horizons, got %d", len(cfg.Monitor.Horizons))
	}
	if cfg.Monitor.Horizons[0].Window != time.Minute || cfg.Monitor.Horizons[2].Window != 30*time.Minute {
		t.Errorf("Unexpected default horizons: %+v", cfg.Monitor.Horizons)
	}
	if cfg.Monitor.MaxHistory != 30*time.Minute {
		t.Errorf("Unexpected default max history: %v", cfg.Monitor.MaxHistory)
	}
	if cfg.Monitor.DiffMode != "absolute" {
		t.Errorf("Unexpected default diff mode: %s", cfg.Monitor.DiffMode)
	}
	if cfg.Scraper.PollInterval != 15*time.Second {
		t.Errorf("Unexpected default poll interval: %v", cfg.Scraper.PollInterval)
	}
	if cfg.NotifyMinTier() != models.Tier30 {
		t.Errorf("Unexpected default notify tier: %d", cfg.NotifyMinTier())
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: sqlite\n")
	t.Setenv("POLYBOARD_STORAGE_BACKEND", "none")
	t.Setenv("POLYBOARD_LOGGING_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Backend != "none" {
		t.Errorf("Expected env override for storage.backend, got %q", cfg.Storage.Backend)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected env override for logging.level, got %q", cfg.Logging.Level)
	}
}

func TestLoadExplicitZeroNeutralSentiment(t *testing.T) {
	path := writeConfig(t, `
monitor:
  neutral_sentiment: 0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if got := cfg.MonitorSettings().NeutralSentiment; got != 0 {
		t.Errorf("Expected neutral sentiment 0 to be kept, got %f", got)
	}
}

func TestLoadUsage(t *testing.T) {
	path := writeConfig(t, `
usage:
  enabled: true
  api_key: "dune-key"
  cache_ttl: 5m
  season_start: "2026-01-01"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Usage.CacheTTL != 5*time.Minute {
		t.Errorf("Unexpected cache ttl: %v", cfg.Usage.CacheTTL)
	}
	if cfg.Usage.Timeout != 10*time.Second {
		t.Errorf("Expected default timeout 10s, got %v", cfg.Usage.Timeout)
	}
	start, err := cfg.SeasonStart()
	if err != nil {
		t.Fatalf("SeasonStart failed: %v", err)
	}
	if !start.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected season start: %v", start)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/polyboard.yaml"); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func validConfig() *Config {
	return &Config{
		Scraper: ScraperConfig{
			URL:          "https://example.com/activity",
			PollInterval: 15 * time.Second,
			Timeout:      10 * time.Second,
			MaxRetries:   3,
		},
		Monitor: MonitorConfig{
			MaxHistory: 30 * time.Minute,
			Horizons: []HorizonConfig{
				{Name: "1m", Window: time.Minute},
				{Name: "30m", Window: 30 * time.Minute},
			},
			LongSides:          []string{"BUY", "YES"},
			NeutralSentiment:   0.5,
			DiffMode:           "absolute",
			Thresholds:         ThresholdsConfig{Tier5: 5, Tier10: 10, Tier30: 30},
			TopK:               10,
			NotifyMinTier:      30,
			CooldownMultiplier: 5,
			CheckpointInterval: 4,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			DBPath:  "./data/polyboard.db",
		},
		Usage: UsageConfig{
			Enabled:     true,
			URL:         "https://api.dune.com/api/v1/query/1/results",
			APIKey:      "key",
			Timeout:     10 * time.Second,
			CacheTTL:    10 * time.Minute,
			SeasonStart: "2025-12-22",
		},
		Server: ServerConfig{Enabled: true, Addr: ":8080"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}, wantErr: false},
		{
			name:    "missing telegram token when enabled",
			mutate:  func(c *Config) { c.Telegram = TelegramConfig{Enabled: true, ChatID: "1"} },
			wantErr: true,
		},
		{name: "empty scraper url", mutate: func(c *Config) { c.Scraper.URL = "" }, wantErr: true},
		{name: "relative scraper url", mutate: func(c *Config) { c.Scraper.URL = "activity" }, wantErr: true},
		{name: "poll interval too short", mutate: func(c *Config) { c.Scraper.PollInterval = 100 * time.Millisecond }, wantErr: true},
		{name: "no horizons", mutate: func(c *Config) { c.Monitor.Horizons = nil }, wantErr: true},
		{
			name: "duplicate horizon",
			mutate: func(c *Config) {
				c.Monitor.Horizons = append(c.Monitor.Horizons, HorizonConfig{Name: "1m", Window: time.Minute})
			},
			wantErr: true,
		},
		{
			name: "horizon longer than history",
			mutate: func(c *Config) {
				c.Monitor.Horizons = []HorizonConfig{{Name: "1h", Window: time.Hour}}
			},
			wantErr: true,
		},
		{name: "neutral sentiment out of range", mutate: func(c *Config) { c.Monitor.NeutralSentiment = 1.5 }, wantErr: true},
		{name: "neutral sentiment zero", mutate: func(c *Config) { c.Monitor.NeutralSentiment = 0 }, wantErr: false},
		{name: "unknown diff mode", mutate: func(c *Config) { c.Monitor.DiffMode = "ratio" }, wantErr: true},
		{
			name:    "thresholds not increasing",
			mutate:  func(c *Config) { c.Monitor.Thresholds = ThresholdsConfig{Tier5: 10, Tier10: 10, Tier30: 30} },
			wantErr: true,
		},
		{name: "notify tier not a tier", mutate: func(c *Config) { c.Monitor.NotifyMinTier = 20 }, wantErr: true},
		{name: "unknown storage backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, wantErr: true},
		{name: "redis without url", mutate: func(c *Config) { c.Storage = StorageConfig{Backend: "redis"} }, wantErr: true},
		{name: "storage disabled", mutate: func(c *Config) { c.Storage = StorageConfig{Backend: "none"} }, wantErr: false},
		{name: "usage disabled without key", mutate: func(c *Config) { c.Usage = UsageConfig{} }, wantErr: false},
		{name: "usage without api key", mutate: func(c *Config) { c.Usage.APIKey = "" }, wantErr: true},
		{name: "usage bad season start", mutate: func(c *Config) { c.Usage.SeasonStart = "22/12/2025" }, wantErr: true},
		{name: "usage cache ttl too short", mutate: func(c *Config) { c.Usage.CacheTTL = time.Second }, wantErr: true},
		{name: "server without addr", mutate: func(c *Config) { c.Server.Addr = "" }, wantErr: true},
		{name: "invalid log level", mutate: func(c *Config) { c.Logging.Level = "trace" }, wantErr: true},
		{name: "invalid log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
