package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig points at the lifelog provider API.
type ProviderConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	PageLimit int    `yaml:"page_limit"`
	Timezone  string `yaml:"timezone"`
}

type InferenceProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

type InferenceConfig struct {
	Primary     InferenceProviderConfig `yaml:"primary"`
	Secondary   InferenceProviderConfig `yaml:"secondary"`
	CallDelay   time.Duration           `yaml:"call_delay"`
	MaxSegments int                     `yaml:"max_segments"`
	BatchLimit  int                     `yaml:"batch_limit"`
}

type SyncConfig struct {
	Interval           time.Duration `yaml:"interval"`
	BootstrapWindow    time.Duration `yaml:"bootstrap_window"`
	BackfillMargin     time.Duration `yaml:"backfill_margin"`
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`
	AlertMinInterval   time.Duration `yaml:"alert_min_interval"`
}

type AlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

type Config struct {
	Addr      string          `yaml:"addr"`
	StoreDSN  string          `yaml:"store_dsn"`
	IndexPath string          `yaml:"index_path"`
	FlagsFile string          `yaml:"flags_file"`
	Provider  ProviderConfig  `yaml:"provider"`
	Inference InferenceConfig `yaml:"inference"`
	Sync      SyncConfig      `yaml:"sync"`
	Alert     AlertConfig     `yaml:"alert"`
}

// Load reads the YAML config at path, layers PENSIEVE_* environment
// overrides on top, and fills defaults. An empty path yields a pure
// env-plus-defaults config; a named file that does not exist is an error.
func Load(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	stringEnv("PENSIEVE_ADDR", &c.Addr)
	stringEnv("PENSIEVE_STORE_DSN", &c.StoreDSN)
	stringEnv("PENSIEVE_INDEX_PATH", &c.IndexPath)
	stringEnv("PENSIEVE_FLAGS_FILE", &c.FlagsFile)
	stringEnv("PENSIEVE_LIFELOG_BASE_URL", &c.Provider.BaseURL)
	stringEnv("PENSIEVE_LIFELOG_API_KEY", &c.Provider.APIKey)
	stringEnv("PENSIEVE_TIMEZONE", &c.Provider.Timezone)
	intEnv("PENSIEVE_PAGE_LIMIT", &c.Provider.PageLimit)
	stringEnv("PENSIEVE_GEMINI_BASE_URL", &c.Inference.Primary.BaseURL)
	stringEnv("PENSIEVE_GEMINI_API_KEY", &c.Inference.Primary.APIKey)
	stringEnv("PENSIEVE_GEMINI_MODEL", &c.Inference.Primary.Model)
	stringEnv("PENSIEVE_OPENAI_BASE_URL", &c.Inference.Secondary.BaseURL)
	stringEnv("PENSIEVE_OPENAI_API_KEY", &c.Inference.Secondary.APIKey)
	stringEnv("PENSIEVE_OPENAI_MODEL", &c.Inference.Secondary.Model)
	stringEnv("PENSIEVE_ALERT_WEBHOOK_URL", &c.Alert.WebhookURL)
	durationEnv("PENSIEVE_SYNC_INTERVAL", &c.Sync.Interval)
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.StoreDSN == "" {
		c.StoreDSN = "memory://"
	}
	if c.IndexPath == "" {
		c.IndexPath = "memory"
	}
	if c.Provider.PageLimit <= 0 {
		c.Provider.PageLimit = 25
	}
	if c.Inference.CallDelay <= 0 {
		c.Inference.CallDelay = 2 * time.Second
	}
	if c.Inference.MaxSegments <= 0 {
		c.Inference.MaxSegments = 40
	}
	if c.Inference.BatchLimit <= 0 {
		c.Inference.BatchLimit = 10
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = 15 * time.Minute
	}
	if c.Sync.BootstrapWindow <= 0 {
		c.Sync.BootstrapWindow = 7 * 24 * time.Hour
	}
	if c.Sync.BackfillMargin <= 0 {
		c.Sync.BackfillMargin = 6 * time.Hour
	}
	if c.Sync.StalenessThreshold <= 0 {
		c.Sync.StalenessThreshold = 12 * time.Hour
	}
	if c.Sync.AlertMinInterval <= 0 {
		c.Sync.AlertMinInterval = 6 * time.Hour
	}
}

func (c *Config) validate() error {
	if c.Sync.StalenessThreshold <= c.Sync.Interval {
		return errors.New("config: sync.staleness_threshold must exceed sync.interval")
	}
	if c.Provider.PageLimit > 100 {
		return fmt.Errorf("config: provider.page_limit %d exceeds the provider maximum of 100", c.Provider.PageLimit)
	}
	return nil
}

func stringEnv(name string, target *string) {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		*target = raw
	}
}

func intEnv(name string, target *int) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	*target = value
}

func durationEnv(name string, target *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return
	}
	*target = value
}
