package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents configuration data for the monitoring service.
type Config struct {
	DataDirectory       string  `yaml:"data_directory"`
	PollIntervalSeconds int     `yaml:"poll_interval_seconds"`
	Publisher           Publish `yaml:"publisher"`
	Redis               Redis   `yaml:"redis"`
	Browser             Browser `yaml:"browser"`
}

// Publish tunes the link publisher's adaptive update loop.
type Publish struct {
	Enabled             bool `yaml:"enabled"`
	BaseIntervalSeconds int  `yaml:"base_interval_seconds"`
	MinIntervalSeconds  int  `yaml:"min_interval_seconds"`
}

// Redis points at the external cache consumed by other processes.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	SetKey   string `yaml:"set_key"`
}

// Browser configures the chromedp-driven probe.
type Browser struct {
	Headless       bool   `yaml:"headless"`
	UserDataDir    string `yaml:"user_data_dir"`
	ScreenshotsDir string `yaml:"screenshots_dir"`
}

// DefaultConfig returns sensible defaults in case no configuration file is provided.
func DefaultConfig() Config {
	return Config{
		DataDirectory:       filepath.Join(".dist", "data"),
		PollIntervalSeconds: 10,
		Publisher: Publish{
			Enabled:             true,
			BaseIntervalSeconds: 30,
			MinIntervalSeconds:  5,
		},
		Redis: Redis{
			Addr:   "127.0.0.1:6379",
			SetKey: "links",
		},
		Browser: Browser{
			UserDataDir:    "browser_sessions",
			ScreenshotsDir: "screenshots",
		},
	}
}

// Load reads configuration from yaml file. Missing files fall back to defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.DataDirectory == "" {
		cfg.DataDirectory = DefaultConfig().DataDirectory
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = 10
	}
	if cfg.Publisher.BaseIntervalSeconds <= 0 {
		cfg.Publisher.BaseIntervalSeconds = 30
	}
	if cfg.Publisher.MinIntervalSeconds <= 0 {
		cfg.Publisher.MinIntervalSeconds = 5
	}
	if cfg.Publisher.MinIntervalSeconds > cfg.Publisher.BaseIntervalSeconds {
		return Config{}, errors.New("publisher min interval must not exceed the base interval")
	}
	if cfg.Publisher.Enabled && cfg.Redis.Addr == "" {
		return Config{}, errors.New("redis addr is required while the publisher is enabled")
	}
	if cfg.Redis.SetKey == "" {
		cfg.Redis.SetKey = "links"
	}
	if cfg.Browser.UserDataDir == "" {
		cfg.Browser.UserDataDir = DefaultConfig().Browser.UserDataDir
	}
	if cfg.Browser.ScreenshotsDir == "" {
		cfg.Browser.ScreenshotsDir = DefaultConfig().Browser.ScreenshotsDir
	}
	return cfg, nil
}
