// Package config loads the shelf CLI configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/marcus/shelf/internal/cloud"
	"github.com/marcus/shelf/internal/conflict"
	"github.com/marcus/shelf/internal/db"
	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/models"
	"gopkg.in/yaml.v3"
)

// EnvConfig names the variable that points at an alternate config file.
const EnvConfig = "SHELF_CONFIG"

// Config is the CLI configuration.
type Config struct {
	DBPath string       `yaml:"db_path,omitempty"`
	Device DeviceConfig `yaml:"device"`
	Log    LogConfig    `yaml:"log"`
	Relay  RelayConfig  `yaml:"relay"`
	Sync   SyncConfig   `yaml:"sync"`
}

// DeviceConfig describes this installation. Only used when the database is
// first created; afterwards the stored identity wins.
type DeviceConfig struct {
	Name string            `yaml:"name,omitempty"`
	Type models.DeviceType `yaml:"type,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// RelayConfig points at a shelf-relay server. An empty URL disables sync.
type RelayConfig struct {
	URL   string `yaml:"url,omitempty"`
	Token string `yaml:"token,omitempty"`
}

type SyncConfig struct {
	BatchSize    int    `yaml:"batch_size,omitempty"`
	MaxAttempts  int    `yaml:"max_attempts,omitempty"`
	ItemStrategy string `yaml:"item_strategy,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		Device: DeviceConfig{Name: host, Type: models.DeviceTypeDesktop},
		Log:    LogConfig{Level: "warn", Format: "text"},
		Sync: SyncConfig{
			BatchSize:    200,
			MaxAttempts:  cloud.DefaultBackoff().MaxAttempts,
			ItemStrategy: conflict.StrategyLWW,
		},
	}
}

// Path returns the config file location: $SHELF_CONFIG, else
// ~/.config/shelf/config.yaml.
func Path() (string, error) {
	if p := os.Getenv(EnvConfig); p != "" {
		return p, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("get config dir: %w", err)
	}
	return filepath.Join(dir, "shelf", "config.yaml"), nil
}

// DefaultDBPath returns ~/.shelf/shelf.db.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".shelf", db.DefaultFileName), nil
}

// Load reads the config at path, fills defaults for unset fields and
// applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.DBPath == "" {
		if cfg.DBPath, err = DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

// LoadFile reads only the file over defaults, without environment
// overrides, so that a later Save does not persist them.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.merge(file)
	return cfg, nil
}

// merge copies every set field of f over c.
func (c *Config) merge(f Config) {
	if f.DBPath != "" {
		c.DBPath = f.DBPath
	}
	if f.Device.Name != "" {
		c.Device.Name = f.Device.Name
	}
	if f.Device.Type != "" {
		c.Device.Type = f.Device.Type
	}
	if f.Log.Level != "" {
		c.Log.Level = f.Log.Level
	}
	if f.Log.Format != "" {
		c.Log.Format = f.Log.Format
	}
	if f.Relay.URL != "" {
		c.Relay.URL = f.Relay.URL
	}
	if f.Relay.Token != "" {
		c.Relay.Token = f.Relay.Token
	}
	if f.Sync.BatchSize > 0 {
		c.Sync.BatchSize = f.Sync.BatchSize
	}
	if f.Sync.MaxAttempts > 0 {
		c.Sync.MaxAttempts = f.Sync.MaxAttempts
	}
	if f.Sync.ItemStrategy != "" {
		c.Sync.ItemStrategy = f.Sync.ItemStrategy
	}
}

// applyEnv overlays SHELF_* variables. Env wins over the file.
func (c *Config) applyEnv() error {
	str := map[string]*string{
		"SHELF_DB_PATH":       &c.DBPath,
		"SHELF_DEVICE_NAME":   &c.Device.Name,
		"SHELF_LOG_LEVEL":     &c.Log.Level,
		"SHELF_LOG_FORMAT":    &c.Log.Format,
		"SHELF_RELAY_URL":     &c.Relay.URL,
		"SHELF_RELAY_TOKEN":   &c.Relay.Token,
		"SHELF_ITEM_STRATEGY": &c.Sync.ItemStrategy,
	}
	for k, p := range str {
		if v := os.Getenv(k); v != "" {
			*p = v
		}
	}
	if v := os.Getenv("SHELF_DEVICE_TYPE"); v != "" {
		c.Device.Type = models.DeviceType(strings.ToLower(v))
	}

	ints := map[string]*int{
		"SHELF_SYNC_BATCH":        &c.Sync.BatchSize,
		"SHELF_SYNC_MAX_ATTEMPTS": &c.Sync.MaxAttempts,
	}
	for k, p := range ints {
		v := os.Getenv(k)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: want a positive integer, got %q", k, v)
		}
		*p = n
	}
	return nil
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	if !c.Device.Type.IsValid() {
		return fmt.Errorf("device type %q: want phone, tablet or desktop", c.Device.Type)
	}
	if _, err := conflict.ByName(c.Sync.ItemStrategy); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log format %q: want text or json", c.Log.Format)
	}
	return nil
}

// Policy builds the conflict policy the config selects.
func (c *Config) Policy() conflict.Policy {
	p := conflict.DefaultPolicy()
	if s, err := conflict.ByName(c.Sync.ItemStrategy); err == nil {
		p.ByType = map[events.AggregateType]conflict.Strategy{events.AggregateItem: s}
	}
	return p
}

// Backoff returns the retry schedule with the configured attempt cap.
func (c *Config) Backoff() cloud.Backoff {
	b := cloud.DefaultBackoff()
	if c.Sync.MaxAttempts > 0 {
		b.MaxAttempts = c.Sync.MaxAttempts
	}
	return b
}

// Set assigns one dotted key, e.g. "relay.url".
func (c *Config) Set(key, value string) error {
	switch key {
	case "db_path":
		c.DBPath = value
	case "device.name":
		c.Device.Name = value
	case "device.type":
		c.Device.Type = models.DeviceType(value)
	case "log.level":
		c.Log.Level = value
	case "log.format":
		c.Log.Format = value
	case "relay.url":
		c.Relay.URL = value
	case "relay.token":
		c.Relay.Token = value
	case "sync.item_strategy":
		c.Sync.ItemStrategy = value
	case "sync.batch_size", "sync.max_attempts":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: want a positive integer, got %q", key, value)
		}
		if key == "sync.batch_size" {
			c.Sync.BatchSize = n
		} else {
			c.Sync.MaxAttempts = n
		}
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return c.Validate()
}

// Save writes the config to path using atomic write (temp file + rename).
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "config-*.yaml.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}
