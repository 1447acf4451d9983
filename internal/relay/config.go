package relay

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the relay configuration, loaded from environment variables.
type Config struct {
	ListenAddr      string
	DBPath          string
	AuthToken       string // empty disables bearer auth
	ShutdownTimeout time.Duration
	LogFormat       string // "json" (default) or "text"
	LogLevel        string // "debug", "info" (default), "warn", "error"

	MaxPullLimit int // upper bound for ?limit= (default: 1000)

	CORSAllowedOrigins []string // empty = any origin
}

// LoadConfig reads configuration from environment variables with sensible defaults.
func LoadConfig() Config {
	cfg := Config{
		ListenAddr:      ":8090",
		DBPath:          "./data/relay.db",
		ShutdownTimeout: 30 * time.Second,
		LogFormat:       "json",
		LogLevel:        "info",
		MaxPullLimit:    1000,
	}

	if v := os.Getenv("RELAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("RELAY_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RELAY_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = strings.TrimSpace(v)
	}
	if v := os.Getenv("RELAY_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("RELAY_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RELAY_MAX_PULL_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxPullLimit = n
		}
	}
	if v := os.Getenv("RELAY_CORS_ALLOWED_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}

	return cfg
}
