package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all process configuration, loaded from environment variables.
type Config struct {
	// Mode selects the runtime mode: "proxy" (serves JSON-RPC + admin) or
	// "worker" (runs only the background cadence loops: connection billing and
	// maintenance auto-activation; key rotation runs in proxy mode).
	Mode string `env:"METERPROXY_MODE" envDefault:"proxy"`

	// Server
	Host string `env:"METERPROXY_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"METERPROXY_PORT" envDefault:"8080"`

	// Backend (downstream tool server, spoken to over stdio line-delimited JSON-RPC)
	BackendCmd       string   `env:"METERPROXY_BACKEND_CMD"`
	BackendArgs      []string `env:"METERPROXY_BACKEND_ARGS" envSeparator:","`
	BackendTimeoutMs int      `env:"METERPROXY_BACKEND_TIMEOUT_MS" envDefault:"30000"`

	// Admin
	AdminKeyPath string `env:"METERPROXY_ADMIN_KEY_PATH" envDefault:"./admin.key"`

	// State persistence (file-based, spec §6 "Persisted state layout")
	StatePath string `env:"METERPROXY_STATE_PATH" envDefault:"./state.json"`

	// Optional durable sinks — both empty disables the respective collaborator.
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Telemetry
	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`

	// CORS (applied to every route, admin and JSON-RPC alike)
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Notification channels (optional — unset disables the channel)
	SlackBotToken     string `env:"SLACK_BOT_TOKEN"`
	SlackAlertChannel string `env:"SLACK_ALERT_CHANNEL"`

	// Rate limiting (counted per key; the same limit applies to every key and
	// no admin route overrides it)
	RateLimitPerWindow int `env:"METERPROXY_RATE_LIMIT_PER_WINDOW" envDefault:"600"`
	RateLimitWindowMs  int `env:"METERPROXY_RATE_LIMIT_WINDOW_MS" envDefault:"60000"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
