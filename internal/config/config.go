package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/clawgate/internal/otel"
)

// WebhookJob maps a webhook name to a bus event. Each inbound delivery on
// /webhooks/{name} publishes one event per configured job.
type WebhookJob struct {
	Name    string         `yaml:"name"`
	Event   string         `yaml:"event"`   // bus topic suffix; empty uses "webhook.received"
	Payload map[string]any `yaml:"payload"` // static fields merged into the event payload
}

// Schedule defines a cron-driven broadcast event.
type Schedule struct {
	Name    string         `yaml:"name"`
	Cron    string         `yaml:"cron"` // standard 5-field expression
	Event   string         `yaml:"event"`
	Payload map[string]any `yaml:"payload"`
}

type TelegramConfig struct {
	Enabled bool    `yaml:"enabled"`
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
	// Topics limits which bus topics are forwarded; empty forwards all.
	Topics []string `yaml:"topics"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindHost string `yaml:"bind_host"`
	BindPort int    `yaml:"bind_port"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls which Origin headers are accepted for browser WS
	// connections. Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	// PairingTTLSeconds is the default pairing-code lifetime. The credential
	// manager enforces a 30s floor regardless of this value.
	PairingTTLSeconds int `yaml:"pairing_ttl_seconds"`

	HeartbeatIntervalMinutes int `yaml:"heartbeat_interval_minutes"`

	// Webhooks maps webhook names (the {name} path element) to job lists.
	Webhooks map[string][]WebhookJob `yaml:"webhooks"`

	Schedules []Schedule `yaml:"schedules"`

	Channels ChannelsConfig `yaml:"channels"`

	OTel otel.Config `yaml:"otel"`

	// FirstRun is set when no config.yaml existed at load time.
	FirstRun bool `yaml:"-"`
}

func defaultConfig() Config {
	return Config{
		BindHost:                 "127.0.0.1",
		BindPort:                 18789,
		LogLevel:                 "info",
		PairingTTLSeconds:        600,
		HeartbeatIntervalMinutes: 30,
	}
}

// HomeDir resolves the clawgate home directory, honoring CLAWGATE_HOME.
func HomeDir() string {
	if override := os.Getenv("CLAWGATE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawgate")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the clawgate home, applying defaults and
// environment overrides. A missing file is not an error; it sets FirstRun.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory (used by tests and by the
// daemon child, which inherits the parent's resolved home).
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawgate home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FirstRun = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.BindHost) == "" {
		cfg.BindHost = "127.0.0.1"
	}
	if cfg.BindPort <= 0 {
		cfg.BindPort = 18789
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PairingTTLSeconds <= 0 {
		cfg.PairingTTLSeconds = 600
	}
	if cfg.HeartbeatIntervalMinutes < 0 {
		cfg.HeartbeatIntervalMinutes = 0
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWGATE_BIND_HOST"); raw != "" {
		cfg.BindHost = raw
	}
	if raw := os.Getenv("CLAWGATE_BIND_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.BindPort = v
		}
	}
	if raw := os.Getenv("CLAWGATE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWGATE_HEARTBEAT_INTERVAL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HeartbeatIntervalMinutes = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}

// BindAddr returns the host:port the daemon binds.
func (c Config) BindAddr() string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(c.BindPort))
}

// PairingTTL returns the configured pairing-code lifetime.
func (c Config) PairingTTL() time.Duration {
	return time.Duration(c.PairingTTLSeconds) * time.Second
}

const defaultConfigYAML = `# clawgate configuration
bind_host: 127.0.0.1
bind_port: 18789
log_level: info

# Pairing codes expire after this many seconds (30s floor).
pairing_ttl_seconds: 600

# Heartbeat event interval for subscribed clients. 0 disables.
heartbeat_interval_minutes: 30

# Webhook ingress: each name maps POST /webhooks/<name> to jobs.
# webhooks:
#   deploy:
#     - name: notify-clients
#       event: webhook.received
#     - name: refresh-dashboard
#       event: webhook.received

# Cron schedules publishing broadcast events (5-field expressions).
# schedules:
#   - name: nightly-ping
#     cron: "0 3 * * *"
#     event: schedule.fired

# channels:
#   telegram:
#     enabled: true
#     token: ""
#     chat_ids: []

# otel:
#   enabled: true
#   exporter: stdout
`

// WriteDefault writes a commented starter config.yaml if none exists.
func WriteDefault(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create clawgate home: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}
