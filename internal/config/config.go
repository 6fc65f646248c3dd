package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for wagate.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Sessions  SessionsConfig  `json:"sessions"`
	Policy    PolicyConfig    `json:"policy"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	Events    EventsConfig    `json:"events"`
	Notify    NotifyConfig    `json:"notify"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

type ServerConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	AdminToken  string   `json:"adminToken,omitempty"` // static bearer token that authenticates as admin
	CORSOrigins []string `json:"corsOrigins,omitempty"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

// SessionsConfig configures the protocol sessions and the driver bridge they connect through.
type SessionsConfig struct {
	DriverURL         string `json:"driverUrl"`
	QRTimeoutSeconds  int    `json:"qrTimeoutSeconds"`
	MaxBackoffSeconds int    `json:"maxBackoffSeconds"`
	AutoStart         bool   `json:"autoStart"`
}

// PolicyConfig configures the send-time policy pipeline.
type PolicyConfig struct {
	PolicyFile                 string   `json:"policyFile,omitempty"` // optional YAML with extra patterns and templates
	ForbiddenPatterns          []string `json:"forbiddenPatterns"`
	ReplyWindowHours           int      `json:"replyWindowHours"`
	QuotaFailOpen              bool     `json:"quotaFailOpen"`
	InstanceRateLimitPerMinute int      `json:"instanceRateLimitPerMinute"` // 0 = no pacing
}

// RateLimitConfig configures per-caller API request limiting.
// When RedisAddr is empty the limiter is process-local.
type RateLimitConfig struct {
	Enabled           bool   `json:"enabled"`
	RequestsPerMinute int    `json:"requestsPerMinute"`
	RedisAddr         string `json:"redisAddr,omitempty"`
	RedisPassword     string `json:"redisPassword,omitempty"`
	RedisDB           int    `json:"redisDb,omitempty"`
}

// EventsConfig configures forwarding of gateway events to an AMQP broker.
type EventsConfig struct {
	Enabled  bool   `json:"enabled"`
	AMQPURL  string `json:"amqpUrl,omitempty"`
	Exchange string `json:"exchange"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled bool      `json:"enabled"`
	Token   string    `json:"token"`
	ChatID  FlexInt64 `json:"chatId"`
}

// FlexInt64 unmarshals from a JSON number or a numeric string.
type FlexInt64 int64

func (f *FlexInt64) UnmarshalJSON(data []byte) error {
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexInt64(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", s, err)
	}
	*f = FlexInt64(n)
	return nil
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.wagate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wagate"
	}
	return filepath.Join(home, ".wagate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.Policy.PolicyFile = ExpandPath(cfg.Policy.PolicyFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		name := groups[1]
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(name)
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// The file may hold the admin token.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.AdminToken != "" && len(cfg.Server.AdminToken) < 16 {
		errs = append(errs, "server.adminToken must be at least 16 characters")
	}
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Sessions.DriverURL == "" {
		errs = append(errs, "sessions.driverUrl is required")
	} else if !strings.HasPrefix(cfg.Sessions.DriverURL, "ws://") && !strings.HasPrefix(cfg.Sessions.DriverURL, "wss://") {
		errs = append(errs, "sessions.driverUrl must be a ws:// or wss:// URL")
	}
	if cfg.Sessions.QRTimeoutSeconds < 10 {
		errs = append(errs, "sessions.qrTimeoutSeconds must be >= 10")
	}
	if cfg.Sessions.MaxBackoffSeconds < 1 {
		errs = append(errs, "sessions.maxBackoffSeconds must be >= 1")
	}

	if cfg.Policy.ReplyWindowHours < 1 {
		errs = append(errs, "policy.replyWindowHours must be >= 1")
	}
	if cfg.Policy.InstanceRateLimitPerMinute < 0 {
		errs = append(errs, "policy.instanceRateLimitPerMinute must be >= 0")
	}
	for _, p := range cfg.Policy.ForbiddenPatterns {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, "policy.forbiddenPatterns must not contain empty patterns")
			break
		}
	}

	if cfg.RateLimit.Enabled && cfg.RateLimit.RequestsPerMinute < 1 {
		errs = append(errs, "rateLimit.requestsPerMinute must be >= 1 when enabled")
	}

	if cfg.Events.Enabled {
		if cfg.Events.AMQPURL == "" {
			errs = append(errs, "events.amqpUrl is required when events are enabled")
		}
		if cfg.Events.Exchange == "" {
			errs = append(errs, "events.exchange is required when events are enabled")
		}
	}

	if cfg.Notify.Telegram.Enabled {
		if cfg.Notify.Telegram.Token == "" {
			errs = append(errs, "notify.telegram.token is required when enabled")
		}
		if cfg.Notify.Telegram.ChatID == 0 {
			errs = append(errs, "notify.telegram.chatId is required when enabled")
		}
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
