// Package config handles server configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (ACTIONSYNC_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	listen:
//	  host: 0.0.0.0
//	  port: 8955
//
//	tls:
//	  enabled: true
//	  cert_file: /etc/actionsync/fullchain.crt
//	  key_file: /etc/actionsync/privkey.key
//
//	auth:
//	  token: device-shared-secret
//	  admin_token_hash: $2a$10$...
//	  allow_remote_queue: false
//
//	limits:
//	  max_queue: 200
//	  max_logs: 300
//	  max_results: 200
//
//	timing:
//	  resend_after: 5s
//	  device_timeout: 2m
//	  write_timeout: 10s
//
//	log:
//	  level: info
//	  format: text
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/pilot-net/actionsync/control-plane/internal/bridge"
)

// Config is the complete server configuration.
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	TLS    TLSConfig    `yaml:"tls"`
	Auth   AuthConfig   `yaml:"auth"`
	Limits LimitsConfig `yaml:"limits"`
	Timing TimingConfig `yaml:"timing"`
	Log    LogConfig    `yaml:"log"`
}

// ListenConfig defines where the HTTP server binds.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// TLSConfig enables HTTPS with a certificate pair on disk.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig holds the device and controller secrets.
type AuthConfig struct {
	// Token is the shared secret devices send with every sync. Empty
	// disables device authentication.
	Token string `yaml:"token"`

	// AdminToken lets remote controllers call the admin endpoints.
	AdminToken string `yaml:"admin_token,omitempty"`

	// AdminTokenHash is a bcrypt hash of the admin token. When set it takes
	// precedence over AdminToken.
	AdminTokenHash string `yaml:"admin_token_hash,omitempty"`

	// AllowRemoteQueue opens the admin endpoints to every client.
	AllowRemoteQueue bool `yaml:"allow_remote_queue"`
}

// LimitsConfig bounds per-device state and request sizes.
type LimitsConfig struct {
	MaxQueue     int   `yaml:"max_queue"`
	MaxLogs      int   `yaml:"max_logs"`
	MaxResults   int   `yaml:"max_results"`
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// TimingConfig holds delivery and housekeeping intervals.
type TimingConfig struct {
	ResendAfter     time.Duration `yaml:"resend_after"`
	DeviceTimeout   time.Duration `yaml:"device_timeout"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	defaults := bridge.DefaultConfig()
	return &Config{
		Listen: ListenConfig{
			Host: "0.0.0.0",
			Port: 8955,
		},
		Limits: LimitsConfig{
			MaxQueue:     defaults.MaxQueue,
			MaxLogs:      defaults.MaxLogs,
			MaxResults:   defaults.MaxResults,
			MaxBodyBytes: defaults.MaxFrameBytes,
		},
		Timing: TimingConfig{
			ResendAfter:     defaults.ResendAfter,
			DeviceTimeout:   defaults.DeviceTimeout,
			DefaultTTL:      defaults.DefaultTTL,
			JanitorInterval: 30 * time.Second,
			PingInterval:    30 * time.Second,
			WriteTimeout:    defaults.WriteTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Load reads path when it is non-empty, falls back to the defaults
// otherwise, and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return errors.New("tls.cert_file and tls.key_file are required when tls is enabled")
		}
		for _, f := range []string{c.TLS.CertFile, c.TLS.KeyFile} {
			if _, err := os.Stat(f); err != nil {
				return fmt.Errorf("tls: %w", err)
			}
		}
	}
	if c.Auth.AdminTokenHash != "" {
		if _, err := bcrypt.Cost([]byte(c.Auth.AdminTokenHash)); err != nil {
			return fmt.Errorf("auth.admin_token_hash: %w", err)
		}
	}
	if c.Limits.MaxQueue <= 0 || c.Limits.MaxLogs <= 0 || c.Limits.MaxResults <= 0 {
		return errors.New("limits.max_queue, max_logs and max_results must be positive")
	}
	if c.Limits.MaxBodyBytes <= 0 {
		return errors.New("limits.max_body_bytes must be positive")
	}
	if c.Timing.ResendAfter < 0 {
		return errors.New("timing.resend_after must not be negative")
	}
	if c.Timing.DeviceTimeout <= 0 || c.Timing.DefaultTTL <= 0 {
		return errors.New("timing.device_timeout and default_ttl must be positive")
	}
	if c.Timing.JanitorInterval <= 0 || c.Timing.PingInterval <= 0 {
		return errors.New("timing.janitor_interval and ping_interval must be positive")
	}
	if c.Timing.WriteTimeout <= 0 {
		return errors.New("timing.write_timeout must be positive")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the ACTIONSYNC_ prefix:
// - ACTIONSYNC_LISTEN_HOST, ACTIONSYNC_LISTEN_PORT
// - ACTIONSYNC_TLS_ENABLED, ACTIONSYNC_TLS_CERT_FILE, ACTIONSYNC_TLS_KEY_FILE
// - ACTIONSYNC_AUTH_TOKEN, ACTIONSYNC_ADMIN_TOKEN, ACTIONSYNC_ADMIN_TOKEN_HASH
// - ACTIONSYNC_ALLOW_REMOTE_QUEUE
// - ACTIONSYNC_MAX_QUEUE, ACTIONSYNC_MAX_LOGS, ACTIONSYNC_MAX_RESULTS, ACTIONSYNC_MAX_BODY_BYTES
// - ACTIONSYNC_RESEND_AFTER, ACTIONSYNC_DEVICE_TIMEOUT, ACTIONSYNC_DEFAULT_TTL,
//   ACTIONSYNC_WRITE_TIMEOUT (Go durations)
// - ACTIONSYNC_LOG_LEVEL, ACTIONSYNC_LOG_FORMAT
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("ACTIONSYNC_LISTEN_HOST"); v != "" {
		c.Listen.Host = v
	}
	if v := os.Getenv("ACTIONSYNC_AUTH_TOKEN"); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv("ACTIONSYNC_ADMIN_TOKEN"); v != "" {
		c.Auth.AdminToken = v
	}
	if v := os.Getenv("ACTIONSYNC_ADMIN_TOKEN_HASH"); v != "" {
		c.Auth.AdminTokenHash = v
	}
	if v := os.Getenv("ACTIONSYNC_TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("ACTIONSYNC_TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}
	if v := os.Getenv("ACTIONSYNC_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("ACTIONSYNC_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"ACTIONSYNC_LISTEN_PORT", &c.Listen.Port},
		{"ACTIONSYNC_MAX_QUEUE", &c.Limits.MaxQueue},
		{"ACTIONSYNC_MAX_LOGS", &c.Limits.MaxLogs},
		{"ACTIONSYNC_MAX_RESULTS", &c.Limits.MaxResults},
	}
	for _, e := range ints {
		if v := os.Getenv(e.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = n
		}
	}
	if v := os.Getenv("ACTIONSYNC_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("ACTIONSYNC_MAX_BODY_BYTES: %w", err)
		}
		c.Limits.MaxBodyBytes = n
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"ACTIONSYNC_TLS_ENABLED", &c.TLS.Enabled},
		{"ACTIONSYNC_ALLOW_REMOTE_QUEUE", &c.Auth.AllowRemoteQueue},
	}
	for _, e := range bools {
		if v := os.Getenv(e.key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = b
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ACTIONSYNC_RESEND_AFTER", &c.Timing.ResendAfter},
		{"ACTIONSYNC_DEVICE_TIMEOUT", &c.Timing.DeviceTimeout},
		{"ACTIONSYNC_DEFAULT_TTL", &c.Timing.DefaultTTL},
		{"ACTIONSYNC_WRITE_TIMEOUT", &c.Timing.WriteTimeout},
	}
	for _, e := range durations {
		if v := os.Getenv(e.key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = d
		}
	}
	return nil
}

// BridgeConfig returns the registry settings derived from this config.
func (c *Config) BridgeConfig() bridge.Config {
	return bridge.Config{
		Token:         c.Auth.Token,
		MaxQueue:      c.Limits.MaxQueue,
		MaxLogs:       c.Limits.MaxLogs,
		MaxResults:    c.Limits.MaxResults,
		ResendAfter:   c.Timing.ResendAfter,
		DeviceTimeout: c.Timing.DeviceTimeout,
		DefaultTTL:    c.Timing.DefaultTTL,
		MaxFrameBytes: c.Limits.MaxBodyBytes,
		WriteTimeout:  c.Timing.WriteTimeout,
	}
}

// NewLogger builds the process logger described by the log section.
// debug forces the debug level.
func (c *Config) NewLogger(w io.Writer, debug bool) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
