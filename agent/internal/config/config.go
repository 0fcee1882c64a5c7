// Package config handles agent configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (ACTIONSYNC_AGENT_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	server:
//	  url: http://127.0.0.1:8955
//	  token: s3cret
//	  transport: ws
//
//	device:
//	  id: kitchen-tablet
//	  info:
//	    model: tab-s9
//	    room: kitchen
//
//	sync:
//	  poll_interval: 5s
//	  reconnect_delay: 3s
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Transports understood by the agent.
const (
	TransportHTTP = "http"
	TransportWS   = "ws"
)

// Config is the complete agent configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Device DeviceConfig `yaml:"device"`
	Sync   SyncConfig   `yaml:"sync"`
}

// ServerConfig defines how to reach the sync server.
type ServerConfig struct {
	URL   string `yaml:"url"`   // e.g., http://127.0.0.1:8955
	Token string `yaml:"token"` // device sync token

	// Transport is "ws" (push over WebSocket, falling back to HTTP) or "http".
	Transport string `yaml:"transport"`

	// TLS settings
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`

	// Timeouts
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
}

// DeviceConfig defines device identity and metadata.
type DeviceConfig struct {
	ID   string         `yaml:"id"`   // unique device id
	Info map[string]any `yaml:"info"` // reported on every sync
}

// SyncConfig defines sync cadence.
type SyncConfig struct {
	// PollInterval is the HTTP poll period, and the keepalive sync period
	// while a WebSocket is open.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ReconnectDelay is the pause before redialing a dropped WebSocket.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// SeenTTL is how long executed action ids are remembered so that a
	// redelivered action is acknowledged instead of run again.
	SeenTTL time.Duration `yaml:"seen_ttl"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport:      TransportWS,
			RequestTimeout: 30 * time.Second,
		},
		Device: DeviceConfig{
			Info: make(map[string]any),
		},
		Sync: SyncConfig{
			PollInterval:   5 * time.Second,
			ReconnectDelay: 3 * time.Second,
			SeenTTL:        10 * time.Minute,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
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

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.url must be an http(s) URL, got %q", c.Server.URL)
	}
	if c.Device.ID == "" {
		return fmt.Errorf("device.id is required")
	}
	switch c.Server.Transport {
	case TransportHTTP, TransportWS:
	default:
		return fmt.Errorf("server.transport must be %q or %q, got %q", TransportHTTP, TransportWS, c.Server.Transport)
	}
	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("sync.poll_interval must be positive")
	}
	if c.Sync.ReconnectDelay <= 0 {
		return fmt.Errorf("sync.reconnect_delay must be positive")
	}
	if c.Sync.SeenTTL <= 0 {
		return fmt.Errorf("sync.seen_ttl must be positive")
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use ACTIONSYNC_AGENT_ prefix:
// - ACTIONSYNC_AGENT_SERVER_URL
// - ACTIONSYNC_AGENT_TOKEN
// - ACTIONSYNC_AGENT_TRANSPORT
// - ACTIONSYNC_AGENT_INSECURE (bool)
// - ACTIONSYNC_AGENT_DEVICE_ID
// - ACTIONSYNC_AGENT_DEVICE_INFO (JSON object, e.g., '{"room":"kitchen"}')
// - ACTIONSYNC_AGENT_POLL_INTERVAL (duration)
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("ACTIONSYNC_AGENT_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("ACTIONSYNC_AGENT_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("ACTIONSYNC_AGENT_TRANSPORT"); v != "" {
		c.Server.Transport = v
	}
	if v := os.Getenv("ACTIONSYNC_AGENT_INSECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ACTIONSYNC_AGENT_INSECURE: %w", err)
		}
		c.Server.InsecureSkipVerify = b
	}
	if v := os.Getenv("ACTIONSYNC_AGENT_DEVICE_ID"); v != "" {
		c.Device.ID = v
	}
	if v := os.Getenv("ACTIONSYNC_AGENT_DEVICE_INFO"); v != "" {
		var info map[string]any
		if err := json.Unmarshal([]byte(v), &info); err != nil {
			return fmt.Errorf("ACTIONSYNC_AGENT_DEVICE_INFO: %w", err)
		}
		if c.Device.Info == nil {
			c.Device.Info = make(map[string]any)
		}
		for k, val := range info {
			c.Device.Info[k] = val
		}
	}
	if v := os.Getenv("ACTIONSYNC_AGENT_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ACTIONSYNC_AGENT_POLL_INTERVAL: %w", err)
		}
		c.Sync.PollInterval = d
	}
	return nil
}
