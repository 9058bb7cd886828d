package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models missionline.yml.
type Config struct {
	Currency   string              `yaml:"currency"`
	Categories map[string]Category `yaml:"categories"`
	Server     struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Realtime struct {
		ChannelBuffer      int `yaml:"channel_buffer"`
		MaxChannelsPerUser int `yaml:"max_channels_per_user"`
		HeartbeatSeconds   int `yaml:"heartbeat_seconds"`
	} `yaml:"realtime"`
	Limits struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"limits"`
	Delivery struct {
		TimeoutSeconds int             `yaml:"timeout_seconds"`
		Webhooks       []WebhookConfig `yaml:"webhooks"`
	} `yaml:"delivery"`
}

type Category struct {
	Description string `yaml:"description"`
}

// WebhookConfig is one notification delivery endpoint. Events filters by
// audit event type (mission.accepted, ...); empty means all.
type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Events  []string `yaml:"events"`
	Enabled *bool    `yaml:"enabled"`
	Secret  string   `yaml:"secret"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ml init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to Default when the workspace has no config file.
func LoadOrDefault(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(strings.TrimSpace(c.Currency)) != 3 {
		return fmt.Errorf("config.currency must be a 3-letter code, got %q", c.Currency)
	}
	for name := range c.Categories {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.categories contains an empty name")
		}
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Realtime.ChannelBuffer < 0 || c.Realtime.MaxChannelsPerUser < 0 || c.Realtime.HeartbeatSeconds < 0 {
		return fmt.Errorf("config.realtime values must not be negative")
	}
	if c.Limits.RequestsPerSecond < 0 || c.Limits.Burst < 0 {
		return fmt.Errorf("config.limits values must not be negative")
	}
	if c.Delivery.TimeoutSeconds < 0 {
		return fmt.Errorf("config.delivery.timeout_seconds must not be negative")
	}
	for i, hook := range c.Delivery.Webhooks {
		u := strings.TrimSpace(hook.URL)
		if u == "" {
			return fmt.Errorf("config.delivery.webhooks[%d].url is required", i)
		}
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("config.delivery.webhooks[%d].url must be http(s)", i)
		}
	}
	return nil
}

// KnownCategory reports whether name is allowed. An empty catalog allows any category.
func (c *Config) KnownCategory(name string) bool {
	if c == nil || len(c.Categories) == 0 {
		return true
	}
	_, ok := c.Categories[name]
	return ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missionline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `currency: EUR

categories:
  plumbing:
    description: "Leaks, pipes, water heaters"
  electrical:
    description: "Wiring, outlets, lighting"
  cleaning:
    description: "Home and office cleaning"
  gardening:
    description: "Lawn, hedges, seasonal garden work"
  moving:
    description: "Packing, loading, transport"
  handyman:
    description: "Small repairs and assembly"

server:
  addr: 127.0.0.1:8080
  base_path: /v0

realtime:
  channel_buffer: 64
  max_channels_per_user: 16
  heartbeat_seconds: 25

limits:
  requests_per_second: 20
  burst: 40

delivery:
  timeout_seconds: 5
  webhooks: []
`
