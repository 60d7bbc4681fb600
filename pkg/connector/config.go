// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/mattermost-relay/pkg/dispatch"
	"github.com/aiku/mattermost-relay/pkg/readiness"
)

//go:embed example-config.yaml
var ExampleConfig string

const defaultAdminAPIAddr = ":29320"

// Config is the relay configuration file.
type Config struct {
	// ServerURL is used by sessions whose credentials carry no server URL.
	ServerURL string `yaml:"server_url"`
	// BotPrefix is a username prefix for echo prevention. Posts from any
	// Mattermost username starting with it are treated as relay echoes.
	// Leave empty to disable prefix-based filtering.
	BotPrefix string `yaml:"bot_prefix"`
	// AdminAPIAddr is the listen address for the admin HTTP API.
	AdminAPIAddr string `yaml:"admin_api_addr"`

	Events    EventsConfig    `yaml:"events"`
	Push      PushConfig      `yaml:"push"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Readiness ReadinessConfig `yaml:"readiness"`
	Sessions  []SessionConfig `yaml:"sessions"`

	Logging zeroconfig.Config `yaml:"logging"`
}

type EventsConfig struct {
	Disabled []dispatch.EventKind `yaml:"disabled"`
}

// PushConfig configures the websocket push channel. Port 0 disables it.
type PushConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
	SendBuffer     int    `yaml:"send_buffer"`
}

func (p PushConfig) Enabled() bool {
	return p.Port > 0
}

type WebhookConfig struct {
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"api_key"`
	Timeout   time.Duration `yaml:"timeout"`
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
}

type ReadinessConfig struct {
	MaxWait    time.Duration `yaml:"max_wait"`
	Interval   time.Duration `yaml:"interval"`
	StatusWait time.Duration `yaml:"status_wait"`
}

// Options converts the config into options for the polling waiter.
func (r ReadinessConfig) Options() readiness.Options {
	return readiness.Options{MaxWait: r.MaxWait, Interval: r.Interval}
}

// SessionConfig is a session started on boot.
type SessionConfig struct {
	ID          string `yaml:"id"`
	Credentials `yaml:",inline"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// Gate builds the event gate from the disabled kinds.
func (c *Config) Gate() *dispatch.Gate {
	return dispatch.NewGate(c.Events.Disabled)
}

// WebhookEnabled reports whether any webhook target is configured, either
// globally or on a boot session.
func (c *Config) WebhookEnabled() bool {
	if c.Webhook.URL != "" {
		return true
	}
	for _, s := range c.Sessions {
		if s.WebhookURL != "" {
			return true
		}
	}
	return false
}

// ApplyEnv overrides config values from RELAY_* environment variables.
// lookup is normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup("RELAY_DISABLED_EVENTS"); ok {
		c.Events.Disabled = dispatch.ParseKinds(v)
	}
	if v, ok := lookup("RELAY_WEBHOOK_URL"); ok {
		c.Webhook.URL = v
	}
	if v, ok := lookup("RELAY_API_KEY"); ok {
		c.Webhook.APIKey = v
	}
	if v, ok := lookup("RELAY_PUSH_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RELAY_PUSH_PORT %q: %w", v, err)
		}
		c.Push.Port = port
	}
	if v, ok := lookup("RELAY_API_ADDR"); ok && v != "" {
		c.AdminAPIAddr = v
	}
	return nil
}

// PostProcess validates the config and fills in defaults.
func (c *Config) PostProcess() error {
	if c.ServerURL != "" {
		if err := validateHTTPURL(c.ServerURL); err != nil {
			return fmt.Errorf("invalid server_url: %w", err)
		}
	}
	if c.Webhook.URL != "" {
		if err := validateHTTPURL(c.Webhook.URL); err != nil {
			return fmt.Errorf("invalid webhook.url: %w", err)
		}
	}
	if c.Push.Port < 0 || c.Push.Port > 65535 {
		return fmt.Errorf("invalid push.port %d", c.Push.Port)
	}

	seen := make(map[string]struct{}, len(c.Sessions))
	for i, s := range c.Sessions {
		if err := ValidateSessionID(s.ID); err != nil {
			return fmt.Errorf("sessions[%d]: %w", i, err)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("sessions[%d]: duplicate session id %q", i, s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.WebhookURL != "" {
			if err := validateHTTPURL(s.WebhookURL); err != nil {
				return fmt.Errorf("sessions[%d]: invalid webhook_url: %w", i, err)
			}
		}
	}

	if c.AdminAPIAddr == "" {
		c.AdminAPIAddr = defaultAdminAPIAddr
	}
	if c.Push.Host == "" {
		c.Push.Host = "0.0.0.0"
	}
	if c.Push.SendBuffer <= 0 {
		c.Push.SendBuffer = 64
	}
	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = 10 * time.Second
	}
	if c.Webhook.Workers <= 0 {
		c.Webhook.Workers = 4
	}
	if c.Webhook.QueueSize <= 0 {
		c.Webhook.QueueSize = 256
	}
	if c.Readiness.MaxWait <= 0 {
		c.Readiness.MaxWait = readiness.DefaultMaxWait
	}
	if c.Readiness.Interval <= 0 {
		c.Readiness.Interval = readiness.DefaultInterval
	}
	if c.Readiness.StatusWait <= 0 {
		c.Readiness.StatusWait = 5 * time.Second
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "server_url")
	helper.Copy(up.Str, "bot_prefix")
	helper.Copy(up.Str, "admin_api_addr")
	helper.Copy(up.List, "events", "disabled")
	helper.Copy(up.Str, "push", "host")
	helper.Copy(up.Int, "push", "port")
	helper.Copy(up.Int, "push", "max_connections")
	helper.Copy(up.Int, "push", "send_buffer")
	helper.Copy(up.Str, "webhook", "url")
	helper.Copy(up.Str, "webhook", "api_key")
	helper.Copy(up.Str, "webhook", "timeout")
	helper.Copy(up.Int, "webhook", "workers")
	helper.Copy(up.Int, "webhook", "queue_size")
	helper.Copy(up.Str, "readiness", "max_wait")
	helper.Copy(up.Str, "readiness", "interval")
	helper.Copy(up.Str, "readiness", "status_wait")
	helper.Copy(up.List, "sessions")
	helper.Copy(up.Map, "logging")
}

// ConfigUpgrader returns the upgrader that merges a user config into the
// current example config, keeping user values and adding new keys.
func ConfigUpgrader() up.BaseUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"events"},
			{"push"},
			{"webhook"},
			{"readiness"},
			{"sessions"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}

// LoadConfig upgrades the config file at path in place (when save is true),
// decodes it and applies environment overrides. PostProcess is not called.
func LoadConfig(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, ConfigUpgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config data and applies environment overrides.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}
