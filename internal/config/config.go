package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models journeyline.yml.
type Config struct {
	Database struct {
		Driver string `yaml:"driver" json:"driver"`
		DSN    string `yaml:"dsn" json:"dsn,omitempty"`
	} `yaml:"database" json:"database"`
	Subjects struct {
		RequireCase bool `yaml:"require_case" json:"require_case"`
	} `yaml:"subjects" json:"subjects"`
	Tickets struct {
		SLA                 map[string]SLAPolicy `yaml:"sla" json:"sla"`
		Aliases             map[string]string    `yaml:"aliases" json:"aliases,omitempty"`
		EscalationRecipient string               `yaml:"escalation_recipient" json:"escalation_recipient,omitempty"`
	} `yaml:"tickets" json:"tickets"`
	Notifications struct {
		Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
		Redis    RedisConfig     `yaml:"redis" json:"redis"`
	} `yaml:"notifications" json:"notifications"`
	Server struct {
		RateLimitRPS   float64 `yaml:"rate_limit_rps" json:"rate_limit_rps"`
		RateLimitBurst int     `yaml:"rate_limit_burst" json:"rate_limit_burst"`
	} `yaml:"server" json:"server"`
}

// SLAPolicy is one row of the ticket SLA table.
type SLAPolicy struct {
	FirstResponse time.Duration `yaml:"first_response" json:"first_response"`
	Resolution    time.Duration `yaml:"resolution" json:"resolution"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	// Notify routes sink notifications (deadline and completion notices) to this hook too.
	Notify bool `yaml:"notify" json:"notify,omitempty"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr,omitempty"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db,omitempty"`
	Channel  string `yaml:"channel" json:"channel,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with jl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the defaults if no file exists.
func LoadOrDefault(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if len(c.Tickets.SLA) == 0 {
		return fmt.Errorf("config.tickets.sla is required")
	}
	for priority, p := range c.Tickets.SLA {
		if priority == "" {
			return fmt.Errorf("config.tickets.sla has empty priority")
		}
		if p.FirstResponse <= 0 || p.Resolution <= 0 {
			return fmt.Errorf("sla for priority %s must have positive first_response and resolution", priority)
		}
		if p.FirstResponse > p.Resolution {
			return fmt.Errorf("sla for priority %s: first_response exceeds resolution", priority)
		}
	}
	for alias, target := range c.Tickets.Aliases {
		if _, ok := c.Tickets.SLA[target]; !ok {
			return fmt.Errorf("priority alias %s points to unknown priority %s", alias, target)
		}
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("config.server rate limits must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "journeyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
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

const defaultTemplate = `database:
  driver: sqlite

subjects:
  require_case: false

tickets:
  sla:
    baixa:
      first_response: 24h
      resolution: 72h
    normal:
      first_response: 8h
      resolution: 24h
    alta:
      first_response: 4h
      resolution: 8h
    urgente:
      first_response: 1h
      resolution: 4h
  aliases:
    media: normal
  escalation_recipient: support-lead

notifications:
  webhooks: []
  redis:
    channel: journeyline.events

server:
  rate_limit_rps: 20
  rate_limit_burst: 40
`
