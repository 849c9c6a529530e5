package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that YAML-decodes from strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config models workvault.yml.
type Config struct {
	Vault struct {
		Path string `yaml:"path"`
	} `yaml:"vault"`
	Agent struct {
		ID   string `yaml:"id"`
		Role string `yaml:"role"`
		Peer string `yaml:"peer"`
	} `yaml:"agent"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Watchers struct {
		Inbox struct {
			Enabled  bool     `yaml:"enabled"`
			Interval Duration `yaml:"interval"`
		} `yaml:"inbox"`
		Feeds []FeedConfig `yaml:"feeds"`
	} `yaml:"watchers"`
	Intervals struct {
		Orchestrator Duration `yaml:"orchestrator"`
		Heartbeat    Duration `yaml:"heartbeat"`
		Scheduler    Duration `yaml:"scheduler"`
		Dashboard    Duration `yaml:"dashboard"`
	} `yaml:"intervals"`
	SLA struct {
		Kind      string   `yaml:"kind"`
		Threshold Duration `yaml:"threshold"`
	} `yaml:"sla"`
	Health struct {
		Threshold Duration `yaml:"threshold"`
	} `yaml:"health"`
	Approvals struct {
		DefaultExpiry Duration `yaml:"default_expiry"`
	} `yaml:"approvals"`
	Schedule struct {
		DailyBriefing string `yaml:"daily_briefing"`
		WeeklyAudit   string `yaml:"weekly_audit"`
	} `yaml:"schedule"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// FeedConfig is one polled external source.
type FeedConfig struct {
	Name     string   `yaml:"name"`
	Kind     string   `yaml:"kind"`
	URL      string   `yaml:"url"`
	Interval Duration `yaml:"interval"`
	TokenEnv string   `yaml:"token_env"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with wv init", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Vault.Path == "" {
		return fmt.Errorf("config.vault.path is required")
	}
	if c.Agent.ID == "" {
		return fmt.Errorf("config.agent.id is required")
	}
	switch c.Agent.Role {
	case "local", "cloud":
	default:
		return fmt.Errorf("config.agent.role must be 'local' or 'cloud'")
	}
	for i, feed := range c.Watchers.Feeds {
		if feed.Name == "" {
			return fmt.Errorf("config.watchers.feeds[%d].name is required", i)
		}
		if feed.Kind == "" {
			return fmt.Errorf("feed %s: kind is required", feed.Name)
		}
		if feed.Interval < 0 {
			return fmt.Errorf("feed %s: interval must not be negative", feed.Name)
		}
	}
	if c.SLA.Threshold < 0 {
		return fmt.Errorf("config.sla.threshold must not be negative")
	}
	if c.Schedule.DailyBriefing != "" {
		if _, err := time.Parse("15:04", c.Schedule.DailyBriefing); err != nil {
			return fmt.Errorf("config.schedule.daily_briefing must be HH:MM: %w", err)
		}
	}
	if c.Schedule.WeeklyAudit != "" {
		if _, err := time.Parse("15:04", c.Schedule.WeeklyAudit); err != nil {
			return fmt.Errorf("config.schedule.weekly_audit must be HH:MM: %w", err)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "workvault.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(agentID string) string {
	return fmt.Sprintf(defaultTemplate, agentID)
}

// Default returns the default Config struct for an agent.
func Default(agentID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, agentID))).Decode(&cfg)
	return &cfg
}

const defaultTemplate = `vault:
  path: ./vault

agent:
  id: %s
  role: local
  peer: cloud-agent

log:
  level: info
  format: console

watchers:
  inbox:
    enabled: true
    interval: 30s
  feeds:
    - name: gmail
      kind: EMAIL
      url: ""
      interval: 60s
      token_env: WORKVAULT_GMAIL_TOKEN

intervals:
  orchestrator: 5s
  heartbeat: 60s
  scheduler: 60s
  dashboard: 30s

sla:
  kind: EMAIL
  threshold: 24h

health:
  threshold: 5m

approvals:
  default_expiry: 72h

schedule:
  daily_briefing: "08:00"
  weekly_audit: "17:00"

server:
  addr: 127.0.0.1:8787
  base_path: /v0
  jwt_secret: ""
`
