package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"spawnd/internal/domain"
)

// Config models spawnd.yml.
type Config struct {
	Registry string `yaml:"registry"`
	// Runners maps a model tier to the worker executable launched for it.
	// Values are argv vectors; no shell is ever involved.
	Runners  map[string][]string `yaml:"runners"`
	Defaults struct {
		TimeoutSeconds     int   `yaml:"timeout_seconds"`
		GracePeriodSeconds int   `yaml:"grace_period_seconds"`
		MaxOutputBytes     int64 `yaml:"max_output_bytes"`
		MaxConcurrent      int   `yaml:"max_concurrent"`
	} `yaml:"defaults"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with spawnd config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Registry == "" {
		return fmt.Errorf("config.registry is required")
	}
	if len(c.Runners) == 0 {
		return fmt.Errorf("config.runners is required")
	}
	for tier, argv := range c.Runners {
		if !validTier(tier) {
			return fmt.Errorf("config.runners has unknown model tier %q", tier)
		}
		if len(argv) == 0 || argv[0] == "" {
			return fmt.Errorf("runner for tier %s has empty command", tier)
		}
	}
	if c.Defaults.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.defaults.timeout_seconds must be positive")
	}
	if c.Defaults.GracePeriodSeconds < 0 {
		return fmt.Errorf("config.defaults.grace_period_seconds must not be negative")
	}
	if c.Defaults.MaxOutputBytes <= 0 {
		return fmt.Errorf("config.defaults.max_output_bytes must be positive")
	}
	if c.Defaults.MaxConcurrent < 0 {
		return fmt.Errorf("config.defaults.max_concurrent must not be negative")
	}
	return nil
}

// Runner returns the argv vector configured for a model tier.
func (c *Config) Runner(tier domain.ModelTier) ([]string, error) {
	argv, ok := c.Runners[string(tier)]
	if !ok || len(argv) == 0 {
		return nil, fmt.Errorf("no runner configured for model tier %q", tier)
	}
	return argv, nil
}

func validTier(tier string) bool {
	for _, t := range domain.ModelTiers {
		if string(t) == tier {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "spawnd.yml")
}

// RegistryPath resolves the registry file path relative to the workspace.
func (c *Config) RegistryPath(workspace string) string {
	if filepath.IsAbs(c.Registry) {
		return c.Registry
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, c.Registry)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
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

const defaultTemplate = `registry: agents.yml

runners:
  fast-cheap: [agent-worker, --model, haiku]
  balanced: [agent-worker, --model, sonnet]
  maximum-quality: [agent-worker, --model, opus]

defaults:
  timeout_seconds: 300
  grace_period_seconds: 5
  max_output_bytes: 262144
  max_concurrent: 8
`
