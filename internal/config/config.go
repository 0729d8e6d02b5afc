package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models vestline.yml.
type Config struct {
	Accounting struct {
		OwnershipCurrency         string `yaml:"ownership_currency"`
		MultipleCurrenciesAllowed bool   `yaml:"multiple_currencies_allowed"`
	} `yaml:"accounting"`
	Currencies map[string]DistributionRule `yaml:"currencies"`
	Server     struct {
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
}

// DistributionRule configures how earnings for a currency vest over time.
type DistributionRule struct {
	StartupDefaultDurationDays int `yaml:"startup_default_duration_days"`
}

// StartupDefaultDuration returns the configured vesting window.
func (r DistributionRule) StartupDefaultDuration() time.Duration {
	return time.Duration(r.StartupDefaultDurationDays) * 24 * time.Hour
}

// Rule returns the distribution rule for a currency, if configured.
func (c *Config) Rule(currency string) (DistributionRule, bool) {
	r, ok := c.Currencies[currency]
	return r, ok
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with vl config init", path)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Accounting.OwnershipCurrency == "" {
		return fmt.Errorf("config.accounting.ownership_currency is required")
	}
	if len(c.Currencies) == 0 {
		return fmt.Errorf("config.currencies is required")
	}
	if _, ok := c.Currencies[c.Accounting.OwnershipCurrency]; !ok {
		return fmt.Errorf("ownership currency %s has no distribution rule", c.Accounting.OwnershipCurrency)
	}
	for currency, rule := range c.Currencies {
		if currency == "" {
			return fmt.Errorf("config.currencies contains empty currency id")
		}
		if rule.StartupDefaultDurationDays < 0 {
			return fmt.Errorf("currency %s has negative startup_default_duration_days", currency)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "vestline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
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

const defaultTemplate = `accounting:
  # Currency used for ownership (vested caps) accounts.
  ownership_currency: CAP
  # When false, stats resolution rejects multiple accounts sharing a currency
  # and multiple ownership currencies instead of merging them.
  multiple_currencies_allowed: false

currencies:
  CAP:
    # Closed-task earnings vest over this window: half ramping up, half
    # ramping down.
    startup_default_duration_days: 30
  USD:
    startup_default_duration_days: 0

server:
  base_path: /v0
  jwt_secret: ""
  allow_legacy_actor_header: false
`
