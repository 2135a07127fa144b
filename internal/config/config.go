package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models voltgrid.yml.
type Config struct {
	Network struct {
		BPPID  string `yaml:"bpp_id"`
		BPPURI string `yaml:"bpp_uri"`
	} `yaml:"network"`
	Matching struct {
		Weights struct {
			Price      float64 `yaml:"price"`
			Trust      float64 `yaml:"trust"`
			TimeWindow float64 `yaml:"time_window"`
		} `yaml:"weights"`
		MinTrustThreshold float64 `yaml:"min_trust_threshold"`
		DefaultTrustScore float64 `yaml:"default_trust_score"`
		PriceScoreFloor   float64 `yaml:"price_score_floor"`
		MaxBulkOffers     int     `yaml:"max_bulk_offers"`
	} `yaml:"matching"`
	Verification struct {
		DefaultMaxDeviationPercent float64 `yaml:"default_max_deviation_percent"`
		CaseTTLHours               int     `yaml:"case_ttl_hours"`
	} `yaml:"verification"`
	Callbacks struct {
		DelayMillis   int `yaml:"delay_millis"`
		TimeoutMillis int `yaml:"timeout_millis"`
	} `yaml:"callbacks"`
	Settlement struct {
		PendingDelayMillis int `yaml:"pending_delay_millis"`
		SettledDelayMillis int `yaml:"settled_delay_millis"`
	} `yaml:"settlement"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	w := c.Matching.Weights
	if w.Price < 0 || w.Trust < 0 || w.TimeWindow < 0 {
		return fmt.Errorf("config.matching.weights must be non-negative")
	}
	if w.Price+w.Trust+w.TimeWindow == 0 {
		return fmt.Errorf("config.matching.weights must not all be zero")
	}
	if c.Matching.MinTrustThreshold < 0 || c.Matching.MinTrustThreshold > 1 {
		return fmt.Errorf("config.matching.min_trust_threshold must be in [0,1]")
	}
	if c.Matching.DefaultTrustScore < 0 || c.Matching.DefaultTrustScore > 1 {
		return fmt.Errorf("config.matching.default_trust_score must be in [0,1]")
	}
	if c.Matching.PriceScoreFloor < 0 || c.Matching.PriceScoreFloor >= 1 {
		return fmt.Errorf("config.matching.price_score_floor must be in [0,1)")
	}
	if c.Matching.MaxBulkOffers <= 0 {
		return fmt.Errorf("config.matching.max_bulk_offers must be positive")
	}
	if c.Verification.DefaultMaxDeviationPercent < 0 {
		return fmt.Errorf("config.verification.default_max_deviation_percent must be non-negative")
	}
	if c.Verification.CaseTTLHours <= 0 {
		return fmt.Errorf("config.verification.case_ttl_hours must be positive")
	}
	if c.Callbacks.DelayMillis < 0 || c.Settlement.PendingDelayMillis < 0 || c.Settlement.SettledDelayMillis < 0 {
		return fmt.Errorf("config delays must be non-negative")
	}
	return nil
}

// CallbackDelay returns the configured outbound-callback delay.
func (c *Config) CallbackDelay() time.Duration {
	return time.Duration(c.Callbacks.DelayMillis) * time.Millisecond
}

// CallbackTimeout returns the per-request timeout for outbound callbacks.
func (c *Config) CallbackTimeout() time.Duration {
	return time.Duration(c.Callbacks.TimeoutMillis) * time.Millisecond
}

// SettlementPendingDelay returns the INITIATED->PENDING delay.
func (c *Config) SettlementPendingDelay() time.Duration {
	return time.Duration(c.Settlement.PendingDelayMillis) * time.Millisecond
}

// SettlementSettledDelay returns the PENDING->SETTLED delay.
func (c *Config) SettlementSettledDelay() time.Duration {
	return time.Duration(c.Settlement.SettledDelayMillis) * time.Millisecond
}

// CaseTTL returns the verification case lifetime.
func (c *Config) CaseTTL() time.Duration {
	return time.Duration(c.Verification.CaseTTLHours) * time.Hour
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "voltgrid.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with vg config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `network:
  bpp_id: voltgrid-bpp
  bpp_uri: http://localhost:8080/bpp

matching:
  weights:
    price: 0.4
    trust: 0.3
    time_window: 0.3
  min_trust_threshold: 0.3
  default_trust_score: 0.5
  price_score_floor: 0.3
  max_bulk_offers: 5

verification:
  default_max_deviation_percent: 5.0
  case_ttl_hours: 72

callbacks:
  delay_millis: 200
  timeout_millis: 5000

settlement:
  pending_delay_millis: 1000
  settled_delay_millis: 3000

auth:
  jwt_secret: ""
`
