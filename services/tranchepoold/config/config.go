package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"tranchepool/native/vault"
)

// Config captures the runtime settings for the vault daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"env"`
	ParamsPath    string          `yaml:"params"`
	LedgerPath    string          `yaml:"ledger_path"`
	AuditDSN      string          `yaml:"audit_dsn"`
	Log           LogConfig        `yaml:"log"`
	Auth          AuthConfig       `yaml:"auth"`
	RateLimit     RateLimitConfig  `yaml:"rate_limit"`
	Telemetry     TelemetryConfig  `yaml:"telemetry"`
	Settlement    SettlementConfig `yaml:"settlement"`
}

// LogConfig controls the structured log stream.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AuthConfig configures bearer token validation for privileged routes.
type AuthConfig struct {
	HMACSecret string `yaml:"hmac_secret"`
	Issuer     string `yaml:"issuer"`
	Audience   string `yaml:"audience"`
}

// RateLimitConfig caps request throughput per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// SettlementConfig points at the servicing platform holding the deposit
// asset and the receivables.
type SettlementConfig struct {
	BaseURL    string `yaml:"base_url"`
	HMACSecret string `yaml:"hmac_secret"`
}

// TelemetryConfig controls the OTLP exporters.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8480",
	}
	if strings.TrimSpace(path) == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadParams reads the TOML economic parameters referenced by the daemon
// configuration.
func (cfg Config) LoadParams() (*vault.Config, error) {
	params := &vault.Config{}
	if _, err := toml.DecodeFile(cfg.ParamsPath, params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8480"
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.ParamsPath = strings.TrimSpace(cfg.ParamsPath)
	cfg.LedgerPath = strings.TrimSpace(cfg.LedgerPath)
	cfg.AuditDSN = strings.TrimSpace(cfg.AuditDSN)
	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	cfg.Auth.Issuer = strings.TrimSpace(cfg.Auth.Issuer)
	cfg.Auth.Audience = strings.TrimSpace(cfg.Auth.Audience)
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
	cfg.Settlement.BaseURL = strings.TrimSpace(cfg.Settlement.BaseURL)
	cfg.Settlement.HMACSecret = strings.TrimSpace(cfg.Settlement.HMACSecret)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.ParamsPath == "" {
		return fmt.Errorf("params path required")
	}
	if cfg.LedgerPath == "" {
		return fmt.Errorf("ledger_path required")
	}
	if cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth: hmac_secret required")
	}
	if cfg.Settlement.BaseURL == "" {
		return fmt.Errorf("settlement: base_url required")
	}
	if cfg.Settlement.HMACSecret == "" {
		return fmt.Errorf("settlement: hmac_secret required")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit: requests_per_minute must not be negative")
	}
	if cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: burst must not be negative")
	}
	return nil
}
