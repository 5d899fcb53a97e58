// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server      ServerConfig              `yaml:"server"`
	Database    DatabaseConfig            `yaml:"database"`
	Proxy       ProxyConfig               `yaml:"proxy"`
	Auth        AuthConfig                `yaml:"auth"`
	Quota       QuotaConfig               `yaml:"quota"`
	Telemetry   TelemetryConfig           `yaml:"telemetry"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Credentials []CredentialEntry         `yaml:"credentials"`
	Keys        []KeyEntry                `yaml:"keys"`
}

// ProviderConfig holds the OAuth refresh settings for one upstream provider.
type ProviderConfig struct {
	ClientID string `yaml:"client_id"`
	// TokenURLs maps auth-method tags to token endpoints. The "" key is
	// the provider default.
	TokenURLs map[string]string `yaml:"token_urls"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// ProxyConfig holds outbound HTTP settings for upstream providers.
type ProxyConfig struct {
	URL       string        `yaml:"url"` // forward proxy for upstream calls, empty = direct
	TimeoutMs int           `yaml:"timeout_ms"`
	Machine   MachineConfig `yaml:"machine"`
}

// MachineConfig seeds the stable machine identity sent to upstreams.
type MachineConfig struct {
	Seed string `yaml:"seed"` // hashed into the client fingerprint; hostname when empty
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	AdminKey string `yaml:"admin_key"` // bootstrap admin key (hashed on first use)
}

// QuotaConfig holds default per-key limits applied when a key entry
// leaves them unset. Zero means unlimited.
type QuotaConfig struct {
	DailyLimit      int64   `yaml:"daily_limit"`
	MonthlyLimit    int64   `yaml:"monthly_limit"`
	TotalLimit      int64   `yaml:"total_limit"`
	ConcurrentLimit int64   `yaml:"concurrent_limit"`
	DailyCostLimit  float64 `yaml:"daily_cost_limit"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// CredentialEntry is a provider credential seed in the config file.
type CredentialEntry struct {
	Provider     string `yaml:"provider"` // "kiro" or "warp"
	Name         string `yaml:"name"`
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
	AuthMethod   string `yaml:"auth_method"` // "social", "idc", ...
	Region       string `yaml:"region"`
	ProfileID    string `yaml:"profile_id"`
	Active       bool   `yaml:"active"`
}

// KeyEntry is an API key seed in the config file.
type KeyEntry struct {
	Name             string   `yaml:"name"`
	Key              string   `yaml:"key"` // plaintext, hashed on bootstrap
	DailyLimit       *int64   `yaml:"daily_limit"`
	MonthlyLimit     *int64   `yaml:"monthly_limit"`
	TotalLimit       *int64   `yaml:"total_limit"`
	ConcurrentLimit  *int64   `yaml:"concurrent_limit"`
	DailyCostLimit   *float64 `yaml:"daily_cost_limit"`
	MonthlyCostLimit *float64 `yaml:"monthly_cost_limit"`
	TotalCostLimit   *float64 `yaml:"total_cost_limit"`
	ExpiresInDays    int      `yaml:"expires_in_days"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config populated with sane defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "pylon.db",
		},
		Proxy: ProxyConfig{
			TimeoutMs: 120_000,
		},
		Providers: map[string]ProviderConfig{
			"kiro": {
				TokenURLs: map[string]string{
					"social": "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken",
					"idc":    "https://oidc.us-east-1.amazonaws.com/token",
				},
			},
			"warp": {
				TokenURLs: map[string]string{
					"": "https://app.warp.dev/oauth/token",
				},
			},
		},
	}
}
