package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tradeforce/models"
)

const DefaultConfigPath = "config/config.yml"

var envConfigPaths = map[string]string{
	EnvironmentProduction: "config/config.production.yml",
	EnvironmentStaging:    "config/config.staging.yml",
}

// ErrNoCredentials is returned when a component requires credentials that
// are neither configured nor present in the environment.
var ErrNoCredentials = errors.New("no credentials configured")

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Connection ConnectionConfig `yaml:"connection"`
	Failover   FailoverConfig   `yaml:"failover"`
	Venues     []VenueConfig    `yaml:"venues"`
	Stream     StreamConfig     `yaml:"stream"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	NATS       NATSConfig       `yaml:"nats"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type BackoffConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type ConnectionConfig struct {
	ConnectTimeout      time.Duration   `yaml:"connect_timeout"`
	ProbeTimeout        time.Duration   `yaml:"probe_timeout"`
	HealthCheckEnabled  bool            `yaml:"health_check_enabled"`
	HealthCheckInterval time.Duration   `yaml:"health_check_interval"`
	Backoff             BackoffConfig   `yaml:"backoff"`
	AuthProbeRateLimit  RateLimitConfig `yaml:"auth_probe_rate_limit"`
}

type FailoverConfig struct {
	Auto bool `yaml:"auto"`
}

// ProbeConfig describes one HTTP round trip used as a liveness or capability check.
type ProbeConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
}

// AuthConfig names the environment variables holding venue credentials.
type AuthConfig struct {
	APIKeyEnv    string `yaml:"api_key_env"`
	APISecretEnv string `yaml:"api_secret_env"`
	PrivateURL   string `yaml:"private_url"`
	APIKey       string `yaml:"-"`
	APISecret    string `yaml:"-"`
}

// Configured reports whether both key and secret were resolved.
func (a AuthConfig) Configured() bool {
	return a.APIKey != "" && a.APISecret != ""
}

type VenueConfig struct {
	ID              string       `yaml:"id"`
	DisplayName     string       `yaml:"display_name"`
	Kind            string       `yaml:"kind"`
	Priority        int          `yaml:"priority"`
	Capabilities    []string     `yaml:"capabilities"`
	Adapter         string       `yaml:"adapter"`
	BaseURL         string       `yaml:"base_url"`
	Probe           ProbeConfig  `yaml:"probe"`
	CapabilityProbe *ProbeConfig `yaml:"capability_probe"`
	Auth            *AuthConfig  `yaml:"auth"`
}

type StreamConfig struct {
	Enabled           bool          `yaml:"enabled"`
	URL               string        `yaml:"url"`
	KeyParam          string        `yaml:"key_param"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	FallbackKeyEnv    string        `yaml:"fallback_key_env"`
	APIKeys           []string      `yaml:"api_keys"`
	LivenessURL       string        `yaml:"liveness_url"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ProbeGrace        time.Duration `yaml:"probe_grace"`
	CacheExpiry       time.Duration `yaml:"cache_expiry"`
	Symbols           []string      `yaml:"symbols"`
	Backoff           BackoffConfig `yaml:"backoff"`
}

type DashboardConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address"`
	MetricsHistory int    `yaml:"metrics_history"`
	LogHistory     int    `yaml:"log_history"`
}

type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	ClientID      string        `yaml:"client_id"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type CloudWatchConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Namespace       string `yaml:"namespace"`
	Dashboard       string `yaml:"dashboard"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Default returns the configuration used when a file omits a section.
func Default() Config {
	return Config{
		App:     AppConfig{Name: "tradeforce", Version: "dev"},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout", ReportInterval: 30 * time.Second},
		Connection: ConnectionConfig{
			ConnectTimeout:      10 * time.Second,
			ProbeTimeout:        5 * time.Second,
			HealthCheckEnabled:  true,
			HealthCheckInterval: 30 * time.Second,
			Backoff:             BackoffConfig{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 5},
			AuthProbeRateLimit:  RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1},
		},
		Failover: FailoverConfig{Auto: true},
		Stream: StreamConfig{
			KeyParam:          "x-api-key",
			ConnectTimeout:    10 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			ProbeGrace:        5 * time.Second,
			CacheExpiry:       60 * time.Second,
			Backoff:           BackoffConfig{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 15},
		},
		Dashboard: DashboardConfig{Address: "0.0.0.0:8080", MetricsHistory: 200, LogHistory: 200},
		NATS:      NATSConfig{SubjectPrefix: "tradeforce", ReconnectWait: time.Second},
	}
}

// LoadConfig reads the YAML file at path (or the environment specific file
// selected through APP_ENV), applies environment overrides and validates it.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, DefaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default, resolves secrets from the
// environment and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	for i := range cfg.Venues {
		a := cfg.Venues[i].Auth
		if a == nil {
			continue
		}
		if a.APIKeyEnv != "" {
			a.APIKey = strings.TrimSpace(os.Getenv(a.APIKeyEnv))
		}
		if a.APISecretEnv != "" {
			a.APISecret = strings.TrimSpace(os.Getenv(a.APISecretEnv))
		}
	}

	if cfg.CloudWatch.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			cfg.CloudWatch.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			cfg.CloudWatch.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			cfg.CloudWatch.Region = strings.TrimSpace(v)
		}
	}

	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = strings.TrimSpace(v)
	}
}

// StreamKeys returns the stream credentials in rotation order: the primary
// environment key, the fallback environment key, then keys from the file.
// Duplicates and blanks are dropped.
func (c StreamConfig) StreamKeys() []string {
	var keys []string
	seen := map[string]struct{}{}
	add := func(k string) {
		k = strings.TrimSpace(k)
		if k == "" {
			return
		}
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	if c.APIKeyEnv != "" {
		add(os.Getenv(c.APIKeyEnv))
	}
	if c.FallbackKeyEnv != "" {
		add(os.Getenv(c.FallbackKeyEnv))
	}
	for _, k := range c.APIKeys {
		add(k)
	}
	return keys
}

func validateConfig(cfg *Config) error {
	if cfg.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if len(cfg.Venues) == 0 {
		return fmt.Errorf("at least one venue is required")
	}

	seen := map[string]struct{}{}
	for i, v := range cfg.Venues {
		if v.ID == "" {
			return fmt.Errorf("venues[%d].id is required", i)
		}
		if _, dup := seen[v.ID]; dup {
			return fmt.Errorf("venues[%d].id %q is duplicated", i, v.ID)
		}
		seen[v.ID] = struct{}{}
		if _, err := models.ParseVenueKind(v.Kind); err != nil {
			return fmt.Errorf("venues[%d] (%s): %w", i, v.ID, err)
		}
		switch v.Adapter {
		case "", "http":
			if v.Probe.URL == "" {
				return fmt.Errorf("venues[%d] (%s): probe.url is required for http adapter", i, v.ID)
			}
		case "binance", "bybit", "kraken", "kucoin":
		default:
			return fmt.Errorf("venues[%d] (%s): unknown adapter %q", i, v.ID, v.Adapter)
		}
	}

	c := cfg.Connection
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connection.connect_timeout must be greater than 0")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("connection.probe_timeout must be greater than 0")
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("connection.health_check_interval must be greater than 0")
	}
	if err := validateBackoff("connection.backoff", c.Backoff); err != nil {
		return err
	}

	if cfg.Stream.Enabled {
		s := cfg.Stream
		if s.URL == "" {
			return fmt.Errorf("stream.url is required when the stream is enabled")
		}
		if s.HeartbeatInterval <= 0 {
			return fmt.Errorf("stream.heartbeat_interval must be greater than 0")
		}
		if s.CacheExpiry <= 0 {
			return fmt.Errorf("stream.cache_expiry must be greater than 0")
		}
		if err := validateBackoff("stream.backoff", s.Backoff); err != nil {
			return err
		}
		if IsProductionLike(AppEnvironment()) && len(s.StreamKeys()) == 0 {
			return fmt.Errorf("stream: %w", ErrNoCredentials)
		}
	}

	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when NATS is enabled")
	}

	return nil
}

func validateBackoff(prefix string, b BackoffConfig) error {
	if b.BaseDelay <= 0 {
		return fmt.Errorf("%s.base_delay must be greater than 0", prefix)
	}
	if b.MaxDelay < b.BaseDelay {
		return fmt.Errorf("%s.max_delay must not be lower than base_delay", prefix)
	}
	if b.MaxAttempts <= 0 {
		return fmt.Errorf("%s.max_attempts must be greater than 0", prefix)
	}
	return nil
}
