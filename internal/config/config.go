package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prasenjit/omock/internal/condition"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Conditions ConditionsConfig `yaml:"conditions" mapstructure:"conditions"`
	Tracing    TracingConfig    `yaml:"tracing" mapstructure:"tracing"`
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" mapstructure:"port"`
	Host            string        `yaml:"host" mapstructure:"host"`
	ReadTimeout     time.Duration `yaml:"readTimeout" mapstructure:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" mapstructure:"writeTimeout"` // 0 lets long delays finish
	IdleTimeout     time.Duration `yaml:"idleTimeout" mapstructure:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" mapstructure:"shutdownTimeout"`
}

// SyncConfig holds peer synchronization configuration
type SyncConfig struct {
	SharedSecret      string        `yaml:"sharedSecret" mapstructure:"sharedSecret"`
	SecretHeader      string        `yaml:"secretHeader" mapstructure:"secretHeader"`
	Peers             []string      `yaml:"peers" mapstructure:"peers"`
	DNSName           string        `yaml:"dnsName" mapstructure:"dnsName"`
	PeerPort          int           `yaml:"peerPort" mapstructure:"peerPort"`
	SelfAddress       string        `yaml:"selfAddress" mapstructure:"selfAddress"`
	DirectoryCacheTTL time.Duration `yaml:"directoryCacheTTL" mapstructure:"directoryCacheTTL"`
	InitialDelay      time.Duration `yaml:"initialDelay" mapstructure:"initialDelay"`
	Interval          time.Duration `yaml:"interval" mapstructure:"interval"`
	MaxAttempts       int           `yaml:"maxAttempts" mapstructure:"maxAttempts"`
	InitialBackoff    time.Duration `yaml:"initialBackoff" mapstructure:"initialBackoff"`
	MaxBackoff        time.Duration `yaml:"maxBackoff" mapstructure:"maxBackoff"`
	RequestTimeout    time.Duration `yaml:"requestTimeout" mapstructure:"requestTimeout"`
	PushTimeout       time.Duration `yaml:"pushTimeout" mapstructure:"pushTimeout"`
	Concurrency       int           `yaml:"concurrency" mapstructure:"concurrency"`
	ReadyWithoutPeers bool          `yaml:"readyWithoutPeers" mapstructure:"readyWithoutPeers"`
}

// Enabled reports whether any peer source is configured
func (s SyncConfig) Enabled() bool {
	return len(s.Peers) > 0 || s.DNSName != ""
}

// ConditionsConfig selects the variant condition evaluator
type ConditionsConfig struct {
	Evaluator string `yaml:"evaluator" mapstructure:"evaluator"` // "substitution" or "env"
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled   bool `yaml:"enabled" mapstructure:"enabled"`
	MaxTraces int  `yaml:"maxTraces" mapstructure:"maxTraces"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Sync: SyncConfig{
			SecretHeader:      "X-Internal-Token",
			Peers:             []string{},
			PeerPort:          8080,
			DirectoryCacheTTL: 10 * time.Second,
			InitialDelay:      2 * time.Second,
			Interval:          60 * time.Second,
			MaxAttempts:       3,
			InitialBackoff:    500 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			RequestTimeout:    10 * time.Second,
			PushTimeout:       5 * time.Second,
			Concurrency:       4,
			ReadyWithoutPeers: true,
		},
		Conditions: ConditionsConfig{
			Evaluator: condition.KindSubstitution,
		},
		Tracing: TracingConfig{
			Enabled:   true,
			MaxTraces: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads configuration from a YAML file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval must be positive"))
	}
	if c.Sync.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("sync.maxAttempts must be at least 1"))
	}
	if c.Sync.DNSName != "" && (c.Sync.PeerPort < 1 || c.Sync.PeerPort > 65535) {
		errs = append(errs, fmt.Errorf("sync.peerPort %d out of range", c.Sync.PeerPort))
	}
	if _, err := condition.New(c.Conditions.Evaluator); err != nil {
		errs = append(errs, fmt.Errorf("conditions.evaluator: %w", err))
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Address returns host:port for the HTTP listener
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
