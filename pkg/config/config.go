// Package config provides configuration structures and loading logic for the relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wakarelay/waka-relay/pkg/domain"
)

// Config holds the global configuration for the relay process. It is loaded
// once at startup and treated as a read-only snapshot for the process
// lifetime; there is no hot reload.
type Config struct {
	Relay RelayConfig `yaml:"relay"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RelayConfig holds the core relay settings.
type RelayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Workers is accepted for compatibility with older config files. The
	// process serves all requests from one shared listener.
	Workers int `yaml:"workers,omitempty"`

	// AdminAddress is the listen address for the metrics/health endpoints.
	AdminAddress string `yaml:"admin_address"`

	// Timeout applies uniformly to every outbound call, in seconds.
	Timeout int `yaml:"timeout"`

	// ConcurrencyLimit caps simultaneous outbound calls across all
	// instances and all in-flight requests.
	ConcurrencyLimit int `yaml:"concurrency_limit"`

	// TimeText templates the status bar grand total text. The %TEXT%
	// placeholder is replaced with the upstream value.
	TimeText string `yaml:"time_text"`

	RequireAPIKey bool   `yaml:"require_api_key"`
	APIKey        string `yaml:"api_key"`

	// Debug enables the append-only packet log.
	Debug        bool   `yaml:"debug"`
	DebugLogFile string `yaml:"debug_log_file"`

	// Instances maps base URL to API key. Document order is preserved:
	// the first entry is the primary instance.
	Instances Instances `yaml:"instances"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Instances is an ordered list of backend instances, decoded from a YAML
// mapping of base URL to API key. yaml.v3 exposes mapping entries in
// document order, which fixes the primary designation.
type Instances []domain.Instance

// UnmarshalYAML decodes the instances mapping while preserving order.
func (in *Instances) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("instances must be a mapping of base URL to API key (line %d)", value.Line)
	}
	out := make(Instances, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		var url, key string
		if err := value.Content[i].Decode(&url); err != nil {
			return fmt.Errorf("invalid instance URL: %w", err)
		}
		if err := value.Content[i+1].Decode(&key); err != nil {
			return fmt.Errorf("invalid API key for instance %s: %w", url, err)
		}
		out = append(out, domain.Instance{BaseURL: url, APIKey: key})
	}
	*in = out
	return nil
}

// CallTimeout returns the per-call timeout as a duration.
func (r *RelayConfig) CallTimeout() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// ListenAddress returns the host:port pair for the main listener.
func (r *RelayConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Host:             "0.0.0.0",
			Port:             25892,
			AdminAddress:     "127.0.0.1:25893",
			Timeout:          25,
			ConcurrencyLimit: 25,
			TimeText:         "%TEXT% (Relayed)",
			DebugLogFile:     "packets.log",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("WAKA_RELAY_HOST"); val != "" {
		cfg.Relay.Host = val
	}
	if val := os.Getenv("WAKA_RELAY_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Relay.Port = port
		}
	}
	if val := os.Getenv("WAKA_RELAY_ADMIN_ADDR"); val != "" {
		cfg.Relay.AdminAddress = val
	}
	if val := os.Getenv("WAKA_RELAY_API_KEY"); val != "" {
		cfg.Relay.APIKey = val
	}
	if val := os.Getenv("WAKA_RELAY_REQUIRE_API_KEY"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Relay.RequireAPIKey = b
		}
	}
	if val := os.Getenv("WAKA_RELAY_DEBUG"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Relay.Debug = b
		}
	}
	if val := os.Getenv("WAKA_RELAY_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("WAKA_RELAY_OTLP_INSECURE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Telemetry.Insecure = b
		}
	}
	if val := os.Getenv("WAKA_RELAY_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate checks the configuration for operator mistakes that should stop
// startup. An empty instance list is not rejected here: it is reported per
// request so the process can come up before backends are configured.
func (c *Config) Validate() error {
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Relay.Port)
	}
	if c.Relay.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", c.Relay.Timeout)
	}
	if c.Relay.ConcurrencyLimit <= 0 {
		return fmt.Errorf("concurrency_limit must be positive, got %d", c.Relay.ConcurrencyLimit)
	}
	if c.Relay.TimeText == "" {
		return fmt.Errorf("time_text must not be empty")
	}
	for _, inst := range c.Relay.Instances {
		if inst.BaseURL == "" {
			return fmt.Errorf("instance with empty base URL")
		}
	}
	return nil
}
