package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/baaaht/portmux/pkg/types"
)

// Config represents the complete configuration for a portmux host
type Config struct {
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Messaging MessagingConfig `json:"messaging" yaml:"messaging"`
	Broker    BrokerConfig    `json:"broker" yaml:"broker"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level           string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format          string `json:"format" yaml:"format"` // json, text
	Output          string `json:"output" yaml:"output"` // stdout, stderr, file path
	RotationEnabled bool   `json:"rotation_enabled" yaml:"rotation_enabled"`
	MaxSize         int    `json:"max_size" yaml:"max_size"` // MB
	MaxBackups      int    `json:"max_backups" yaml:"max_backups"`
	MaxAge          int    `json:"max_age" yaml:"max_age"` // days
	Compress        bool   `json:"compress" yaml:"compress"`
}

// MessagingConfig contains port and dispatcher configuration
type MessagingConfig struct {
	// MaxPendingMessages caps the outbound queue of an unbound port.
	// Zero means unbounded.
	MaxPendingMessages    int           `json:"max_pending_messages" yaml:"max_pending_messages"`
	ReclaimAbandonedPorts bool          `json:"reclaim_abandoned_ports" yaml:"reclaim_abandoned_ports"`
	SyncRequestTimeout    time.Duration `json:"sync_request_timeout" yaml:"sync_request_timeout"`
}

// BrokerConfig contains configuration for the in-process loopback broker
type BrokerConfig struct {
	Codec                 string `json:"codec" yaml:"codec"` // cbor, none
	DeliverUnclaimedError bool   `json:"deliver_unclaimed_error" yaml:"deliver_unclaimed_error"`
}

// MetricsConfig contains metrics configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// Default returns a configuration with every section set to its defaults
func Default() *Config {
	return &Config{
		Logging:   DefaultLoggingConfig(),
		Messaging: DefaultMessagingConfig(),
		Broker:    DefaultBrokerConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// applyDefaults fills zero-valued fields left out of a partial YAML file
func applyDefaults(cfg *Config) {
	defaultLogging := DefaultLoggingConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaultLogging.Format
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = defaultLogging.Output
	}
	if cfg.Logging.MaxSize == 0 {
		cfg.Logging.MaxSize = defaultLogging.MaxSize
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = defaultLogging.MaxBackups
	}
	if cfg.Logging.MaxAge == 0 {
		cfg.Logging.MaxAge = defaultLogging.MaxAge
	}

	defaultMessaging := DefaultMessagingConfig()
	if cfg.Messaging.SyncRequestTimeout == 0 {
		cfg.Messaging.SyncRequestTimeout = defaultMessaging.SyncRequestTimeout
	}

	if cfg.Broker.Codec == "" {
		cfg.Broker.Codec = DefaultBrokerConfig().Codec
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsConfig().Namespace
	}
}

// applyEnvOverrides applies environment variables on top of the loaded configuration
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvLogOutput); v != "" {
		cfg.Logging.Output = v
	}

	if v := os.Getenv(EnvMaxPending); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("invalid %s value: %s", EnvMaxPending, v), err)
		}
		cfg.Messaging.MaxPendingMessages = n
	}
	if v := os.Getenv(EnvReclaimPorts); v != "" {
		cfg.Messaging.ReclaimAbandonedPorts = parseBool(v)
	}
	if v := os.Getenv(EnvSyncTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("invalid %s value: %s", EnvSyncTimeout, v), err)
		}
		cfg.Messaging.SyncRequestTimeout = d
	}

	if v := os.Getenv(EnvBrokerCodec); v != "" {
		cfg.Broker.Codec = v
	}

	if v := os.Getenv(EnvMetricsEnabled); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}

	return nil
}

func parseBool(v string) bool {
	return strings.ToLower(v) == "true" || v == "1"
}

// Load loads configuration from the default config file if it exists,
// falling back to defaults, then applies environment overrides
func Load() (*Config, error) {
	var cfg *Config

	configPath, err := GetDefaultConfigPath()
	if err == nil {
		if _, err := os.Stat(configPath); err == nil {
			cfg, err = LoadFromFile(configPath)
			if err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to check config file: %w", err)
		}
	}

	if cfg == nil {
		cfg = Default()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for validity
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid log format: %s (must be json or text)", c.Logging.Format))
	}

	if c.Messaging.MaxPendingMessages < 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "max pending messages cannot be negative")
	}
	if c.Messaging.SyncRequestTimeout <= 0 {
		return types.NewError(types.ErrCodeInvalidArgument, "sync request timeout must be positive")
	}

	if c.Broker.Codec != "cbor" && c.Broker.Codec != "none" {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("invalid broker codec: %s (must be cbor or none)", c.Broker.Codec))
	}

	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "metrics namespace cannot be empty when metrics are enabled")
	}

	return nil
}

// OverrideOptions holds values coming from command line flags
type OverrideOptions struct {
	LogLevel           string
	LogFormat          string
	LogOutput          string
	MaxPendingMessages int
	MetricsEnabled     *bool
}

// ApplyOverrides applies command line overrides, which take precedence over
// both the config file and the environment
func (c *Config) ApplyOverrides(opts OverrideOptions) {
	if opts.LogLevel != "" {
		c.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		c.Logging.Format = opts.LogFormat
	}
	if opts.LogOutput != "" {
		c.Logging.Output = opts.LogOutput
	}
	if opts.MaxPendingMessages > 0 {
		c.Messaging.MaxPendingMessages = opts.MaxPendingMessages
	}
	if opts.MetricsEnabled != nil {
		c.Metrics.Enabled = *opts.MetricsEnabled
	}
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	return fmt.Sprintf("Config{Logging: %s, Messaging: %s, Broker: %s, Metrics: %s}",
		c.Logging, c.Messaging, c.Broker, c.Metrics)
}

func (c LoggingConfig) String() string {
	return fmt.Sprintf("LoggingConfig{Level: %s, Format: %s, Output: %s}", c.Level, c.Format, c.Output)
}

func (c MessagingConfig) String() string {
	return fmt.Sprintf("MessagingConfig{MaxPending: %d, Reclaim: %t, SyncTimeout: %s}",
		c.MaxPendingMessages, c.ReclaimAbandonedPorts, c.SyncRequestTimeout)
}

func (c BrokerConfig) String() string {
	return fmt.Sprintf("BrokerConfig{Codec: %s, DeliverUnclaimedError: %t}", c.Codec, c.DeliverUnclaimedError)
}

func (c MetricsConfig) String() string {
	return fmt.Sprintf("MetricsConfig{Enabled: %t, Namespace: %s}", c.Enabled, c.Namespace)
}
