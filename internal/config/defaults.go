package config

import (
	"os"
	"path/filepath"
	"time"
)

// testConfigPath is an override for the default config path used in testing
var testConfigPath string

// SetTestConfigPath sets a custom config path for testing purposes
func SetTestConfigPath(path string) {
	testConfigPath = path
}

// GetConfigDir returns the portmux configuration directory
// Uses ~/.config/portmux/ on Unix systems
func GetConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "portmux"), nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() (string, error) {
	if testConfigPath != "" {
		return testConfigPath, nil
	}

	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}

const (
	// Environment variable names
	EnvLogLevel       = "LOG_LEVEL"
	EnvLogFormat      = "LOG_FORMAT"
	EnvLogOutput      = "LOG_OUTPUT"
	EnvMaxPending     = "PORTMUX_MAX_PENDING"
	EnvReclaimPorts   = "PORTMUX_RECLAIM_PORTS"
	EnvSyncTimeout    = "PORTMUX_SYNC_TIMEOUT"
	EnvBrokerCodec    = "PORTMUX_BROKER_CODEC"
	EnvMetricsEnabled = "PORTMUX_METRICS_ENABLED"
)

const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultMaxPendingMessages = 1024
	DefaultSyncRequestTimeout = 5 * time.Second

	DefaultBrokerCodec      = "cbor"
	DefaultMetricsNamespace = "portmux"
)

// DefaultLoggingConfig returns the default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:           DefaultLogLevel,
		Format:          DefaultLogFormat,
		Output:          "stdout",
		RotationEnabled: true,
		MaxSize:         100, // MB
		MaxBackups:      3,
		MaxAge:          28, // days
		Compress:        true,
	}
}

// DefaultMessagingConfig returns the default messaging configuration
func DefaultMessagingConfig() MessagingConfig {
	return MessagingConfig{
		MaxPendingMessages:    DefaultMaxPendingMessages,
		ReclaimAbandonedPorts: true,
		SyncRequestTimeout:    DefaultSyncRequestTimeout,
	}
}

// DefaultBrokerConfig returns the default loopback broker configuration
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		Codec:                 DefaultBrokerCodec,
		DeliverUnclaimedError: true,
	}
}

// DefaultMetricsConfig returns the default metrics configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   false,
		Namespace: DefaultMetricsNamespace,
	}
}
