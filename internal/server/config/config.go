package config

import (
	"errors"
	"fmt"
	"time"

	"p2phttp/internal/server/metrics"
	"p2phttp/internal/transport"
)

var ErrInvalidConfig = errors.New("invalid server configuration")

// Config holds node server configuration
type Config struct {
	ListenAddr     string `mapstructure:"listen_addr" yaml:"listen_addr"`
	ListenPort     int    `mapstructure:"listen_port" yaml:"listen_port"`
	Carrier        string `mapstructure:"carrier" yaml:"carrier"`
	WebSocketPath  string `mapstructure:"websocket_path" yaml:"websocket_path"`
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections"`
	LogLevel       string `mapstructure:"log_level" yaml:"log_level"`

	// Identity
	IdentityFile       string `mapstructure:"identity_file" yaml:"identity_file"`
	SecretsManagerName string `mapstructure:"secrets_manager_name" yaml:"secrets_manager_name"`
	UseSecretsManager  bool   `mapstructure:"use_secrets_manager" yaml:"use_secrets_manager"`
	AWSRegion          string `mapstructure:"aws_region" yaml:"aws_region"`

	// Authentication
	Hostnames []string      `mapstructure:"hostnames" yaml:"hostnames"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`

	MaxMessageSize int64 `mapstructure:"max_message_size" yaml:"max_message_size"`

	Metrics metrics.Config `mapstructure:"metrics" yaml:"metrics"`
}

// Defaults returns the default values keyed as in the config file.
func Defaults() map[string]interface{} {
	m := metrics.DefaultConfig()
	return map[string]interface{}{
		"listen_addr":           "0.0.0.0",
		"listen_port":           4001,
		"carrier":               transport.CarrierTCP,
		"websocket_path":        transport.DefaultWebSocketPath,
		"max_connections":       100,
		"log_level":             "info",
		"identity_file":         "./identity/server.yaml",
		"token_ttl":             "1h",
		"max_message_size":      10 << 20,
		"metrics.enabled":       m.Enabled,
		"metrics.region":        m.Region,
		"metrics.namespace":     m.Namespace,
		"metrics.node_name":     m.NodeName,
		"metrics.emit_interval": m.EmitInterval.String(),
	}
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: listen_port %d out of range", ErrInvalidConfig, c.ListenPort)
	}
	switch c.Carrier {
	case transport.CarrierTCP, transport.CarrierWebSocket:
	default:
		return fmt.Errorf("%w: carrier must be %q or %q", ErrInvalidConfig, transport.CarrierTCP, transport.CarrierWebSocket)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("%w: max_connections must not be negative", ErrInvalidConfig)
	}
	if c.UseSecretsManager && c.SecretsManagerName == "" {
		return fmt.Errorf("%w: secrets_manager_name is required with use_secrets_manager", ErrInvalidConfig)
	}
	if !c.UseSecretsManager && c.IdentityFile == "" {
		return fmt.Errorf("%w: identity_file is required", ErrInvalidConfig)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("%w: token_ttl must be positive", ErrInvalidConfig)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// GetListenAddress returns the full listen address
func (c *Config) GetListenAddress() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.ListenPort)
}
