package metrics

import (
	"fmt"
	"time"
)

// Config holds CloudWatch metrics configuration
type Config struct {
	// Enabled indicates if metrics emission is enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Region is the AWS region for CloudWatch
	Region string `mapstructure:"region" yaml:"region"`

	// Namespace is the CloudWatch namespace for custom metrics
	Namespace string `mapstructure:"namespace" yaml:"namespace"`

	// NodeName is used as a dimension for metrics
	NodeName string `mapstructure:"node_name" yaml:"node_name"`

	// EmitInterval is how often to emit metrics
	EmitInterval time.Duration `mapstructure:"emit_interval" yaml:"emit_interval"`
}

// DefaultConfig returns metrics settings with emission disabled.
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		Region:       "us-east-1",
		Namespace:    "P2PHTTP",
		NodeName:     "p2phttp-node",
		EmitInterval: 60 * time.Second,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Region == "" {
		return fmt.Errorf("metrics.region is required when metrics are enabled")
	}

	if c.Namespace == "" {
		return fmt.Errorf("metrics.namespace is required when metrics are enabled")
	}

	if c.EmitInterval < 10*time.Second {
		return fmt.Errorf("metrics.emit_interval must be at least 10 seconds")
	}

	return nil
}
