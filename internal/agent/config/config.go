package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"p2phttp/internal/transport"
)

var ErrInvalidConfig = errors.New("invalid agent configuration")

// Config holds agent configuration
type Config struct {
	ServerIP       string `mapstructure:"server_ip" yaml:"server_ip"`
	ServerPort     int    `mapstructure:"server_port" yaml:"server_port"`
	Carrier        string `mapstructure:"carrier" yaml:"carrier"`
	WebSocketPath  string `mapstructure:"websocket_path" yaml:"websocket_path"`
	LocalProxyPort int    `mapstructure:"local_proxy_port" yaml:"local_proxy_port"`
	LogLevel       string `mapstructure:"log_level" yaml:"log_level"`

	IdentityFile string `mapstructure:"identity_file" yaml:"identity_file"`

	// Hostname is the name the agent authenticates to; defaults to the
	// server address.
	Hostname string `mapstructure:"hostname" yaml:"hostname"`

	// TrustedPeers pins the server identity. Empty trusts the first
	// identity seen.
	TrustedPeers []string      `mapstructure:"trusted_peers" yaml:"trusted_peers"`
	TokenTTL     time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`

	DialAttempts       int           `mapstructure:"dial_attempts" yaml:"dial_attempts"`
	BreakerMaxFailures int           `mapstructure:"breaker_max_failures" yaml:"breaker_max_failures"`
	BreakerReset       time.Duration `mapstructure:"breaker_reset" yaml:"breaker_reset"`
}

// Defaults returns the default values keyed as in the config file.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"server_port":          4001,
		"carrier":              transport.CarrierTCP,
		"websocket_path":       transport.DefaultWebSocketPath,
		"local_proxy_port":     8080,
		"log_level":            "info",
		"identity_file":        "./identity/agent.yaml",
		"token_ttl":            "1h",
		"dial_attempts":        3,
		"breaker_max_failures": 5,
		"breaker_reset":        "30s",
	}
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if c.ServerIP == "" {
		return fmt.Errorf("%w: server IP address is required (use --server-ip or config file)", ErrInvalidConfig)
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("%w: server_port %d out of range", ErrInvalidConfig, c.ServerPort)
	}
	if c.LocalProxyPort < 0 || c.LocalProxyPort > 65535 {
		return fmt.Errorf("%w: local_proxy_port %d out of range", ErrInvalidConfig, c.LocalProxyPort)
	}
	switch c.Carrier {
	case transport.CarrierTCP, transport.CarrierWebSocket:
	default:
		return fmt.Errorf("%w: carrier must be %q or %q", ErrInvalidConfig, transport.CarrierTCP, transport.CarrierWebSocket)
	}
	if c.IdentityFile == "" {
		return fmt.Errorf("%w: identity_file is required", ErrInvalidConfig)
	}
	if _, err := c.TrustedPeerIDs(); err != nil {
		return err
	}
	return nil
}

// GetServerAddress returns the full server address
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.ServerIP, c.ServerPort)
}

// GetHostname returns the hostname bound into authentication.
func (c *Config) GetHostname() string {
	if c.Hostname != "" {
		return c.Hostname
	}
	return c.GetServerAddress()
}

// TrustedPeerIDs decodes TrustedPeers.
func (c *Config) TrustedPeerIDs() ([]peer.ID, error) {
	ids := make([]peer.ID, 0, len(c.TrustedPeers))
	for _, s := range c.TrustedPeers {
		id, err := peer.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("%w: trusted peer %q: %w", ErrInvalidConfig, s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
