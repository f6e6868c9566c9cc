package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	agentConfig "p2phttp/internal/agent/config"
	"p2phttp/internal/agent/proxy"
	"p2phttp/internal/agent/tunnel"
	"p2phttp/internal/shared/config"
	"p2phttp/internal/shared/identity"
	"p2phttp/internal/shared/logging"
	"p2phttp/internal/shared/protocol"
)

var (
	configFile   string
	serverIP     string
	serverPort   int
	proxyPort    int
	carrier      string
	logLevel     string
	identityFile string
	hostname     string
	trustedPeers []string
	timeout      time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "p2phttp-agent",
		Short: "p2phttp agent",
		Long:  "p2phttp agent - Local HTTP proxy that forwards traffic to an authenticated node",
		RunE:  runAgent,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Configuration file path")
	flags.StringVar(&serverIP, "server-ip", "", "Node IP address")
	flags.IntVar(&serverPort, "server-port", 0, "Node port")
	flags.StringVar(&carrier, "carrier", "", "Carrier transport (tcp, websocket)")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&identityFile, "identity", "", "Agent identity key file")
	flags.StringVar(&hostname, "hostname", "", "Hostname to authenticate the node as")
	flags.StringSliceVar(&trustedPeers, "trusted-peer", nil, "Node peer ID to trust (repeatable)")
	rootCmd.Flags().IntVar(&proxyPort, "proxy-port", 0, "Local proxy port")

	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure the round trip to the node's ping protocol",
		RunE:  runPing,
	}
	whoamiCmd := &cobra.Command{
		Use:   "whoami",
		Short: "Ask the node which peer ID it authenticated us as",
		RunE:  runWhoAmI,
	}
	protocolsCmd := &cobra.Command{
		Use:   "protocols",
		Short: "List the protocols the node publishes",
		RunE:  runProtocols,
	}
	for _, c := range []*cobra.Command{pingCmd, whoamiCmd, protocolsCmd} {
		c.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
		rootCmd.AddCommand(c)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig merges flags over the config file and validates the result.
func loadConfig(logger *logging.Logger) (*agentConfig.Config, error) {
	// Build configuration overrides from CLI flags
	overrides := make(map[string]interface{})
	if serverIP != "" {
		overrides["server_ip"] = serverIP
	}
	if serverPort != 0 {
		overrides["server_port"] = serverPort
	}
	if proxyPort != 0 {
		overrides["local_proxy_port"] = proxyPort
	}
	if carrier != "" {
		overrides["carrier"] = carrier
	}
	if logLevel != "" {
		overrides["log_level"] = logLevel
	}
	if identityFile != "" {
		overrides["identity_file"] = identityFile
	}
	if hostname != "" {
		overrides["hostname"] = hostname
	}
	if len(trustedPeers) > 0 {
		overrides["trusted_peers"] = trustedPeers
	}

	cfg, err := config.LoadConfig[agentConfig.Config](configFile, agentConfig.Defaults(), overrides)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// newClient loads the agent identity and builds a client for the node.
func newClient(cfg *agentConfig.Config, logger *logging.Logger) (*tunnel.Client, error) {
	id, created, err := identity.LoadOrGenerate(cfg.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}
	if created {
		logger.Info("Generated new agent identity", "file", cfg.IdentityFile, "peer", id.PeerID.String())
	}
	return tunnel.NewClient(cfg, id, logger)
}

func runAgent(cmd *cobra.Command, args []string) error {
	// Create logger
	logger := logging.NewLogger("agent")

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	logger.Info("Starting p2phttp agent",
		"server", cfg.GetServerAddress(),
		"carrier", cfg.Carrier,
		"proxy_port", cfg.LocalProxyPort,
		"log_level", cfg.LogLevel)

	// Save updated configuration if server IP was provided via CLI
	if serverIP != "" && configFile != "" {
		if err := config.SaveConfig(configFile, cfg); err != nil {
			logger.Warn("Failed to save updated configuration", "error", err.Error())
		} else {
			logger.Info("Updated configuration saved", "file", configFile)
		}
	}

	client, err := newClient(cfg, logger)
	if err != nil {
		return err
	}

	// Create proxy server
	proxyServer := proxy.NewServer(cfg.LocalProxyPort, client.Remote(), logger)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start proxy server
	if err := proxyServer.Start(); err != nil {
		return fmt.Errorf("failed to start proxy server: %w", err)
	}

	// Connection management goroutine
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if !client.IsConnected() {
				logger.Info("Attempting to connect to node")
				if err := client.Connect(ctx); err != nil {
					logger.Error("Failed to connect to node", err)
					select {
					case <-time.After(5 * time.Second):
					case <-ctx.Done():
						return
					}
					continue
				}
			}

			// Wait for disconnection or shutdown
			select {
			case <-client.Done():
				logger.Warn("Connection lost, will attempt to reconnect")
				time.Sleep(2 * time.Second)
			case <-ctx.Done():
				return
			}
		}
	}()

	// Wait for shutdown signal
	<-sigChan
	logger.Info("Shutdown signal received, stopping agent...")

	// Graceful shutdown
	cancel()

	// Stop proxy server
	if err := proxyServer.Stop(); err != nil {
		logger.Error("Error stopping proxy server", err)
	}

	// Disconnect from node
	if err := client.Close(); err != nil {
		logger.Error("Error disconnecting from node", err)
	}

	logger.Info("Agent stopped")
	return nil
}

// withClient runs fn against a connected client and closes it afterwards.
func withClient(fn func(ctx context.Context, client *tunnel.Client) error) error {
	logger := logging.NewLogger("agent")

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}
	client, err := newClient(cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return err
	}
	return fn(ctx, client)
}

func runPing(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, client *tunnel.Client) error {
		rtt, err := client.Remote().Ping(ctx)
		if err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		fmt.Printf("Pong from %s: time=%s\n", client.Node(), rtt)
		return nil
	})
}

func runWhoAmI(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, client *tunnel.Client) error {
		self, node, err := client.Remote().WhoAmI(ctx)
		if err != nil {
			return fmt.Errorf("whoami failed: %w", err)
		}
		fmt.Printf("You are %s according to %s\n", self, node)
		return nil
	})
}

func runProtocols(cmd *cobra.Command, args []string) error {
	return withClient(func(ctx context.Context, client *tunnel.Client) error {
		protocols, err := client.Remote().Protocols(ctx)
		if err != nil {
			return err
		}
		ids := make([]protocol.ID, 0, len(protocols))
		for id := range protocols {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			fmt.Printf("%s\t%s\n", id, protocols[id].Path)
		}
		return nil
	})
}
