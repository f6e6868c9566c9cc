package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	serverConfig "p2phttp/internal/server/config"
	"p2phttp/internal/server/tunnel"
	"p2phttp/internal/shared/config"
	"p2phttp/internal/shared/identity"
	"p2phttp/internal/shared/logging"
	"p2phttp/internal/shared/secretsmanager"
)

var (
	configFile     string
	listenAddr     string
	listenPort     int
	carrier        string
	maxConnections int
	logLevel       string
	identityFile   string
	hostnames      []string

	keygenForce   bool
	keygenPublish string
	keygenRegion  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "p2phttp-server",
		Short: "p2phttp node server",
		Long:  "p2phttp node server - Serves HTTP and WebSocket protocols over multiplexed peer streams",
		RunE:  runServer,
	}

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.Flags().StringVar(&listenAddr, "listen-addr", "", "Address to listen on")
	rootCmd.Flags().IntVar(&listenPort, "listen-port", 0, "Port to listen on")
	rootCmd.Flags().StringVar(&carrier, "carrier", "", "Carrier transport (tcp, websocket)")
	rootCmd.Flags().IntVar(&maxConnections, "max-connections", 0, "Maximum number of concurrent connections")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&identityFile, "identity", "", "Node identity key file")
	rootCmd.Flags().StringSliceVar(&hostnames, "hostname", nil, "Hostname clients may authenticate to (repeatable)")

	keygenCmd := &cobra.Command{
		Use:   "keygen [file]",
		Short: "Generate a node identity",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runKeygen,
	}
	keygenCmd.Flags().BoolVarP(&keygenForce, "force", "f", false, "Overwrite an existing identity file")
	keygenCmd.Flags().StringVar(&keygenPublish, "secret-name", "", "Also store the identity in this AWS Secrets Manager secret")
	keygenCmd.Flags().StringVar(&keygenRegion, "region", "", "AWS region for --secret-name")
	rootCmd.AddCommand(keygenCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	// Create logger
	logger := logging.NewLogger("server")

	// Build configuration overrides from CLI flags
	overrides := make(map[string]interface{})
	if listenAddr != "" {
		overrides["listen_addr"] = listenAddr
	}
	if listenPort != 0 {
		overrides["listen_port"] = listenPort
	}
	if carrier != "" {
		overrides["carrier"] = carrier
	}
	if maxConnections != 0 {
		overrides["max_connections"] = maxConnections
	}
	if logLevel != "" {
		overrides["log_level"] = logLevel
	}
	if identityFile != "" {
		overrides["identity_file"] = identityFile
	}
	if len(hostnames) > 0 {
		overrides["hostnames"] = hostnames
	}

	// Load configuration
	cfg, err := config.LoadConfig[serverConfig.Config](configFile, serverConfig.Defaults(), overrides)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Set log level
	logger.SetLevel(cfg.LogLevel)

	logger.Info("Starting p2phttp node server",
		"listen_addr", cfg.GetListenAddress(),
		"carrier", cfg.Carrier,
		"max_connections", cfg.MaxConnections,
		"log_level", cfg.LogLevel)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := tunnel.NewServer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create node server: %w", err)
	}

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in a goroutine
	serverErrChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErrChan <- err
		}
	}()

	logger.Info("Node server started successfully", "peer_id", server.PeerID().String())

	// Wait for shutdown signal or server error
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, stopping server...")
	case err := <-serverErrChan:
		logger.Error("Server error", err)
		return err
	}

	// Graceful shutdown
	cancel()

	if err := server.Stop(); err != nil {
		logger.Error("Error stopping node server", err)
		return err
	}

	logger.Info("Server stopped")
	return nil
}

func runKeygen(cmd *cobra.Command, args []string) error {
	logger := logging.NewLogger("keygen")

	path := "./identity/server.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil && !keygenForce {
		return fmt.Errorf("identity file %s already exists (use --force to overwrite)", path)
	}

	id, err := identity.Generate()
	if err != nil {
		return err
	}
	if err := id.Save(path); err != nil {
		return err
	}
	logger.Info("Identity written", "file", path, "peer_id", id.PeerID.String())

	if keygenPublish != "" {
		ctx := context.Background()
		api, err := secretsmanager.NewClient(ctx, keygenRegion)
		if err != nil {
			return err
		}
		if err := secretsmanager.SaveIdentity(ctx, api, keygenPublish, id); err != nil {
			return err
		}
	}

	fmt.Println(id.PeerID.String())
	return nil
}
