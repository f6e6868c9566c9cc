package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"p2phttp/internal/server/config"
	"p2phttp/internal/server/metrics"
	"p2phttp/internal/server/node"
	"p2phttp/internal/shared/identity"
	"p2phttp/internal/shared/logging"
	"p2phttp/internal/shared/secretsmanager"
	"p2phttp/internal/transport"
)

// Server runs a node on its configured listener together with the
// metrics emitter.
type Server struct {
	node     *node.Server
	listener *transport.Listener
	metrics  *metrics.Emitter
	logger   *logging.Logger

	stopOnce sync.Once
}

// NewServer loads the node identity and binds the listener.
func NewServer(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewLogger("tunnel-server")
	}

	id, err := LoadIdentity(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	emitter, err := metrics.NewEmitter(&cfg.Metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics emitter: %w", err)
	}

	transportConfig := transport.Config{
		Carrier:        cfg.Carrier,
		WebSocketPath:  cfg.WebSocketPath,
		MaxConnections: cfg.MaxConnections,
		Logger:         logger,
	}
	n, err := node.New(node.Options{
		Identity:       id,
		Transport:      transportConfig,
		Hostnames:      cfg.Hostnames,
		TokenTTL:       cfg.TokenTTL,
		MaxMessageSize: cfg.MaxMessageSize,
		Metrics:        emitter,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	listener, err := transport.Listen(cfg.GetListenAddress(), transportConfig)
	if err != nil {
		return nil, err
	}

	return &Server{
		node:     n,
		listener: listener,
		metrics:  emitter,
		logger:   logger,
	}, nil
}

// LoadIdentity reads the node key from Secrets Manager when configured,
// falling back to the identity file, which is created on first run.
func LoadIdentity(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*identity.Identity, error) {
	fromFile := func() (*identity.Identity, error) {
		id, created, err := identity.LoadOrGenerate(cfg.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load identity: %w", err)
		}
		if created {
			logger.Info("Generated new node identity", "file", cfg.IdentityFile, "peer", id.PeerID.String())
		}
		return id, nil
	}

	if !cfg.UseSecretsManager {
		return fromFile()
	}

	api, err := secretsmanager.NewClient(ctx, cfg.AWSRegion)
	if err != nil {
		logger.Warn("Secrets Manager unavailable, using identity file", "error", err.Error())
		return fromFile()
	}
	return secretsmanager.LoadIdentityOrFallback(ctx, api, cfg.SecretsManagerName, fromFile)
}

// Start serves until Stop. It blocks.
func (s *Server) Start() error {
	s.metrics.Start()
	s.logger.Info("Node server starting", "addr", s.listener.Addr().String(), "peer", s.node.PeerID().String())
	return s.node.Serve(s.listener)
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping node server")
		err = s.listener.Close()
		s.metrics.Stop()
	})
	return err
}

// Addr returns the listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// PeerID returns the node identity.
func (s *Server) PeerID() peer.ID {
	return s.node.PeerID()
}

// Node returns the underlying node for registering extra protocols.
func (s *Server) Node() *node.Server {
	return s.node
}
