package tunnel

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"p2phttp/internal/agent/config"
	"p2phttp/internal/agent/proxy"
	"p2phttp/internal/auth"
	"p2phttp/internal/shared/circuitbreaker"
	"p2phttp/internal/shared/identity"
	"p2phttp/internal/shared/logging"
	"p2phttp/internal/shared/retry"
	"p2phttp/internal/transport"
)

// Client manages the agent's multiplexed session to its node and the
// authenticated HTTP client layered on it.
type Client struct {
	serverAddr string
	transport  *transport.Client
	breaker    *circuitbreaker.CircuitBreaker
	auth       *auth.ClientPeerIDAuth
	remote     *proxy.Remote
	logger     *logging.Logger

	mu        sync.RWMutex
	session   *transport.Session
	node      peer.ID
	trusted   map[peer.ID]bool
	firstSeen peer.ID
}

// NewClient creates a new tunnel client
func NewClient(cfg *config.Config, id *identity.Identity, logger *logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.NewLogger("tunnel-client")
	}
	trusted, err := cfg.TrustedPeerIDs()
	if err != nil {
		return nil, err
	}

	c := &Client{
		serverAddr: cfg.GetServerAddress(),
		logger:     logger,
		trusted:    make(map[peer.ID]bool, len(trusted)),
	}
	for _, p := range trusted {
		c.trusted[p] = true
	}

	c.breaker = circuitbreaker.New(circuitbreaker.Config{
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: cfg.BreakerReset,
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("Dial circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	retryConfig := retry.DefaultConfig()
	if cfg.DialAttempts > 0 {
		retryConfig.MaxAttempts = cfg.DialAttempts
	}
	dialer, err := transport.NewDialer(transport.Config{
		Carrier:       cfg.Carrier,
		WebSocketPath: cfg.WebSocketPath,
		Logger:        logger,
	}, retryConfig, c.breaker)
	if err != nil {
		return nil, err
	}
	c.transport = transport.NewClient(dialer, c.serverAddr)

	c.auth = auth.NewClientPeerIDAuth(id.PrivKey)
	c.auth.TokenTTL = cfg.TokenTTL
	c.auth.VerifyPeer = c.verifyPeer
	c.auth.Logger = logger
	c.remote = proxy.NewRemote(c.transport, c.auth, cfg.GetHostname(), logger)

	return c, nil
}

// Connect dials the node and authenticates to it.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info("Connecting to node", "addr", c.serverAddr)

	session, err := c.transport.Session(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to node: %w", err)
	}
	node, err := c.remote.Authenticate(ctx)
	if err != nil {
		return fmt.Errorf("failed to authenticate node: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.node = node
	c.mu.Unlock()

	c.logger.Info("Connected to node", "addr", c.serverAddr, "node", node.String())
	return nil
}

// Disconnect closes the current session. The next request redials.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	if session == nil {
		return nil
	}
	c.logger.Info("Disconnecting from node", "addr", c.serverAddr)
	return session.Close()
}

// Close disconnects for good.
func (c *Client) Close() error {
	c.Disconnect()
	return c.transport.Close()
}

// IsConnected returns whether the session from Connect is still open.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil && !c.session.IsClosed()
}

// Done is closed when the session from Connect ends.
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.session.Done()
}

// Node returns the authenticated node identity, empty before Connect.
func (c *Client) Node() peer.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.node
}

// Remote returns the authenticated client for the node.
func (c *Client) Remote() *proxy.Remote {
	return c.remote
}

// BreakerState reports the dial circuit breaker state.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

// verifyPeer pins the node identity: configured trusted peers when set,
// otherwise the first identity seen.
func (c *Client) verifyPeer(hostname string, id peer.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.trusted) > 0 {
		if !c.trusted[id] {
			c.logger.Warn("Node identity not trusted", "hostname", hostname, "peer", id.String())
			return false
		}
		return true
	}
	if c.firstSeen == "" {
		c.firstSeen = id
		c.logger.Info("Trusting node identity on first use", "hostname", hostname, "peer", id.String())
		return true
	}
	if c.firstSeen != id {
		c.logger.Warn("Node identity changed", "hostname", hostname, "expected", c.firstSeen.String(), "peer", id.String())
		return false
	}
	return true
}
