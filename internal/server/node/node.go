package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"p2phttp/internal/auth"
	"p2phttp/internal/httpcodec"
	"p2phttp/internal/ping"
	"p2phttp/internal/server/metrics"
	"p2phttp/internal/shared/identity"
	"p2phttp/internal/shared/logging"
	"p2phttp/internal/shared/protocol"
	"p2phttp/internal/transport"
	"p2phttp/internal/websocket"
)

const (
	AuthPath   = auth.DefaultPath
	PingPath   = "/ping"
	WhoAmIPath = "/whoami"
	EchoPath   = "/echo"
)

// Options configures a Server.
type Options struct {
	Identity  *identity.Identity
	Transport transport.Config

	// Hostnames clients may bind authentication to. Empty accepts any.
	Hostnames      []string
	TokenTTL       time.Duration
	MaxMessageSize int64

	Metrics *metrics.Emitter
	Logger  *logging.Logger
}

// Server answers HTTP requests and WebSocket sessions arriving on
// multiplexed streams, one request per stream.
type Server struct {
	identity  *identity.Identity
	transport transport.Config
	hostnames []string
	tokenTTL  time.Duration
	metrics   *metrics.Emitter
	logger    *logging.Logger
	wsOptions websocket.Options

	wellKnown *protocol.WellKnown
	routes    *registry
	auth      *auth.ServerPeerIDAuth

	mu       sync.Mutex
	listener *transport.Listener
}

// New creates a server with the built-in protocols registered.
func New(opts Options) (*Server, error) {
	if opts.Identity == nil {
		return nil, errors.New("node requires an identity")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger("node")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewEmitterWithClient(&metrics.Config{}, nil, opts.Logger)
	}
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = opts.Logger
	}

	s := &Server{
		identity:  opts.Identity,
		transport: opts.Transport,
		hostnames: opts.Hostnames,
		tokenTTL:  opts.TokenTTL,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("peer_id", opts.Identity.PeerID.String()),
		wellKnown: protocol.NewWellKnown(),
		routes:    newRegistry(),
		wsOptions: websocket.Options{
			MaxMessageSize: opts.MaxMessageSize,
			Logger:         opts.Logger,
		},
	}
	s.auth = s.newAuth(nil)

	if err := s.registerBuiltins(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) registerBuiltins() error {
	if err := s.routes.addHTTP(protocol.WellKnownPath, s.wellKnown); err != nil {
		return err
	}
	if err := s.Handle(auth.ProtocolID, AuthPath, s.auth); err != nil {
		return err
	}
	if err := s.Handle(ping.ProtocolID, PingPath, ping.Handler()); err != nil {
		return err
	}
	// WebSocket ping shares the HTTP ping protocol entry.
	if err := s.HandleWebSocket("", PingPath, ping.ServeWebSocket); err != nil {
		return err
	}
	if err := s.Handle(protocol.WhoAmIID, WhoAmIPath, s.Protect(whoAmI())); err != nil {
		return err
	}
	return s.HandleWebSocket(protocol.EchoID, EchoPath, echo)
}

func (s *Server) newAuth(next http.Handler) *auth.ServerPeerIDAuth {
	return &auth.ServerPeerIDAuth{
		PrivKey:   s.identity.PrivKey,
		Hostnames: s.hostnames,
		TokenTTL:  s.tokenTTL,
		Next:      next,
		Logger:    s.logger,
		Metrics:   s.metrics,
	}
}

// PeerID returns the node's identity.
func (s *Server) PeerID() peer.ID {
	return s.identity.PeerID
}

// Protocols returns the registered protocol map.
func (s *Server) Protocols() protocol.Map {
	return s.wellKnown.Map()
}

// Protect wraps next so that it only sees peer-authenticated requests.
// Unauthenticated requests are walked through the auth handshake.
func (s *Server) Protect(next http.Handler) http.Handler {
	return s.newAuth(next)
}

// Handle serves an HTTP protocol at path. An empty id serves the path
// without listing it in the protocol map.
func (s *Server) Handle(id protocol.ID, path string, handler http.Handler) error {
	path = protocol.NormalizePath(path)
	if err := s.routes.addHTTP(path, handler); err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	if err := s.wellKnown.Register(id, path); err != nil {
		s.routes.removeHTTP(path)
		return err
	}
	s.logger.Debug("Protocol registered", "protocol", id, "path", path)
	return nil
}

// HandleWebSocket serves WebSocket sessions for upgrade requests to path.
func (s *Server) HandleWebSocket(id protocol.ID, path string, handler SessionHandler) error {
	path = protocol.NormalizePath(path)
	if err := s.routes.addSocket(path, handler); err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	if err := s.wellKnown.Register(id, path); err != nil {
		s.routes.removeSocket(path)
		return err
	}
	s.logger.Debug("WebSocket protocol registered", "protocol", id, "path", path)
	return nil
}

// ServeHTTP routes a request to the handler with the longest matching
// path prefix.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handler, ok := s.routes.matchHTTP(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	handler.ServeHTTP(w, r)
}

// ListenAndServe listens on addr with the configured carrier and serves
// until Close.
func (s *Server) ListenAndServe(addr string) error {
	l, err := transport.Listen(addr, s.transport)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts streams from l until it is closed.
func (s *Server) Serve(l *transport.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	l.SetObserver(s.metrics)
	s.logger.Info("Node serving", "addr", l.Addr().String(), "protocols", len(s.wellKnown.Map()))
	return l.Serve(s.ServeStream)
}

// Close stops the listener and waits for in-flight streams.
func (s *Server) Close() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()

	if l == nil {
		return nil
	}
	return l.Close()
}

// ServeStream handles one request read from stream.
func (s *Server) ServeStream(ctx context.Context, stream net.Conn) {
	s.metrics.StreamOpened()

	remote := ""
	if addr := stream.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	req, err := httpcodec.ReadRequest(ctx, stream)
	if err != nil {
		s.logger.Debug("Failed to read request", "remote", remote, "error", err)
		return
	}

	if websocket.IsUpgradeRequest(req) {
		if handler, ok := s.routes.matchSocket(requestPath(req.URL)); ok {
			s.serveWebSocket(ctx, stream, req, handler)
			return
		}
	}

	if err := httpcodec.ServeRequest(ctx, stream, req, s, remote); err != nil {
		s.logger.Debug("Failed to serve request", "method", req.Method, "url", req.URL, "error", err)
	}
}

func (s *Server) serveWebSocket(ctx context.Context, stream net.Conn, req *httpcodec.Message, handler SessionHandler) {
	conn, err := websocket.Accept(ctx, stream, req, s.wsOptions)
	if err != nil {
		s.logger.Debug("WebSocket handshake failed", "url", req.URL, "error", err)
		return
	}

	s.metrics.WebSocketOpened()
	defer s.metrics.WebSocketClosed()

	handler(ctx, conn)

	if conn.State() == websocket.StateOpen {
		conn.Close(websocket.CloseGoingAway, "")
	}
}

func whoAmI() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.PeerFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		body := id.String()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	})
}

// echo returns every message until the peer closes the session.
func echo(ctx context.Context, conn *websocket.Conn) {
	for {
		msg, err := conn.ReadMessage(ctx)
		if err != nil {
			return
		}
		if err := conn.WriteMessage(ctx, msg.Type, msg.Data); err != nil {
			return
		}
	}
}
