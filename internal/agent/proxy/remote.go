package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"p2phttp/internal/auth"
	"p2phttp/internal/httpcodec"
	"p2phttp/internal/ping"
	"p2phttp/internal/shared/logging"
	"p2phttp/internal/shared/protocol"
	"p2phttp/internal/websocket"
)

var ErrUnexpectedStatus = errors.New("unexpected status from node")

// Remote talks to one node over streams opened by opener. Requests made
// through Do carry the agent's bearer token for the node.
type Remote struct {
	opener  httpcodec.StreamOpener
	client  *http.Client
	auth    *auth.ClientPeerIDAuth
	baseURL string
	logger  *logging.Logger

	// MaxMessageSize bounds WebSocket messages read from the node.
	MaxMessageSize int64
}

// NewRemote returns a client for the node reachable through opener.
// hostname is the name authentication is bound to.
func NewRemote(opener httpcodec.StreamOpener, clientAuth *auth.ClientPeerIDAuth, hostname string, logger *logging.Logger) *Remote {
	if logger == nil {
		logger = logging.NewLogger("remote")
	}
	if clientAuth.AuthPath == "" {
		clientAuth.AuthPath = auth.DefaultPath
	}
	return &Remote{
		opener:  opener,
		client:  &http.Client{Transport: &httpcodec.Transport{Opener: opener}},
		auth:    clientAuth,
		baseURL: "http://" + hostname,
		logger:  logger,
	}
}

// URL returns the absolute node URL for a request URI.
func (r *Remote) URL(requestURI string) string {
	return r.baseURL + protocol.NormalizePath(requestURI)
}

// Client returns the unauthenticated stream-backed HTTP client.
func (r *Remote) Client() *http.Client {
	return r.client
}

// Authenticate runs the handshake now and returns the node's peer ID.
func (r *Remote) Authenticate(ctx context.Context) (peer.ID, error) {
	return r.auth.AuthenticateServer(ctx, r.client, r.URL(r.auth.AuthPath))
}

// Do sends req with the agent's bearer token.
func (r *Remote) Do(req *http.Request) (peer.ID, *http.Response, error) {
	return r.auth.AuthenticatedDo(r.client, req)
}

// Protocols fetches the node's protocol map.
func (r *Remote) Protocols(ctx context.Context) (protocol.Map, error) {
	return protocol.Fetch(ctx, r.client, r.baseURL)
}

// Ping measures one HTTP ping round trip.
func (r *Remote) Ping(ctx context.Context) (time.Duration, error) {
	path, err := protocol.Resolve(ctx, r.client, r.baseURL, ping.ProtocolID)
	if err != nil {
		return 0, err
	}
	return ping.Send(ctx, r.client, r.URL(path))
}

// WhoAmI asks the node which peer it authenticated the agent as.
func (r *Remote) WhoAmI(ctx context.Context) (self string, node peer.ID, err error) {
	path, err := protocol.Resolve(ctx, r.client, r.baseURL, protocol.WhoAmIID)
	if err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL(path), nil)
	if err != nil {
		return "", "", err
	}
	node, resp, err := r.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
	if err != nil {
		return "", node, fmt.Errorf("failed to read whoami response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", node, fmt.Errorf("%w: whoami returned %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	return strings.TrimSpace(string(body)), node, nil
}

// DialWebSocket opens a WebSocket session to requestURI on a new stream.
func (r *Remote) DialWebSocket(ctx context.Context, requestURI string, protocols []string, header httpcodec.Headers) (*websocket.Conn, error) {
	stream, err := r.opener.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	target := "ws" + strings.TrimPrefix(r.URL(requestURI), "http")
	conn, err := websocket.Dial(ctx, stream, target, websocket.Options{
		Protocols:      protocols,
		Header:         header,
		MaxMessageSize: r.MaxMessageSize,
		Logger:         r.logger,
	})
	if err != nil {
		stream.Close()
		return nil, err
	}
	return conn, nil
}
