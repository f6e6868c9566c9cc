package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/singleflight"

	"p2phttp/internal/shared/logging"
)

const (
	// DefaultTokenCacheSize bounds how many hostnames keep a cached token.
	DefaultTokenCacheSize = 256

	// DefaultHandshakeTimeout bounds a de-duplicated handshake.
	DefaultHandshakeTimeout = 30 * time.Second
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type cachedToken struct {
	token   string
	peer    peer.ID
	created time.Time
}

// ClientPeerIDAuth authenticates a client to servers by peer ID and
// caches the bearer tokens they issue, one per hostname.
type ClientPeerIDAuth struct {
	PrivKey  crypto.PrivKey
	TokenTTL time.Duration

	// VerifyPeer, when set, is asked to accept each server identity
	// before any further request is sent to it.
	VerifyPeer func(hostname string, id peer.ID) bool

	// DedupHandshakes shares one in-flight handshake between concurrent
	// requests to the same hostname.
	DedupHandshakes bool

	// HandshakeTimeout bounds a shared handshake, which is not tied to
	// any one caller's context.
	HandshakeTimeout time.Duration

	// AuthPath, when set, is where AuthenticatedDo runs handshakes on the
	// request's host. Otherwise the handshake goes to the request URL.
	AuthPath string

	Logger *logging.Logger
	Now    func() time.Time

	mu     sync.Mutex
	tokens *lru.Cache[string, cachedToken]
	group  singleflight.Group
}

// NewClientPeerIDAuth returns a client with the default token TTL, a
// bounded token cache and handshake de-duplication enabled.
func NewClientPeerIDAuth(key crypto.PrivKey) *ClientPeerIDAuth {
	return &ClientPeerIDAuth{
		PrivKey:         key,
		TokenTTL:        DefaultTokenTTL,
		DedupHandshakes: true,
	}
}

func (c *ClientPeerIDAuth) cache() *lru.Cache[string, cachedToken] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens == nil {
		// Only fails for a non-positive size.
		c.tokens, _ = lru.New[string, cachedToken](DefaultTokenCacheSize)
	}
	return c.tokens
}

func (c *ClientPeerIDAuth) logger() *logging.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return defaultLogger
}

func (c *ClientPeerIDAuth) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *ClientPeerIDAuth) ttl() time.Duration {
	if c.TokenTTL > 0 {
		return c.TokenTTL
	}
	return DefaultTokenTTL
}

// token returns the cached token for hostname if it has not expired.
// Expired entries are evicted on lookup.
func (c *ClientPeerIDAuth) token(hostname string) (cachedToken, bool) {
	tokens := c.cache()
	tok, ok := tokens.Get(hostname)
	if !ok {
		return cachedToken{}, false
	}
	if expired(tok.created, c.now(), c.ttl()) {
		tokens.Remove(hostname)
		return cachedToken{}, false
	}
	return tok, true
}

// AuthenticateServer runs the handshake against rawURL and returns the
// server's verified peer ID. The issued bearer token is cached.
func (c *ClientPeerIDAuth) AuthenticateServer(ctx context.Context, client Doer, rawURL string) (peer.ID, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid auth url: %w", err)
	}
	hostname, err := HostnameFromURL(req.URL)
	if err != nil {
		return "", err
	}
	tok, err := c.authenticate(ctx, client, rawURL, hostname)
	if err != nil {
		return "", err
	}
	return tok.peer, nil
}

// AuthenticatedDo sends req with a bearer token, running the handshake
// first when no valid token is cached. A request rejected with 401 is
// re-authenticated and retried once if its body can be replayed.
func (c *ClientPeerIDAuth) AuthenticatedDo(client Doer, req *http.Request) (peer.ID, *http.Response, error) {
	ctx := req.Context()
	hostname, err := HostnameFromURL(req.URL)
	if err != nil {
		return "", nil, err
	}

	bodyUsed := false
	if tok, ok := c.token(hostname); ok {
		resp, err := client.Do(withBearer(req, req.Body, tok.token))
		if err != nil {
			return "", nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return tok.peer, resp, nil
		}

		c.cache().Remove(hostname)
		if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
			// The body is gone; hand the 401 back.
			return tok.peer, resp, nil
		}
		drain(resp)
		bodyUsed = true
		c.logger().Debug("Bearer token rejected, re-authenticating", "hostname", hostname)
	}

	tok, err := c.authenticate(ctx, client, c.handshakeURL(req.URL), hostname)
	if err != nil {
		return "", nil, err
	}

	body := req.Body
	if bodyUsed && req.GetBody != nil {
		if body, err = req.GetBody(); err != nil {
			return "", nil, fmt.Errorf("failed to replay request body: %w", err)
		}
	}
	resp, err := client.Do(withBearer(req, body, tok.token))
	if err != nil {
		return "", nil, err
	}
	return tok.peer, resp, nil
}

func (c *ClientPeerIDAuth) handshakeURL(target *url.URL) string {
	if c.AuthPath == "" {
		return target.String()
	}
	u := url.URL{Scheme: target.Scheme, Host: target.Host, Path: c.AuthPath}
	return u.String()
}

func (c *ClientPeerIDAuth) authenticate(ctx context.Context, client Doer, rawURL, hostname string) (cachedToken, error) {
	if !c.DedupHandshakes {
		return c.handshake(ctx, client, rawURL, hostname)
	}
	// The shared handshake outlives any single caller; each caller still
	// stops waiting when its own ctx ends.
	ch := c.group.DoChan(hostname, func() (interface{}, error) {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.handshakeTimeout())
		defer cancel()
		return c.handshake(hctx, client, rawURL, hostname)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return cachedToken{}, res.Err
		}
		return res.Val.(cachedToken), nil
	case <-ctx.Done():
		return cachedToken{}, ctx.Err()
	}
}

func (c *ClientPeerIDAuth) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

// handshake is the client-initiated flow: two round trips, after which
// both sides have proven their identity and a bearer token is cached.
func (c *ClientPeerIDAuth) handshake(ctx context.Context, client Doer, rawURL, hostname string) (cachedToken, error) {
	if c.PrivKey == nil {
		return cachedToken{}, errors.New("client auth has no private key")
	}
	myKey, err := marshalPublicKey(c.PrivKey.GetPublic())
	if err != nil {
		return cachedToken{}, err
	}
	challengeServer, err := newChallenge()
	if err != nil {
		return cachedToken{}, err
	}

	resp, err := c.leg(ctx, client, rawURL, formatHeader(params{
		"challenge-server": challengeServer,
		"public-key":       encoding.EncodeToString(myKey),
	}))
	if err != nil {
		return cachedToken{}, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return cachedToken{}, &BadResponseError{StatusCode: resp.StatusCode}
	}
	p, err := parseResponseHeader(resp.Header.Get("WWW-Authenticate"))
	if err != nil {
		return cachedToken{}, err
	}

	serverKey, serverKeyBytes, err := decodePublicKey(p["public-key"])
	if err != nil {
		return cachedToken{}, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	serverSig, err := encoding.DecodeString(p["sig"])
	if err != nil || len(serverSig) == 0 {
		return cachedToken{}, fmt.Errorf("%w: missing server signature", ErrInvalidSignature)
	}
	err = verify(serverKey, PeerIDAuthScheme, []field{
		stringField("challenge-server", challengeServer),
		{name: "client-public-key", value: myKey},
		stringField("hostname", hostname),
	}, serverSig)
	if err != nil {
		return cachedToken{}, err
	}

	serverID, err := peer.IDFromPublicKey(serverKey)
	if err != nil {
		return cachedToken{}, fmt.Errorf("%w: %w", ErrInvalidPeer, err)
	}
	if c.VerifyPeer != nil && !c.VerifyPeer(hostname, serverID) {
		return cachedToken{}, &InvalidPeerError{Peer: serverID}
	}

	challengeClient := p["challenge-client"]
	if challengeClient == "" || p["opaque"] == "" {
		return cachedToken{}, fmt.Errorf("%w: missing challenge-client or opaque", ErrBadResponse)
	}
	sig, err := sign(c.PrivKey, PeerIDAuthScheme, []field{
		stringField("challenge-client", challengeClient),
		stringField("hostname", hostname),
		{name: "server-public-key", value: serverKeyBytes},
	})
	if err != nil {
		return cachedToken{}, err
	}

	resp, err = c.leg(ctx, client, rawURL, formatHeader(params{
		"opaque": p["opaque"],
		"sig":    encoding.EncodeToString(sig),
	}))
	if err != nil {
		return cachedToken{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return cachedToken{}, &BadResponseError{StatusCode: resp.StatusCode}
	}
	info, err := parseResponseHeader(resp.Header.Get("Authentication-Info"))
	if err != nil {
		return cachedToken{}, err
	}
	if info["bearer"] == "" {
		return cachedToken{}, fmt.Errorf("%w: no bearer token issued", ErrBadResponse)
	}

	tok := cachedToken{token: info["bearer"], peer: serverID, created: c.now()}
	c.cache().Add(hostname, tok)
	c.logger().Info("Server authenticated", "peer", serverID, "hostname", hostname)
	return tok, nil
}

// leg sends one bodiless handshake request and discards the response body.
func (c *ClientPeerIDAuth) leg(ctx context.Context, client Doer, rawURL, authorization string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid auth url: %w", err)
	}
	req.Header.Set("Authorization", authorization)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth request failed: %w", err)
	}
	drain(resp)
	return resp, nil
}

func parseResponseHeader(v string) (params, error) {
	if v == "" {
		return nil, fmt.Errorf("%w: %w", ErrBadResponse, ErrMissingAuthHeader)
	}
	p, err := parseHeader(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadResponse, err)
	}
	return p, nil
}

func withBearer(req *http.Request, body io.ReadCloser, token string) *http.Request {
	r := req.Clone(req.Context())
	r.Body = body
	r.Header.Set("Authorization", bearerHeader(token))
	return r
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
