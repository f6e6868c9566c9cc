package websocket

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"p2phttp/internal/httpcodec"
	"p2phttp/internal/shared/logging"
)

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Options configures both ends of a session.
type Options struct {
	// Protocols lists subprotocols: offered by a client, supported (in
	// preference order) by a server.
	Protocols []string

	// Header carries extra client handshake headers.
	Header httpcodec.Headers

	// MaxMessageSize bounds a reassembled message. Defaults to
	// DefaultMaxMessageSize.
	MaxMessageSize int64

	Logger *logging.Logger
}

// ComputeAccept derives the Sec-WebSocket-Accept value for key.
func ComputeAccept(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// NewKey returns a random Sec-WebSocket-Key.
func NewKey() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(nonce[:]), nil
}

// IsUpgradeRequest reports whether msg asks for a WebSocket upgrade.
func IsUpgradeRequest(msg *httpcodec.Message) bool {
	return msg.IsRequest() && msg.IsUpgrade("websocket")
}

// Dial performs the client handshake on rwc and returns an open session.
// The server's Sec-WebSocket-Accept is verified. If ctx ends before the
// handshake completes rwc is closed and no session is returned.
func Dial(ctx context.Context, rwc io.ReadWriteCloser, rawURL string, opts Options) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid url %q", ErrBadHandshake, rawURL)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https", "":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrBadHandshake, u.Scheme)
	}

	key, err := NewKey()
	if err != nil {
		return nil, err
	}

	c := newConn(rwc, true, opts)

	headers := httpcodec.Headers{}
	if u.Host != "" {
		headers.Add("host", u.Host)
	}
	headers.Add("upgrade", "websocket")
	headers.Add("connection", "Upgrade")
	headers.Add("sec-websocket-version", "13")
	headers.Add("sec-websocket-key", key)
	if len(opts.Protocols) > 0 {
		headers.Add("sec-websocket-protocol", strings.Join(opts.Protocols, ", "))
	}
	headers = append(headers, opts.Header...)

	target := u.RequestURI()
	if err := httpcodec.WriteMessage(ctx, rwc, httpcodec.NewRequest(http.MethodGet, target, headers, nil)); err != nil {
		c.teardown(CloseAbnormal, "handshake failed")
		return nil, fmt.Errorf("%w: %w", ErrBadHandshake, err)
	}

	resp, err := httpcodec.ReadResponse(ctx, rwc, http.MethodGet)
	if err != nil {
		c.teardown(CloseAbnormal, "handshake failed")
		return nil, fmt.Errorf("%w: %w", ErrBadHandshake, err)
	}

	if err := verifyResponse(resp, key, opts.Protocols); err != nil {
		c.teardown(CloseAbnormal, "handshake failed")
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		c.teardown(CloseAbnormal, "handshake cancelled")
		return nil, err
	}

	c.open(resp.Remaining(), resp.Headers.Get("sec-websocket-protocol"))
	c.logger.Debug("WebSocket session opened", "url", target, "protocol", c.protocol)
	return c, nil
}

func verifyResponse(resp *httpcodec.Message, key string, offered []string) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("%w: unexpected status %d", ErrBadHandshake, resp.StatusCode)
	}
	if !resp.IsUpgrade("websocket") {
		return fmt.Errorf("%w: missing upgrade headers", ErrBadHandshake)
	}
	if got := resp.Headers.Get("sec-websocket-accept"); got != ComputeAccept(key) {
		return fmt.Errorf("%w: got %q", ErrInvalidAccept, got)
	}
	if proto := resp.Headers.Get("sec-websocket-protocol"); proto != "" {
		for _, p := range offered {
			if p == proto {
				return nil
			}
		}
		return fmt.Errorf("%w: server selected unoffered subprotocol %q", ErrBadHandshake, proto)
	}
	return nil
}

// Accept answers an upgrade request already parsed from rwc and returns an
// open session. Invalid requests are answered with 400.
func Accept(ctx context.Context, rwc io.ReadWriteCloser, req *httpcodec.Message, opts Options) (*Conn, error) {
	proto, err := ServerHandshake(ctx, rwc, req, opts.Protocols)
	if err != nil {
		return nil, err
	}

	c := newConn(rwc, false, opts)
	c.open(req.Remaining(), proto)
	c.logger.Debug("WebSocket session accepted", "path", req.URL, "protocol", proto)
	return c, nil
}

// ServerHandshake validates req and writes either 101 Switching Protocols
// or 400 Bad Request to w. It returns the selected subprotocol.
func ServerHandshake(ctx context.Context, w io.Writer, req *httpcodec.Message, supported []string) (string, error) {
	reject := func(reason string) (string, error) {
		headers := httpcodec.Headers{}
		headers.Add("content-type", "text/plain; charset=utf-8")
		headers.Add("content-length", strconv.Itoa(len(reason)))
		headers.Add("sec-websocket-version", "13")
		resp := httpcodec.NewResponse(http.StatusBadRequest, headers, strings.NewReader(reason))
		if err := httpcodec.WriteResponse(ctx, w, resp, req.Method); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrProtocol, reason, err)
		}
		return "", fmt.Errorf("%w: %s", ErrProtocol, reason)
	}

	if req.Method != http.MethodGet {
		return reject("websocket upgrade requires GET")
	}
	if !req.IsUpgrade("websocket") {
		return reject("missing upgrade headers")
	}
	if v := req.Headers.Get("sec-websocket-version"); v != "13" {
		return reject("unsupported websocket version")
	}
	key := req.Headers.Get("sec-websocket-key")
	if key == "" {
		return reject("missing Sec-WebSocket-Key")
	}
	if nonce, err := base64.StdEncoding.DecodeString(key); err != nil || len(nonce) != 16 {
		return reject("invalid Sec-WebSocket-Key")
	}

	selected := selectProtocol(req.Headers.Values("sec-websocket-protocol"), supported)

	headers := httpcodec.Headers{}
	headers.Add("upgrade", "websocket")
	headers.Add("connection", "Upgrade")
	headers.Add("sec-websocket-accept", ComputeAccept(key))
	if selected != "" {
		headers.Add("sec-websocket-protocol", selected)
	}

	resp := httpcodec.NewResponse(http.StatusSwitchingProtocols, headers, nil)
	if err := httpcodec.WriteResponse(ctx, w, resp, req.Method); err != nil {
		return "", fmt.Errorf("failed to write handshake response: %w", err)
	}
	return selected, nil
}

// selectProtocol picks the first supported protocol the client offered.
func selectProtocol(offered, supported []string) string {
	want := make(map[string]bool)
	for _, v := range offered {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				want[p] = true
			}
		}
	}
	for _, p := range supported {
		if want[p] {
			return p
		}
	}
	return ""
}
