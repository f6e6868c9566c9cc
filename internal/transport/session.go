package transport

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"p2phttp/internal/httpcodec"
	"p2phttp/internal/shared/logging"
)

// Session is a multiplexed connection to one node.
type Session struct {
	mux    *yamux.Session
	addr   string
	logger *logging.Logger
}

var _ httpcodec.StreamOpener = (*Session)(nil)

func newSession(mux *yamux.Session, addr string, logger *logging.Logger) *Session {
	return &Session{mux: mux, addr: addr, logger: logger.With("addr", addr)}
}

// Addr returns the address the session was dialed to.
func (s *Session) Addr() string {
	return s.addr
}

// OpenStream opens a new duplex stream.
func (s *Session) OpenStream(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := s.mux.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

// Ping measures the session round-trip time.
func (s *Session) Ping() (time.Duration, error) {
	return s.mux.Ping()
}

// NumStreams returns the number of open streams.
func (s *Session) NumStreams() int {
	return s.mux.NumStreams()
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.mux.CloseChan()
}

// IsClosed reports whether the session has ended.
func (s *Session) IsClosed() bool {
	return s.mux.IsClosed()
}

// Close ends the session and every stream on it.
func (s *Session) Close() error {
	return s.mux.Close()
}

// Client keeps one session to a node open, dialing on first use and again
// whenever the session drops.
type Client struct {
	dialer *Dialer
	addr   string

	mu      sync.Mutex
	session *Session
	closed  bool
}

var _ httpcodec.StreamOpener = (*Client)(nil)

// NewClient creates a client for addr. Nothing is dialed until the first
// OpenStream.
func NewClient(dialer *Dialer, addr string) *Client {
	return &Client{dialer: dialer, addr: addr}
}

// Session returns the live session, dialing if there is none.
func (c *Client) Session(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.session != nil && !c.session.IsClosed() {
		return c.session, nil
	}
	if c.session != nil {
		c.dialer.config.Logger.Warn("Session lost, redialing", "addr", c.addr)
	}

	session, err := c.dialer.Dial(ctx, c.addr)
	if err != nil {
		return nil, err
	}
	c.session = session
	return session, nil
}

// OpenStream opens a stream on the live session. A stream that fails
// because the session just died is retried once on a fresh session.
func (c *Client) OpenStream(ctx context.Context) (io.ReadWriteCloser, error) {
	session, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := session.OpenStream(ctx)
	if err == nil || !isClosedErr(err) {
		return stream, err
	}

	session, err = c.Session(ctx)
	if err != nil {
		return nil, err
	}
	return session.OpenStream(ctx)
}

// Close closes the current session. Further use fails with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.session == nil {
		return nil
	}
	return c.session.Close()
}
