package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"

	"p2phttp/internal/shared/circuitbreaker"
	"p2phttp/internal/shared/retry"
)

// Dialer opens sessions to remote nodes. Carrier dials are retried with
// exponential backoff and guarded by a circuit breaker, so an unreachable
// node is not hammered.
type Dialer struct {
	config  Config
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker

	// DialContext opens the raw TCP connection. Defaults to net.Dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialer creates a dialer. A zero retry config dials once; a nil
// breaker disables circuit breaking.
func NewDialer(config Config, retryConfig retry.Config, breaker *circuitbreaker.CircuitBreaker) (*Dialer, error) {
	config, err := config.normalized()
	if err != nil {
		return nil, err
	}
	retryConfig.OnRetry = func(attempt int, err error, delay time.Duration) {
		config.Logger.Warn("Dial failed, retrying", "attempt", attempt, "delay", delay.String(), "error", err.Error())
	}

	return &Dialer{
		config:  config,
		retry:   retryConfig,
		breaker: breaker,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}, nil
}

// Dial connects to addr (host:port) and starts a yamux client session.
func (d *Dialer) Dial(ctx context.Context, addr string) (*Session, error) {
	shouldRetry := func(err error) bool {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			return false
		}
		return retry.IsTransientNetError()(err)
	}

	conn, err := retry.ExecuteWithResult(ctx, d.retry, shouldRetry, func() (net.Conn, error) {
		if d.breaker == nil {
			return d.dialCarrier(ctx, addr)
		}
		if err := d.breaker.Allow(); err != nil {
			return nil, err
		}
		conn, err := d.dialCarrier(ctx, addr)
		d.breaker.Record(err)
		return conn, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	mux, err := yamux.Client(conn, d.config.yamux())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to start yamux session: %w", err)
	}

	d.config.Logger.Info("Connected to node", "addr", addr, "carrier", d.config.Carrier)
	return newSession(mux, addr, d.config.Logger), nil
}

func (d *Dialer) dialCarrier(ctx context.Context, addr string) (net.Conn, error) {
	if d.config.Carrier != CarrierWebSocket {
		return d.DialContext(ctx, "tcp", addr)
	}

	u := url.URL{Scheme: "ws", Host: addr, Path: d.config.WebSocketPath}
	wsDialer := websocket.Dialer{
		NetDialContext:   d.DialContext,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   32 << 10,
		WriteBufferSize:  32 << 10,
	}
	ws, resp, err := wsDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusServiceUnavailable {
				return nil, fmt.Errorf("node at connection limit: %w", err)
			}
		}
		return nil, err
	}
	return newWSConn(ws), nil
}
