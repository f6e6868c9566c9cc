// Package transport carries duplex byte streams between nodes: one yamux
// session per carrier connection, one yamux stream per HTTP request or
// WebSocket session. The carrier is a plain TCP connection or a WebSocket
// connection for nodes reachable only through HTTP infrastructure.
package transport

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/yamux"

	"p2phttp/internal/shared/logging"
)

// Carriers.
const (
	CarrierTCP       = "tcp"
	CarrierWebSocket = "websocket"
)

// DefaultWebSocketPath is where WebSocket carriers are upgraded.
const DefaultWebSocketPath = "/p2phttp"

var (
	ErrUnknownCarrier = errors.New("unknown carrier")
	ErrClosed         = errors.New("transport closed")
)

// Config is shared by listeners and dialers.
type Config struct {
	Carrier       string        // CarrierTCP (default) or CarrierWebSocket
	WebSocketPath string        // Upgrade path for CarrierWebSocket
	KeepAlive     time.Duration // yamux keep-alive interval; 0 keeps the yamux default

	// MaxConnections caps concurrent carrier connections on a listener.
	// Zero means unlimited.
	MaxConnections int

	Logger *logging.Logger
}

func (c Config) normalized() (Config, error) {
	switch strings.ToLower(c.Carrier) {
	case "", CarrierTCP:
		c.Carrier = CarrierTCP
	case CarrierWebSocket, "ws":
		c.Carrier = CarrierWebSocket
	default:
		return c, fmt.Errorf("%w: %q", ErrUnknownCarrier, c.Carrier)
	}
	if c.WebSocketPath == "" {
		c.WebSocketPath = DefaultWebSocketPath
	}
	if !strings.HasPrefix(c.WebSocketPath, "/") {
		c.WebSocketPath = "/" + c.WebSocketPath
	}
	if c.Logger == nil {
		c.Logger = logging.NewLogger("transport")
	}
	return c, nil
}

func (c Config) yamux() *yamux.Config {
	conf := yamux.DefaultConfig()
	conf.LogOutput = nil
	conf.Logger = yamuxLogger{c.Logger}
	if c.KeepAlive > 0 {
		conf.KeepAliveInterval = c.KeepAlive
	}
	return conf
}

// yamuxLogger routes yamux's printf-style output into the component log.
type yamuxLogger struct {
	logger *logging.Logger
}

func (l yamuxLogger) Print(v ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprint(v...)))
}

func (l yamuxLogger) Printf(format string, v ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l yamuxLogger) Println(v ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintln(v...)))
}

// isClosedErr reports errors that only mean the session went away.
func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, yamux.ErrSessionShutdown) ||
		errors.Is(err, ErrClosed)
}
