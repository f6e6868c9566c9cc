package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"

	"p2phttp/internal/shared/logging"
)

// StreamHandler serves one accepted stream. The stream is closed when the
// handler returns. ctx ends when the listener stops.
type StreamHandler func(ctx context.Context, stream net.Conn)

// ConnectionObserver is told about carrier connections coming and going.
type ConnectionObserver interface {
	IncrementConnections()
	DecrementConnections()
}

// Listener accepts carrier connections and serves the streams multiplexed
// over them.
type Listener struct {
	config   Config
	listener net.Listener
	logger   *logging.Logger
	observer ConnectionObserver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	activeConns atomic.Int32
	sessionsMu  sync.Mutex
	sessions    map[*yamux.Session]struct{}
	httpServer  *http.Server
}

// Listen opens a TCP listener on addr.
func Listen(addr string, config Config) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	l, err := NewListener(ln, config)
	if err != nil {
		ln.Close()
		return nil, err
	}
	return l, nil
}

// NewListener serves carrier connections accepted from ln.
func NewListener(ln net.Listener, config Config) (*Listener, error) {
	config, err := config.normalized()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		config:   config,
		listener: ln,
		logger:   config.Logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[*yamux.Session]struct{}),
	}, nil
}

// SetObserver registers o for connection counts. Call before Serve.
func (l *Listener) SetObserver(o ConnectionObserver) {
	l.observer = o
}

// Addr returns the listen address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Serve accepts connections until Close is called, passing every stream
// to handler. It returns nil after Close.
func (l *Listener) Serve(handler StreamHandler) error {
	l.logger.Info("Transport listener starting", "addr", l.listener.Addr(), "carrier", l.config.Carrier)

	if l.config.Carrier == CarrierWebSocket {
		return l.serveWebSocket(handler)
	}

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return nil
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				l.logger.Warn("Temporary accept failure", "error", err.Error())
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		if !l.admit(conn) {
			continue
		}
		go l.handleConnection(conn, handler)
	}
}

func (l *Listener) serveWebSocket(handler StreamHandler) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		// Peers authenticate at the stream level, not by origin.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(l.config.WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		if l.atCapacity() {
			l.logger.Warn("Maximum connections reached, rejecting new connection", "remote", r.RemoteAddr)
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.logger.Debug("WebSocket carrier upgrade failed", "error", err.Error())
			return
		}
		conn := newWSConn(ws)
		if !l.admit(conn) {
			return
		}
		l.handleConnection(conn, handler)
	})

	l.sessionsMu.Lock()
	l.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	srv := l.httpServer
	l.sessionsMu.Unlock()

	err := srv.Serve(l.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	select {
	case <-l.ctx.Done():
		return nil
	default:
	}
	return err
}

func (l *Listener) atCapacity() bool {
	return l.config.MaxConnections > 0 && int(l.activeConns.Load()) >= l.config.MaxConnections
}

// admit reserves a connection slot, closing conn when none is left.
func (l *Listener) admit(conn net.Conn) bool {
	if l.config.MaxConnections > 0 {
		if int(l.activeConns.Add(1)) > l.config.MaxConnections {
			l.activeConns.Add(-1)
			l.logger.Warn("Maximum connections reached, rejecting new connection", "remote", conn.RemoteAddr())
			conn.Close()
			return false
		}
	} else {
		l.activeConns.Add(1)
	}
	l.wg.Add(1)
	return true
}

// ActiveConnections returns the number of open carrier connections.
func (l *Listener) ActiveConnections() int {
	return int(l.activeConns.Load())
}

func (l *Listener) handleConnection(conn net.Conn, handler StreamHandler) {
	defer func() {
		conn.Close()
		l.activeConns.Add(-1)
		if l.observer != nil {
			l.observer.DecrementConnections()
		}
		l.wg.Done()
	}()
	if l.observer != nil {
		l.observer.IncrementConnections()
	}

	session, err := yamux.Server(conn, l.config.yamux())
	if err != nil {
		l.logger.Error("Failed to start yamux session", err, "remote", conn.RemoteAddr())
		return
	}
	if !l.track(session) {
		session.Close()
		return
	}
	defer l.untrack(session)

	logger := l.logger.With("remote", conn.RemoteAddr().String())
	logger.Info("Carrier connection opened")

	for {
		stream, err := session.AcceptStream()
		if err != nil {
			if !isClosedErr(err) {
				logger.Error("Failed to accept stream", err)
			}
			break
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer stream.Close()
			handler(l.ctx, stream)
		}()
	}

	logger.Info("Carrier connection closed")
}

func (l *Listener) track(s *yamux.Session) bool {
	l.sessionsMu.Lock()
	defer l.sessionsMu.Unlock()
	if l.ctx.Err() != nil {
		return false
	}
	l.sessions[s] = struct{}{}
	return true
}

func (l *Listener) untrack(s *yamux.Session) {
	l.sessionsMu.Lock()
	defer l.sessionsMu.Unlock()
	delete(l.sessions, s)
	s.Close()
}

// Close stops accepting, closes every session and waits up to ten
// seconds for stream handlers to return.
func (l *Listener) Close() error {
	l.logger.Info("Stopping transport listener")
	l.cancel()

	l.sessionsMu.Lock()
	srv := l.httpServer
	for s := range l.sessions {
		s.Close()
	}
	l.sessionsMu.Unlock()

	var err error
	if srv != nil {
		err = srv.Close()
	} else {
		err = l.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		l.logger.Warn("Timeout waiting for connections to close")
	}
	return err
}
