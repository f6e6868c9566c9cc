package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"p2phttp/internal/shared/logging"
	"p2phttp/internal/websocket"
)

// Hop-by-hop headers are not forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// PeerHeader carries the node's peer ID on proxied responses.
const PeerHeader = "X-P2phttp-Peer"

// Server handles local HTTP proxy requests
type Server struct {
	server   *http.Server
	remote   *Remote
	upgrader gorillaws.Upgrader
	logger   *logging.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a new proxy server
func NewServer(port int, remote *Remote, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewLogger("proxy-server")
	}
	ctx, cancel := context.WithCancel(context.Background())

	proxy := &Server{
		remote: remote,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", proxy.handleRequest)

	proxy.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return proxy
}

// Start begins serving HTTP proxy requests
func (p *Server) Start() error {
	listener, err := net.Listen("tcp", p.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to start proxy server: %w", err)
	}
	return p.StartOn(listener)
}

// StartOn serves on an existing listener.
func (p *Server) StartOn(listener net.Listener) error {
	p.mu.Lock()
	p.listener = listener
	p.mu.Unlock()

	go func() {
		if err := p.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			p.logger.Error("Proxy server error", err)
		}
	}()

	p.logger.Info("HTTP proxy server started", "addr", listener.Addr().String())
	return nil
}

// Addr returns the listening address, or nil before Start.
func (p *Server) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop gracefully shuts down the proxy server
func (p *Server) Stop() error {
	p.logger.Info("Stopping HTTP proxy server")
	p.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return p.server.Shutdown(ctx)
}

// handleRequest processes incoming HTTP requests
func (p *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	p.logRequest(r)

	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	if p.isWebSocketUpgrade(r) {
		p.handleWebSocket(w, r)
		return
	}
	p.handleHTTPRequest(w, r)
}

// handleHTTPRequest forwards a request to the node on a fresh stream.
func (p *Server) handleHTTPRequest(w http.ResponseWriter, r *http.Request) {
	var body io.Reader
	if r.ContentLength != 0 {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, p.remote.URL(r.URL.RequestURI()), body)
	if err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	out.ContentLength = r.ContentLength
	copyHeaders(out.Header, r.Header)
	out.Header.Del("Authorization")

	peerID, resp, err := p.remote.Do(out)
	if err != nil {
		p.logger.Error("Failed to forward request", err, "method", r.Method, "path", r.URL.Path)
		http.Error(w, "Node unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(PeerHeader, peerID.String())
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug("Response copy interrupted", "path", r.URL.Path, "error", err)
	}
}

// handleConnect rejects CONNECT; the agent forwards to one node only.
func (p *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	p.logger.Warn("CONNECT method not supported", "host", r.Host)
	http.Error(w, "CONNECT method not implemented", http.StatusNotImplemented)
}

func (p *Server) isWebSocketUpgrade(r *http.Request) bool {
	return gorillaws.IsWebSocketUpgrade(r)
}

// handleWebSocket bridges a local WebSocket client to a session with the
// node, pumping messages both ways until either side closes.
func (p *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	remote, err := p.remote.DialWebSocket(ctx, r.URL.RequestURI(), gorillaws.Subprotocols(r), nil)
	if err != nil {
		p.logger.Error("Failed to open node WebSocket", err, "path", r.URL.Path)
		http.Error(w, "Node WebSocket unavailable", http.StatusBadGateway)
		return
	}

	var respHeader http.Header
	if proto := remote.Subprotocol(); proto != "" {
		respHeader = http.Header{"Sec-Websocket-Protocol": {proto}}
	}
	local, err := p.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// The upgrader has already answered the client.
		shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
		remote.Shutdown(shutdownCtx, websocket.CloseGoingAway, "")
		cancel()
		return
	}
	defer local.Close()

	p.logger.Debug("WebSocket bridge opened", "path", r.URL.Path)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.pumpToNode(ctx, local, remote)
	}()
	go func() {
		defer wg.Done()
		p.pumpToLocal(ctx, remote, local)
	}()
	wg.Wait()

	code, _ := remote.CloseStatus()
	p.logger.Debug("WebSocket bridge closed", "path", r.URL.Path, "code", int(code))
}

func (p *Server) pumpToNode(ctx context.Context, local *gorillaws.Conn, remote *websocket.Conn) {
	for {
		mt, data, err := local.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseGoingAway, ""
			var ce *gorillaws.CloseError
			if errors.As(err, &ce) {
				code, reason = websocket.CloseCode(ce.Code), ce.Text
				if code == websocket.CloseNoStatus {
					code = websocket.CloseNormal
				}
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			remote.Shutdown(shutdownCtx, code, reason)
			cancel()
			return
		}

		op := websocket.OpBinary
		if mt == gorillaws.TextMessage {
			op = websocket.OpText
		}
		if err := remote.WriteMessage(ctx, op, data); err != nil {
			local.WriteControl(gorillaws.CloseMessage,
				gorillaws.FormatCloseMessage(gorillaws.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		}
	}
}

func (p *Server) pumpToLocal(ctx context.Context, remote *websocket.Conn, local *gorillaws.Conn) {
	for {
		msg, err := remote.ReadMessage(ctx)
		if err != nil {
			code, reason := gorillaws.CloseGoingAway, ""
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseNoStatus && ce.Code != websocket.CloseAbnormal {
				code, reason = int(ce.Code), ce.Reason
			}
			local.WriteControl(gorillaws.CloseMessage,
				gorillaws.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
			// Unblock the other pump if the local client never answers.
			local.SetReadDeadline(time.Now().Add(5 * time.Second))
			return
		}

		mt := gorillaws.BinaryMessage
		if msg.Type == websocket.OpText {
			mt = gorillaws.TextMessage
		}
		if err := local.WriteMessage(mt, msg.Data); err != nil {
			remote.Close(websocket.CloseGoingAway, "")
			return
		}
	}
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		dst[name] = append([]string(nil), values...)
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	// Headers named by Connection are hop-by-hop as well.
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
}

// logRequest logs request information (path only for privacy)
func (p *Server) logRequest(r *http.Request) {
	p.logger.Info("Proxying request", "method", r.Method, "path", r.URL.Path)
}
