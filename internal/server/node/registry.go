package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"p2phttp/internal/websocket"
)

var ErrPathInUse = errors.New("path already registered")

// SessionHandler runs one accepted WebSocket session. The session is
// closed when it returns.
type SessionHandler func(ctx context.Context, conn *websocket.Conn)

type route struct {
	path    string
	handler http.Handler
}

// registry maps paths to handlers. HTTP routes match by longest prefix
// on a segment boundary, WebSocket routes match exactly.
type registry struct {
	mu      sync.RWMutex
	routes  []route
	sockets map[string]SessionHandler
}

func newRegistry() *registry {
	return &registry{sockets: make(map[string]SessionHandler)}
}

func (r *registry) addHTTP(path string, handler http.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rt := range r.routes {
		if rt.path == path {
			return fmt.Errorf("%w: %s", ErrPathInUse, path)
		}
	}
	r.routes = append(r.routes, route{path: path, handler: handler})
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].path) > len(r.routes[j].path)
	})
	return nil
}

func (r *registry) removeHTTP(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, rt := range r.routes {
		if rt.path == path {
			r.routes = append(r.routes[:i], r.routes[i+1:]...)
			return
		}
	}
}

func (r *registry) addSocket(path string, handler SessionHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sockets[path]; ok {
		return fmt.Errorf("%w: websocket %s", ErrPathInUse, path)
	}
	r.sockets[path] = handler
	return nil
}

func (r *registry) removeSocket(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sockets, path)
}

func (r *registry) matchHTTP(path string) (http.Handler, bool) {
	if path == "" {
		path = "/"
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rt := range r.routes {
		if pathMatches(rt.path, path) {
			return rt.handler, true
		}
	}
	return nil, false
}

func (r *registry) matchSocket(path string) (SessionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sockets[path]
	return h, ok
}

func pathMatches(prefix, path string) bool {
	if prefix == "/" || prefix == path {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/")
}

// requestPath extracts the path from a request target.
func requestPath(target string) string {
	u, err := url.ParseRequestURI(target)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}
