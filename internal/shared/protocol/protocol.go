package protocol

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// WellKnownPath is where a node publishes its protocol map.
const WellKnownPath = "/.well-known/libp2p/protocols"

// Identifiers of the node's own protocols.
const (
	WhoAmIID = "/p2phttp/whoami/1"
	EchoID   = "/p2phttp/echo/1"
)

// maxMapSize bounds a fetched protocol map.
const maxMapSize = 8 << 10

var (
	ErrAlreadyRegistered = errors.New("protocol already registered")
	ErrNotFound          = errors.New("protocol not found")
	ErrInvalidMap        = errors.New("invalid protocol map")
)

// ID names a protocol, e.g. "/http-ping/1".
type ID = string

// Location is where a protocol is served on a node.
type Location struct {
	Path string `json:"path"`
}

// Map is the body served at WellKnownPath.
type Map map[ID]Location

// IDs returns the protocol IDs in sorted order.
func (m Map) IDs() []ID {
	ids := make([]ID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// NormalizePath makes path absolute. The empty path is "/".
func NormalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

// WellKnown tracks the protocols a node serves and answers discovery
// requests for them.
type WellKnown struct {
	mu        sync.RWMutex
	protocols Map
}

// NewWellKnown creates an empty protocol map.
func NewWellKnown() *WellKnown {
	return &WellKnown{protocols: make(Map)}
}

// Register records that id is served at path. Registering the same id
// twice fails with ErrAlreadyRegistered.
func (w *WellKnown) Register(id ID, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.protocols[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	w.protocols[id] = Location{Path: NormalizePath(path)}
	return nil
}

// Unregister forgets id.
func (w *WellKnown) Unregister(id ID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.protocols, id)
}

// Map returns a copy of the registered protocols.
func (w *WellKnown) Map() Map {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make(Map, len(w.protocols))
	for id, loc := range w.protocols {
		out[id] = loc
	}
	return out
}

// ServeHTTP writes the protocol map as JSON.
func (w *WellKnown) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		rw.Header().Set("Allow", "GET, HEAD")
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := json.Marshal(w.Map())
	if err != nil {
		http.Error(rw, "failed to encode protocol map", http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("Content-Length", fmt.Sprint(len(body)))
	rw.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		rw.Write(body)
	}
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetch downloads the protocol map of the node at baseURL.
func Fetch(ctx context.Context, client Doer, baseURL string) (Map, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	u.Path = WellKnownPath
	u.RawQuery = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch protocol map: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrInvalidMap, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMapSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read protocol map: %w", err)
	}
	if len(data) > maxMapSize {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidMap, maxMapSize)
	}

	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMap, err)
	}
	return m, nil
}

// Resolve returns the URL at which the node at baseURL serves id.
func Resolve(ctx context.Context, client Doer, baseURL string, id ID) (string, error) {
	m, err := Fetch(ctx, client, baseURL)
	if err != nil {
		return "", err
	}
	loc, ok := m[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	u.Path = NormalizePath(loc.Path)
	u.RawQuery = ""
	return u.String(), nil
}

// GenerateID returns a random 16-byte hex identifier for correlating
// stream log entries.
func GenerateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
