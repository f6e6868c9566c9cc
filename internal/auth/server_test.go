package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"

	"p2phttp/internal/shared/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type countingRecorder struct {
	outcomes map[string]int
}

func (r *countingRecorder) RecordAuth(outcome string) {
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[outcome]++
}

func newTestServer(t *testing.T, clock *fakeClock, hostnames ...string) *ServerPeerIDAuth {
	t.Helper()
	return &ServerPeerIDAuth{
		PrivKey:   mustKey(t, serverPrivHex),
		Hostnames: hostnames,
		Logger:    logging.Discard("auth-test"),
		Now:       clock.Now,
	}
}

// clientHandshake drives the client-initiated flow by hand and returns the
// bearer token.
func clientHandshake(t *testing.T, srv *ServerPeerIDAuth, clientKey crypto.PrivKey, hostname string) string {
	t.Helper()
	clientPub, _ := marshalPublicKey(clientKey.GetPublic())
	challengeServer, _ := newChallenge()

	res := srv.AuthenticateRequest(hostname, formatHeader(params{
		"challenge-server": challengeServer,
		"public-key":       encoding.EncodeToString(clientPub),
	}))
	if res.Status != http.StatusUnauthorized {
		t.Fatalf("Expected 401 on first leg, got %d (%v)", res.Status, res.Err)
	}
	p, err := parseHeader(res.Header.Get("WWW-Authenticate"))
	if err != nil {
		t.Fatalf("Failed to parse WWW-Authenticate: %v", err)
	}

	serverKey, serverKeyBytes, err := decodePublicKey(p["public-key"])
	if err != nil {
		t.Fatalf("Bad server public key: %v", err)
	}
	serverSig, _ := encoding.DecodeString(p["sig"])
	err = verify(serverKey, PeerIDAuthScheme, []field{
		stringField("challenge-server", challengeServer),
		{name: "client-public-key", value: clientPub},
		stringField("hostname", hostname),
	}, serverSig)
	if err != nil {
		t.Fatalf("Server signature did not verify: %v", err)
	}

	sig, _ := sign(clientKey, PeerIDAuthScheme, []field{
		stringField("challenge-client", p["challenge-client"]),
		stringField("hostname", hostname),
		{name: "server-public-key", value: serverKeyBytes},
	})
	res = srv.AuthenticateRequest(hostname, formatHeader(params{
		"opaque": p["opaque"],
		"sig":    encoding.EncodeToString(sig),
	}))
	if res.Status != http.StatusOK {
		t.Fatalf("Expected 200 on second leg, got %d (%v)", res.Status, res.Err)
	}
	if res.Peer.String() != clientPeerID {
		t.Errorf("Expected client peer %s, got %s", clientPeerID, res.Peer)
	}
	info, err := parseHeader(res.Header.Get("Authentication-Info"))
	if err != nil {
		t.Fatalf("Failed to parse Authentication-Info: %v", err)
	}
	return info["bearer"]
}

func TestServerRejectsUnknownHostname(t *testing.T) {
	srv := newTestServer(t, newClock(time.Now()), "example.com")

	res := srv.AuthenticateRequest("evil.com", "")
	if res.Status != http.StatusBadRequest || !errors.Is(res.Err, ErrInvalidHostname) {
		t.Errorf("Expected 400 ErrInvalidHostname, got %d %v", res.Status, res.Err)
	}
}

func TestServerChallengesWithoutHeader(t *testing.T) {
	srv := newTestServer(t, newClock(time.Now()), "example.com")

	res := srv.AuthenticateRequest("example.com", "")
	if res.Status != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", res.Status)
	}
	if !errors.Is(res.Err, ErrMissingAuthHeader) {
		t.Errorf("Expected ErrMissingAuthHeader, got %v", res.Err)
	}
	p, err := parseHeader(res.Header.Get("WWW-Authenticate"))
	if err != nil {
		t.Fatalf("Failed to parse challenge: %v", err)
	}
	for _, k := range []string{"challenge-client", "public-key", "opaque"} {
		if p[k] == "" {
			t.Errorf("Expected %s in challenge", k)
		}
	}
	if p["sig"] != "" {
		t.Error("Expected no sig without challenge-server")
	}
}

func TestClientInitiatedHandshake(t *testing.T) {
	rec := &countingRecorder{}
	srv := newTestServer(t, newClock(time.Now()), "example.com")
	srv.Metrics = rec

	token := clientHandshake(t, srv, mustKey(t, clientPrivHex), "example.com")
	if token == "" {
		t.Fatal("Expected a bearer token")
	}

	res := srv.AuthenticateRequest("example.com", bearerHeader(token))
	if res.Status != http.StatusOK || res.Peer.String() != clientPeerID {
		t.Errorf("Expected bearer to authenticate %s, got %d %s", clientPeerID, res.Status, res.Peer)
	}

	if rec.outcomes[OutcomeHandshake] != 1 || rec.outcomes[OutcomeBearer] != 1 {
		t.Errorf("Unexpected recorded outcomes %v", rec.outcomes)
	}
}

func TestServerInitiatedHandshake(t *testing.T) {
	srv := newTestServer(t, newClock(time.Now()))
	clientKey := mustKey(t, clientPrivHex)
	clientPub, _ := marshalPublicKey(clientKey.GetPublic())

	res := srv.AuthenticateRequest("example.com", "")
	p, _ := parseHeader(res.Header.Get("WWW-Authenticate"))
	_, serverKeyBytes, err := decodePublicKey(p["public-key"])
	if err != nil {
		t.Fatalf("Bad server key: %v", err)
	}

	sig, _ := sign(clientKey, PeerIDAuthScheme, []field{
		stringField("challenge-client", p["challenge-client"]),
		stringField("hostname", "example.com"),
		{name: "server-public-key", value: serverKeyBytes},
	})
	challengeServer, _ := newChallenge()
	res = srv.AuthenticateRequest("example.com", formatHeader(params{
		"opaque":           p["opaque"],
		"sig":              encoding.EncodeToString(sig),
		"public-key":       encoding.EncodeToString(clientPub),
		"challenge-server": challengeServer,
	}))
	if res.Status != http.StatusOK {
		t.Fatalf("Expected 200, got %d (%v)", res.Status, res.Err)
	}

	info, _ := parseHeader(res.Header.Get("Authentication-Info"))
	serverSig, _ := encoding.DecodeString(info["sig"])
	err = verify(srv.PrivKey.GetPublic(), PeerIDAuthScheme, []field{
		stringField("challenge-server", challengeServer),
		{name: "client-public-key", value: clientPub},
		stringField("hostname", "example.com"),
	}, serverSig)
	if err != nil {
		t.Errorf("Expected server counter-signature to verify, got %v", err)
	}
	if info["bearer"] == "" {
		t.Error("Expected a bearer token")
	}
}

func TestBearerTTLBoundary(t *testing.T) {
	clock := newClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	srv := newTestServer(t, clock)
	token := clientHandshake(t, srv, mustKey(t, clientPrivHex), "example.com")
	issued := clock.Now()

	tests := []struct {
		offset time.Duration
		status int
	}{
		{DefaultTokenTTL - time.Millisecond, http.StatusOK},
		{DefaultTokenTTL, http.StatusOK},
		{DefaultTokenTTL + time.Millisecond, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		clock.Set(issued.Add(tt.offset))
		res := srv.AuthenticateRequest("example.com", bearerHeader(token))
		if res.Status != tt.status {
			t.Errorf("At +%v: expected %d, got %d", tt.offset, tt.status, res.Status)
		}
		if tt.status == http.StatusUnauthorized && !errors.Is(res.Err, ErrTokenExpired) {
			t.Errorf("At +%v: expected ErrTokenExpired, got %v", tt.offset, res.Err)
		}
	}
}

func TestBearerIsBoundToHostname(t *testing.T) {
	srv := newTestServer(t, newClock(time.Now()))
	token := clientHandshake(t, srv, mustKey(t, clientPrivHex), "a.example")

	res := srv.AuthenticateRequest("b.example", bearerHeader(token))
	if res.Status != http.StatusUnauthorized || !errors.Is(res.Err, ErrInvalidHostname) {
		t.Errorf("Expected 401 ErrInvalidHostname, got %d %v", res.Status, res.Err)
	}
	if res.Header.Get("WWW-Authenticate") == "" {
		t.Error("Expected a fresh challenge")
	}
}

func TestOpaqueTTLBoundary(t *testing.T) {
	clock := newClock(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	srv := newTestServer(t, clock)
	clientKey := mustKey(t, clientPrivHex)
	clientPub, _ := marshalPublicKey(clientKey.GetPublic())
	serverPub, _ := marshalPublicKey(srv.PrivKey.GetPublic())
	issued := clock.Now()

	tests := []struct {
		offset time.Duration
		status int
	}{
		{DefaultTokenTTL - time.Millisecond, http.StatusOK},
		{DefaultTokenTTL, http.StatusOK},
		{DefaultTokenTTL + time.Millisecond, http.StatusBadRequest},
	}

	for _, tt := range tests {
		clock.Set(issued)
		challenge, _ := newChallenge()
		first := srv.AuthenticateRequest("example.com", formatHeader(params{
			"challenge-server": challenge,
			"public-key":       encoding.EncodeToString(clientPub),
		}))
		p, _ := parseHeader(first.Header.Get("WWW-Authenticate"))
		sig, _ := sign(clientKey, PeerIDAuthScheme, []field{
			stringField("challenge-client", p["challenge-client"]),
			stringField("hostname", "example.com"),
			{name: "server-public-key", value: serverPub},
		})

		clock.Set(issued.Add(tt.offset))
		res := srv.AuthenticateRequest("example.com", formatHeader(params{
			"opaque": p["opaque"],
			"sig":    encoding.EncodeToString(sig),
		}))
		if res.Status != tt.status {
			t.Errorf("At +%v: expected %d, got %d (%v)", tt.offset, tt.status, res.Status, res.Err)
		}
		if tt.status == http.StatusBadRequest && !errors.Is(res.Err, ErrTokenExpired) {
			t.Errorf("At +%v: expected ErrTokenExpired, got %v", tt.offset, res.Err)
		}
	}
}

func TestOpaqueFailures(t *testing.T) {
	clock := newClock(time.Now())
	srv := newTestServer(t, clock)
	clientKey := mustKey(t, clientPrivHex)
	clientPub, _ := marshalPublicKey(clientKey.GetPublic())
	serverPub, _ := marshalPublicKey(srv.PrivKey.GetPublic())

	first := func(hostname string) params {
		challenge, _ := newChallenge()
		res := srv.AuthenticateRequest(hostname, formatHeader(params{
			"challenge-server": challenge,
			"public-key":       encoding.EncodeToString(clientPub),
		}))
		p, _ := parseHeader(res.Header.Get("WWW-Authenticate"))
		return p
	}
	signFor := func(p params, hostname string) string {
		sig, _ := sign(clientKey, PeerIDAuthScheme, []field{
			stringField("challenge-client", p["challenge-client"]),
			stringField("hostname", hostname),
			{name: "server-public-key", value: serverPub},
		})
		return encoding.EncodeToString(sig)
	}

	t.Run("tampered opaque", func(t *testing.T) {
		p := first("example.com")
		res := srv.AuthenticateRequest("example.com", formatHeader(params{
			"opaque": p["opaque"][:len(p["opaque"])-8] + "AAAAAAA=",
			"sig":    signFor(p, "example.com"),
		}))
		if res.Status != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", res.Status)
		}
	})

	t.Run("opaque for another hostname", func(t *testing.T) {
		p := first("a.example")
		res := srv.AuthenticateRequest("b.example", formatHeader(params{
			"opaque": p["opaque"],
			"sig":    signFor(p, "b.example"),
		}))
		if res.Status != http.StatusBadRequest || !errors.Is(res.Err, ErrInvalidHostname) {
			t.Errorf("Expected 400 ErrInvalidHostname, got %d %v", res.Status, res.Err)
		}
	})

	t.Run("expired opaque", func(t *testing.T) {
		p := first("example.com")
		defer clock.Set(clock.Now())
		clock.Set(clock.Now().Add(DefaultTokenTTL + time.Millisecond))
		res := srv.AuthenticateRequest("example.com", formatHeader(params{
			"opaque": p["opaque"],
			"sig":    signFor(p, "example.com"),
		}))
		if res.Status != http.StatusBadRequest || !errors.Is(res.Err, ErrTokenExpired) {
			t.Errorf("Expected 400 ErrTokenExpired, got %d %v", res.Status, res.Err)
		}
	})

	t.Run("signature over wrong hostname", func(t *testing.T) {
		p := first("example.com")
		res := srv.AuthenticateRequest("example.com", formatHeader(params{
			"opaque": p["opaque"],
			"sig":    signFor(p, "other.example"),
		}))
		if res.Status != http.StatusBadRequest || !errors.Is(res.Err, ErrInvalidSignature) {
			t.Errorf("Expected 400 ErrInvalidSignature, got %d %v", res.Status, res.Err)
		}
	})

	t.Run("missing sig", func(t *testing.T) {
		p := first("example.com")
		res := srv.AuthenticateRequest("example.com", formatHeader(params{"opaque": p["opaque"]}))
		if res.Status != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", res.Status)
		}
	})

	t.Run("opaque replayed as bearer", func(t *testing.T) {
		p := first("example.com")
		res := srv.AuthenticateRequest("example.com", bearerHeader(p["opaque"]))
		if res.Status != http.StatusUnauthorized || !errors.Is(res.Err, ErrInvalidSignature) {
			t.Errorf("Expected 401 ErrInvalidSignature, got %d %v", res.Status, res.Err)
		}
	})
}

func TestServerRejectsMalformedHeaders(t *testing.T) {
	srv := newTestServer(t, newClock(time.Now()))

	tests := []string{
		`Basic dXNlcjpwYXNz`,
		`libp2p-PeerID challenge-server="abc"`,
		`libp2p-PeerID challenge-server="abc", public-key="!!!"`,
		`libp2p-PeerID opaque="` + string(make([]byte, MaxAuthHeaderSize)) + `"`,
	}
	for _, header := range tests {
		res := srv.AuthenticateRequest("example.com", header)
		if res.Status != http.StatusBadRequest {
			t.Errorf("Expected 400 for %.40q, got %d", header, res.Status)
		}
	}
}

func TestMiddleware(t *testing.T) {
	srv := newTestServer(t, newClock(time.Now()))
	srv.Next = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := PeerFromContext(r.Context())
		if !ok {
			t.Error("Expected peer in context")
		}
		w.Write([]byte(id.String()))
	})
	token := clientHandshake(t, srv, mustKey(t, clientPrivHex), "example.com")

	t.Run("unauthenticated", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "http://example.com/whoami", nil)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized || w.Header().Get("WWW-Authenticate") == "" {
			t.Errorf("Expected 401 challenge, got %d", w.Code)
		}
	})

	t.Run("bearer reaches next", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "http://example.com/whoami", nil)
		r.Header.Set("Authorization", bearerHeader(token))
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, r)
		if w.Code != http.StatusOK || w.Body.String() != clientPeerID {
			t.Errorf("Expected 200 %s, got %d %q", clientPeerID, w.Code, w.Body.String())
		}
	})

	t.Run("default port stripped", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		r.Host = "example.com:80"
		r.Header.Set("Authorization", bearerHeader(token))
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Errorf("Expected 200, got %d", w.Code)
		}
	})
}
