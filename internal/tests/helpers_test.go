package tests

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	agentconfig "p2phttp/internal/agent/config"
	"p2phttp/internal/agent/proxy"
	"p2phttp/internal/agent/tunnel"
	serverconfig "p2phttp/internal/server/config"
	servertunnel "p2phttp/internal/server/tunnel"
	"p2phttp/internal/shared/identity"
	"p2phttp/internal/shared/logging"
	"p2phttp/internal/transport"
)

// TestServer is a running node.
type TestServer struct {
	Server *servertunnel.Server
	Addr   string
}

func (s *TestServer) Stop() {
	s.Server.Stop()
}

// TestClient is a connected agent with its local proxy.
type TestClient struct {
	Client   *tunnel.Client
	Proxy    *proxy.Server
	Identity *identity.Identity
	ProxyURL string
}

func (c *TestClient) Stop() {
	c.Proxy.Stop()
	c.Client.Close()
}

func testLogger() *logging.Logger {
	return logging.Discard("e2e-test")
}

// StartTestServer starts a node on a random local port.
func StartTestServer(t *testing.T, carrier string) *TestServer {
	t.Helper()

	cfg := &serverconfig.Config{
		ListenAddr:     "127.0.0.1",
		ListenPort:     0,
		Carrier:        carrier,
		WebSocketPath:  transport.DefaultWebSocketPath,
		MaxConnections: 10,
		IdentityFile:   t.TempDir() + "/server.yaml",
		TokenTTL:       time.Hour,
		MaxMessageSize: 1 << 20,
	}

	srv, err := servertunnel.NewServer(context.Background(), cfg, testLogger())
	AssertNoError(t, err, "Server creation should not fail")
	go srv.Start()
	t.Cleanup(func() { srv.Stop() })

	return &TestServer{Server: srv, Addr: srv.Addr().String()}
}

// testAgentConfig returns an agent config pointing at serverAddr.
func testAgentConfig(t *testing.T, serverAddr, carrier string) *agentconfig.Config {
	t.Helper()
	host, portStr, err := net.SplitHostPort(serverAddr)
	AssertNoError(t, err, "Server address should split")
	port, _ := strconv.Atoi(portStr)

	return &agentconfig.Config{
		ServerIP:           host,
		ServerPort:         port,
		Carrier:            carrier,
		WebSocketPath:      transport.DefaultWebSocketPath,
		IdentityFile:       t.TempDir() + "/agent.yaml",
		TokenTTL:           time.Hour,
		DialAttempts:       1,
		BreakerMaxFailures: 5,
		BreakerReset:       30 * time.Second,
	}
}

// StartTestClient connects an agent to serverAddr and starts its proxy.
func StartTestClient(t *testing.T, cfg *agentconfig.Config) *TestClient {
	t.Helper()

	id, _, err := identity.LoadOrGenerate(cfg.IdentityFile)
	AssertNoError(t, err, "Agent identity should load")

	client, err := tunnel.NewClient(cfg, id, testLogger())
	AssertNoError(t, err, "Client creation should not fail")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	AssertNoError(t, client.Connect(ctx), "Connect should not fail")

	p := proxy.NewServer(0, client.Remote(), testLogger())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	AssertNoError(t, err, "Proxy listen should not fail")
	AssertNoError(t, p.StartOn(ln), "Proxy start should not fail")

	c := &TestClient{
		Client:   client,
		Proxy:    p,
		Identity: id,
		ProxyURL: "http://" + ln.Addr().String(),
	}
	t.Cleanup(c.Stop)
	return c
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected an error", msg)
	}
}

// AssertEqual fails the test if expected and actual differ
func AssertEqual[T comparable](t *testing.T, expected, actual T, msg string) {
	t.Helper()
	if expected != actual {
		t.Fatalf("%s: expected %v, got %v", msg, expected, actual)
	}
}
