package websocket

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"p2phttp/internal/httpcodec"
)

func TestServerHandshakeRejectsBadRequests(t *testing.T) {
	valid := func() httpcodec.Headers {
		h := httpcodec.Headers{}
		h.Add("host", "peer.example")
		h.Add("upgrade", "websocket")
		h.Add("connection", "keep-alive, Upgrade")
		h.Add("sec-websocket-version", "13")
		h.Add("sec-websocket-key", "dGhlIHNhbXBsZSBub25jZQ==")
		return h
	}

	tests := []struct {
		name   string
		method string
		edit   func(h httpcodec.Headers) httpcodec.Headers
		status int
	}{
		{"valid", "GET", func(h httpcodec.Headers) httpcodec.Headers { return h }, 101},
		{"post", "POST", func(h httpcodec.Headers) httpcodec.Headers { return h }, 400},
		{"no upgrade", "GET", func(h httpcodec.Headers) httpcodec.Headers { h.Del("upgrade"); return h }, 400},
		{"wrong version", "GET", func(h httpcodec.Headers) httpcodec.Headers { h.Set("sec-websocket-version", "8"); return h }, 400},
		{"missing key", "GET", func(h httpcodec.Headers) httpcodec.Headers { h.Del("sec-websocket-key"); return h }, 400},
		{"short key", "GET", func(h httpcodec.Headers) httpcodec.Headers { h.Set("sec-websocket-key", "c2hvcnQ="); return h }, 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httpcodec.NewRequest(tt.method, "/ws", tt.edit(valid()), nil)

			var out strings.Builder
			_, err := ServerHandshake(context.Background(), &out, req, nil)

			resp, perr := httpcodec.ReadResponse(context.Background(), strings.NewReader(out.String()), tt.method)
			if perr != nil {
				t.Fatalf("Failed to parse handshake response: %v", perr)
			}
			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
			if tt.status == 101 {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				if got := resp.Headers.Get("sec-websocket-accept"); got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
					t.Errorf("Expected RFC accept value, got %q", got)
				}
				return
			}
			if !errors.Is(err, ErrProtocol) {
				t.Errorf("Expected ErrProtocol, got %v", err)
			}
		})
	}
}

// fakeServer answers the first request on the server end of a pipe with
// the given raw response.
func fakeServer(t *testing.T, raw func(key string) string) net.Conn {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	go func() {
		defer serverEnd.Close()
		req, err := httpcodec.ReadRequest(context.Background(), serverEnd)
		if err != nil {
			return
		}
		io.WriteString(serverEnd, raw(req.Headers.Get("sec-websocket-key")))
		io.Copy(io.Discard, serverEnd)
	}()
	return clientEnd
}

func TestDialVerifiesResponse(t *testing.T) {
	tests := []struct {
		name    string
		raw     func(key string) string
		wantErr error
	}{
		{
			name: "wrong accept",
			raw: func(string) string {
				return "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n" +
					"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n\r\n"
			},
			wantErr: ErrInvalidAccept,
		},
		{
			name: "not switching",
			raw: func(string) string {
				return "HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n"
			},
			wantErr: ErrBadHandshake,
		},
		{
			name: "missing upgrade",
			raw: func(key string) string {
				return "HTTP/1.1 101 Switching Protocols\r\nSec-WebSocket-Accept: " + ComputeAccept(key) + "\r\n\r\n"
			},
			wantErr: ErrBadHandshake,
		},
		{
			name: "unoffered subprotocol",
			raw: func(key string) string {
				return "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n" +
					"Sec-WebSocket-Accept: " + ComputeAccept(key) + "\r\nSec-WebSocket-Protocol: mqtt\r\n\r\n"
			},
			wantErr: ErrBadHandshake,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := fakeServer(t, tt.raw)
			_, err := Dial(context.Background(), conn, "ws://peer.example/ws", testOptions("chat"))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDialBuffersEarlyFrames(t *testing.T) {
	hello, _ := EncodeFrame(OpText, []byte("early"), false)
	conn := fakeServer(t, func(key string) string {
		return "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n" +
			"Sec-WebSocket-Accept: " + ComputeAccept(key) + "\r\n\r\n" + string(hello)
	})

	c, err := Dial(context.Background(), conn, "ws://peer.example/ws", testOptions())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.teardown(CloseNormal, "")

	msg, err := c.ReadMessage(context.Background())
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if string(msg.Data) != "early" {
		t.Errorf("Expected 'early', got %q", msg.Data)
	}
}

func TestDialCancelled(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()
	defer serverEnd.Close()
	go io.Copy(io.Discard, serverEnd) // never answers

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := Dial(ctx, clientEnd, "ws://peer.example/ws", testOptions())
	if err == nil {
		t.Fatal("Expected dial to fail")
	}
	if _, werr := clientEnd.Write([]byte("x")); werr == nil {
		t.Error("Expected the channel to be closed after cancellation")
	}
}

func TestInteropWithGorillaServer(t *testing.T) {
	upgrader := gorilla.Upgrader{Subprotocols: []string{"echo"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tcp, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, tcp, "ws://"+srv.Listener.Addr().String()+"/echo", testOptions("echo"))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if c.Subprotocol() != "echo" {
		t.Errorf("Expected subprotocol echo, got %q", c.Subprotocol())
	}

	payload := strings.Repeat("interop ", 20000)
	if err := c.WriteMessage(ctx, OpText, []byte(payload)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	msg, err := c.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if msg.Type != OpText || string(msg.Data) != payload {
		t.Errorf("Expected echoed text of %d bytes, got %s of %d", len(payload), msg.Type, len(msg.Data))
	}

	readErr := make(chan error, 1)
	go func() {
		_, err := c.ReadMessage(ctx)
		readErr <- err
	}()
	if err := c.Shutdown(ctx, CloseNormal, "done"); err != nil {
		t.Errorf("Expected clean shutdown, got %v", err)
	}
	if err := <-readErr; !IsCloseError(err, CloseNormal) {
		t.Errorf("Expected echoed 1000, got %v", err)
	}
}

func TestInteropWithGorillaClient(t *testing.T) {
	clientEnd, serverEnd := net.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		req, err := httpcodec.ReadRequest(ctx, serverEnd)
		if err != nil {
			serverDone <- err
			return
		}
		c, err := Accept(ctx, serverEnd, req, testOptions())
		if err != nil {
			serverDone <- err
			return
		}
		msg, err := c.ReadMessage(ctx)
		if err != nil {
			serverDone <- err
			return
		}
		if err := c.WriteMessage(ctx, msg.Type, append([]byte("re: "), msg.Data...)); err != nil {
			serverDone <- err
			return
		}
		_, err = c.ReadMessage(ctx)
		serverDone <- err
	}()

	dialer := gorilla.Dialer{
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			return clientEnd, nil
		},
	}
	ws, _, err := dialer.DialContext(ctx, "ws://peer.example/ws", nil)
	if err != nil {
		t.Fatalf("gorilla dial failed: %v", err)
	}

	if err := ws.WriteMessage(gorilla.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("gorilla write failed: %v", err)
	}
	mt, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("gorilla read failed: %v", err)
	}
	if mt != gorilla.BinaryMessage || string(data) != "re: \x01\x02\x03" {
		t.Errorf("Expected binary 're: \\x01\\x02\\x03', got %d %q", mt, data)
	}

	msg := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "bye")
	if err := ws.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("gorilla close failed: %v", err)
	}
	if _, _, err := ws.ReadMessage(); !gorilla.IsCloseError(err, gorilla.CloseNormalClosure) {
		t.Errorf("Expected gorilla to see the echoed close, got %v", err)
	}

	if err := <-serverDone; !IsCloseError(err, CloseNormal) {
		t.Errorf("Expected server to see 1000, got %v", err)
	}
}
