package tests

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"p2phttp/internal/ping"
	"p2phttp/internal/transport"
)

func dialProxy(t *testing.T, client *TestClient, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(client.ProxyURL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	AssertNoError(t, err, "WebSocket connection should not fail")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketConnection(t *testing.T) {
	t.Parallel()

	for _, carrier := range []string{transport.CarrierTCP, transport.CarrierWebSocket} {
		t.Run(carrier, func(t *testing.T) {
			server := StartTestServer(t, carrier)
			client := StartTestClient(t, testAgentConfig(t, server.Addr, carrier))
			conn := dialProxy(t, client, "/echo")

			testMessage := []byte("Hello WebSocket")
			AssertNoError(t, conn.WriteMessage(websocket.TextMessage, testMessage), "Send message should not fail")

			messageType, message, err := conn.ReadMessage()
			AssertNoError(t, err, "Read message should not fail")
			AssertEqual(t, websocket.TextMessage, messageType, "Message type")
			AssertEqual(t, string(testMessage), string(message), "Message content")
		})
	}
}

func TestWebSocketBinaryAndLargeMessages(t *testing.T) {
	t.Parallel()

	server := StartTestServer(t, transport.CarrierTCP)
	client := StartTestClient(t, testAgentConfig(t, server.Addr, transport.CarrierTCP))
	conn := dialProxy(t, client, "/echo")

	for _, size := range []int{0, 125, 126, 65535, 65536, 200000} {
		payload := bytes.Repeat([]byte{byte(size)}, size)
		AssertNoError(t, conn.WriteMessage(websocket.BinaryMessage, payload), "Send should not fail")

		messageType, message, err := conn.ReadMessage()
		AssertNoError(t, err, "Read should not fail")
		AssertEqual(t, websocket.BinaryMessage, messageType, "Message type")
		if !bytes.Equal(payload, message) {
			t.Errorf("Expected %d byte echo, got %d bytes", size, len(message))
		}
	}
}

func TestWebSocketCloseIsForwarded(t *testing.T) {
	t.Parallel()

	server := StartTestServer(t, transport.CarrierTCP)
	client := StartTestClient(t, testAgentConfig(t, server.Addr, transport.CarrierTCP))
	conn := dialProxy(t, client, "/echo")

	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	AssertNoError(t, err, "Close should not fail")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("Expected a normal close, got %v", err)
	}
}

func TestWebSocketPing(t *testing.T) {
	t.Parallel()

	server := StartTestServer(t, transport.CarrierTCP)
	client := StartTestClient(t, testAgentConfig(t, server.Addr, transport.CarrierTCP))

	t.Run("echo", func(t *testing.T) {
		conn := dialProxy(t, client, "/ping")
		payload := bytes.Repeat([]byte{0xAB}, ping.Size)
		AssertNoError(t, conn.WriteMessage(websocket.BinaryMessage, payload), "Send should not fail")

		_, message, err := conn.ReadMessage()
		AssertNoError(t, err, "Read should not fail")
		if !bytes.Equal(payload, message) {
			t.Errorf("Expected ping echoed, got %x", message)
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err = conn.ReadMessage()
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Errorf("Expected normal close after the echo, got %v", err)
		}
	})

	t.Run("wrong size", func(t *testing.T) {
		conn := dialProxy(t, client, "/ping")
		AssertNoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("short")), "Send should not fail")

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err := conn.ReadMessage()
		if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			t.Errorf("Expected policy violation close, got %v", err)
		}
	})
}

func TestConcurrentWebSocketSessions(t *testing.T) {
	t.Parallel()

	server := StartTestServer(t, transport.CarrierTCP)
	client := StartTestClient(t, testAgentConfig(t, server.Addr, transport.CarrierTCP))

	var wg sync.WaitGroup
	errs := make(chan string, 5)
	for i := 0; i < 5; i++ {
		conn := dialProxy(t, client, "/echo")
		wg.Add(1)
		go func(id int, conn *websocket.Conn) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				msg := []byte(strings.Repeat(string(rune('a'+id)), j+1))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					errs <- err.Error()
					return
				}
				_, got, err := conn.ReadMessage()
				if err != nil || !bytes.Equal(got, msg) {
					errs <- "session mixed up or failed"
					return
				}
			}
		}(i, conn)
	}
	wg.Wait()
	close(errs)

	for e := range errs {
		t.Error(e)
	}
}
