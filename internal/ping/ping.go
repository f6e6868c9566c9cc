// Package ping implements the /http-ping/1 protocol: the client sends 32
// random bytes and the node echoes them back, over plain HTTP or a
// WebSocket session.
package ping

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"p2phttp/internal/shared/logging"
	"p2phttp/internal/websocket"
)

const (
	ProtocolID = "/http-ping/1"
	Size       = 32
)

var (
	ErrUnexpectedStatus = errors.New("unexpected ping status")
	ErrSizeMismatch     = errors.New("unexpected ping response size")
	ErrBodyMismatch     = errors.New("ping body mismatch")
)

var logger = logging.NewLogger("ping")

// Handler echoes a Size-byte request body. Any other body gets 400.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		buf, err := io.ReadAll(io.LimitReader(r.Body, Size+1))
		if err != nil || len(buf) != Size {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(Size))
		w.WriteHeader(http.StatusOK)
		w.Write(buf)
	})
}

// ServeWebSocket echoes one Size-byte message, then closes the session.
func ServeWebSocket(ctx context.Context, conn *websocket.Conn) {
	msg, err := conn.ReadMessage(ctx)
	if err != nil {
		return
	}

	if len(msg.Data) != Size {
		conn.Close(websocket.ClosePolicyViolation, "ping must be 32 bytes")
	} else {
		if err := conn.WriteMessage(ctx, websocket.OpBinary, msg.Data); err != nil {
			logger.Debug("Failed to echo ping", "error", err)
			return
		}
		conn.Close(websocket.CloseNormal, "")
	}

	// Drain until the peer's close frame completes the handshake.
	for {
		if _, err := conn.ReadMessage(ctx); err != nil {
			return
		}
	}
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Send pings the endpoint at url and returns the round-trip time.
func Send(ctx context.Context, client Doer, url string) (time.Duration, error) {
	payload, err := newPayload()
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ping request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	got, err := io.ReadAll(io.LimitReader(resp.Body, Size+1))
	if err != nil {
		return 0, fmt.Errorf("failed to read ping response: %w", err)
	}
	if err := check(payload, got); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// SendWebSocket pings over an open session and returns the round-trip
// time. The session is closed afterwards.
func SendWebSocket(ctx context.Context, conn *websocket.Conn) (time.Duration, error) {
	payload, err := newPayload()
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if err := conn.WriteMessage(ctx, websocket.OpBinary, payload); err != nil {
		return 0, fmt.Errorf("failed to send ping: %w", err)
	}
	msg, err := conn.ReadMessage(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read ping response: %w", err)
	}
	rtt := time.Since(start)

	if err := check(payload, msg.Data); err != nil {
		conn.Close(websocket.ClosePolicyViolation, "")
		return 0, err
	}

	// The server closes after echoing; read until that completes.
	for {
		if _, err := conn.ReadMessage(ctx); err != nil {
			break
		}
	}
	return rtt, nil
}

func newPayload() ([]byte, error) {
	payload := make([]byte, Size)
	if _, err := rand.Read(payload); err != nil {
		return nil, fmt.Errorf("failed to generate ping payload: %w", err)
	}
	return payload, nil
}

func check(sent, got []byte) error {
	if len(got) != Size {
		return fmt.Errorf("%w: %d", ErrSizeMismatch, len(got))
	}
	if !bytes.Equal(sent, got) {
		return ErrBodyMismatch
	}
	return nil
}
