package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"p2phttp/internal/shared/circuitbreaker"
	"p2phttp/internal/shared/logging"
	"p2phttp/internal/shared/retry"
)

func testConfig(carrier string) Config {
	return Config{Carrier: carrier, Logger: logging.Discard("transport-test")}
}

// echo copies a stream back to itself.
func echo(ctx context.Context, stream net.Conn) {
	io.Copy(stream, stream)
}

func startListener(t *testing.T, config Config, handler StreamHandler) *Listener {
	t.Helper()
	l, err := Listen("127.0.0.1:0", config)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go l.Serve(handler)
	t.Cleanup(func() { l.Close() })
	return l
}

func newTestDialer(t *testing.T, config Config) *Dialer {
	t.Helper()
	d, err := NewDialer(config, retry.Config{MaxAttempts: 1}, nil)
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}
	return d
}

func roundTrip(s *Session, payload []byte) error {
	stream, err := s.OpenStream(context.Background())
	if err != nil {
		return err
	}
	defer stream.Close()

	go stream.Write(payload)
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(stream, got); err != nil {
		return err
	}
	if !bytes.Equal(got, payload) {
		return errors.New("echoed payload differs")
	}
	return nil
}

func TestCarriers(t *testing.T) {
	for _, carrier := range []string{CarrierTCP, CarrierWebSocket} {
		t.Run(carrier, func(t *testing.T) {
			l := startListener(t, testConfig(carrier), echo)
			d := newTestDialer(t, testConfig(carrier))

			s, err := d.Dial(context.Background(), l.Addr().String())
			if err != nil {
				t.Fatalf("Dial failed: %v", err)
			}
			defer s.Close()

			// Several concurrent streams over one session.
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if err := roundTrip(s, bytes.Repeat([]byte{byte(i)}, 100<<10)); err != nil {
						t.Errorf("Stream %d: %v", i, err)
					}
				}(i)
			}
			wg.Wait()

			if _, err := s.Ping(); err != nil {
				t.Errorf("Ping failed: %v", err)
			}
		})
	}
}

func TestUnknownCarrier(t *testing.T) {
	_, err := NewDialer(Config{Carrier: "quic"}, retry.Config{}, nil)
	if !errors.Is(err, ErrUnknownCarrier) {
		t.Errorf("Expected ErrUnknownCarrier, got %v", err)
	}
}

type countingObserver struct {
	opened, closed atomic.Int32
}

func (o *countingObserver) IncrementConnections() { o.opened.Add(1) }
func (o *countingObserver) DecrementConnections() { o.closed.Add(1) }

func TestMaxConnections(t *testing.T) {
	config := testConfig(CarrierTCP)
	config.MaxConnections = 1

	l, err := Listen("127.0.0.1:0", config)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	observer := &countingObserver{}
	l.SetObserver(observer)
	go l.Serve(echo)
	defer l.Close()

	d := newTestDialer(t, testConfig(CarrierTCP))

	first, err := d.Dial(context.Background(), l.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if err := roundTrip(first, []byte("hello")); err != nil {
		t.Fatalf("Round trip failed: %v", err)
	}

	second, err := d.Dial(context.Background(), l.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	select {
	case <-second.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the second connection to be closed by the listener")
	}

	if n := l.ActiveConnections(); n != 1 {
		t.Errorf("Expected 1 active connection, got %d", n)
	}

	first.Close()
	deadline := time.Now().Add(5 * time.Second)
	for observer.closed.Load() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if observer.opened.Load() != 1 || observer.closed.Load() != 1 {
		t.Errorf("Expected 1 open and 1 close, got %d and %d", observer.opened.Load(), observer.closed.Load())
	}
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestDial_RetriesAndBreaker(t *testing.T) {
	breaker := circuitbreaker.New(circuitbreaker.Config{
		MaxFailures:     2,
		ResetTimeout:    time.Hour,
		MaxHalfOpenReqs: 1,
	})
	d, err := NewDialer(testConfig(CarrierTCP), retry.Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	}, breaker)
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}

	var attempts atomic.Int32
	dial := d.DialContext
	d.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		attempts.Add(1)
		return dial(ctx, network, addr)
	}

	_, err = d.Dial(context.Background(), closedAddr(t))
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen after the breaker tripped, got %v", err)
	}
	if n := attempts.Load(); n != 2 {
		t.Errorf("Expected 2 dial attempts before the breaker opened, got %d", n)
	}
	if breaker.State() != circuitbreaker.StateOpen {
		t.Errorf("Expected breaker Open, got %v", breaker.State())
	}
}

func TestClient_Redials(t *testing.T) {
	l := startListener(t, testConfig(CarrierTCP), echo)
	c := NewClient(newTestDialer(t, testConfig(CarrierTCP)), l.Addr().String())
	defer c.Close()

	first, err := c.Session(context.Background())
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if err := roundTrip(first, []byte("one")); err != nil {
		t.Fatalf("Round trip failed: %v", err)
	}

	first.Close()

	stream, err := c.OpenStream(context.Background())
	if err != nil {
		t.Fatalf("OpenStream after session loss failed: %v", err)
	}
	stream.Close()

	second, _ := c.Session(context.Background())
	if second == first {
		t.Error("Expected a new session after the first closed")
	}

	c.Close()
	if _, err := c.OpenStream(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestListener_CloseStopsHandlers(t *testing.T) {
	started := make(chan struct{})
	l, err := Listen("127.0.0.1:0", testConfig(CarrierTCP))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	served := make(chan error, 1)
	go func() {
		served <- l.Serve(func(ctx context.Context, stream net.Conn) {
			close(started)
			<-ctx.Done()
		})
	}()

	s, err := newTestDialer(t, testConfig(CarrierTCP)).Dial(context.Background(), l.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	stream, _ := s.OpenStream(context.Background())
	stream.Write([]byte("x"))
	<-started

	l.Close()
	if err := <-served; err != nil {
		t.Errorf("Expected Serve to return nil after Close, got %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Error("Expected the session to end when the listener closed")
	}
}
