package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"p2phttp/internal/shared/logging"
)

// DefaultMaxMessageSize bounds reassembled messages unless overridden.
const DefaultMaxMessageSize = 10 << 20

const readChunkSize = 32 << 10

var defaultLogger = logging.NewLogger("websocket")

// State is a session's lifecycle position. Transitions only move forward.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message is a complete, reassembled data message.
type Message struct {
	Type Opcode
	Data []byte
}

// Conn is a WebSocket session over a duplex byte channel. Reads are pulled
// with ReadMessage; pings are answered and close frames echoed while
// reading. One goroutine may read while others write.
type Conn struct {
	rwc      io.ReadWriteCloser
	src      io.Reader
	client   bool
	protocol string
	maxSize  int64
	logger   *logging.Logger

	state atomic.Int32

	readMu    sync.Mutex
	recv      Buffer
	inMessage bool
	fragType  Opcode
	fragments []byte

	writeMu   sync.Mutex
	closeSent bool

	closeOnce sync.Once
	done      chan struct{}
	closeErr  *CloseError
}

func newConn(rwc io.ReadWriteCloser, client bool, opts Options) *Conn {
	maxSize := opts.MaxMessageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = defaultLogger
	}

	c := &Conn{
		rwc:     rwc,
		src:     rwc,
		client:  client,
		maxSize: maxSize,
		logger:  logger,
		done:    make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// open moves a handshaken session to Open. src continues the channel,
// including bytes buffered while reading the handshake.
func (c *Conn) open(src io.Reader, protocol string) {
	c.src = src
	c.protocol = protocol
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

// Subprotocol returns the negotiated subprotocol, if any.
func (c *Conn) Subprotocol() string {
	return c.protocol
}

// Done is closed when the session reaches Closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// CloseStatus returns the code and reason the session closed with. It is
// only meaningful once Done is closed.
func (c *Conn) CloseStatus() (CloseCode, string) {
	select {
	case <-c.done:
		return c.closeErr.Code, c.closeErr.Reason
	default:
		return 0, ""
	}
}

// ReadMessage returns the next complete data message. Pings are answered
// and a peer's close frame is echoed before the session is torn down, after
// which a *CloseError is returned. Cancelling ctx tears the session down.
func (c *Conn) ReadMessage(ctx context.Context) (Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if err := c.closedError(); err != nil {
		return Message{}, err
	}
	if c.State() == StateConnecting {
		return Message{}, ErrNotOpen
	}

	stop := context.AfterFunc(ctx, func() {
		c.teardown(CloseAbnormal, "context cancelled")
	})
	defer stop()

	for {
		frame, ok, err := DecodeFrame(&c.recv, c.maxSize)
		if err != nil {
			return Message{}, c.fail(err)
		}
		if !ok {
			if err := c.fill(); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return Message{}, ctxErr
				}
				return Message{}, err
			}
			continue
		}

		msg, complete, err := c.handle(frame)
		if err != nil {
			return Message{}, err
		}
		if complete {
			return msg, nil
		}
	}
}

func (c *Conn) fill() error {
	tail := c.recv.tail(readChunkSize)
	n, err := c.src.Read(tail)
	c.recv.commit(n)
	if n > 0 {
		return nil
	}
	if err == nil {
		return nil
	}

	if closed := c.closedError(); closed != nil {
		return closed
	}
	// The channel ended without a close handshake.
	if errors.Is(err, io.EOF) {
		c.teardown(CloseAbnormal, "")
	} else {
		c.teardown(CloseAbnormal, err.Error())
	}
	return c.closedError()
}

func (c *Conn) handle(frame *Frame) (Message, bool, error) {
	// Clients mask, servers do not.
	if frame.Masked == c.client {
		return Message{}, false, c.fail(fmt.Errorf("%w: unexpected mask bit %v", ErrProtocol, frame.Masked))
	}

	switch frame.Opcode {
	case OpPing:
		if err := c.writeFrame(OpPong, frame.Payload); err != nil && !errors.Is(err, ErrNotOpen) {
			c.logger.Debug("Failed to answer ping", "error", err)
		}
		return Message{}, false, nil

	case OpPong:
		return Message{}, false, nil

	case OpClose:
		code, reason, err := parseClosePayload(frame.Payload)
		if err != nil {
			return Message{}, false, c.fail(err)
		}
		echo := code
		if code == CloseNoStatus {
			echo = 0
		}
		c.sendClose(echo, "")
		c.teardown(code, reason)
		return Message{}, false, c.closedError()

	case OpText, OpBinary:
		if c.inMessage {
			return Message{}, false, c.fail(fmt.Errorf("%w: new message before previous completed", ErrProtocol))
		}
		if frame.Fin {
			return c.deliver(frame.Opcode, frame.Payload)
		}
		c.inMessage = true
		c.fragType = frame.Opcode
		c.fragments = append(c.fragments[:0], frame.Payload...)
		return Message{}, false, nil

	default: // continuation
		if !c.inMessage {
			return Message{}, false, c.fail(fmt.Errorf("%w: continuation without a message", ErrProtocol))
		}
		if int64(len(c.fragments)+len(frame.Payload)) > c.maxSize {
			return Message{}, false, c.fail(fmt.Errorf("%w: exceeds %d bytes", ErrMessageTooBig, c.maxSize))
		}
		c.fragments = append(c.fragments, frame.Payload...)
		if !frame.Fin {
			return Message{}, false, nil
		}
		data := c.fragments
		c.fragments = nil
		c.inMessage = false
		return c.deliver(c.fragType, data)
	}
}

func (c *Conn) deliver(op Opcode, data []byte) (Message, bool, error) {
	if op == OpText && !utf8.Valid(data) {
		return Message{}, false, c.fail(errInvalidUTF8)
	}
	return Message{Type: op, Data: data}, true, nil
}

var errInvalidUTF8 = errors.New("invalid UTF-8 in text message")

// fail closes the session with the code matching err and returns err.
func (c *Conn) fail(err error) error {
	code, reason := CloseProtocolError, "protocol error"
	switch {
	case errors.Is(err, ErrFrameTooLarge), errors.Is(err, ErrMessageTooBig):
		code, reason = CloseMessageTooBig, "message too big"
	case errors.Is(err, errInvalidUTF8):
		code, reason = CloseInvalidPayload, "invalid utf-8"
	}

	c.logger.Warn("Closing websocket session", "code", int(code), "error", err.Error())
	c.sendClose(code, reason)
	c.teardown(code, reason)
	return err
}

// WriteMessage sends data as a single text or binary frame.
func (c *Conn) WriteMessage(ctx context.Context, op Opcode, data []byte) error {
	if op != OpText && op != OpBinary {
		return ErrInvalidMessage
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		c.teardown(CloseAbnormal, "context cancelled")
	})
	defer stop()

	if err := c.writeFrame(op, data); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// Ping sends a ping; the pong is consumed by ReadMessage.
func (c *Conn) Ping(data []byte) error {
	return c.writeFrame(OpPing, data)
}

func (c *Conn) writeFrame(op Opcode, payload []byte) error {
	frame, err := EncodeFrame(op, payload, c.client)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closeSent || c.State() != StateOpen {
		return ErrNotOpen
	}
	if _, err := c.rwc.Write(frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", op, err)
	}
	return nil
}

// Close starts the closing handshake. The session reaches Closed when the
// peer's close frame is read, or when Shutdown gives up waiting.
func (c *Conn) Close(code CloseCode, reason string) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	if !code.sendable() {
		return fmt.Errorf("%w: close code %d cannot be sent", ErrProtocol, code)
	}
	c.sendClose(code, reason)
	return nil
}

// Shutdown closes with code and waits for the handshake to complete while
// another goroutine reads. The channel is torn down when ctx ends first.
func (c *Conn) Shutdown(ctx context.Context, code CloseCode, reason string) error {
	if err := c.Close(code, reason); err != nil && c.State() == StateOpen {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		c.teardown(code, reason)
		return ctx.Err()
	}
}

func (c *Conn) sendClose(code CloseCode, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closeSent {
		return
	}
	c.closeSent = true
	c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))

	frame, err := EncodeFrame(OpClose, closePayload(code, reason), c.client)
	if err != nil {
		return
	}
	if _, err := c.rwc.Write(frame); err != nil {
		c.logger.Debug("Failed to send close frame", "error", err)
	}
}

// teardown closes the channel and moves the session to Closed.
func (c *Conn) teardown(code CloseCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeErr = &CloseError{Code: code, Reason: reason}
		c.state.Store(int32(StateClosed))
		c.rwc.Close()
		close(c.done)
		c.logger.Debug("WebSocket session closed", "code", int(code), "reason", reason)
	})
}

func (c *Conn) closedError() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}
