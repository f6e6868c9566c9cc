package httpcodec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

type bodyMode int

const (
	bodySized bodyMode = iota
	bodyChunked
	bodyUntilEOF
)

type bodyState int

const (
	bodyOpen bodyState = iota
	bodyDone
	bodyFailed
)

// Body is the lazily filled body of a parsed message. It is read once, in
// order, as bytes arrive on the channel. Done is closed when the body has
// been fully read or has failed; Err then reports the outcome.
type Body struct {
	readMu    sync.Mutex
	r         *bufio.Reader
	mode      bodyMode
	remaining int64
	chunks    chunkDecoder

	mu     sync.Mutex
	state  bodyState
	err    error
	done   chan struct{}
	closer io.Closer
	stop   func() bool
}

func newBody(ctx context.Context, r *bufio.Reader, mode bodyMode, length int64, closer io.Closer) *Body {
	b := &Body{
		r:         r,
		mode:      mode,
		remaining: length,
		done:      make(chan struct{}),
		closer:    closer,
	}
	b.mu.Lock()
	b.stop = context.AfterFunc(ctx, func() {
		b.abort(ctx.Err(), true)
	})
	b.mu.Unlock()
	return b
}

// Read implements io.Reader. A channel that ends before the body's framing
// is complete yields ErrIncompleteMessage rather than io.EOF.
func (b *Body) Read(p []byte) (int, error) {
	b.readMu.Lock()
	defer b.readMu.Unlock()

	if err := b.status(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, complete, err := b.fill(p)
	switch {
	case err != nil:
		b.finish(err)
	case complete:
		b.finish(nil)
	}

	if n > 0 {
		if err := b.status(); err != nil && err != io.EOF {
			return n, err
		}
		return n, nil
	}
	return 0, b.status()
}

func (b *Body) fill(p []byte) (int, bool, error) {
	switch b.mode {
	case bodySized:
		if b.remaining == 0 {
			return 0, true, nil
		}
		if int64(len(p)) > b.remaining {
			p = p[:b.remaining]
		}
		n, err := b.r.Read(p)
		b.remaining -= int64(n)
		if b.remaining == 0 {
			return n, true, nil
		}
		if errors.Is(err, io.EOF) {
			return n, false, fmt.Errorf("%w: body ended %d bytes short", ErrIncompleteMessage, b.remaining)
		}
		return n, false, err

	case bodyUntilEOF:
		n, err := b.r.Read(p)
		if errors.Is(err, io.EOF) {
			return n, true, nil
		}
		return n, false, err

	default:
		return b.fillChunked(p)
	}
}

func (b *Body) fillChunked(p []byte) (int, bool, error) {
	for {
		buf, err := b.peek()
		if len(buf) > 0 {
			nDst, nSrc, derr := b.chunks.decode(p, buf)
			if _, err := b.r.Discard(nSrc); err != nil {
				return nDst, false, err
			}
			if derr != nil {
				return nDst, false, derr
			}
			if b.chunks.done() {
				return nDst, true, nil
			}
			if nDst > 0 {
				return nDst, false, nil
			}
			continue
		}

		if errors.Is(err, io.EOF) {
			// The zero chunk has been seen; a missing trailer terminator
			// loses no body bytes.
			if b.chunks.phase == readingTrailers {
				return 0, true, nil
			}
			return 0, false, fmt.Errorf("%w: chunked body truncated in %s", ErrIncompleteMessage, b.chunks.phase)
		}
		return 0, false, err
	}
}

// peek returns whatever is buffered, blocking for at least one byte.
func (b *Body) peek() ([]byte, error) {
	if n := b.r.Buffered(); n > 0 {
		return b.r.Peek(n)
	}
	if _, err := b.r.Peek(1); err != nil {
		return nil, err
	}
	return b.r.Peek(b.r.Buffered())
}

// Close abandons the body. Reads after Close fail with ErrBodyAborted.
// Closing a fully read body is a no-op.
func (b *Body) Close() error {
	b.abort(errors.New("closed before fully read"), false)
	return nil
}

// Done is closed once the body is complete or has failed.
func (b *Body) Done() <-chan struct{} {
	return b.done
}

// Err returns nil while the body is open or after it completed, and the
// failure otherwise.
func (b *Body) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == bodyFailed {
		return b.err
	}
	return nil
}

func (b *Body) status() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case bodyDone:
		return io.EOF
	case bodyFailed:
		return b.err
	default:
		return nil
	}
}

func (b *Body) finish(err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != bodyOpen {
		return false
	}
	if err != nil {
		b.state = bodyFailed
		b.err = err
	} else {
		b.state = bodyDone
	}
	close(b.done)
	if b.stop != nil {
		b.stop()
	}
	return true
}

// abort fails an open body. When closeSource is set the underlying channel
// is closed too, unblocking any read in progress.
func (b *Body) abort(cause error, closeSource bool) {
	if !b.finish(fmt.Errorf("%w: %w", ErrBodyAborted, cause)) {
		return
	}
	if closeSource && b.closer != nil {
		b.closer.Close()
	}
}
