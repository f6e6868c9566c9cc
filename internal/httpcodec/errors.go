package httpcodec

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage is returned for start lines, headers or chunk
	// framing that do not parse.
	ErrMalformedMessage = errors.New("malformed HTTP message")

	// ErrIncompleteMessage is returned when the channel ends before the
	// header block or the body is complete.
	ErrIncompleteMessage = errors.New("incomplete HTTP message")

	// ErrBodyAborted is returned by reads after the body was closed early
	// or its context was cancelled.
	ErrBodyAborted = errors.New("body aborted")

	// ErrBodyLength is returned when a body source yields fewer or more
	// bytes than its declared Content-Length.
	ErrBodyLength = errors.New("body length does not match content-length")

	ErrInvalidMessage = errors.New("message must be either a request or a response")
)

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}
