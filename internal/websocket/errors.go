package websocket

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownOpcode  = errors.New("unknown websocket opcode")
	ErrFrameTooLarge  = errors.New("websocket frame too large")
	ErrMessageTooBig  = errors.New("websocket message too big")
	ErrProtocol       = errors.New("websocket protocol error")
	ErrBadHandshake   = errors.New("websocket handshake failed")
	ErrInvalidAccept  = errors.New("invalid Sec-WebSocket-Accept")
	ErrNotOpen        = errors.New("websocket session is not open")
	ErrInvalidMessage = errors.New("websocket messages must be text or binary")
)

// CloseCode is an RFC 6455 status code carried in a close frame.
type CloseCode uint16

const (
	CloseNormal             CloseCode = 1000
	CloseGoingAway          CloseCode = 1001
	CloseProtocolError      CloseCode = 1002
	CloseUnsupportedData    CloseCode = 1003
	CloseNoStatus           CloseCode = 1005
	CloseAbnormal           CloseCode = 1006
	CloseInvalidPayload     CloseCode = 1007
	ClosePolicyViolation    CloseCode = 1008
	CloseMessageTooBig      CloseCode = 1009
	CloseMandatoryExtension CloseCode = 1010
	CloseInternalError      CloseCode = 1011
	CloseServiceRestart     CloseCode = 1012
	CloseTryAgainLater      CloseCode = 1013
	CloseBadGateway         CloseCode = 1014
	CloseTLSHandshake       CloseCode = 1015
)

// sendable reports codes that may appear in a close frame on the wire.
func (c CloseCode) sendable() bool {
	switch c {
	case CloseNoStatus, CloseAbnormal, CloseTLSHandshake:
		return false
	}
	return (c >= 1000 && c <= 1014) || (c >= 3000 && c <= 4999)
}

// CloseError is returned by reads once the session has closed.
type CloseError struct {
	Code   CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("websocket closed: %d", e.Code)
	}
	return fmt.Sprintf("websocket closed: %d %s", e.Code, e.Reason)
}

// IsCloseError reports whether err is a CloseError with one of codes.
func IsCloseError(err error, codes ...CloseCode) bool {
	var ce *CloseError
	if !errors.As(err, &ce) {
		return false
	}
	for _, c := range codes {
		if ce.Code == c {
			return true
		}
	}
	return false
}
