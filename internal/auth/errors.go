package auth

import (
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	ErrMissingAuthHeader = errors.New("missing auth header")
	ErrMalformedHeader   = errors.New("malformed auth header")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrInvalidPeer       = errors.New("invalid peer")
	ErrBadResponse       = errors.New("bad response")
	ErrTokenExpired      = errors.New("token expired")
	ErrInvalidHostname   = errors.New("invalid hostname")
)

// BadResponseError reports an unexpected status during a handshake.
type BadResponseError struct {
	StatusCode int
}

func (e *BadResponseError) Error() string {
	return fmt.Sprintf("bad response: status %d", e.StatusCode)
}

func (e *BadResponseError) Unwrap() error {
	return ErrBadResponse
}

// InvalidPeerError is returned when the VerifyPeer hook rejects a server.
type InvalidPeerError struct {
	Peer peer.ID
}

func (e *InvalidPeerError) Error() string {
	return fmt.Sprintf("invalid peer: %s rejected", e.Peer)
}

func (e *InvalidPeerError) Unwrap() error {
	return ErrInvalidPeer
}
