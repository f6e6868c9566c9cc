package auth

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"
)

type peerKey struct{}

// WithPeer returns a context carrying the authenticated client peer.
func WithPeer(ctx context.Context, id peer.ID) context.Context {
	return context.WithValue(ctx, peerKey{}, id)
}

// PeerFromContext returns the peer placed by the server middleware.
func PeerFromContext(ctx context.Context) (peer.ID, bool) {
	id, ok := ctx.Value(peerKey{}).(peer.ID)
	return id, ok && id != ""
}
