package auth

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// Boxes are signed with distinct prefixes so an opaque value can never be
// replayed as a bearer token or the reverse.
const (
	opaquePrefix = "libp2p-PeerID-opaque"
	bearerPrefix = "libp2p-PeerID-bearer"
)

// opaqueState travels to the client and back between handshake legs, so
// the server keeps no per-handshake state.
type opaqueState struct {
	ChallengeClient string    `json:"challenge-client"`
	ClientPublicKey []byte    `json:"client-public-key,omitempty"`
	Hostname        string    `json:"hostname"`
	CreatedAt       time.Time `json:"created-time"`
}

type bearerToken struct {
	Peer      string    `json:"peer"`
	Hostname  string    `json:"hostname"`
	CreatedAt time.Time `json:"created-time"`
}

// box is the wire form: base64url(JSON{val, sig}).
type box struct {
	Val string `json:"val"`
	Sig string `json:"sig"`
}

func sealBox(key crypto.PrivKey, prefix string, v any) (string, error) {
	val, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode box: %w", err)
	}
	sig, err := sign(key, prefix, []field{{name: "val", value: val}})
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(box{Val: encoding.EncodeToString(val), Sig: encoding.EncodeToString(sig)})
	if err != nil {
		return "", fmt.Errorf("failed to encode box: %w", err)
	}
	return encoding.EncodeToString(out), nil
}

func openBox(key crypto.PubKey, prefix, s string, v any) error {
	raw, err := encoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("%w: box is not base64url", ErrInvalidSignature)
	}
	var b box
	if err := json.Unmarshal(raw, &b); err != nil {
		return fmt.Errorf("%w: malformed box", ErrInvalidSignature)
	}
	val, err := encoding.DecodeString(b.Val)
	if err != nil {
		return fmt.Errorf("%w: malformed box value", ErrInvalidSignature)
	}
	sig, err := encoding.DecodeString(b.Sig)
	if err != nil {
		return fmt.Errorf("%w: malformed box signature", ErrInvalidSignature)
	}
	if err := verify(key, prefix, []field{{name: "val", value: val}}, sig); err != nil {
		return err
	}
	if err := json.Unmarshal(val, v); err != nil {
		return fmt.Errorf("%w: malformed box contents", ErrInvalidSignature)
	}
	return nil
}

// expired reports whether created is more than ttl before now. A token
// exactly ttl old is still valid.
func expired(created, now time.Time, ttl time.Duration) bool {
	return now.Sub(created) > ttl
}
