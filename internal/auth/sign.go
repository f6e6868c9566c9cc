package auth

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/multiformats/go-varint"
)

const (
	// PeerIDAuthScheme prefixes both the auth header and every signed buffer.
	PeerIDAuthScheme = "libp2p-PeerID"
	BearerAuthScheme = "libp2p-Bearer"

	// ProtocolID is the auth protocol's well-known identifier.
	ProtocolID = "/http-peer-id-auth/1.0.0"
	// DefaultPath is where nodes serve ProtocolID.
	DefaultPath = "/auth"

	challengeSize = 32
)

var encoding = base64.URLEncoding

// field is one name=value part of a signed buffer. Values are raw bytes;
// public keys are signed in their protobuf form, not base64.
type field struct {
	name  string
	value []byte
}

func stringField(name, value string) field {
	return field{name: name, value: []byte(value)}
}

// dataToSign builds the canonical buffer: prefix, then each field sorted by
// name as uvarint(len) || name "=" value.
func dataToSign(prefix string, fields []field) []byte {
	sorted := make([]field, len(fields))
	copy(sorted, fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].name < sorted[j].name })

	var buf bytes.Buffer
	buf.WriteString(prefix)
	for _, f := range sorted {
		n := len(f.name) + 1 + len(f.value)
		buf.Write(varint.ToUvarint(uint64(n)))
		buf.WriteString(f.name)
		buf.WriteByte('=')
		buf.Write(f.value)
	}
	return buf.Bytes()
}

func sign(key crypto.PrivKey, prefix string, fields []field) ([]byte, error) {
	sig, err := key.Sign(dataToSign(prefix, fields))
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

func verify(key crypto.PubKey, prefix string, fields []field, sig []byte) error {
	ok, err := key.Verify(dataToSign(prefix, fields), sig)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// newChallenge returns 32 random bytes, base64url encoded.
func newChallenge() (string, error) {
	var b [challengeSize]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return encoding.EncodeToString(b[:]), nil
}

func marshalPublicKey(key crypto.PubKey) ([]byte, error) {
	b, err := crypto.MarshalPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return b, nil
}

// decodePublicKey parses a base64url protobuf public key from a header.
func decodePublicKey(s string) (crypto.PubKey, []byte, error) {
	raw, err := encoding.DecodeString(s)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: public-key is not base64url", ErrMalformedHeader)
	}
	key, err := crypto.UnmarshalPublicKey(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: invalid public-key: %w", ErrMalformedHeader, err)
	}
	return key, raw, nil
}
