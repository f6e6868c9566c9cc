package identity

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidKeyFile = errors.New("invalid identity file")
	ErrPeerIDMismatch = errors.New("identity peer id does not match key")
)

// Identity is a node's long-lived key pair.
type Identity struct {
	PrivKey crypto.PrivKey
	PeerID  peer.ID
}

// File is the on-disk YAML form of an Identity.
type File struct {
	PeerID     string `yaml:"peer_id"`
	PrivateKey string `yaml:"private_key"` // base64 of the protobuf-encoded key
}

// Generate creates a new Ed25519 identity.
func Generate() (*Identity, error) {
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return FromKey(key)
}

// FromKey wraps an existing private key.
func FromKey(key crypto.PrivKey) (*Identity, error) {
	id, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to derive peer id: %w", err)
	}
	return &Identity{PrivKey: key, PeerID: id}, nil
}

// Marshal encodes the identity as a key file.
func (i *Identity) Marshal() ([]byte, error) {
	raw, err := crypto.MarshalPrivateKey(i.PrivKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key: %w", err)
	}
	return yaml.Marshal(File{
		PeerID:     i.PeerID.String(),
		PrivateKey: base64.StdEncoding.EncodeToString(raw),
	})
}

// Unmarshal decodes a key file. The recorded peer id, when present, must
// match the key.
func Unmarshal(data []byte) (*Identity, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeyFile, err)
	}
	if f.PrivateKey == "" {
		return nil, fmt.Errorf("%w: missing private_key", ErrInvalidKeyFile)
	}

	raw, err := base64.StdEncoding.DecodeString(f.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeyFile, err)
	}
	key, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKeyFile, err)
	}

	id, err := FromKey(key)
	if err != nil {
		return nil, err
	}
	if f.PeerID != "" && f.PeerID != id.PeerID.String() {
		return nil, fmt.Errorf("%w: file says %s, key is %s", ErrPeerIDMismatch, f.PeerID, id.PeerID)
	}
	return id, nil
}

// Load reads a key file.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	return Unmarshal(data)
}

// Save writes the identity to path with owner-only permissions.
func (i *Identity) Save(path string) error {
	data, err := i.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// LoadOrGenerate loads path, or generates and saves a new identity there
// if the file does not exist. The bool reports whether one was generated.
func LoadOrGenerate(path string) (*Identity, bool, error) {
	id, err := Load(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	id, err = Generate()
	if err != nil {
		return nil, false, err
	}
	if err := id.Save(path); err != nil {
		return nil, false, err
	}
	return id, true, nil
}
