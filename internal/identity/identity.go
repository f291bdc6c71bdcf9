// Package identity manages the long-lived keypair a serving peer is reachable
// under.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base32"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/sha3"
)

// addressLen is the number of public key hash bytes encoded in an address.
const addressLen = 20

var addressEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var (
	// ErrPassphraseRequired is returned when a sealed key file is loaded
	// without a passphrase.
	ErrPassphraseRequired = errors.New("identity key is sealed, passphrase required")

	// ErrWrongPassphrase is returned when a sealed key file cannot be opened.
	ErrWrongPassphrase = errors.New("wrong passphrase")
)

// Identity is an Ed25519 keypair and the service address derived from it.
type Identity struct {
	pub     ed25519.PublicKey
	priv    ed25519.PrivateKey
	address string
}

// New wraps an existing private key.
func New(priv ed25519.PrivateKey) *Identity {
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{pub: pub, priv: priv, address: AddressOf(pub)}
}

// Generate creates a fresh identity that is not persisted anywhere.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return New(priv), nil
}

// AddressOf derives the service address of a public key: the lowercase
// base32 encoding of the first 20 bytes of its SHA3-256 hash.
func AddressOf(pub ed25519.PublicKey) string {
	sum := sha3.Sum256(pub)
	return string(bytes.ToLower([]byte(addressEncoding.EncodeToString(sum[:addressLen]))))
}

// Address returns the service address.
func (id *Identity) Address() string { return id.address }

// PublicKey returns the public half of the keypair.
func (id *Identity) PublicKey() ed25519.PublicKey { return id.pub }

// Sign signs msg with the private key.
func (id *Identity) Sign(msg []byte) []byte { return ed25519.Sign(id.priv, msg) }

// LoadOrCreate loads the identity stored at path, or generates a new one and
// saves it if the file doesn't exist. Without a passphrase the file holds the
// 64-byte Ed25519 private key; with one it holds the key sealed by Seal.
func LoadOrCreate(path, passphrase string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return decodeKeyFile(data, passphrase)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	data = []byte(id.priv)
	if passphrase != "" {
		if data, err = Seal(id.priv, passphrase); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return id, nil
}

func decodeKeyFile(data []byte, passphrase string) (*Identity, error) {
	if isSealed(data) {
		if passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		priv, err := Open(data, passphrase)
		if err != nil {
			return nil, err
		}
		return New(priv), nil
	}
	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key file: expected %d bytes, got %d", ed25519.PrivateKeySize, len(data))
	}
	return New(ed25519.PrivateKey(data)), nil
}
