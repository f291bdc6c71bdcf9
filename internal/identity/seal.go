package identity

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	keyLen       = 32
	saltLen      = 32
	nonceLen     = 12
)

var sealMagic = []byte("umbra-key-v1\n")

func isSealed(data []byte) bool { return bytes.HasPrefix(data, sealMagic) }

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keyLen)
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// Seal encrypts a private key under a passphrase with an Argon2id-derived
// AES-256-GCM key. The result is magic || salt || nonce || ciphertext.
func Seal(priv ed25519.PrivateKey, passphrase string) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(sealMagic)+saltLen+nonceLen+len(priv)+gcm.Overhead())
	out = append(out, sealMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, priv, sealMagic), nil
}

// Open reverses Seal.
func Open(data []byte, passphrase string) (ed25519.PrivateKey, error) {
	if !isSealed(data) || len(data) < len(sealMagic)+saltLen+nonceLen {
		return nil, fmt.Errorf("invalid sealed key file")
	}
	rest := data[len(sealMagic):]
	salt, nonce, ct := rest[:saltLen], rest[saltLen:saltLen+nonceLen], rest[saltLen+nonceLen:]
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ct, sealMagic)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	if len(plain) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid sealed key: expected %d bytes, got %d", ed25519.PrivateKeySize, len(plain))
	}
	return ed25519.PrivateKey(plain), nil
}
