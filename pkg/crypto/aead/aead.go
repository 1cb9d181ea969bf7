// Package aead provides the AEAD contract (seal/open) used by the
// data-plane to protect frames, backed by the standard library's
// AES-256-GCM and golang.org/x/crypto's ChaCha20-Poly1305.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// AuthFail is returned by Open on tamper, wrong key, or malformed input.
// It never panics.
type AuthFail struct {
	Reason string
}

func (e *AuthFail) Error() string { return "aead: authentication failed: " + e.Reason }

// Cipher seals/opens with a fixed key, nonce, and tag length.
type Cipher interface {
	Name() string
	KeyLength() int
	NonceLength() int
	TagLength() int
	Seal(key, nonce, aad, plaintext []byte) (ciphertextAndTag []byte, err error)
	Open(key, nonce, aad, ciphertextAndTag []byte) (plaintext []byte, err error)
}

// ForID resolves an AEAD id (as carried by a suite.Suite record) to a
// concrete cipher.
func ForID(id string) (Cipher, error) {
	switch id {
	case "AES-256-GCM":
		return aesGCM{}, nil
	case "CHACHA20-POLY1305":
		return chacha{}, nil
	default:
		return nil, fmt.Errorf("aead: unknown aead id %q", id)
	}
}

type aesGCM struct{}

func (aesGCM) Name() string      { return "AES-256-GCM" }
func (aesGCM) KeyLength() int    { return 32 }
func (aesGCM) NonceLength() int  { return 12 }
func (aesGCM) TagLength() int    { return 16 }

func (aesGCM) newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("aead: aes-256-gcm key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aead: new aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (a aesGCM) Seal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	gcm, err := a.newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("aead: nonce length mismatch: got %d want %d", len(nonce), gcm.NonceSize())
	}
	return gcm.Seal(nil, nonce, plaintext, aad), nil
}

func (a aesGCM) Open(key, nonce, aad, ct []byte) ([]byte, error) {
	gcm, err := a.newAEAD(key)
	if err != nil {
		return nil, &AuthFail{Reason: err.Error()}
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, &AuthFail{Reason: "nonce length mismatch"}
	}
	pt, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, &AuthFail{Reason: err.Error()}
	}
	return pt, nil
}

type chacha struct{}

func (chacha) Name() string     { return "CHACHA20-POLY1305" }
func (chacha) KeyLength() int   { return chacha20poly1305.KeySize }
func (chacha) NonceLength() int { return chacha20poly1305.NonceSize }
func (chacha) TagLength() int   { return 16 }

func (c chacha) Seal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	aeadCipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("aead: new chacha20poly1305: %w", err)
	}
	if len(nonce) != aeadCipher.NonceSize() {
		return nil, fmt.Errorf("aead: nonce length mismatch: got %d want %d", len(nonce), aeadCipher.NonceSize())
	}
	return aeadCipher.Seal(nil, nonce, plaintext, aad), nil
}

func (c chacha) Open(key, nonce, aad, ct []byte) ([]byte, error) {
	aeadCipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, &AuthFail{Reason: err.Error()}
	}
	if len(nonce) != aeadCipher.NonceSize() {
		return nil, &AuthFail{Reason: "nonce length mismatch"}
	}
	pt, err := aeadCipher.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, &AuthFail{Reason: err.Error()}
	}
	return pt, nil
}
