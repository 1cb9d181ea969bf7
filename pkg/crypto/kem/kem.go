// Package kem provides the KEM contract (keygen/encapsulate/decapsulate)
// used by the handshake engine, backed by Cloudflare CIRCL's Kyber
// implementation (kem/kyber), which the suite catalog names ML-KEM.
package kem

import (
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	"github.com/cloudflare/circl/kem/kyber/kyber512"
	"github.com/cloudflare/circl/kem/kyber/kyber768"
)

// KeyPair bundles public/private keys in raw encoded form.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// Suite describes the operations all KEM providers must expose. A
// DecapFail never panics: malformed ciphertext or key material always
// returns a typed error.
type Suite interface {
	Name() string
	PublicKeyLength() int
	PrivateKeyLength() int
	CiphertextLength() int
	SharedKeyLength() int
	GenerateKeyPair() (KeyPair, error)
	Encapsulate(publicKey []byte) (ciphertext []byte, sharedSecret []byte, err error)
	Decapsulate(privateKey, ciphertext []byte) (sharedSecret []byte, err error)
}

// DecapFail wraps a decapsulation failure (malformed ciphertext or key).
type DecapFail struct {
	Reason string
}

func (e *DecapFail) Error() string { return "kem: decapsulation failed: " + e.Reason }

// circlSuite adapts a CIRCL kem.Scheme to the Suite contract.
type circlSuite struct {
	scheme kem.Scheme
}

// ForID resolves a KEM id (as carried by a suite.Suite record) to a
// concrete implementation.
func ForID(id string) (Suite, error) {
	switch id {
	case "ML-KEM-512":
		return &circlSuite{scheme: kyber512.Scheme()}, nil
	case "ML-KEM-768":
		return &circlSuite{scheme: kyber768.Scheme()}, nil
	case "ML-KEM-1024":
		return &circlSuite{scheme: kyber1024.Scheme()}, nil
	default:
		return nil, fmt.Errorf("kem: unknown kem id %q", id)
	}
}

func (k *circlSuite) Name() string              { return k.scheme.Name() }
func (k *circlSuite) PublicKeyLength() int       { return k.scheme.PublicKeySize() }
func (k *circlSuite) PrivateKeyLength() int      { return k.scheme.PrivateKeySize() }
func (k *circlSuite) CiphertextLength() int      { return k.scheme.CiphertextSize() }
func (k *circlSuite) SharedKeyLength() int       { return k.scheme.SharedKeySize() }

func (k *circlSuite) GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := k.scheme.GenerateKeyPair()
	if err != nil {
		return KeyPair{}, fmt.Errorf("kem: generate keypair: %w", err)
	}

	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return KeyPair{}, fmt.Errorf("kem: marshal public: %w", err)
	}

	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return KeyPair{}, fmt.Errorf("kem: marshal private: %w", err)
	}

	return KeyPair{Public: pubBytes, Private: privBytes}, nil
}

func (k *circlSuite) Encapsulate(publicKey []byte) ([]byte, []byte, error) {
	pub, err := k.scheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return nil, nil, &DecapFail{Reason: fmt.Sprintf("parse public key: %v", err)}
	}

	ct, ss, err := k.scheme.Encapsulate(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("kem: encapsulate: %w", err)
	}
	return ct, ss, nil
}

func (k *circlSuite) Decapsulate(privateKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != k.CiphertextLength() {
		return nil, &DecapFail{Reason: "ciphertext length mismatch"}
	}
	priv, err := k.scheme.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, &DecapFail{Reason: fmt.Sprintf("parse private key: %v", err)}
	}

	shared, err := k.scheme.Decapsulate(priv, ciphertext)
	if err != nil {
		return nil, &DecapFail{Reason: err.Error()}
	}
	return shared, nil
}
