// Package sign provides the digital signature contract used for
// long-term identity authentication in the handshake, backed by
// Cloudflare CIRCL's Dilithium implementation (sign/dilithium), which
// the suite catalog names ML-DSA.
package sign

import (
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium"
)

// KeyPair holds signature key material in binary form.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// Scheme exposes signing and verification primitives. Verify never
// panics on malformed input; it always returns VerifyFail.
type Scheme interface {
	Name() string
	PublicKeyLength() int
	PrivateKeyLength() int
	SignatureLength() int
	GenerateKeyPair() (KeyPair, error)
	Sign(privateKey, message []byte) ([]byte, error)
	Verify(publicKey, message, signature []byte) error
}

// VerifyFail is returned when a signature fails to verify, including
// when the public key or signature bytes are themselves malformed.
type VerifyFail struct {
	Reason string
}

func (e *VerifyFail) Error() string { return "sign: verification failed: " + e.Reason }

type dilithiumScheme struct {
	mode dilithium.Mode
}

// ForID resolves a signature id (as carried by a suite.Suite record) to
// a concrete implementation.
func ForID(id string) (Scheme, error) {
	var modeName string
	switch id {
	case "ML-DSA-44":
		modeName = "Dilithium2"
	case "ML-DSA-65":
		modeName = "Dilithium3"
	case "ML-DSA-87":
		modeName = "Dilithium5"
	default:
		return nil, fmt.Errorf("sign: unknown signature id %q", id)
	}
	mode := dilithium.ModeByName(modeName)
	if mode == nil {
		return nil, fmt.Errorf("sign: mode %q not available", modeName)
	}
	return &dilithiumScheme{mode: mode}, nil
}

func (d *dilithiumScheme) Name() string         { return d.mode.Name() }
func (d *dilithiumScheme) PublicKeyLength() int  { return d.mode.PublicKeySize() }
func (d *dilithiumScheme) PrivateKeyLength() int { return d.mode.PrivateKeySize() }
func (d *dilithiumScheme) SignatureLength() int  { return d.mode.SignatureSize() }

func (d *dilithiumScheme) GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := d.mode.GenerateKey(nil)
	if err != nil {
		return KeyPair{}, fmt.Errorf("sign: generate keypair: %w", err)
	}
	return KeyPair{Public: pub.Bytes(), Private: priv.Bytes()}, nil
}

func (d *dilithiumScheme) Sign(privateKey, message []byte) ([]byte, error) {
	if len(privateKey) != d.PrivateKeyLength() {
		return nil, fmt.Errorf("sign: private key length mismatch")
	}
	priv := d.mode.PrivateKeyFromBytes(privateKey)
	return d.mode.Sign(priv, message), nil
}

func (d *dilithiumScheme) Verify(publicKey, message, signature []byte) error {
	if len(publicKey) != d.PublicKeyLength() {
		return &VerifyFail{Reason: "public key length mismatch"}
	}
	pub := d.mode.PublicKeyFromBytes(publicKey)
	if pub == nil {
		return &VerifyFail{Reason: "malformed public key"}
	}
	if !d.mode.Verify(pub, message, signature) {
		return &VerifyFail{Reason: "signature does not match"}
	}
	return nil
}
