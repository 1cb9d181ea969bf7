package control

import (
	"crypto/rand"
	"fmt"
	"net"

	"github.com/example/securetunnel/pkg/crypto/sign"
)

const authNonceLength = 32

type authChallenge struct {
	Nonce []byte `json:"nonce"`
}

type authResponse struct {
	Signature []byte `json:"signature"`
	Nonce     []byte `json:"nonce,omitempty"`
}

type authAck struct{}

// authenticate runs the mutual challenge-response handshake that
// establishes trust in the control channel once, at startup, using the
// same long-term signature identities as the KEM handshake (§4.8). The
// dialer (Drone) and listener (GCS) follow a fixed write/read order to
// avoid deadlocking the single underlying stream.
func authenticate(conn net.Conn, isDialer bool, scheme sign.Scheme, local sign.KeyPair, peerPublicKey []byte) error {
	if isDialer {
		return authenticateAsDialer(conn, scheme, local, peerPublicKey)
	}
	return authenticateAsListener(conn, scheme, local, peerPublicKey)
}

func authenticateAsDialer(conn net.Conn, scheme sign.Scheme, local sign.KeyPair, peerPublicKey []byte) error {
	nonceLocal, err := randomNonce()
	if err != nil {
		return err
	}
	if err := writeFrame(conn, authChallenge{Nonce: nonceLocal}); err != nil {
		return err
	}

	var resp authResponse
	if err := readFrame(conn, &resp); err != nil {
		return err
	}
	if err := scheme.Verify(peerPublicKey, nonceLocal, resp.Signature); err != nil {
		return fmt.Errorf("control: auth: peer signature over challenge invalid: %w", err)
	}

	counterSig, err := scheme.Sign(local.Private, resp.Nonce)
	if err != nil {
		return fmt.Errorf("control: auth: sign counter-nonce: %w", err)
	}
	if err := writeFrame(conn, authResponse{Signature: counterSig}); err != nil {
		return err
	}

	var ack authAck
	if err := readFrame(conn, &ack); err != nil {
		return fmt.Errorf("control: auth: waiting for ack: %w", err)
	}
	return nil
}

func authenticateAsListener(conn net.Conn, scheme sign.Scheme, local sign.KeyPair, peerPublicKey []byte) error {
	var challenge authChallenge
	if err := readFrame(conn, &challenge); err != nil {
		return err
	}

	nonceLocal, err := randomNonce()
	if err != nil {
		return err
	}
	sig, err := scheme.Sign(local.Private, challenge.Nonce)
	if err != nil {
		return fmt.Errorf("control: auth: sign challenge: %w", err)
	}
	if err := writeFrame(conn, authResponse{Signature: sig, Nonce: nonceLocal}); err != nil {
		return err
	}

	var resp authResponse
	if err := readFrame(conn, &resp); err != nil {
		return err
	}
	if err := scheme.Verify(peerPublicKey, nonceLocal, resp.Signature); err != nil {
		return fmt.Errorf("control: auth: peer signature over counter-nonce invalid: %w", err)
	}

	return writeFrame(conn, authAck{})
}

func randomNonce() ([]byte, error) {
	buf := make([]byte, authNonceLength)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("control: auth: random nonce: %w", err)
	}
	return buf, nil
}
