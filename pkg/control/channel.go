package control

import (
	"fmt"
	"net"
	"sync"

	"github.com/example/securetunnel/pkg/crypto/sign"
)

// Channel is one authenticated, length-prefixed JSON command stream.
// Reads and writes are independently serialized so the rekey
// coordinator can poll status from one goroutine while another drains
// inbound commands.
type Channel struct {
	conn     net.Conn
	writeMu  sync.Mutex
	readMu   sync.Mutex
}

// Dial opens the control connection as the Drone (initiator) and runs
// the mutual-auth handshake before returning.
func Dial(addr string, scheme sign.Scheme, local sign.KeyPair, peerPublicKey []byte) (*Channel, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control: dial %s: %w", addr, err)
	}
	if err := authenticate(conn, true, scheme, local, peerPublicKey); err != nil {
		conn.Close()
		return nil, err
	}
	return &Channel{conn: conn}, nil
}

// Accept wraps an already-accepted connection as the GCS (listener) and
// runs the mutual-auth handshake before returning.
func Accept(conn net.Conn, scheme sign.Scheme, local sign.KeyPair, peerPublicKey []byte) (*Channel, error) {
	if err := authenticate(conn, false, scheme, local, peerPublicKey); err != nil {
		conn.Close()
		return nil, err
	}
	return &Channel{conn: conn}, nil
}

// Close tears down the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// Send encodes payload under msgType and writes the framed envelope.
func (c *Channel) Send(msgType MessageType, payload any) error {
	var raw []byte
	if payload != nil {
		encoded, err := encodePayload(payload)
		if err != nil {
			return err
		}
		raw = encoded
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, Envelope{Type: msgType, Payload: raw})
}

// Receive reads the next envelope. Callers dispatch on env.Type and
// decode env.Payload into the concrete struct themselves via Decode.
func (c *Channel) Receive() (Envelope, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	var env Envelope
	if err := readFrame(c.conn, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Decode unmarshals an envelope's payload into v.
func Decode(env Envelope, v any) error {
	return decodePayload(env.Payload, v)
}
