// Package wire implements the on-wire data-plane frame codec: header
// serialization and AAD construction. It owns no cryptographic material
// and performs no AEAD operations of its own.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic identifies a Secure Tunnel data-plane datagram.
	Magic byte = 0x5C
	// Version is the only wire version this codec understands.
	Version byte = 0x01

	// HeaderLength is the fixed-size prefix before the AEAD ciphertext||tag.
	HeaderLength = 15

	// DirectionDroneToGCS / DirectionGCSToDrone are the fixed direction
	// bytes Nonce uses to left-pad AEAD nonces longer than 12 bytes; a
	// 12-byte nonce carries no direction byte (see Nonce).
	DirectionDroneToGCS byte = 0x01
	DirectionGCSToDrone byte = 0x02
)

// HeaderError indicates a malformed datagram: short length, bad magic,
// or unknown version. It is always recoverable by dropping the packet.
type HeaderError struct {
	Reason string
}

func (e *HeaderError) Error() string { return "wire: header error: " + e.Reason }

// Frame is the transient, decoded representation of one data-plane
// datagram. It is never persisted past the enclosing read/write call.
type Frame struct {
	SuiteFamily byte
	Epoch       uint32
	Sequence    uint64
	Body        []byte // ciphertext || tag
}

// Encode serializes a frame to its on-wire datagram representation.
func Encode(suiteFamily byte, epoch uint32, seq uint64, body []byte) []byte {
	out := make([]byte, HeaderLength+len(body))
	out[0] = Magic
	out[1] = Version
	out[2] = suiteFamily
	binary.BigEndian.PutUint32(out[3:7], epoch)
	binary.BigEndian.PutUint64(out[7:15], seq)
	copy(out[HeaderLength:], body)
	return out
}

// Decode parses a datagram into its header fields and body, and returns
// the AAD bytes (the header sans body) that the AEAD covers. minTagLen
// is the AEAD's tag length, used to enforce the minimum datagram size.
func Decode(datagram []byte, minTagLen int) (Frame, []byte, error) {
	if len(datagram) < HeaderLength+minTagLen {
		return Frame{}, nil, &HeaderError{Reason: fmt.Sprintf("datagram too short: %d bytes", len(datagram))}
	}
	if datagram[0] != Magic {
		return Frame{}, nil, &HeaderError{Reason: "magic mismatch"}
	}
	if datagram[1] != Version {
		return Frame{}, nil, &HeaderError{Reason: fmt.Sprintf("unknown version %d", datagram[1])}
	}

	f := Frame{
		SuiteFamily: datagram[2],
		Epoch:       binary.BigEndian.Uint32(datagram[3:7]),
		Sequence:    binary.BigEndian.Uint64(datagram[7:15]),
		Body:        datagram[HeaderLength:],
	}
	aad := make([]byte, HeaderLength)
	copy(aad, datagram[:HeaderLength])
	return f, aad, nil
}

// Nonce builds the AEAD nonce: epoch(4) || seq(8) left-padded to
// nonceLen with a fixed direction byte, per §3 of the frame format. For
// a 12-byte AEAD nonce (AES-256-GCM, ChaCha20-Poly1305) epoch||seq
// already fills the nonce and no padding byte remains; domain
// separation between directions is then carried entirely by the
// Session's distinct per-direction keys, which is sufficient since a
// nonce is only required to be unique per key, not globally.
func Nonce(epoch uint32, seq uint64, direction byte, nonceLen int) ([]byte, error) {
	if nonceLen < 12 {
		return nil, errors.New("wire: nonce length too small to carry epoch+seq")
	}
	nonce := make([]byte, nonceLen)
	pad := nonceLen - 12
	for i := 0; i < pad; i++ {
		nonce[i] = direction
	}
	binary.BigEndian.PutUint32(nonce[pad:pad+4], epoch)
	binary.BigEndian.PutUint64(nonce[pad+4:pad+12], seq)
	return nonce, nil
}
