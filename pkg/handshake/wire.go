package handshake

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxMessageLength bounds a single handshake message, guarding against a
// peer sending a bogus length prefix that would otherwise drive an
// unbounded allocation.
const maxMessageLength = 1 << 20

// writeMessage marshals v as JSON and writes it as a 4-byte big-endian
// length prefix followed by the encoded bytes. It returns the encoded
// bytes (sans prefix) so the caller can fold the exact wire
// representation into the transcript.
func writeMessage(w io.Writer, v any) ([]byte, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("handshake: encode message: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(encoded)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return nil, fmt.Errorf("handshake: write length prefix: %w", err)
	}
	if _, err := w.Write(encoded); err != nil {
		return nil, fmt.Errorf("handshake: write message body: %w", err)
	}
	return encoded, nil
}

// readMessage reads a length-prefixed JSON message into v and returns
// the raw encoded bytes that were read.
func readMessage(r io.Reader, v any) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("handshake: read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 || length > maxMessageLength {
		return nil, fmt.Errorf("handshake: implausible message length %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("handshake: read message body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return nil, fmt.Errorf("handshake: decode message: %w", err)
	}
	return body, nil
}
